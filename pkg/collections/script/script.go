// Package script hosts JavaScript operations on goja. A script body runs as
//
//	function(input, config) { ... }
//
// where input maps each input port to its first value. The returned object
// maps output ports to values; an operation with a single output may return
// the value directly. Scripts can call back into the interpreter with
// invoke("ns::op", {port: value}), which returns the first value per output
// port and throws when the call fails.
package script

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dop251/goja"
	"github.com/wehubfusion/Conduit/pkg/collections/native"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"go.uber.org/zap"
)

// Collection is a namespace of JavaScript operations.
type Collection struct {
	*native.Collection
	config Config
	pool   *vmPool
	logger *zap.Logger
}

var (
	_ component.Component  = (*Collection)(nil)
	_ component.Shutdowner = (*Collection)(nil)
)

// New creates an empty script collection.
func New(name string, cfg Config, logger *zap.Logger) (*Collection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, sdkerrors.Validation("invalid script configuration", fmt.Errorf("%w: %v", sdkerrors.ErrInvalidConfig, err))
	}
	return &Collection{
		Collection: native.New(name, native.WithLogger(logger), native.WithVersion("1.0.0")),
		config:     cfg,
		pool:       newVMPool(cfg, logger),
		logger:     logger,
	}, nil
}

// Add compiles source as the body of the operation sig.Name. Syntax errors
// are reported here rather than at call time.
func (c *Collection) Add(sig component.OperationSignature, source string) error {
	wrapped := "(function(input, config) {\n" + source + "\n})"
	prog, err := goja.Compile(sig.Name, wrapped, false)
	if err != nil {
		return sdkerrors.Validation(fmt.Sprintf("script %s does not compile", sig.Name), classify(sig.Name, err))
	}
	c.Collection.Add(sig, func(ctx context.Context, in native.Inputs, config component.Config) (native.Outputs, error) {
		return c.run(ctx, sig, prog, in, config)
	})
	return nil
}

// Stats reports VM pool activity.
func (c *Collection) Stats() PoolStats {
	return c.pool.stats()
}

// Shutdown releases the VM pool.
func (c *Collection) Shutdown(context.Context) error {
	c.pool.close()
	return nil
}

func (c *Collection) run(ctx context.Context, sig component.OperationSignature, prog *goja.Program, in native.Inputs, config component.Config) (out native.Outputs, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	vm, err := c.pool.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire VM: %w", err)
	}
	defer c.pool.release(vm)
	defer func() {
		if r := recover(); r != nil {
			err = &ScriptError{Type: ErrorTypeRuntime, Script: sig.Name, Message: fmt.Sprintf("panic during execution: %v", r)}
		}
	}()

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		vm.vm.Interrupt("execution timeout")
		close(interrupted)
	})
	defer func() {
		// the VM must not go back to the pool with an interrupt still landing
		if !stop() {
			<-interrupted
		}
	}()

	vm.console.script = sig.Name
	if err := vm.vm.Set("invoke", c.invokeFunc(ctx, vm.vm)); err != nil {
		return nil, err
	}

	start := time.Now()
	fnValue, err := vm.vm.RunProgram(prog)
	if err != nil {
		return nil, classify(sig.Name, err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, &ScriptError{Type: ErrorTypeRuntime, Script: sig.Name, Message: "script did not evaluate to a function"}
	}
	if config == nil {
		config = component.Config{}
	}
	result, err := fn(goja.Undefined(), vm.vm.ToValue(map[string]any(in)), vm.vm.ToValue(map[string]any(config)))
	if err != nil {
		return nil, classify(sig.Name, err)
	}

	c.logger.Debug("Script completed",
		zap.String("script", sig.Name),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("vm_reuse", vm.reuseCount))
	return outputs(sig, result.Export())
}

// outputs maps a script's return value onto the declared output ports.
func outputs(sig component.OperationSignature, v any) (native.Outputs, error) {
	if obj, ok := v.(map[string]any); ok {
		matched := len(obj) > 0
		for key := range obj {
			if _, declared := sig.Output(key); !declared {
				matched = false
				break
			}
		}
		if matched {
			return native.Outputs(obj), nil
		}
	}
	if len(sig.Outputs) == 1 {
		if v == nil {
			return native.Outputs{}, nil
		}
		return native.Outputs{sig.Outputs[0].Name: v}, nil
	}
	return nil, &ScriptError{Type: ErrorTypeOutput, Script: sig.Name, Message: fmt.Sprintf("result must be an object keyed by %v", sig.OutputNames())}
}

// invokeFunc builds the guest invoke(target, inputs) function. It runs the
// call synchronously through the callback of the enclosing invocation.
func (c *Collection) invokeFunc(ctx context.Context, vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		target, err := schematic.ParseEntity(call.Argument(0).String())
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		inv, callback, ok := native.Caller(ctx)
		if !ok || callback == nil {
			panic(vm.NewGoError(fmt.Errorf("invoke is unavailable outside an interpreter")))
		}

		var inputs map[string]any
		if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			if err := vm.ExportTo(arg, &inputs); err != nil {
				panic(vm.NewTypeError("invoke inputs must be an object"))
			}
		}
		var config component.Config
		if arg := call.Argument(2); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			if err := vm.ExportTo(arg, &config); err != nil {
				panic(vm.NewTypeError("invoke config must be an object"))
			}
		}

		input := make([]packet.Packet, 0, 2*len(inputs))
		for port, value := range inputs {
			input = append(input, packet.Ok(port, value), packet.Done(port))
		}
		stream, err := callback(ctx, inv.Child(target, packet.FromPackets(input...)), config)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		defer stream.Close()

		result := make(map[string]any)
		for {
			p, err := stream.Recv(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				panic(vm.NewGoError(err))
			}
			if p.IsErr() {
				panic(vm.NewGoError(fmt.Errorf("%s: %s", target, p.Error)))
			}
			if _, seen := result[p.Port]; p.IsOk() && !seen {
				result[p.Port] = p.Value
			}
		}
		return vm.ToValue(result)
	}
}
