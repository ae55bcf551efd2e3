// Package native turns plain Go functions into operations. Each call takes
// the first value of every input port, runs the function once, and emits one
// value per output port followed by Done.
package native

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"go.uber.org/zap"
)

// Inputs holds the first value received on each input port.
type Inputs map[string]any

// String returns the string value of port, or "" when absent or not a string.
func (in Inputs) String(port string) string {
	s, _ := in[port].(string)
	return s
}

// Outputs maps output port names to the value to emit.
type Outputs map[string]any

// Func computes an operation's outputs from its inputs.
type Func func(ctx context.Context, in Inputs, config component.Config) (Outputs, error)

type operation struct {
	sig component.OperationSignature
	fn  Func
}

// Collection is a namespace of Go function operations.
type Collection struct {
	name    string
	version string
	ops     map[string]operation
	logger  *zap.Logger
	buffer  int
}

// Option configures a Collection.
type Option func(*Collection)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithVersion sets the version reported in the signature.
func WithVersion(version string) Option {
	return func(c *Collection) {
		c.version = version
	}
}

// New creates an empty collection.
func New(name string, opts ...Option) *Collection {
	c := &Collection{
		name:    name,
		version: "0.0.0",
		ops:     make(map[string]operation),
		logger:  zap.NewNop(),
		buffer:  packet.DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers fn under sig.Name, replacing any previous operation of that name.
func (c *Collection) Add(sig component.OperationSignature, fn Func) *Collection {
	c.ops[sig.Name] = operation{sig: sig, fn: fn}
	return c
}

var _ component.Component = (*Collection)(nil)

// Signature lists the registered operations in name order.
func (c *Collection) Signature() component.Signature {
	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)

	sig := component.Signature{Name: c.name, Version: c.version}
	for _, name := range names {
		sig.Operations = append(sig.Operations, c.ops[name].sig)
	}
	return sig
}

// Handle runs one call of the target operation.
func (c *Collection) Handle(ctx context.Context, inv component.Invocation, config component.Config, callback component.Callback) (*packet.Stream, error) {
	op, ok := c.ops[inv.Target.Operation]
	if !ok {
		return nil, sdkerrors.Execution(fmt.Sprintf("%s has no operation %q", c.name, inv.Target.Operation), sdkerrors.ErrOperationNotFound)
	}
	input := inv.Input
	if input == nil {
		input = packet.Empty()
	}

	out := packet.NewStream(c.buffer)
	packet.Go(ctx, out, func(ctx context.Context) error {
		defer input.Close()
		ctx = context.WithValue(ctx, callKey{}, call{inv: inv, callback: callback})

		in, upstream, err := gather(ctx, input, op.sig)
		if err != nil {
			return err
		}
		if upstream != "" {
			return emitErr(ctx, out, op.sig, upstream)
		}
		if missing := missingInputs(op.sig, in); len(missing) > 0 {
			return emitErr(ctx, out, op.sig, fmt.Sprintf("%s: no value for %v", op.sig.Name, missing))
		}

		result, err := op.fn(ctx, in, config)
		if err != nil {
			c.logger.Debug("Operation returned an error",
				zap.String("operation", inv.Target.String()),
				zap.Error(err))
			return emitErr(ctx, out, op.sig, err.Error())
		}
		return emit(ctx, out, op.sig, result)
	})
	return out, nil
}

type callKey struct{}

type call struct {
	inv      component.Invocation
	callback component.Callback
}

// Caller returns the invocation a Func is serving and the callback into the
// interpreter. ok is false outside a native operation call.
func Caller(ctx context.Context) (inv component.Invocation, callback component.Callback, ok bool) {
	c, ok := ctx.Value(callKey{}).(call)
	if !ok {
		return component.Invocation{}, nil, false
	}
	return c.inv, c.callback, true
}

// gather reads the first value of every declared input. It stops early once
// all of them are known. An error packet from upstream is returned as its message.
func gather(ctx context.Context, input *packet.Stream, sig component.OperationSignature) (Inputs, string, error) {
	in := make(Inputs, len(sig.Inputs))
	for _, f := range sig.Inputs {
		if f.Default != nil {
			in[f.Name] = f.Default
		}
	}
	seen := make(map[string]bool, len(sig.Inputs))

	for len(seen) < len(sig.Inputs) {
		p, err := input.Recv(ctx)
		if err == io.EOF {
			return in, "", nil
		}
		if err != nil {
			return nil, "", err
		}
		field, declared := sig.Input(p.Port)
		if !declared || seen[p.Port] || p.IsSignal() {
			continue
		}
		if p.IsErr() {
			return nil, p.Error, nil
		}
		if err := field.Type.Check(p.Value); err != nil {
			return nil, fmt.Sprintf("%s: input %q: %v", sig.Name, p.Port, err), nil
		}
		seen[p.Port] = true
		in[p.Port] = p.Value
	}
	return in, "", nil
}

func missingInputs(sig component.OperationSignature, in Inputs) []string {
	var missing []string
	for _, f := range sig.Inputs {
		if _, ok := in[f.Name]; !ok && f.Required() {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

func emit(ctx context.Context, out *packet.Stream, sig component.OperationSignature, result Outputs) error {
	for _, f := range sig.Outputs {
		v, ok := result[f.Name]
		if ok {
			if err := out.Send(ctx, packet.Ok(f.Name, v)); err != nil {
				return err
			}
		}
		if err := out.Send(ctx, packet.Done(f.Name)); err != nil {
			return err
		}
	}
	return nil
}

func emitErr(ctx context.Context, out *packet.Stream, sig component.OperationSignature, msg string) error {
	for _, f := range sig.Outputs {
		if err := out.Send(ctx, packet.Err(f.Name, msg)); err != nil {
			return err
		}
		if err := out.Send(ctx, packet.Done(f.Name)); err != nil {
			return err
		}
	}
	return nil
}
