// Package builtins provides the core namespace: the pseudo-operations the
// executor relies on to feed literals, aggregate inputs and bind a
// schematic's boundary.
package builtins

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"go.uber.org/zap"
)

// OutputPort is the single output of sender and merge.
const OutputPort = "output"

// DefaultPort is the port a passthrough or null uses when no ports are configured.
const DefaultPort = "input"

// Collection implements the core namespace.
type Collection struct {
	logger *zap.Logger
	buffer int
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

// WithBufferSize sets the capacity of output streams.
func WithBufferSize(n int) Option {
	return func(c *Collection) {
		c.buffer = n
	}
}

// New creates the core collection.
func New(opts ...Option) *Collection {
	c := &Collection{logger: zap.NewNop(), buffer: packet.DefaultBufferSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ component.Component = (*Collection)(nil)
var _ component.SignatureResolver = (*Collection)(nil)

// Signature lists the core operations with their static shape. Merge,
// passthrough and null take their ports from config; see ResolveSignature.
func (c *Collection) Signature() component.Signature {
	portsConfig := component.Field{Name: "ports", Type: component.TypeList, Optional: true}
	return component.Signature{
		Name:    schematic.NamespaceCore,
		Version: "1.0.0",
		Operations: []component.OperationSignature{
			{
				Name:    schematic.OpSender,
				Outputs: []component.Field{{Name: OutputPort, Type: component.TypeAny}},
				Config:  []component.Field{{Name: schematic.SenderValueKey, Type: component.TypeAny}},
			},
			{
				Name:    schematic.OpMerge,
				Outputs: []component.Field{{Name: OutputPort, Type: component.TypeObject}},
				Config:  []component.Field{{Name: "inputs", Type: component.TypeList}},
			},
			{Name: schematic.OpPassthrough, Config: []component.Field{portsConfig}},
			{Name: schematic.OpOneShot, Config: []component.Field{portsConfig}},
			{Name: schematic.OpNull, Config: []component.Field{portsConfig}},
		},
	}
}

// ResolveSignature shapes an operation's ports from its instance config.
func (c *Collection) ResolveSignature(op string, config component.Config) (component.OperationSignature, error) {
	sig, ok := c.Signature().Operation(op)
	if !ok {
		return component.OperationSignature{}, sdkerrors.Validation(fmt.Sprintf("core has no operation %q", op), sdkerrors.ErrOperationNotFound)
	}

	switch op {
	case schematic.OpMerge:
		fields, err := mergeFields(config)
		if err != nil {
			return component.OperationSignature{}, err
		}
		sig.Inputs = fields
	case schematic.OpPassthrough, schematic.OpOneShot:
		ports, err := configPorts(config)
		if err != nil {
			return component.OperationSignature{}, err
		}
		for _, p := range ports {
			sig.Inputs = append(sig.Inputs, component.Field{Name: p, Type: component.TypeAny, Optional: true})
			sig.Outputs = append(sig.Outputs, component.Field{Name: p, Type: component.TypeAny})
		}
	case schematic.OpNull:
		ports, err := configPorts(config)
		if err != nil {
			return component.OperationSignature{}, err
		}
		for _, p := range ports {
			sig.Inputs = append(sig.Inputs, component.Field{Name: p, Type: component.TypeAny, Optional: true})
		}
	}
	return sig, nil
}

// Handle runs one core operation.
func (c *Collection) Handle(ctx context.Context, inv component.Invocation, config component.Config, _ component.Callback) (*packet.Stream, error) {
	input := inv.Input
	if input == nil {
		input = packet.Empty()
	}

	switch inv.Target.Operation {
	case schematic.OpSender:
		return c.sender(input, config)
	case schematic.OpMerge:
		return c.merge(ctx, input, config)
	case schematic.OpPassthrough, schematic.OpOneShot:
		ports, err := configPorts(config)
		if err != nil {
			return nil, err
		}
		return c.passthrough(ctx, input, ports), nil
	case schematic.OpNull:
		return c.null(ctx, input), nil
	}
	return nil, sdkerrors.Execution(fmt.Sprintf("core has no operation %q", inv.Target.Operation), sdkerrors.ErrOperationNotFound)
}

func configPorts(config component.Config) ([]string, error) {
	raw, ok := config.Get("ports")
	if !ok || raw == nil {
		return []string{DefaultPort}, nil
	}
	switch list := raw.(type) {
	case []string:
		return list, nil
	case []any:
		ports := make([]string, 0, len(list))
		for _, item := range list {
			name, ok := item.(string)
			if !ok || name == "" {
				return nil, sdkerrors.Validation(fmt.Sprintf("port name %v is not a string", item), sdkerrors.ErrInvalidConfig)
			}
			ports = append(ports, name)
		}
		return ports, nil
	}
	return nil, sdkerrors.Validation(fmt.Sprintf("ports must be a list, got %T", raw), sdkerrors.ErrInvalidConfig)
}
