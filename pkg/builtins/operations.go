package builtins

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"go.uber.org/zap"
)

// sender emits its literal once and ignores its input.
func (c *Collection) sender(input *packet.Stream, config component.Config) (*packet.Stream, error) {
	input.Close()
	value, ok := config.Get(schematic.SenderValueKey)
	if !ok {
		return nil, sdkerrors.Execution("sender has no value configured", sdkerrors.ErrInvalidSenderData)
	}
	return packet.FromPackets(packet.Ok(OutputPort, value), packet.Done(OutputPort)), nil
}

// mergeFields reads the merge field list. Entries are either port names or
// {name, type} objects.
func mergeFields(config component.Config) ([]component.Field, error) {
	raw, ok := config.Get("inputs")
	if !ok || raw == nil {
		return nil, sdkerrors.Validation("merge needs an inputs list", sdkerrors.ErrInvalidMergeConfig)
	}

	var items []any
	switch list := raw.(type) {
	case []any:
		items = list
	case []string:
		for _, s := range list {
			items = append(items, s)
		}
	default:
		return nil, sdkerrors.Validation(fmt.Sprintf("merge inputs must be a list, got %T", raw), sdkerrors.ErrInvalidMergeConfig)
	}
	if len(items) == 0 {
		return nil, sdkerrors.Validation("merge inputs cannot be empty", sdkerrors.ErrInvalidMergeConfig)
	}

	fields := make([]component.Field, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		var field component.Field
		switch v := item.(type) {
		case string:
			field = component.Field{Name: v, Type: component.TypeAny}
		case map[string]any:
			name, _ := v["name"].(string)
			typeName, _ := v["type"].(string)
			typ, err := component.ParseType(typeName)
			if err != nil {
				return nil, sdkerrors.Validation(fmt.Sprintf("merge input %q", name), fmt.Errorf("%w: %v", sdkerrors.ErrInvalidMergeConfig, err))
			}
			field = component.Field{Name: name, Type: typ}
		default:
			return nil, sdkerrors.Validation(fmt.Sprintf("merge input %v is neither a name nor a field", item), sdkerrors.ErrInvalidMergeConfig)
		}
		if field.Name == "" || seen[field.Name] {
			return nil, sdkerrors.Validation(fmt.Sprintf("merge input name %q is empty or repeated", field.Name), sdkerrors.ErrInvalidMergeConfig)
		}
		seen[field.Name] = true
		fields = append(fields, field)
	}
	return fields, nil
}

// merge waits for the first packet of each configured port and emits them
// together as one object.
func (c *Collection) merge(ctx context.Context, input *packet.Stream, config component.Config) (*packet.Stream, error) {
	fields, err := mergeFields(config)
	if err != nil {
		input.Close()
		return nil, sdkerrors.Execution("merge cannot start", err)
	}

	byName := make(map[string]component.Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}

	out := packet.NewStream(c.buffer)
	packet.Go(ctx, out, func(ctx context.Context) error {
		defer input.Close()

		fail := func(msg string) error {
			c.logger.Debug("Merge failed", zap.String("reason", msg))
			if err := out.Send(ctx, packet.Err(OutputPort, msg)); err != nil {
				return err
			}
			return out.Send(ctx, packet.Done(OutputPort))
		}

		values := make(map[string]any, len(fields))
		for len(values) < len(fields) {
			p, err := input.Recv(ctx)
			if err == io.EOF {
				return fail(fmt.Sprintf("merge: no value for %s", strings.Join(missing(fields, values), ", ")))
			}
			if err != nil {
				return err
			}

			field, ok := byName[p.Port]
			if !ok {
				continue
			}
			if _, have := values[p.Port]; have {
				continue
			}

			switch {
			case p.IsDone():
				return fail(fmt.Sprintf("merge: field %q closed without a value", p.Port))
			case p.IsSignal():
				continue
			case p.IsErr():
				return fail(fmt.Sprintf("merge: field %q: %s", p.Port, p.Error))
			}
			if err := field.Type.Check(p.Value); err != nil {
				return fail(fmt.Sprintf("merge: field %q: %v", p.Port, err))
			}
			values[p.Port] = p.Value
		}

		if err := out.Send(ctx, packet.Ok(OutputPort, values)); err != nil {
			return err
		}
		return out.Send(ctx, packet.Done(OutputPort))
	})
	return out, nil
}

func missing(fields []component.Field, values map[string]any) []string {
	var names []string
	for _, f := range fields {
		if _, ok := values[f.Name]; !ok {
			names = append(names, f.Name)
		}
	}
	return names
}

// passthrough forwards packets unchanged and closes every port its source left open.
func (c *Collection) passthrough(ctx context.Context, input *packet.Stream, ports []string) *packet.Stream {
	out := packet.NewStream(c.buffer)
	packet.Go(ctx, out, func(ctx context.Context) error {
		defer input.Close()

		open := make(map[string]bool, len(ports))
		for _, p := range ports {
			open[p] = true
		}
		closed := make(map[string]bool)

		for {
			p, err := input.Recv(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if closed[p.Port] {
				continue
			}
			if err := out.Send(ctx, p); err != nil {
				return err
			}
			if p.IsDone() {
				closed[p.Port] = true
			} else {
				open[p.Port] = true
			}
		}

		remaining := make([]string, 0, len(open))
		for port := range open {
			if !closed[port] {
				remaining = append(remaining, port)
			}
		}
		sort.Strings(remaining)
		for _, port := range remaining {
			if err := out.Send(ctx, packet.Done(port)); err != nil {
				return err
			}
		}
		return nil
	})
	return out
}

// null drains its input and emits nothing.
func (c *Collection) null(ctx context.Context, input *packet.Stream) *packet.Stream {
	out := packet.NewStream(1)
	packet.Go(ctx, out, func(ctx context.Context) error {
		defer input.Close()
		for {
			if _, err := input.Recv(ctx); err != nil {
				return nil
			}
		}
	})
	return out
}
