package builtins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
)

func invoke(t *testing.T, op string, config component.Config, input ...packet.Packet) ([]packet.Packet, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := New()
	inv := component.NewInvocation(
		schematic.Entity{Namespace: "self", Operation: "test"},
		schematic.Entity{Namespace: schematic.NamespaceCore, Operation: op},
		packet.FromPackets(input...),
	)
	out, err := c.Handle(ctx, inv, config, nil)
	if err != nil {
		return nil, err
	}
	return out.Collect(ctx)
}

func TestSenderEmitsLiteralThenDone(t *testing.T) {
	for _, v := range []any{5, "hello", map[string]any{"a": 1}, []any{1, 2}, true} {
		got, err := invoke(t, schematic.OpSender, component.Config{"value": v}, packet.Ok("ignored", 1))
		require.NoError(t, err)
		assert.Equal(t, []packet.Packet{packet.Ok(OutputPort, v), packet.Done(OutputPort)}, got)
	}
}

func TestSenderWithoutValue(t *testing.T) {
	_, err := invoke(t, schematic.OpSender, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidSenderData)

	_, err = invoke(t, schematic.OpSender, component.Config{"other": 1})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidSenderData)
}

func TestSenderEmitsNull(t *testing.T) {
	got, err := invoke(t, schematic.OpSender, component.Config{"value": nil})
	require.NoError(t, err)
	assert.Equal(t, []packet.Packet{packet.Ok(OutputPort, nil), packet.Done(OutputPort)}, got)
}

func TestMergeFirstPacketOfEachField(t *testing.T) {
	got, err := invoke(t, schematic.OpMerge,
		component.Config{"inputs": []any{"left", "right"}},
		packet.Ok("right", 7),
		packet.Ok("left", 5),
		packet.Ok("left", 99),
		packet.Done("left"),
		packet.Done("right"),
	)
	require.NoError(t, err)
	assert.Equal(t, []packet.Packet{
		packet.Ok(OutputPort, map[string]any{"left": 5, "right": 7}),
		packet.Done(OutputPort),
	}, got)
}

func TestMergeTypedFields(t *testing.T) {
	config := component.Config{"inputs": []any{
		map[string]any{"name": "count", "type": "int"},
		map[string]any{"name": "label", "type": "string"},
	}}

	got, err := invoke(t, schematic.OpMerge, config, packet.Ok("count", 3), packet.Ok("label", "x"))
	require.NoError(t, err)
	assert.Equal(t, packet.Ok(OutputPort, map[string]any{"count": 3, "label": "x"}), got[0])

	got, err = invoke(t, schematic.OpMerge, config, packet.Ok("count", "three"), packet.Ok("label", "x"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsErr())
	assert.Contains(t, got[0].Error, `field "count"`)
	assert.True(t, got[1].IsDone())
}

func TestMergeFieldClosedWithoutValue(t *testing.T) {
	got, err := invoke(t, schematic.OpMerge, component.Config{"inputs": []string{"a", "b"}},
		packet.Ok("a", 1), packet.Done("b"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `merge: field "b" closed without a value`, got[0].Error)
	assert.True(t, got[1].IsDone())
}

func TestMergePropagatesUpstreamError(t *testing.T) {
	got, err := invoke(t, schematic.OpMerge, component.Config{"inputs": []string{"a"}}, packet.Err("a", "upstream"))
	require.NoError(t, err)
	assert.Equal(t, packet.Err(OutputPort, `merge: field "a": upstream`), got[0])
}

func TestMergeInvalidConfig(t *testing.T) {
	for _, config := range []component.Config{
		nil,
		{"inputs": "left"},
		{"inputs": []any{}},
		{"inputs": []any{"a", "a"}},
		{"inputs": []any{map[string]any{"name": "a", "type": "quaternion"}}},
	} {
		_, err := invoke(t, schematic.OpMerge, config)
		assert.ErrorIs(t, err, sdkerrors.ErrInvalidMergeConfig, "%v", config)
	}
}

func TestPassthroughAppendsDone(t *testing.T) {
	got, err := invoke(t, schematic.OpPassthrough, component.Config{"ports": []any{"input", "extra"}},
		packet.Ok("input", "hello"),
	)
	require.NoError(t, err)
	assert.Equal(t, []packet.Packet{
		packet.Ok("input", "hello"),
		packet.Done("extra"),
		packet.Done("input"),
	}, got)
}

func TestPassthroughForwardsUnchanged(t *testing.T) {
	in := []packet.Packet{
		packet.OpenBracket("input"),
		packet.Ok("input", 1),
		packet.CloseBracket("input"),
		packet.Done("input"),
		packet.Ok("input", "late"),
	}
	got, err := invoke(t, schematic.OpOneShot, nil, in...)
	require.NoError(t, err)
	assert.Equal(t, in[:4], got)
}

func TestNullEmitsNothing(t *testing.T) {
	got, err := invoke(t, schematic.OpNull, nil, packet.Ok("input", 1), packet.Done("input"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveSignature(t *testing.T) {
	c := New()

	sig, err := c.ResolveSignature(schematic.OpMerge, component.Config{"inputs": []any{"left", "right"}})
	require.NoError(t, err)
	assert.Len(t, sig.Inputs, 2)
	_, ok := sig.Output(OutputPort)
	assert.True(t, ok)

	sig, err = c.ResolveSignature(schematic.OpPassthrough, component.Config{"ports": []any{"a"}})
	require.NoError(t, err)
	_, ok = sig.Input("a")
	assert.True(t, ok)
	_, ok = sig.Output("a")
	assert.True(t, ok)

	sig, err = c.ResolveSignature(schematic.OpNull, nil)
	require.NoError(t, err)
	assert.Empty(t, sig.Outputs)
	_, ok = sig.Input(DefaultPort)
	assert.True(t, ok)

	_, err = c.ResolveSignature(schematic.OpMerge, nil)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidMergeConfig)

	_, err = c.ResolveSignature("warp", nil)
	assert.ErrorIs(t, err, sdkerrors.ErrOperationNotFound)
}

func TestUnknownOperation(t *testing.T) {
	_, err := invoke(t, "warp", nil)
	assert.ErrorIs(t, err, sdkerrors.ErrOperationNotFound)
}
