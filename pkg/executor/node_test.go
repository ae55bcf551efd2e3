package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Conduit/pkg/component"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
)

func nodeFor(t *testing.T, policy string) *nodeState {
	t.Helper()
	s, err := schematic.Build(schematic.Definition{
		Name: "pair",
		Instances: map[string]schematic.InstanceDefinition{
			"join": {Operation: "test::join", Policy: policy},
		},
		Connections: []schematic.ConnectionDefinition{
			{From: "<>.a", To: "join.a"},
			{From: "<>.b", To: "join.b"},
			{From: "<>.extra", To: "join.b"},
			{From: "join.output", To: "<>.output"},
		},
	})
	require.NoError(t, err)
	n, ok := s.Node("join")
	require.True(t, ok)
	return newNodeState(n)
}

func TestAllInputsIsBracketAware(t *testing.T) {
	ns := nodeFor(t, "")
	assert.False(t, ns.eligible())

	for _, p := range []packet.Packet{packet.OpenBracket("a"), packet.Ok("a", 1)} {
		forward, err := ns.accept(0, p)
		require.NoError(t, err)
		assert.True(t, forward)
	}
	assert.False(t, ns.ports[0].ready, "an open bracket is not a complete unit")

	_, _ = ns.accept(0, packet.CloseBracket("a"))
	assert.True(t, ns.ports[0].ready)
	assert.False(t, ns.eligible(), "port b has nothing yet")

	_, _ = ns.accept(1, packet.Ok("b", 2))
	assert.True(t, ns.eligible())
}

func TestDoneWaitsForEverySource(t *testing.T) {
	ns := nodeFor(t, "wait-for-done")
	require.Equal(t, 2, ns.ports[1].sources)

	_, _ = ns.accept(0, packet.Done("a"))
	forward, err := ns.accept(1, packet.Done("b"))
	assert.NoError(t, err)
	assert.False(t, forward, "one source of b is still open")
	assert.False(t, ns.eligible())

	forward, err = ns.accept(1, packet.Done("b"))
	assert.NoError(t, err)
	assert.True(t, forward)
	assert.True(t, ns.eligible())

	_, err = ns.accept(1, packet.Ok("b", 3))
	assert.ErrorIs(t, err, errPortClosed, "packets after done are dropped")
}

func TestFirstPacketPolicy(t *testing.T) {
	ns := nodeFor(t, "first-packet")
	assert.False(t, ns.eligible())

	_, _ = ns.accept(1, packet.Ok("b", 1))
	ns.push(packet.Ok("b", 1))
	assert.True(t, ns.eligible())

	ns.dispatched = true
	assert.False(t, ns.eligible())
}

func TestApplyDefaultsAndLeftover(t *testing.T) {
	ns := nodeFor(t, "")
	ns.sig = component.OperationSignature{
		Inputs: []component.Field{
			{Name: "a"},
			{Name: "b"},
			{Name: "mode", Default: "fast"},
		},
	}
	ns.applyDefaults()

	require.Len(t, ns.ports, 3)
	assert.True(t, ns.ports[2].closed)
	assert.Equal(t, []packet.Packet{packet.Ok("mode", "fast"), packet.Done("mode")}, ns.pending)
	assert.Equal(t, 1, ns.leftover())
	assert.Equal(t, []string{"output"}, ns.outputNames())
}

func TestUnbalancedCloseBracket(t *testing.T) {
	ns := nodeFor(t, "")

	forward, err := ns.accept(0, packet.CloseBracket("a"))
	assert.ErrorIs(t, err, errUnbalancedBracket)
	assert.False(t, forward)
	assert.Equal(t, 0, ns.ports[0].depth)
	assert.False(t, ns.ports[0].ready)

	_, _ = ns.accept(0, packet.OpenBracket("a"))
	_, _ = ns.accept(0, packet.CloseBracket("a"))
	_, err = ns.accept(0, packet.CloseBracket("a"))
	assert.ErrorIs(t, err, errUnbalancedBracket)
	assert.True(t, ns.ports[0].ready)
}

func TestLeftoverCountsUnreadInput(t *testing.T) {
	ns := nodeFor(t, "")
	ns.push(packet.Ok("a", 1))
	ns.push(packet.Done("a"))
	assert.Equal(t, 1, ns.leftover())

	ns.dispatched = true
	ns.queue = packet.NewQueue()
	for _, p := range ns.pending {
		ns.push(p)
	}
	ns.pending = nil
	ns.push(packet.Ok("b", 2))
	ns.input = packet.NewStream(4)
	assert.Equal(t, 2, ns.delivered)
	assert.Equal(t, 0, ns.leftover(), "a running node is still consuming")

	require.NoError(t, ns.input.Send(context.Background(), packet.Ok("a", 1)))
	require.NoError(t, ns.input.Send(context.Background(), packet.Done("a")))
	_, err := ns.input.Recv(context.Background())
	require.NoError(t, err)
	_, err = ns.input.Recv(context.Background())
	require.NoError(t, err)

	ns.finished = true
	assert.Equal(t, 1, ns.leftover())
}

func TestBusyNeedsEveryInputClosed(t *testing.T) {
	ns := nodeFor(t, "")
	ns.dispatched = true
	assert.False(t, ns.busy())

	_, _ = ns.accept(0, packet.Done("a"))
	_, _ = ns.accept(1, packet.Done("b"))
	assert.False(t, ns.busy(), "b has a second source")
	_, _ = ns.accept(1, packet.Done("b"))
	assert.True(t, ns.busy())

	ns.finished = true
	assert.False(t, ns.busy())
}
