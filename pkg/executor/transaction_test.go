package executor_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Conduit/pkg/builtins"
	"github.com/wehubfusion/Conduit/pkg/component"
	"github.com/wehubfusion/Conduit/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/executor"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"go.uber.org/zap"
)

type opFunc func(ctx context.Context, in *packet.Stream, cfg component.Config) (*packet.Stream, error)

// testCollection is a small namespace of operations used to drive the executor.
type testCollection struct {
	ops       map[string]opFunc
	stalled   chan struct{}
	cancelled chan struct{}
}

func newTestCollection() *testCollection {
	c := &testCollection{
		stalled:   make(chan struct{}, 8),
		cancelled: make(chan struct{}, 8),
	}
	c.ops = map[string]opFunc{
		"upper":   c.upper,
		"count":   c.count,
		"collect": c.collect,
		"stall":   c.stall,
		"greet":   c.greet,
		"take":    c.take,
		"sleep":   c.sleep,
		"panic": func(context.Context, *packet.Stream, component.Config) (*packet.Stream, error) {
			panic("kaboom")
		},
		"fail": func(context.Context, *packet.Stream, component.Config) (*packet.Stream, error) {
			return nil, errors.New("boom")
		},
	}
	return c
}

func (c *testCollection) Signature() component.Signature {
	return component.Signature{
		Name: "test",
		Operations: []component.OperationSignature{
			{Name: "upper", Inputs: []component.Field{{Name: "input", Type: component.TypeString}}, Outputs: []component.Field{{Name: "output", Type: component.TypeString}}},
			{Name: "count", Outputs: []component.Field{{Name: "output", Type: component.TypeInt}}},
			{Name: "collect", Inputs: []component.Field{{Name: "input"}}, Outputs: []component.Field{{Name: "output", Type: component.TypeList}, {Name: "dones", Type: component.TypeInt}}},
			{Name: "stall", Outputs: []component.Field{{Name: "output"}}},
			{
				Name: "greet",
				Inputs: []component.Field{
					{Name: "name", Type: component.TypeString},
					{Name: "greeting", Type: component.TypeString, Default: "hello"},
				},
				Outputs: []component.Field{{Name: "output", Type: component.TypeString}},
			},
			{Name: "take", Inputs: []component.Field{{Name: "input"}}, Outputs: []component.Field{{Name: "output"}}},
			{Name: "sleep", Outputs: []component.Field{{Name: "output"}}},
			{Name: "panic", Outputs: []component.Field{{Name: "output"}}},
			{Name: "fail", Outputs: []component.Field{{Name: "output"}}},
		},
	}
}

func (c *testCollection) Handle(ctx context.Context, inv component.Invocation, cfg component.Config, _ component.Callback) (*packet.Stream, error) {
	op, ok := c.ops[inv.Target.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation %s", inv.Target.Operation)
	}
	return op(ctx, inv.Input, cfg)
}

func (c *testCollection) upper(ctx context.Context, in *packet.Stream, _ component.Config) (*packet.Stream, error) {
	out := packet.NewStream(0)
	packet.Go(ctx, out, func(ctx context.Context) error {
		for {
			p, err := in.Recv(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if s, ok := p.Value.(string); ok && p.IsOk() {
				if err := out.Send(ctx, packet.Ok("output", strings.ToUpper(s))); err != nil {
					return err
				}
			}
		}
	})
	return out, nil
}

func (c *testCollection) count(ctx context.Context, in *packet.Stream, cfg component.Config) (*packet.Stream, error) {
	in.Close()
	n, _ := cfg.Get("n")
	limit, _ := n.(int)
	out := packet.NewStream(0)
	packet.Go(ctx, out, func(ctx context.Context) error {
		for i := 0; i < limit; i++ {
			if err := out.Send(ctx, packet.Ok("output", i)); err != nil {
				return err
			}
		}
		return out.Send(ctx, packet.Done("output"))
	})
	return out, nil
}

func (c *testCollection) collect(ctx context.Context, in *packet.Stream, _ component.Config) (*packet.Stream, error) {
	out := packet.NewStream(0)
	packet.Go(ctx, out, func(ctx context.Context) error {
		var values []any
		dones := 0
		for {
			p, err := in.Recv(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if p.IsDone() {
				dones++
				continue
			}
			values = append(values, p.Value)
		}
		if err := out.Send(ctx, packet.Ok("output", values)); err != nil {
			return err
		}
		return out.Send(ctx, packet.Ok("dones", dones))
	})
	return out, nil
}

func (c *testCollection) stall(ctx context.Context, in *packet.Stream, _ component.Config) (*packet.Stream, error) {
	out := packet.NewStream(0)
	packet.Go(ctx, out, func(ctx context.Context) error {
		c.stalled <- struct{}{}
		<-ctx.Done()
		c.cancelled <- struct{}{}
		return ctx.Err()
	})
	return out, nil
}

// take forwards the first packet it reads and leaves the rest unread.
func (c *testCollection) take(ctx context.Context, in *packet.Stream, _ component.Config) (*packet.Stream, error) {
	out := packet.NewStream(0)
	packet.Go(ctx, out, func(ctx context.Context) error {
		p, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		return out.Send(ctx, p.WithPort("output"))
	})
	return out, nil
}

func (c *testCollection) sleep(ctx context.Context, in *packet.Stream, cfg component.Config) (*packet.Stream, error) {
	in.Close()
	v, _ := cfg.Get("delay")
	delay, _ := v.(time.Duration)
	out := packet.NewStream(0)
	packet.Go(ctx, out, func(ctx context.Context) error {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		return out.Send(ctx, packet.Ok("output", "awake"))
	})
	return out, nil
}

func (c *testCollection) greet(ctx context.Context, in *packet.Stream, _ component.Config) (*packet.Stream, error) {
	out := packet.NewStream(0)
	packet.Go(ctx, out, func(ctx context.Context) error {
		values := map[string]string{}
		for {
			p, err := in.Recv(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if s, ok := p.Value.(string); ok && p.IsOk() {
				values[p.Port] = s
			}
		}
		return out.Send(ctx, packet.Ok("output", values["greeting"]+", "+values["name"]))
	})
	return out, nil
}

func resolverFor(c *testCollection) executor.Resolver {
	core := builtins.New()
	return executor.ResolverFunc(func(e schematic.Entity) (component.Component, error) {
		switch e.Namespace {
		case schematic.NamespaceCore:
			return core, nil
		case "test":
			return c, nil
		}
		return nil, sdkerrors.Interpreter("unknown namespace "+e.Namespace, sdkerrors.ErrTargetNotFound)
	})
}

func build(t *testing.T, def schematic.Definition) *schematic.Schematic {
	t.Helper()
	s, err := schematic.Build(def)
	require.NoError(t, err)
	return s
}

func start(t *testing.T, s *schematic.Schematic, c *testCollection, input *packet.Stream, opts ...executor.Option) (*executor.Transaction, *packet.Stream) {
	t.Helper()
	inv := component.NewInvocation(schematic.Entity{Namespace: "test", Operation: "caller"}, schematic.Entity{Namespace: schematic.NamespaceSelf, Operation: s.Name()}, input)
	opts = append([]executor.Option{executor.WithLogger(zap.NewNop())}, opts...)
	tx := executor.NewTransaction(s, inv, resolverFor(c), nil, opts...)
	out, err := tx.Start(context.Background())
	require.NoError(t, err)
	return tx, out
}

func collect(t *testing.T, out *packet.Stream) ([]packet.Packet, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return out.Collect(ctx)
}

func onPort(packets []packet.Packet, port string) []packet.Packet {
	var out []packet.Packet
	for _, p := range packets {
		if p.Port == port {
			out = append(out, p)
		}
	}
	return out
}

func TestEchoTransaction(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:        "echo",
		Connections: []schematic.ConnectionDefinition{{From: "<>.input", To: "<>.output"}},
	})

	tx, out := start(t, s, newTestCollection(), packet.FromPackets(packet.Ok("input", "hello"), packet.Done("input")))
	packets, err := collect(t, out)
	require.NoError(t, err)

	want := []packet.Packet{packet.Ok("output", "hello"), packet.Done("output")}
	if diff := cmp.Diff(want, packets); diff != "" {
		t.Fatalf("unexpected packets (-want +got):\n%s", diff)
	}
	assert.Equal(t, executor.StateCompleted, tx.State())

	stats := tx.Stats()
	assert.False(t, stats.Ended.IsZero())
	assert.Contains(t, stats.Nodes, schematic.InputID)
	assert.Contains(t, stats.Nodes, schematic.OutputID)
	assert.Greater(t, stats.PacketsRouted, int64(0))
	assert.GreaterOrEqual(t, stats.Duration(), time.Duration(0))
}

func TestTransactionStartsOnce(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:        "echo",
		Connections: []schematic.ConnectionDefinition{{From: "<>.input", To: "<>.output"}},
	})
	tx, out := start(t, s, newTestCollection(), packet.FromPackets(packet.Done("input")))
	_, err := collect(t, out)
	require.NoError(t, err)

	_, err = tx.Start(context.Background())
	assert.True(t, sdkerrors.IsState(err))
}

func TestFanOutDeliversToEveryTarget(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:      "fanout",
		Instances: map[string]schematic.InstanceDefinition{"up": {Operation: "test::upper"}},
		Connections: []schematic.ConnectionDefinition{
			{From: "<>.input", To: "up.input"},
			{From: "<>.input", To: "<>.raw"},
			{From: "up.output", To: "<>.loud"},
		},
	})

	_, out := start(t, s, newTestCollection(), packet.FromPackets(packet.Ok("input", "a"), packet.Ok("input", "b"), packet.Done("input")))
	packets, err := collect(t, out)
	require.NoError(t, err)

	assert.Equal(t, []packet.Packet{packet.Ok("raw", "a"), packet.Ok("raw", "b"), packet.Done("raw")}, onPort(packets, "raw"))
	assert.Equal(t, []packet.Packet{packet.Ok("loud", "A"), packet.Ok("loud", "B"), packet.Done("loud")}, onPort(packets, "loud"))
}

func TestPacketsOnOnePortKeepTheirOrder(t *testing.T) {
	s := build(t, schematic.Definition{
		Name: "ordered",
		Instances: map[string]schematic.InstanceDefinition{
			"src": {Operation: "test::count", Config: map[string]any{"n": 200}},
		},
		Connections: []schematic.ConnectionDefinition{{From: "src.output", To: "<>.output"}},
	})

	_, out := start(t, s, newTestCollection(), nil, executor.WithConfig(executor.DefaultConfig().WithBufferSize(4)))
	packets, err := collect(t, out)
	require.NoError(t, err)

	require.Len(t, packets, 201)
	for i := 0; i < 200; i++ {
		assert.Equal(t, packet.Ok("output", i), packets[i])
	}
	assert.True(t, packets[200].IsDone())
}

func TestFanInClosesPortAfterEverySource(t *testing.T) {
	s := build(t, schematic.Definition{
		Name: "fanin",
		Instances: map[string]schematic.InstanceDefinition{
			"a":   {Operation: "test::count", Config: map[string]any{"n": 2}},
			"b":   {Operation: "test::count", Config: map[string]any{"n": 2}},
			"all": {Operation: "test::collect", Policy: "wait-for-done"},
		},
		Connections: []schematic.ConnectionDefinition{
			{From: "a.output", To: "all.input"},
			{From: "b.output", To: "all.input"},
			{From: "all.output", To: "<>.output"},
			{From: "all.dones", To: "<>.dones"},
		},
	})

	_, out := start(t, s, newTestCollection(), nil)
	packets, err := collect(t, out)
	require.NoError(t, err)

	values := onPort(packets, "output")
	require.Len(t, values, 2)
	assert.ElementsMatch(t, []any{0, 1, 0, 1}, values[0].Value)
	assert.True(t, values[1].IsDone())

	assert.Equal(t, packet.Ok("dones", 1), onPort(packets, "dones")[0])
}

func TestPanicBecomesErrorPacket(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:      "panics",
		Instances: map[string]schematic.InstanceDefinition{"panic_op": {Operation: "test::panic"}},
		Connections: []schematic.ConnectionDefinition{
			{From: "<>.input", To: "panic_op.input"},
			{From: "panic_op.output", To: "<>.output"},
		},
	})

	tx, out := start(t, s, newTestCollection(), packet.FromPackets(packet.Ok("input", 1), packet.Done("input")))
	packets, err := collect(t, out)
	require.NoError(t, err)

	assert.Equal(t, []packet.Packet{packet.Err("output", "Operation panicked"), packet.Done("output")}, packets)
	assert.Equal(t, executor.StateCompleted, tx.State())
}

func TestHandleErrorBecomesErrorPacket(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:      "fails",
		Instances: map[string]schematic.InstanceDefinition{"f": {Operation: "test::fail"}, "up": {Operation: "test::upper"}},
		Connections: []schematic.ConnectionDefinition{
			{From: "<>.input", To: "up.input"},
			{From: "up.output", To: "<>.ok"},
			{From: "f.output", To: "<>.output"},
		},
	})

	limiter := concurrency.NewLimiter(2)
	_, out := start(t, s, newTestCollection(), packet.FromPackets(packet.Ok("input", "x"), packet.Done("input")), executor.WithLimiter(limiter))
	packets, err := collect(t, out)
	require.NoError(t, err)

	assert.Equal(t, []packet.Packet{packet.Err("output", "boom"), packet.Done("output")}, onPort(packets, "output"))
	assert.Equal(t, []packet.Packet{packet.Ok("ok", "X"), packet.Done("ok")}, onPort(packets, "ok"))
	assert.GreaterOrEqual(t, limiter.GetMetrics().TotalAcquired, int64(4))
}

func TestUnwiredInputUsesDefault(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:      "greeter",
		Instances: map[string]schematic.InstanceDefinition{"greet": {Operation: "test::greet"}},
		Connections: []schematic.ConnectionDefinition{
			{From: "<>.name", To: "greet.name"},
			{From: "greet.output", To: "<>.output"},
		},
	})

	_, out := start(t, s, newTestCollection(), packet.FromPackets(packet.Ok("name", "bob"), packet.Done("name")))
	packets, err := collect(t, out)
	require.NoError(t, err)
	assert.Equal(t, []packet.Packet{packet.Ok("output", "hello, bob"), packet.Done("output")}, packets)
}

func TestHungTransactionFails(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:      "stuck",
		Instances: map[string]schematic.InstanceDefinition{"hold": {Operation: "test::stall"}},
		Connections: []schematic.ConnectionDefinition{
			{From: "<>.input", To: "hold.input"},
			{From: "hold.output", To: "<>.output"},
		},
	})

	// the caller never closes its input, so hold keeps waiting
	input := packet.NewStream(1)
	require.NoError(t, input.Send(context.Background(), packet.Ok("input", 1)))
	t.Cleanup(input.CloseSend)

	c := newTestCollection()
	cfg := executor.DefaultConfig().WithErrorOnHung(true, 50*time.Millisecond)
	tx, out := start(t, s, c, input, executor.WithConfig(cfg))

	_, err := collect(t, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrHungTimeout)
	assert.True(t, sdkerrors.IsTimeout(err))
	assert.Equal(t, executor.StateHung, tx.State())

	select {
	case <-c.cancelled:
	case <-time.After(time.Second):
		t.Fatal("stalled operation was not cancelled")
	}
}

func TestSlowOperationIsNotHung(t *testing.T) {
	s := build(t, schematic.Definition{
		Name: "slow",
		Instances: map[string]schematic.InstanceDefinition{
			"nap": {Operation: "test::sleep", Config: map[string]any{"delay": 200 * time.Millisecond}},
		},
		Connections: []schematic.ConnectionDefinition{{From: "nap.output", To: "<>.output"}},
	})

	cfg := executor.DefaultConfig().WithErrorOnHung(true, 50*time.Millisecond)
	tx, out := start(t, s, newTestCollection(), nil, executor.WithConfig(cfg))
	packets, err := collect(t, out)
	require.NoError(t, err)
	assert.Equal(t, []packet.Packet{packet.Ok("output", "awake"), packet.Done("output")}, packets)
	assert.Equal(t, executor.StateCompleted, tx.State())
}

func TestUnbalancedCloseBracketBecomesErrorPacket(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:        "echo",
		Connections: []schematic.ConnectionDefinition{{From: "<>.input", To: "<>.output"}},
	})

	_, out := start(t, s, newTestCollection(), packet.FromPackets(
		packet.Ok("input", 1),
		packet.CloseBracket("input"),
		packet.Done("input"),
	))
	packets, err := collect(t, out)
	require.NoError(t, err)
	require.Len(t, packets, 3)
	assert.Equal(t, packet.Ok("output", 1), packets[0])
	assert.True(t, packets[1].IsErr())
	assert.Contains(t, packets[1].Error, "close bracket")
	assert.Equal(t, packet.Done("output"), packets[2])
}

func TestTotalTimeout(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:        "slow",
		Instances:   map[string]schematic.InstanceDefinition{"hold": {Operation: "test::stall"}},
		Connections: []schematic.ConnectionDefinition{{From: "hold.output", To: "<>.output"}},
	})

	cfg := executor.DefaultConfig().WithErrorOnHung(false, 0).WithTimeout(50 * time.Millisecond)
	tx, out := start(t, s, newTestCollection(), nil, executor.WithConfig(cfg))

	_, err := collect(t, out)
	assert.ErrorIs(t, err, sdkerrors.ErrTimeout)
	assert.Equal(t, executor.StateFailed, tx.State())
}

func TestClosingOutputCancelsNodes(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:        "abandoned",
		Instances:   map[string]schematic.InstanceDefinition{"hold": {Operation: "test::stall"}},
		Connections: []schematic.ConnectionDefinition{{From: "hold.output", To: "<>.output"}},
	})

	c := newTestCollection()
	tx, out := start(t, s, c, nil)

	select {
	case <-c.stalled:
	case <-time.After(time.Second):
		t.Fatal("operation never started")
	}
	out.Close()

	select {
	case <-c.cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation was not cancelled")
	}
	assert.Eventually(t, func() bool { return tx.State() == executor.StateFailed }, time.Second, 10*time.Millisecond)
}

func TestStalledScheduleIsHung(t *testing.T) {
	def := schematic.Definition{
		Name: "cycle",
		Instances: map[string]schematic.InstanceDefinition{
			"a": {Operation: "test::upper"},
			"b": {Operation: "test::upper"},
		},
		Connections: []schematic.ConnectionDefinition{
			{From: "a.output", To: "b.input"},
			{From: "b.output", To: "a.input"},
			{From: "b.output", To: "<>.output"},
		},
	}

	t.Run("error on hung", func(t *testing.T) {
		tx, out := start(t, build(t, def), newTestCollection(), nil)
		_, err := collect(t, out)
		assert.ErrorIs(t, err, sdkerrors.ErrHungTimeout)
		assert.Equal(t, executor.StateHung, tx.State())
	})

	t.Run("closes outputs otherwise", func(t *testing.T) {
		cfg := executor.DefaultConfig().WithErrorOnHung(false, 0)
		tx, out := start(t, build(t, def), newTestCollection(), nil, executor.WithConfig(cfg))
		packets, err := collect(t, out)
		require.NoError(t, err)
		assert.Equal(t, []packet.Packet{packet.Done("output")}, packets)
		assert.Equal(t, executor.StateCompleted, tx.State())
	})
}

func TestErrorOnMissing(t *testing.T) {
	def := schematic.Definition{
		Name: "leftover",
		Instances: map[string]schematic.InstanceDefinition{
			"src":  {Operation: "test::count", Config: map[string]any{"n": 1}},
			"hold": {Operation: "test::stall"},
			"gate": {Operation: "test::collect"},
		},
		Connections: []schematic.ConnectionDefinition{
			{From: "src.output", To: "gate.a"},
			{From: "hold.output", To: "gate.b"},
			{From: "src.output", To: "<>.output"},
		},
	}

	t.Run("enabled", func(t *testing.T) {
		cfg := executor.DefaultConfig().WithErrorOnMissing(true)
		tx, out := start(t, build(t, def), newTestCollection(), nil, executor.WithConfig(cfg))
		packets, err := collect(t, out)
		assert.ErrorIs(t, err, sdkerrors.ErrMissingInput)
		assert.True(t, sdkerrors.IsExecution(err))
		assert.Equal(t, []packet.Packet{packet.Ok("output", 0), packet.Done("output")}, packets)
		assert.Equal(t, executor.StateFailed, tx.State())
	})

	t.Run("disabled", func(t *testing.T) {
		tx, out := start(t, build(t, def), newTestCollection(), nil)
		_, err := collect(t, out)
		require.NoError(t, err)
		assert.Equal(t, executor.StateCompleted, tx.State())
	})
}

func TestErrorOnMissingCountsUnreadInput(t *testing.T) {
	def := schematic.Definition{
		Name: "partial",
		Instances: map[string]schematic.InstanceDefinition{
			"first": {Operation: "test::take", Policy: "wait-for-done"},
		},
		Connections: []schematic.ConnectionDefinition{
			{From: "<>.input", To: "first.input"},
			{From: "first.output", To: "<>.output"},
		},
	}
	input := func() *packet.Stream {
		return packet.FromPackets(packet.Ok("input", 1), packet.Ok("input", 2), packet.Done("input"))
	}

	t.Run("enabled", func(t *testing.T) {
		cfg := executor.DefaultConfig().WithErrorOnMissing(true)
		tx, out := start(t, build(t, def), newTestCollection(), input(), executor.WithConfig(cfg))
		packets, err := collect(t, out)
		assert.ErrorIs(t, err, sdkerrors.ErrMissingInput)
		assert.ErrorContains(t, err, "first")
		assert.Equal(t, []packet.Packet{packet.Ok("output", 1), packet.Done("output")}, packets)
		assert.Equal(t, executor.StateFailed, tx.State())
	})

	t.Run("disabled", func(t *testing.T) {
		tx, out := start(t, build(t, def), newTestCollection(), input())
		packets, err := collect(t, out)
		require.NoError(t, err)
		assert.Equal(t, []packet.Packet{packet.Ok("output", 1), packet.Done("output")}, packets)
		assert.Equal(t, executor.StateCompleted, tx.State())
	})
}

func TestUnresolvedOperationBecomesErrorPacket(t *testing.T) {
	s := build(t, schematic.Definition{
		Name:        "unresolved",
		Instances:   map[string]schematic.InstanceDefinition{"q": {Operation: "db::query"}},
		Connections: []schematic.ConnectionDefinition{{From: "q.output", To: "<>.output"}},
	})

	_, out := start(t, s, newTestCollection(), nil)
	packets, err := collect(t, out)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.True(t, packets[0].IsErr())
	assert.Contains(t, packets[0].Error, "unknown namespace db")
	assert.True(t, packets[1].IsDone())
}

func TestConfigValidate(t *testing.T) {
	cfg := executor.Config{ErrorOnHung: true}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, executor.DefaultHungTimeout, cfg.HungTimeout)
	assert.Equal(t, packet.DefaultBufferSize, cfg.BufferSize)

	bad := executor.DefaultConfig().WithTimeout(-time.Second)
	assert.Error(t, bad.Validate())
}
