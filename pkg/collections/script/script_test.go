package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Conduit/pkg/collections/stdlib"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var (
	unary = component.OperationSignature{
		Name:    "op",
		Inputs:  []component.Field{{Name: "input", Type: component.TypeAny}},
		Outputs: []component.Field{{Name: "output", Type: component.TypeAny}},
	}
	binary = component.OperationSignature{
		Name: "op",
		Inputs: []component.Field{
			{Name: "left", Type: component.TypeAny},
			{Name: "right", Type: component.TypeAny},
		},
		Outputs: []component.Field{
			{Name: "sum", Type: component.TypeAny},
			{Name: "product", Type: component.TypeAny},
		},
	}
)

func newCollection(t *testing.T, cfg Config, sig component.OperationSignature, source string) *Collection {
	t.Helper()
	c, err := New("js", cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.Add(sig, source))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func run(t *testing.T, c *Collection, config component.Config, callback component.Callback, input ...packet.Packet) []packet.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inv := component.NewInvocation(schematic.Entity{}, schematic.Entity{Namespace: "js", Operation: "op"}, packet.FromPackets(input...))
	out, err := c.Handle(ctx, inv, config, callback)
	require.NoError(t, err)
	packets, err := out.Collect(ctx)
	require.NoError(t, err)
	return packets
}

func TestSingleOutputReturnsValue(t *testing.T) {
	c := newCollection(t, DefaultConfig(), unary, `return input.input.toUpperCase() + config.suffix;`)
	got := run(t, c, component.Config{"suffix": "!"}, nil, packet.Ok("input", "hello"))
	assert.Equal(t, []packet.Packet{packet.Ok("output", "HELLO!"), packet.Done("output")}, got)
}

func TestMultipleOutputs(t *testing.T) {
	c := newCollection(t, DefaultConfig(), binary, `
		var l = input.left, r = input.right;
		return { sum: l + r, product: l * r };
	`)
	got := run(t, c, nil, nil, packet.Ok("left", 3), packet.Ok("right", 4))
	assert.Equal(t, []packet.Packet{
		packet.Ok("sum", int64(7)),
		packet.Done("sum"),
		packet.Ok("product", int64(12)),
		packet.Done("product"),
	}, got)
}

func TestUndeclaredOutputKeysAreRejected(t *testing.T) {
	c := newCollection(t, DefaultConfig(), binary, `return { total: 1 };`)
	got := run(t, c, nil, nil, packet.Ok("left", 1), packet.Ok("right", 2))
	require.Len(t, got, 4)
	assert.True(t, got[0].IsErr())
	assert.Contains(t, got[0].Error, string(ErrorTypeOutput))
}

func TestThrownErrorBecomesErrorPacket(t *testing.T) {
	c := newCollection(t, DefaultConfig(), unary, `throw new Error("bad input: " + input.input);`)
	got := run(t, c, nil, nil, packet.Ok("input", "x"))
	require.Len(t, got, 2)
	assert.True(t, got[0].IsErr())
	assert.Contains(t, got[0].Error, "bad input: x")
	assert.Contains(t, got[0].Error, string(ErrorTypeRuntime))
	assert.True(t, got[1].IsDone())
}

func TestSyntaxErrorAtAdd(t *testing.T) {
	c, err := New("js", DefaultConfig(), nil)
	require.NoError(t, err)
	err = c.Add(unary, `return (;`)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsValidation(err))
	assert.Contains(t, err.Error(), string(ErrorTypeSyntax))
}

func TestTimeoutInterruptsScript(t *testing.T) {
	c := newCollection(t, DefaultConfig().WithTimeout(50*time.Millisecond), unary, `while (true) {}`)
	start := time.Now()
	got := run(t, c, nil, nil, packet.Ok("input", 1))
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Error, string(ErrorTypeTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)

	// the interrupted VM is reusable
	require.NoError(t, c.Add(unary, `return 1;`))
	got = run(t, c, nil, nil, packet.Ok("input", 1))
	assert.Equal(t, packet.Ok("output", int64(1)), got[0])
}

func TestSandbox(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		source string
		want   any
	}{
		{"require removed", SecurityLevelStandard, `return typeof require;`, "undefined"},
		{"process removed", SecurityLevelPermissive, `return typeof process;`, "undefined"},
		{"prototypes frozen", SecurityLevelStandard, `Array.prototype.evil = 1; return [].evil === undefined;`, true},
		{"permissive leaves prototypes", SecurityLevelPermissive, `Array.prototype.extra = 1; return [].extra;`, int64(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCollection(t, DefaultConfig().WithSecurityLevel(tt.level), unary, tt.source)
			got := run(t, c, nil, nil, packet.Ok("input", nil))
			require.True(t, got[0].IsOk(), got[0].String())
			assert.Equal(t, tt.want, got[0].Value)
		})
	}
}

func TestStrictRejectsEval(t *testing.T) {
	c := newCollection(t, DefaultConfig().WithSecurityLevel(SecurityLevelStrict), unary, `return eval("1 + 1");`)
	got := run(t, c, nil, nil, packet.Ok("input", 1))
	assert.True(t, got[0].IsErr())
	assert.Contains(t, got[0].Error, "eval is not allowed")
}

func TestInvokeCallsBack(t *testing.T) {
	std := stdlib.New(nil)
	var seen component.Invocation
	callback := func(ctx context.Context, inv component.Invocation, config component.Config) (*packet.Stream, error) {
		seen = inv
		return std.Handle(ctx, inv, config, nil)
	}

	c := newCollection(t, DefaultConfig(), unary, `
		var r = invoke("std::concat", {left: input.input, right: "world"}, {separator: ", "});
		return r.output;
	`)
	got := run(t, c, nil, callback, packet.Ok("input", "hello"))
	assert.Equal(t, []packet.Packet{packet.Ok("output", "hello, world"), packet.Done("output")}, got)
	assert.Equal(t, schematic.Entity{Namespace: "std", Operation: "concat"}, seen.Target)
	assert.Equal(t, schematic.Entity{Namespace: "js", Operation: "op"}, seen.Origin)
}

func TestInvokeFailureThrows(t *testing.T) {
	std := stdlib.New(nil)
	callback := func(ctx context.Context, inv component.Invocation, config component.Config) (*packet.Stream, error) {
		return std.Handle(ctx, inv, config, nil)
	}
	c := newCollection(t, DefaultConfig(), unary, `
		try {
			invoke("std::pluck", {input: "{}"}, {path: "missing"});
			return "no error";
		} catch (e) {
			return "caught";
		}
	`)
	got := run(t, c, nil, callback, packet.Ok("input", 1))
	assert.Equal(t, packet.Ok("output", "caught"), got[0])

	noCallback := newCollection(t, DefaultConfig(), unary, `return invoke("std::uuid", {});`)
	got = run(t, noCallback, nil, nil, packet.Ok("input", 1))
	assert.True(t, got[0].IsErr())
	assert.Contains(t, got[0].Error, "invoke is unavailable")
}

func TestConsoleLogs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c, err := New("js", DefaultConfig(), zap.New(core))
	require.NoError(t, err)
	require.NoError(t, c.Add(unary, `console.warn("value is", input.input); return null;`))

	got := run(t, c, nil, nil, packet.Ok("input", 42))
	assert.Equal(t, []packet.Packet{packet.Done("output")}, got)

	warnings := logs.FilterMessage("value is 42").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zap.WarnLevel, warnings[0].Level)
	assert.Equal(t, "op", warnings[0].ContextMap()["script"])
}

func TestPoolReusesVMs(t *testing.T) {
	c := newCollection(t, DefaultConfig(), unary, `return input.input;`)
	for i := 0; i < 5; i++ {
		run(t, c, nil, nil, packet.Ok("input", i))
	}
	stats := c.Stats()
	assert.Equal(t, int64(5), stats.Acquired)
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, 1, stats.Available)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultConfig(), cfg)

	bad := Config{SecurityLevel: "paranoid"}
	assert.Error(t, bad.Validate())

	_, err := New("js", Config{PoolSize: -1}, nil)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidConfig)
}
