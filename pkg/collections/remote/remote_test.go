package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Conduit/pkg/codec"
	"github.com/wehubfusion/Conduit/pkg/collections/stdlib"
	"github.com/wehubfusion/Conduit/pkg/component"
	"github.com/wehubfusion/Conduit/pkg/message"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/schematic"
	"github.com/wehubfusion/Conduit/pkg/storage"
	"go.uber.org/zap/zaptest"
)

// loopback delivers requests straight to a Server in the same process.
type loopback struct {
	server *Server
}

func (l loopback) RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	msg.Reply = "_INBOX.test"
	return l.server.HandleMsg(ctx, msg), nil
}

type requesterFunc func(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)

func (f requesterFunc) RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	return f(ctx, msg)
}

func invoke(t *testing.T, c component.Component, op string, config component.Config, input ...packet.Packet) []packet.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	inv := component.NewInvocation(schematic.Entity{}, schematic.Entity{Namespace: stdlib.Namespace, Operation: op}, packet.FromPackets(input...))
	out, err := c.Handle(ctx, inv, config, nil)
	require.NoError(t, err)
	packets, err := out.Collect(ctx)
	require.NoError(t, err)
	return packets
}

func TestDiscoverAndCall(t *testing.T) {
	logger := zaptest.NewLogger(t)
	server := NewServer(stdlib.Namespace, stdlib.New(logger), WithServerLogger(logger))

	for _, c := range []codec.Codec{codec.Msgpack, codec.JSON} {
		t.Run(c.Name(), func(t *testing.T) {
			col, err := Discover(context.Background(), stdlib.Namespace, loopback{server}, WithCodec(c), WithLogger(logger))
			require.NoError(t, err)
			assert.Equal(t, stdlib.New(logger).Signature(), col.Signature())

			got := invoke(t, col, "concat", component.Config{"separator": "-"},
				packet.Ok("left", "a"), packet.Done("left"),
				packet.Ok("right", "b"), packet.Done("right"),
			)
			assert.Equal(t, []packet.Packet{packet.Ok("output", "a-b"), packet.Done("output")}, got)

			sum := invoke(t, col, "add", nil, packet.Ok("input", map[string]any{"left": 5, "right": 7}))
			assert.Equal(t, []packet.Packet{packet.Ok("output", float64(12)), packet.Done("output")}, sum)
		})
	}
}

func TestUnknownOperation(t *testing.T) {
	col := New(stdlib.Namespace, stdlib.New(nil).Signature(), loopback{NewServer(stdlib.Namespace, stdlib.New(nil))})
	inv := component.NewInvocation(schematic.Entity{}, schematic.Entity{Namespace: stdlib.Namespace, Operation: "nope"}, nil)
	_, err := col.Handle(context.Background(), inv, nil, nil)
	assert.Error(t, err)
}

type failing struct{}

func (failing) Signature() component.Signature {
	return component.Signature{Name: "broken", Operations: []component.OperationSignature{{
		Name:    "run",
		Outputs: []component.Field{{Name: "a"}, {Name: "b"}},
	}}}
}

func (failing) Handle(context.Context, component.Invocation, component.Config, component.Callback) (*packet.Stream, error) {
	return nil, errors.New("disk on fire")
}

func TestRemoteFailureBecomesErrorPackets(t *testing.T) {
	server := NewServer("std", failing{})
	col := New("std", failing{}.Signature(), loopback{server})

	got := invoke(t, col, "run", nil)
	require.Len(t, got, 4)
	for i, port := range []string{"a", "b"} {
		assert.True(t, got[2*i].IsErr())
		assert.Equal(t, port, got[2*i].Port)
		assert.Contains(t, got[2*i].Error, "disk on fire")
		assert.Equal(t, packet.Done(port), got[2*i+1])
	}
}

func TestServerRejectsForeignNamespace(t *testing.T) {
	server := NewServer("other", stdlib.New(nil))
	col := New(stdlib.Namespace, stdlib.New(nil).Signature(), loopback{server})

	got := invoke(t, col, "uuid", nil)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsErr())
	assert.Contains(t, got[0].Error, "cannot run std::uuid")
}

func TestTransportFailures(t *testing.T) {
	sig := stdlib.New(nil).Signature()

	down := New(stdlib.Namespace, sig, requesterFunc(func(context.Context, *nats.Msg) (*nats.Msg, error) {
		return nil, nats.ErrNoResponders
	}))
	got := invoke(t, down, "uuid", nil)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Error, "no responders")

	slow := New(stdlib.Namespace, sig, requesterFunc(func(ctx context.Context, _ *nats.Msg) (*nats.Msg, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithTimeout(10*time.Millisecond))
	ctx := context.Background()
	inv := component.NewInvocation(schematic.Entity{}, schematic.Entity{Namespace: stdlib.Namespace, Operation: "uuid"}, nil)
	out, err := slow.Handle(ctx, inv, nil, nil)
	require.NoError(t, err)
	got, err = out.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Error, "timed out")
}

func TestBlobReply(t *testing.T) {
	store := storage.NewMemoryStore()
	output := []packet.Packet{packet.Ok("output", "large"), packet.Done("output")}
	encoded, err := codec.EncodePackets(codec.Msgpack, output)
	require.NoError(t, err)
	ref, err := store.Upload(context.Background(), "results/x.msgpack", encoded, nil)
	require.NoError(t, err)

	requester := requesterFunc(func(_ context.Context, msg *nats.Msg) (*nats.Msg, error) {
		req, err := message.Decode(codec.Msgpack, msg.Data)
		if err != nil {
			return nil, err
		}
		res := message.NewResultMessage(req, message.StatusSuccess).
			WithBlobReference(&message.BlobReference{URL: ref, SizeBytes: len(encoded)})
		data, err := res.Encode(codec.Msgpack)
		if err != nil {
			return nil, err
		}
		reply := nats.NewMsg("_INBOX.test")
		reply.Header.Set(message.HeaderContentType, codec.ContentTypeMsgpack)
		reply.Data = data
		return reply, nil
	})

	sig := stdlib.New(nil).Signature()
	without := New(stdlib.Namespace, sig, requester)
	got := invoke(t, without, "uuid", nil)
	assert.True(t, got[0].IsErr())

	with := New(stdlib.Namespace, sig, requester, WithBlobDownloader(store))
	assert.Equal(t, output, invoke(t, with, "uuid", nil))
}

func TestSignatureReply(t *testing.T) {
	server := NewServer(stdlib.Namespace, stdlib.New(nil))
	msg := nats.NewMsg(DefaultSubjectPrefix + ".std._signature")
	msg.Reply = "_INBOX.sig"

	reply := server.HandleMsg(context.Background(), msg)
	assert.Equal(t, "_INBOX.sig", reply.Subject)
	assert.Equal(t, codec.ContentTypeJSON, reply.Header.Get(message.HeaderContentType))
	assert.Contains(t, string(reply.Data), `"concat"`)
	assert.Equal(t, "conduit.rpc.std.*", server.Subject())
}
