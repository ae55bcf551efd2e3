package message_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Conduit/pkg/codec"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/message"
	"github.com/wehubfusion/Conduit/pkg/message/messagetest"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"github.com/wehubfusion/Conduit/pkg/storage"
	"go.uber.org/zap/zaptest"
)

func newService(t *testing.T, js *messagetest.MockJS, cfg message.ServiceConfig) *message.MessageService {
	t.Helper()
	svc, err := message.NewMessageService(js, cfg)
	require.NoError(t, err)
	svc.SetLogger(zaptest.NewLogger(t))
	return svc
}

func decodeResult(t *testing.T, msg *nats.Msg) *message.ResultMessage {
	t.Helper()
	c, err := codec.ForContentType(msg.Header.Get(message.HeaderContentType))
	require.NoError(t, err)
	res, err := message.DecodeResult(c, msg.Data)
	require.NoError(t, err)
	return res
}

func TestNewMessageService(t *testing.T) {
	_, err := message.NewMessageService(nil, message.ServiceConfig{})
	assert.True(t, sdkerrors.IsValidation(err))

	_, err = message.NewMessageService(messagetest.NewMockJS(), message.ServiceConfig{MaxDeliver: -1})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidConfig)

	svc, err := message.NewMessageService(messagetest.NewMockJS(), message.ServiceConfig{PublishMaxRetries: 7})
	require.NoError(t, err)
	cfg := svc.Config()
	assert.Equal(t, 7, cfg.PublishMaxRetries)
	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Equal(t, "RESULTS", cfg.ResultStream)
	assert.Equal(t, codec.JSON, cfg.Codec)
}

func TestPublishCreatesStreamOnce(t *testing.T) {
	js := messagetest.NewMockJS()
	svc := newService(t, js, message.ServiceConfig{Codec: codec.Msgpack})
	ctx := context.Background()

	require.NoError(t, svc.Publish(ctx, "CONDUIT.invoke", message.NewMessage("stdlib::echo")))
	require.NoError(t, svc.Publish(ctx, "CONDUIT.invoke", message.NewMessage("stdlib::echo")))

	assert.Equal(t, 1, js.StreamsAdded())
	info, err := js.StreamInfo("CONDUIT")
	require.NoError(t, err)
	assert.Equal(t, []string{"CONDUIT.>"}, info.Config.Subjects)

	published := js.Published("CONDUIT.invoke")
	require.Len(t, published, 2)
	assert.Equal(t, codec.ContentTypeMsgpack, published[0].Header.Get(message.HeaderContentType))

	assert.Error(t, svc.Publish(ctx, "", message.NewMessage("stdlib::echo")))
	assert.Error(t, svc.Publish(ctx, "CONDUIT.invoke", nil))
}

func TestPullMessages(t *testing.T) {
	js := messagetest.NewMockJS()
	svc := newService(t, js, message.ServiceConfig{})
	ctx := context.Background()

	require.NoError(t, svc.EnsureStream("CONDUIT"))
	require.NoError(t, svc.EnsureConsumer("CONDUIT", "workers"))
	require.NoError(t, svc.EnsureConsumer("CONDUIT", "workers"))

	first := message.NewMessage("stdlib::echo")
	require.NoError(t, svc.Publish(ctx, "CONDUIT.invoke", first))
	js.Enqueue("CONDUIT", &nats.Msg{Subject: "CONDUIT.invoke", Data: []byte("{not json")})
	second := message.NewMessage("stdlib::uppercase")
	require.NoError(t, svc.Publish(ctx, "CONDUIT.invoke", second))

	msgs, err := svc.PullMessages(ctx, "CONDUIT", "workers", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "malformed message is dropped")
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)

	msgs, err = svc.PullMessages(ctx, "CONDUIT", "workers", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = svc.PullMessages(ctx, "CONDUIT", "missing", 10)
	assert.True(t, sdkerrors.IsExecution(err))

	_, err = svc.PullMessages(ctx, "", "workers", 10)
	assert.True(t, sdkerrors.IsValidation(err))
}

func TestReportSuccessInline(t *testing.T) {
	js := messagetest.NewMockJS()
	svc := newService(t, js, message.ServiceConfig{})
	ack := &messagetest.RecordingAck{}

	req := message.NewMessage("stdlib::echo").WithReplyTo("replies.r1")
	req.SetAcknowledger(ack)
	output := []packet.Packet{packet.Ok("output", "hi"), packet.Done("output")}

	require.NoError(t, svc.ReportSuccess(context.Background(), req, output, 20*time.Millisecond))

	acks, naks, _, _ := ack.Counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, naks)

	published := js.Published("replies.r1")
	require.Len(t, published, 1)
	res := decodeResult(t, published[0])
	assert.True(t, res.IsSuccess())
	assert.Equal(t, req.ID, res.InvocationID)
	assert.Equal(t, int64(20), res.ExecutionTimeMs)
	assert.Positive(t, res.ResultSize)

	got, err := svc.ResultPackets(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, output, got)
}

func TestReportSuccessViaBlobStorage(t *testing.T) {
	js := messagetest.NewMockJS()
	svc := newService(t, js, message.ServiceConfig{MaxInlineResultSize: 16})
	blobs := storage.NewMemoryStore()
	svc.SetBlobStorage(blobs)

	req := message.NewMessage("stdlib::echo").WithCorrelationID("corr-9")
	output := []packet.Packet{packet.Ok("output", strings.Repeat("x", 64)), packet.Done("output")}

	require.NoError(t, svc.ReportSuccess(context.Background(), req, output, time.Millisecond))

	assert.Equal(t, []string{"results/corr-9/" + req.ID + ".json"}, blobs.Paths())

	published := js.Published("result")
	require.Len(t, published, 1)
	res := decodeResult(t, published[0])
	require.True(t, res.HasBlobReference())
	assert.Empty(t, res.Packets)

	got, err := svc.ResultPackets(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, output, got)
}

func TestReportSuccessTooLargeWithoutBlobStorage(t *testing.T) {
	js := messagetest.NewMockJS()
	svc := newService(t, js, message.ServiceConfig{MaxInlineResultSize: 8})
	ack := &messagetest.RecordingAck{}
	req := message.NewMessage("stdlib::echo")
	req.SetAcknowledger(ack)

	err := svc.ReportSuccess(context.Background(), req, []packet.Packet{packet.Ok("output", "far too large")}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidConfig)

	acks, naks, _, _ := ack.Counts()
	assert.Zero(t, acks)
	assert.Equal(t, 1, naks)
	assert.Empty(t, js.Published(""))
}

func TestReportError(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		retryable bool
	}{
		{"permanent", sdkerrors.Interpreter("unknown namespace", sdkerrors.ErrTargetNotFound), false},
		{"retryable", sdkerrors.Execution("component failed", sdkerrors.ErrComponentFailed), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			js := messagetest.NewMockJS()
			svc := newService(t, js, message.ServiceConfig{})
			ack := &messagetest.RecordingAck{}
			req := message.NewMessage("nowhere::op")
			req.SetAcknowledger(ack)

			require.NoError(t, svc.ReportError(context.Background(), req, tt.cause, time.Millisecond))

			acks, naks, _, _ := ack.Counts()
			if tt.retryable {
				assert.Equal(t, 1, naks)
				assert.Zero(t, acks)
			} else {
				assert.Equal(t, 1, acks)
				assert.Zero(t, naks)
			}

			published := js.Published("result")
			require.Len(t, published, 1)
			res := decodeResult(t, published[0])
			assert.True(t, res.IsFailed())
			assert.Equal(t, tt.retryable, res.IsRetryable())

			_, err := svc.ResultPackets(context.Background(), res)
			assert.ErrorIs(t, err, sdkerrors.ErrComponentFailed)
		})
	}
}

func TestPublishResultRetries(t *testing.T) {
	js := messagetest.NewMockJS()
	svc := newService(t, js, message.ServiceConfig{RetryBackoff: time.Millisecond, PublishMaxRetries: 3})
	res := message.NewResultMessage(message.NewMessage("stdlib::echo"), message.StatusSuccess)

	js.FailPublishes(errors.New("unavailable"), errors.New("unavailable"))
	require.NoError(t, svc.PublishResult(context.Background(), "", res))
	assert.Len(t, js.Published("result"), 1)

	js.FailPublishes(errors.New("down"), errors.New("down"), errors.New("down"))
	err := svc.PublishResult(context.Background(), "", res)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsExecution(err))
	assert.Len(t, js.Published("result"), 1)

	assert.Error(t, svc.PublishResult(context.Background(), "", nil))
}

func TestPublishResultHonoursCancellation(t *testing.T) {
	js := messagetest.NewMockJS()
	svc := newService(t, js, message.ServiceConfig{RetryBackoff: time.Hour})
	res := message.NewResultMessage(message.NewMessage("stdlib::echo"), message.StatusSuccess)
	js.FailPublishes(errors.New("unavailable"), errors.New("unavailable"), errors.New("unavailable"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := svc.PublishResult(ctx, "", res)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
