// Package remote proxies a namespace to a component served by another
// process over NATS request/reply. Each call sends the complete input as one
// request and turns the reply back into an output stream.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Conduit/pkg/codec"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/message"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the subject root requests are sent under:
// "<prefix>.<namespace>.<operation>".
const DefaultSubjectPrefix = "conduit.rpc"

// signatureOperation is the reserved operation token answered with the
// served component's signature.
const signatureOperation = "_signature"

// Requester sends one request and waits for its reply. *nats.Conn implements it.
type Requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// BlobDownloader fetches results the server stored out of band.
type BlobDownloader interface {
	Download(ctx context.Context, reference string) ([]byte, error)
}

// Collection is a component whose operations run in a remote Server.
type Collection struct {
	namespace string
	sig       component.Signature
	requester Requester
	codec     codec.Codec
	prefix    string
	timeout   time.Duration
	blobs     BlobDownloader
	logger    *zap.Logger
}

// Option configures a Collection.
type Option func(*Collection)

// WithCodec sets the wire codec. MessagePack is the default.
func WithCodec(c codec.Codec) Option {
	return func(col *Collection) {
		if c != nil {
			col.codec = c
		}
	}
}

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(c *Collection) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTimeout bounds calls whose context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Collection) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBlobDownloader lets the collection fetch results stored in blob storage.
func WithBlobDownloader(b BlobDownloader) Option {
	return func(c *Collection) {
		c.blobs = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a proxy for namespace whose operations are described by sig.
func New(namespace string, sig component.Signature, requester Requester, opts ...Option) *Collection {
	c := &Collection{
		namespace: namespace,
		sig:       sig,
		requester: requester,
		codec:     codec.Msgpack,
		prefix:    DefaultSubjectPrefix,
		timeout:   30 * time.Second,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover asks the server of namespace for its signature and returns a proxy for it.
func Discover(ctx context.Context, namespace string, requester Requester, opts ...Option) (*Collection, error) {
	c := New(namespace, component.Signature{}, requester, opts...)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	reply, err := requester.RequestMsgWithContext(ctx, nats.NewMsg(c.subject(signatureOperation)))
	if err != nil {
		return nil, sdkerrors.Interpreter(fmt.Sprintf("no signature from remote namespace %q", namespace), err)
	}
	if err := json.Unmarshal(reply.Data, &c.sig); err != nil {
		return nil, sdkerrors.Interpreter(fmt.Sprintf("malformed signature from remote namespace %q", namespace), err)
	}
	c.logger.Info("Discovered remote collection",
		zap.String("namespace", namespace),
		zap.Strings("operations", c.sig.OperationNames()))
	return c, nil
}

var _ component.Component = (*Collection)(nil)

func (c *Collection) Signature() component.Signature {
	return c.sig
}

func (c *Collection) subject(op string) string {
	return c.prefix + "." + c.namespace + "." + op
}

func (c *Collection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Handle collects the complete input, sends it as one request and streams
// the reply. Transport and remote failures become an error packet and Done
// on every declared output.
func (c *Collection) Handle(ctx context.Context, inv component.Invocation, config component.Config, _ component.Callback) (*packet.Stream, error) {
	opSig, ok := c.sig.Operation(inv.Target.Operation)
	if !ok {
		return nil, sdkerrors.Execution(fmt.Sprintf("remote namespace %s has no operation %q", c.namespace, inv.Target.Operation), sdkerrors.ErrOperationNotFound)
	}
	input := inv.Input
	if input == nil {
		input = packet.Empty()
	}

	out := packet.NewStream(packet.DefaultBufferSize)
	packet.Go(ctx, out, func(ctx context.Context) error {
		defer input.Close()

		packets, err := input.Collect(ctx)
		if err != nil {
			return err
		}
		output, err := c.call(ctx, inv, config, packets)
		if err != nil {
			c.logger.Warn("Remote call failed",
				zap.String("operation", inv.Target.String()),
				zap.String("invocation_id", inv.ID),
				zap.Error(err))
			return emitErr(ctx, out, opSig, err.Error())
		}
		for _, p := range output {
			if err := out.Send(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	return out, nil
}

func (c *Collection) call(ctx context.Context, inv component.Invocation, config component.Config, input []packet.Packet) ([]packet.Packet, error) {
	req := message.FromInvocation(inv, config, input)
	data, err := req.Encode(c.codec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	msg := nats.NewMsg(c.subject(inv.Target.Operation))
	msg.Header.Set(message.HeaderContentType, c.codec.ContentType())
	msg.Data = data

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	reply, err := c.requester.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, sdkerrors.Execution(fmt.Sprintf("remote call %s timed out", inv.Target), sdkerrors.ErrTimeout)
		}
		return nil, sdkerrors.Execution(fmt.Sprintf("remote call %s failed", inv.Target), err)
	}

	replyCodec, err := codec.ForContentType(reply.Header.Get(message.HeaderContentType))
	if err != nil {
		return nil, sdkerrors.Execution("unreadable reply", err)
	}
	res, err := message.DecodeResult(replyCodec, reply.Data)
	if err != nil {
		return nil, sdkerrors.Execution("failed to decode reply", sdkerrors.ErrNoResponse)
	}
	c.logger.Debug("Remote call completed",
		zap.String("operation", inv.Target.String()),
		zap.String("status", res.Status),
		zap.Duration("round_trip", time.Since(start)),
		zap.Int64("remote_execution_ms", res.ExecutionTimeMs))

	if res.IsFailed() {
		msg := "remote invocation failed"
		if res.Error != nil {
			msg = res.Error.Message
		}
		return nil, sdkerrors.Execution(msg, sdkerrors.ErrComponentFailed)
	}
	if !res.HasBlobReference() {
		return res.OutputPackets()
	}
	if c.blobs == nil {
		return nil, sdkerrors.Execution("reply is stored in blob storage but no downloader is configured", sdkerrors.ErrInvalidConfig)
	}
	blob, err := c.blobs.Download(ctx, res.BlobReference.URL)
	if err != nil {
		return nil, sdkerrors.Execution("blob download failed", err)
	}
	return codec.DecodePackets(replyCodec, blob)
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
