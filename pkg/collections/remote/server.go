package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Conduit/pkg/codec"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/message"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"go.uber.org/zap"
)

// Server answers remote calls for one namespace by running them on a local component.
type Server struct {
	namespace string
	comp      component.Component
	callback  component.Callback
	prefix    string
	queue     string
	logger    *zap.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerSubjectPrefix overrides DefaultSubjectPrefix.
func WithServerSubjectPrefix(prefix string) ServerOption {
	return func(s *Server) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithQueue sets the queue group servers of the same namespace share. It
// defaults to the namespace.
func WithQueue(queue string) ServerOption {
	return func(s *Server) {
		if queue != "" {
			s.queue = queue
		}
	}
}

// WithCallback sets the callback handed to the served component.
func WithCallback(cb component.Callback) ServerOption {
	return func(s *Server) {
		if cb != nil {
			s.callback = cb
		}
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer serves comp under namespace.
func NewServer(namespace string, comp component.Component, opts ...ServerOption) *Server {
	s := &Server{
		namespace: namespace,
		comp:      comp,
		prefix:    DefaultSubjectPrefix,
		queue:     namespace,
		logger:    zap.NewNop(),
	}
	s.callback = func(context.Context, component.Invocation, component.Config) (*packet.Stream, error) {
		return nil, sdkerrors.Interpreter(fmt.Sprintf("remote namespace %s cannot issue nested calls", s.namespace), sdkerrors.ErrTargetNotFound)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subject returns the wildcard subject the server listens on.
func (s *Server) Subject() string {
	return s.prefix + "." + s.namespace + ".*"
}

// Serve answers requests on conn until ctx is cancelled, then drains the subscription.
func (s *Server) Serve(ctx context.Context, conn *nats.Conn) error {
	sub, err := conn.QueueSubscribe(s.Subject(), s.queue, func(msg *nats.Msg) {
		if msg.Reply == "" {
			return
		}
		reply := s.HandleMsg(ctx, msg)
		if err := msg.RespondMsg(reply); err != nil {
			s.logger.Error("Failed to send response",
				zap.String("subject", msg.Subject),
				zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.Subject(), err)
	}

	s.logger.Info("Serving remote namespace",
		zap.String("namespace", s.namespace),
		zap.String("subject", s.Subject()),
		zap.String("queue", s.queue))

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}

// HandleMsg turns one request into its reply. Failures are reported inside
// the reply, never dropped.
func (s *Server) HandleMsg(ctx context.Context, msg *nats.Msg) *nats.Msg {
	reply := nats.NewMsg(msg.Reply)

	op := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	if op == signatureOperation {
		data, err := json.Marshal(s.comp.Signature())
		if err != nil {
			s.logger.Error("Failed to encode signature", zap.Error(err))
		}
		reply.Header.Set(message.HeaderContentType, codec.ContentTypeJSON)
		reply.Data = data
		return reply
	}

	c, err := codec.ForContentType(msg.Header.Get(message.HeaderContentType))
	if err != nil {
		c = codec.JSON
	}
	res := s.handle(ctx, msg.Data, c, err)

	data, err := res.Encode(c)
	if err != nil {
		s.logger.Error("Failed to encode reply",
			zap.String("invocation_id", res.InvocationID),
			zap.Error(err))
		failed := message.NewResultMessage(nil, message.StatusFailed).
			WithError(message.Classify(sdkerrors.Execution("reply could not be encoded", err)))
		failed.InvocationID = res.InvocationID
		failed.CorrelationID = res.CorrelationID
		data, _ = failed.Encode(codec.JSON)
		c = codec.JSON
	}
	reply.Header.Set(message.HeaderContentType, c.ContentType())
	reply.Data = data
	return reply
}

func (s *Server) handle(ctx context.Context, data []byte, c codec.Codec, codecErr error) *message.ResultMessage {
	if codecErr != nil {
		return message.NewResultMessage(nil, message.StatusFailed).
			WithError(message.Classify(sdkerrors.Validation("unsupported content type", codecErr)))
	}
	req, err := message.Decode(c, data)
	if err != nil {
		return message.NewResultMessage(nil, message.StatusFailed).
			WithError(message.Classify(sdkerrors.Validation("malformed request", sdkerrors.ErrInvalidMessage)))
	}

	start := time.Now()
	output, err := s.run(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Warn("Remote invocation failed",
			zap.String("invocation_id", req.ID),
			zap.String("target", req.Target),
			zap.Error(err))
		return message.NewResultMessage(req, message.StatusFailed).
			WithError(message.Classify(err)).
			WithExecutionTime(elapsed)
	}

	s.logger.Debug("Remote invocation completed",
		zap.String("invocation_id", req.ID),
		zap.String("target", req.Target),
		zap.Duration("elapsed", elapsed))
	return message.NewResultMessage(req, message.StatusSuccess).
		WithPackets(output).
		WithExecutionTime(elapsed)
}

func (s *Server) run(ctx context.Context, req *message.Message) ([]packet.Packet, error) {
	inv, config, err := req.Invocation()
	if err != nil {
		return nil, err
	}
	if inv.Target.Namespace != s.namespace {
		return nil, sdkerrors.Interpreter(fmt.Sprintf("server for %s cannot run %s", s.namespace, inv.Target), sdkerrors.ErrTargetNotFound)
	}

	out, err := s.comp.Handle(ctx, inv, config, s.callback)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	return out.Collect(ctx)
}
