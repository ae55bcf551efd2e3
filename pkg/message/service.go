package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Conduit/pkg/codec"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"go.uber.org/zap"
)

// JSContext defines the minimal subset of JetStream operations the service depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JSContext interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts the pull subscription operations the service uses.
type JSSubscription interface {
	Unsubscribe() error
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.PublishMsg(m, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsJSAdapter) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream, opts...)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg, opts...)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer, opts...)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg, opts...)
}

// BlobStore stores results too large to publish inline.
// storage.AzureBlobClient and storage.MemoryStore implement it.
type BlobStore interface {
	Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
	Download(ctx context.Context, reference string) ([]byte, error)
}

// ServiceConfig configures a MessageService.
type ServiceConfig struct {
	// MaxDeliver is the delivery attempt limit of consumers the service creates
	MaxDeliver int
	// PublishMaxRetries bounds result publish attempts
	PublishMaxRetries int
	// RetryBackoff is the pause between publish attempts, multiplied by the attempt number
	RetryBackoff time.Duration
	// ResultStream and ResultSubject receive results of requests without ReplyTo
	ResultStream  string
	ResultSubject string
	// MaxInlineResultSize is the encoded size above which results go to blob storage
	MaxInlineResultSize int
	// Codec encodes published messages
	Codec codec.Codec
}

// DefaultServiceConfig returns the configuration used when fields are left zero.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxDeliver:          5,
		PublishMaxRetries:   3,
		RetryBackoff:        time.Second,
		ResultStream:        "RESULTS",
		ResultSubject:       "result",
		MaxInlineResultSize: 1536 * 1024,
		Codec:               codec.JSON,
	}
}

// Validate applies defaults to zero fields and rejects negative values.
func (c *ServiceConfig) Validate() error {
	d := DefaultServiceConfig()
	if c.MaxDeliver < 0 || c.PublishMaxRetries < 0 || c.RetryBackoff < 0 || c.MaxInlineResultSize < 0 {
		return sdkerrors.Validation("message service limits cannot be negative", sdkerrors.ErrInvalidConfig)
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.PublishMaxRetries == 0 {
		c.PublishMaxRetries = d.PublishMaxRetries
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.ResultStream == "" {
		c.ResultStream = d.ResultStream
	}
	if c.ResultSubject == "" {
		c.ResultSubject = d.ResultSubject
	}
	if c.MaxInlineResultSize == 0 {
		c.MaxInlineResultSize = d.MaxInlineResultSize
	}
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	return nil
}

// MessageService publishes invocation requests and results over JetStream
// and pulls requests for runners.
type MessageService struct {
	js          JSContext
	logger      *zap.Logger
	config      ServiceConfig
	blobStorage BlobStore
}

// NewMessageService creates a new message service with the given JetStream context.
func NewMessageService(js JSContext, cfg ServiceConfig) (*MessageService, error) {
	if js == nil {
		return nil, sdkerrors.Validation("JetStream context cannot be nil", sdkerrors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MessageService{
		js:     js,
		logger: zap.NewNop(),
		config: cfg,
	}, nil
}

// SetLogger sets a custom zap logger for the message service
func (s *MessageService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetBlobStorage sets the store used for large results
func (s *MessageService) SetBlobStorage(bs BlobStore) {
	s.blobStorage = bs
}

// Config returns the effective configuration.
func (s *MessageService) Config() ServiceConfig {
	return s.config
}

// EnsureStream creates the JetStream stream if it doesn't exist. subjects
// defaults to "<stream>.>".
func (s *MessageService) EnsureStream(streamName string, subjects ...string) error {
	streamInfo, err := s.js.StreamInfo(streamName)
	if err == nil {
		s.logger.Debug("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", streamInfo.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	if len(subjects) == 0 {
		subjects = []string{streamName + ".>"}
	}
	streamConfig := &nats.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := s.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}

	s.logger.Info("Created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", streamConfig.Subjects),
		zap.Duration("max_age", streamConfig.MaxAge))
	return nil
}

// EnsureConsumer creates the durable pull consumer if it doesn't exist.
func (s *MessageService) EnsureConsumer(streamName, consumerName string) error {
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		s.logger.Debug("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", consumerInfo.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	consumerConfig := &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1000,
		MaxDeliver:    s.config.MaxDeliver,
	}
	if _, err := s.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Created JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Int("max_deliver", s.config.MaxDeliver))
	return nil
}

// streamFor derives the stream name from the first subject token.
func streamFor(subject string) string {
	name, _, _ := strings.Cut(subject, ".")
	return name
}

func (s *MessageService) publish(ctx context.Context, subject string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderContentType, s.config.Codec.ContentType())
	msg.Data = data

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.js.PublishMsg(msg)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		return err
	}
}

// Publish publishes an invocation request. A stream named after the first
// subject token is created when missing.
func (s *MessageService) Publish(ctx context.Context, subject string, msg *Message) error {
	if subject == "" {
		return sdkerrors.Validation("subject cannot be empty", sdkerrors.ErrInvalidMessage)
	}
	if msg == nil {
		return sdkerrors.Validation("message cannot be nil", sdkerrors.ErrInvalidMessage)
	}

	if err := s.EnsureStream(streamFor(subject)); err != nil {
		return sdkerrors.Execution("failed to ensure stream exists", err)
	}

	data, err := msg.Encode(s.config.Codec)
	if err != nil {
		return sdkerrors.Execution("failed to marshal message", err)
	}

	if err := s.publish(ctx, subject, data); err != nil {
		s.logger.Error("Failed to publish message to JetStream",
			zap.String("subject", subject),
			zap.String("invocation_id", msg.ID),
			zap.Error(err))
		return sdkerrors.Execution("failed to publish message to JetStream", err)
	}

	s.logger.Debug("Message published",
		zap.String("subject", subject),
		zap.String("invocation_id", msg.ID),
		zap.String("target", msg.Target))
	return nil
}

// PullMessages fetches up to batchSize invocation requests from a durable
// pull consumer. Messages are NOT acknowledged: the caller must Ack, Nak or
// Term each one. An empty slice is returned when nothing arrives in time.
// Malformed messages are terminated.
func (s *MessageService) PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]*Message, error) {
	if stream == "" || consumer == "" {
		return nil, sdkerrors.Validation("stream and consumer names are required", sdkerrors.ErrInvalidConfig)
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	type result struct {
		msgs []*Message
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		natsMessages, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				resultCh <- result{msgs: []*Message{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		messages := make([]*Message, 0, len(natsMessages))
		for _, natsMsg := range natsMessages {
			msg, err := FromNATSMsg(natsMsg)
			if err != nil {
				s.logger.Warn("Terminating malformed message",
					zap.String("subject", natsMsg.Subject),
					zap.Error(err))
				_ = natsMsg.Term()
				continue
			}
			messages = append(messages, msg)
		}
		resultCh <- result{msgs: messages}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Debug("Pull messages cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull messages from JetStream",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.Execution("failed to pull messages from JetStream", res.err)
		}
		return res.msgs, nil
	}
}

// PublishResult publishes a result on subject, or on the configured result
// subject when subject is empty. Publishing is retried with linear backoff.
func (s *MessageService) PublishResult(ctx context.Context, subject string, res *ResultMessage) error {
	if res == nil {
		return sdkerrors.Validation("result message cannot be nil", sdkerrors.ErrInvalidMessage)
	}
	stream := streamFor(subject)
	if subject == "" {
		subject = s.config.ResultSubject
		stream = s.config.ResultStream
	}
	if err := s.EnsureStream(stream, subject, subject+".>"); err != nil {
		return sdkerrors.Execution("failed to ensure result stream exists", err)
	}

	data, err := res.Encode(s.config.Codec)
	if err != nil {
		return sdkerrors.Execution("failed to marshal result message", err)
	}

	var publishErr error
	for attempt := 1; attempt <= s.config.PublishMaxRetries; attempt++ {
		publishErr = s.publish(ctx, subject, data)
		if publishErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < s.config.PublishMaxRetries {
			s.logger.Warn("Failed to publish result, retrying",
				zap.String("invocation_id", res.InvocationID),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", s.config.PublishMaxRetries),
				zap.Error(publishErr))
			select {
			case <-time.After(time.Duration(attempt) * s.config.RetryBackoff):
			case <-ctx.Done():
			}
		}
	}
	if publishErr != nil {
		s.logger.Error("Failed to publish result after all retries",
			zap.String("invocation_id", res.InvocationID),
			zap.String("subject", subject),
			zap.Error(publishErr))
		return sdkerrors.Execution("failed to publish result after retries", publishErr)
	}

	s.logger.Debug("Published result",
		zap.String("invocation_id", res.InvocationID),
		zap.String("status", res.Status),
		zap.String("subject", subject))
	return nil
}

// ReportSuccess publishes the output of req and acknowledges it. Output
// whose encoding exceeds the inline limit is stored in blob storage and
// referenced from the result.
func (s *MessageService) ReportSuccess(ctx context.Context, req *Message, output []packet.Packet, elapsed time.Duration) error {
	if req == nil {
		return sdkerrors.Validation("request cannot be nil", sdkerrors.ErrInvalidMessage)
	}
	res := NewResultMessage(req, StatusSuccess).WithExecutionTime(elapsed)

	encoded, err := codec.EncodePackets(s.config.Codec, output)
	if err != nil {
		_ = req.Nak()
		return err
	}

	if len(encoded) <= s.config.MaxInlineResultSize {
		res.WithPackets(output)
		res.ResultSize = len(encoded)
	} else {
		if s.blobStorage == nil {
			_ = req.Nak()
			return sdkerrors.Execution(fmt.Sprintf("result of %d bytes exceeds the inline limit and no blob storage is configured", len(encoded)), sdkerrors.ErrInvalidConfig)
		}
		blobPath := fmt.Sprintf("results/%s/%s.%s", req.CorrelationID, req.ID, s.config.Codec.Name())
		url, err := s.blobStorage.Upload(ctx, blobPath, encoded, map[string]string{
			"correlation_id": req.CorrelationID,
			"invocation_id":  req.ID,
			"target":         req.Target,
			"codec":          s.config.Codec.Name(),
		})
		if err != nil {
			s.logger.Error("Failed to upload result to blob storage",
				zap.String("invocation_id", req.ID),
				zap.Int("size_bytes", len(encoded)),
				zap.Error(err))
			_ = req.Nak()
			return sdkerrors.Execution("blob upload failed", err)
		}
		res.WithBlobReference(&BlobReference{URL: url, SizeBytes: len(encoded)})
	}

	if err := s.PublishResult(ctx, req.ReplyTo, res); err != nil {
		_ = req.Nak()
		return err
	}
	if err := req.Ack(); err != nil {
		return fmt.Errorf("failed to acknowledge: %w", err)
	}
	return nil
}

// ReportError publishes a failed result for req. Retryable failures are
// NAKed for redelivery; permanent ones are acknowledged so they are not
// redelivered.
func (s *MessageService) ReportError(ctx context.Context, req *Message, cause error, elapsed time.Duration) error {
	if req == nil {
		return sdkerrors.Validation("request cannot be nil", sdkerrors.ErrInvalidMessage)
	}
	resErr := Classify(cause)
	res := NewResultMessage(req, StatusFailed).WithError(resErr).WithExecutionTime(elapsed)

	if err := s.PublishResult(ctx, req.ReplyTo, res); err != nil {
		_ = req.Nak()
		return fmt.Errorf("failed to publish error result: %w", err)
	}

	s.logger.Info("Published error result",
		zap.String("invocation_id", req.ID),
		zap.String("error_code", resErr.Code),
		zap.Bool("retryable", resErr.Retryable))

	if resErr.Retryable {
		return req.Nak()
	}
	return req.Ack()
}

// ResultPackets returns the output of a successful result, fetching it from
// blob storage when it was not carried inline.
func (s *MessageService) ResultPackets(ctx context.Context, res *ResultMessage) ([]packet.Packet, error) {
	if res.IsFailed() {
		msg := "invocation failed"
		if res.Error != nil {
			msg = res.Error.Message
		}
		return nil, sdkerrors.Execution(msg, sdkerrors.ErrComponentFailed)
	}
	if !res.HasBlobReference() {
		return res.OutputPackets()
	}
	if s.blobStorage == nil {
		return nil, sdkerrors.Execution("result is stored in blob storage but none is configured", sdkerrors.ErrInvalidConfig)
	}
	data, err := s.blobStorage.Download(ctx, res.BlobReference.URL)
	if err != nil {
		return nil, sdkerrors.Execution("blob download failed", err)
	}
	return codec.DecodePackets(s.config.Codec, data)
}
