// Package runner serves invocation requests from a NATS JetStream consumer.
// Requests are pulled in batches and handed to a pool of workers, each of
// which runs the requested operation on a component (usually an
// interpreter) and reports the collected output on the result subject.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	internaltracing "github.com/wehubfusion/Conduit/internal/tracing"
	"github.com/wehubfusion/Conduit/pkg/component"
	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/message"
	"github.com/wehubfusion/Conduit/pkg/packet"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// invoker is implemented by components that route invocations themselves,
// such as *interpreter.Interpreter.
type invoker interface {
	InvokeWithConfig(ctx context.Context, inv component.Invocation, config component.Config) (*packet.Stream, error)
}

// Runner manages concurrent processing of invocation requests.
type Runner struct {
	service    *message.MessageService
	comp       component.Component
	callback   component.Callback
	config     Config
	logger     *zap.Logger
	tracer     trace.Tracer
	hub        *sentry.Hub
	middleware []message.Middleware

	tracingConfig   *TracingConfig
	tracingShutdown func(context.Context) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCallback sets the callback handed to components that do not route
// invocations themselves. Without one, nested calls fail with target not found.
func WithCallback(cb component.Callback) Option {
	return func(r *Runner) {
		r.callback = cb
	}
}

// WithTracing sets up an OTLP exporter when the runner is created. The
// exporter is shut down by Close.
func WithTracing(cfg TracingConfig) Option {
	return func(r *Runner) {
		r.tracingConfig = &cfg
	}
}

// WithSentryHub sets the hub failures are reported to. It defaults to a
// clone of sentry.CurrentHub(), which reports nothing unless sentry.Init ran.
func WithSentryHub(hub *sentry.Hub) Option {
	return func(r *Runner) {
		if hub != nil {
			r.hub = hub
		}
	}
}

// WithMiddleware appends handler middleware. It runs inside the built-in
// recovery, logging and validation middleware.
func WithMiddleware(mw ...message.Middleware) Option {
	return func(r *Runner) {
		r.middleware = append(r.middleware, mw...)
	}
}

// New creates a Runner that executes requests on comp. The request stream
// and durable consumer are created when missing.
func New(service *message.MessageService, comp component.Component, cfg Config, opts ...Option) (*Runner, error) {
	if service == nil {
		return nil, sdkerrors.Validation("message service cannot be nil", sdkerrors.ErrInvalidConfig)
	}
	if comp == nil {
		return nil, sdkerrors.Validation("component cannot be nil", sdkerrors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		service: service,
		comp:    comp,
		config:  cfg,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("conduit/runner"),
		hub:     sentry.CurrentHub().Clone(),
	}
	r.callback = r.noCallback
	for _, opt := range opts {
		opt(r)
	}

	if err := service.EnsureStream(cfg.Stream, cfg.Subjects...); err != nil {
		return nil, sdkerrors.Execution(fmt.Sprintf("failed to ensure stream '%s' exists", cfg.Stream), err)
	}
	if err := service.EnsureConsumer(cfg.Stream, cfg.Consumer); err != nil {
		return nil, sdkerrors.Execution(fmt.Sprintf("failed to ensure consumer '%s' exists", cfg.Consumer), err)
	}

	if r.tracingConfig != nil {
		shutdown, err := internaltracing.SetupTracing(context.Background(), r.tracingConfig.toInternalConfig(), r.logger)
		if err != nil {
			r.logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			r.tracingShutdown = shutdown
		}
	}

	return r, nil
}

func (r *Runner) noCallback(_ context.Context, inv component.Invocation, _ component.Config) (*packet.Stream, error) {
	return nil, sdkerrors.Interpreter(fmt.Sprintf("runner cannot resolve %s", inv.Target), sdkerrors.ErrTargetNotFound)
}

// Close shuts down tracing when the runner set it up.
func (r *Runner) Close() error {
	if r.tracingShutdown == nil {
		return nil
	}
	return internaltracing.ShutdownTracing(r.tracingShutdown, r.logger)
}

// Run pulls and processes requests until ctx is cancelled. It returns
// ctx.Err() once every worker has stopped.
func (r *Runner) Run(ctx context.Context) error {
	messageChan := make(chan *message.Message, r.config.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, messageChan)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(messageChan)
		r.pull(ctx, messageChan)
	}()

	wg.Wait()
	r.logger.Info("Runner stopped", zap.Error(ctx.Err()))
	return ctx.Err()
}

// pull fetches batches until ctx is done, backing off exponentially on
// errors and waiting briefly when the consumer is idle.
func (r *Runner) pull(ctx context.Context, out chan<- *message.Message) {
	backoff := r.config.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := r.service.PullMessages(ctx, r.config.Stream, r.config.Consumer, r.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Debug("Message pulling stopped due to context cancellation")
				return
			}
			r.logger.Error("Error pulling messages", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(2*backoff, r.config.MaxBackoff)
			continue
		}
		backoff = r.config.MinBackoff

		if len(messages) == 0 {
			if !sleep(ctx, r.config.IdleWait) {
				return
			}
			continue
		}

		for _, msg := range messages {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, messageChan <-chan *message.Message) {
	r.logger.Debug("Worker started", zap.Int("worker_id", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("worker_id", workerID))

	for msg := range messageChan {
		if ctx.Err() != nil {
			// leave it for redelivery
			_ = msg.Nak()
			continue
		}
		r.processMessage(ctx, workerID, msg)
	}
}

// processMessage runs one request and reports its outcome. Reporting uses
// its own deadline so results are published during shutdown.
func (r *Runner) processMessage(ctx context.Context, workerID int, msg *message.Message) {
	ctx, span := r.tracer.Start(ctx, "runner.processMessage",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("invocation.id", msg.ID),
			attribute.String("invocation.correlation_id", msg.CorrelationID),
			attribute.String("invocation.target", msg.Target),
			attribute.String("stream", r.config.Stream),
			attribute.String("consumer", r.config.Consumer),
		))
	defer span.End()

	processCtx, cancel := context.WithTimeout(ctx, r.config.ProcessTimeout)
	defer cancel()

	var output []packet.Packet
	handler := message.Chain(append([]message.Middleware{
		message.RecoveryMiddleware(),
		message.LoggingMiddleware(r.logger),
		message.ValidationMiddleware(),
	}, r.middleware...)...)(func(ctx context.Context, msg *message.Message) error {
		out, err := r.execute(ctx, msg)
		output = out
		return err
	})

	start := time.Now()
	processErr := handler(processCtx, msg)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", elapsed.Milliseconds()))

	reportCtx, reportCancel := context.WithTimeout(context.Background(), r.config.ReportTimeout)
	defer reportCancel()

	if processErr != nil {
		span.RecordError(processErr)
		span.SetStatus(codes.Error, processErr.Error())
		r.capture(msg, processErr)

		if err := r.service.ReportError(reportCtx, msg, processErr, elapsed); err != nil {
			r.logger.Error("Error reporting failure",
				zap.String("invocation_id", msg.ID),
				zap.Error(err))
		}
		return
	}

	span.SetStatus(codes.Ok, "")
	if err := r.service.ReportSuccess(reportCtx, msg, output, elapsed); err != nil {
		span.RecordError(err)
		r.logger.Error("Error reporting success",
			zap.String("invocation_id", msg.ID),
			zap.Error(err))
		return
	}
	r.logger.Info("Invocation processed",
		zap.Int("worker_id", workerID),
		zap.String("invocation_id", msg.ID),
		zap.String("target", msg.Target),
		zap.Int("packets", len(output)),
		zap.Duration("elapsed", elapsed))
}

// execute runs the request and collects its complete output. Error packets
// are part of the output: only failures to run at all are returned.
func (r *Runner) execute(ctx context.Context, msg *message.Message) ([]packet.Packet, error) {
	inv, config, err := msg.Invocation()
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "component.Handle",
		trace.WithAttributes(attribute.String("invocation.target", inv.Target.String())))
	defer span.End()

	var stream *packet.Stream
	if router, ok := r.comp.(invoker); ok {
		stream, err = router.InvokeWithConfig(ctx, inv, config)
	} else {
		stream, err = r.comp.Handle(ctx, inv, config, r.callback)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	output, err := stream.Collect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, sdkerrors.Execution("invocation exceeded process timeout", sdkerrors.ErrTimeout)
		}
		return nil, sdkerrors.Execution("failed to collect output", err)
	}
	span.SetAttributes(attribute.Int("output.packets", len(output)))
	return output, nil
}

// capture reports a failure to sentry with the request identity as tags.
func (r *Runner) capture(msg *message.Message, err error) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("invocation_id", msg.ID)
		scope.SetTag("correlation_id", msg.CorrelationID)
		scope.SetTag("target", msg.Target)
		scope.SetTag("stream", r.config.Stream)
		r.hub.CaptureException(err)
	})
}
