package message

import (
	"context"
	"fmt"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"go.uber.org/zap"
)

// Handler processes one invocation request.
//
// Handlers do not acknowledge messages themselves; the caller reports the
// returned error with MessageService.ReportError, which decides between Ack
// and Nak.
type Handler func(ctx context.Context, msg *Message) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together. The first middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware recovers from panics in message handlers
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = sdkerrors.Execution(fmt.Sprintf("panic recovered: %v", r), sdkerrors.ErrOperationPanicked)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs message processing using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			fields := []zap.Field{
				zap.String("invocation_id", msg.ID),
				zap.String("correlation_id", msg.CorrelationID),
				zap.String("target", msg.Target),
			}

			logger.Debug("Processing message", fields...)
			err := next(ctx, msg)
			if err != nil {
				logger.Error("Error processing message", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Successfully processed message", fields...)
			}
			return err
		}
	}
}

// ValidationMiddleware validates messages before processing
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			if msg == nil {
				return sdkerrors.Validation("message is nil", sdkerrors.ErrInvalidMessage)
			}
			if msg.CreatedAt == "" {
				return sdkerrors.Validation("message CreatedAt is empty", sdkerrors.ErrInvalidMessage)
			}
			if err := msg.Validate(); err != nil {
				return err
			}
			return next(ctx, msg)
		}
	}
}
