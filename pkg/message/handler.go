package message

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

// Handler processes one JetStream delivery.
//
// Handlers own acknowledgment: a handler that returns without calling Ack, Nak or
// Term leaves the message to be redelivered once the consumer's AckWait expires.
type Handler func(ctx context.Context, msg *NATSMsg) error

// Middleware wraps a handler to add cross-cutting behavior
type Middleware func(Handler) Handler

// Chain composes middlewares so the first one listed runs outermost
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panic in a handler into an error
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *NATSMsg) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs the start and outcome of every handled message
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *NATSMsg) error {
			fields := []zap.Field{
				zap.String("subject", msg.Subject),
				zap.String("messageId", msg.Identifier()),
			}
			if msg.Workflow != nil {
				fields = append(fields,
					zap.String("workflowId", msg.Workflow.WorkflowID),
					zap.String("runId", msg.Workflow.RunID))
			}

			logger.Debug("Processing message", fields...)
			if err := next(ctx, msg); err != nil {
				logger.Error("Error processing message", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("Successfully processed message", fields...)
			return nil
		}
	}
}

// ValidationMiddleware rejects deliveries that cannot carry an execution
// request. The payload error it returns is permanent, so the delivery is
// acked instead of redelivered.
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *NATSMsg) error {
			if msg == nil || msg.Message == nil {
				return &sdkerrors.PayloadError{Reason: "empty delivery"}
			}
			if !msg.Payload.HasInlineData() {
				return &sdkerrors.PayloadError{Reason: "message carries no inline request"}
			}
			return next(ctx, msg)
		}
	}
}
