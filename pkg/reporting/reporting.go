// Package reporting forwards run-level failures to an error tracker
package reporting

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

// Reporter captures failures that need operator attention
type Reporter interface {
	Capture(ctx context.Context, err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

// ShouldReport reports credential, authentication and transient platform
// failures. Bad user input is answered through the result message only.
func ShouldReport(err error) bool {
	if err == nil {
		return false
	}
	if sdkerrors.IsFatal(err) {
		return true
	}
	return sdkerrors.AsAppError(err).Type == sdkerrors.Internal
}

// Config configures the Sentry reporter
type Config struct {
	DSN         string
	Environment string
	Release     string

	// BeforeSend can inspect or drop events before delivery
	BeforeSend func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event
}

// SentryReporter sends failures to Sentry through an isolated hub
type SentryReporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// NewSentryReporter creates a reporter. An empty DSN yields a client that drops events.
func NewSentryReporter(cfg Config, logger *zap.Logger) (*SentryReporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		BeforeSend:  cfg.BeforeSend,
	})
	if err != nil {
		return nil, err
	}

	return &SentryReporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// Capture sends err with tags attached to a fresh scope
func (r *SentryReporter) Capture(_ context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetTag("error_code", sdkerrors.Categorize(err))
		if idx, ok := sdkerrors.ItemIndex(err); ok {
			scope.SetContext("item", sentry.Context{"index": idx})
		}
		if id := r.hub.CaptureException(err); id != nil {
			r.logger.Debug("Failure reported", zap.String("eventId", string(*id)))
		}
	})
}

// Flush waits for buffered events to be delivered
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// NopReporter discards everything
type NopReporter struct{}

func (NopReporter) Capture(context.Context, error, map[string]string) {}

func (NopReporter) Flush(time.Duration) bool { return true }
