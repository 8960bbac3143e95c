package message

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func injectTrace(ctx context.Context, h nats.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractTrace returns ctx carrying the remote span context found in the
// delivery headers, so work on a request continues the publisher's trace.
func ExtractTrace(ctx context.Context, msg *nats.Msg) context.Context {
	if msg == nil || len(msg.Header) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
}
