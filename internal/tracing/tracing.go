// Package tracing configures the OpenTelemetry tracer provider for the connector
package tracing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Config describes where spans are exported and how the service is labelled
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is either host:port (plain HTTP) or a full http(s) URL
	Endpoint string
	// Headers are sent with every export, e.g. collector credentials
	Headers     map[string]string
	SampleRatio float64
}

// DefaultConfig samples everything and exports to a local collector
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Environment:    "development",
		Endpoint:       "127.0.0.1:4318",
		SampleRatio:    1.0,
	}
}

// Provider owns the installed tracer provider
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *zap.Logger
}

// Setup installs a global tracer provider exporting over OTLP/HTTP together
// with W3C trace-context and baggage propagation.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("tracing endpoint cannot be empty")
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio %v outside [0, 1]", cfg.SampleRatio)
	}

	opts := []otlptracehttp.Option{}
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Tracing enabled",
		zap.String("service", cfg.ServiceName),
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sampleRatio", cfg.SampleRatio))
	return &Provider{tp: tp, logger: logger}, nil
}

// Shutdown flushes pending spans. A nil Provider is a no-op.
func (p *Provider) Shutdown() error {
	if p == nil || p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Error("Failed to shutdown tracing", zap.Error(err))
		return err
	}
	p.tp = nil
	return nil
}
