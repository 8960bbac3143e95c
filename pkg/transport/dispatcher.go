// Package transport sends authenticated JSON requests to the remote platform.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/yepcode-connector/pkg/auth"
	"github.com/wehubfusion/yepcode-connector/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

const maxResponseSize = 32 << 20

// Request describes one call relative to the session base URL
type Request struct {
	Method   string
	Endpoint string
	Headers  http.Header
	Body     any
	Query    url.Values
}

// Response is a successful (2xx) reply
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Empty reports whether the reply carried no payload
func (r *Response) Empty() bool {
	body := bytes.TrimSpace(r.Body)
	return len(body) == 0 || bytes.Equal(body, []byte("null"))
}

// Options configures a Dispatcher
type Options struct {
	// HTTPClient is wrapped with otelhttp; nil means a client with Timeout
	HTTPClient *http.Client
	Timeout    time.Duration

	// Limiter gates every outbound call when set
	Limiter *concurrency.Limiter

	Logger *zap.Logger
	Tracer trace.Tracer
}

// Dispatcher authenticates through a Strategy and issues requests
type Dispatcher struct {
	strategy   auth.Strategy
	httpClient *http.Client
	limiter    *concurrency.Limiter
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewDispatcher creates a dispatcher for strategy
func NewDispatcher(strategy auth.Strategy, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("yepcode-connector/transport")
	}

	base := opts.HTTPClient
	if base == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		base = &http.Client{Timeout: timeout}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client := *base
	client.Transport = otelhttp.NewTransport(rt)

	return &Dispatcher{
		strategy:   strategy,
		httpClient: &client,
		limiter:    opts.Limiter,
		logger:     logger,
		tracer:     tracer,
	}
}

// Strategy returns the strategy the dispatcher authenticates with
func (d *Dispatcher) Strategy() auth.Strategy {
	return d.strategy
}

// Do authenticates, sends req and returns the 2xx response.
// A 401 on a request that used a cached token is retried once after re-authentication.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := d.tracer.Start(ctx, "yepcode.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("yepcode.endpoint", req.Endpoint),
			attribute.String("yepcode.auth", d.strategy.Name()),
		))
	defer span.End()

	var body []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			err = &sdkerrors.PayloadError{Reason: "encode request body", Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		body = encoded
	}

	session, err := d.strategy.Authenticate(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		return nil, err
	}

	resp, err := d.send(ctx, method, session, req, body)

	var remoteErr *sdkerrors.RemoteCallError
	if session.Cached && errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusUnauthorized {
		d.logger.Info("Cached access token rejected, re-authenticating",
			zap.String("tenantId", session.TenantID),
			zap.String("endpoint", req.Endpoint))

		if invErr := d.strategy.Invalidate(ctx); invErr != nil {
			d.logger.Warn("Failed to invalidate cached token", zap.Error(invErr))
		}
		session, err = d.strategy.Authenticate(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "re-authentication failed")
			return nil, err
		}
		span.AddEvent("reauthenticated")
		resp, err = d.send(ctx, method, session, req, body)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (d *Dispatcher) send(ctx context.Context, method string, session *auth.Session, req Request, body []byte) (*Response, error) {
	target := session.BaseURL + strings.TrimPrefix(req.Endpoint, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &sdkerrors.RemoteCallError{Method: method, URL: target, Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for key, values := range session.Headers {
		httpReq.Header.Del(key)
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	for key, values := range req.Headers {
		httpReq.Header.Del(key)
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx); err != nil {
			if errors.Is(err, sdkerrors.ErrCircuitOpen) {
				return nil, &sdkerrors.RemoteCallError{Method: method, URL: target, Err: err}
			}
			return nil, err
		}
		defer d.limiter.Release()
	}

	started := time.Now()
	httpResp, err := d.httpClient.Do(httpReq)
	if err != nil {
		d.record(err)
		d.logger.Warn("Remote call failed",
			zap.String("method", method),
			zap.String("url", target),
			zap.Error(err))
		return nil, &sdkerrors.RemoteCallError{Method: method, URL: target, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		d.record(err)
		return nil, &sdkerrors.RemoteCallError{Method: method, URL: target, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	d.logger.Debug("Remote call completed",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("duration", time.Since(started)))

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		remoteErr := &sdkerrors.RemoteCallError{
			Method:     method,
			URL:        target,
			StatusCode: httpResp.StatusCode,
			Body:       data,
		}
		if remoteErr.Retryable() {
			d.record(remoteErr)
		} else {
			d.record(nil)
		}
		return nil, remoteErr
	}

	d.record(nil)
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// record counts only platform-side failures towards the breaker
func (d *Dispatcher) record(err error) {
	if d.limiter != nil {
		d.limiter.Record(err)
	}
}
