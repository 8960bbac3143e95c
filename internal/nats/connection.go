// Package nats dials the worker's NATS connection
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for the worker's NATS connection
// and the JetStream settings the message service is built with.
type ConnectionConfig struct {
	// URL is the NATS server URL, comma separated for a cluster
	URL string
	// Name identifies this connection on the server
	Name string

	// MaxReconnects of -1 reconnects forever
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	// DrainTimeout bounds how long Close waits for pending publishes
	DrainTimeout time.Duration

	// Token and CredentialsFile are mutually exclusive; the file wins when both are set
	Token           string
	CredentialsFile string

	// MaxDeliver bounds redelivery of execution requests. A request that keeps
	// failing with transient errors is dropped after this many attempts.
	MaxDeliver int
	// PublishMaxRetries is the number of attempts when publishing a batch result
	PublishMaxRetries int
	// ResultStream is the JetStream stream that receives batch results
	ResultStream string
	// ResultSubject is the subject results are published on
	ResultSubject string

	// Logger receives connection lifecycle events. Nil disables them.
	Logger *zap.Logger
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:               url,
		Name:              "yepcode-connector",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		Timeout:           5 * time.Second,
		DrainTimeout:      30 * time.Second,
		MaxDeliver:        5,
		PublishMaxRetries: 3,
		ResultStream:      "YEPCODE_RESULTS",
		ResultSubject:     "yepcode.result",
	}
}

func (c *ConnectionConfig) options(logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", fields...)
		}),
	}
	if c.DrainTimeout > 0 {
		opts = append(opts, nats.DrainTimeout(c.DrainTimeout))
	}

	switch {
	case c.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(c.CredentialsFile))
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	}
	return opts
}

// Connect dials NATS. It returns early when ctx ends; a dial still in
// flight is closed as soon as it completes.
func Connect(ctx context.Context, config *ConnectionConfig) (*nats.Conn, error) {
	if config == nil {
		return nil, errors.New("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	type dialed struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := nats.Connect(config.URL, config.options(logger)...)
		done <- dialed{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if d := <-done; d.conn != nil {
				d.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case d := <-done:
		if d.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", d.err)
		}
		logger.Info("Connected to NATS",
			zap.String("url", d.conn.ConnectedUrl()),
			zap.String("name", config.Name))
		return d.conn, nil
	}
}

// Drain stops new deliveries, flushes pending publishes and waits until the
// connection is closed or the configured drain timeout passes.
func Drain(conn *nats.Conn) error {
	if conn == nil || conn.IsClosed() {
		return nil
	}

	closed := make(chan struct{})
	conn.SetClosedHandler(func(*nats.Conn) { close(closed) })

	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}

	timeout := conn.Opts.DrainTimeout
	if timeout <= 0 {
		timeout = nats.DefaultDrainTimeout
	}
	select {
	case <-closed:
		return nil
	case <-time.After(timeout + time.Second):
		conn.Close()
		return errors.New("timed out draining connection")
	}
}
