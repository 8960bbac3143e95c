// Package client owns the worker's JetStream connection and the message service built on it
package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/yepcode-connector/internal/nats"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/message"
	"go.uber.org/zap"
)

// Client manages the NATS connection and exposes the JetStream message service.
//
// Example usage:
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//
//	msgs, err := c.Messages.PullMessages(ctx, "YEPCODE_REQUESTS", "yepcode-worker", 10)
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Messages publishes requests, pulls deliveries and reports batch results
	Messages *message.MessageService
}

// NewClient creates a client with the default connection configuration
func NewClient(url string) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url))
}

// NewClientWithConfig creates a client with a custom connection configuration
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	logger, _ := zap.NewProduction()
	if config == nil {
		config = nats.DefaultConnectionConfig("")
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// NewClientWithJSContext wires a client to a provided JSContext without a connection.
// Used by tests and by hosts that manage their own NATS connection.
// A nil js leaves Messages nil.
func NewClientWithJSContext(js message.JSContext) *Client {
	logger, _ := zap.NewProduction()
	cfg := nats.DefaultConnectionConfig("")
	svc, err := message.NewMessageService(js, cfg.MaxDeliver, cfg.PublishMaxRetries, cfg.ResultStream, cfg.ResultSubject)
	if err != nil {
		logger.Error("Failed to initialize message service", zap.Error(err))
	} else {
		svc.SetLogger(logger)
	}
	return &Client{
		config:   cfg,
		Messages: svc,
		logger:   logger,
	}
}

// Connect dials NATS, requires JetStream and builds the message service.
// Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	if c.config.Logger == nil {
		c.config.Logger = c.logger
	}

	conn, err := nats.Connect(ctx, c.config)
	if err != nil {
		return sdkerrors.NewInternalError("failed to connect to NATS", "CONNECTION_FAILED", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Drain(c.conn)
		c.conn = nil
		return sdkerrors.NewInternalError("JetStream is not enabled on the NATS server", "JETSTREAM_NOT_ENABLED", err)
	}
	c.js = js

	msgService, err := message.NewMessageService(
		message.WrapNATSJetStream(c.js),
		c.config.MaxDeliver,
		c.config.PublishMaxRetries,
		c.config.ResultStream,
		c.config.ResultSubject,
	)
	if err != nil {
		_ = nats.Drain(c.conn)
		c.conn = nil
		c.js = nil
		return sdkerrors.NewInternalError("failed to initialize message service", "SERVICE_INIT_FAILED", err)
	}
	msgService.SetLogger(c.logger)
	c.Messages = msgService

	return nil
}

// SetLogger sets a custom zap logger for the client and its message service
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	if c.Messages != nil {
		c.Messages.SetLogger(logger)
	}
}

// Close drains and closes the connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	if err := nats.Drain(c.conn); err != nil {
		return sdkerrors.NewInternalError("failed to close connection", "CLOSE_FAILED", err)
	}

	c.conn = nil
	c.js = nil
	c.Messages = nil
	return nil
}

// IsConnected returns true if the client is currently connected to the NATS server
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Connection returns the underlying NATS connection
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// JetStream returns the raw JetStream context, or nil before Connect
func (c *Client) JetStream() natsclient.JetStreamContext {
	return c.js
}

// ConnectionStats holds connection statistics for monitoring
type ConnectionStats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// Stats returns current connection statistics
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}

	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

func (c *Client) ensureConnected() error {
	if !c.IsConnected() {
		return sdkerrors.NewInternalError("not connected to NATS", sdkerrors.ErrorCodeNotConnected, sdkerrors.ErrNotConnected)
	}
	return nil
}

// Ping flushes the connection to verify the server is responsive
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewInternalError("ping failed", "PING_FAILED", err)
		}
		return nil
	}
}
