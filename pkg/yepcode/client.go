// Package yepcode is a typed client for the YepCode REST surface used by the
// connector: process execution, ad-hoc code runs and process metadata.
package yepcode

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/wehubfusion/yepcode-connector/pkg/transport"
)

const (
	// CurrentVersion selects the process's current (unpublished) version
	CurrentVersion = "$CURRENT"

	// HeaderInitiatedBy carries the caller-supplied origin of an execution
	HeaderInitiatedBy = "Yep-Initiated-By"
)

// Doer issues authenticated requests; *transport.Dispatcher implements it
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Client calls the platform through two doers: api for tenant-scoped REST
// endpoints and sandbox for the flat-secret run endpoints.
type Client struct {
	api     Doer
	sandbox Doer
	logger  *zap.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithSandbox routes run and whoami calls through d instead of the api doer
func WithSandbox(d Doer) ClientOption {
	return func(c *Client) {
		c.sandbox = d
	}
}

// WithLogger sets the client logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client over api
func NewClient(api Doer, opts ...ClientOption) *Client {
	c := &Client{api: api, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.sandbox == nil {
		c.sandbox = api
	}
	return c
}

func initiatedByHeader(initiatedBy string) http.Header {
	if initiatedBy == "" {
		return nil
	}
	h := http.Header{}
	h.Set(HeaderInitiatedBy, initiatedBy)
	return h
}
