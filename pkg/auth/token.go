// Package auth turns a stored credential into request authentication: it exchanges
// client credentials for bearer tokens, optionally caches them, and exposes the
// result to the dispatcher through a Strategy chosen from the credential's shape.
package auth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/wehubfusion/yepcode-connector/pkg/credentials"
)

const (
	// HeaderAPIToken carries the raw API token on flat-secret calls and token exchange
	HeaderAPIToken = "x-api-token"

	maxTokenResponseSize = 64 * 1024
)

// AccessToken is a short-lived bearer token scoped to one tenant
type AccessToken struct {
	Value    string    `json:"value"`
	TenantID string    `json:"tenantId"`
	Expiry   time.Time `json:"expiry,omitempty"`

	// Cached is set when the token was served from a cache rather than a fresh exchange
	Cached bool `json:"-"`
}

// ValidAt reports whether the token can still be sent at now, keeping skew in reserve.
// Tokens without an expiry are always considered valid.
func (t *AccessToken) ValidAt(now time.Time, skew time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.Expiry)
}

// ExchangeRequest holds everything either exchange variant may need
type ExchangeRequest struct {
	APIHost  string
	Identity credentials.Identity
	APIToken string
}

// Exchanger obtains an access token with the client-credentials grant
type Exchanger interface {
	Exchange(ctx context.Context, req ExchangeRequest) (*AccessToken, error)
}

// TokenURL returns the tenant's token endpoint
func TokenURL(apiHost, tenantID string) string {
	return fmt.Sprintf("%s/api/%s/rest/auth/token", apiHost, url.PathEscape(tenantID))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
