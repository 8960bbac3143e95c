package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/yepcode-connector/pkg/credentials"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

// Mode selects how a credential is turned into request authentication
type Mode string

const (
	// ModeAuto picks ModeTenant for composite tokens and ModeAPIKey otherwise
	ModeAuto Mode = "auto"

	// ModeTenant derives the tenant, exchanges for a bearer token and uses tenant-scoped paths
	ModeTenant Mode = "tenant"

	// ModeAPIKey sends the raw token as x-api-token against the host root
	ModeAPIKey Mode = "api-key"
)

// ParseMode validates a mode name; empty means ModeAuto
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeTenant:
		return ModeTenant, nil
	case ModeAPIKey, "apikey", "api_key":
		return ModeAPIKey, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

// Session is the outcome of authenticating: where to send requests and which headers prove identity
type Session struct {
	// BaseURL always ends with a slash; endpoints are appended to it
	BaseURL  string
	Headers  http.Header
	TenantID string

	// Cached reports that the bearer token came from a cache and may be stale
	Cached bool
}

// Strategy resolves a credential into a Session
type Strategy interface {
	Name() string
	Authenticate(ctx context.Context) (*Session, error)

	// Invalidate discards any cached token so the next Authenticate exchanges again
	Invalidate(ctx context.Context) error
}

// Forgetter is implemented by exchangers that cache tokens
type Forgetter interface {
	Forget(ctx context.Context, req ExchangeRequest) error
}

// TenantStrategy authenticates with a bearer token obtained for the tenant
// encoded in a composite API token.
type TenantStrategy struct {
	cred      credentials.Credential
	exchanger Exchanger
	logger    *zap.Logger
}

// NewTenantStrategy creates a tenant strategy
func NewTenantStrategy(cred credentials.Credential, exchanger Exchanger, logger *zap.Logger) *TenantStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantStrategy{cred: cred, exchanger: exchanger, logger: logger}
}

func (s *TenantStrategy) Name() string { return string(ModeTenant) }

// Authenticate resolves the identity and exchanges it for a bearer token.
// Identity errors are returned before any network call.
func (s *TenantStrategy) Authenticate(ctx context.Context) (*Session, error) {
	req, err := s.exchangeRequest()
	if err != nil {
		s.logger.Error("Failed to resolve identity from API token", zap.Error(err))
		return nil, err
	}

	token, err := s.exchanger.Exchange(ctx, req)
	if err != nil {
		if !errors.Is(err, sdkerrors.ErrAuthenticationFailed) {
			err = &sdkerrors.AuthenticationError{Err: err}
		}
		s.logger.Warn("Token exchange failed",
			zap.String("tenantId", req.Identity.TenantID),
			zap.String("clientId", req.Identity.ClientID),
			zap.Error(err))
		return nil, err
	}
	if token == nil || token.Value == "" {
		return nil, &sdkerrors.AuthenticationError{Err: errors.New("empty access token")}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token.Value)

	return &Session{
		BaseURL:  fmt.Sprintf("%s/api/%s/rest/", req.APIHost, url.PathEscape(req.Identity.TenantID)),
		Headers:  headers,
		TenantID: req.Identity.TenantID,
		Cached:   token.Cached,
	}, nil
}

func (s *TenantStrategy) Invalidate(ctx context.Context) error {
	forgetter, ok := s.exchanger.(Forgetter)
	if !ok {
		return nil
	}
	req, err := s.exchangeRequest()
	if err != nil {
		return err
	}
	return forgetter.Forget(ctx, req)
}

func (s *TenantStrategy) exchangeRequest() (ExchangeRequest, error) {
	identity, err := credentials.ResolveIdentity(s.cred)
	if err != nil {
		return ExchangeRequest{}, err
	}
	return ExchangeRequest{
		APIHost:  s.cred.Host(),
		Identity: identity,
		APIToken: s.cred.APIToken,
	}, nil
}

// APIKeyStrategy treats the credential as a flat secret sent on every request
type APIKeyStrategy struct {
	cred credentials.Credential
}

// NewAPIKeyStrategy creates a flat-secret strategy
func NewAPIKeyStrategy(cred credentials.Credential) *APIKeyStrategy {
	return &APIKeyStrategy{cred: cred}
}

func (s *APIKeyStrategy) Name() string { return string(ModeAPIKey) }

func (s *APIKeyStrategy) Authenticate(context.Context) (*Session, error) {
	if s.cred.APIToken == "" {
		return nil, &sdkerrors.CredentialError{Kind: sdkerrors.ErrInvalidCredentialFormat, Value: "empty token"}
	}
	headers := http.Header{}
	headers.Set(HeaderAPIToken, s.cred.APIToken)
	return &Session{BaseURL: s.cred.Host() + "/", Headers: headers}, nil
}

func (s *APIKeyStrategy) Invalidate(context.Context) error { return nil }

// SelectStrategy picks the strategy for cred. In ModeAuto the token's shape decides.
func SelectStrategy(cred credentials.Credential, mode Mode, exchanger Exchanger, logger *zap.Logger) (Strategy, error) {
	if mode == ModeAuto || mode == "" {
		if credentials.IsComposite(cred.APIToken) {
			mode = ModeTenant
		} else {
			mode = ModeAPIKey
		}
	}

	switch mode {
	case ModeTenant:
		if exchanger == nil {
			return nil, errors.New("tenant auth requires a token exchanger")
		}
		return NewTenantStrategy(cred, exchanger, logger), nil
	case ModeAPIKey:
		return NewAPIKeyStrategy(cred), nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", mode)
}
