package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

// APITokenExchanger authenticates the exchange with the raw API token in the
// x-api-token header. This is the variant the hosted platform accepts.
type APITokenExchanger struct {
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewAPITokenExchanger creates an exchanger; a nil client uses http.DefaultClient
func NewAPITokenExchanger(httpClient *http.Client, logger *zap.Logger) *APITokenExchanger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APITokenExchanger{httpClient: httpClient, logger: logger, now: time.Now}
}

// Exchange posts grant_type=client_credentials to the tenant token endpoint
func (e *APITokenExchanger) Exchange(ctx context.Context, req ExchangeRequest) (*AccessToken, error) {
	tokenURL := TokenURL(req.APIHost, req.Identity.TenantID)
	form := url.Values{"grant_type": {"client_credentials"}}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &sdkerrors.AuthenticationError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderAPIToken, req.APIToken)

	e.logger.Debug("Exchanging API token for access token",
		zap.String("tenantId", req.Identity.TenantID),
		zap.String("clientId", req.Identity.ClientID))

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, &sdkerrors.AuthenticationError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, &sdkerrors.AuthenticationError{Err: fmt.Errorf("read token response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &sdkerrors.AuthenticationError{Err: &sdkerrors.RemoteCallError{
			Method:     http.MethodPost,
			URL:        tokenURL,
			StatusCode: resp.StatusCode,
			Body:       body,
		}}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &sdkerrors.AuthenticationError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if parsed.AccessToken == "" {
		return nil, &sdkerrors.AuthenticationError{Err: errors.New("token response missing access_token")}
	}

	token := &AccessToken{Value: parsed.AccessToken, TenantID: req.Identity.TenantID}
	if parsed.ExpiresIn > 0 {
		token.Expiry = e.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	return token, nil
}

// ClientSecretExchanger authenticates the exchange with HTTP Basic credentials
// built from the derived client id and secret.
type ClientSecretExchanger struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClientSecretExchanger creates an exchanger; a nil client uses http.DefaultClient
func NewClientSecretExchanger(httpClient *http.Client, logger *zap.Logger) *ClientSecretExchanger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientSecretExchanger{httpClient: httpClient, logger: logger}
}

// Exchange runs the OAuth2 client-credentials grant against the tenant token endpoint
func (e *ClientSecretExchanger) Exchange(ctx context.Context, req ExchangeRequest) (*AccessToken, error) {
	cfg := clientcredentials.Config{
		ClientID:     req.Identity.ClientID,
		ClientSecret: req.Identity.ClientSecret,
		TokenURL:     TokenURL(req.APIHost, req.Identity.TenantID),
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	e.logger.Debug("Exchanging client secret for access token",
		zap.String("tenantId", req.Identity.TenantID),
		zap.String("clientId", req.Identity.ClientID))

	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, e.httpClient))
	if err != nil {
		return nil, &sdkerrors.AuthenticationError{Err: err}
	}

	return &AccessToken{
		Value:    tok.AccessToken,
		TenantID: req.Identity.TenantID,
		Expiry:   tok.Expiry,
	}, nil
}
