package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/yepcode-connector/pkg/credentials"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

const (
	testClientID = "sa-acme-1a2b3c4d"
	testSecret   = "s3cr3t"
)

func testRequest(host string) ExchangeRequest {
	return ExchangeRequest{
		APIHost: host,
		Identity: credentials.Identity{
			ClientID:     testClientID,
			ClientSecret: testSecret,
			TenantID:     "acme",
		},
		APIToken: credentials.Compose(testClientID, testSecret),
	}
}

func TestAPITokenExchanger_Exchange(t *testing.T) {
	req := testRequest("")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/acme/rest/auth/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, req.APIToken, r.Header.Get("x-api-token"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()
	req.APIHost = server.URL

	exchanger := NewAPITokenExchanger(server.Client(), nil)
	token, err := exchanger.Exchange(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.Value)
	assert.Equal(t, "acme", token.TenantID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.Expiry, 5*time.Second)
	assert.False(t, token.Cached)
}

func TestAPITokenExchanger_Failures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		errContains string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Invalid API token"}`, "Invalid API token"},
		{"server error", http.StatusInternalServerError, `oops`, "status 500"},
		{"missing access token", http.StatusOK, `{"token_type":"Bearer"}`, "missing access_token"},
		{"malformed body", http.StatusOK, `not json`, "decode token response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewAPITokenExchanger(server.Client(), nil).Exchange(context.Background(), testRequest(server.URL))
			require.Error(t, err)
			assert.ErrorIs(t, err, sdkerrors.ErrAuthenticationFailed)
			assert.Contains(t, err.Error(), "Authentication failed:")
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestAPITokenExchanger_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewAPITokenExchanger(nil, nil).Exchange(context.Background(), testRequest(url))
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrAuthenticationFailed)
}

func TestClientSecretExchanger_UsesBasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, testClientID, user)
		assert.Equal(t, testSecret, pass)
		assert.Empty(t, r.Header.Get("x-api-token"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"basic-tok","token_type":"bearer","expires_in":60}`))
	}))
	defer server.Close()

	token, err := NewClientSecretExchanger(server.Client(), nil).Exchange(context.Background(), testRequest(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "basic-tok", token.Value)
	assert.False(t, token.Expiry.IsZero())
}

func TestClientSecretExchanger_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	_, err := NewClientSecretExchanger(server.Client(), nil).Exchange(context.Background(), testRequest(server.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "invalid_client")
}

type countingExchanger struct {
	calls  atomic.Int32
	expiry time.Duration
}

func (c *countingExchanger) Exchange(_ context.Context, req ExchangeRequest) (*AccessToken, error) {
	n := c.calls.Add(1)
	token := &AccessToken{Value: "tok-" + string(rune('0'+n)), TenantID: req.Identity.TenantID}
	if c.expiry > 0 {
		token.Expiry = time.Now().Add(c.expiry)
	}
	return token, nil
}

func TestCachingExchanger_MemoryCache(t *testing.T) {
	next := &countingExchanger{expiry: time.Hour}
	exchanger := NewCachingExchanger(next, NewMemoryCache(), DefaultCacheOptions(), nil)
	req := testRequest("https://cloud.yepcode.io")
	ctx := context.Background()

	first, err := exchanger.Exchange(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := exchanger.Exchange(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Value, second.Value)
	assert.EqualValues(t, 1, next.calls.Load())

	require.NoError(t, exchanger.Forget(ctx, req))
	third, err := exchanger.Exchange(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.NotEqual(t, first.Value, third.Value)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCachingExchanger_KeyedByHostAndClient(t *testing.T) {
	next := &countingExchanger{expiry: time.Hour}
	exchanger := NewCachingExchanger(next, NewMemoryCache(), DefaultCacheOptions(), nil)
	ctx := context.Background()

	_, err := exchanger.Exchange(ctx, testRequest("https://a.example.com"))
	require.NoError(t, err)
	_, err = exchanger.Exchange(ctx, testRequest("https://b.example.com"))
	require.NoError(t, err)

	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCachingExchanger_NeverServesTokensInsideSkew(t *testing.T) {
	next := &countingExchanger{expiry: 10 * time.Second}
	exchanger := NewCachingExchanger(next, NewMemoryCache(), CacheOptions{Skew: 30 * time.Second}, nil)
	req := testRequest("https://cloud.yepcode.io")

	for i := 0; i < 3; i++ {
		token, err := exchanger.Exchange(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, token.Cached)
	}
	assert.EqualValues(t, 3, next.calls.Load())
}

func TestMemoryCache_Expiry(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", &AccessToken{Value: "v"}, time.Minute))
	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
