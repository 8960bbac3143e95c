package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/yepcode-connector/pkg/credentials"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

type failingExchanger struct {
	called bool
}

func (f *failingExchanger) Exchange(context.Context, ExchangeRequest) (*AccessToken, error) {
	f.called = true
	return nil, errors.New("connection reset")
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAuto, "AUTO": ModeAuto, "tenant": ModeTenant, "api-key": ModeAPIKey, "apikey": ModeAPIKey} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("kerberos")
	assert.Error(t, err)
}

func TestSelectStrategy(t *testing.T) {
	composite := credentials.Credential{APIToken: credentials.Compose(testClientID, testSecret)}
	flat := credentials.Credential{APIToken: "plain-api-token"}
	exchanger := &countingExchanger{}

	s, err := SelectStrategy(composite, ModeAuto, exchanger, nil)
	require.NoError(t, err)
	assert.Equal(t, "tenant", s.Name())

	s, err = SelectStrategy(flat, ModeAuto, exchanger, nil)
	require.NoError(t, err)
	assert.Equal(t, "api-key", s.Name())

	s, err = SelectStrategy(composite, ModeAPIKey, exchanger, nil)
	require.NoError(t, err)
	assert.Equal(t, "api-key", s.Name())

	_, err = SelectStrategy(composite, ModeTenant, nil, nil)
	assert.Error(t, err)
}

func TestSelectStrategy_MalformedCompositeStaysTenant(t *testing.T) {
	tokens := map[string]string{
		"bad client id": credentials.Compose("bad-client-id", "secret"),
		"empty secret":  credentials.TokenPrefix + "c2EtYWNtZS0xYTJiM2M0ZDo=",
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			exchanger := &failingExchanger{}
			s, err := SelectStrategy(credentials.Credential{APIToken: token}, ModeAuto, exchanger, nil)
			require.NoError(t, err)
			assert.Equal(t, "tenant", s.Name())

			_, err = s.Authenticate(context.Background())
			require.Error(t, err)
			assert.True(t, sdkerrors.IsFatal(err))
			assert.False(t, exchanger.called)
		})
	}
}

func TestTenantStrategy_Authenticate(t *testing.T) {
	cred := credentials.Credential{APIToken: credentials.Compose(testClientID, testSecret), APIHost: "https://yc.example.com/"}
	strategy := NewTenantStrategy(cred, &countingExchanger{expiry: time.Hour}, nil)

	session, err := strategy.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://yc.example.com/api/acme/rest/", session.BaseURL)
	assert.Equal(t, "Bearer tok-1", session.Headers.Get("Authorization"))
	assert.Equal(t, "acme", session.TenantID)
	assert.False(t, session.Cached)
}

func TestTenantStrategy_IdentityErrorSkipsExchange(t *testing.T) {
	exchanger := &failingExchanger{}
	cred := credentials.Credential{APIToken: credentials.Compose("not-a-service-account", "secret")}

	_, err := NewTenantStrategy(cred, exchanger, nil).Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidClientIDFormat)
	assert.False(t, exchanger.called)
}

func TestTenantStrategy_ExchangeFailureIsAuthenticationError(t *testing.T) {
	cred := credentials.Credential{APIToken: credentials.Compose(testClientID, testSecret)}

	_, err := NewTenantStrategy(cred, &failingExchanger{}, nil).Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestTenantStrategy_InvalidateForgetsCachedToken(t *testing.T) {
	next := &countingExchanger{expiry: time.Hour}
	cred := credentials.Credential{APIToken: credentials.Compose(testClientID, testSecret)}
	strategy := NewTenantStrategy(cred, NewCachingExchanger(next, NewMemoryCache(), DefaultCacheOptions(), nil), nil)
	ctx := context.Background()

	_, err := strategy.Authenticate(ctx)
	require.NoError(t, err)
	session, err := strategy.Authenticate(ctx)
	require.NoError(t, err)
	assert.True(t, session.Cached)

	require.NoError(t, strategy.Invalidate(ctx))
	session, err = strategy.Authenticate(ctx)
	require.NoError(t, err)
	assert.False(t, session.Cached)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestAPIKeyStrategy_Authenticate(t *testing.T) {
	session, err := NewAPIKeyStrategy(credentials.Credential{APIToken: "flat"}).Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, credentials.DefaultAPIHost+"/", session.BaseURL)
	assert.Equal(t, "flat", session.Headers.Get("x-api-token"))
	assert.Empty(t, session.Headers.Get("Authorization"))

	_, err = NewAPIKeyStrategy(credentials.Credential{}).Authenticate(context.Background())
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidCredentialFormat)
}
