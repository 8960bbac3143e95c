package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/yepcode-connector/pkg/codec"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

func TestResolveIdentity_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		secret   string
		tenant   string
	}{
		{"simple tenant", "sa-acme-1a2b3c4d", "s3cr3t", "acme"},
		{"tenant with dashes", "sa-my-team-42-zzzzzzzz", "secret", "my-team-42"},
		{"secret with colons", "sa-acme-00000000", "a:b:c", "acme"},
		{"multibyte secret", "sa-acme-abcdefgh", "pässwörd-✓", "acme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := Compose(tt.clientID, tt.secret)

			id, err := ResolveIdentity(Credential{APIToken: token})
			require.NoError(t, err)
			assert.Equal(t, tt.clientID, id.ClientID)
			assert.Equal(t, tt.secret, id.ClientSecret)
			assert.Equal(t, tt.tenant, id.TenantID)
			assert.True(t, IsComposite(token))
		})
	}
}

func TestResolveIdentity_AnyThreeCharacterPrefix(t *testing.T) {
	token := "xx-" + codec.Encode("sa-acme-1a2b3c4d:secret")

	id, err := ResolveIdentity(Credential{APIToken: token})
	require.NoError(t, err)
	assert.Equal(t, "acme", id.TenantID)
}

func TestResolveIdentity_InvalidCredentialFormat(t *testing.T) {
	tokens := map[string]string{
		"empty":           "",
		"prefix only":     "yc_",
		"no separator":    TokenPrefix + codec.Encode("sa-acme-1a2b3c4d"),
		"empty secret":    TokenPrefix + codec.Encode("sa-acme-1a2b3c4d:"),
		"empty client id": TokenPrefix + codec.Encode(":secret"),
		"not base64":      "yc_!!!not-base64!!!",
	}

	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			_, err := ResolveIdentity(Credential{APIToken: token})
			require.Error(t, err)
			assert.ErrorIs(t, err, sdkerrors.ErrInvalidCredentialFormat)
			assert.True(t, sdkerrors.IsFatal(err))
			assert.False(t, sdkerrors.IsRetryable(err))
		})
	}
}

func TestIsComposite_ChecksShapeOnly(t *testing.T) {
	composite := map[string]string{
		"valid":             Compose("sa-acme-1a2b3c4d", "secret"),
		"bad client id":     Compose("bad-client-id", "secret"),
		"empty secret":      TokenPrefix + codec.Encode("sa-acme-1a2b3c4d:"),
		"empty client id":   TokenPrefix + codec.Encode(":secret"),
		"other prefix":      "xx-" + codec.Encode("id:secret"),
		"unpadded encoding": "yc_" + "aWQ6c2VjcmV0",
	}
	for name, token := range composite {
		t.Run(name, func(t *testing.T) {
			assert.True(t, IsComposite(token))
		})
	}

	flat := map[string]string{
		"empty":        "",
		"prefix only":  "yc_",
		"no separator": TokenPrefix + codec.Encode("sa-acme-1a2b3c4d"),
		"not base64":   "yc_!!!not-base64!!!",
		"plain key":    "plain-api-token",
	}
	for name, token := range flat {
		t.Run(name, func(t *testing.T) {
			assert.False(t, IsComposite(token))
		})
	}
}

func TestResolveIdentity_InvalidClientIDFormat(t *testing.T) {
	clientIDs := []string{
		"acme-1a2b3c4d",
		"sa-acme-1A2B3C4D",
		"sa-acme-1a2b3c",
		"sa--1a2b3c4d",
	}

	for _, clientID := range clientIDs {
		t.Run(clientID, func(t *testing.T) {
			_, err := ResolveIdentity(Credential{APIToken: Compose(clientID, "secret")})
			require.Error(t, err)
			assert.ErrorIs(t, err, sdkerrors.ErrInvalidClientIDFormat)
			assert.Contains(t, err.Error(), clientID)
			assert.True(t, sdkerrors.IsFatal(err))
		})
	}
}

func TestResolveIdentity_ErrorDoesNotLeakSecret(t *testing.T) {
	token := TokenPrefix + codec.Encode("no-separator-super-secret-value")

	_, err := ResolveIdentity(Credential{APIToken: token})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), token)
}

func TestCredential_Host(t *testing.T) {
	assert.Equal(t, DefaultAPIHost, Credential{}.Host())
	assert.Equal(t, "https://yepcode.example.com", Credential{APIHost: "https://yepcode.example.com/"}.Host())
}

func TestMask(t *testing.T) {
	assert.Equal(t, "***", Mask("short"))
	assert.Equal(t, "yc_***yz", Mask("yc_abcdefghijklmnopqrstuvwxyz"))
}
