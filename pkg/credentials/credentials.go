// Package credentials unpacks YepCode API tokens into client identities.
//
// A composite token has the shape "<prefix><base64(clientId:clientSecret)>" where
// the prefix is a fixed three characters. The client id itself carries the tenant
// segment: "sa-<tenant>-<8 lowercase alphanumerics>".
package credentials

import (
	"regexp"
	"strings"

	"github.com/wehubfusion/yepcode-connector/pkg/codec"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

const (
	// DefaultAPIHost is used when a credential carries no host
	DefaultAPIHost = "https://cloud.yepcode.io"

	// TokenPrefix is prepended by Compose; any three-character prefix is accepted on input
	TokenPrefix = "yc_"

	prefixLength = 3
)

var clientIDPattern = regexp.MustCompile(`^sa-(.*)-[a-z0-9]{8}$`)

// Credential is the stored secret plus the API origin it belongs to
type Credential struct {
	APIToken string `json:"apiToken" yaml:"apiToken"`
	APIHost  string `json:"apiHost,omitempty" yaml:"apiHost"`
}

// Host returns the API origin without a trailing slash, defaulting to DefaultAPIHost
func (c Credential) Host() string {
	host := strings.TrimSpace(c.APIHost)
	if host == "" {
		return DefaultAPIHost
	}
	return strings.TrimRight(host, "/")
}

// Identity is the client-credentials pair derived from a composite token
type Identity struct {
	ClientID     string
	ClientSecret string
	TenantID     string
}

// ResolveIdentity derives the client identity and tenant from a composite token.
// It performs no I/O.
func ResolveIdentity(cred Credential) (Identity, error) {
	token := cred.APIToken
	if len(token) <= prefixLength {
		return Identity{}, formatError(token)
	}

	decoded, err := codec.Decode(token[prefixLength:])
	if err != nil {
		return Identity{}, formatError(token)
	}

	clientID, clientSecret, _ := strings.Cut(decoded, ":")
	if clientID == "" || clientSecret == "" {
		return Identity{}, formatError(token)
	}

	tenantID, err := TenantFromClientID(clientID)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TenantID:     tenantID,
	}, nil
}

// TenantFromClientID extracts the tenant segment of a service-account client id
func TenantFromClientID(clientID string) (string, error) {
	match := clientIDPattern.FindStringSubmatch(clientID)
	if match == nil || match[1] == "" {
		return "", &sdkerrors.CredentialError{Kind: sdkerrors.ErrInvalidClientIDFormat, Value: clientID}
	}
	return match[1], nil
}

// IsComposite reports whether token has the composite shape: a prefix and a
// base64 body holding a colon. It does not check the client id, so a malformed
// composite token still resolves through ResolveIdentity and fails there.
func IsComposite(token string) bool {
	if len(token) <= prefixLength {
		return false
	}
	decoded, err := codec.Decode(token[prefixLength:])
	if err != nil {
		return false
	}
	return strings.Contains(decoded, ":")
}

// Compose builds a composite token from a client id and secret
func Compose(clientID, clientSecret string) string {
	return TokenPrefix + codec.Encode(clientID+":"+clientSecret)
}

// Mask hides all but the edges of a secret for logs and error messages
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:prefixLength] + "***" + secret[len(secret)-2:]
}

func formatError(token string) error {
	return &sdkerrors.CredentialError{Kind: sdkerrors.ErrInvalidCredentialFormat, Value: Mask(token)}
}
