package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemError_IndexSurvivesWrapping(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("batch aborted: %w", NewItemError(3, cause))

	idx, ok := ItemIndex(wrapped)
	require.True(t, ok)
	assert.Equal(t, 3, idx)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "failed processing item 3")

	_, ok = ItemIndex(cause)
	assert.False(t, ok)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&CredentialError{Kind: ErrInvalidCredentialFormat, Value: "yc_***"}))
	assert.True(t, IsFatal(&CredentialError{Kind: ErrInvalidClientIDFormat, Value: "bad"}))
	assert.True(t, IsFatal(&AuthenticationError{Err: errors.New("401")}))
	assert.True(t, IsFatal(NewItemError(0, &AuthenticationError{Err: errors.New("401")})))

	assert.False(t, IsFatal(&RemoteCallError{Method: "POST", URL: "u", StatusCode: 500}))
	assert.False(t, IsFatal(&PayloadError{Reason: "bad json"}))
}

func TestAuthenticationError_PreservesUpstreamMessage(t *testing.T) {
	err := &AuthenticationError{Err: errors.New("invalid_client")}
	assert.Equal(t, "Authentication failed: invalid_client", err.Error())
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRemoteCallError(t *testing.T) {
	err := &RemoteCallError{
		Method:     "POST",
		URL:        "https://cloud.yepcode.io/api/acme/rest/processes/p1/execute-sync",
		StatusCode: 404,
		Body:       []byte(`{"message":"Process not found"}`),
	}
	assert.Contains(t, err.Error(), "returned status 404: Process not found")
	assert.ErrorIs(t, err, ErrRemoteCallFailed)
	assert.False(t, err.Retryable())

	assert.True(t, (&RemoteCallError{StatusCode: 503}).Retryable())
	assert.True(t, (&RemoteCallError{StatusCode: 429}).Retryable())
	assert.True(t, (&RemoteCallError{Err: errors.New("connection refused")}).Retryable())
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"credential", &CredentialError{Kind: ErrInvalidCredentialFormat}, ErrorCodeInvalidCredentialFormat},
		{"client id", &CredentialError{Kind: ErrInvalidClientIDFormat}, ErrorCodeInvalidClientIDFormat},
		{"auth", &AuthenticationError{Err: errors.New("x")}, ErrorCodeAuthenticationFailed},
		{"remote", &RemoteCallError{StatusCode: 500}, ErrorCodeRemoteCallFailed},
		{"payload", &PayloadError{Reason: "x"}, ErrorCodeInvalidPayload},
		{"circuit", fmt.Errorf("acquire: %w", ErrCircuitOpen), ErrorCodeCircuitBreaker},
		{"deadline", context.DeadlineExceeded, ErrorCodeTimeout},
		{"app error code wins", NewValidationError("x", "CUSTOM", nil), "CUSTOM"},
		{"unknown", errors.New("mystery"), ErrorCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestAsAppError_ClassifiesForAcking(t *testing.T) {
	assert.Equal(t, ValidationFailed, AsAppError(&CredentialError{Kind: ErrInvalidClientIDFormat}).Type)
	assert.Equal(t, Unauthorized, AsAppError(&AuthenticationError{Err: errors.New("x")}).Type)
	assert.Equal(t, BadRequest, AsAppError(&PayloadError{Reason: "x"}).Type)
	assert.Equal(t, NotFound, AsAppError(&RemoteCallError{StatusCode: 404}).Type)
	assert.Equal(t, Internal, AsAppError(&RemoteCallError{StatusCode: 502}).Type)
	assert.Equal(t, Internal, AsAppError(errors.New("unexpected")).Type)
	assert.Nil(t, AsAppError(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&RemoteCallError{StatusCode: 500}))
	assert.False(t, IsRetryable(&RemoteCallError{StatusCode: 400}))
	assert.False(t, IsRetryable(&AuthenticationError{Err: errors.New("x")}))
	assert.True(t, IsRetryable(ErrCircuitOpen))
	assert.False(t, IsRetryable(nil))
}
