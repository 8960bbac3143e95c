package errors

import (
	"context"
	"errors"
	"net"
	"strings"

	json "github.com/goccy/go-json"
)

// Error code constants
const (
	ErrorCodeUnknown                 = "UNKNOWN_ERROR"
	ErrorCodeTimeout                 = "TIMEOUT_ERROR"
	ErrorCodeNetwork                 = "NETWORK_ERROR"
	ErrorCodeInvalidCredentialFormat = "INVALID_CREDENTIAL_FORMAT"
	ErrorCodeInvalidClientIDFormat   = "INVALID_CLIENT_ID_FORMAT"
	ErrorCodeAuthenticationFailed    = "AUTHENTICATION_FAILED"
	ErrorCodeRemoteCallFailed        = "REMOTE_CALL_FAILED"
	ErrorCodeInvalidPayload          = "INVALID_PAYLOAD"
	ErrorCodeCircuitBreaker          = "CIRCUIT_BREAKER_ERROR"
	ErrorCodeNotConnected            = "NOT_CONNECTED"
)

// Categorize maps an error to a standardized error code
func Categorize(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}

	switch {
	case errors.Is(err, ErrInvalidCredentialFormat):
		return ErrorCodeInvalidCredentialFormat
	case errors.Is(err, ErrInvalidClientIDFormat):
		return ErrorCodeInvalidClientIDFormat
	case errors.Is(err, ErrAuthenticationFailed):
		return ErrorCodeAuthenticationFailed
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCodeCircuitBreaker
	case errors.Is(err, ErrInvalidPayload):
		return ErrorCodeInvalidPayload
	case errors.Is(err, ErrNotConnected):
		return ErrorCodeNotConnected
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCodeTimeout
		}
		return ErrorCodeNetwork
	}

	if errors.Is(err, ErrRemoteCallFailed) {
		return ErrorCodeRemoteCallFailed
	}

	return ErrorCodeUnknown
}

// IsRetryable determines if an error is transient and should be retried
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}

	var remoteErr *RemoteCallError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable()
	}

	switch Categorize(err) {
	case ErrorCodeTimeout, ErrorCodeNetwork, ErrorCodeCircuitBreaker, ErrorCodeNotConnected:
		return true
	}
	return false
}

// AsAppError converts any error into an AppError, classifying domain errors
// so that result reporting can decide between ack and redelivery.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	code := Categorize(err)
	switch code {
	case ErrorCodeInvalidCredentialFormat, ErrorCodeInvalidClientIDFormat:
		return NewValidationError(err.Error(), code, err)
	case ErrorCodeAuthenticationFailed:
		return NewUnauthorizedError(err.Error(), code, err)
	case ErrorCodeInvalidPayload:
		return NewBadRequestError(err.Error(), code, err)
	}

	var remoteErr *RemoteCallError
	if errors.As(err, &remoteErr) && !remoteErr.Retryable() {
		switch remoteErr.StatusCode {
		case 401:
			return NewAppError(Unauthorized, err.Error(), code, err)
		case 403:
			return NewAppError(PermissionDenied, err.Error(), code, err)
		case 404:
			return NewAppError(NotFound, err.Error(), code, err)
		case 409:
			return NewAppError(Conflict, err.Error(), code, err)
		default:
			return NewAppError(BadRequest, err.Error(), code, err)
		}
	}

	return NewInternalError(err.Error(), code, err)
}

// remoteMessage extracts a human-readable message from a JSON error body
func remoteMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}

	if payload.Message != "" {
		return payload.Message
	}
	if s, ok := payload.Error.(string); ok {
		return s
	}
	return ""
}
