package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidCredentialFormat indicates a composite API token that cannot be unpacked
	ErrInvalidCredentialFormat = errors.New("invalid apiToken format")

	// ErrInvalidClientIDFormat indicates a client id that does not carry a tenant segment
	ErrInvalidClientIDFormat = errors.New("invalid clientId format")

	// ErrAuthenticationFailed indicates that the token exchange did not yield an access token
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrRemoteCallFailed indicates a non-2xx or transport failure on a tenant-scoped call
	ErrRemoteCallFailed = errors.New("remote call failed")

	// ErrInvalidPayload indicates malformed user-supplied parameters
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrCircuitOpen indicates that outbound calls are blocked by the circuit breaker
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ErrorType classifies an AppError for reporting and ack decisions
type ErrorType string

const (
	ValidationFailed ErrorType = "validation_failed"
	NotFound         ErrorType = "not_found"
	Unauthorized     ErrorType = "unauthorized"
	BadRequest       ErrorType = "bad_request"
	Conflict         ErrorType = "conflict"
	PermissionDenied ErrorType = "permission_denied"
	Internal         ErrorType = "internal"
)

// AppError represents a structured SDK error
type AppError struct {
	// Type drives retry decisions: only Internal is considered transient
	Type ErrorType

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new SDK error of the given type
func NewAppError(errType ErrorType, message, code string, err error) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a permanent validation error
func NewValidationError(message, code string, err error) *AppError {
	return NewAppError(ValidationFailed, message, code, err)
}

// NewInternalError creates a transient internal error
func NewInternalError(message, code string, err error) *AppError {
	return NewAppError(Internal, message, code, err)
}

// NewUnauthorizedError creates a permanent authorization error
func NewUnauthorizedError(message, code string, err error) *AppError {
	return NewAppError(Unauthorized, message, code, err)
}

// NewBadRequestError creates a permanent bad request error
func NewBadRequestError(message, code string, err error) *AppError {
	return NewAppError(BadRequest, message, code, err)
}

// CredentialError reports a credential that could not be resolved into an identity.
// Value is the offending input as it may be shown to an operator; secrets arrive masked.
type CredentialError struct {
	Kind  error
	Value string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Value)
}

func (e *CredentialError) Unwrap() error {
	return e.Kind
}

// AuthenticationError wraps any failure of the token exchange
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("Authentication failed: %v", e.Err)
}

// Unwrap exposes both the sentinel and the upstream cause
func (e *AuthenticationError) Unwrap() []error {
	return []error{ErrAuthenticationFailed, e.Err}
}

// RemoteCallError carries enough context about a failed call to classify it
type RemoteCallError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *RemoteCallError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s failed: %v", e.Method, e.URL, e.Err)
	}
	if msg := remoteMessage(e.Body); msg != "" {
		return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

func (e *RemoteCallError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRemoteCallFailed, e.Err}
	}
	return []error{ErrRemoteCallFailed}
}

// Retryable reports whether repeating the same call could succeed
func (e *RemoteCallError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// PayloadError reports malformed user-supplied parameters
type PayloadError struct {
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrInvalidPayload, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidPayload, e.Reason)
}

func (e *PayloadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidPayload, e.Err}
	}
	return []error{ErrInvalidPayload}
}

// ItemError ties a failure to the input item that produced it.
// The index is fixed at construction and never reassigned.
type ItemError struct {
	index int
	err   error
}

// NewItemError wraps err with the originating item index
func NewItemError(index int, err error) *ItemError {
	return &ItemError{index: index, err: err}
}

// Index returns the originating item index
func (e *ItemError) Index() int {
	return e.index
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("failed processing item %d: %v", e.index, e.err)
}

func (e *ItemError) Unwrap() error {
	return e.err
}

// ItemIndex returns the index of the first ItemError in err's chain
func ItemIndex(err error) (int, bool) {
	var itemErr *ItemError
	if errors.As(err, &itemErr) {
		return itemErr.Index(), true
	}
	return 0, false
}

// IsFatal reports errors that must abort a batch even under continue-on-fail
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidCredentialFormat) ||
		errors.Is(err, ErrInvalidClientIDFormat) ||
		errors.Is(err, ErrAuthenticationFailed)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
