package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for the token lifecycle. Callers match them with
// errors.Is; AuthError carries the failed operation for context.
var (
	// ErrNoAccount indicates there is no signed-in account to act on.
	ErrNoAccount = errors.New("no signed-in account")

	// ErrSilentAcquisitionFailed indicates a silent (refresh-based) token
	// acquisition failed. The caller must initiate an interactive flow.
	ErrSilentAcquisitionFailed = errors.New("silent token acquisition failed")

	// ErrDeviceCodeFailed indicates the device-code flow failed.
	ErrDeviceCodeFailed = errors.New("device code authentication failed")

	// ErrDeviceCodeTimeout indicates the device-code flow was not
	// completed before the flow expiry or context deadline.
	ErrDeviceCodeTimeout = errors.New("device code authentication timed out")

	// ErrAccountNotFound indicates a by-id request named an account the
	// provider does not know.
	ErrAccountNotFound = errors.New("account not found")
)

// AuthError wraps a token-lifecycle failure with the operation that failed.
type AuthError struct {
	// Op is the operation that failed, e.g. "get-token".
	Op string

	// Err is the underlying error, usually one of the sentinels above.
	Err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *AuthError) Unwrap() error {
	return e.Err
}

func newAuthError(op string, err error) *AuthError {
	return &AuthError{Op: op, Err: err}
}
