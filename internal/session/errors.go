package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured    = errors.New("account connection parameters are not configured")
	ErrNotAuthenticated = errors.New("account is not authenticated")
	ErrNoPendingLogin   = errors.New("no pending login for account")
	ErrConnectFailed    = errors.New("failed to connect account")
	ErrAccountNotFound  = errors.New("account not found")
	ErrTenantMismatch   = errors.New("account belongs to another tenant")

	// ErrPermanentInvalidation means the stored session was rejected for good
	// and has been cleared. The account must log in again.
	ErrPermanentInvalidation = errors.New("session permanently invalidated")
)

// ReauthError is returned once a session has been invalidated and cleared.
// It matches ErrPermanentInvalidation with errors.Is.
type ReauthError struct {
	AccountID uint
	Cause     error
}

func (e *ReauthError) Error() string {
	return fmt.Sprintf("account %d requires re-authentication: %v", e.AccountID, e.Cause)
}

func (e *ReauthError) Unwrap() error {
	return ErrPermanentInvalidation
}

// RequiresReauth is always true; it lets the request layer flag the response.
func (e *ReauthError) RequiresReauth() bool {
	return true
}

// RequiresReauth reports whether err carries a ReauthError.
func RequiresReauth(err error) bool {
	var re *ReauthError
	return errors.As(err, &re)
}
