package auth

import (
	"errors"
	"fmt"
)

// Reason classifies why an account could not be authenticated.
type Reason string

const (
	ReasonMissingClientSecret Reason = "missing_client_secret"
	ReasonRefreshDenied       Reason = "refresh_denied"
	ReasonFlowCancelled       Reason = "flow_cancelled"
)

// AuthError means the account has no usable credentials. The orchestrator
// skips the account and carries on with the rest of the pass.
type AuthError struct {
	Account string
	Reason  Reason
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Account, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Account, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an AuthError, returning it if so.
func IsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ErrConsentCancelled is returned by consent flows the user abandoned.
var ErrConsentCancelled = errors.New("consent cancelled")

// ErrNoAccountConnected is returned by the broker when the user never linked
// the provider account.
var ErrNoAccountConnected = errors.New("no account connected")
