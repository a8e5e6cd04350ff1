package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState             = errors.New("invalid oauth state")
	ErrAuthorizationDenied      = errors.New("authorization denied")
	ErrMissingAuthorizationCode = errors.New("missing authorization code")
	ErrTokenExchangeFailed      = errors.New("token exchange failed")
	ErrTokenRefreshFailed       = errors.New("token refresh failed")
)

// AuthorizationDeniedError carries the error the provider redirected back with.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrAuthorizationDenied, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", ErrAuthorizationDenied, e.Code)
}

func (e *AuthorizationDeniedError) Is(target error) bool {
	return target == ErrAuthorizationDenied
}

// TokenRefreshError means the stored token can no longer be used and the
// owner has to reconnect the account.
type TokenRefreshError struct {
	Provider Provider
	Slug     string
	Err      error
}

func (e *TokenRefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s for %s: %v", ErrTokenRefreshFailed, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s for %s: re-authorization required", ErrTokenRefreshFailed, e.Provider)
}

func (e *TokenRefreshError) Is(target error) bool {
	return target == ErrTokenRefreshFailed
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}
