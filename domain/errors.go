package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Authorization flow.
	ErrStateNotFound   = errors.New("authorization state not found or expired")
	ErrStateReplayed   = errors.New("authorization state already used")
	ErrUnknownProvider = errors.New("unknown or disabled provider")
	ErrInvalidPurpose  = errors.New("invalid authorization purpose")
	ErrAccessDenied    = errors.New("provider reported an authorization error")

	// Provider errors.
	ErrInvalidGrant        = errors.New("provider rejected the authorization grant")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderProtocol    = errors.New("malformed provider response")
	ErrProfileFetchFailed  = errors.New("failed to fetch provider profile")
	ErrInsufficientScope   = errors.New("insufficient scope for provider profile")

	// Link invariants.
	ErrAlreadyLinkedToAnotherUser = errors.New("external account is already linked to another user")
	ErrProviderAlreadyLinked      = errors.New("user already has an account linked for this provider")
	ErrLastAuthMethod             = errors.New("cannot remove the last authentication method")
	ErrLinkNotFound               = errors.New("identity link not found")
	ErrLinkConflict               = errors.New("identity link conflicts with an existing link")
	ErrUserNotFound               = errors.New("user not found")
	ErrLeaseLost                  = errors.New("refresh lease no longer held")

	// Token storage.
	ErrDecryptionFailed = errors.New("token decryption failed")

	ErrRateLimited = errors.New("rate limited")
)

// RateLimitedError carries how long the caller should wait. It matches
// ErrRateLimited under errors.Is.
type RateLimitedError struct {
	Subject    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsRetryable reports whether err is a transient provider failure that a
// caller or the refresh scheduler may try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProfileFetchFailed)
}
