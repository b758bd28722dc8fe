package services

import (
	"errors"

	"github.com/pilab-dev/shadow-link/domain"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{domain.ErrStateNotFound, "state_not_found"},
	{domain.ErrStateReplayed, "state_replayed"},
	{domain.ErrUnknownProvider, "unknown_provider"},
	{domain.ErrInvalidPurpose, "invalid_purpose"},
	{domain.ErrAccessDenied, "access_denied"},
	{domain.ErrInvalidGrant, "invalid_grant"},
	{domain.ErrProviderUnavailable, "provider_unavailable"},
	{domain.ErrProviderProtocol, "provider_protocol"},
	{domain.ErrProfileFetchFailed, "profile_fetch_failed"},
	{domain.ErrInsufficientScope, "insufficient_scope"},
	{domain.ErrAlreadyLinkedToAnotherUser, "already_linked_to_another_user"},
	{domain.ErrProviderAlreadyLinked, "provider_already_linked"},
	{domain.ErrLastAuthMethod, "last_auth_method"},
	{domain.ErrLinkNotFound, "link_not_found"},
	{domain.ErrUserNotFound, "user_not_found"},
	{domain.ErrDecryptionFailed, "decryption_failed"},
	{domain.ErrRateLimited, "rate_limited"},
}

// ErrorCode maps an error onto its stable taxonomy code, or "internal_error".
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}
