package slinkgin

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/services"
)

var errStateMismatch = errors.New("state does not match this browser session")

func statusFor(code string) (int, string) {
	switch code {
	case "state_not_found", "state_replayed":
		return http.StatusBadRequest, "The sign-in attempt expired or was already used. Please start again."
	case "invalid_grant", "invalid_purpose", "access_denied":
		return http.StatusBadRequest, "The provider did not authorize the request. Please start again."
	case "unknown_provider":
		return http.StatusNotFound, "Unknown or disabled provider."
	case "link_not_found", "user_not_found":
		return http.StatusNotFound, "No such linked account."
	case "provider_unavailable", "profile_fetch_failed", "provider_protocol", "insufficient_scope":
		return http.StatusBadGateway, "The provider could not be reached. Please try again."
	case "already_linked_to_another_user":
		return http.StatusConflict, "This account is already linked to another user."
	case "provider_already_linked":
		return http.StatusConflict, "You already linked an account of this provider."
	case "last_auth_method":
		return http.StatusConflict, "You cannot remove your only way to sign in."
	case "rate_limited":
		return http.StatusTooManyRequests, "Too many attempts. Please wait and try again."
	default:
		return http.StatusInternalServerError, "Internal error."
	}
}

// writeError renders err as {"error": code, "message": ...}. Rate limited
// responses carry Retry-After in whole seconds.
func writeError(c *gin.Context, err error) {
	code := services.ErrorCode(err)
	if errors.Is(err, errStateMismatch) {
		code = "state_mismatch"
	}

	status, message := statusFor(code)
	if code == "state_mismatch" {
		status, message = http.StatusBadRequest, "Invalid session state. Please try logging in again."
	}

	var limited *domain.RateLimitedError
	if errors.As(err, &limited) {
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}
