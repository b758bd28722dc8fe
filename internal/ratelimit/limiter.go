// Package ratelimit counts authentication attempts per subject in fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-link/domain"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration // zero when allowed
}

// Limiter increments the subject's counter and compares it with limit in one
// atomic step. The window opens at the first hit; once it has elapsed the
// next hit starts a new window with a count of 1.
type Limiter interface {
	Allow(ctx context.Context, subject string, limit int, window time.Duration) (Decision, error)
}

// Policy is a limit per window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Enforce runs Allow and turns a denial into a *domain.RateLimitedError.
//
// Windows are fixed, not sliding. A client that spends its budget just before
// a window closes gets a full budget again when the next one opens, so up to
// 2*Limit-1 attempts can pass within a short span around the boundary. Pick
// Limit with that burst in mind.
func Enforce(ctx context.Context, l Limiter, subject string, p Policy) error {
	d, err := l.Allow(ctx, subject, p.Limit, p.Window)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !d.Allowed {
		return &domain.RateLimitedError{Subject: subject, RetryAfter: d.RetryAfter}
	}
	return nil
}

// StartSubject keys start attempts by client address.
func StartSubject(client string) string {
	return "start:" + client
}

// CallbackSubject keys callback attempts by user or client address and provider.
func CallbackSubject(who string, provider domain.ProviderName) string {
	return "callback:" + who + ":" + string(provider)
}
