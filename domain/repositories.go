package domain

import (
	"context"
	"time"
)

// IdentityLinkRepository persists IdentityLinks and their TokenRecords.
type IdentityLinkRepository interface {
	// Create inserts a new link. It returns ErrLinkConflict when either
	// uniqueness constraint would be violated.
	Create(ctx context.Context, link *IdentityLink) error
	GetByExternalID(ctx context.Context, provider ProviderName, externalAccountID string) (*IdentityLink, error)
	GetByUserAndProvider(ctx context.Context, userID string, provider ProviderName) (*IdentityLink, error)
	ListByUser(ctx context.Context, userID string) ([]*IdentityLink, error)

	// Touch records a login: it sets LastUsedAt, replaces the token record and
	// clears refresh bookkeeping.
	Touch(ctx context.Context, id string, lastUsedAt time.Time, token TokenRecord) error
	// ReplaceToken swaps the token record of link id and clears refresh
	// bookkeeping. ErrLinkNotFound when the link is gone or now belongs to a
	// different external account.
	ReplaceToken(ctx context.Context, id, externalAccountID string, token TokenRecord) error

	// DeleteIfNotLast removes (userID, provider) unless it is the user's only
	// authentication method. The count and the delete are one atomic step.
	DeleteIfNotLast(ctx context.Context, userID string, provider ProviderName, hasPassword bool) error

	// ListRefreshCandidates returns non-degraded links with a refresh token that
	// expire before expiringBefore and are eligible for an attempt at now.
	ListRefreshCandidates(ctx context.Context, expiringBefore, now time.Time, limit int) ([]*IdentityLink, error)
	// ClaimForRefresh takes the refresh lease if the link still matches the
	// claimed snapshot and is still due. It is a single compare-and-set.
	ClaimForRefresh(ctx context.Context, claim RefreshClaim) (bool, error)
	// UpdateRefreshState stores the scheduler bookkeeping and releases the
	// lease. ErrLeaseLost when lease is no longer the link's current lease.
	UpdateRefreshState(ctx context.Context, id string, lease time.Time, state RefreshState) error
}

// PendingAuthStore keeps PendingAuthRequests for their short TTL.
type PendingAuthStore interface {
	Save(ctx context.Context, req *PendingAuthRequest) error
	// Consume atomically reads and marks the request consumed. Exactly one
	// caller succeeds; the rest get ErrStateReplayed. Unknown or expired
	// states give ErrStateNotFound.
	Consume(ctx context.Context, state string, now time.Time) (*PendingAuthRequest, error)
	// DeleteExpired removes requests past their expiry and returns how many.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AuditEventRepository is an append-only sink for audit events.
type AuditEventRepository interface {
	Append(ctx context.Context, event *AuditEvent) error
}
