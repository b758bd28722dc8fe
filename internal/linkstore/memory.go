package linkstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-link/domain"
)

// MemoryRepository is an in-process domain.IdentityLinkRepository. One mutex
// guards all links, which makes every method atomic.
type MemoryRepository struct {
	mu    sync.Mutex
	links map[string]*domain.IdentityLink
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{links: make(map[string]*domain.IdentityLink)}
}

func (r *MemoryRepository) Create(_ context.Context, link *domain.IdentityLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.links {
		if l.ID == link.ID ||
			(l.Provider == link.Provider && l.ExternalAccountID == link.ExternalAccountID) ||
			(l.UserID == link.UserID && l.Provider == link.Provider) {
			return domain.ErrLinkConflict
		}
	}

	cp := *link
	r.links[link.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetByExternalID(_ context.Context, provider domain.ProviderName, externalAccountID string) (*domain.IdentityLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.links {
		if l.Provider == provider && l.ExternalAccountID == externalAccountID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, domain.ErrLinkNotFound
}

func (r *MemoryRepository) GetByUserAndProvider(_ context.Context, userID string, provider domain.ProviderName) (*domain.IdentityLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l := r.findLocked(userID, provider); l != nil {
		cp := *l
		return &cp, nil
	}
	return nil, domain.ErrLinkNotFound
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string) ([]*domain.IdentityLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.IdentityLink
	for _, l := range r.links {
		if l.UserID == userID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Touch(_ context.Context, id string, lastUsedAt time.Time, token domain.TokenRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[id]
	if !ok {
		return domain.ErrLinkNotFound
	}
	l.LastUsedAt = lastUsedAt
	l.Token = token
	l.Refresh = domain.RefreshState{}
	return nil
}

func (r *MemoryRepository) ReplaceToken(_ context.Context, id, externalAccountID string, token domain.TokenRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[id]
	if !ok || l.ExternalAccountID != externalAccountID {
		return domain.ErrLinkNotFound
	}
	l.Token = token
	l.Refresh = domain.RefreshState{}
	return nil
}

func (r *MemoryRepository) DeleteIfNotLast(_ context.Context, userID string, provider domain.ProviderName, hasPassword bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.findLocked(userID, provider)
	if target == nil {
		return domain.ErrLinkNotFound
	}

	count := 0
	for _, l := range r.links {
		if l.UserID == userID {
			count++
		}
	}
	if count <= 1 && !hasPassword {
		return domain.ErrLastAuthMethod
	}

	delete(r.links, target.ID)
	return nil
}

func (r *MemoryRepository) ListRefreshCandidates(_ context.Context, expiringBefore, now time.Time, limit int) ([]*domain.IdentityLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.IdentityLink
	for _, l := range r.links {
		if !isRefreshCandidate(l, expiringBefore, now) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token.ExpiresAt.Before(out[j].Token.ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isRefreshCandidate(l *domain.IdentityLink, expiringBefore, now time.Time) bool {
	return !l.Refresh.Degraded &&
		l.HasRefreshToken() &&
		!l.Token.ExpiresAt.IsZero() &&
		l.Token.ExpiresAt.Before(expiringBefore) &&
		!l.Refresh.NextAttemptAt.After(now) &&
		!l.Refresh.LeaseUntil.After(now)
}

func (r *MemoryRepository) ClaimForRefresh(_ context.Context, claim domain.RefreshClaim) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[claim.LinkID]
	if !ok || l.Token.EncryptedAccessToken != claim.EncryptedAccessToken {
		return false, nil
	}
	if !isRefreshCandidate(l, claim.ExpiringBefore, claim.Now) {
		return false, nil
	}
	l.Refresh.LeaseUntil = claim.LeaseUntil
	return true, nil
}

func (r *MemoryRepository) UpdateRefreshState(_ context.Context, id string, lease time.Time, state domain.RefreshState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[id]
	if !ok || !l.Refresh.LeaseUntil.Equal(lease) {
		return domain.ErrLeaseLost
	}
	state.LeaseUntil = time.Time{}
	l.Refresh = state
	return nil
}

func (r *MemoryRepository) findLocked(userID string, provider domain.ProviderName) *domain.IdentityLink {
	for _, l := range r.links {
		if l.UserID == userID && l.Provider == provider {
			return l
		}
	}
	return nil
}

var _ domain.IdentityLinkRepository = (*MemoryRepository)(nil)

// MemoryUserDirectory is a domain.UserDirectory for single-process setups and tests.
type MemoryUserDirectory struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	passwords map[string]bool
}

func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{
		users:     make(map[string]*domain.User),
		passwords: make(map[string]bool),
	}
}

func (d *MemoryUserDirectory) CreateUser(_ context.Context, user domain.NewUser) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := uuid.NewString()
	d.users[id] = &domain.User{
		ID:          id,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	return id, nil
}

func (d *MemoryUserDirectory) GetUser(_ context.Context, id string) (*domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryUserDirectory) HasPasswordCredential(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[id]; !ok {
		return false, domain.ErrUserNotFound
	}
	return d.passwords[id], nil
}

// SetPassword marks whether the user has a password credential.
func (d *MemoryUserDirectory) SetPassword(id string, has bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[id] = has
}

// Len counts the users.
func (d *MemoryUserDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

var _ domain.UserDirectory = (*MemoryUserDirectory)(nil)
