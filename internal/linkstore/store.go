// Package linkstore owns the identity link invariants: one link per external
// account, one link per user and provider, and never removing a user's last way
// to sign in.
package linkstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/crypto"
	"github.com/rs/zerolog/log"
)

// Cipher is the part of crypto.TokenCipher the store needs.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	CurrentVersion() int
}

// Resolution describes what ResolveOrCreate did.
type Resolution struct {
	UserID      string
	Link        *domain.IdentityLink
	UserCreated bool // a login created a new user
	LinkCreated bool // a new identity link was stored
}

type Store struct {
	links  domain.IdentityLinkRepository
	users  domain.UserDirectory
	cipher Cipher
	guards *keyedMutex
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(links domain.IdentityLinkRepository, users domain.UserDirectory, cipher Cipher, opts ...Option) *Store {
	s := &Store{
		links:  links,
		users:  users,
		cipher: cipher,
		guards: newKeyedMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveOrCreate maps a provider identity to a local user.
//
//   - Known identity: tokens are replaced and the owner is returned. For a link
//     attempt the owner must be linkingUserID, else ErrAlreadyLinkedToAnotherUser.
//   - Unknown identity, login: a user is created and linked.
//   - Unknown identity, link: the identity is attached to linkingUserID, unless
//     that user already has another account of this provider.
func (s *Store) ResolveOrCreate(
	ctx context.Context,
	provider domain.ProviderName,
	identity *domain.ExternalIdentity,
	tokens *domain.TokenSet,
	purpose domain.AuthPurpose,
	linkingUserID string,
) (*Resolution, error) {
	if identity == nil || identity.ExternalAccountID == "" {
		return nil, fmt.Errorf("%w: missing external account id", domain.ErrProviderProtocol)
	}
	if purpose == domain.PurposeLink && linkingUserID == "" {
		return nil, fmt.Errorf("link without a signed-in user: %w", domain.ErrInvalidPurpose)
	}

	record, err := s.encryptTokens(tokens)
	if err != nil {
		return nil, err
	}

	res, err := s.resolveExisting(ctx, provider, identity, record, purpose, linkingUserID)
	if err == nil || !errors.Is(err, domain.ErrLinkNotFound) {
		return res, err
	}

	switch purpose {
	case domain.PurposeLink:
		res, err = s.attachToUser(ctx, provider, identity, record, linkingUserID)
	default:
		res, err = s.createUserWithLink(ctx, provider, identity, record)
	}
	if errors.Is(err, domain.ErrLinkConflict) {
		// Another request created the same link first.
		log.Ctx(ctx).Debug().
			Str("provider", provider.String()).
			Msg("identity link created concurrently, resolving again")

		return s.resolveConflict(ctx, provider, identity, record, purpose, linkingUserID)
	}
	return res, err
}

func (s *Store) resolveExisting(
	ctx context.Context,
	provider domain.ProviderName,
	identity *domain.ExternalIdentity,
	record domain.TokenRecord,
	purpose domain.AuthPurpose,
	linkingUserID string,
) (*Resolution, error) {
	link, err := s.links.GetByExternalID(ctx, provider, identity.ExternalAccountID)
	if err != nil {
		return nil, err
	}

	if purpose == domain.PurposeLink && link.UserID != linkingUserID {
		return nil, domain.ErrAlreadyLinkedToAnotherUser
	}

	now := s.now().UTC()
	if err := s.links.Touch(ctx, link.ID, now, record); err != nil {
		return nil, fmt.Errorf("failed to update identity link: %w", err)
	}
	link.LastUsedAt = now
	link.Token = record
	link.Refresh = domain.RefreshState{}

	return &Resolution{UserID: link.UserID, Link: link}, nil
}

func (s *Store) createUserWithLink(
	ctx context.Context,
	provider domain.ProviderName,
	identity *domain.ExternalIdentity,
	record domain.TokenRecord,
) (*Resolution, error) {
	userID, err := s.users.CreateUser(ctx, domain.NewUser{
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	link, err := s.createLink(ctx, userID, provider, identity, record)
	if err != nil {
		if errors.Is(err, domain.ErrLinkConflict) {
			log.Ctx(ctx).Warn().
				Str("user_id", userID).
				Str("provider", provider.String()).
				Msg("user created without a link after a concurrent login")
		}
		return nil, err
	}

	return &Resolution{UserID: userID, Link: link, UserCreated: true, LinkCreated: true}, nil
}

func (s *Store) attachToUser(
	ctx context.Context,
	provider domain.ProviderName,
	identity *domain.ExternalIdentity,
	record domain.TokenRecord,
	userID string,
) (*Resolution, error) {
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to load linking user: %w", err)
	}

	if _, err := s.links.GetByUserAndProvider(ctx, userID, provider); err == nil {
		return nil, domain.ErrProviderAlreadyLinked
	} else if !errors.Is(err, domain.ErrLinkNotFound) {
		return nil, err
	}

	link, err := s.createLink(ctx, userID, provider, identity, record)
	if err != nil {
		return nil, err
	}

	return &Resolution{UserID: userID, Link: link, LinkCreated: true}, nil
}

func (s *Store) resolveConflict(
	ctx context.Context,
	provider domain.ProviderName,
	identity *domain.ExternalIdentity,
	record domain.TokenRecord,
	purpose domain.AuthPurpose,
	linkingUserID string,
) (*Resolution, error) {
	res, err := s.resolveExisting(ctx, provider, identity, record, purpose, linkingUserID)
	if errors.Is(err, domain.ErrLinkNotFound) {
		// The conflict was on (user, provider), not on the external account.
		return nil, domain.ErrProviderAlreadyLinked
	}
	return res, err
}

func (s *Store) createLink(
	ctx context.Context,
	userID string,
	provider domain.ProviderName,
	identity *domain.ExternalIdentity,
	record domain.TokenRecord,
) (*domain.IdentityLink, error) {
	now := s.now().UTC()
	link := &domain.IdentityLink{
		ID:                uuid.NewString(),
		UserID:            userID,
		Provider:          provider,
		ExternalAccountID: identity.ExternalAccountID,
		Email:             identity.Email,
		DisplayName:       identity.DisplayName,
		CreatedAt:         now,
		LastUsedAt:        now,
		Token:             record,
	}
	if err := s.links.Create(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// Unlink removes the user's link for provider. It fails with ErrLinkNotFound
// or ErrLastAuthMethod. Concurrent unlinks for the same user run one at a time.
func (s *Store) Unlink(ctx context.Context, userID string, provider domain.ProviderName) error {
	unlock := s.guards.Lock(userID)
	defer unlock()

	hasPassword, err := s.users.HasPasswordCredential(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to check password credential: %w", err)
	}

	return s.links.DeleteIfNotLast(ctx, userID, provider, hasPassword)
}

// UpdateTokens replaces the tokens of link after a refresh. The write targets
// link.ID and its external account, so a link that was removed or replaced in
// the meantime is left alone and is not an error.
func (s *Store) UpdateTokens(ctx context.Context, link *domain.IdentityLink, tokens *domain.TokenSet) error {
	record, err := s.encryptTokens(tokens)
	if err != nil {
		return err
	}

	err = s.links.ReplaceToken(ctx, link.ID, link.ExternalAccountID, record)
	if errors.Is(err, domain.ErrLinkNotFound) {
		log.Ctx(ctx).Debug().
			Str("link_id", link.ID).
			Str("provider", link.Provider.String()).
			Msg("link removed before tokens were updated")
		return nil
	}
	if err != nil {
		return err
	}
	link.Token = record
	link.Refresh = domain.RefreshState{}
	return nil
}

func (s *Store) ListLinks(ctx context.Context, userID string) ([]*domain.IdentityLink, error) {
	return s.links.ListByUser(ctx, userID)
}

func (s *Store) GetLink(ctx context.Context, userID string, provider domain.ProviderName) (*domain.IdentityLink, error) {
	return s.links.GetByUserAndProvider(ctx, userID, provider)
}

// DecryptTokens returns the plaintext tokens of link. A link whose tokens
// cannot be decrypted is marked degraded, since no refresh can succeed.
func (s *Store) DecryptTokens(ctx context.Context, link *domain.IdentityLink) (*domain.TokenSet, error) {
	set, err := s.decrypt(link.Token)
	if err != nil {
		if markErr := s.MarkDegraded(ctx, link, err); markErr != nil {
			log.Ctx(ctx).Error().Err(markErr).Str("link_id", link.ID).Msg("failed to mark link degraded")
		}
		return nil, err
	}
	return set, nil
}

// SaveRefreshState stores scheduler bookkeeping and releases the refresh lease
// held by link. It fails with domain.ErrLeaseLost when the link changed since
// the lease was taken.
func (s *Store) SaveRefreshState(ctx context.Context, link *domain.IdentityLink, state domain.RefreshState) error {
	if err := s.links.UpdateRefreshState(ctx, link.ID, link.Refresh.LeaseUntil, state); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			return err
		}
		return fmt.Errorf("failed to update refresh state: %w", err)
	}
	state.LeaseUntil = time.Time{}
	link.Refresh = state
	return nil
}

// MarkDegraded stops automatic refreshes for link until the user signs in again.
func (s *Store) MarkDegraded(ctx context.Context, link *domain.IdentityLink, cause error) error {
	now := s.now().UTC()
	state := link.Refresh
	state.Degraded = true
	state.DegradedAt = &now
	state.LeaseUntil = time.Time{}
	if cause != nil {
		state.LastError = cause.Error()
	}
	return s.SaveRefreshState(ctx, link, state)
}

// ClaimForRefresh takes the refresh lease on link, a candidate read with the
// given expiringBefore. It fails when the stored link no longer matches the
// candidate, for example because another cycle already refreshed it.
func (s *Store) ClaimForRefresh(ctx context.Context, link *domain.IdentityLink, expiringBefore, leaseUntil time.Time) (bool, error) {
	leaseUntil = leaseUntil.UTC().Truncate(time.Millisecond)
	ok, err := s.links.ClaimForRefresh(ctx, domain.RefreshClaim{
		LinkID:               link.ID,
		EncryptedAccessToken: link.Token.EncryptedAccessToken,
		ExpiringBefore:       expiringBefore,
		Now:                  s.now().UTC(),
		LeaseUntil:           leaseUntil,
	})
	if err != nil || !ok {
		return false, err
	}
	link.Refresh.LeaseUntil = leaseUntil
	return true, nil
}

// RefreshCandidates lists links due for a refresh.
func (s *Store) RefreshCandidates(ctx context.Context, expiringBefore time.Time, limit int) ([]*domain.IdentityLink, error) {
	return s.links.ListRefreshCandidates(ctx, expiringBefore, s.now().UTC(), limit)
}

func (s *Store) encryptTokens(tokens *domain.TokenSet) (domain.TokenRecord, error) {
	if tokens == nil || tokens.AccessToken == "" {
		return domain.TokenRecord{}, fmt.Errorf("%w: empty token set", domain.ErrProviderProtocol)
	}

	access, err := s.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var refresh string
	if tokens.RefreshToken != "" {
		refresh, err = s.cipher.Encrypt(tokens.RefreshToken)
		if err != nil {
			return domain.TokenRecord{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	return domain.TokenRecord{
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		ExpiresAt:             tokens.ExpiresAt(),
		Scope:                 tokens.Scope,
		TokenType:             tokens.TokenType,
		CipherKeyVersion:      crypto.VersionLabel(s.cipher.CurrentVersion()),
	}, nil
}

func (s *Store) decrypt(record domain.TokenRecord) (*domain.TokenSet, error) {
	access, err := s.cipher.Decrypt(record.EncryptedAccessToken)
	if err != nil {
		return nil, err
	}

	var refresh string
	if record.EncryptedRefreshToken != "" {
		if refresh, err = s.cipher.Decrypt(record.EncryptedRefreshToken); err != nil {
			return nil, err
		}
	}

	set := &domain.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    record.TokenType,
		Scope:        record.Scope,
		IssuedAt:     s.now().UTC(),
	}
	if !record.ExpiresAt.IsZero() {
		set.ExpiresIn = record.ExpiresAt.Sub(set.IssuedAt)
	}
	return set, nil
}
