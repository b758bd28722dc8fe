package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// IdentityLinkRepository implements domain.IdentityLinkRepository.
// The unique indexes back both link invariants.
type IdentityLinkRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewIdentityLinkRepository(ctx context.Context, db *mongo.Database) (*IdentityLinkRepository, error) {
	repo := &IdentityLinkRepository{
		client:     db.Client(),
		collection: db.Collection(IdentityLinksCollection),
	}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *IdentityLinkRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "external_account_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Scheduler scan.
			Keys: bson.D{{Key: "refresh.degraded", Value: 1}, {Key: "token.expires_at", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return fmt.Errorf("failed to create indexes for %s collection: %w", IdentityLinksCollection, err)
	}
	log.Info().Msgf("Indexes for %s collection ensured.", IdentityLinksCollection)
	return nil
}

func (r *IdentityLinkRepository) Create(ctx context.Context, link *domain.IdentityLink) error {
	if _, err := r.collection.InsertOne(ctx, link); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrLinkConflict
		}
		log.Error().Err(err).Str("user_id", link.UserID).Str("provider", link.Provider.String()).Msg("Failed to create identity link")
		return fmt.Errorf("failed to create identity link: %w", err)
	}
	return nil
}

func (r *IdentityLinkRepository) findOne(ctx context.Context, filter bson.D) (*domain.IdentityLink, error) {
	var link domain.IdentityLink
	if err := r.collection.FindOne(ctx, filter).Decode(&link); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrLinkNotFound
		}
		return nil, fmt.Errorf("failed to find identity link: %w", err)
	}
	return &link, nil
}

func (r *IdentityLinkRepository) GetByExternalID(ctx context.Context, provider domain.ProviderName, externalAccountID string) (*domain.IdentityLink, error) {
	return r.findOne(ctx, bson.D{
		{Key: "provider", Value: provider},
		{Key: "external_account_id", Value: externalAccountID},
	})
}

func (r *IdentityLinkRepository) GetByUserAndProvider(ctx context.Context, userID string, provider domain.ProviderName) (*domain.IdentityLink, error) {
	return r.findOne(ctx, bson.D{
		{Key: "user_id", Value: userID},
		{Key: "provider", Value: provider},
	})
}

func (r *IdentityLinkRepository) ListByUser(ctx context.Context, userID string) ([]*domain.IdentityLink, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.D{{Key: "user_id", Value: userID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list identity links: %w", err)
	}
	defer cursor.Close(ctx)

	var links []*domain.IdentityLink
	if err := cursor.All(ctx, &links); err != nil {
		return nil, fmt.Errorf("failed to decode identity links: %w", err)
	}
	return links, nil
}

func (r *IdentityLinkRepository) Touch(ctx context.Context, id string, lastUsedAt time.Time, token domain.TokenRecord) error {
	res, err := r.collection.UpdateByID(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: "last_used_at", Value: lastUsedAt},
		{Key: "token", Value: token},
		{Key: "refresh", Value: domain.RefreshState{}},
	}}})
	if err != nil {
		return fmt.Errorf("failed to touch identity link: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

func (r *IdentityLinkRepository) ReplaceToken(ctx context.Context, id, externalAccountID string, token domain.TokenRecord) error {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "external_account_id", Value: externalAccountID}}
	res, err := r.collection.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "token", Value: token},
		{Key: "refresh", Value: domain.RefreshState{}},
	}}})
	if err != nil {
		return fmt.Errorf("failed to replace token: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

// DeleteIfNotLast counts and deletes inside one transaction. Every transaction
// first bumps a counter on all of the user's links, so two concurrent unlinks
// for the same user conflict and one of them is retried against the new count.
func (r *IdentityLinkRepository) DeleteIfNotLast(ctx context.Context, userID string, provider domain.ProviderName, hasPassword bool) error {
	session, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		userFilter := bson.D{{Key: "user_id", Value: userID}}
		res, err := r.collection.UpdateMany(ctx, userFilter, bson.D{{Key: "$inc", Value: bson.D{{Key: "unlink_guard", Value: 1}}}})
		if err != nil {
			return nil, err
		}

		target := bson.D{{Key: "user_id", Value: userID}, {Key: "provider", Value: provider}}
		n, err := r.collection.CountDocuments(ctx, target)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, domain.ErrLinkNotFound
		}
		if res.MatchedCount <= 1 && !hasPassword {
			return nil, domain.ErrLastAuthMethod
		}

		if _, err := r.collection.DeleteOne(ctx, target); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrLinkNotFound) || errors.Is(err, domain.ErrLastAuthMethod) {
			return err
		}
		return fmt.Errorf("failed to unlink %s for user %s: %w", provider, userID, err)
	}
	return nil
}

// leaseFree matches links whose refresh lease is unset or has run out at now.
func leaseFree(now time.Time) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "refresh.lease_until", Value: bson.D{{Key: "$exists", Value: false}}}},
		bson.D{{Key: "refresh.lease_until", Value: bson.D{{Key: "$lte", Value: now}}}},
	}}}
}

// dueForRefresh matches links a refresh cycle may work on at now.
func dueForRefresh(expiringBefore, now time.Time) bson.D {
	return bson.D{
		{Key: "refresh.degraded", Value: false},
		{Key: "token.encrypted_refresh_token", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$ne", Value: ""}}},
		{Key: "token.expires_at", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$lt", Value: expiringBefore}}},
		{Key: "$and", Value: bson.A{
			bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "refresh.next_attempt_at", Value: bson.D{{Key: "$exists", Value: false}}}},
				bson.D{{Key: "refresh.next_attempt_at", Value: bson.D{{Key: "$lte", Value: now}}}},
			}}},
			leaseFree(now),
		}},
	}
}

func (r *IdentityLinkRepository) ListRefreshCandidates(ctx context.Context, expiringBefore, now time.Time, limit int) ([]*domain.IdentityLink, error) {
	filter := dueForRefresh(expiringBefore, now)

	opts := options.Find().SetSort(bson.D{{Key: "token.expires_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh candidates: %w", err)
	}
	defer cursor.Close(ctx)

	var links []*domain.IdentityLink
	if err := cursor.All(ctx, &links); err != nil {
		return nil, fmt.Errorf("failed to decode refresh candidates: %w", err)
	}
	return links, nil
}

func (r *IdentityLinkRepository) ClaimForRefresh(ctx context.Context, claim domain.RefreshClaim) (bool, error) {
	filter := append(bson.D{
		{Key: "_id", Value: claim.LinkID},
		{Key: "token.encrypted_access_token", Value: claim.EncryptedAccessToken},
	}, dueForRefresh(claim.ExpiringBefore, claim.Now)...)
	res, err := r.collection.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "refresh.lease_until", Value: claim.LeaseUntil},
	}}})
	if err != nil {
		return false, fmt.Errorf("failed to claim link %s: %w", claim.LinkID, err)
	}
	return res.MatchedCount == 1, nil
}

// UpdateRefreshState only writes while lease is still the stored lease. Logins
// and token replacements clear the lease, so a late cycle cannot overwrite them.
func (r *IdentityLinkRepository) UpdateRefreshState(ctx context.Context, id string, lease time.Time, state domain.RefreshState) error {
	filter := bson.D{{Key: "_id", Value: id}}
	if lease.IsZero() {
		filter = append(filter, bson.E{Key: "refresh.lease_until", Value: bson.D{{Key: "$exists", Value: false}}})
	} else {
		filter = append(filter, bson.E{Key: "refresh.lease_until", Value: lease})
	}

	state.LeaseUntil = time.Time{}
	res, err := r.collection.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "refresh", Value: state},
	}}})
	if err != nil {
		return fmt.Errorf("failed to update refresh state: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

var _ domain.IdentityLinkRepository = (*IdentityLinkRepository)(nil)
