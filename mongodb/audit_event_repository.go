package mongodb

import (
	"context"
	"fmt"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// AuditEventRepository appends audit events. It never updates or deletes.
type AuditEventRepository struct {
	collection *mongo.Collection
}

func NewAuditEventRepository(ctx context.Context, db *mongo.Database) (*AuditEventRepository, error) {
	repo := &AuditEventRepository{collection: db.Collection(AuditEventsCollection)}

	_, err := repo.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "action", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		log.Warn().Err(err).Msgf("Failed to create %s indexes", AuditEventsCollection)
	}

	return repo, nil
}

func (r *AuditEventRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	if _, err := r.collection.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListByUser returns the newest events of a user first.
func (r *AuditEventRepository) ListByUser(ctx context.Context, userID string, limit int64) ([]*domain.AuditEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.D{{Key: "user_id", Value: userID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*domain.AuditEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode audit events: %w", err)
	}
	return events, nil
}

var _ domain.AuditEventRepository = (*AuditEventRepository)(nil)
