package mongodb_test

import (
	"context"
	"testing"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/mongodb"
	"github.com/pilab-dev/shadow-link/mongodb/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestUserDirectory(t *testing.T) {
	db := testutil.SetupTestMongoDB(t, "test_user_directory")
	dir := mongodb.NewUserDirectory(db)
	ctx := context.Background()

	id, err := dir.CreateUser(ctx, domain.NewUser{Email: "a@example.com", DisplayName: "A"})
	require.NoError(t, err)

	user, err := dir.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)

	has, err := dir.HasPasswordCredential(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = db.Collection(mongodb.UsersCollection).UpdateByID(ctx, id,
		bson.D{{Key: "$set", Value: bson.D{{Key: "password_hash", Value: "$2a$10$hash"}}}})
	require.NoError(t, err)

	has, err = dir.HasPasswordCredential(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = dir.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestAuditEventRepository_Append(t *testing.T) {
	db := testutil.SetupTestMongoDB(t, "test_audit_events")
	ctx := context.Background()

	repo, err := mongodb.NewAuditEventRepository(ctx, db)
	require.NoError(t, err)

	require.NoError(t, repo.Append(ctx, &domain.AuditEvent{ID: "e1", UserID: "u1", Action: domain.AuditLink}))
	require.NoError(t, repo.Append(ctx, &domain.AuditEvent{ID: "e2", UserID: "u1", Action: domain.AuditUnlink}))

	events, err := repo.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	assert.Error(t, repo.Append(ctx, &domain.AuditEvent{ID: "e1", Action: domain.AuditLink}), "events are append-only")
}
