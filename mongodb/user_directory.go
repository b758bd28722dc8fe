package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-link/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// userDocument is the stored user. The password hash is owned by the
// application's password login; this package only checks for its presence.
type userDocument struct {
	ID           string    `bson:"_id"`
	Email        string    `bson:"email,omitempty"`
	DisplayName  string    `bson:"display_name,omitempty"`
	PasswordHash string    `bson:"password_hash,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

// UserDirectory implements domain.UserDirectory on the users collection.
type UserDirectory struct {
	collection *mongo.Collection
}

func NewUserDirectory(db *mongo.Database) *UserDirectory {
	return &UserDirectory{collection: db.Collection(UsersCollection)}
}

func (d *UserDirectory) CreateUser(ctx context.Context, user domain.NewUser) (string, error) {
	doc := userDocument{
		ID:          uuid.NewString(),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := d.collection.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}
	return doc.ID, nil
}

func decodeUser(res *mongo.SingleResult) (*userDocument, error) {
	var doc userDocument
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &doc, nil
}

func (d *UserDirectory) GetUser(ctx context.Context, id string) (*domain.User, error) {
	doc, err := decodeUser(d.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}))
	if err != nil {
		return nil, err
	}
	return &domain.User{
		ID:          doc.ID,
		Email:       doc.Email,
		DisplayName: doc.DisplayName,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

func (d *UserDirectory) HasPasswordCredential(ctx context.Context, id string) (bool, error) {
	opts := options.FindOne().SetProjection(bson.D{{Key: "password_hash", Value: 1}})
	doc, err := decodeUser(d.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}, opts))
	if err != nil {
		return false, err
	}
	return doc.PasswordHash != "", nil
}

var _ domain.UserDirectory = (*UserDirectory)(nil)
