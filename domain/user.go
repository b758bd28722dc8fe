package domain

import (
	"context"
	"time"
)

// User is the slice of the application's user record this subsystem reads.
type User struct {
	ID          string    `bson:"_id"                    json:"id"`
	Email       string    `bson:"email,omitempty"        json:"email,omitempty"`
	DisplayName string    `bson:"display_name,omitempty" json:"display_name,omitempty"`
	CreatedAt   time.Time `bson:"created_at"             json:"created_at"`
}

// NewUser carries the profile hints used when a first login creates an account.
type NewUser struct {
	Email       string
	DisplayName string
}

// UserDirectory is the application's user store as seen from the link subsystem.
//
//go:generate go run go.uber.org/mock/mockgen -source=$GOFILE -destination=mock/mock_$GOFILE -package=mock_$GOPACKAGE UserDirectory
type UserDirectory interface {
	// CreateUser creates a user and returns its id.
	CreateUser(ctx context.Context, user NewUser) (string, error)
	// GetUser returns ErrUserNotFound when the id is unknown.
	GetUser(ctx context.Context, id string) (*User, error)
	// HasPasswordCredential reports whether the user can sign in without OAuth.
	HasPasswordCredential(ctx context.Context, id string) (bool, error)
}
