package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

var (
	mu             sync.Mutex
	clientInstance *mongo.Client
	dbInstance     *mongo.Database
)

// InitMongoDB connects the shared client and selects dbName.
// It should be called once at application startup; later calls are no-ops.
// Unlink runs in a transaction, so the deployment must be a replica set.
func InitMongoDB(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	mu.Lock()
	defer mu.Unlock()

	if dbInstance != nil {
		return dbInstance, nil
	}

	log.Info().Str("database", dbName).Msg("Initializing MongoDB client")

	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	clientInstance = client
	dbInstance = client.Database(dbName)
	log.Info().Msg("MongoDB client initialized successfully.")

	return dbInstance, nil
}

// Ping sends a ping to the MongoDB server using the shared client.
// This is useful for health checks.
func Ping(ctx context.Context) error {
	mu.Lock()
	client := clientInstance
	mu.Unlock()

	if client == nil {
		return errors.New("MongoDB client is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(pingCtx, readpref.Primary())
}

// CloseMongoDB disconnects the shared client.
// It should be called on application shutdown.
func CloseMongoDB(ctx context.Context) {
	mu.Lock()
	defer mu.Unlock()

	if clientInstance == nil {
		return
	}
	log.Info().Msg("Closing MongoDB connection.")
	if err := clientInstance.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("Error closing MongoDB connection")
	}
	clientInstance = nil
	dbInstance = nil
}
