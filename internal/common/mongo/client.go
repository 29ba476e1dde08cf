// Package mongo opens the shared MongoDB connection used by the mongo
// outbox repository and its leader elector.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"go.flowcatalyst.tech/router/internal/config"
)

// Pool tuning for a long-lived single-binary deployment.
const (
	maxPoolSize     = 100
	minPoolSize     = 10
	maxConnIdleTime = 5 * time.Minute
	selectTimeout   = 5 * time.Second
	connectTimeout  = 10 * time.Second
)

// Client bundles a connected driver client with its default database.
type Client struct {
	client   *mongo.Client
	database *mongo.Database
}

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, cfg config.MongoDBConfig) (*Client, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(maxPoolSize).
		SetMinPoolSize(minPoolSize).
		SetMaxConnIdleTime(maxConnIdleTime).
		SetServerSelectionTimeout(selectTimeout).
		SetConnectTimeout(connectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, selectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	slog.Info("Connected to MongoDB", "database", cfg.Database)
	return &Client{
		client:   client,
		database: client.Database(cfg.Database),
	}, nil
}

// Database returns the configured default database.
func (c *Client) Database() *mongo.Database {
	return c.database
}

// Collection returns a collection from the default database.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.database.Collection(name)
}

// Ping verifies the connection is still alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Disconnect closes the connection pool.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
