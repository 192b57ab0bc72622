package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/postsync/postsync/internal/config"
	"github.com/postsync/postsync/pkg/logger"
)

// ConnectMongo opens a connection and returns the client. Credentials are
// applied from cfg, never from the URI. Caller should call client.Disconnect(ctx).
func ConnectMongo(ctx context.Context, cfg config.MongoDBConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		clientOpts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// ConnectMongoRetry retries ConnectMongo with exponential backoff to ride out
// startup races with the database container.
func ConnectMongoRetry(ctx context.Context, cfg config.MongoDBConfig, attempts uint64) (*mongo.Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 0
	var attempt uint64
	return backoff.RetryWithData(func() (*mongo.Client, error) {
		attempt++
		client, err := ConnectMongo(ctx, cfg)
		if err != nil {
			logger.Warnf("attempt %d/%d: failed to connect to MongoDB: %v", attempt, attempts, err)
		}
		return client, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
}
