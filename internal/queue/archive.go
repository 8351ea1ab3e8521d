package queue

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"nutriq/internal/config"
	"nutriq/internal/logger"
)

// DeadLetterArchive keeps a durable copy of dead-lettered envelopes
// outside the broker, surviving DLQ trimming and node removal.
type DeadLetterArchive interface {
	Append(ctx context.Context, env *Envelope) error
	Close(ctx context.Context) error
}

// MongoArchive stores one document per dead-lettered message.
type MongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        logger.Logger
}

func NewMongoArchive(ctx context.Context, cfg config.ArchiveConfig, log logger.Logger) (*MongoArchive, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive database: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	log.Infow("Dead-letter archive connected",
		"database", cfg.Database,
		"collection", cfg.Collection,
	)
	return &MongoArchive{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		log:        log,
	}, nil
}

func (a *MongoArchive) Append(ctx context.Context, env *Envelope) error {
	doc := bson.M{
		"message_id":     env.ID,
		"queue_name":     env.QueueName,
		"original_queue": env.OriginalQueue,
		"payload":        []byte(env.Payload),
		"published_at":   env.PublishedAt,
		"failed_at":      env.FailedAt,
		"failure_reason": env.FailureReason,
		"failure_stack":  env.FailureStack,
		"retry_count":    env.RetryCount,
		"max_retries":    env.MaxRetries,
		"correlation_id": env.CorrelationID,
		"headers":        env.Headers,
		"archived_at":    time.Now().UTC(),
	}
	if _, err := a.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to archive dead letter: %w", err)
	}
	return nil
}

func (a *MongoArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
