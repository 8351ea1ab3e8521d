package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nutriq/internal/constants"
	"nutriq/pkg/metrics"
)

// RedisStore adapts one redis connection to the access pattern the broker
// needs: queues are lists of envelope ids, envelope bodies live under
// msg:<id> with a TTL, and RPOP is the atomic at-most-once handoff.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisStore(client redis.UniversalClient, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = constants.DefaultStoreTimeout
	}
	return &RedisStore{client: client, timeout: timeout}
}

func messageKey(id string) string {
	return constants.MessageKeyPrefix + id
}

func queueKey(queue string) string {
	return constants.QueueKeyPrefix + queue
}

func dlqKey(queue string) string {
	return queueKey(queue + constants.DeadLetterSuffix)
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// PutAndPush stores the envelope and lists its id in one pipeline, so the
// queue entry and its body land on the same node together.
func (s *RedisStore) PutAndPush(ctx context.Context, env *Envelope, ttl time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	pipe := s.client.TxPipeline()
	pipe.Set(opCtx, messageKey(env.ID), body, ttl)
	pipe.LPush(opCtx, queueKey(env.QueueName), env.ID)
	_, err = pipe.Exec(opCtx)
	metrics.ObserveStoreOperation("put_and_push", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis pipeline SET+LPUSH failed: %w", err)
	}
	return nil
}

// PopID atomically takes one message id off the queue. Returns "" when the
// queue is empty.
func (s *RedisStore) PopID(ctx context.Context, queue string) (string, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	id, err := s.client.RPop(opCtx, queueKey(queue)).Result()
	if err == redis.Nil {
		metrics.ObserveStoreOperation("pop", time.Since(start), nil)
		return "", nil
	}
	metrics.ObserveStoreOperation("pop", time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("redis RPOP failed: %w", err)
	}
	return id, nil
}

// PopDeadLetterID takes one message id off the queue's DLQ list. Returns
// "" when the DLQ is empty.
func (s *RedisStore) PopDeadLetterID(ctx context.Context, queue string) (string, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	id, err := s.client.RPop(opCtx, dlqKey(queue)).Result()
	if err == redis.Nil {
		metrics.ObserveStoreOperation("pop_dead_letter", time.Since(start), nil)
		return "", nil
	}
	metrics.ObserveStoreOperation("pop_dead_letter", time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("redis RPOP (dlq) failed: %w", err)
	}
	return id, nil
}

func (s *RedisStore) PushID(ctx context.Context, queue, id string) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := s.client.LPush(opCtx, queueKey(queue), id).Err()
	metrics.ObserveStoreOperation("push", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis LPUSH failed: %w", err)
	}
	return nil
}

func (s *RedisStore) PutEnvelope(ctx context.Context, env *Envelope, ttl time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err = s.client.Set(opCtx, messageKey(env.ID), body, ttl).Err()
	metrics.ObserveStoreOperation("put", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

// GetEnvelope resolves an envelope body. Returns (nil, nil) when the key
// is missing, which happens when the TTL outran delivery.
func (s *RedisStore) GetEnvelope(ctx context.Context, id string) (*Envelope, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	body, err := s.client.Get(opCtx, messageKey(id)).Bytes()
	if err == redis.Nil {
		metrics.ObserveStoreOperation("get", time.Since(start), nil)
		return nil, nil
	}
	metrics.ObserveStoreOperation("get", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope %s: %w", id, err)
	}
	return &env, nil
}

func (s *RedisStore) DeleteEnvelope(ctx context.Context, id string) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := s.client.Del(opCtx, messageKey(id)).Err()
	metrics.ObserveStoreOperation("delete", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (s *RedisStore) QueueLength(ctx context.Context, queue string) (int64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	length, err := s.client.LLen(opCtx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN failed: %w", err)
	}
	return length, nil
}

func (s *RedisStore) DeadLetterLength(ctx context.Context, queue string) (int64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	length, err := s.client.LLen(opCtx, dlqKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN failed: %w", err)
	}
	return length, nil
}

// MoveToDeadLetter persists the annotated envelope without expiry and
// lists its id on the DLQ, in one pipeline.
func (s *RedisStore) MoveToDeadLetter(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	pipe := s.client.TxPipeline()
	pipe.Set(opCtx, messageKey(env.ID), body, 0)
	pipe.LPush(opCtx, dlqKey(env.QueueName), env.ID)
	_, err = pipe.Exec(opCtx)
	metrics.ObserveStoreOperation("dead_letter", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis pipeline SET+LPUSH (dlq) failed: %w", err)
	}
	return nil
}

func (s *RedisStore) DeadLetterIDs(ctx context.Context, queue string, limit int64) ([]string, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = constants.DefaultDLQListLimit
	}
	ids, err := s.client.LRange(opCtx, dlqKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE failed: %w", err)
	}
	return ids, nil
}

// HasDeadLetter reports whether the id sits in this node's DLQ list.
func (s *RedisStore) HasDeadLetter(ctx context.Context, queue, id string) (bool, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.LPos(opCtx, dlqKey(queue), id, redis.LPosArgs{}).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis LPOS failed: %w", err)
	}
	return true, nil
}

// RemoveDeadLetter drops the id from the DLQ list and deletes the body.
func (s *RedisStore) RemoveDeadLetter(ctx context.Context, queue, id string) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	pipe := s.client.TxPipeline()
	pipe.LRem(opCtx, dlqKey(queue), 1, id)
	pipe.Del(opCtx, messageKey(id))
	_, err := pipe.Exec(opCtx)
	metrics.ObserveStoreOperation("remove_dead_letter", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis pipeline LREM+DEL failed: %w", err)
	}
	return nil
}

// Purge deletes the queue's live and DLQ lists. Envelope bodies are left
// to expire via their TTLs.
func (s *RedisStore) Purge(ctx context.Context, queue string) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := s.client.Del(opCtx, queueKey(queue), dlqKey(queue)).Err()
	metrics.ObserveStoreOperation("purge", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
