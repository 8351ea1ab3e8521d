package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is the stored unit of a queued message. It is JSON-encoded under
// msg:<id> in the backing store; queue membership is a list of ids. While a
// message sits in an active queue, RetryCount never exceeds MaxRetries;
// once retries are exhausted the envelope moves to the queue's DLQ with the
// failure annotations filled in and never re-enters the live queue.
type Envelope struct {
	ID            string            `json:"id"`
	QueueName     string            `json:"queue_name"`
	Payload       json.RawMessage   `json:"payload"`
	PublishedAt   time.Time         `json:"published_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`

	// Dead-letter annotations, set when the envelope is moved to the DLQ.
	OriginalQueue string    `json:"original_queue,omitempty"`
	FailedAt      time.Time `json:"failed_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	FailureStack  string    `json:"failure_stack,omitempty"`
}

func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Handler consumes one message. A nil return acknowledges; an error hands
// the message to the retry manager. Delivery is at-least-once: a handler
// may see the same message twice if the process dies between a successful
// return and the acknowledge, so handlers must be idempotent.
type Handler func(ctx context.Context, env *Envelope) error

// QueueConfig is the per-queue default applied to every publish unless the
// publish options override it.
type QueueConfig struct {
	DefaultTTL    time.Duration `json:"default_ttl"`
	RetryAttempts int           `json:"retry_attempts"`
	BatchSize     int           `json:"batch_size"`
}

type PublishOptions struct {
	TTL           time.Duration
	MaxRetries    *int
	Priority      int
	CorrelationID string
	ReplyTo       string
	Headers       map[string]string
}

type SubscribeOptions struct {
	BatchSize      int
	AutoAck        *bool
	RetryOnFailure *bool
}

type QueueStats struct {
	Queue           string `json:"queue"`
	Depth           int64  `json:"depth"`
	SubscriberCount int    `json:"subscriber_count"`
	PublishedTotal  int64  `json:"published_total"`
	ConsumedTotal   int64  `json:"consumed_total"`
	FailedTotal     int64  `json:"failed_total"`
	RetriedTotal    int64  `json:"retried_total"`
	DeadLetterTotal int64  `json:"dead_letter_total"`
	DeadLetterDepth int64  `json:"dead_letter_depth"`
}

type HealthStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
