package constants

import "time"

const (
	// Key layout in the backing store. Envelope bodies live under
	// msg:<id>; queue and DLQ membership are lists of envelope ids.
	MessageKeyPrefix = "msg:"
	QueueKeyPrefix   = "queue:"
	DeadLetterSuffix = "_dlq"
)

const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultBatchSize     = 10
	DefaultTTL           = time.Hour
	DefaultRetryAttempts = 3
)

const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultPingTimeout  = 2 * time.Second

	// StoreRetryAttempts bounds in-line retries of store operations that
	// must not lose a message, such as the scheduled re-queue.
	StoreRetryAttempts = 3
)

const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultScalingInterval     = 60 * time.Second
	DefaultScalingCooldown     = 5 * time.Minute
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultDLQListLimit = 100
	MaxDLQListLimit     = 1000
)
