package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"nutriq/internal/config"
	"nutriq/internal/constants"
	"nutriq/internal/logger"
	"nutriq/pkg/errors"
	"nutriq/pkg/logging"
	"nutriq/pkg/metrics"
	"nutriq/pkg/retry"
)

// RetryManager decides what happens to a message whose handler failed:
// re-queue with exponential backoff while attempts remain, dead-letter
// once they are exhausted. It also replays dead letters on request.
type RetryManager struct {
	store   BrokerStore
	archive DeadLetterArchive
	cfg     config.RetryConfig
	log     logger.Logger
	sink    metrics.Sink

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func NewRetryManager(store BrokerStore, archive DeadLetterArchive, cfg config.RetryConfig, log logger.Logger, sink metrics.Sink) *RetryManager {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if sink == nil {
		sink = metrics.NopSink()
	}
	return &RetryManager{
		store:   store,
		archive: archive,
		cfg:     cfg,
		log:     log,
		sink:    sink,
		done:    make(chan struct{}),
	}
}

// Disposition reports what HandleFailure did with a failed delivery.
type Disposition int

const (
	DispositionRetried Disposition = iota
	DispositionDeadLettered
)

// HandleFailure is called with the delivery whose handler returned
// handlerErr. The envelope's retry counter is advanced here, so the count
// stored with the message always reflects attempts already consumed.
func (rm *RetryManager) HandleFailure(ctx context.Context, d *Delivery, handlerErr error) (Disposition, error) {
	env := d.Env

	if env.RetryCount >= env.MaxRetries {
		return DispositionDeadLettered, rm.deadLetter(ctx, d, handlerErr, "retries_exhausted")
	}

	env.RetryCount++
	delay := retry.DelayForAttempt(env.RetryCount-1, rm.cfg.InitialInterval, rm.cfg.Multiplier, rm.cfg.MaxInterval)

	rm.log.WarnwCtx(logging.WithMessageID(ctx, env.ID), "Handler failed, scheduling retry",
		"queue", env.QueueName,
		"retry_count", env.RetryCount,
		"max_retries", env.MaxRetries,
		"delay", delay,
		"error", handlerErr,
	)
	metrics.MessagesRetriedTotal.WithLabelValues(env.QueueName).Inc()
	rm.sink.Record("queue.message.retried", 1, map[string]string{
		"queue":   env.QueueName,
		"attempt": strconv.Itoa(env.RetryCount),
	})

	rm.wg.Add(1)
	go rm.requeueAfter(d, delay)
	return DispositionRetried, nil
}

// DeadLetterNow moves a failed delivery straight to the dead-letter queue,
// bypassing the retry schedule. Subscriptions with retries disabled use it
// so a terminal failure is still kept.
func (rm *RetryManager) DeadLetterNow(ctx context.Context, d *Delivery, handlerErr error) error {
	return rm.deadLetter(ctx, d, handlerErr, "retries_disabled")
}

// requeueAfter waits out the backoff delay, then puts the message back on
// its queue. Runs detached from the consumer's context so an unsubscribe
// cannot lose a pending retry. A requeue that keeps failing is dead-lettered
// rather than dropped.
func (rm *RetryManager) requeueAfter(d *Delivery, delay time.Duration) {
	defer rm.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-rm.done:
		// Shutdown flushes the retry immediately rather than dropping it.
	case <-timer.C:
	}

	policy := retry.Policy{
		MaxAttempts:     constants.StoreRetryAttempts,
		InitialInterval: rm.cfg.InitialInterval,
		MaxInterval:     rm.cfg.MaxInterval,
		Multiplier:      rm.cfg.Multiplier,
	}
	err := retry.Do(context.Background(), policy, func() error {
		opCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultStoreTimeout)
		defer cancel()
		return rm.store.Requeue(opCtx, d)
	})
	if err == nil {
		return
	}

	rm.log.Errorw("Failed to re-queue message for retry",
		"message_id", d.Env.ID,
		"queue", d.Env.QueueName,
		"retry_count", d.Env.RetryCount,
		"error", err,
	)

	dlCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultStoreTimeout)
	defer cancel()
	if dlErr := rm.deadLetter(dlCtx, d, err, "requeue_failed"); dlErr != nil {
		rm.log.Errorw("Failed to dead-letter unrequeueable message",
			"message_id", d.Env.ID,
			"queue", d.Env.QueueName,
			"error", dlErr,
		)
	}
}

func (rm *RetryManager) deadLetter(ctx context.Context, d *Delivery, handlerErr error, reason string) error {
	env := d.Env
	env.OriginalQueue = env.QueueName
	env.FailedAt = time.Now().UTC()
	if handlerErr != nil {
		env.FailureReason = handlerErr.Error()
		env.FailureStack = errors.StackTrace(handlerErr)
	}

	if err := rm.store.DeadLetter(ctx, d); err != nil {
		return err
	}

	rm.log.ErrorwCtx(logging.WithMessageID(ctx, env.ID), "Message moved to dead-letter queue",
		"queue", env.QueueName,
		"retry_count", env.RetryCount,
		"dead_letter_reason", reason,
		"failure_reason", env.FailureReason,
	)
	metrics.MessagesDeadLetteredTotal.WithLabelValues(env.QueueName, reason).Inc()
	rm.sink.Record("queue.message.dead_lettered", 1, map[string]string{
		"queue":  env.QueueName,
		"reason": reason,
	})

	if rm.archive != nil {
		if err := rm.archive.Append(ctx, env); err != nil {
			rm.log.Warnw("Failed to archive dead letter",
				"message_id", env.ID,
				"queue", env.QueueName,
				"error", err,
			)
		}
	}
	return nil
}

// Replay moves a dead-lettered message back onto its original queue with a
// reset retry budget. The DLQ entry is removed only after the re-publish
// succeeded.
func (rm *RetryManager) Replay(ctx context.Context, queue, messageID string) error {
	d, err := rm.store.TakeDeadLetter(ctx, queue, messageID)
	if err != nil {
		return err
	}
	if d == nil {
		return errors.ErrMessageNotFound.WithDetail("message_id", messageID).WithDetail("queue", queue)
	}

	env := d.Env
	target := env.OriginalQueue
	if target == "" {
		target = env.QueueName
	}

	// A fresh id keeps the replayed copy independent of the DLQ entry;
	// removing the entry below deletes the old body only.
	replayed := *env
	replayed.ID = uuid.NewString()
	replayed.QueueName = target
	replayed.RetryCount = 0
	replayed.OriginalQueue = ""
	replayed.FailedAt = time.Time{}
	replayed.FailureReason = ""
	replayed.FailureStack = ""

	ttl := time.Duration(0)
	if !replayed.ExpiresAt.IsZero() {
		ttl = time.Until(replayed.ExpiresAt)
		if ttl <= 0 {
			ttl = constants.DefaultTTL
			replayed.ExpiresAt = time.Now().Add(ttl)
		}
	}

	if err := rm.store.Publish(ctx, &replayed, ttl); err != nil {
		return err
	}
	if err := rm.store.RemoveDeadLetter(ctx, d); err != nil {
		rm.log.Warnw("Replayed message left behind on dead-letter queue",
			"message_id", messageID,
			"queue", queue,
			"error", err,
		)
	}

	rm.log.InfowCtx(logging.WithMessageID(ctx, messageID), "Dead letter replayed",
		"queue", target,
		"replayed_as", replayed.ID,
	)
	metrics.DeadLettersReplayedTotal.WithLabelValues(target).Inc()
	rm.sink.Record("queue.dead_letter.replayed", 1, map[string]string{"queue": target})
	return nil
}

// Close waits for pending retry timers to flush their re-queues.
func (rm *RetryManager) Close() {
	rm.once.Do(func() { close(rm.done) })
	rm.wg.Wait()
}
