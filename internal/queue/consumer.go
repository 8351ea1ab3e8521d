package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"nutriq/internal/constants"
	"nutriq/internal/logger"
	"nutriq/pkg/errors"
	"nutriq/pkg/logging"
	"nutriq/pkg/metrics"
	"nutriq/pkg/tracing"
)

// Subscription is one consumer attached to a queue. Its polling loop runs
// until Stop is called or the owning service shuts down.
type Subscription struct {
	ID        string
	Queue     string
	CreatedAt time.Time

	handler        Handler
	batchSize      int
	autoAck        bool
	retryOnFailure bool

	store        BrokerStore
	retries      *RetryManager
	counters     *queueCounters
	pollInterval time.Duration
	log          logger.Logger
	sink         metrics.Sink

	cancel context.CancelFunc
	done   chan struct{}
}

// SubscriptionInfo is the externally visible view of a subscription.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	BatchSize int       `json:"batch_size"`
	AutoAck   bool      `json:"auto_ack"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Subscription) Info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:        s.ID,
		Queue:     s.Queue,
		BatchSize: s.batchSize,
		AutoAck:   s.autoAck,
		CreatedAt: s.CreatedAt,
	}
}

// start launches the polling loop. The parent context bounds the whole
// subscription lifetime.
func (s *Subscription) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
}

// Stop cancels the polling loop and waits for the in-flight batch to
// finish.
func (s *Subscription) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	ctx = logging.WithSubscriptionID(logging.WithQueue(ctx, s.Queue), s.ID)
	s.log.InfowCtx(ctx, "Subscription started",
		"batch_size", s.batchSize,
		"auto_ack", s.autoAck,
	)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.InfowCtx(ctx, "Subscription stopped")
			return
		case <-ticker.C:
			s.drainBatch(ctx)
		}
	}
}

// drainBatch pops and processes up to batchSize messages, stopping early
// when the queue runs dry.
func (s *Subscription) drainBatch(ctx context.Context) {
	for i := 0; i < s.batchSize; i++ {
		if ctx.Err() != nil {
			return
		}

		d, err := s.store.Pop(ctx, s.Queue)
		if err != nil {
			if ctx.Err() == nil {
				s.log.WarnwCtx(ctx, "Failed to poll queue", "error", err)
			}
			return
		}
		if d == nil {
			return
		}
		s.consume(ctx, d)
	}
}

func (s *Subscription) consume(ctx context.Context, d *Delivery) {
	env := d.Env
	msgCtx := logging.WithMessageID(logging.WithNodeID(ctx, d.NodeID()), env.ID)
	msgCtx, span := tracing.StartConsumeSpan(msgCtx, s.Queue, env.ID)
	defer span.End()

	start := time.Now()
	err := s.invoke(msgCtx, env)
	duration := time.Since(start)

	if err == nil {
		s.counters.consumed.Add(1)
		metrics.MessagesConsumedTotal.WithLabelValues(s.Queue, "ok").Inc()
		metrics.ObserveHandlerDuration(s.Queue, "ok", duration)
		s.sink.Record("queue.message.consumed", 1, map[string]string{"queue": s.Queue, "status": "ok"})

		if s.autoAck {
			if err := s.store.Ack(msgCtx, d); err != nil {
				s.log.WarnwCtx(msgCtx, "Failed to ack message", "error", err)
			}
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.counters.failed.Add(1)
	metrics.MessagesConsumedTotal.WithLabelValues(s.Queue, "error").Inc()
	metrics.ObserveHandlerDuration(s.Queue, "error", duration)
	s.sink.Record("queue.message.consumed", 1, map[string]string{"queue": s.Queue, "status": "error"})

	if !s.retryOnFailure {
		s.log.WarnwCtx(msgCtx, "Handler failed with retries disabled, dead-lettering message",
			"error", err,
		)
		if dlErr := s.retries.DeadLetterNow(msgCtx, d, err); dlErr != nil {
			s.log.ErrorwCtx(msgCtx, "Failed to dead-letter message", "error", dlErr)
			return
		}
		s.counters.deadLettered.Add(1)
		return
	}

	disposition, retryErr := s.retries.HandleFailure(msgCtx, d, err)
	if retryErr != nil {
		s.log.ErrorwCtx(msgCtx, "Failed to apply retry policy", "error", retryErr)
		return
	}
	switch disposition {
	case DispositionRetried:
		s.counters.retried.Add(1)
	case DispositionDeadLettered:
		s.counters.deadLettered.Add(1)
	}
}

// invoke runs the handler with panic containment so one bad message cannot
// take the polling loop down.
func (s *Subscription) invoke(ctx context.Context, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
			s.log.ErrorwCtx(ctx, "Handler panicked",
				"error", err,
			)
		}
	}()
	return s.handler(ctx, env)
}

func resolveSubscribeOptions(opts *SubscribeOptions) (batchSize int, autoAck, retryOnFailure bool) {
	batchSize = constants.DefaultBatchSize
	autoAck = true
	retryOnFailure = true
	if opts == nil {
		return
	}
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}
	if opts.AutoAck != nil {
		autoAck = *opts.AutoAck
	}
	if opts.RetryOnFailure != nil {
		retryOnFailure = *opts.RetryOnFailure
	}
	return
}
