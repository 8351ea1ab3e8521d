package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nutriq/internal/config"
	"nutriq/internal/constants"
	"nutriq/internal/logger"
	"nutriq/pkg/errors"
	"nutriq/pkg/logging"
	"nutriq/pkg/metrics"
)

const maxQueueNameLength = 128

// queueRegistrar is implemented by stores that need to know which queues
// exist, so node migration can find every list to drain.
type queueRegistrar interface {
	RegisterQueue(name string)
}

type queueCounters struct {
	published    atomic.Int64
	consumed     atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

type queueState struct {
	cfg       QueueConfig
	createdAt time.Time
	counters  queueCounters

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// Service is the broker facade: queue lifecycle, publish, subscriptions,
// stats, and dead-letter operations, all backed by a BrokerStore.
type Service struct {
	store   BrokerStore
	retries *RetryManager
	cfg     config.QueueConfig
	log     logger.Logger
	sink    metrics.Sink

	mu     sync.RWMutex
	queues map[string]*queueState
	closed bool

	// subCtx is the parent of every subscription's polling loop.
	subCtx    context.Context
	subCancel context.CancelFunc
}

func NewService(store BrokerStore, retries *RetryManager, cfg config.QueueConfig, log logger.Logger, sink metrics.Sink) *Service {
	if sink == nil {
		sink = metrics.NopSink()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		retries:   retries,
		cfg:       cfg,
		log:       log,
		sink:      sink,
		queues:    make(map[string]*queueState),
		subCtx:    ctx,
		subCancel: cancel,
	}
}

func validateQueueName(name string) error {
	if name == "" {
		return errors.ErrValidation.WithDetail("field", "queue").WithDetail("reason", "name is required")
	}
	if len(name) > maxQueueNameLength {
		return errors.ErrValidation.WithDetail("field", "queue").WithDetail("reason", "name too long")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return errors.ErrValidation.
				WithDetail("field", "queue").
				WithDetail("reason", "name may only contain letters, digits, '-', '_' and '.'")
		}
	}
	return nil
}

func (s *Service) defaultQueueConfig() QueueConfig {
	cfg := QueueConfig{
		DefaultTTL:    constants.DefaultTTL,
		RetryAttempts: constants.DefaultRetryAttempts,
		BatchSize:     constants.DefaultBatchSize,
	}
	if s.cfg.DefaultTTLSeconds > 0 {
		cfg.DefaultTTL = time.Duration(s.cfg.DefaultTTLSeconds) * time.Second
	}
	if s.cfg.DefaultRetryAttempts >= 0 {
		cfg.RetryAttempts = s.cfg.DefaultRetryAttempts
	}
	if s.cfg.DefaultBatchSize > 0 {
		cfg.BatchSize = s.cfg.DefaultBatchSize
	}
	return cfg
}

// CreateQueue registers a queue. Passing nil for qcfg applies the service
// defaults.
func (s *Service) CreateQueue(ctx context.Context, name string, qcfg *QueueConfig) error {
	if err := validateQueueName(name); err != nil {
		return err
	}

	cfg := s.defaultQueueConfig()
	if qcfg != nil {
		if qcfg.DefaultTTL > 0 {
			cfg.DefaultTTL = qcfg.DefaultTTL
		}
		if qcfg.RetryAttempts >= 0 {
			cfg.RetryAttempts = qcfg.RetryAttempts
		}
		if qcfg.BatchSize > 0 {
			cfg.BatchSize = qcfg.BatchSize
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrShuttingDown
	}
	if _, exists := s.queues[name]; exists {
		return errors.ErrQueueExists.WithDetail("queue", name)
	}
	s.queues[name] = &queueState{
		cfg:       cfg,
		createdAt: time.Now().UTC(),
		subs:      make(map[string]*Subscription),
	}
	if registrar, ok := s.store.(queueRegistrar); ok {
		registrar.RegisterQueue(name)
	}

	s.log.InfowCtx(logging.WithQueue(ctx, name), "Queue created",
		"default_ttl", cfg.DefaultTTL,
		"retry_attempts", cfg.RetryAttempts,
	)
	return nil
}

// DeleteQueue stops the queue's subscriptions and purges its contents,
// dead letters included.
func (s *Service) DeleteQueue(ctx context.Context, name string) error {
	s.mu.Lock()
	state, exists := s.queues[name]
	if !exists {
		s.mu.Unlock()
		return errors.ErrQueueNotFound.WithDetail("queue", name)
	}
	delete(s.queues, name)
	s.mu.Unlock()

	state.mu.Lock()
	subs := make([]*Subscription, 0, len(state.subs))
	for _, sub := range state.subs {
		subs = append(subs, sub)
	}
	state.subs = make(map[string]*Subscription)
	state.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
		metrics.ActiveSubscriptions.WithLabelValues(name).Dec()
	}

	if err := s.store.Purge(ctx, name); err != nil {
		return err
	}
	metrics.QueueDepth.DeleteLabelValues(name)

	s.log.InfowCtx(logging.WithQueue(ctx, name), "Queue deleted",
		"subscriptions_stopped", len(subs),
	)
	return nil
}

func (s *Service) queueState(name string) (*queueState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrShuttingDown
	}
	state, exists := s.queues[name]
	if !exists {
		return nil, errors.ErrQueueNotFound.WithDetail("queue", name)
	}
	return state, nil
}

// Publish enqueues a payload and returns the stored envelope.
func (s *Service) Publish(ctx context.Context, queue string, payload json.RawMessage, opts *PublishOptions) (*Envelope, error) {
	state, err := s.queueState(queue)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.ErrValidation.WithDetail("field", "payload").WithDetail("reason", "payload is required")
	}

	ttl := state.cfg.DefaultTTL
	maxRetries := state.cfg.RetryAttempts
	env := &Envelope{
		ID:          uuid.NewString(),
		QueueName:   queue,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
		MaxRetries:  maxRetries,
	}
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		if opts.MaxRetries != nil {
			if *opts.MaxRetries < 0 {
				return nil, errors.ErrValidation.
					WithDetail("field", "max_retries").
					WithDetail("reason", "must be zero or positive")
			}
			env.MaxRetries = *opts.MaxRetries
		}
		env.Priority = opts.Priority
		env.CorrelationID = opts.CorrelationID
		env.ReplyTo = opts.ReplyTo
		env.Headers = opts.Headers
	}
	env.ExpiresAt = env.PublishedAt.Add(ttl)

	if err := s.store.Publish(ctx, env, ttl); err != nil {
		return nil, err
	}

	state.counters.published.Add(1)
	metrics.MessagesPublishedTotal.WithLabelValues(queue).Inc()
	s.sink.Record("queue.message.published", 1, map[string]string{"queue": queue})

	s.log.DebugwCtx(logging.WithMessageID(logging.WithQueue(ctx, queue), env.ID), "Message published",
		"ttl", ttl,
		"max_retries", env.MaxRetries,
	)
	return env, nil
}

// Subscribe attaches a handler to the queue and starts its polling loop.
// Handlers must tolerate redelivery; see Handler.
func (s *Service) Subscribe(ctx context.Context, queue string, handler Handler, opts *SubscribeOptions) (*Subscription, error) {
	if handler == nil {
		return nil, errors.ErrValidation.WithDetail("field", "handler").WithDetail("reason", "handler is required")
	}
	state, err := s.queueState(queue)
	if err != nil {
		return nil, err
	}

	batchSize, autoAck, retryOnFailure := resolveSubscribeOptions(opts)
	if opts == nil || opts.BatchSize <= 0 {
		batchSize = state.cfg.BatchSize
	}

	pollInterval := constants.DefaultPollInterval
	if s.cfg.PollInterval > 0 {
		pollInterval = s.cfg.PollInterval
	}

	sub := &Subscription{
		ID:             uuid.NewString(),
		Queue:          queue,
		CreatedAt:      time.Now().UTC(),
		handler:        handler,
		batchSize:      batchSize,
		autoAck:        autoAck,
		retryOnFailure: retryOnFailure,
		store:          s.store,
		retries:        s.retries,
		counters:       &state.counters,
		pollInterval:   pollInterval,
		log:            s.log,
		sink:           s.sink,
	}

	state.mu.Lock()
	state.subs[sub.ID] = sub
	state.mu.Unlock()

	sub.start(s.subCtx)
	metrics.ActiveSubscriptions.WithLabelValues(queue).Inc()
	s.log.InfowCtx(logging.WithSubscriptionID(logging.WithQueue(ctx, queue), sub.ID), "Subscription created")
	return sub, nil
}

// Unsubscribe stops the subscription's polling loop and detaches it.
func (s *Service) Unsubscribe(ctx context.Context, queue, subscriptionID string) error {
	state, err := s.queueState(queue)
	if err != nil {
		return err
	}

	state.mu.Lock()
	sub, exists := state.subs[subscriptionID]
	if exists {
		delete(state.subs, subscriptionID)
	}
	state.mu.Unlock()

	if !exists {
		return errors.ErrSubscriptionNotFound.
			WithDetail("queue", queue).
			WithDetail("subscription_id", subscriptionID)
	}

	sub.Stop()
	metrics.ActiveSubscriptions.WithLabelValues(queue).Dec()
	s.log.InfowCtx(logging.WithSubscriptionID(logging.WithQueue(ctx, queue), subscriptionID), "Subscription removed")
	return nil
}

// Subscriptions lists the queue's active subscriptions.
func (s *Service) Subscriptions(queue string) ([]SubscriptionInfo, error) {
	state, err := s.queueState(queue)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	defer state.mu.RUnlock()
	infos := make([]SubscriptionInfo, 0, len(state.subs))
	for _, sub := range state.subs {
		infos = append(infos, sub.Info())
	}
	return infos, nil
}

// Queues lists known queue names.
func (s *Service) Queues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	return names
}

// Stats reports current depth plus lifetime counters for one queue.
func (s *Service) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	state, err := s.queueState(queue)
	if err != nil {
		return nil, err
	}

	depth, err := s.store.QueueDepth(ctx, queue)
	if err != nil {
		return nil, err
	}
	dlqDepth, err := s.store.DeadLetterDepth(ctx, queue)
	if err != nil {
		return nil, err
	}
	metrics.SetQueueDepth(queue, depth)

	state.mu.RLock()
	subscriberCount := len(state.subs)
	state.mu.RUnlock()

	return &QueueStats{
		Queue:           queue,
		Depth:           depth,
		SubscriberCount: subscriberCount,
		PublishedTotal:  state.counters.published.Load(),
		ConsumedTotal:   state.counters.consumed.Load(),
		FailedTotal:     state.counters.failed.Load(),
		RetriedTotal:    state.counters.retried.Load(),
		DeadLetterTotal: state.counters.deadLettered.Load(),
		DeadLetterDepth: dlqDepth,
	}, nil
}

// StatsAll reports Stats for every known queue, sorted by name.
func (s *Service) StatsAll(ctx context.Context) ([]*QueueStats, error) {
	names := s.Queues()
	sort.Strings(names)

	stats := make([]*QueueStats, 0, len(names))
	for _, name := range names {
		st, err := s.Stats(ctx, name)
		if err != nil {
			if errors.Is(err, errors.ErrQueueNotFound) {
				continue
			}
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// DeadLetters lists up to limit dead-lettered envelopes for the queue.
func (s *Service) DeadLetters(ctx context.Context, queue string, limit int64) ([]*Envelope, error) {
	if _, err := s.queueState(queue); err != nil {
		return nil, err
	}
	return s.store.DeadLetters(ctx, queue, limit)
}

// ReplayDeadLetter moves one dead-lettered message back onto its original
// queue with a fresh retry budget.
func (s *Service) ReplayDeadLetter(ctx context.Context, queue, messageID string) error {
	if _, err := s.queueState(queue); err != nil {
		return err
	}
	return s.retries.Replay(ctx, queue, messageID)
}

// ReplayDeadLetters replays the listed dead letters, or every dead letter
// on the queue when ids is empty, and reports how many were replayed.
// Entries that disappear mid-replay are skipped, not errors.
func (s *Service) ReplayDeadLetters(ctx context.Context, queue string, ids []string) (int, error) {
	if _, err := s.queueState(queue); err != nil {
		return 0, err
	}

	count := 0
	if len(ids) > 0 {
		for _, id := range ids {
			if err := s.retries.Replay(ctx, queue, id); err != nil {
				if errors.Is(err, errors.ErrMessageNotFound) {
					continue
				}
				return count, err
			}
			count++
		}
		return count, nil
	}

	for {
		envelopes, err := s.store.DeadLetters(ctx, queue, constants.DefaultDLQListLimit)
		if err != nil {
			return count, err
		}
		if len(envelopes) == 0 {
			return count, nil
		}
		replayedThisPass := 0
		for _, env := range envelopes {
			if err := s.retries.Replay(ctx, queue, env.ID); err != nil {
				if errors.Is(err, errors.ErrMessageNotFound) {
					continue
				}
				return count, err
			}
			count++
			replayedThisPass++
		}
		if replayedThisPass == 0 {
			return count, nil
		}
	}
}

// Health reports broker health from the backing store's perspective.
func (s *Service) Health(ctx context.Context) HealthStatus {
	if err := s.store.Ping(ctx); err != nil {
		return HealthStatus{Status: "unhealthy", Reason: err.Error()}
	}
	return HealthStatus{Status: "healthy"}
}

// Check implements health.Checker.
func (s *Service) Check(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Name() string {
	return "broker"
}

// Close stops all subscriptions, flushes pending retries, and refuses
// further operations.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	states := make([]*queueState, 0, len(s.queues))
	for _, state := range s.queues {
		states = append(states, state)
	}
	s.mu.Unlock()

	s.subCancel()
	for _, state := range states {
		state.mu.Lock()
		for _, sub := range state.subs {
			sub.Stop()
		}
		state.subs = make(map[string]*Subscription)
		state.mu.Unlock()
	}

	s.retries.Close()
	s.log.Infow("Broker service closed")
}
