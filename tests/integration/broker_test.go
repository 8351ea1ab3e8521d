package integration

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriq/internal/cluster"
	"nutriq/internal/config"
	"nutriq/internal/queue"
	"nutriq/pkg/errors"
)

// newTestBroker wires a single-node cluster, routed store, retry manager and
// queue service against the Redis container.
func newTestBroker(t *testing.T, infra *TestInfra) *queue.Service {
	t.Helper()

	log := createTestLogger()
	manager := cluster.NewManager(config.ClusterConfig{
		Nodes: []config.NodeConfig{
			{Address: infra.RedisAddr, Role: "primary"},
		},
		HealthCheckInterval: time.Hour,
		NodeCapacity:        100,
		LoadBalancer:        "round_robin",
	}, config.CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          time.Second,
	}, log)
	t.Cleanup(func() { _ = manager.Close() })

	balancer := cluster.NewBalancer("round_robin", manager)
	store := queue.NewRoutedStore(manager, balancer, 5*time.Second, log)
	retries := queue.NewRetryManager(store, nil, config.RetryConfig{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2.0,
	}, log, nil)
	svc := queue.NewService(store, retries, config.QueueConfig{
		DefaultTTLSeconds:    3600,
		DefaultRetryAttempts: 3,
		DefaultBatchSize:     10,
		PollInterval:         10 * time.Millisecond,
		StoreTimeout:         5 * time.Second,
	}, log, nil)
	t.Cleanup(svc.Close)
	return svc
}

func TestBrokerPublishSubscribeRoundTrip(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newTestBroker(t, infra)
	ctx := context.Background()

	require.NoError(t, svc.CreateQueue(ctx, "orders", nil))

	var consumed atomic.Int64
	_, err := svc.Subscribe(ctx, "orders", func(ctx context.Context, env *queue.Envelope) error {
		consumed.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.Publish(ctx, "orders", json.RawMessage(`{"n":1}`), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return consumed.Load() == 5
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := svc.Stats(ctx, "orders")
		return err == nil && stats.Depth == 0 && stats.ConsumedTotal == 5
	}, 10*time.Second, 20*time.Millisecond)
}

func TestBrokerRetriesThenSucceeds(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newTestBroker(t, infra)
	ctx := context.Background()

	require.NoError(t, svc.CreateQueue(ctx, "flaky", nil))

	var attempts atomic.Int64
	_, err := svc.Subscribe(ctx, "flaky", func(ctx context.Context, env *queue.Envelope) error {
		if attempts.Add(1) < 3 {
			return errors.ErrInternal.WithCause(assert.AnError)
		}
		return nil
	}, nil)
	require.NoError(t, err)

	_, err = svc.Publish(ctx, "flaky", json.RawMessage(`{"n":1}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := svc.Stats(ctx, "flaky")
		return err == nil && stats.ConsumedTotal == 1 && stats.RetriedTotal == 2
	}, 10*time.Second, 20*time.Millisecond)

	stats, err := svc.Stats(ctx, "flaky")
	require.NoError(t, err)
	assert.Zero(t, stats.DeadLetterTotal)
	assert.Zero(t, stats.DeadLetterDepth)
}

func TestBrokerDeadLetterAndReplay(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newTestBroker(t, infra)
	ctx := context.Background()

	zero := 0
	require.NoError(t, svc.CreateQueue(ctx, "payments", nil))

	var attempts atomic.Int64
	sub, err := svc.Subscribe(ctx, "payments", func(ctx context.Context, env *queue.Envelope) error {
		attempts.Add(1)
		return errors.ErrInternal.WithCause(assert.AnError)
	}, nil)
	require.NoError(t, err)

	env, err := svc.Publish(ctx, "payments", json.RawMessage(`{"n":1}`), &queue.PublishOptions{
		MaxRetries: &zero,
	})
	require.NoError(t, err)

	var dead []*queue.Envelope
	require.Eventually(t, func() bool {
		dead, err = svc.DeadLetters(ctx, "payments", 10)
		return err == nil && len(dead) == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, env.ID, dead[0].ID)
	assert.Equal(t, "payments", dead[0].OriginalQueue)
	assert.NotEmpty(t, dead[0].FailureReason)
	assert.Equal(t, int64(1), attempts.Load())

	// Swap in a succeeding handler before replaying.
	require.NoError(t, svc.Unsubscribe(ctx, "payments", sub.ID))
	var replayed atomic.Int64
	_, err = svc.Subscribe(ctx, "payments", func(ctx context.Context, env *queue.Envelope) error {
		replayed.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.ReplayDeadLetter(ctx, "payments", env.ID))

	require.Eventually(t, func() bool {
		return replayed.Load() == 1
	}, 10*time.Second, 20*time.Millisecond)

	dead, err = svc.DeadLetters(ctx, "payments", 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestBrokerStatsAndPurge(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newTestBroker(t, infra)
	ctx := context.Background()

	require.NoError(t, svc.CreateQueue(ctx, "audit", nil))
	for i := 0; i < 3; i++ {
		_, err := svc.Publish(ctx, "audit", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}

	stats, err := svc.Stats(ctx, "audit")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Depth)
	assert.Equal(t, int64(3), stats.PublishedTotal)

	require.NoError(t, svc.DeleteQueue(ctx, "audit"))
	_, err = svc.Stats(ctx, "audit")
	assert.ErrorIs(t, err, errors.ErrQueueNotFound)
}
