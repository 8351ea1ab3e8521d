package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriq/internal/config"
	"nutriq/internal/logger"
	"nutriq/pkg/errors"
)

type fakeArchive struct {
	mu       sync.Mutex
	appended []Envelope
	err      error
}

func (a *fakeArchive) Append(ctx context.Context, env *Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.appended = append(a.appended, *env)
	return nil
}

func (a *fakeArchive) Close(ctx context.Context) error { return nil }

func (a *fakeArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.appended)
}

func testEnvelope(queue string, retryCount, maxRetries int) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		QueueName:   queue,
		Payload:     []byte(`{}`),
		PublishedAt: time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Hour),
		RetryCount:  retryCount,
		MaxRetries:  maxRetries,
	}
}

func TestHandleFailureSchedulesRequeue(t *testing.T) {
	store := newMemStore()
	rm := NewRetryManager(store, nil, testRetryConfig(), logger.NopLogger(), nil)
	defer rm.Close()

	env := testEnvelope("orders", 0, 3)
	d := &Delivery{Env: env}

	disposition, err := rm.HandleFailure(context.Background(), d, assert.AnError)
	require.NoError(t, err)
	assert.Equal(t, DispositionRetried, disposition)
	assert.Equal(t, 1, env.RetryCount)

	require.Eventually(t, func() bool {
		return len(store.queueIDs("orders")) == 1
	}, eventuallyTimeout, 2*time.Millisecond)

	requeued, ok := store.envelope(env.ID)
	require.True(t, ok)
	assert.Equal(t, 1, requeued.RetryCount)
}

// flakyRequeueStore fails the first n Requeue calls before delegating.
type flakyRequeueStore struct {
	*memStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyRequeueStore) Requeue(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.ErrStoreUnavailable
	}
	return s.memStore.Requeue(ctx, d)
}

func (s *flakyRequeueStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestRequeueRetriesTransientStoreFailure(t *testing.T) {
	store := &flakyRequeueStore{memStore: newMemStore(), failures: 1}
	rm := NewRetryManager(store, nil, testRetryConfig(), logger.NopLogger(), nil)
	defer rm.Close()

	env := testEnvelope("orders", 0, 3)
	_, err := rm.HandleFailure(context.Background(), &Delivery{Env: env}, assert.AnError)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(store.queueIDs("orders")) == 1
	}, eventuallyTimeout, 2*time.Millisecond)
	assert.Equal(t, 2, store.attemptCount())
	assert.Empty(t, store.deadLetterIDs("orders"))
}

func TestRequeueExhaustionDeadLetters(t *testing.T) {
	store := &flakyRequeueStore{memStore: newMemStore(), failures: 100}
	rm := NewRetryManager(store, nil, testRetryConfig(), logger.NopLogger(), nil)
	defer rm.Close()

	env := testEnvelope("orders", 0, 3)
	_, err := rm.HandleFailure(context.Background(), &Delivery{Env: env}, assert.AnError)
	require.NoError(t, err)

	// The message lands on the DLQ instead of vanishing once the requeue
	// budget runs out.
	require.Eventually(t, func() bool {
		return len(store.deadLetterIDs("orders")) == 1
	}, eventuallyTimeout, 2*time.Millisecond)

	dead, ok := store.envelope(env.ID)
	require.True(t, ok)
	assert.Equal(t, "orders", dead.OriginalQueue)
	assert.Contains(t, dead.FailureReason, "STORE_UNAVAILABLE")
	assert.Empty(t, store.queueIDs("orders"))
}

func TestHandleFailureDeadLettersWhenExhausted(t *testing.T) {
	store := newMemStore()
	archive := &fakeArchive{}
	rm := NewRetryManager(store, archive, testRetryConfig(), logger.NopLogger(), nil)
	defer rm.Close()

	env := testEnvelope("orders", 2, 2)
	d := &Delivery{Env: env}

	disposition, err := rm.HandleFailure(context.Background(), d, errors.ErrStoreUnavailable)
	require.NoError(t, err)
	assert.Equal(t, DispositionDeadLettered, disposition)

	assert.Equal(t, []string{env.ID}, store.deadLetterIDs("orders"))
	dead, ok := store.envelope(env.ID)
	require.True(t, ok)
	assert.Equal(t, "orders", dead.OriginalQueue)
	assert.Contains(t, dead.FailureReason, "STORE_UNAVAILABLE")
	assert.False(t, dead.FailedAt.IsZero())
	assert.Equal(t, 1, archive.count())
}

func TestHandleFailureArchiveErrorDoesNotBlockDeadLetter(t *testing.T) {
	store := newMemStore()
	archive := &fakeArchive{err: assert.AnError}
	rm := NewRetryManager(store, archive, testRetryConfig(), logger.NopLogger(), nil)
	defer rm.Close()

	d := &Delivery{Env: testEnvelope("orders", 1, 1)}

	disposition, err := rm.HandleFailure(context.Background(), d, assert.AnError)
	require.NoError(t, err)
	assert.Equal(t, DispositionDeadLettered, disposition)
	assert.Len(t, store.deadLetterIDs("orders"), 1)
}

func TestCloseFlushesPendingRetries(t *testing.T) {
	store := newMemStore()
	rm := NewRetryManager(store, nil, config.RetryConfig{
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
		Multiplier:      2.0,
	}, logger.NopLogger(), nil)

	env := testEnvelope("orders", 0, 3)
	disposition, err := rm.HandleFailure(context.Background(), &Delivery{Env: env}, assert.AnError)
	require.NoError(t, err)
	require.Equal(t, DispositionRetried, disposition)

	// The backoff delay is an hour; shutdown must not wait it out.
	done := make(chan struct{})
	go func() {
		rm.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not flush pending retries in time")
	}

	assert.Equal(t, []string{env.ID}, store.queueIDs("orders"))
}

func TestReplayUnknownMessage(t *testing.T) {
	store := newMemStore()
	rm := NewRetryManager(store, nil, testRetryConfig(), logger.NopLogger(), nil)
	defer rm.Close()

	err := rm.Replay(context.Background(), "orders", "no-such-id")
	assert.ErrorIs(t, err, errors.ErrMessageNotFound)
}
