package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func failingCall() (interface{}, error) { return nil, errBackend }
func okCall() (interface{}, error)      { return "ok", nil }

func newTestWrapper(threshold uint32, timeout time.Duration) *Wrapper {
	return NewWrapper(Config{
		Name:             "test",
		MaxRequests:      1,
		Timeout:          timeout,
		FailureThreshold: threshold,
	})
}

func TestWrapperStartsClosed(t *testing.T) {
	w := newTestWrapper(3, time.Minute)
	assert.True(t, w.IsClosed())
	assert.Equal(t, "closed", w.StateString())
}

func TestWrapperTripsAfterConsecutiveFailures(t *testing.T) {
	w := newTestWrapper(3, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := w.Execute(failingCall)
		require.ErrorIs(t, err, errBackend)
		assert.True(t, w.IsClosed())
	}

	_, err := w.Execute(failingCall)
	require.ErrorIs(t, err, errBackend)
	assert.True(t, w.IsOpen())
	assert.Equal(t, "open", w.StateString())
}

func TestWrapperRejectsWhileOpen(t *testing.T) {
	w := newTestWrapper(1, time.Minute)

	_, err := w.Execute(failingCall)
	require.ErrorIs(t, err, errBackend)
	require.True(t, w.IsOpen())

	_, err = w.Execute(okCall)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestWrapperSuccessResetsConsecutiveFailures(t *testing.T) {
	w := newTestWrapper(3, time.Minute)

	_, _ = w.Execute(failingCall)
	_, _ = w.Execute(failingCall)
	_, err := w.Execute(okCall)
	require.NoError(t, err)

	_, _ = w.Execute(failingCall)
	_, _ = w.Execute(failingCall)
	assert.True(t, w.IsClosed())
}

func TestWrapperHalfOpenProbeRecovers(t *testing.T) {
	w := newTestWrapper(1, 20*time.Millisecond)

	_, err := w.Execute(failingCall)
	require.ErrorIs(t, err, errBackend)
	require.True(t, w.IsOpen())

	require.Eventually(t, func() bool {
		return !w.IsOpen()
	}, time.Second, 5*time.Millisecond)

	result, err := w.Execute(okCall)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, w.IsClosed())
}

func TestWrapperHalfOpenProbeFailureReopens(t *testing.T) {
	w := newTestWrapper(1, 20*time.Millisecond)

	_, _ = w.Execute(failingCall)
	require.True(t, w.IsOpen())

	require.Eventually(t, func() bool {
		return !w.IsOpen()
	}, time.Second, 5*time.Millisecond)

	_, err := w.Execute(failingCall)
	require.ErrorIs(t, err, errBackend)
	assert.True(t, w.IsOpen())
}

func TestExecuteWithContextCancelled(t *testing.T) {
	w := newTestWrapper(3, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.ExecuteWithContext(ctx, okCall)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCustomReadyToTrip(t *testing.T) {
	w := NewWrapper(Config{
		Name:        "custom",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= 2
		},
	})

	_, _ = w.Execute(failingCall)
	_, _ = w.Execute(okCall)
	_, _ = w.Execute(failingCall)
	assert.True(t, w.IsOpen())
}
