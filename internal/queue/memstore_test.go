package queue

import (
	"context"
	"sync"
	"time"

	"nutriq/pkg/errors"
)

// memStore is an in-memory BrokerStore for unit tests. Envelopes are
// copied on write and read so tests observe the same value isolation a
// serializing store provides.
type memStore struct {
	mu        sync.Mutex
	lists     map[string][]string
	dlqs      map[string][]string
	envelopes map[string]Envelope
	expiries  map[string]time.Time
	pingErr   error
}

func newMemStore() *memStore {
	return &memStore{
		lists:     make(map[string][]string),
		dlqs:      make(map[string][]string),
		envelopes: make(map[string]Envelope),
		expiries:  make(map[string]time.Time),
	}
}

func (m *memStore) Publish(ctx context.Context, env *Envelope, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes[env.ID] = *env
	if ttl > 0 {
		m.expiries[env.ID] = time.Now().Add(ttl)
	} else {
		delete(m.expiries, env.ID)
	}
	m.lists[env.QueueName] = append([]string{env.ID}, m.lists[env.QueueName]...)
	return nil
}

func (m *memStore) Pop(ctx context.Context, queue string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		ids := m.lists[queue]
		if len(ids) == 0 {
			return nil, nil
		}
		id := ids[len(ids)-1]
		m.lists[queue] = ids[:len(ids)-1]

		if expiry, ok := m.expiries[id]; ok && time.Now().After(expiry) {
			delete(m.envelopes, id)
			delete(m.expiries, id)
			continue
		}
		env, ok := m.envelopes[id]
		if !ok {
			continue
		}
		envCopy := env
		return &Delivery{Env: &envCopy}, nil
	}
}

func (m *memStore) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envelopes, d.Env.ID)
	delete(m.expiries, d.Env.ID)
	return nil
}

func (m *memStore) Requeue(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes[d.Env.ID] = *d.Env
	m.lists[d.Env.QueueName] = append([]string{d.Env.ID}, m.lists[d.Env.QueueName]...)
	return nil
}

func (m *memStore) DeadLetter(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes[d.Env.ID] = *d.Env
	delete(m.expiries, d.Env.ID)
	m.dlqs[d.Env.QueueName] = append([]string{d.Env.ID}, m.dlqs[d.Env.QueueName]...)
	return nil
}

func (m *memStore) DeadLetters(ctx context.Context, queue string, limit int64) ([]*Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Envelope
	for _, id := range m.dlqs[queue] {
		if int64(len(out)) >= limit {
			break
		}
		if env, ok := m.envelopes[id]; ok {
			envCopy := env
			out = append(out, &envCopy)
		}
	}
	return out, nil
}

func (m *memStore) TakeDeadLetter(ctx context.Context, queue, id string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, candidate := range m.dlqs[queue] {
		if candidate == id {
			if env, ok := m.envelopes[id]; ok {
				envCopy := env
				return &Delivery{Env: &envCopy}, nil
			}
		}
	}
	return nil, nil
}

func (m *memStore) RemoveDeadLetter(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := d.Env.QueueName
	ids := m.dlqs[queue]
	for i, id := range ids {
		if id == d.Env.ID {
			m.dlqs[queue] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	delete(m.envelopes, d.Env.ID)
	return nil
}

func (m *memStore) QueueDepth(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[queue])), nil
}

func (m *memStore) DeadLetterDepth(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.dlqs[queue])), nil
}

func (m *memStore) Purge(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, queue)
	delete(m.dlqs, queue)
	return nil
}

func (m *memStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErr != nil {
		return errors.ErrStoreUnavailable.WithCause(m.pingErr)
	}
	return nil
}

func (m *memStore) setPingErr(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

func (m *memStore) deadLetterIDs(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dlqs[queue]...)
}

func (m *memStore) queueIDs(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lists[queue]...)
}

func (m *memStore) envelope(id string) (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envelopes[id]
	return env, ok
}
