package queue

import (
	"context"
	"sync"
	"time"

	"nutriq/internal/cluster"
	"nutriq/internal/constants"
	"nutriq/internal/logger"
	"nutriq/pkg/errors"
	"nutriq/pkg/metrics"
)

// maxPopSkips bounds how many expired or body-less ids one Pop call will
// chew through before reporting an empty queue.
const maxPopSkips = 32

// RoutedStore implements BrokerStore across the cluster: every operation
// is routed through the load balancer to a healthy node and gated by that
// node's circuit breaker. It also implements cluster.Migrator so the
// auto-scaler can drain a departing node.
type RoutedStore struct {
	manager  *cluster.Manager
	balancer *cluster.Balancer
	timeout  time.Duration
	log      logger.Logger

	mu     sync.RWMutex
	queues map[string]struct{}
}

func NewRoutedStore(manager *cluster.Manager, balancer *cluster.Balancer, timeout time.Duration, log logger.Logger) *RoutedStore {
	if timeout <= 0 {
		timeout = constants.DefaultStoreTimeout
	}
	return &RoutedStore{
		manager:  manager,
		balancer: balancer,
		timeout:  timeout,
		log:      log,
		queues:   make(map[string]struct{}),
	}
}

// RegisterQueue records a queue name so migration knows which lists to
// drain from a departing node.
func (rs *RoutedStore) RegisterQueue(name string) {
	rs.mu.Lock()
	rs.queues[name] = struct{}{}
	rs.mu.Unlock()
}

func (rs *RoutedStore) registeredQueues() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	names := make([]string, 0, len(rs.queues))
	for name := range rs.queues {
		names = append(names, name)
	}
	return names
}

func (rs *RoutedStore) storeFor(node *cluster.Node) *RedisStore {
	return NewRedisStore(node.Client(), rs.timeout)
}

func (rs *RoutedStore) Publish(ctx context.Context, env *Envelope, ttl time.Duration) error {
	node, err := rs.balancer.SelectNode()
	if err != nil {
		return err
	}
	node.ConnStart()
	defer node.ConnEnd()

	store := rs.storeFor(node)
	_, err = node.Execute(ctx, func() (interface{}, error) {
		return nil, store.PutAndPush(ctx, env, ttl)
	})
	if err != nil {
		return errors.ErrStoreUnavailable.WithCause(err).WithDetail("node_id", node.ID)
	}
	return nil
}

func (rs *RoutedStore) Pop(ctx context.Context, queue string) (*Delivery, error) {
	node, err := rs.balancer.SelectNode()
	if err != nil {
		return nil, err
	}
	node.ConnStart()
	defer node.ConnEnd()

	store := rs.storeFor(node)
	for i := 0; i < maxPopSkips; i++ {
		result, err := node.Execute(ctx, func() (interface{}, error) {
			id, err := store.PopID(ctx, queue)
			if err != nil || id == "" {
				return nil, err
			}
			env, err := store.GetEnvelope(ctx, id)
			if err != nil {
				return nil, err
			}
			if env == nil {
				// Body expired while the id waited in the list.
				return id, nil
			}
			return env, nil
		})
		if err != nil {
			return nil, errors.ErrStoreUnavailable.WithCause(err).WithDetail("node_id", node.ID)
		}

		switch v := result.(type) {
		case nil:
			return nil, nil
		case string:
			metrics.MessagesExpiredTotal.WithLabelValues(queue).Inc()
			continue
		case *Envelope:
			if v.Expired(time.Now()) {
				metrics.MessagesExpiredTotal.WithLabelValues(queue).Inc()
				_, _ = node.Execute(ctx, func() (interface{}, error) {
					return nil, store.DeleteEnvelope(ctx, v.ID)
				})
				continue
			}
			return &Delivery{Env: v, nodeID: node.ID}, nil
		}
	}
	return nil, nil
}

// deliveryNode resolves the node a delivery came from, falling back to the
// balancer when that node has since left the cluster.
func (rs *RoutedStore) deliveryNode(d *Delivery) (*cluster.Node, error) {
	if d.nodeID != "" {
		if node, ok := rs.manager.Node(d.nodeID); ok {
			return node, nil
		}
	}
	return rs.balancer.SelectNode()
}

func (rs *RoutedStore) Ack(ctx context.Context, d *Delivery) error {
	node, err := rs.deliveryNode(d)
	if err != nil {
		return err
	}
	node.ConnStart()
	defer node.ConnEnd()

	store := rs.storeFor(node)
	_, err = node.Execute(ctx, func() (interface{}, error) {
		return nil, store.DeleteEnvelope(ctx, d.Env.ID)
	})
	if err != nil {
		return errors.ErrStoreUnavailable.WithCause(err).WithDetail("node_id", node.ID)
	}
	return nil
}

func (rs *RoutedStore) Requeue(ctx context.Context, d *Delivery) error {
	node, err := rs.deliveryNode(d)
	if err != nil {
		return err
	}
	node.ConnStart()
	defer node.ConnEnd()

	ttl := time.Duration(0)
	if !d.Env.ExpiresAt.IsZero() {
		ttl = time.Until(d.Env.ExpiresAt)
		if ttl <= 0 {
			metrics.MessagesExpiredTotal.WithLabelValues(d.Env.QueueName).Inc()
			return rs.Ack(ctx, d)
		}
	}

	store := rs.storeFor(node)
	_, err = node.Execute(ctx, func() (interface{}, error) {
		if err := store.PutEnvelope(ctx, d.Env, ttl); err != nil {
			return nil, err
		}
		return nil, store.PushID(ctx, d.Env.QueueName, d.Env.ID)
	})
	if err != nil {
		return errors.ErrStoreUnavailable.WithCause(err).WithDetail("node_id", node.ID)
	}
	return nil
}

func (rs *RoutedStore) DeadLetter(ctx context.Context, d *Delivery) error {
	node, err := rs.deliveryNode(d)
	if err != nil {
		return err
	}
	node.ConnStart()
	defer node.ConnEnd()

	store := rs.storeFor(node)
	_, err = node.Execute(ctx, func() (interface{}, error) {
		return nil, store.MoveToDeadLetter(ctx, d.Env)
	})
	if err != nil {
		return errors.ErrStoreUnavailable.WithCause(err).WithDetail("node_id", node.ID)
	}
	return nil
}

func (rs *RoutedStore) DeadLetters(ctx context.Context, queue string, limit int64) ([]*Envelope, error) {
	if limit <= 0 || limit > constants.MaxDLQListLimit {
		limit = constants.DefaultDLQListLimit
	}

	envelopes := make([]*Envelope, 0, limit)
	for _, node := range rs.manager.SelectableNodes() {
		if int64(len(envelopes)) >= limit {
			break
		}
		store := rs.storeFor(node)
		result, err := node.Execute(ctx, func() (interface{}, error) {
			ids, err := store.DeadLetterIDs(ctx, queue, limit-int64(len(envelopes)))
			if err != nil {
				return nil, err
			}
			batch := make([]*Envelope, 0, len(ids))
			for _, id := range ids {
				env, err := store.GetEnvelope(ctx, id)
				if err != nil {
					return nil, err
				}
				if env != nil {
					batch = append(batch, env)
				}
			}
			return batch, nil
		})
		if err != nil {
			rs.log.WarnwCtx(ctx, "Skipping node while listing dead letters",
				"node_id", node.ID,
				"queue", queue,
				"error", err,
			)
			continue
		}
		envelopes = append(envelopes, result.([]*Envelope)...)
	}
	return envelopes, nil
}

func (rs *RoutedStore) TakeDeadLetter(ctx context.Context, queue, id string) (*Delivery, error) {
	for _, node := range rs.manager.SelectableNodes() {
		store := rs.storeFor(node)
		result, err := node.Execute(ctx, func() (interface{}, error) {
			found, err := store.HasDeadLetter(ctx, queue, id)
			if err != nil || !found {
				return nil, err
			}
			return store.GetEnvelope(ctx, id)
		})
		if err != nil {
			continue
		}
		if env, ok := result.(*Envelope); ok && env != nil {
			return &Delivery{Env: env, nodeID: node.ID}, nil
		}
	}
	return nil, nil
}

func (rs *RoutedStore) RemoveDeadLetter(ctx context.Context, d *Delivery) error {
	node, err := rs.deliveryNode(d)
	if err != nil {
		return err
	}
	store := rs.storeFor(node)
	_, err = node.Execute(ctx, func() (interface{}, error) {
		return nil, store.RemoveDeadLetter(ctx, d.Env.QueueName, d.Env.ID)
	})
	if err != nil {
		return errors.ErrStoreUnavailable.WithCause(err).WithDetail("node_id", node.ID)
	}
	return nil
}

func (rs *RoutedStore) QueueDepth(ctx context.Context, queue string) (int64, error) {
	return rs.sumLengths(ctx, queue, false)
}

func (rs *RoutedStore) DeadLetterDepth(ctx context.Context, queue string) (int64, error) {
	return rs.sumLengths(ctx, queue, true)
}

func (rs *RoutedStore) sumLengths(ctx context.Context, queue string, deadLetter bool) (int64, error) {
	nodes := rs.manager.SelectableNodes()
	if len(nodes) == 0 {
		return 0, errors.ErrNoHealthyNodes
	}

	var total int64
	for _, node := range nodes {
		store := rs.storeFor(node)
		result, err := node.Execute(ctx, func() (interface{}, error) {
			if deadLetter {
				return store.DeadLetterLength(ctx, queue)
			}
			return store.QueueLength(ctx, queue)
		})
		if err != nil {
			continue
		}
		total += result.(int64)
	}
	return total, nil
}

// Purge drops the queue's lists on every selectable node.
func (rs *RoutedStore) Purge(ctx context.Context, queue string) error {
	nodes := rs.manager.SelectableNodes()
	if len(nodes) == 0 {
		return errors.ErrNoHealthyNodes
	}

	var lastErr error
	for _, node := range nodes {
		store := rs.storeFor(node)
		if _, err := node.Execute(ctx, func() (interface{}, error) {
			return nil, store.Purge(ctx, queue)
		}); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return errors.ErrStoreUnavailable.WithCause(lastErr)
	}
	return nil
}

// Ping reports reachability of the backing store: healthy while at least
// one node answers.
func (rs *RoutedStore) Ping(ctx context.Context) error {
	nodes := rs.manager.SelectableNodes()
	if len(nodes) == 0 {
		return errors.ErrNoHealthyNodes
	}

	var lastErr error
	for _, node := range nodes {
		store := rs.storeFor(node)
		if _, err := node.Execute(ctx, func() (interface{}, error) {
			return nil, store.Ping(ctx)
		}); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return errors.ErrStoreUnavailable.WithCause(lastErr)
}

// MigrateNode drains every registered queue (live and DLQ lists) from the
// departing node and re-publishes the contents through the balancer. The
// node is taken out of the healthy set first so re-published messages
// cannot land back on it.
func (rs *RoutedStore) MigrateNode(ctx context.Context, nodeID string) error {
	node, ok := rs.manager.Node(nodeID)
	if !ok {
		return errors.ErrNodeNotFound.WithDetail("node_id", nodeID)
	}

	if err := rs.manager.MarkUnhealthy(nodeID); err != nil {
		return err
	}

	store := rs.storeFor(node)
	migrated := 0
	for _, queue := range rs.registeredQueues() {
		n, err := rs.migrateList(ctx, node, store, queue, false)
		if err != nil {
			return err
		}
		migrated += n

		n, err = rs.migrateList(ctx, node, store, queue, true)
		if err != nil {
			return err
		}
		migrated += n
	}

	rs.log.InfowCtx(ctx, "Node data migration complete",
		"node_id", nodeID,
		"messages_migrated", migrated,
	)
	return nil
}

func (rs *RoutedStore) migrateList(ctx context.Context, node *cluster.Node, store *RedisStore, queue string, deadLetter bool) (int, error) {
	moved := 0
	for {
		result, err := node.Execute(ctx, func() (interface{}, error) {
			var id string
			var err error
			if deadLetter {
				id, err = store.PopDeadLetterID(ctx, queue)
			} else {
				id, err = store.PopID(ctx, queue)
			}
			if err != nil || id == "" {
				return nil, err
			}
			env, err := store.GetEnvelope(ctx, id)
			if err != nil {
				return nil, err
			}
			if env == nil {
				return id, nil
			}
			return env, nil
		})
		if err != nil {
			return moved, errors.ErrStoreUnavailable.WithCause(err).WithDetail("node_id", node.ID)
		}

		switch v := result.(type) {
		case nil:
			return moved, nil
		case string:
			continue
		case *Envelope:
			if deadLetter {
				target, err := rs.balancer.SelectNode()
				if err != nil {
					return moved, err
				}
				if _, err := target.Execute(ctx, func() (interface{}, error) {
					return nil, rs.storeFor(target).MoveToDeadLetter(ctx, v)
				}); err != nil {
					return moved, errors.ErrStoreUnavailable.WithCause(err).WithDetail("node_id", target.ID)
				}
			} else {
				ttl := time.Duration(0)
				if !v.ExpiresAt.IsZero() {
					ttl = time.Until(v.ExpiresAt)
					if ttl <= 0 {
						continue
					}
				}
				if err := rs.Publish(ctx, v, ttl); err != nil {
					return moved, err
				}
			}
			// Best effort: the old body is gone once the node is removed.
			_, _ = node.Execute(ctx, func() (interface{}, error) {
				return nil, store.DeleteEnvelope(ctx, v.ID)
			})
			moved++
		}
	}
}
