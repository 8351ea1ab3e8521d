package queue

import (
	"context"
	"time"
)

// Delivery is one popped message plus the affinity needed to acknowledge,
// requeue, or dead-letter it on the node that holds its envelope body.
type Delivery struct {
	Env *Envelope

	// nodeID is empty for single-node stores; the routed store uses it to
	// address follow-up operations at the node the pop came from.
	nodeID string
}

func (d *Delivery) NodeID() string {
	return d.nodeID
}

// BrokerStore is the contract the broker requires from the backing store:
// atomic pop (at-most-once handoff of an id to one popper), TTL-expiring
// envelope keys, and list operations for depth and DLQ inspection. The
// store is the single source of truth for queue contents. A store error
// surfaces to the caller as STORE_UNAVAILABLE rather than being retried
// indefinitely.
type BrokerStore interface {
	// Publish writes the envelope under its key with the given TTL and
	// pushes its id onto the queue list, on one node, atomically enough
	// that a crash cannot strand a listed id without a body for longer
	// than the TTL.
	Publish(ctx context.Context, env *Envelope, ttl time.Duration) error

	// Pop atomically takes one id off the queue and resolves its envelope.
	// Returns (nil, nil) on an empty queue. Ids whose envelope key already
	// expired are skipped and counted as expired.
	Pop(ctx context.Context, queue string) (*Delivery, error)

	// Ack deletes the envelope key, completing delivery.
	Ack(ctx context.Context, d *Delivery) error

	// Requeue rewrites the (mutated) envelope and pushes its id back onto
	// the live queue on the same node.
	Requeue(ctx context.Context, d *Delivery) error

	// DeadLetter rewrites the annotated envelope without expiry and moves
	// the id onto the queue's DLQ list.
	DeadLetter(ctx context.Context, d *Delivery) error

	DeadLetters(ctx context.Context, queue string, limit int64) ([]*Envelope, error)

	// TakeDeadLetter fetches one dead-lettered envelope by id without
	// removing it, so replay can re-publish before confirming removal.
	TakeDeadLetter(ctx context.Context, queue, id string) (*Delivery, error)

	// RemoveDeadLetter drops the id from the DLQ list and deletes the old
	// envelope key. Called only after a successful re-publish.
	RemoveDeadLetter(ctx context.Context, d *Delivery) error

	QueueDepth(ctx context.Context, queue string) (int64, error)
	DeadLetterDepth(ctx context.Context, queue string) (int64, error)

	// Purge drops the queue's live and DLQ lists. Orphaned envelope keys
	// are left to expire via TTL.
	Purge(ctx context.Context, queue string) error

	Ping(ctx context.Context) error
}
