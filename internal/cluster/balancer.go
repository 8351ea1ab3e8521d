package cluster

import (
	"math/rand"
	"sync"

	"nutriq/pkg/errors"
	"nutriq/pkg/metrics"
)

const (
	AlgorithmRoundRobin       = "round-robin"
	AlgorithmLeastConnections = "least-connections"
	AlgorithmWeightedRandom   = "weighted-random"
)

// NodePool is the healthy-set view the balancer selects from.
type NodePool interface {
	SelectableNodes() []*Node
}

// Balancer picks a node per store operation. Callers must bracket each
// operation with ConnStart/ConnEnd so least-connections counters stay
// accurate.
type Balancer struct {
	algorithm string
	pool      NodePool

	mu      sync.Mutex
	rrIndex int
}

func NewBalancer(algorithm string, pool NodePool) *Balancer {
	if algorithm == "" {
		algorithm = AlgorithmRoundRobin
	}
	return &Balancer{
		algorithm: algorithm,
		pool:      pool,
	}
}

func (b *Balancer) Algorithm() string {
	return b.algorithm
}

func (b *Balancer) SelectNode() (*Node, error) {
	nodes := b.pool.SelectableNodes()
	if len(nodes) == 0 {
		return nil, errors.ErrNoHealthyNodes
	}

	var node *Node
	switch b.algorithm {
	case AlgorithmLeastConnections:
		node = b.selectLeastConnections(nodes)
	case AlgorithmWeightedRandom:
		node = b.selectWeightedRandom(nodes)
	default:
		node = b.selectRoundRobin(nodes)
	}

	metrics.NodeSelectionsTotal.WithLabelValues(node.ID, b.algorithm).Inc()
	return node, nil
}

func (b *Balancer) selectRoundRobin(nodes []*Node) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	node := nodes[b.rrIndex%len(nodes)]
	b.rrIndex++
	return node
}

func (b *Balancer) selectLeastConnections(nodes []*Node) *Node {
	best := nodes[0]
	bestCount := best.InFlight()
	for _, n := range nodes[1:] {
		if count := n.InFlight(); count < bestCount {
			best = n
			bestCount = count
		}
	}
	return best
}

func (b *Balancer) selectWeightedRandom(nodes []*Node) *Node {
	total := 0
	for _, n := range nodes {
		total += n.Weight
	}
	if total <= 0 {
		return nodes[rand.Intn(len(nodes))]
	}

	draw := rand.Intn(total)
	cumulative := 0
	for _, n := range nodes {
		cumulative += n.Weight
		if draw < cumulative {
			return n
		}
	}
	return nodes[len(nodes)-1]
}
