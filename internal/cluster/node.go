package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"nutriq/internal/config"
	"nutriq/pkg/circuitbreaker"
)

type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// latencyAlpha is the EWMA smoothing factor for rolling ping latency.
const latencyAlpha = 0.3

// Node is one backing store member of the cluster. Health state, rolling
// metrics, and the in-flight counter are guarded per node so concurrent
// loops never serialize on unrelated nodes.
type Node struct {
	ID      string
	Address string
	Role    Role
	Weight  int

	client   redis.UniversalClient
	breaker  *circuitbreaker.Wrapper
	capacity int

	inflight atomic.Int64

	mu              sync.RWMutex
	status          Status
	lastHealthCheck time.Time
	latency         time.Duration
	errorCount      int64
}

// NodeSnapshot is the read-only view used by status responses.
type NodeSnapshot struct {
	ID              string        `json:"id"`
	Address         string        `json:"address"`
	Role            Role          `json:"role"`
	Status          Status        `json:"status"`
	BreakerState    string        `json:"breaker_state"`
	LastHealthCheck time.Time     `json:"last_health_check"`
	Latency         time.Duration `json:"latency"`
	ErrorCount      int64         `json:"error_count"`
	Utilization     float64       `json:"utilization"`
	InFlight        int64         `json:"in_flight"`
}

func newNode(cfg config.NodeConfig, capacity int, breakerCfg config.CircuitBreakerConfig) *Node {
	role := Role(cfg.Role)
	if role == "" {
		role = RoleReplica
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}

	n := &Node{
		ID:      uuid.NewString(),
		Address: cfg.Address,
		Role:    role,
		Weight:  weight,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		capacity: capacity,
		status:   StatusHealthy,
	}

	cbCfg := circuitbreaker.DefaultConfig("node-" + cfg.Address)
	if breakerCfg.FailureThreshold > 0 {
		cbCfg.FailureThreshold = breakerCfg.FailureThreshold
	}
	if breakerCfg.Timeout > 0 {
		cbCfg.Timeout = breakerCfg.Timeout
	}
	if breakerCfg.MaxRequests > 0 {
		cbCfg.MaxRequests = breakerCfg.MaxRequests
	}
	n.breaker = circuitbreaker.NewWrapper(cbCfg)

	return n
}

func (n *Node) Client() redis.UniversalClient {
	return n.client
}

func (n *Node) Breaker() *circuitbreaker.Wrapper {
	return n.breaker
}

// Execute runs a store operation against this node, gated by the node's
// circuit breaker. An open breaker rejects immediately.
func (n *Node) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	result, err := n.breaker.ExecuteWithContext(ctx, fn)
	n.breaker.RecordRequest(err == nil)
	if err != nil {
		n.recordError()
	}
	return result, err
}

func (n *Node) ConnStart() {
	n.inflight.Add(1)
}

func (n *Node) ConnEnd() {
	n.inflight.Add(-1)
}

func (n *Node) InFlight() int64 {
	return n.inflight.Load()
}

// Utilization is the ratio of in-flight operations to configured capacity.
// The source system generated this value randomly; that placeholder is not
// reproduced here.
func (n *Node) Utilization() float64 {
	if n.capacity <= 0 {
		return 0
	}
	return float64(n.inflight.Load()) / float64(n.capacity)
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Selectable reports whether the load balancer may route to this node:
// it must be in the healthy set and its breaker must not be open. A
// half-open breaker stays selectable so the single probe can flow.
func (n *Node) Selectable() bool {
	if n.breaker.IsOpen() {
		return false
	}
	return n.Status() == StatusHealthy
}

func (n *Node) markHealthy(latency time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = StatusHealthy
	n.lastHealthCheck = time.Now()
	if n.latency == 0 {
		n.latency = latency
	} else {
		n.latency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(n.latency))
	}
}

func (n *Node) markUnhealthy() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = StatusUnhealthy
	n.lastHealthCheck = time.Now()
	n.errorCount++
}

func (n *Node) recordError() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errorCount++
}

func (n *Node) Snapshot() NodeSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NodeSnapshot{
		ID:              n.ID,
		Address:         n.Address,
		Role:            n.Role,
		Status:          n.status,
		BreakerState:    n.breaker.StateString(),
		LastHealthCheck: n.lastHealthCheck,
		Latency:         n.latency,
		ErrorCount:      n.errorCount,
		Utilization:     n.Utilization(),
		InFlight:        n.inflight.Load(),
	}
}

func (n *Node) Close() error {
	return n.client.Close()
}
