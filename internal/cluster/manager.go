package cluster

import (
	"context"
	"sync"
	"time"

	"nutriq/internal/config"
	"nutriq/internal/constants"
	"nutriq/internal/logger"
	"nutriq/pkg/errors"
	"nutriq/pkg/logging"
	"nutriq/pkg/metrics"
)

// metricsInterval is how often node gauges are refreshed, independent of
// the slower health-check cadence.
const metricsInterval = 10 * time.Second

// Manager tracks cluster membership and drives the periodic health checks
// that feed the load balancer's healthy set and the auto-scaler's
// utilization signal.
type Manager struct {
	cfg        config.ClusterConfig
	breakerCfg config.CircuitBreakerConfig
	log        logger.Logger

	mu    sync.RWMutex
	nodes []*Node
	byID  map[string]*Node

	pingFn func(ctx context.Context, n *Node) error

	wg sync.WaitGroup
}

type ClusterStatus struct {
	TotalNodes            int               `json:"total_nodes"`
	HealthyNodes          int               `json:"healthy_nodes"`
	BreakerStates         map[string]string `json:"breaker_states"`
	LoadBalancerAlgorithm string            `json:"load_balancer_algorithm"`
	Nodes                 []NodeSnapshot    `json:"nodes"`
}

func NewManager(cfg config.ClusterConfig, breakerCfg config.CircuitBreakerConfig, log logger.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		breakerCfg: breakerCfg,
		log:        log,
		byID:       make(map[string]*Node),
	}
	m.pingFn = m.pingNode

	for _, nodeCfg := range cfg.Nodes {
		node := newNode(nodeCfg, cfg.NodeCapacity, breakerCfg)
		m.nodes = append(m.nodes, node)
		m.byID[node.ID] = node
		metrics.SetNodeHealthy(node.ID, true)
	}

	return m
}

// Bootstrap pings every configured node once and fails when none answers,
// so the broker never starts against a wholly unreachable backing store.
func (m *Manager) Bootstrap(ctx context.Context) error {
	reachable := 0
	for _, node := range m.Nodes() {
		if err := m.pingFn(ctx, node); err != nil {
			m.log.WarnwCtx(ctx, "Node unreachable at startup",
				"node_id", node.ID,
				"address", node.Address,
				"error", err,
			)
			continue
		}
		reachable++
	}
	if reachable == 0 {
		return errors.ErrNoHealthyNodes.WithDetail("nodes_configured", m.NodeCount())
	}
	return nil
}

// Run drives the health-check and metrics loops until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = constants.DefaultHealthCheckInterval
	}

	// Initial sweep so the healthy set reflects reality before the first
	// tick.
	m.checkAllNodes(ctx)

	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAllNodes(ctx)
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collectMetrics()
			}
		}
	}()

	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

func (m *Manager) checkAllNodes(ctx context.Context) {
	for _, node := range m.Nodes() {
		m.checkNode(ctx, node)
	}
}

func (m *Manager) checkNode(ctx context.Context, node *Node) {
	nodeCtx := logging.WithNodeID(ctx, node.ID)

	start := time.Now()
	err := m.pingFn(ctx, node)
	elapsed := time.Since(start)

	if err != nil {
		metrics.HealthChecksTotal.WithLabelValues(node.ID, "failure").Inc()
		metrics.SetNodeHealthy(node.ID, false)
		node.markUnhealthy()
		m.log.WarnwCtx(nodeCtx, "Node health check failed",
			"address", node.Address,
			"error", err,
			"breaker_state", node.Breaker().StateString(),
		)
		return
	}

	metrics.HealthChecksTotal.WithLabelValues(node.ID, "success").Inc()
	metrics.SetNodeHealthy(node.ID, true)
	metrics.SetNodeLatency(node.ID, elapsed)
	node.markHealthy(elapsed)
}

// pingNode runs through the node's breaker so repeated ping failures trip
// it open without waiting for operation traffic. A timed-out ping counts
// as a failure.
func (m *Manager) pingNode(ctx context.Context, node *Node) error {
	timeout := m.cfg.PingTimeout
	if timeout <= 0 {
		timeout = constants.DefaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := node.Execute(pingCtx, func() (interface{}, error) {
		return nil, node.Client().Ping(pingCtx).Err()
	})
	return err
}

func (m *Manager) collectMetrics() {
	nodes := m.Nodes()
	healthy := 0
	for _, node := range nodes {
		metrics.SetNodeUtilization(node.ID, node.Utilization())
		if node.Status() == StatusHealthy {
			healthy++
		}
	}
	metrics.ClusterNodes.WithLabelValues("total").Set(float64(len(nodes)))
	metrics.ClusterNodes.WithLabelValues("healthy").Set(float64(healthy))
}

func (m *Manager) Nodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

func (m *Manager) Node(id string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.byID[id]
	return node, ok
}

// SelectableNodes implements the balancer's NodePool: healthy nodes whose
// breakers are not open.
func (m *Manager) SelectableNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		if node.Selectable() {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func (m *Manager) HealthyCount() int {
	return len(m.SelectableNodes())
}

func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// AddNode registers a provisioned node and verifies it is reachable before
// admitting it to the healthy set.
func (m *Manager) AddNode(ctx context.Context, nodeCfg config.NodeConfig) (*Node, error) {
	node := newNode(nodeCfg, m.cfg.NodeCapacity, m.breakerCfg)

	if err := m.pingFn(ctx, node); err != nil {
		node.Close()
		return nil, errors.ErrStoreUnavailable.WithCause(err).WithDetail("address", nodeCfg.Address)
	}

	m.mu.Lock()
	m.nodes = append(m.nodes, node)
	m.byID[node.ID] = node
	m.mu.Unlock()

	metrics.SetNodeHealthy(node.ID, true)
	m.log.Infow("Node added to cluster",
		"node_id", node.ID,
		"address", node.Address,
		"role", node.Role,
	)
	return node, nil
}

// RemoveNode deregisters a node and closes its connection. Data migration
// is the caller's responsibility and must complete first.
func (m *Manager) RemoveNode(id string) error {
	m.mu.Lock()
	node, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errors.ErrNodeNotFound.WithDetail("node_id", id)
	}
	delete(m.byID, id)
	for i, n := range m.nodes {
		if n.ID == id {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	metrics.RemoveNodeMetrics(id)
	if err := node.Close(); err != nil {
		m.log.Warnw("Failed to close removed node client",
			"node_id", id,
			"error", err,
		)
	}

	m.log.Infow("Node removed from cluster",
		"node_id", id,
		"address", node.Address,
	)
	return nil
}

// MarkUnhealthy takes a node out of the healthy set without waiting for the
// next scheduled check. Used by operators and by store operations that
// observe hard failures.
func (m *Manager) MarkUnhealthy(id string) error {
	node, ok := m.Node(id)
	if !ok {
		return errors.ErrNodeNotFound.WithDetail("node_id", id)
	}
	node.markUnhealthy()
	metrics.SetNodeHealthy(id, false)
	return nil
}

func (m *Manager) MarkHealthy(id string) error {
	node, ok := m.Node(id)
	if !ok {
		return errors.ErrNodeNotFound.WithDetail("node_id", id)
	}
	node.markHealthy(0)
	metrics.SetNodeHealthy(id, true)
	return nil
}

// MeanUtilization is the auto-scaler's signal: the mean utilization across
// healthy nodes.
func (m *Manager) MeanUtilization() float64 {
	nodes := m.SelectableNodes()
	if len(nodes) == 0 {
		return 0
	}
	sum := 0.0
	for _, node := range nodes {
		sum += node.Utilization()
	}
	return sum / float64(len(nodes))
}

func (m *Manager) Status(algorithm string) ClusterStatus {
	nodes := m.Nodes()
	status := ClusterStatus{
		TotalNodes:            len(nodes),
		BreakerStates:         make(map[string]string, len(nodes)),
		LoadBalancerAlgorithm: algorithm,
		Nodes:                 make([]NodeSnapshot, 0, len(nodes)),
	}
	for _, node := range nodes {
		snap := node.Snapshot()
		status.Nodes = append(status.Nodes, snap)
		status.BreakerStates[node.ID] = snap.BreakerState
		if node.Selectable() {
			status.HealthyNodes++
		}
	}
	return status
}

// Check implements health.Checker: the cluster is healthy while at least
// one node is selectable.
func (m *Manager) Check(ctx context.Context) error {
	if m.HealthyCount() == 0 {
		return errors.ErrNoHealthyNodes
	}
	return nil
}

func (m *Manager) Name() string {
	return "cluster"
}

func (m *Manager) Close() error {
	var firstErr error
	for _, node := range m.Nodes() {
		if err := node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
