package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriq/internal/config"
	"nutriq/internal/logger"
	nqerrors "nutriq/pkg/errors"
)

func newTestManager(t *testing.T, addresses ...string) *Manager {
	t.Helper()

	nodes := make([]config.NodeConfig, len(addresses))
	for i, addr := range addresses {
		role := "replica"
		if i == 0 {
			role = "primary"
		}
		nodes[i] = config.NodeConfig{Address: addr, Role: role, Weight: 1}
	}

	m := NewManager(config.ClusterConfig{
		Nodes:               nodes,
		HealthCheckInterval: time.Hour,
		PingTimeout:         time.Second,
		NodeCapacity:        10,
	}, config.CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Minute}, logger.NopLogger())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerStartsWithConfiguredNodes(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")

	assert.Equal(t, 2, m.NodeCount())
	assert.Equal(t, 2, m.HealthyCount())
	assert.Len(t, m.SelectableNodes(), 2)
}

func TestBootstrapSucceedsWhenAnyNodeAnswers(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")

	down := m.Nodes()[0]
	m.pingFn = func(ctx context.Context, node *Node) error {
		if node.ID == down.ID {
			return errors.New("connection refused")
		}
		return nil
	}

	assert.NoError(t, m.Bootstrap(context.Background()))
}

func TestBootstrapFailsWhenNoNodeAnswers(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")

	m.pingFn = func(ctx context.Context, node *Node) error {
		return errors.New("connection refused")
	}

	err := m.Bootstrap(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, nqerrors.ErrNoHealthyNodes))
}

func TestHealthCheckMarksFailingNodeUnhealthy(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")

	failing := m.Nodes()[1]
	m.pingFn = func(ctx context.Context, node *Node) error {
		if node.ID == failing.ID {
			return errors.New("connection refused")
		}
		return nil
	}

	m.checkAllNodes(context.Background())

	assert.Equal(t, 1, m.HealthyCount())
	for _, node := range m.SelectableNodes() {
		assert.NotEqual(t, failing.ID, node.ID)
	}
	assert.Equal(t, StatusUnhealthy, failing.Status())
}

func TestHealthCheckRecoversNode(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")

	pingErr := errors.New("connection refused")
	m.pingFn = func(ctx context.Context, node *Node) error {
		return pingErr
	}
	m.checkAllNodes(context.Background())
	require.Equal(t, 0, m.HealthyCount())

	pingErr = nil
	m.checkAllNodes(context.Background())
	assert.Equal(t, 1, m.HealthyCount())
}

func TestRepeatedPingFailuresTripBreaker(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")
	node := m.Nodes()[0]

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := node.Execute(ctx, func() (interface{}, error) {
			return nil, errors.New("connection refused")
		})
		require.Error(t, err)
	}

	assert.True(t, node.Breaker().IsOpen())
	assert.False(t, node.Selectable())
	assert.Empty(t, m.SelectableNodes())
}

func TestAddNodeVerifiesReachability(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")

	m.pingFn = func(ctx context.Context, node *Node) error { return nil }
	node, err := m.AddNode(context.Background(), config.NodeConfig{Address: "127.0.0.1:7002", Role: "replica"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.NodeCount())
	assert.Equal(t, RoleReplica, node.Role)

	m.pingFn = func(ctx context.Context, node *Node) error { return errors.New("unreachable") }
	_, err = m.AddNode(context.Background(), config.NodeConfig{Address: "127.0.0.1:7003"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nqerrors.ErrStoreUnavailable))
	assert.Equal(t, 2, m.NodeCount())
}

func TestRemoveNode(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")
	victim := m.Nodes()[1]

	require.NoError(t, m.RemoveNode(victim.ID))
	assert.Equal(t, 1, m.NodeCount())

	_, ok := m.Node(victim.ID)
	assert.False(t, ok)

	err := m.RemoveNode("no-such-node")
	assert.True(t, errors.Is(err, nqerrors.ErrNodeNotFound))
}

func TestMarkUnhealthyAndHealthy(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")
	node := m.Nodes()[0]

	require.NoError(t, m.MarkUnhealthy(node.ID))
	assert.Empty(t, m.SelectableNodes())

	require.NoError(t, m.MarkHealthy(node.ID))
	assert.Len(t, m.SelectableNodes(), 1)

	assert.Error(t, m.MarkUnhealthy("no-such-node"))
}

func TestMeanUtilization(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")
	assert.Equal(t, 0.0, m.MeanUtilization())

	// Capacity is 10 per node; 4 in-flight on one node across two nodes.
	node := m.Nodes()[0]
	for i := 0; i < 4; i++ {
		node.ConnStart()
	}
	defer func() {
		for i := 0; i < 4; i++ {
			node.ConnEnd()
		}
	}()

	assert.InDelta(t, 0.2, m.MeanUtilization(), 0.001)
}

func TestClusterStatus(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")

	status := m.Status(AlgorithmRoundRobin)
	assert.Equal(t, 2, status.TotalNodes)
	assert.Equal(t, 2, status.HealthyNodes)
	assert.Equal(t, AlgorithmRoundRobin, status.LoadBalancerAlgorithm)
	assert.Len(t, status.Nodes, 2)
	assert.Len(t, status.BreakerStates, 2)
	for _, state := range status.BreakerStates {
		assert.Equal(t, "closed", state)
	}
}
