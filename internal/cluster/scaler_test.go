package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutriq/internal/config"
	"nutriq/internal/logger"
)

type fakeMigrator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeMigrator) MigrateNode(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, nodeID)
	return nil
}

func (f *fakeMigrator) migrated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Record(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func scalingConfig() config.ScalingConfig {
	return config.ScalingConfig{
		Enabled:            true,
		MinNodes:           1,
		MaxNodes:           3,
		ScaleUpThreshold:   0.7,
		ScaleDownThreshold: 0.3,
		Cooldown:           time.Hour,
		Interval:           time.Hour,
	}
}

func newTestScaler(t *testing.T, m *Manager, standby []config.NodeConfig, migrator Migrator) (*AutoScaler, *StaticProvisioner, *recordingSink) {
	t.Helper()
	provisioner := NewStaticProvisioner(standby)
	sink := &recordingSink{}
	scaler := NewAutoScaler(scalingConfig(), m, provisioner, migrator, logger.NopLogger(), sink)
	return scaler, provisioner, sink
}

// saturate brings a node to full utilization for the duration of the test.
func saturate(t *testing.T, node *Node, connections int) {
	t.Helper()
	for i := 0; i < connections; i++ {
		node.ConnStart()
	}
	t.Cleanup(func() {
		for i := 0; i < connections; i++ {
			node.ConnEnd()
		}
	})
}

func TestScaleUpAcquiresStandbyNode(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")
	m.pingFn = func(ctx context.Context, node *Node) error { return nil }
	saturate(t, m.Nodes()[0], 9)

	scaler, provisioner, sink := newTestScaler(t, m, []config.NodeConfig{
		{Address: "127.0.0.1:7101"},
	}, &fakeMigrator{})

	scaler.Evaluate(context.Background())

	assert.Equal(t, 2, m.NodeCount())
	assert.Equal(t, 0, provisioner.Available())
	assert.Contains(t, sink.events, "cluster.scale_up")
}

func TestScaleUpBoundedByMaxNodes(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7003")
	m.pingFn = func(ctx context.Context, node *Node) error { return nil }
	for _, node := range m.Nodes() {
		saturate(t, node, 10)
	}

	scaler, provisioner, _ := newTestScaler(t, m, []config.NodeConfig{
		{Address: "127.0.0.1:7101"},
	}, &fakeMigrator{})

	scaler.Evaluate(context.Background())

	assert.Equal(t, 3, m.NodeCount())
	assert.Equal(t, 1, provisioner.Available())
}

func TestScaleUpWithoutStandbyNodesIsSkipped(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")
	m.pingFn = func(ctx context.Context, node *Node) error { return nil }
	saturate(t, m.Nodes()[0], 9)

	scaler, _, sink := newTestScaler(t, m, nil, &fakeMigrator{})

	scaler.Evaluate(context.Background())

	assert.Equal(t, 1, m.NodeCount())
	assert.Empty(t, sink.events)
}

func TestScaleUpUnreachableNodeReleasedBack(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")
	m.pingFn = func(ctx context.Context, node *Node) error {
		if node.Address == "127.0.0.1:7101" {
			return errors.New("unreachable")
		}
		return nil
	}
	saturate(t, m.Nodes()[0], 9)

	scaler, provisioner, _ := newTestScaler(t, m, []config.NodeConfig{
		{Address: "127.0.0.1:7101"},
	}, &fakeMigrator{})

	scaler.Evaluate(context.Background())

	assert.Equal(t, 1, m.NodeCount())
	assert.Equal(t, 1, provisioner.Available())
}

func TestScaleDownMigratesThenRemovesReplica(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")
	replica := m.Nodes()[1]
	migrator := &fakeMigrator{}

	scaler, provisioner, sink := newTestScaler(t, m, nil, migrator)

	scaler.Evaluate(context.Background())

	assert.Equal(t, 1, m.NodeCount())
	assert.Equal(t, []string{replica.ID}, migrator.migrated())
	assert.Equal(t, 1, provisioner.Available())
	assert.Contains(t, sink.events, "cluster.scale_down")

	_, ok := m.Node(replica.ID)
	assert.False(t, ok)
}

func TestScaleDownNeverRemovesPrimary(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")
	migrator := &fakeMigrator{}

	scaler, _, _ := newTestScaler(t, m, nil, migrator)

	scaler.Evaluate(context.Background())

	assert.Equal(t, 1, m.NodeCount())
	assert.Empty(t, migrator.migrated())
}

func TestScaleDownAbortsOnMigrationFailure(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002")
	migrator := &fakeMigrator{err: errors.New("drain failed")}

	scaler, provisioner, _ := newTestScaler(t, m, nil, migrator)

	scaler.Evaluate(context.Background())

	assert.Equal(t, 2, m.NodeCount())
	assert.Equal(t, 0, provisioner.Available())
}

func TestCooldownSuppressesConsecutiveActions(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7003")
	migrator := &fakeMigrator{}

	scaler, _, _ := newTestScaler(t, m, nil, migrator)

	scaler.Evaluate(context.Background())
	require.Equal(t, 2, m.NodeCount())

	scaler.Evaluate(context.Background())
	assert.Equal(t, 2, m.NodeCount())
	assert.Len(t, migrator.migrated(), 1)
}

func TestScaleDownBoundedByMinNodes(t *testing.T) {
	m := newTestManager(t, "127.0.0.1:7001")
	migrator := &fakeMigrator{}

	cfg := scalingConfig()
	cfg.MinNodes = 1
	scaler := NewAutoScaler(cfg, m, NewStaticProvisioner(nil), migrator, logger.NopLogger(), &recordingSink{})

	scaler.Evaluate(context.Background())

	assert.Equal(t, 1, m.NodeCount())
	assert.Empty(t, migrator.migrated())
}

func TestStaticProvisionerRoundTrip(t *testing.T) {
	p := NewStaticProvisioner([]config.NodeConfig{{Address: "127.0.0.1:7101"}})

	cfg, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7101", cfg.Address)
	assert.Equal(t, string(RoleReplica), cfg.Role)
	assert.Equal(t, 0, p.Available())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNoStandbyNodes)

	require.NoError(t, p.Release(cfg))
	assert.Equal(t, 1, p.Available())
}
