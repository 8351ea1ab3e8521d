package cluster

import (
	"context"
	"sync"
	"time"

	"nutriq/internal/config"
	"nutriq/internal/constants"
	"nutriq/internal/logger"
	"nutriq/pkg/metrics"
)

// Migrator drains a departing node's queue contents onto the remaining
// nodes before the node is deregistered. Implemented by the queue store.
type Migrator interface {
	MigrateNode(ctx context.Context, nodeID string) error
}

// AutoScaler evaluates mean utilization against the scaling policy on a
// fixed interval. Scale-up and scale-down share one cooldown timer so the
// cluster cannot flap between the two.
type AutoScaler struct {
	cfg         config.ScalingConfig
	manager     *Manager
	provisioner Provisioner
	migrator    Migrator
	log         logger.Logger
	sink        metricsSink

	mu            sync.Mutex
	lastScaleTime time.Time
}

// metricsSink is the subset of pkg/metrics.Sink the scaler reports to.
type metricsSink interface {
	Record(name string, value float64, tags map[string]string)
}

func NewAutoScaler(cfg config.ScalingConfig, manager *Manager, provisioner Provisioner, migrator Migrator, log logger.Logger, sink metricsSink) *AutoScaler {
	return &AutoScaler{
		cfg:         cfg,
		manager:     manager,
		provisioner: provisioner,
		migrator:    migrator,
		log:         log,
		sink:        sink,
	}
}

func (s *AutoScaler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = constants.DefaultScalingInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

// Evaluate runs one scaling pass. Exported so operators can trigger an
// immediate evaluation and tests can drive it without the timer.
func (s *AutoScaler) Evaluate(ctx context.Context) {
	utilization := s.manager.MeanUtilization()
	current := s.manager.NodeCount()

	switch {
	case utilization > s.cfg.ScaleUpThreshold && current < s.cfg.MaxNodes:
		if !s.cooldownElapsed() {
			s.log.Debugw("Scale-up suppressed by cooldown",
				"utilization", utilization,
				"nodes", current,
			)
			return
		}
		s.scaleUp(ctx, utilization)
	case utilization < s.cfg.ScaleDownThreshold && current > s.cfg.MinNodes:
		if !s.cooldownElapsed() {
			s.log.Debugw("Scale-down suppressed by cooldown",
				"utilization", utilization,
				"nodes", current,
			)
			return
		}
		s.scaleDown(ctx, utilization)
	}
}

func (s *AutoScaler) cooldownElapsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cooldown := s.cfg.Cooldown
	if cooldown <= 0 {
		cooldown = constants.DefaultScalingCooldown
	}
	return s.lastScaleTime.IsZero() || time.Since(s.lastScaleTime) >= cooldown
}

func (s *AutoScaler) markScaled() {
	s.mu.Lock()
	s.lastScaleTime = time.Now()
	s.mu.Unlock()
}

func (s *AutoScaler) scaleUp(ctx context.Context, utilization float64) {
	nodeCfg, err := s.provisioner.Acquire(ctx)
	if err != nil {
		s.log.Warnw("Scale-up skipped: provisioning failed",
			"utilization", utilization,
			"error", err,
		)
		return
	}

	node, err := s.manager.AddNode(ctx, nodeCfg)
	if err != nil {
		s.provisioner.Release(nodeCfg)
		s.log.Errorw("Scale-up failed: node unreachable",
			"address", nodeCfg.Address,
			"error", err,
		)
		return
	}

	s.markScaled()
	metrics.ScalingActionsTotal.WithLabelValues("up").Inc()
	s.sink.Record("cluster.scale_up", 1, map[string]string{"node_id": node.ID})
	s.log.Infow("Cluster scaled up",
		"node_id", node.ID,
		"address", node.Address,
		"utilization", utilization,
		"nodes", s.manager.NodeCount(),
	)
}

// scaleDown removes the lowest-utilization non-primary node after its data
// has been migrated to the remaining nodes. Migration failure aborts the
// removal; the node stays registered.
func (s *AutoScaler) scaleDown(ctx context.Context, utilization float64) {
	victim := s.pickVictim()
	if victim == nil {
		s.log.Debugw("Scale-down skipped: no removable node",
			"utilization", utilization,
		)
		return
	}

	if err := s.migrator.MigrateNode(ctx, victim.ID); err != nil {
		s.log.Errorw("Scale-down aborted: migration failed",
			"node_id", victim.ID,
			"error", err,
		)
		return
	}

	nodeCfg := config.NodeConfig{
		Address: victim.Address,
		Role:    string(victim.Role),
		Weight:  victim.Weight,
	}
	if err := s.manager.RemoveNode(victim.ID); err != nil {
		s.log.Errorw("Scale-down failed: could not deregister node",
			"node_id", victim.ID,
			"error", err,
		)
		return
	}
	s.provisioner.Release(nodeCfg)

	s.markScaled()
	metrics.ScalingActionsTotal.WithLabelValues("down").Inc()
	s.sink.Record("cluster.scale_down", 1, map[string]string{"node_id": victim.ID})
	s.log.Infow("Cluster scaled down",
		"node_id", victim.ID,
		"address", victim.Address,
		"utilization", utilization,
		"nodes", s.manager.NodeCount(),
	)
}

func (s *AutoScaler) pickVictim() *Node {
	var victim *Node
	for _, node := range s.manager.Nodes() {
		if node.Role == RolePrimary {
			continue
		}
		if victim == nil || node.Utilization() < victim.Utilization() {
			victim = node
		}
	}
	return victim
}
