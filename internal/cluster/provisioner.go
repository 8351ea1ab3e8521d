package cluster

import (
	"context"
	"sync"

	"nutriq/internal/config"
	"nutriq/pkg/errors"
)

var ErrNoStandbyNodes = errors.NewError("NO_STANDBY_NODES", "no standby nodes available for scale-up", 503)

// Provisioner acquires and releases node addresses for the auto-scaler.
type Provisioner interface {
	Acquire(ctx context.Context) (config.NodeConfig, error)
	Release(cfg config.NodeConfig) error
}

// StaticProvisioner hands out pre-configured standby addresses. Scale-down
// returns the address to the pool so a later scale-up can reuse it.
type StaticProvisioner struct {
	mu      sync.Mutex
	standby []config.NodeConfig
}

func NewStaticProvisioner(standby []config.NodeConfig) *StaticProvisioner {
	pool := make([]config.NodeConfig, len(standby))
	copy(pool, standby)
	return &StaticProvisioner{standby: pool}
}

func (p *StaticProvisioner) Acquire(ctx context.Context) (config.NodeConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.standby) == 0 {
		return config.NodeConfig{}, ErrNoStandbyNodes
	}
	cfg := p.standby[0]
	p.standby = p.standby[1:]
	if cfg.Role == "" {
		cfg.Role = string(RoleReplica)
	}
	return cfg, nil
}

func (p *StaticProvisioner) Release(cfg config.NodeConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.standby = append(p.standby, cfg)
	return nil
}

func (p *StaticProvisioner) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.standby)
}
