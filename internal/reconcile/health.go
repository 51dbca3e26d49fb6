package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocbridge/ocbridge/internal/domain"
)

// StatusAPI is the subset of the control API the prober needs.
type StatusAPI interface {
	GetStatus(ctx context.Context) (domain.NodeStatus, error)
}

// HealthStore persists the prober's verdicts. Satisfied by *sqlite.Store.
type HealthStore interface {
	UpdateNodeHealth(ctx context.Context, id, state string, lastSeen *time.Time) error
}

// Prober polls an exit node's status endpoint and tracks its health with
/// hysteresis: one success marks the node up, but it takes DownAfter
// consecutive failures to mark it down, so a single lost probe never flaps
// the state.
type Prober struct {
	log       *slog.Logger
	api       StatusAPI
	store     HealthStore
	nodeID    string
	interval  time.Duration
	downAfter int

	mu       sync.Mutex
	state    string
	failures int
}

// NewProber builds a health prober for one node.
func NewProber(logger *slog.Logger, api StatusAPI, store HealthStore, nodeID string, interval time.Duration, downAfter int) *Prober {
	return &Prober{
		log:       logger,
		api:       api,
		store:     store,
		nodeID:    nodeID,
		interval:  interval,
		downAfter: downAfter,
		state:     domain.HealthUnknown,
	}
}

// State returns the current health verdict.
func (p *Prober) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run probes on the configured interval until ctx is cancelled. The first
// probe fires immediately.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce performs a single probe and updates the stored verdict when it
// changes.
func (p *Prober) ProbeOnce(ctx context.Context) {
	status, err := p.api.GetStatus(ctx)
	healthy := err == nil && status.DaemonAlive

	p.mu.Lock()
	prev := p.state
	if healthy {
		p.failures = 0
		p.state = domain.HealthUp
	} else {
		p.failures++
		if p.failures >= p.downAfter {
			p.state = domain.HealthDown
		}
	}
	cur := p.state
	failures := p.failures
	p.mu.Unlock()

	if !healthy {
		p.log.Debug("node probe failed", "node", p.nodeID, "failures", failures, "err", err)
	}
	if cur == prev {
		if healthy {
			now := time.Now().UTC()
			if err := p.store.UpdateNodeHealth(ctx, p.nodeID, cur, &now); err != nil {
				p.log.Warn("node health update failed", "node", p.nodeID, "err", err)
			}
		}
		return
	}

	var lastSeen *time.Time
	if healthy {
		now := time.Now().UTC()
		lastSeen = &now
	}
	if err := p.store.UpdateNodeHealth(ctx, p.nodeID, cur, lastSeen); err != nil {
		p.log.Warn("node health update failed", "node", p.nodeID, "err", err)
		return
	}
	if cur == domain.HealthDown {
		p.log.Warn("node marked down", "node", p.nodeID, "failures", failures)
	} else {
		p.log.Info("node marked up", "node", p.nodeID)
	}
}
