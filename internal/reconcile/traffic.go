package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ocbridge/ocbridge/internal/controlapi"
	"github.com/ocbridge/ocbridge/internal/domain"
)

// UsageStore persists accumulated traffic. Satisfied by *sqlite.Store.
type UsageStore interface {
	AddUsage(ctx context.Context, username string, bytes int64) (domain.VPNUser, error)
}

// TrafficAPI reports live per-user session counters. Satisfied by
// *controlapi.Client.
type TrafficAPI interface {
	GetTraffic(ctx context.Context) ([]controlapi.TrafficSample, error)
}

// TrafficPoller polls the exit node's session counters and feeds deltas
// into the authoritative usage ledger. Session counters restart from zero
// on reconnect, so the poller tracks the last observed value per user and
// accumulates only growth; users that drop offline are re-baselined.
type TrafficPoller struct {
	log         *slog.Logger
	api         TrafficAPI
	store       UsageStore
	coordinator *Coordinator
	interval    time.Duration

	last map[string]int64
}

// NewTrafficPoller builds a poller. coordinator may be nil; when set it is
// kicked as soon as accounting pushes a user over quota, so the disable
// reaches the exit node without waiting for the next pass.
func NewTrafficPoller(logger *slog.Logger, api TrafficAPI, store UsageStore, coordinator *Coordinator, interval time.Duration) *TrafficPoller {
	return &TrafficPoller{
		log:         logger,
		api:         api,
		store:       store,
		coordinator: coordinator,
		interval:    interval,
		last:        make(map[string]int64),
	}
}

// Run polls on the configured interval until ctx is cancelled.
func (p *TrafficPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.log.Warn("traffic poll failed", "err", err)
			}
		}
	}
}

// PollOnce fetches current counters and records per-user deltas.
func (p *TrafficPoller) PollOnce(ctx context.Context) error {
	samples, err := p.api.GetTraffic(ctx)
	if err != nil {
		return err
	}

	online := make(map[string]bool, len(samples))
	kick := false
	for _, s := range samples {
		cur := s.RxBytes + s.TxBytes
		online[s.Username] = true
		prev := p.last[s.Username]
		p.last[s.Username] = cur

		delta := cur - prev
		if delta <= 0 {
			// A shrinking counter means the session restarted; the new
			// baseline is recorded and growth resumes from there.
			continue
		}
		u, err := p.store.AddUsage(ctx, s.Username, delta)
		if err != nil {
			if errors.Is(err, domain.ErrUserNotFound) {
				continue
			}
			p.log.Warn("usage write failed", "user", s.Username, "err", err)
			continue
		}
		if u.QuotaExceeded() {
			p.log.Info("user exceeded quota", "user", s.Username,
				"used", u.UsedBytes, "quota", u.QuotaBytes)
			kick = true
		}
	}

	// Forget users that went offline so their next session starts a fresh
	// baseline at zero.
	for username := range p.last {
		if !online[username] {
			delete(p.last, username)
		}
	}

	if kick && p.coordinator != nil {
		p.coordinator.Kick()
	}
	return nil
}
