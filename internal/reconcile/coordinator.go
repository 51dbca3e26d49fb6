// Package reconcile keeps an exit node's user mirror converged with the
// entry node's authoritative store. A periodic pass diffs local users
// against per-user sync records and pushes creates, updates, and deletes
// through the control API with a bounded worker pool.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocbridge/ocbridge/internal/controlapi"
	"github.com/ocbridge/ocbridge/internal/domain"
)

// Store is the entry-node persistence surface the coordinator needs.
// Satisfied by *sqlite.Store.
type Store interface {
	ListUsers(ctx context.Context) ([]domain.VPNUser, error)
	ListSyncRecords(ctx context.Context) ([]domain.SyncRecord, error)
	PutSyncRecord(ctx context.Context, r domain.SyncRecord) error
	DeleteSyncRecord(ctx context.Context, username string) error
}

// NodeAPI is the control API surface the coordinator pushes through.
// Satisfied by *controlapi.Client.
type NodeAPI interface {
	UpsertUser(ctx context.Context, u controlapi.UserPayload) (controlapi.UpsertResponse, error)
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]controlapi.UserSummary, error)
}

// Options tunes the coordinator.
type Options struct {
	Interval time.Duration
	Workers  int
	// RetryCeiling is the attempt count at which a record is marked
	// permanently failed. Failed records are still retried on later
	// passes; the mark is for operators, not a stop condition.
	RetryCeiling int
}

// Coordinator drives user synchronization toward one exit node.
type Coordinator struct {
	log   *slog.Logger
	store Store
	api   NodeAPI
	opts  Options

	passMu sync.Mutex // one pass at a time
	kick   chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool
}

type syncOp struct {
	op   string // domain.SyncOpCreate/Update/Delete
	user domain.VPNUser
	rec  domain.SyncRecord
}

// New builds a coordinator.
func New(logger *slog.Logger, store Store, api NodeAPI, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = 5
	}
	return &Coordinator{
		log:      logger,
		store:    store,
		api:      api,
		opts:     opts,
		kick:     make(chan struct{}, 1),
		inFlight: make(map[string]bool),
	}
}

// Kick requests an out-of-band pass from a running [Coordinator.Run] loop,
// so a local mutation converges without waiting out the interval. Kicks
// coalesce; calling while a kick is pending is a no-op.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run reconciles on the configured interval until ctx is cancelled. One
// pass runs immediately on startup.
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.ReconcileOnce(ctx); err != nil {
		c.log.Warn("reconcile pass failed", "err", err)
	}
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if err := c.ReconcileOnce(ctx); err != nil {
			c.log.Warn("reconcile pass failed", "err", err)
		}
	}
}

// ReconcileOnce performs a single convergence pass. Overlapping passes are
// serialized; per-user operations never run concurrently with themselves.
func (c *Coordinator) ReconcileOnce(ctx context.Context) error {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	users, err := c.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	records, err := c.store.ListSyncRecords(ctx)
	if err != nil {
		return err
	}

	recByUser := make(map[string]domain.SyncRecord, len(records))
	for _, r := range records {
		recByUser[r.Username] = r
	}
	userByName := make(map[string]domain.VPNUser, len(users))
	for _, u := range users {
		userByName[u.Username] = u
	}

	var ops []syncOp
	for _, u := range users {
		rec, known := recByUser[u.Username]
		switch {
		case !known:
			ops = append(ops, syncOp{op: domain.SyncOpCreate, user: u, rec: domain.SyncRecord{Username: u.Username}})
		case rec.RemoteVersion != u.Version || rec.PendingOp != domain.SyncOpNone:
			op := domain.SyncOpUpdate
			if rec.RemoteVersion == 0 {
				op = domain.SyncOpCreate
			}
			ops = append(ops, syncOp{op: op, user: u, rec: rec})
		}
	}
	for _, r := range records {
		if _, exists := userByName[r.Username]; !exists && r.PendingOp == domain.SyncOpDelete {
			ops = append(ops, syncOp{op: domain.SyncOpDelete, rec: r})
		}
	}

	// Orphans: remote users neither present locally nor pending deletion
	// are removed so the mirror never outlives the authoritative store.
	if remote, err := c.api.ListUsers(ctx); err == nil {
		for _, m := range remote {
			if _, exists := userByName[m.Username]; exists {
				continue
			}
			if _, tracked := recByUser[m.Username]; tracked {
				continue
			}
			ops = append(ops, syncOp{op: domain.SyncOpDelete, rec: domain.SyncRecord{Username: m.Username}})
		}
	} else {
		c.log.Warn("remote user list unavailable, skipping orphan check", "err", err)
	}

	if len(ops) == 0 {
		return nil
	}

	work := make(chan syncOp)
	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range work {
				c.execute(ctx, op)
			}
		}()
	}
	for _, op := range ops {
		if !c.claim(op.rec.Username) {
			continue
		}
		select {
		case work <- op:
		case <-ctx.Done():
			c.release(op.rec.Username)
		}
	}
	close(work)
	wg.Wait()
	return ctx.Err()
}

func (c *Coordinator) claim(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[username] {
		return false
	}
	c.inFlight[username] = true
	return true
}

func (c *Coordinator) release(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, username)
}

func (c *Coordinator) execute(ctx context.Context, op syncOp) {
	defer c.release(op.rec.Username)

	switch op.op {
	case domain.SyncOpCreate, domain.SyncOpUpdate:
		c.push(ctx, op)
	case domain.SyncOpDelete:
		c.remove(ctx, op)
	}
}

// push sends the user's current state. Quota and expiry enforcement are
// folded into the enabled flag here, so the exit node needs no clock or
// usage knowledge of its own.
func (c *Coordinator) push(ctx context.Context, op syncOp) {
	u := op.user
	now := time.Now()
	payload := controlapi.UserPayload{
		Username:   u.Username,
		Secret:     u.Secret,
		QuotaBytes: u.QuotaBytes,
		ExpiresAt:  u.ExpiresAt,
		MaxDevices: u.MaxDevices,
		Enabled:    u.EffectiveEnabled(now),
		Version:    u.Version,
	}

	resp, err := c.api.UpsertUser(ctx, payload)
	if err != nil {
		c.recordFailure(ctx, op, err)
		return
	}

	syncedAt := time.Now().UTC()
	rec := domain.SyncRecord{
		Username:      u.Username,
		LocalVersion:  u.Version,
		RemoteVersion: u.Version,
		PendingOp:     domain.SyncOpNone,
		LastSyncedAt:  &syncedAt,
	}
	if err := c.store.PutSyncRecord(ctx, rec); err != nil {
		c.log.Error("sync record write failed", "user", u.Username, "err", err)
		return
	}
	c.log.Info("user synced", "user", u.Username, "op", op.op,
		"version", u.Version, "enabled", payload.Enabled, "applied", resp.Applied)
}

func (c *Coordinator) remove(ctx context.Context, op syncOp) {
	username := op.rec.Username
	if err := c.api.DeleteUser(ctx, username); err != nil {
		c.recordFailure(ctx, op, err)
		return
	}
	if err := c.store.DeleteSyncRecord(ctx, username); err != nil {
		c.log.Error("sync record delete failed", "user", username, "err", err)
		return
	}
	c.log.Info("user removed from node", "user", username)
}

func (c *Coordinator) recordFailure(ctx context.Context, op syncOp, cause error) {
	rec := op.rec
	rec.PendingOp = op.op
	if op.op != domain.SyncOpDelete {
		rec.LocalVersion = op.user.Version
	}
	rec.Attempts++
	rec.LastError = cause.Error()
	if rec.Attempts >= c.opts.RetryCeiling && !rec.Failed {
		rec.Failed = true
		c.log.Error("sync retry ceiling reached", "user", rec.Username,
			"op", op.op, "attempts", rec.Attempts, "err", domain.ErrSyncFailed)
	} else {
		c.log.Warn("sync operation failed", "user", rec.Username,
			"op", op.op, "attempts", rec.Attempts, "err", cause)
	}
	if err := c.store.PutSyncRecord(ctx, rec); err != nil {
		c.log.Error("sync record write failed", "user", rec.Username, "err", err)
	}
}
