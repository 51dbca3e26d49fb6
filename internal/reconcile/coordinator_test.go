package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ocbridge/ocbridge/internal/controlapi"
	"github.com/ocbridge/ocbridge/internal/domain"
	"github.com/ocbridge/ocbridge/internal/store/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI is an in-memory exit node.
type fakeAPI struct {
	mu       sync.Mutex
	users    map[string]controlapi.UserPayload
	upserts  int
	deletes  int
	failWith error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{users: make(map[string]controlapi.UserPayload)}
}

func (f *fakeAPI) UpsertUser(ctx context.Context, u controlapi.UserPayload) (controlapi.UpsertResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return controlapi.UpsertResponse{}, f.failWith
	}
	f.upserts++
	f.users[u.Username] = u
	return controlapi.UpsertResponse{Applied: true, Version: u.Version}, nil
}

func (f *fakeAPI) DeleteUser(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.deletes++
	delete(f.users, username)
	return nil
}

func (f *fakeAPI) DisconnectUser(ctx context.Context, username string) error { return nil }

func (f *fakeAPI) ListUsers(ctx context.Context) ([]controlapi.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]controlapi.UserSummary, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, controlapi.UserSummary{
			Username: u.Username, Enabled: u.Enabled, Version: u.Version,
		})
	}
	return out, nil
}

func (f *fakeAPI) user(username string) (controlapi.UserPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	return u, ok
}

func (f *fakeAPI) counts() (upserts, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts, f.deletes
}

func (f *fakeAPI) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func newFixture(t *testing.T) (*Coordinator, *sqlite.Store, *fakeAPI) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "entry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	api := newFakeAPI()
	coord := New(testLogger(), store, api, Options{
		Interval: time.Hour, Workers: 4, RetryCeiling: 5,
	})
	return coord, store, api
}

func TestReconcileCreatesNewUser(t *testing.T) {
	coord, store, api := newFixture(t)
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, domain.VPNUser{
		Username: "alice", Secret: "s3cret", QuotaBytes: 10 << 30, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	pushed, ok := api.user("alice")
	if !ok {
		t.Fatal("alice never reached the node")
	}
	if !pushed.Enabled || pushed.QuotaBytes != 10<<30 || pushed.Version != 1 || pushed.Secret != "s3cret" {
		t.Fatalf("unexpected payload %+v", pushed)
	}

	rec, found, err := store.GetSyncRecord(ctx, "alice")
	if err != nil || !found {
		t.Fatalf("sync record missing: %v", err)
	}
	if !rec.InSync() || rec.LastSyncedAt == nil {
		t.Fatalf("record not in sync: %+v", rec)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	coord, store, api := newFixture(t)
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, domain.VPNUser{Username: "alice", Secret: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	before, _ := api.counts()

	// A second pass with no changes must not touch the node.
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := api.counts()
	if after != before {
		t.Fatalf("converged pass still pushed (%d -> %d upserts)", before, after)
	}
}

func TestReconcilePushesQuotaDisable(t *testing.T) {
	coord, store, api := newFixture(t)
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, domain.VPNUser{
		Username: "alice", Secret: "x", QuotaBytes: 1000, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// Consumption beyond the quota bumps the version and the next pass
	// pushes the user as disabled without deleting the account.
	if _, err := store.AddUsage(ctx, "alice", 2000); err != nil {
		t.Fatal(err)
	}
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	pushed, ok := api.user("alice")
	if !ok {
		t.Fatal("alice disappeared from the node")
	}
	if pushed.Enabled {
		t.Fatal("over-quota user must be pushed as disabled")
	}
	if pushed.Version != 2 {
		t.Fatalf("expected version 2, got %d", pushed.Version)
	}
}

func TestReconcileDeletesTombstonedUser(t *testing.T) {
	coord, store, api := newFixture(t)
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, domain.VPNUser{Username: "bob", Secret: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteUser(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok := api.user("bob"); ok {
		t.Fatal("deleted user still on the node")
	}
	if _, found, _ := store.GetSyncRecord(ctx, "bob"); found {
		t.Fatal("tombstone must be removed after successful delete")
	}
}

func TestReconcileRemovesOrphans(t *testing.T) {
	coord, _, api := newFixture(t)
	ctx := context.Background()

	// A user on the node with no local counterpart and no tombstone.
	api.users["ghost"] = controlapi.UserPayload{Username: "ghost", Enabled: true, Version: 9}

	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := api.user("ghost"); ok {
		t.Fatal("orphan survived reconciliation")
	}
}

func TestReconcileRetryCeilingMarksFailure(t *testing.T) {
	coord, store, api := newFixture(t)
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, domain.VPNUser{Username: "carol", Secret: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	api.setFailure(errors.New("api unreachable"))

	for i := 0; i < 5; i++ {
		if err := coord.ReconcileOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}

	rec, found, err := store.GetSyncRecord(ctx, "carol")
	if err != nil || !found {
		t.Fatalf("sync record missing: %v", err)
	}
	if !rec.Failed || rec.Attempts != 5 || rec.LastError == "" {
		t.Fatalf("expected permanent failure mark after 5 attempts, got %+v", rec)
	}

	// The failure mark never stops retries; recovery converges.
	api.setFailure(nil)
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	rec, _, err = store.GetSyncRecord(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Failed || !rec.InSync() {
		t.Fatalf("recovered user must clear the failure mark, got %+v", rec)
	}
}

func TestKickTriggersPassBeforeInterval(t *testing.T) {
	coord, store, api := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	// The interval is an hour; only a kick can converge this mutation.
	if _, err := store.UpsertUser(ctx, domain.VPNUser{Username: "erin", Secret: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	coord.Kick()

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := api.user("erin"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("kicked mutation never reached the node")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestReconcileRecreatedUserOverridesTombstone(t *testing.T) {
	coord, store, api := newFixture(t)
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, domain.VPNUser{Username: "dave", Secret: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteUser(ctx, "dave"); err != nil {
		t.Fatal(err)
	}
	// Recreate before the tombstone is pushed.
	if _, err := store.UpsertUser(ctx, domain.VPNUser{Username: "dave", Secret: "y", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := coord.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	pushed, ok := api.user("dave")
	if !ok {
		t.Fatal("recreated user missing from the node")
	}
	if pushed.Secret != "y" {
		t.Fatalf("stale payload pushed: %+v", pushed)
	}
}
