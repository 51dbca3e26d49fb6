package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ocbridge/ocbridge/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertUserVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, domain.VPNUser{
		Username: "alice", Secret: "s3cret", QuotaBytes: 10 << 30, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if u.Version != 1 {
		t.Fatalf("new user must start at version 1, got %d", u.Version)
	}

	// Identical upsert is a no-op.
	again, err := s.UpsertUser(ctx, domain.VPNUser{
		Username: "alice", Secret: "s3cret", QuotaBytes: 10 << 30, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.Version != 1 {
		t.Fatalf("identical upsert must not bump version, got %d", again.Version)
	}

	// A material change bumps the version.
	changed, err := s.UpsertUser(ctx, domain.VPNUser{
		Username: "alice", Secret: "newsecret", QuotaBytes: 10 << 30, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if changed.Version != 2 {
		t.Fatalf("secret change must bump version, got %d", changed.Version)
	}
}

func TestUpsertUserPreservesUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertUser(ctx, domain.VPNUser{Username: "bob", Secret: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddUsage(ctx, "bob", 4096); err != nil {
		t.Fatal(err)
	}
	u, err := s.UpsertUser(ctx, domain.VPNUser{Username: "bob", Secret: "y", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if u.UsedBytes != 4096 {
		t.Fatalf("update clobbered usage counter: %d", u.UsedBytes)
	}
}

func TestAddUsageBumpsVersionOnlyOnQuotaFlip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertUser(ctx, domain.VPNUser{
		Username: "carol", Secret: "x", QuotaBytes: 1000, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	u, err := s.AddUsage(ctx, "carol", 500)
	if err != nil {
		t.Fatal(err)
	}
	if u.Version != 1 {
		t.Fatalf("routine accounting must not bump version, got %d", u.Version)
	}

	u, err = s.AddUsage(ctx, "carol", 600)
	if err != nil {
		t.Fatal(err)
	}
	if u.Version != 2 {
		t.Fatalf("crossing the quota must bump version, got %d", u.Version)
	}
	if u.EffectiveEnabled(time.Now()) {
		t.Fatal("user over quota must not be effectively enabled")
	}

	u, err = s.ResetUsage(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if u.UsedBytes != 0 || u.Version != 3 {
		t.Fatalf("reset must zero usage and bump version, got used=%d version=%d", u.UsedBytes, u.Version)
	}
}

func TestDeleteUserLeavesTombstone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertUser(ctx, domain.VPNUser{Username: "dave", Secret: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUser(ctx, "dave"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetUser(ctx, "dave"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
	rec, ok, err := s.GetSyncRecord(ctx, "dave")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rec.PendingOp != domain.SyncOpDelete {
		t.Fatalf("expected delete tombstone, got ok=%v op=%q", ok, rec.PendingOp)
	}

	if err := s.DeleteUser(ctx, "dave"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("deleting twice must report not found, got %v", err)
	}
}

func TestNodeLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.CreateNode(ctx, domain.RemoteNode{
		Host: "exit.example.com", RelayPort: 8443, APIPort: 6443, Token: "tok",
	})
	if err != nil {
		t.Fatal(err)
	}
	if n.ID == "" || n.HealthState != domain.HealthUnknown {
		t.Fatalf("unexpected created node %+v", n)
	}

	if _, err := s.CreateNode(ctx, domain.RemoteNode{
		Host: "exit.example.com", RelayPort: 1, APIPort: 2, Token: "other",
	}); !errors.Is(err, ErrNodeHostInUse) {
		t.Fatalf("expected host conflict, got %v", err)
	}

	byHost, err := s.GetNode(ctx, "exit.example.com")
	if err != nil || byHost.ID != n.ID {
		t.Fatalf("lookup by host failed: %+v %v", byHost, err)
	}

	now := time.Now().UTC()
	if err := s.UpdateNodeHealth(ctx, n.ID, domain.HealthUp, &now); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HealthState != domain.HealthUp || got.LastSeenAt == nil {
		t.Fatalf("health update not applied: %+v", got)
	}

	if err := s.DeleteNode(ctx, n.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetNode(ctx, n.ID); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("expected node not found, got %v", err)
	}
}

func TestSyncRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := domain.SyncRecord{
		Username:      "alice",
		LocalVersion:  3,
		RemoteVersion: 3,
		PendingOp:     domain.SyncOpNone,
		LastSyncedAt:  &now,
	}
	if err := s.PutSyncRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetSyncRecord(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("get sync record: ok=%v err=%v", ok, err)
	}
	if !got.InSync() {
		t.Fatalf("expected in-sync record, got %+v", got)
	}

	got.Attempts = 5
	got.Failed = true
	got.LastError = "api unreachable"
	if err := s.PutSyncRecord(ctx, got); err != nil {
		t.Fatal(err)
	}
	got2, _, err := s.GetSyncRecord(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !got2.Failed || got2.Attempts != 5 || got2.LastError != "api unreachable" {
		t.Fatalf("failure state lost: %+v", got2)
	}

	if err := s.DeleteSyncRecord(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetSyncRecord(ctx, "alice"); ok {
		t.Fatal("record must be gone after delete")
	}
}

func TestMirrorUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	m := domain.MirrorUser{
		Username:   "alice",
		SecretHash: "$2a$10$abcdefghijklmnopqrstuv",
		QuotaBytes: 10 << 30,
		ExpiresAt:  &exp,
		MaxDevices: 2,
		Enabled:    true,
		Version:    7,
	}
	if err := s.UpsertMirrorUser(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMirrorUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 7 || !got.Enabled || got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("mirror round trip mismatch: %+v", got)
	}

	m.Enabled = false
	m.Version = 8
	if err := s.UpsertMirrorUser(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetMirrorUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.Version != 8 {
		t.Fatalf("mirror update not applied: %+v", got)
	}

	if err := s.DeleteMirrorUser(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMirrorUser(ctx, "alice"); err != nil {
		t.Fatalf("mirror delete must be idempotent, got %v", err)
	}
	if _, err := s.GetMirrorUser(ctx, "alice"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}
