package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ocbridge/ocbridge/internal/domain"
)

// UpsertUser inserts or updates a VPN user. Material changes bump the
// record version so the sync coordinator pushes them out; an identical
// upsert is a no-op and leaves the version alone. Usage counters are
// preserved across updates.
func (s *Store) UpsertUser(ctx context.Context, u domain.VPNUser) (domain.VPNUser, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.VPNUser{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	existing, err := scanUserRow(tx.QueryRowContext(ctx, getUserQuery, u.Username))
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		u.Version = 1
		u.UsedBytes = 0
		u.CreatedAt = now
		u.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
INSERT INTO users (username, secret, quota_bytes, used_bytes, expires_at, max_devices, enabled, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.Username, u.Secret, u.QuotaBytes, u.UsedBytes, nullableTime(u.ExpiresAt),
			u.MaxDevices, boolToInt(u.Enabled), u.Version, u.CreatedAt, u.UpdatedAt)
		if err != nil {
			return domain.VPNUser{}, fmt.Errorf("insert user: %w", err)
		}
	case err != nil:
		return domain.VPNUser{}, err
	default:
		if sameUserSpec(existing, u) {
			return existing, nil
		}
		u.Version = existing.Version + 1
		u.UsedBytes = existing.UsedBytes
		u.CreatedAt = existing.CreatedAt
		u.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
UPDATE users SET secret = ?, quota_bytes = ?, expires_at = ?, max_devices = ?, enabled = ?, version = ?, updated_at = ?
WHERE username = ?`,
			u.Secret, u.QuotaBytes, nullableTime(u.ExpiresAt), u.MaxDevices,
			boolToInt(u.Enabled), u.Version, u.UpdatedAt, u.Username)
		if err != nil {
			return domain.VPNUser{}, fmt.Errorf("update user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.VPNUser{}, err
	}
	return u, nil
}

// GetUser looks up one user by name.
func (s *Store) GetUser(ctx context.Context, username string) (domain.VPNUser, error) {
	return scanUserRow(s.getUserStmt.QueryRowContext(ctx, username))
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]domain.VPNUser, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT username, secret, quota_bytes, used_bytes, expires_at, max_devices, enabled, version, created_at, updated_at
FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.VPNUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user and leaves a delete tombstone in the sync
// records so the mirror copy is removed on the next reconcile pass.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO sync_records (username, local_version, remote_version, pending_op, attempts, last_error, failed, last_synced_at)
VALUES (?, 0, 0, ?, 0, '', 0, NULL)
ON CONFLICT(username) DO UPDATE SET pending_op = excluded.pending_op, attempts = 0, last_error = '', failed = 0`,
		username, domain.SyncOpDelete)
	if err != nil {
		return fmt.Errorf("record delete tombstone: %w", err)
	}
	return tx.Commit()
}

// AddUsage adds consumed traffic bytes to a user. The version is bumped
// only when the addition flips the user's effective enablement, so routine
// accounting does not trigger sync churn.
func (s *Store) AddUsage(ctx context.Context, username string, bytes int64) (domain.VPNUser, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.VPNUser{}, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUserRow(tx.QueryRowContext(ctx, getUserQuery, username))
	if err != nil {
		return domain.VPNUser{}, err
	}

	now := time.Now().UTC()
	before := u.EffectiveEnabled(now)
	u.UsedBytes += bytes
	if u.UsedBytes < 0 {
		u.UsedBytes = 0
	}
	if u.EffectiveEnabled(now) != before {
		u.Version++
	}
	u.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
UPDATE users SET used_bytes = ?, version = ?, updated_at = ? WHERE username = ?`,
		u.UsedBytes, u.Version, u.UpdatedAt, username)
	if err != nil {
		return domain.VPNUser{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VPNUser{}, err
	}
	return u, nil
}

// ResetUsage zeroes a user's consumed traffic counter.
func (s *Store) ResetUsage(ctx context.Context, username string) (domain.VPNUser, error) {
	u, err := s.GetUser(ctx, username)
	if err != nil {
		return domain.VPNUser{}, err
	}
	return s.AddUsage(ctx, username, -u.UsedBytes)
}

func sameUserSpec(a, b domain.VPNUser) bool {
	return a.Secret == b.Secret &&
		a.QuotaBytes == b.QuotaBytes &&
		a.MaxDevices == b.MaxDevices &&
		a.Enabled == b.Enabled &&
		sameTimePtr(a.ExpiresAt, b.ExpiresAt)
}

func sameTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserRow(row *sql.Row) (domain.VPNUser, error) {
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VPNUser{}, domain.ErrUserNotFound
	}
	return u, err
}

func scanUser(row rowScanner) (domain.VPNUser, error) {
	var u domain.VPNUser
	var expires, created, updated sql.NullTime
	var enabled int
	err := row.Scan(&u.Username, &u.Secret, &u.QuotaBytes, &u.UsedBytes, &expires,
		&u.MaxDevices, &enabled, &u.Version, &created, &updated)
	if err != nil {
		return domain.VPNUser{}, err
	}
	u.ExpiresAt = timePtr(expires)
	u.Enabled = enabled != 0
	u.CreatedAt = created.Time
	u.UpdatedAt = updated.Time
	return u, nil
}
