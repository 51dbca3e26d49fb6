package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ocbridge/ocbridge/internal/domain"
)

// UpsertMirrorUser inserts or replaces the exit node's copy of a user.
func (s *Store) UpsertMirrorUser(ctx context.Context, m domain.MirrorUser) error {
	m.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mirror_users (username, secret_hash, quota_bytes, expires_at, max_devices, enabled, version, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(username) DO UPDATE SET
	secret_hash = excluded.secret_hash,
	quota_bytes = excluded.quota_bytes,
	expires_at = excluded.expires_at,
	max_devices = excluded.max_devices,
	enabled = excluded.enabled,
	version = excluded.version,
	updated_at = excluded.updated_at`,
		m.Username, m.SecretHash, m.QuotaBytes, nullableTime(m.ExpiresAt),
		m.MaxDevices, boolToInt(m.Enabled), m.Version, m.UpdatedAt)
	return err
}

// GetMirrorUser looks up one mirrored user by name.
func (s *Store) GetMirrorUser(ctx context.Context, username string) (domain.MirrorUser, error) {
	row := s.getMirrorStmt.QueryRowContext(ctx, username)
	m, err := scanMirrorUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MirrorUser{}, domain.ErrUserNotFound
	}
	return m, err
}

// ListMirrorUsers returns all mirrored users ordered by name.
func (s *Store) ListMirrorUsers(ctx context.Context) ([]domain.MirrorUser, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT username, secret_hash, quota_bytes, expires_at, max_devices, enabled, version, updated_at
FROM mirror_users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.MirrorUser
	for rows.Next() {
		m, err := scanMirrorUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, m)
	}
	return users, rows.Err()
}

// DeleteMirrorUser removes a mirrored user. Deleting an absent user is not
// an error; mirror deletion must stay idempotent.
func (s *Store) DeleteMirrorUser(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mirror_users WHERE username = ?`, username)
	return err
}

func scanMirrorUser(row rowScanner) (domain.MirrorUser, error) {
	var m domain.MirrorUser
	var expires, updated sql.NullTime
	var enabled int
	err := row.Scan(&m.Username, &m.SecretHash, &m.QuotaBytes, &expires,
		&m.MaxDevices, &enabled, &m.Version, &updated)
	if err != nil {
		return domain.MirrorUser{}, err
	}
	m.ExpiresAt = timePtr(expires)
	m.Enabled = enabled != 0
	m.UpdatedAt = updated.Time
	return m, nil
}
