package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ocbridge/ocbridge/internal/domain"
)

const syncColumns = `username, local_version, remote_version, pending_op, attempts, last_error, failed, last_synced_at`

// GetSyncRecord returns the convergence record for one username. A missing
// record means the user has never been synced.
func (s *Store) GetSyncRecord(ctx context.Context, username string) (domain.SyncRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+syncColumns+` FROM sync_records WHERE username = ?`, username)
	r, err := scanSyncRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncRecord{}, false, nil
	}
	if err != nil {
		return domain.SyncRecord{}, false, err
	}
	return r, true, nil
}

// ListSyncRecords returns all convergence records.
func (s *Store) ListSyncRecords(ctx context.Context) ([]domain.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncColumns+` FROM sync_records ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.SyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PutSyncRecord inserts or replaces a convergence record.
func (s *Store) PutSyncRecord(ctx context.Context, r domain.SyncRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_records (username, local_version, remote_version, pending_op, attempts, last_error, failed, last_synced_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(username) DO UPDATE SET
	local_version = excluded.local_version,
	remote_version = excluded.remote_version,
	pending_op = excluded.pending_op,
	attempts = excluded.attempts,
	last_error = excluded.last_error,
	failed = excluded.failed,
	last_synced_at = excluded.last_synced_at`,
		r.Username, r.LocalVersion, r.RemoteVersion, r.PendingOp,
		r.Attempts, r.LastError, boolToInt(r.Failed), nullableTime(r.LastSyncedAt))
	return err
}

// DeleteSyncRecord drops the convergence record for a username.
func (s *Store) DeleteSyncRecord(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_records WHERE username = ?`, username)
	return err
}

func scanSyncRecord(row rowScanner) (domain.SyncRecord, error) {
	var r domain.SyncRecord
	var failed int
	var synced sql.NullTime
	err := row.Scan(&r.Username, &r.LocalVersion, &r.RemoteVersion, &r.PendingOp,
		&r.Attempts, &r.LastError, &failed, &synced)
	if err != nil {
		return domain.SyncRecord{}, err
	}
	r.Failed = failed != 0
	r.LastSyncedAt = timePtr(synced)
	return r, nil
}
