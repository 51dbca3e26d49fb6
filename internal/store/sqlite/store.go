// Package sqlite implements the ocbridge data store backed by a SQLite
// database. The entry node keeps the authoritative user table plus remote
// node and sync bookkeeping; the exit node keeps only the mirror user table.
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all ocbridge persistence.
type Store struct {
	db *sql.DB

	getUserStmt   *sql.Stmt
	getMirrorStmt *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const getUserQuery = `
SELECT username, secret, quota_bytes, used_bytes, expires_at, max_devices, enabled, version, created_at, updated_at
FROM users WHERE username = ?`

const getMirrorQuery = `
SELECT username, secret_hash, quota_bytes, expires_at, max_devices, enabled, version, updated_at
FROM mirror_users WHERE username = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go through the DSN so every pooled connection
	// gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.getUserStmt, err = s.db.PrepareContext(ctx, getUserQuery); err != nil {
		return fmt.Errorf("prepare get user query: %w", err)
	}
	if s.getMirrorStmt, err = s.db.PrepareContext(ctx, getMirrorQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare get mirror query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.getUserStmt))
	err = errors.Join(err, closeStmt(&s.getMirrorStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	secret TEXT NOT NULL,
	quota_bytes INTEGER NOT NULL DEFAULT 0,
	used_bytes INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME NULL,
	max_devices INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS remote_nodes (
	id TEXT PRIMARY KEY,
	host TEXT NOT NULL UNIQUE,
	relay_port INTEGER NOT NULL,
	api_port INTEGER NOT NULL,
	token TEXT NOT NULL,
	health_state TEXT NOT NULL,
	last_seen_at DATETIME NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_records (
	username TEXT PRIMARY KEY,
	local_version INTEGER NOT NULL DEFAULT 0,
	remote_version INTEGER NOT NULL DEFAULT 0,
	pending_op TEXT NOT NULL DEFAULT 'none',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	failed INTEGER NOT NULL DEFAULT 0,
	last_synced_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS mirror_users (
	username TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	quota_bytes INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME NULL,
	max_devices INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	version INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_enabled ON users(enabled);
CREATE INDEX IF NOT EXISTS idx_sync_records_pending ON sync_records(pending_op);
CREATE INDEX IF NOT EXISTS idx_remote_nodes_host ON remote_nodes(host);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func newID(prefix string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
