package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ocbridge/ocbridge/internal/domain"
)

// ErrNodeHostInUse is returned when a node with the same host is already
// registered.
var ErrNodeHostInUse = errors.New("remote node host already registered")

const nodeColumns = `id, host, relay_port, api_port, token, health_state, last_seen_at, created_at`

// CreateNode registers a new exit node and assigns it an ID.
func (s *Store) CreateNode(ctx context.Context, n domain.RemoteNode) (domain.RemoteNode, error) {
	id, err := newID("node")
	if err != nil {
		return domain.RemoteNode{}, err
	}
	n.ID = id
	n.HealthState = domain.HealthUnknown
	n.LastSeenAt = nil
	n.CreatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO remote_nodes (id, host, relay_port, api_port, token, health_state, last_seen_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		n.ID, n.Host, n.RelayPort, n.APIPort, n.Token, n.HealthState, n.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.RemoteNode{}, ErrNodeHostInUse
		}
		return domain.RemoteNode{}, fmt.Errorf("insert node: %w", err)
	}
	return n, nil
}

// GetNode looks up a node by ID or host.
func (s *Store) GetNode(ctx context.Context, ref string) (domain.RemoteNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM remote_nodes WHERE id = ? OR host = ?`, ref, ref)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RemoteNode{}, domain.ErrNodeNotFound
	}
	return n, err
}

// ListNodes returns all registered exit nodes ordered by creation time.
func (s *Store) ListNodes(ctx context.Context) ([]domain.RemoteNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM remote_nodes ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []domain.RemoteNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// DeleteNode removes a node by ID or host.
func (s *Store) DeleteNode(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM remote_nodes WHERE id = ? OR host = ?`, ref, ref)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNodeNotFound
	}
	return nil
}

// UpdateNodeHealth records the health prober's verdict for a node.
func (s *Store) UpdateNodeHealth(ctx context.Context, id, state string, lastSeen *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE remote_nodes SET health_state = ?, last_seen_at = COALESCE(?, last_seen_at)
WHERE id = ?`, state, nullableTime(lastSeen), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNodeNotFound
	}
	return nil
}

func scanNode(row rowScanner) (domain.RemoteNode, error) {
	var n domain.RemoteNode
	var lastSeen, created sql.NullTime
	err := row.Scan(&n.ID, &n.Host, &n.RelayPort, &n.APIPort, &n.Token,
		&n.HealthState, &lastSeen, &created)
	if err != nil {
		return domain.RemoteNode{}, err
	}
	n.LastSeenAt = timePtr(lastSeen)
	n.CreatedAt = created.Time
	return n, nil
}
