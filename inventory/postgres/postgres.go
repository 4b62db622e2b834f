// Package postgres stores the inventory in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gammadia/nodepool/inventory"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

// Store implements inventory.Store
var _ inventory.Store = (*Store)(nil)

// New connects to dsn and creates the schema when missing.
func New(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Tx runs fn in a serializable transaction. Conflicts surface as *pgconn.PgError
// with code 40001, which retry.Serialization retries.
func (s *Store) Tx(ctx context.Context, fn func(inventory.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return mapError(err)
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize inventory schema: %w", err)
		}
	}
	return nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", inventory.ErrDuplicateNode, pgErr.ConstraintName)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

const nodeColumns = `id, hostname, ipaddr, state, COALESCE(pool, ''), reusable, active, data, created_at, retired_at`

func (t *pgTx) GetNode(ctx context.Context, id int64) (*inventory.Node, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	node, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, inventory.ErrNotFound)
	}
	return node, err
}

func (t *pgTx) ListNodes(ctx context.Context, filter inventory.NodeFilter) ([]*inventory.Node, error) {
	query, args, err := nodeQuery(`SELECT `+nodeColumns, filter)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*inventory.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (t *pgTx) CountNodes(ctx context.Context, filter inventory.NodeFilter) (int, error) {
	filter.Limit = 0
	filter.ForUpdate = false
	query, args, err := nodeQuery(`SELECT COUNT(*)`, filter)
	if err != nil {
		return 0, err
	}

	var count int
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return count, nil
}

func (t *pgTx) CreateNode(ctx context.Context, node *inventory.Node) error {
	if node.Data == nil {
		node.Data = inventory.NodeData{}
	}
	data, err := json.Marshal(node.Data)
	if err != nil {
		return fmt.Errorf("encode node data: %w", err)
	}

	err = t.tx.QueryRow(ctx, `
INSERT INTO nodes (hostname, ipaddr, state, pool, reusable, active, data, retired_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
RETURNING id, created_at
`, node.Hostname, node.IPAddr, string(node.State), node.Pool, node.Reusable, node.Active, data, node.RetiredAt,
	).Scan(&node.ID, &node.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("create node: %w", err))
	}
	node.CreatedAt = node.CreatedAt.UTC()
	return nil
}

func (t *pgTx) UpdateNode(ctx context.Context, node *inventory.Node) error {
	data, err := json.Marshal(node.Data)
	if err != nil {
		return fmt.Errorf("encode node data: %w", err)
	}

	result, err := t.tx.Exec(ctx, `
UPDATE nodes
SET hostname = $2, ipaddr = $3, state = $4, pool = NULLIF($5, ''), reusable = $6, active = $7, data = $8, retired_at = $9
WHERE id = $1
`, node.ID, node.Hostname, node.IPAddr, string(node.State), node.Pool, node.Reusable, node.Active, data, node.RetiredAt)
	if err != nil {
		return mapError(fmt.Errorf("update node %d: %w", node.ID, err))
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("node %d: %w", node.ID, inventory.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteNodes(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM nodes WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	return nil
}

const tenantColumns = `id, name, is_admin, active, api_key, ssh_key, created_at, node_quota, session_lifetime, session_lifetime_max`

func (t *pgTx) GetTenant(ctx context.Context, id int64) (*inventory.Tenant, error) {
	tenant, err := scanTenant(t.tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %d: %w", id, inventory.ErrNotFound)
	}
	return tenant, err
}

func (t *pgTx) GetTenantByName(ctx context.Context, name string) (*inventory.Tenant, error) {
	tenant, err := scanTenant(t.tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant '%s': %w", name, inventory.ErrNotFound)
	}
	return tenant, err
}

func (t *pgTx) CreateTenant(ctx context.Context, tenant *inventory.Tenant) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO tenants (name, is_admin, active, api_key, ssh_key, node_quota, session_lifetime, session_lifetime_max)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at
`, tenant.Name, tenant.IsAdmin, tenant.Active, tenant.APIKey, tenant.SSHKey,
		tenant.NodeQuota, seconds(tenant.SessionLifetime), seconds(tenant.SessionLifetimeMax),
	).Scan(&tenant.ID, &tenant.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("tenant '%s' already exists", tenant.Name)
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	tenant.CreatedAt = tenant.CreatedAt.UTC()
	return nil
}

func (t *pgTx) TenantNodeCount(ctx context.Context, tenantID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `
SELECT COUNT(*)
FROM session_nodes sn
JOIN sessions s ON s.id = sn.session_id
WHERE s.tenant_id = $1 AND s.active
`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tenant nodes: %w", err)
	}
	return count, nil
}

func (t *pgTx) CreateSession(ctx context.Context, session *inventory.Session) error {
	data, err := json.Marshal(session.Data)
	if err != nil {
		return fmt.Errorf("encode session data: %w", err)
	}

	err = t.tx.QueryRow(ctx, `
INSERT INTO sessions (tenant_id, active, expires_at, data, retired_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at
`, session.TenantID, session.Active, session.ExpiresAt, data, session.RetiredAt,
	).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	session.CreatedAt = session.CreatedAt.UTC()

	batch := &pgx.Batch{}
	for _, sn := range session.Nodes {
		sn.SessionID = session.ID
		snData, err := json.Marshal(sn.Data)
		if err != nil {
			return fmt.Errorf("encode session node data: %w", err)
		}
		batch.Queue(`INSERT INTO session_nodes (session_id, node_id, pool, data) VALUES ($1, $2, $3, $4)`,
			sn.SessionID, sn.NodeID, sn.Pool, snData)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create session nodes: %w", err)
	}
	return nil
}

const sessionColumns = `id, tenant_id, active, expires_at, data, created_at, retired_at`

func (t *pgTx) GetSession(ctx context.Context, id int64) (*inventory.Session, error) {
	session, err := scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, inventory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := t.loadSessionNodes(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (t *pgTx) loadSessionNodes(ctx context.Context, session *inventory.Session) error {
	rows, err := t.tx.Query(ctx, `
SELECT session_id, node_id, pool, data
FROM session_nodes
WHERE session_id = $1
ORDER BY node_id
`, session.ID)
	if err != nil {
		return fmt.Errorf("load session nodes: %w", err)
	}
	defer rows.Close()

	session.Nodes = nil
	for rows.Next() {
		sn := &inventory.SessionNode{}
		var data []byte
		if err := rows.Scan(&sn.SessionID, &sn.NodeID, &sn.Pool, &data); err != nil {
			return err
		}
		if err := json.Unmarshal(data, &sn.Data); err != nil {
			return fmt.Errorf("decode session node data: %w", err)
		}
		session.Nodes = append(session.Nodes, sn)
	}
	return rows.Err()
}

func (t *pgTx) UpdateSession(ctx context.Context, session *inventory.Session) error {
	result, err := t.tx.Exec(ctx, `
UPDATE sessions SET active = $2, expires_at = $3, retired_at = $4 WHERE id = $1
`, session.ID, session.Active, session.ExpiresAt, session.RetiredAt)
	if err != nil {
		return fmt.Errorf("update session %d: %w", session.ID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", session.ID, inventory.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListExpiredSessions(ctx context.Context, now time.Time) ([]*inventory.Session, error) {
	rows, err := t.tx.Query(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE active AND expires_at IS NOT NULL AND expires_at < $1
ORDER BY id
FOR UPDATE
`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}

	var sessions []*inventory.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, session)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, session := range sessions {
		if err := t.loadSessionNodes(ctx, session); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}
