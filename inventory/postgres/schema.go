package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gammadia/nodepool/inventory"
	"github.com/samber/lo"
)

// Hostnames and addresses are unique among active nodes, except while a node
// is provisioning (the address is not known yet) or failed (it may be stale).
var schema = []string{
	`
CREATE TABLE IF NOT EXISTS tenants (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	api_key TEXT NOT NULL UNIQUE,
	ssh_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	node_quota INTEGER,
	session_lifetime BIGINT,
	session_lifetime_max BIGINT
);
`,
	`
CREATE TABLE IF NOT EXISTS nodes (
	id BIGSERIAL PRIMARY KEY,
	hostname TEXT NOT NULL DEFAULT '',
	ipaddr TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	pool TEXT,
	reusable BOOLEAN NOT NULL DEFAULT FALSE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	data JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	retired_at TIMESTAMPTZ
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS nodes_active_hostname ON nodes (hostname)
WHERE active AND hostname <> '' AND state NOT IN ('provisioning', 'failed');
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS nodes_active_ipaddr ON nodes (ipaddr)
WHERE active AND ipaddr <> '' AND state NOT IN ('provisioning', 'failed');
`,
	`CREATE INDEX IF NOT EXISTS nodes_pool_state ON nodes (pool, state) WHERE active;`,
	`CREATE INDEX IF NOT EXISTS nodes_data ON nodes USING GIN (data jsonb_path_ops);`,
	`
CREATE TABLE IF NOT EXISTS sessions (
	id BIGSERIAL PRIMARY KEY,
	tenant_id BIGINT NOT NULL REFERENCES tenants (id),
	active BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at TIMESTAMPTZ,
	data JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	retired_at TIMESTAMPTZ
);
`,
	`CREATE INDEX IF NOT EXISTS sessions_expiry ON sessions (expires_at) WHERE active;`,
	`
CREATE TABLE IF NOT EXISTS session_nodes (
	session_id BIGINT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
	node_id BIGINT NOT NULL,
	pool TEXT NOT NULL,
	data JSONB NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (session_id, node_id)
);
`,
}

// nodeQuery appends the WHERE clause of filter to selection. Parameters are
// numbered in the order they are returned.
func nodeQuery(selection string, filter inventory.NodeFilter) (string, []any, error) {
	var where []string
	var args []any
	param := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.IDs) > 0 {
		where = append(where, "id = ANY("+param(filter.IDs)+")")
	}
	if len(filter.States) > 0 {
		states := lo.Map(filter.States, func(state inventory.NodeState, _ int) string { return string(state) })
		where = append(where, "state = ANY("+param(states)+")")
	}
	if filter.Pool != "" {
		where = append(where, "pool = "+param(filter.Pool))
	}
	if filter.Unassigned {
		where = append(where, "pool IS NULL")
	}
	if filter.Active != nil {
		where = append(where, "active = "+param(*filter.Active))
	}
	if filter.Reusable != nil {
		where = append(where, "reusable = "+param(*filter.Reusable))
	}
	if len(filter.Data) > 0 {
		data, err := json.Marshal(filter.Data)
		if err != nil {
			return "", nil, fmt.Errorf("encode data filter: %w", err)
		}
		where = append(where, "data @> "+param(string(data))+"::jsonb")
	}

	var query strings.Builder
	query.WriteString(selection)
	query.WriteString(" FROM nodes")
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	if !strings.HasPrefix(selection, "SELECT COUNT") {
		query.WriteString(" ORDER BY id")
	}
	if filter.Limit > 0 {
		query.WriteString(" LIMIT " + param(filter.Limit))
	}
	if filter.ForUpdate {
		query.WriteString(" FOR UPDATE")
	}
	return query.String(), args, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*inventory.Node, error) {
	node := &inventory.Node{}
	var state string
	var data []byte
	if err := row.Scan(&node.ID, &node.Hostname, &node.IPAddr, &state, &node.Pool, &node.Reusable, &node.Active, &data, &node.CreatedAt, &node.RetiredAt); err != nil {
		return nil, err
	}
	node.State = inventory.NodeState(state)
	if err := json.Unmarshal(data, &node.Data); err != nil {
		return nil, fmt.Errorf("decode data of node %d: %w", node.ID, err)
	}
	if node.Data == nil {
		node.Data = inventory.NodeData{}
	}
	node.CreatedAt = node.CreatedAt.UTC()
	node.RetiredAt = utc(node.RetiredAt)
	return node, nil
}

func scanTenant(row scanner) (*inventory.Tenant, error) {
	tenant := &inventory.Tenant{}
	var lifetime, lifetimeMax *int64
	if err := row.Scan(&tenant.ID, &tenant.Name, &tenant.IsAdmin, &tenant.Active, &tenant.APIKey, &tenant.SSHKey, &tenant.CreatedAt, &tenant.NodeQuota, &lifetime, &lifetimeMax); err != nil {
		return nil, err
	}
	tenant.CreatedAt = tenant.CreatedAt.UTC()
	tenant.SessionLifetime = duration(lifetime)
	tenant.SessionLifetimeMax = duration(lifetimeMax)
	return tenant, nil
}

func scanSession(row scanner) (*inventory.Session, error) {
	session := &inventory.Session{}
	var data []byte
	if err := row.Scan(&session.ID, &session.TenantID, &session.Active, &session.ExpiresAt, &data, &session.CreatedAt, &session.RetiredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &session.Data); err != nil {
		return nil, fmt.Errorf("decode data of session %d: %w", session.ID, err)
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.ExpiresAt = utc(session.ExpiresAt)
	session.RetiredAt = utc(session.RetiredAt)
	return session, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return lo.ToPtr(t.UTC())
}

// Lifetimes are stored in whole seconds.
func seconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	return lo.ToPtr(int64(d.Seconds()))
}

func duration(s *int64) *time.Duration {
	if s == nil {
		return nil
	}
	return lo.ToPtr(time.Duration(*s) * time.Second)
}
