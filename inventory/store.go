package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateNode = errors.New("an active node with the same hostname or address already exists")
)

// Store hands out transactions over the node, session and tenant tables.
//
// Implementations run fn in a single transaction at serializable isolation:
// fn's writes are committed if it returns nil and discarded otherwise. A
// transaction that lost a serialization conflict fails with an error matched
// by retry.IsSerializationFailure, and the caller may run it again.
type Store interface {
	Tx(ctx context.Context, fn func(Tx) error) error
	Close()
}

type Tx interface {
	GetNode(ctx context.Context, id int64) (*Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)
	CountNodes(ctx context.Context, filter NodeFilter) (int, error)
	// CreateNode inserts the node and fills in its ID and creation time.
	CreateNode(ctx context.Context, node *Node) error
	UpdateNode(ctx context.Context, node *Node) error
	DeleteNodes(ctx context.Context, ids ...int64) error

	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*Tenant, error)
	CreateTenant(ctx context.Context, tenant *Tenant) error
	// TenantNodeCount counts the nodes held by the tenant's active sessions.
	TenantNodeCount(ctx context.Context, tenantID int64) (int, error)

	// CreateSession inserts the session together with its session nodes.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id int64) (*Session, error)
	// UpdateSession writes the mutable session fields. Session nodes are never touched.
	UpdateSession(ctx context.Context, session *Session) error
	ListExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error)
}

// NodeFilter selects nodes. Zero values do not filter.
type NodeFilter struct {
	IDs    []int64
	States []NodeState
	// Pool selects nodes claimed by this pool.
	Pool string
	// Unassigned selects nodes no pool claims.
	Unassigned bool
	Active     *bool
	Reusable   *bool
	// Data selects nodes whose data blob contains every key with an equal value.
	Data map[string]any
	// Limit caps the number of returned nodes, lowest IDs first.
	Limit int
	// ForUpdate locks the returned rows until the transaction ends.
	ForUpdate bool
}

// Matches evaluates the filter in memory.
func (f NodeFilter) Matches(node *Node) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, node.ID) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, node.State) {
		return false
	}
	if f.Pool != "" && node.Pool != f.Pool {
		return false
	}
	if f.Unassigned && node.Pool != "" {
		return false
	}
	if f.Active != nil && node.Active != *f.Active {
		return false
	}
	if f.Reusable != nil && node.Reusable != *f.Reusable {
		return false
	}
	return ContainsData(node.Data, f.Data)
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func containsState(states []NodeState, state NodeState) bool {
	for _, candidate := range states {
		if candidate == state {
			return true
		}
	}
	return false
}
