package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MemoryStore keeps the inventory in process. Transactions are serialized by a
// mutex and run against a copy of the state that replaces it on commit.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

type memState struct {
	nodes    map[int64]*Node
	tenants  map[int64]*Tenant
	sessions map[int64]*Session

	nextNodeID    int64
	nextTenantID  int64
	nextSessionID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			nodes:    map[int64]*Node{},
			tenants:  map[int64]*Tenant{},
			sessions: map[int64]*Session{},
		},
	}
}

func (s *MemoryStore) Tx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := s.state.clone()
	if err := fn(&memTx{state: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (*MemoryStore) Close() {}

func (st *memState) clone() *memState {
	clone := *st
	clone.nodes = lo.MapValues(st.nodes, func(n *Node, _ int64) *Node { return n.Clone() })
	clone.tenants = lo.MapValues(st.tenants, func(t *Tenant, _ int64) *Tenant { return t.Clone() })
	clone.sessions = lo.MapValues(st.sessions, func(s *Session, _ int64) *Session { return s.Clone() })
	return &clone
}

type memTx struct {
	state *memState
}

func (tx *memTx) GetNode(_ context.Context, id int64) (*Node, error) {
	node, ok := tx.state.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return node.Clone(), nil
}

func (tx *memTx) ListNodes(_ context.Context, filter NodeFilter) ([]*Node, error) {
	ids := lo.Keys(tx.state.nodes)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var nodes []*Node
	for _, id := range ids {
		node := tx.state.nodes[id]
		if !filter.Matches(node) {
			continue
		}
		nodes = append(nodes, node.Clone())
		if filter.Limit > 0 && len(nodes) >= filter.Limit {
			break
		}
	}
	return nodes, nil
}

func (tx *memTx) CountNodes(ctx context.Context, filter NodeFilter) (int, error) {
	filter.Limit = 0
	nodes, err := tx.ListNodes(ctx, filter)
	return len(nodes), err
}

func (tx *memTx) CreateNode(_ context.Context, node *Node) error {
	if node.Data == nil {
		node.Data = NodeData{}
	}
	if err := tx.checkUnique(node); err != nil {
		return err
	}
	tx.state.nextNodeID++
	node.ID = tx.state.nextNodeID
	node.CreatedAt = time.Now().UTC()
	tx.state.nodes[node.ID] = node.Clone()
	return nil
}

func (tx *memTx) UpdateNode(_ context.Context, node *Node) error {
	if _, ok := tx.state.nodes[node.ID]; !ok {
		return fmt.Errorf("node %d: %w", node.ID, ErrNotFound)
	}
	if err := tx.checkUnique(node); err != nil {
		return err
	}
	tx.state.nodes[node.ID] = node.Clone()
	return nil
}

func (tx *memTx) DeleteNodes(_ context.Context, ids ...int64) error {
	for _, id := range ids {
		delete(tx.state.nodes, id)
	}
	return nil
}

// checkUnique mirrors the partial unique indexes of the SQL schema.
func (tx *memTx) checkUnique(node *Node) error {
	if !node.Active || node.State.uniquenessExempt() {
		return nil
	}
	for _, other := range tx.state.nodes {
		if other.ID == node.ID || !other.Active || other.State.uniquenessExempt() {
			continue
		}
		if (node.Hostname != "" && other.Hostname == node.Hostname) || (node.IPAddr != "" && other.IPAddr == node.IPAddr) {
			return fmt.Errorf("node %d conflicts with node %d: %w", node.ID, other.ID, ErrDuplicateNode)
		}
	}
	return nil
}

func (tx *memTx) GetTenant(_ context.Context, id int64) (*Tenant, error) {
	tenant, ok := tx.state.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %d: %w", id, ErrNotFound)
	}
	return tenant.Clone(), nil
}

func (tx *memTx) GetTenantByName(_ context.Context, name string) (*Tenant, error) {
	for _, tenant := range tx.state.tenants {
		if tenant.Name == name {
			return tenant.Clone(), nil
		}
	}
	return nil, fmt.Errorf("tenant '%s': %w", name, ErrNotFound)
}

func (tx *memTx) CreateTenant(_ context.Context, tenant *Tenant) error {
	for _, other := range tx.state.tenants {
		if other.Name == tenant.Name {
			return fmt.Errorf("tenant '%s' already exists", tenant.Name)
		}
	}
	tx.state.nextTenantID++
	tenant.ID = tx.state.nextTenantID
	tenant.CreatedAt = time.Now().UTC()
	tx.state.tenants[tenant.ID] = tenant.Clone()
	return nil
}

func (tx *memTx) TenantNodeCount(_ context.Context, tenantID int64) (int, error) {
	count := 0
	for _, session := range tx.state.sessions {
		if session.TenantID == tenantID && session.Active {
			count += len(session.Nodes)
		}
	}
	return count, nil
}

func (tx *memTx) CreateSession(_ context.Context, session *Session) error {
	if _, ok := tx.state.tenants[session.TenantID]; !ok {
		return fmt.Errorf("tenant %d: %w", session.TenantID, ErrNotFound)
	}
	tx.state.nextSessionID++
	session.ID = tx.state.nextSessionID
	session.CreatedAt = time.Now().UTC()
	for _, sn := range session.Nodes {
		sn.SessionID = session.ID
	}
	tx.state.sessions[session.ID] = session.Clone()
	return nil
}

func (tx *memTx) GetSession(_ context.Context, id int64) (*Session, error) {
	session, ok := tx.state.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return session.Clone(), nil
}

func (tx *memTx) UpdateSession(_ context.Context, session *Session) error {
	existing, ok := tx.state.sessions[session.ID]
	if !ok {
		return fmt.Errorf("session %d: %w", session.ID, ErrNotFound)
	}
	updated := existing.Clone()
	updated.Active = session.Active
	updated.ExpiresAt = session.ExpiresAt
	updated.RetiredAt = session.RetiredAt
	tx.state.sessions[session.ID] = updated
	return nil
}

func (tx *memTx) ListExpiredSessions(_ context.Context, now time.Time) ([]*Session, error) {
	var sessions []*Session
	for _, session := range tx.state.sessions {
		if session.Expired(now) {
			sessions = append(sessions, session.Clone())
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}
