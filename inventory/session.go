package inventory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// NodesSpec asks for Quantity ready nodes from Pool whose data match Fields.
type NodesSpec struct {
	Pool     string         `json:"pool" yaml:"pool"`
	Quantity int            `json:"quantity" yaml:"quantity"`
	Fields   map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

func (s NodesSpec) Validate() error {
	if s.Pool == "" {
		return fmt.Errorf("pool must be set")
	}
	if s.Quantity < 1 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	if _, ok := s.Fields["pool"]; ok {
		return fmt.Errorf("'pool' cannot be used as a match field")
	}
	return nil
}

// AsData renders the spec the way it is stamped into a node's data blob.
func (s NodesSpec) AsData() map[string]any {
	raw := lo.Must(json.Marshal(s))
	var data map[string]any
	lo.Must0(json.Unmarshal(raw, &data))
	return data
}

type SessionData struct {
	NodesSpecs []NodesSpec `json:"nodes_specs"`
}

type Session struct {
	ID        int64          `json:"id"`
	TenantID  int64          `json:"tenant_id"`
	Active    bool           `json:"active"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Data      SessionData    `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	RetiredAt *time.Time     `json:"retired_at,omitempty"`
	Nodes     []*SessionNode `json:"nodes"`
}

// SessionNode snapshots a node as it was when the session reserved it.
type SessionNode struct {
	SessionID int64    `json:"session_id"`
	NodeID    int64    `json:"node_id"`
	Pool      string   `json:"pool"`
	Data      NodeData `json:"data"`
}

func (s *Session) NodeIDs() []int64 {
	return lo.Map(s.Nodes, func(sn *SessionNode, _ int) int64 {
		return sn.NodeID
	})
}

func (s *Session) Expired(now time.Time) bool {
	return s.Active && s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

func (s *Session) Retire(now time.Time) {
	s.Active = false
	s.RetiredAt = &now
}

func (s *Session) Clone() *Session {
	clone := *s
	clone.Data.NodesSpecs = append([]NodesSpec(nil), s.Data.NodesSpecs...)
	clone.Nodes = lo.Map(s.Nodes, func(sn *SessionNode, _ int) *SessionNode {
		c := *sn
		c.Data = sn.Data.Clone()
		return &c
	})
	if s.ExpiresAt != nil {
		clone.ExpiresAt = lo.ToPtr(*s.ExpiresAt)
	}
	if s.RetiredAt != nil {
		clone.RetiredAt = lo.ToPtr(*s.RetiredAt)
	}
	return &clone
}
