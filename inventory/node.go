package inventory

import (
	"encoding/json"
	"maps"
	"time"
)

type NodeState string

const (
	NodeStateUnused          NodeState = "unused"
	NodeStateProvisioning    NodeState = "provisioning"
	NodeStateReady           NodeState = "ready"
	NodeStateContextualizing NodeState = "contextualizing"
	NodeStateDeployed        NodeState = "deployed"
	NodeStateDeprovisioning  NodeState = "deprovisioning"
	NodeStateDone            NodeState = "done"
	// NodeStateFailing is part of the stored enum but no operation enters it.
	NodeStateFailing NodeState = "failing"
	NodeStateFailed  NodeState = "failed"
)

var nodeStates = []NodeState{
	NodeStateUnused,
	NodeStateProvisioning,
	NodeStateReady,
	NodeStateContextualizing,
	NodeStateDeployed,
	NodeStateDeprovisioning,
	NodeStateDone,
	NodeStateFailing,
	NodeStateFailed,
}

// NodeStates lists every state in lifecycle order.
func NodeStates() []NodeState {
	return append([]NodeState(nil), nodeStates...)
}

func (s NodeState) Valid() bool {
	for _, state := range nodeStates {
		if s == state {
			return true
		}
	}
	return false
}

// uniquenessExempt reports whether nodes in this state may share a hostname or
// address with another active node.
func (s NodeState) uniquenessExempt() bool {
	return s == NodeStateProvisioning || s == NodeStateFailed
}

// Keys of the node data blob
const (
	DataKeyProvision = "provision"
	DataKeyError     = "error"
	DataKeyNodesSpec = "nodes_spec"
)

type NodeData map[string]any

// Clone returns a deep copy, going through JSON so nested maps and slices are not shared.
func (d NodeData) Clone() NodeData {
	if d == nil {
		return NodeData{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return maps.Clone(d)
	}
	var clone NodeData
	if err := json.Unmarshal(raw, &clone); err != nil {
		return maps.Clone(d)
	}
	return clone
}

// Provision returns the result record the mechanism produced for this node, if any.
func (d NodeData) Provision() map[string]any {
	if record, ok := d[DataKeyProvision].(map[string]any); ok {
		return record
	}
	return nil
}

type NodeError struct {
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

type Node struct {
	ID        int64      `json:"id"`
	Hostname  string     `json:"hostname,omitempty"`
	IPAddr    string     `json:"ipaddr,omitempty"`
	State     NodeState  `json:"state"`
	Pool      string     `json:"pool,omitempty"`
	Reusable  bool       `json:"reusable"`
	Active    bool       `json:"active"`
	Data      NodeData   `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

func (n *Node) Clone() *Node {
	clone := *n
	clone.Data = n.Data.Clone()
	if n.RetiredAt != nil {
		retiredAt := *n.RetiredAt
		clone.RetiredAt = &retiredAt
	}
	return &clone
}

// Fail moves the node to the failed state and records why. It does not retire the node.
func (n *Node) Fail(detail string, now time.Time) {
	if n.Data == nil {
		n.Data = NodeData{}
	}
	n.State = NodeStateFailed
	n.Data[DataKeyError] = map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339Nano),
		"detail":    detail,
	}
}

// Error returns the last failure recorded on the node.
func (n *Node) Error() *NodeError {
	record, ok := n.Data[DataKeyError].(map[string]any)
	if !ok {
		return nil
	}
	nodeErr := &NodeError{}
	nodeErr.Detail, _ = record["detail"].(string)
	if ts, ok := record["timestamp"].(string); ok {
		nodeErr.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return nodeErr
}

// StripTransientData removes what a lease or a provisioning run left in the data blob.
func (n *Node) StripTransientData() {
	for _, key := range []string{DataKeyError, DataKeyNodesSpec, DataKeyProvision} {
		delete(n.Data, key)
	}
}

// ReturnToInventory puts a node back into the reuse inventory.
func (n *Node) ReturnToInventory() {
	n.State = NodeStateUnused
	n.Pool = ""
	n.Active = false
	n.StripTransientData()
}

// Retire marks the node as gone for good.
func (n *Node) Retire(now time.Time) {
	n.State = NodeStateDone
	n.Active = false
	n.RetiredAt = &now
}
