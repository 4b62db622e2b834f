package scheduler

import "github.com/gammadia/nodepool/inventory"

type Event interface{}

// Nodes

type EventNodeStateChanged struct {
	Node  int64
	Pool  string
	State inventory.NodeState
}

type EventNodeDeleted struct {
	Node int64
	Pool string
}

// Pools

type EventPoolFilled struct {
	Pool    string
	Created int
	Reused  int
}

type EventProvisioningFailed struct {
	Pool  string
	Nodes []int64
	Error string
}

type EventDeprovisioningFailed struct {
	Pool  string
	Nodes []int64
	Error string
}

// Sessions

type EventSessionCreated struct {
	Session int64
	Tenant  int64
	Nodes   int
}

type EventSessionRejected struct {
	Tenant int64
	Reason string
}

type EventSessionEnded struct {
	Session int64
	Expired bool
}
