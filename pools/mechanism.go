package pools

import (
	"context"
	"errors"
	"fmt"

	"github.com/gammadia/nodepool/inventory"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Mechanism provisions and deprovisions nodes for one concrete pool.
//
// Both operations return one result record per handled node. Records handed
// back by Provision are stored on the node (data.provision); Deprovision records
// must repeat every field of that stored record for the node they belong to.
// Failures are reported as *MechanismFailure.
type Mechanism interface {
	Provision(ctx context.Context, nodes []*inventory.Node) (*Result, error)
	Deprovision(ctx context.Context, nodes []*inventory.Node) (*Result, error)
}

// MechanismFactory builds the mechanism of a concrete pool from the pool and the
// configuration found under mechanism.<type>.
type MechanismFactory func(pool *Pool, config map[string]any) (Mechanism, error)

type Result struct {
	Nodes []map[string]any `json:"nodes"`
}

// MechanismFailure is the only error a mechanism reports.
type MechanismFailure struct {
	Pool string
	Op   string
	Err  error
}

func (f *MechanismFailure) Error() string {
	return fmt.Sprintf("mechanism of pool '%s' failed to %s nodes: %v", f.Pool, f.Op, f.Err)
}

func (f *MechanismFailure) Unwrap() error {
	return f.Err
}

// IsMechanismFailure reports whether err is, or wraps, a *MechanismFailure.
func IsMechanismFailure(err error) bool {
	var failure *MechanismFailure
	return errors.As(err, &failure)
}

// Failure wraps err into a *MechanismFailure for the given pool and operation,
// leaving existing failures untouched.
func Failure(pool, op string, err error) error {
	if err == nil {
		return nil
	}
	var failure *MechanismFailure
	if errors.As(err, &failure) {
		return err
	}
	return &MechanismFailure{Pool: pool, Op: op, Err: err}
}

// NodePayload is how a node is described to a mechanism.
func NodePayload(node *inventory.Node, withData bool) map[string]any {
	payload := map[string]any{
		"id":       node.ID,
		"hostname": node.Hostname,
		"ipaddr":   node.IPAddr,
	}
	if withData {
		payload["data"] = map[string]any(node.Data.Clone())
	}
	return payload
}

func NodesPayload(nodes []*inventory.Node, withData bool) []map[string]any {
	return lo.Map(nodes, func(node *inventory.Node, _ int) map[string]any {
		return NodePayload(node, withData)
	})
}

// DecodeConfig converts a generic configuration map into a typed struct
// using its yaml tags.
func DecodeConfig(in any, out any) error {
	raw, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}
