package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/pools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompute struct {
	mu      sync.Mutex
	created []ServerSpec
	deleted []string
	missing map[string]bool

	createErr  error
	addressErr error
}

func (c *fakeCompute) CreateServer(_ context.Context, spec ServerSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	c.created = append(c.created, spec)
	return fmt.Sprintf("srv-%d", len(c.created)), nil
}

func (c *fakeCompute) ServerAddress(_ context.Context, id string) (string, error) {
	if c.addressErr != nil {
		return "", c.addressErr
	}
	return "10.1.0." + id[len("srv-"):], nil
}

func (c *fakeCompute) DeleteServer(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing[id] {
		return ErrServerNotFound
	}
	c.deleted = append(c.deleted, id)
	return nil
}

func newMechanism(t *testing.T, compute Compute) *Mechanism {
	pool := &pools.Pool{Name: "ubuntu", Values: map[string]any{"flavor": "m1.large"}}
	mechanism, err := Factory(slog.New(slog.DiscardHandler), compute)(pool, map[string]any{
		"image":    "ubuntu-24.04",
		"flavor":   "{{ .flavor }}",
		"networks": []any{"net-1"},
	})
	require.NoError(t, err)
	return mechanism.(*Mechanism)
}

func TestProvision(t *testing.T) {
	compute := &fakeCompute{}
	mechanism := newMechanism(t, compute)

	result, err := mechanism.Provision(context.Background(), []*inventory.Node{{ID: 7}})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)

	record := result.Nodes[0]
	assert.Equal(t, int64(7), record["id"])
	assert.Equal(t, "srv-1", record["server_id"])
	assert.Equal(t, "10.1.0.1", record["ipaddr"])

	require.Len(t, compute.created, 1)
	spec := compute.created[0]
	assert.Equal(t, "m1.large", spec.Flavor)
	assert.Equal(t, []string{"net-1"}, spec.Networks)
	assert.Equal(t, "7", spec.Metadata["nodepool-node-id"])
}

func TestProvisionDeletesServerWithoutAddress(t *testing.T) {
	compute := &fakeCompute{addressErr: errors.New("no IPv4")}
	mechanism := newMechanism(t, compute)

	_, err := mechanism.Provision(context.Background(), []*inventory.Node{{ID: 1}})
	assert.Error(t, err)
	assert.Equal(t, []string{"srv-1"}, compute.deleted)
}

func TestDeprovision(t *testing.T) {
	compute := &fakeCompute{missing: map[string]bool{"srv-2": true}}
	mechanism := newMechanism(t, compute)

	nodes := []*inventory.Node{
		{ID: 1, Data: inventory.NodeData{inventory.DataKeyProvision: map[string]any{"server_id": "srv-1"}}},
		{ID: 2, Data: inventory.NodeData{inventory.DataKeyProvision: map[string]any{"server_id": "srv-2"}}},
		{ID: 3, Data: inventory.NodeData{}},
	}

	result, err := mechanism.Deprovision(context.Background(), nodes)
	require.NoError(t, err)
	assert.Len(t, result.Nodes, 2)
	assert.Equal(t, []string{"srv-1"}, compute.deleted)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Image: "x"}.Validate())
	assert.NoError(t, Config{Image: "x", Flavor: "y"}.Validate())
}
