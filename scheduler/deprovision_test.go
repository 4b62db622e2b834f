package scheduler

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/pools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) updateNodes(t *testing.T, ids []int64, fn func(*inventory.Node)) {
	t.Helper()

	require.NoError(t, e.store.Tx(context.Background(), func(tx inventory.Tx) error {
		for _, id := range ids {
			node, err := tx.GetNode(context.Background(), id)
			if err != nil {
				return err
			}
			fn(node)
			if err := tx.UpdateNode(context.Background(), node); err != nil {
				return err
			}
		}
		return nil
	}))
}

func leasedData() inventory.NodeData {
	return inventory.NodeData{
		"flavor":                   "small",
		inventory.DataKeyNodesSpec: map[string]any{"pool": "foo", "quantity": 4},
		inventory.DataKeyError:     map[string]any{"timestamp": "2024-01-01T00:00:00Z", "detail": "old failure"},
	}
}

func TestDeprovisionPoolNodesReclaimsMatchedNodes(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(4, map[string]any{pools.KeyRunParallel: false})}, nil)
	ids := env.seedNodes(t, "foo", inventory.NodeStateDeployed, 4, leasedData())
	env.updateNodes(t, ids, func(node *inventory.Node) { node.Reusable = true })
	env.mechanism.deprovision = func(nodes []*inventory.Node) (*pools.Result, error) {
		return deprovisionAll(nodes[:3])
	}
	env.scheduler.Shutdown()

	require.NoError(t, env.scheduler.DeprovisionPoolNodes(context.Background(), "foo", ids))

	for _, id := range ids[:3] {
		node := env.node(t, id)
		assert.Equal(t, inventory.NodeStateUnused, node.State)
		assert.Empty(t, node.Pool)
		assert.False(t, node.Active)
		assert.Nil(t, node.RetiredAt)
		assert.Equal(t, inventory.NodeData{"flavor": "small"}, node.Data)
	}

	unmatched := env.node(t, ids[3])
	assert.Equal(t, inventory.NodeStateFailed, unmatched.State)
	require.NotNil(t, unmatched.Error())
	assert.Equal(t, "no deprovisioning result matched the node", unmatched.Error().Detail)

	assert.ElementsMatch(t, ids, env.contextualizer.decontextualize)
}

func TestDeprovisionPoolNodesRetiresNonReusableNodes(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(2, nil)}, nil)
	ids := env.seedNodes(t, "foo", inventory.NodeStateDeployed, 2, nil)

	require.NoError(t, env.scheduler.DeprovisionPoolNodes(context.Background(), "foo", ids))
	env.scheduler.Wait()

	for _, id := range ids {
		node := env.node(t, id)
		assert.Equal(t, inventory.NodeStateDone, node.State)
		assert.False(t, node.Active)
		assert.Equal(t, env.clock.Now(), *node.RetiredAt)
	}
	provisions, _ := env.mechanism.calls()
	assert.Zero(t, provisions, "nothing was reclaimed, no refill")
}

func TestDeprovisionPoolNodesRefillsFromReclaimedNodes(t *testing.T) {
	env := newTestEnv(t, map[string]any{
		"foo": fakePool(2, map[string]any{pools.KeyReuseNodes: map[string]any{"flavor": "small"}}),
	}, nil)
	ids := env.seedNodes(t, "foo", inventory.NodeStateDeployed, 2, leasedData())
	env.updateNodes(t, ids, func(node *inventory.Node) { node.Reusable = true })

	require.NoError(t, env.scheduler.DeprovisionPoolNodes(context.Background(), "foo", ids))
	env.scheduler.Wait()

	for _, id := range ids {
		node := env.node(t, id)
		assert.Equal(t, inventory.NodeStateReady, node.State)
		assert.Equal(t, "foo", node.Pool)
		assert.True(t, node.Active)
	}
}

func TestDeprovisionPoolNodesMechanismFailure(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(2, map[string]any{pools.KeyRunParallel: false})}, nil)
	ids := env.seedNodes(t, "foo", inventory.NodeStateDeployed, 2, nil)
	env.updateNodes(t, ids, func(node *inventory.Node) { node.Reusable = true })
	env.mechanism.deprovision = func([]*inventory.Node) (*pools.Result, error) {
		return nil, errors.New("playbook failed")
	}

	events, unsubscribe := env.scheduler.Subscribe()
	defer unsubscribe()

	err := env.scheduler.DeprovisionPoolNodes(context.Background(), "foo", ids)
	require.Error(t, err)
	assert.True(t, pools.IsMechanismFailure(err))

	for _, id := range ids {
		node := env.node(t, id)
		assert.Equal(t, inventory.NodeStateFailed, node.State)
		assert.Empty(t, node.Pool)
		assert.Contains(t, node.Error().Detail, "playbook failed")
	}

	var failed []EventDeprovisioningFailed
	for _, event := range drain(events) {
		if e, ok := event.(EventDeprovisioningFailed); ok {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, ids, failed[0].Nodes)
}

func TestDeprovisionPoolNodesIgnoresNodesNotDeployed(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(1, nil)}, nil)
	ids := env.seedNodes(t, "foo", inventory.NodeStateReady, 1, nil)

	require.NoError(t, env.scheduler.DeprovisionPoolNodes(context.Background(), "foo", ids))

	assert.Equal(t, inventory.NodeStateReady, env.node(t, ids[0]).State)
	_, deprovisions := env.mechanism.calls()
	assert.Zero(t, deprovisions)
}

func TestDeprovisionNodesGroupsByPool(t *testing.T) {
	env := newTestEnv(t, map[string]any{
		"foo": fakePool(2, map[string]any{pools.KeyRunParallel: false}),
		"bar": fakePool(2, nil),
	}, nil)
	foo := env.seedNodes(t, "foo", inventory.NodeStateDeployed, 2, nil)
	bar := env.seedNodes(t, "bar", inventory.NodeStateDeployed, 2, nil)
	gone := env.seedNodes(t, "gone", inventory.NodeStateDeployed, 1, nil)
	ready := env.seedNodes(t, "foo", inventory.NodeStateReady, 1, nil)

	ids := slices.Concat(foo, bar, gone, ready, []int64{999})
	require.NoError(t, env.scheduler.DeprovisionNodes(context.Background(), ids))
	env.scheduler.Wait()

	for _, id := range slices.Concat(foo, bar) {
		assert.Equal(t, inventory.NodeStateDone, env.node(t, id).State)
	}
	assert.Equal(t, inventory.NodeStateFailed, env.node(t, gone[0]).State)
	assert.Equal(t, inventory.NodeStateReady, env.node(t, ready[0]).State)

	// One batch for foo, one task per node for bar.
	_, deprovisions := env.mechanism.calls()
	assert.Equal(t, 3, deprovisions)
}
