package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/lock"
	"github.com/gammadia/nodepool/pools"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMechanism struct {
	mu sync.Mutex

	provision   func(nodes []*inventory.Node) (*pools.Result, error)
	deprovision func(nodes []*inventory.Node) (*pools.Result, error)

	provisionCalls   int
	deprovisionCalls int
}

func (m *fakeMechanism) Provision(_ context.Context, nodes []*inventory.Node) (*pools.Result, error) {
	m.mu.Lock()
	m.provisionCalls++
	provision := m.provision
	m.mu.Unlock()

	if provision != nil {
		return provision(nodes)
	}
	return provisionAll(nodes)
}

func (m *fakeMechanism) Deprovision(_ context.Context, nodes []*inventory.Node) (*pools.Result, error) {
	m.mu.Lock()
	m.deprovisionCalls++
	deprovision := m.deprovision
	m.mu.Unlock()

	if deprovision != nil {
		return deprovision(nodes)
	}
	return deprovisionAll(nodes)
}

func (m *fakeMechanism) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisionCalls, m.deprovisionCalls
}

func provisionAll(nodes []*inventory.Node) (*pools.Result, error) {
	return &pools.Result{Nodes: lo.Map(nodes, func(node *inventory.Node, _ int) map[string]any {
		return map[string]any{
			"id":       node.ID,
			"ipaddr":   fmt.Sprintf("10.0.0.%d", node.ID),
			"hostname": fmt.Sprintf("node-%d.test", node.ID),
		}
	})}, nil
}

func deprovisionAll(nodes []*inventory.Node) (*pools.Result, error) {
	return &pools.Result{Nodes: lo.Map(nodes, func(node *inventory.Node, _ int) map[string]any {
		return node.Data.Provision()
	})}, nil
}

type fakeContextualizer struct {
	mu sync.Mutex

	failContextualize   map[int64]bool
	failDecontextualize map[int64]bool

	keys            map[int64]string
	decontextualize []int64
}

func newFakeContextualizer() *fakeContextualizer {
	return &fakeContextualizer{
		failContextualize:   map[int64]bool{},
		failDecontextualize: map[int64]bool{},
		keys:                map[int64]string{},
	}
}

func (c *fakeContextualizer) Contextualize(_ context.Context, node *inventory.Node, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failContextualize[node.ID] {
		return errors.New("connection refused")
	}
	c.keys[node.ID] = key
	return nil
}

func (c *fakeContextualizer) Decontextualize(_ context.Context, node *inventory.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decontextualize = append(c.decontextualize, node.ID)
	if c.failDecontextualize[node.ID] {
		return errors.New("connection refused")
	}
	delete(c.keys, node.ID)
	return nil
}

type fakeResolver map[string][]string

func (r fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	names, ok := r[addr]
	if !ok {
		return nil, errors.New("no such host")
	}
	return names, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	scheduler      *Scheduler
	store          *inventory.MemoryStore
	mechanism      *fakeMechanism
	contextualizer *fakeContextualizer
	clock          *fakeClock
}

func fakePool(fillLevel int, extra map[string]any) map[string]any {
	config := map[string]any{
		pools.KeyFillLevel: fillLevel,
		pools.KeyMechanism: map[string]any{"type": "fake"},
	}
	for key, value := range extra {
		config[key] = value
	}
	return config
}

func newTestEnv(t *testing.T, concrete map[string]any, resolver Resolver) *testEnv {
	t.Helper()

	mechanism := &fakeMechanism{}
	registry := pools.NewRegistry()
	registry.RegisterMechanism("fake", func(*pools.Pool, map[string]any) (pools.Mechanism, error) {
		return mechanism, nil
	})
	require.NoError(t, registry.LoadFromConfiguration(map[string]any{"concrete": concrete}))

	if resolver == nil {
		resolver = fakeResolver{}
	}

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	config := DefaultConfig()
	config.Workers = 4
	config.Now = clock.Now

	env := &testEnv{
		store:          inventory.NewMemoryStore(),
		mechanism:      mechanism,
		contextualizer: newFakeContextualizer(),
		clock:          clock,
	}
	env.scheduler = New(env.store, registry, lock.NewLocal(), env.contextualizer, resolver, config)
	t.Cleanup(func() {
		env.scheduler.Stop()
		env.scheduler.Wait()
	})
	return env
}

func (e *testEnv) nodes(t *testing.T, filter inventory.NodeFilter) []*inventory.Node {
	t.Helper()

	var nodes []*inventory.Node
	require.NoError(t, e.store.Tx(context.Background(), func(tx inventory.Tx) (err error) {
		nodes, err = tx.ListNodes(context.Background(), filter)
		return err
	}))
	return nodes
}

func (e *testEnv) node(t *testing.T, id int64) *inventory.Node {
	t.Helper()

	var node *inventory.Node
	require.NoError(t, e.store.Tx(context.Background(), func(tx inventory.Tx) (err error) {
		node, err = tx.GetNode(context.Background(), id)
		return err
	}))
	return node
}

// seedNodes inserts n provisioned nodes in the given state.
func (e *testEnv) seedNodes(t *testing.T, pool string, state inventory.NodeState, n int, data inventory.NodeData) []int64 {
	t.Helper()

	var ids []int64
	require.NoError(t, e.store.Tx(context.Background(), func(tx inventory.Tx) error {
		for range n {
			node := &inventory.Node{
				State:  state,
				Pool:   pool,
				Active: true,
				Data:   data.Clone(),
			}
			if err := tx.CreateNode(context.Background(), node); err != nil {
				return err
			}
			node.IPAddr = fmt.Sprintf("10.1.0.%d", node.ID)
			node.Hostname = fmt.Sprintf("seed-%d.test", node.ID)
			node.Data[inventory.DataKeyProvision] = map[string]any{"id": node.ID, "ipaddr": node.IPAddr}
			if err := tx.UpdateNode(context.Background(), node); err != nil {
				return err
			}
			ids = append(ids, node.ID)
		}
		return nil
	}))
	return ids
}

func (e *testEnv) seedTenant(t *testing.T, name string, admin bool, quota *int) *inventory.Tenant {
	t.Helper()

	tenant := inventory.NewTenant(name, "ssh-ed25519 AAAA "+name, admin)
	tenant.NodeQuota = quota
	require.NoError(t, e.store.Tx(context.Background(), func(tx inventory.Tx) error {
		return tx.CreateTenant(context.Background(), tenant)
	}))
	return tenant
}

func TestFillSinglePoolCreatesAndProvisionsNodes(t *testing.T) {
	env := newTestEnv(t, map[string]any{
		"foo": fakePool(5, map[string]any{pools.KeyRunParallel: false}),
	}, nil)

	events, unsubscribe := env.scheduler.Subscribe()
	defer unsubscribe()

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "foo"))
	env.scheduler.Wait()

	nodes := env.nodes(t, inventory.NodeFilter{Pool: "foo"})
	require.Len(t, nodes, 5)
	for _, node := range nodes {
		assert.Equal(t, inventory.NodeStateReady, node.State)
		assert.True(t, node.Active)
		assert.Equal(t, fmt.Sprintf("10.0.0.%d", node.ID), node.IPAddr)
		assert.Equal(t, fmt.Sprintf("node-%d.test", node.ID), node.Hostname)
		assert.NotNil(t, node.Data.Provision())
	}

	provisions, _ := env.mechanism.calls()
	assert.Equal(t, 1, provisions)

	assert.Contains(t, drain(events), EventPoolFilled{Pool: "foo", Created: 5})
}

func TestFillSinglePoolRunParallel(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(3, nil)}, nil)

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "foo"))
	env.scheduler.Wait()

	assert.Len(t, env.nodes(t, inventory.NodeFilter{Pool: "foo", States: []inventory.NodeState{inventory.NodeStateReady}}), 3)
	provisions, _ := env.mechanism.calls()
	assert.Equal(t, 3, provisions)
}

func TestFillPoolsIsIdempotent(t *testing.T) {
	env := newTestEnv(t, map[string]any{
		"foo": fakePool(2, nil),
		"bar": fakePool(1, nil),
	}, nil)

	env.scheduler.FillPools()
	env.scheduler.Wait()
	first, _ := env.mechanism.calls()

	env.scheduler.FillPools()
	env.scheduler.Wait()
	second, _ := env.mechanism.calls()

	assert.Equal(t, 3, first)
	assert.Equal(t, first, second)
	assert.Len(t, env.nodes(t, inventory.NodeFilter{}), 3)
}

func TestFillSinglePoolCountsProvisioningNodes(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(4, nil)}, nil)
	env.seedNodes(t, "foo", inventory.NodeStateReady, 1, nil)
	env.seedNodes(t, "foo", inventory.NodeStateProvisioning, 2, nil)
	env.scheduler.Shutdown()

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "foo"))
	env.scheduler.Wait()

	assert.Len(t, env.nodes(t, inventory.NodeFilter{Pool: "foo"}), 4)
}

func TestShutdownDrainsProvisioning(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(3, map[string]any{pools.KeyRunParallel: false})}, nil)
	env.scheduler.Shutdown()

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "foo"))
	env.scheduler.Wait()

	provisions, _ := env.mechanism.calls()
	assert.Equal(t, 1, provisions)
	nodes := env.nodes(t, inventory.NodeFilter{Pool: "foo"})
	require.Len(t, nodes, 3)
	for _, node := range nodes {
		assert.Equal(t, inventory.NodeStateReady, node.State)
	}
}

func TestFillPoolsIgnoresUnknownPools(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(1, nil)}, nil)

	env.scheduler.FillPools("nope")
	env.scheduler.Wait()

	assert.Empty(t, env.nodes(t, inventory.NodeFilter{}))
	assert.ErrorIs(t, env.scheduler.FillSinglePool(context.Background(), "nope"), ErrUnknownPool)
}

func TestFillSinglePoolReusesInventory(t *testing.T) {
	env := newTestEnv(t, map[string]any{
		"small": fakePool(2, map[string]any{
			"flavor":           "s1.small",
			pools.KeyReuseNodes: map[string]any{"flavor": "{{ .flavor }}", "disk": 20},
		}),
	}, nil)

	var matching, other []int64
	require.NoError(t, env.store.Tx(context.Background(), func(tx inventory.Tx) error {
		for i, data := range []inventory.NodeData{
			{"flavor": "s1.small", "disk": 20},
			{"flavor": "s1.large", "disk": 20},
			{"flavor": "s1.small", "disk": 20},
			{"flavor": "s1.small", "disk": 20},
		} {
			node := &inventory.Node{State: inventory.NodeStateUnused, Reusable: true, Data: data}
			if err := tx.CreateNode(context.Background(), node); err != nil {
				return err
			}
			if i == 1 {
				other = append(other, node.ID)
			} else {
				matching = append(matching, node.ID)
			}
		}
		return nil
	}))

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "small"))
	env.scheduler.Wait()

	ready := env.nodes(t, inventory.NodeFilter{Pool: "small", States: []inventory.NodeState{inventory.NodeStateReady}})
	require.Len(t, ready, 2)
	assert.Equal(t, matching[:2], nodeIDs(ready))
	for _, node := range ready {
		assert.True(t, node.Active)
		assert.Equal(t, "s1.small", node.Data["flavor"])
	}

	assert.Equal(t, inventory.NodeStateUnused, env.node(t, other[0]).State)
	assert.Len(t, env.nodes(t, inventory.NodeFilter{}), 4, "a reusing pool never creates nodes")
}

func TestFillSinglePoolWithoutReusableCandidates(t *testing.T) {
	env := newTestEnv(t, map[string]any{
		"small": fakePool(2, map[string]any{pools.KeyReuseNodes: map[string]any{"flavor": "s1.small"}}),
	}, nil)

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "small"))
	env.scheduler.Wait()

	assert.Empty(t, env.nodes(t, inventory.NodeFilter{}))
	provisions, _ := env.mechanism.calls()
	assert.Zero(t, provisions)
}

func TestProvisioningFailureDeletesNodes(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(2, map[string]any{pools.KeyRunParallel: false})}, nil)
	env.mechanism.provision = func([]*inventory.Node) (*pools.Result, error) {
		return nil, errors.New("quota exhausted")
	}

	events, unsubscribe := env.scheduler.Subscribe()
	defer unsubscribe()

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "foo"))
	env.scheduler.Wait()

	assert.Empty(t, env.nodes(t, inventory.NodeFilter{}))

	failed := lo.Filter(drain(events), func(event Event, _ int) bool {
		_, ok := event.(EventProvisioningFailed)
		return ok
	})
	require.Len(t, failed, 1)
	assert.Equal(t, "foo", failed[0].(EventProvisioningFailed).Pool)
}

func TestProvisioningFailureReturnsReusableNodes(t *testing.T) {
	env := newTestEnv(t, map[string]any{
		"small": fakePool(1, map[string]any{pools.KeyReuseNodes: map[string]any{"flavor": "s1.small"}}),
	}, nil)
	env.mechanism.provision = func([]*inventory.Node) (*pools.Result, error) {
		return nil, errors.New("boom")
	}

	var id int64
	require.NoError(t, env.store.Tx(context.Background(), func(tx inventory.Tx) error {
		node := &inventory.Node{State: inventory.NodeStateUnused, Reusable: true, Data: inventory.NodeData{"flavor": "s1.small"}}
		err := tx.CreateNode(context.Background(), node)
		id = node.ID
		return err
	}))

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "small"))
	env.scheduler.Wait()

	node := env.node(t, id)
	assert.Equal(t, inventory.NodeStateUnused, node.State)
	assert.Empty(t, node.Pool)
	assert.False(t, node.Active)
	assert.Equal(t, "s1.small", node.Data["flavor"])
}

func TestProvisioningLeftoversAreDeleted(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(4, map[string]any{pools.KeyRunParallel: false})}, nil)
	env.mechanism.provision = func(nodes []*inventory.Node) (*pools.Result, error) {
		result, _ := provisionAll(nodes[:2])
		// No address, discarded.
		result.Nodes = append(result.Nodes, map[string]any{"id": nodes[2].ID})
		return result, nil
	}

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "foo"))
	env.scheduler.Wait()

	nodes := env.nodes(t, inventory.NodeFilter{})
	require.Len(t, nodes, 2)
	for _, node := range nodes {
		assert.Equal(t, inventory.NodeStateReady, node.State)
	}
}

func TestProvisioningResolvesHostnames(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(2, map[string]any{pools.KeyRunParallel: false})}, fakeResolver{
		"192.0.2.1": {"worker-1.example.org."},
	})
	env.mechanism.provision = func(nodes []*inventory.Node) (*pools.Result, error) {
		return &pools.Result{Nodes: []map[string]any{
			{"ipaddr": "192.0.2.1"},
			{"ipaddr": "192.0.2.2"},
		}}, nil
	}

	require.NoError(t, env.scheduler.FillSinglePool(context.Background(), "foo"))
	env.scheduler.Wait()

	nodes := env.nodes(t, inventory.NodeFilter{})
	require.Len(t, nodes, 2)
	assert.Equal(t, "worker-1.example.org", nodes[0].Hostname)
	assert.Equal(t, "192.0.2.2", nodes[1].Hostname, "falls back to the address")
}

func TestRunFillsPoolsAndStops(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(2, nil)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.scheduler.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return len(env.nodes(t, inventory.NodeFilter{States: []inventory.NodeState{inventory.NodeStateReady}})) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after its context was cancelled")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	env := newTestEnv(t, map[string]any{"foo": fakePool(1, nil)}, nil)

	events, unsubscribe := env.scheduler.Subscribe()
	assert.True(t, env.scheduler.hasListeners())

	unsubscribe()
	unsubscribe()
	assert.False(t, env.scheduler.hasListeners())

	_, open := <-events
	assert.False(t, open)
}

// drain returns the events already queued on a subscription.
func drain(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case event := <-events:
			out = append(out, event)
		default:
			return out
		}
	}
}
