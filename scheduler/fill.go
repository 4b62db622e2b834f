package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/pools"
	"github.com/gammadia/nodepool/scheduler/internal"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/iter"
)

// FillPools schedules a fill of the named pools, or of every concrete pool
// when no name is given. Unknown names are logged and ignored.
func (s *Scheduler) FillPools(names ...string) {
	var targets []*pools.Pool
	if len(names) == 0 {
		targets = s.pools.Concrete()
	} else {
		for _, name := range lo.Uniq(names) {
			pool, ok := s.pools.Get(name)
			if !ok || pool.Abstract {
				s.log.Warn("Ignoring unknown pool", "pool", name)
				continue
			}
			targets = append(targets, pool)
		}
	}

	for _, pool := range targets {
		name := pool.Name
		s.dispatcher.dispatch("fill-pool", func(ctx context.Context) error {
			return s.FillSinglePool(ctx, name)
		}, "pool", name)
	}
}

// FillSinglePool claims the nodes a pool lacks, reused from the inventory or
// newly created, and dispatches their provisioning.
func (s *Scheduler) FillSinglePool(ctx context.Context, name string) error {
	pool, ok := s.pools.Get(name)
	if !ok || pool.Abstract {
		return fmt.Errorf("%w '%s'", ErrUnknownPool, name)
	}
	log := s.log.With("pool", name)

	var claimed []*inventory.Node
	var reused int
	err := s.locker.WithLock(ctx, LockFill, func(ctx context.Context) error {
		return s.tx(ctx, func(tx inventory.Tx) error {
			claimed, reused = nil, 0

			ready, err := tx.CountNodes(ctx, inventory.NodeFilter{
				Pool:   name,
				States: []inventory.NodeState{inventory.NodeStateReady},
				Active: lo.ToPtr(true),
			})
			if err != nil {
				return err
			}
			provisioning, err := tx.CountNodes(ctx, inventory.NodeFilter{
				Pool:   name,
				States: []inventory.NodeState{inventory.NodeStateProvisioning},
				Active: lo.ToPtr(true),
			})
			if err != nil {
				return err
			}

			need := internal.NbNodesToFill(pool.FillLevel, ready, provisioning)
			if need <= 0 {
				log.Debug("Pool is full", "ready", ready, "provisioning", provisioning)
				return nil
			}

			if pool.Reusable() {
				predicate, err := pool.ReusePredicate()
				if err != nil {
					return err
				}
				candidates, err := tx.ListNodes(ctx, inventory.NodeFilter{
					States:     []inventory.NodeState{inventory.NodeStateUnused},
					Unassigned: true,
					Active:     lo.ToPtr(false),
					Reusable:   lo.ToPtr(true),
					Data:       predicate,
					Limit:      need,
					ForUpdate:  true,
				})
				if err != nil {
					return err
				}
				if len(candidates) < 1 {
					log.Info("No reusable node matches the pool", "missing", need)
					return nil
				}

				for _, node := range candidates {
					node.Active = true
					node.State = inventory.NodeStateProvisioning
					node.Pool = name
					if err := tx.UpdateNode(ctx, node); err != nil {
						return err
					}
				}
				claimed, reused = candidates, len(candidates)
				return nil
			}

			for range need {
				node := &inventory.Node{
					State:  inventory.NodeStateProvisioning,
					Pool:   name,
					Active: true,
					Data:   inventory.NodeData{},
				}
				if err := tx.CreateNode(ctx, node); err != nil {
					return err
				}
				claimed = append(claimed, node)
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to fill pool '%s': %w", name, err)
	}
	if len(claimed) == 0 {
		return nil
	}

	log.Info("Provisioning nodes", "nodes", len(claimed), "reused", reused)
	s.broadcast(EventPoolFilled{Pool: name, Created: len(claimed) - reused, Reused: reused})
	s.broadcastNodes(claimed)

	ids := lo.Map(claimed, func(node *inventory.Node, _ int) int64 { return node.ID })
	if pool.RunParallel {
		for _, id := range ids {
			s.dispatchProvisioning(name, []int64{id})
		}
	} else {
		s.dispatchProvisioning(name, ids)
	}
	return nil
}

func (s *Scheduler) dispatchProvisioning(pool string, ids []int64) {
	s.dispatcher.followUp("provision-nodes", func(ctx context.Context) error {
		return s.ProvisionNodesIntoPool(ctx, pool, ids)
	}, "pool", pool, "nodes", ids)
}

// ProvisionNodesIntoPool runs the pool's mechanism over nodes claimed by the
// pool and records the outcome. Nodes the mechanism did not report on go back
// to the inventory or are deleted.
func (s *Scheduler) ProvisionNodesIntoPool(ctx context.Context, name string, ids []int64) error {
	pool, ok := s.pools.Get(name)
	if !ok || pool.Abstract {
		return fmt.Errorf("%w '%s'", ErrUnknownPool, name)
	}
	log := s.log.With("pool", name)

	var nodes []*inventory.Node
	err := s.tx(ctx, func(tx inventory.Tx) (err error) {
		nodes, err = tx.ListNodes(ctx, s.provisioningFilter(name, ids))
		return err
	})
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		log.Warn("No node left to provision", "nodes", ids)
		return nil
	}
	ids = nodeIDs(nodes)

	result, err := pool.Provision(ctx, nodes)
	if err != nil {
		s.broadcast(EventProvisioningFailed{Pool: name, Nodes: ids, Error: err.Error()})

		repairCtx := context.WithoutCancel(ctx)
		releaseErr := s.tx(repairCtx, func(tx inventory.Tx) error {
			nodes, err := tx.ListNodes(repairCtx, s.provisioningFilter(name, ids))
			if err != nil {
				return err
			}
			for _, node := range nodes {
				if err := s.release(repairCtx, tx, node, node.Reusable); err != nil {
					return err
				}
			}
			return nil
		})
		if releaseErr != nil {
			log.Error("Failed to release nodes after provisioning failure", "nodes", ids, "error", releaseErr)
		}
		return err
	}

	match := internal.MatchProvisionResults(ids, result.Nodes)
	for _, record := range match.Invalid {
		log.Warn("Discarding provisioning result without address", "result", record)
	}
	for _, record := range match.Unbound {
		log.Warn("Discarding provisioning result without node", "result", record)
	}

	hostnames := s.resolveHostnames(ctx, match.Matched)

	commitErr := s.tx(ctx, func(tx inventory.Tx) error {
		nodes, err := tx.ListNodes(ctx, s.provisioningFilter(name, ids))
		if err != nil {
			return err
		}
		for _, node := range nodes {
			record, ok := match.Matched[node.ID]
			if !ok {
				log.Warn("Node was not provisioned", "node", node.ID)
				if err := s.release(ctx, tx, node, pool.Reusable()); err != nil {
					return err
				}
				continue
			}

			if node.Data == nil {
				node.Data = inventory.NodeData{}
			}
			node.IPAddr = record[internal.FieldIPAddr].(string)
			node.Hostname = hostnames[node.ID]
			node.Data[inventory.DataKeyProvision] = record
			node.State = inventory.NodeStateReady
			if err := tx.UpdateNode(ctx, node); err != nil {
				return err
			}
		}
		return nil
	})
	if commitErr != nil {
		// The batch cannot be recorded as provisioned, the machines exist though.
		detail := fmt.Sprintf("failed to record provisioning result: %v", commitErr)
		repairCtx := context.WithoutCancel(ctx)
		failErr := s.tx(repairCtx, func(tx inventory.Tx) error {
			return s.failNodes(repairCtx, tx, s.provisioningFilter(name, ids), detail)
		})
		if failErr != nil {
			log.Error("Failed to mark nodes as failed", "nodes", ids, "error", failErr)
		}
		return commitErr
	}

	s.broadcastState(ids)
	log.Info("Nodes provisioned", "ready", len(match.Matched), "leftover", len(match.Leftover))
	return nil
}

func (s *Scheduler) provisioningFilter(pool string, ids []int64) inventory.NodeFilter {
	return inventory.NodeFilter{
		IDs:       ids,
		Pool:      pool,
		States:    []inventory.NodeState{inventory.NodeStateProvisioning},
		ForUpdate: true,
	}
}

// release hands a node back to the inventory when reusable, or deletes it.
func (s *Scheduler) release(ctx context.Context, tx inventory.Tx, node *inventory.Node, reusable bool) error {
	if reusable {
		node.ReturnToInventory()
		return tx.UpdateNode(ctx, node)
	}
	return tx.DeleteNodes(ctx, node.ID)
}

func (s *Scheduler) failNodes(ctx context.Context, tx inventory.Tx, filter inventory.NodeFilter, detail string) error {
	nodes, err := tx.ListNodes(ctx, filter)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		node.Fail(detail, s.now())
		if err := tx.UpdateNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// resolveHostnames picks the hostname of every matched node: the one in its
// record, else its reverse DNS name, else its address.
func (s *Scheduler) resolveHostnames(ctx context.Context, matched map[int64]map[string]any) map[int64]string {
	type lookup struct {
		id       int64
		address  string
		hostname string
	}

	lookups := make([]lookup, 0, len(matched))
	for id, record := range matched {
		hostname, _ := record[internal.FieldHostname].(string)
		lookups = append(lookups, lookup{id: id, address: record[internal.FieldIPAddr].(string), hostname: hostname})
	}

	resolved := iter.Map(lookups, func(l *lookup) lookup {
		if l.hostname != "" {
			return *l
		}
		names, err := s.resolver.LookupAddr(ctx, l.address)
		if err != nil || len(names) == 0 {
			l.hostname = l.address
		} else {
			l.hostname = strings.TrimSuffix(names[0], ".")
		}
		return *l
	})

	hostnames := make(map[int64]string, len(resolved))
	for _, l := range resolved {
		hostnames[l.id] = l.hostname
	}
	return hostnames
}

// broadcastState publishes the current state of nodes after a commit.
func (s *Scheduler) broadcastState(ids []int64) {
	if !s.hasListeners() {
		return
	}

	var nodes []*inventory.Node
	err := s.store.Tx(context.Background(), func(tx inventory.Tx) (err error) {
		nodes, err = tx.ListNodes(context.Background(), inventory.NodeFilter{IDs: ids})
		return err
	})
	if err != nil {
		s.log.Debug("Failed to load nodes for events", "error", err)
		return
	}

	known := lo.Associate(nodes, func(node *inventory.Node) (int64, bool) { return node.ID, true })
	for _, id := range ids {
		if !known[id] {
			s.broadcast(EventNodeDeleted{Node: id})
		}
	}
	s.broadcastNodes(nodes)
}

func nodeIDs(nodes []*inventory.Node) []int64 {
	return lo.Map(nodes, func(node *inventory.Node, _ int) int64 { return node.ID })
}
