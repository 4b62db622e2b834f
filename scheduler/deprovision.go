package scheduler

import (
	"context"
	"fmt"

	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/scheduler/internal"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/iter"
)

func (s *Scheduler) dispatchDeprovisioning(ids []int64) {
	if len(ids) == 0 {
		return
	}
	s.dispatcher.followUp("deprovision-nodes", func(ctx context.Context) error {
		return s.DeprovisionNodes(ctx, ids)
	}, "nodes", ids)
}

// DeprovisionNodes dispatches the deprovisioning of the deployed nodes among
// ids, grouped by pool. Other ids are logged and ignored. Nodes of a pool that
// is no longer configured are marked failed.
func (s *Scheduler) DeprovisionNodes(ctx context.Context, ids []int64) error {
	var byPool map[string][]int64
	err := s.tx(ctx, func(tx inventory.Tx) error {
		byPool = map[string][]int64{}

		nodes, err := tx.ListNodes(ctx, inventory.NodeFilter{
			IDs:       ids,
			States:    []inventory.NodeState{inventory.NodeStateDeployed},
			Active:    lo.ToPtr(true),
			ForUpdate: true,
		})
		if err != nil {
			return err
		}

		if ignored, _ := lo.Difference(ids, nodeIDs(nodes)); len(ignored) > 0 {
			s.log.Warn("Ignoring nodes that are not deployed", "nodes", ignored)
		}

		for _, node := range nodes {
			if pool, ok := s.pools.Get(node.Pool); !ok || pool.Abstract {
				s.log.Error("Node belongs to an unknown pool", "node", node.ID, "pool", node.Pool)
				node.Fail(fmt.Sprintf("cannot deprovision node of unknown pool '%s'", node.Pool), s.now())
				if err := tx.UpdateNode(ctx, node); err != nil {
					return err
				}
				continue
			}
			byPool[node.Pool] = append(byPool[node.Pool], node.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deprovision nodes: %w", err)
	}

	for name, poolIDs := range byPool {
		pool, _ := s.pools.Get(name)
		if pool.RunParallel {
			for _, id := range poolIDs {
				s.dispatchPoolDeprovisioning(name, []int64{id})
			}
		} else {
			s.dispatchPoolDeprovisioning(name, poolIDs)
		}
	}
	return nil
}

func (s *Scheduler) dispatchPoolDeprovisioning(pool string, ids []int64) {
	s.dispatcher.followUp("deprovision-pool-nodes", func(ctx context.Context) error {
		return s.DeprovisionPoolNodes(ctx, pool, ids)
	}, "pool", pool, "nodes", ids)
}

// DeprovisionPoolNodes takes deployed nodes away from their pool and runs the
// pool's mechanism over them. Nodes the mechanism reports on are returned to
// the inventory when reusable and retired otherwise, the others are marked failed.
func (s *Scheduler) DeprovisionPoolNodes(ctx context.Context, name string, ids []int64) error {
	pool, ok := s.pools.Get(name)
	if !ok || pool.Abstract {
		return fmt.Errorf("%w '%s'", ErrUnknownPool, name)
	}
	log := s.log.With("pool", name)

	var nodes []*inventory.Node
	err := s.tx(ctx, func(tx inventory.Tx) (err error) {
		nodes, err = tx.ListNodes(ctx, inventory.NodeFilter{
			IDs:       ids,
			Pool:      name,
			States:    []inventory.NodeState{inventory.NodeStateDeployed},
			Active:    lo.ToPtr(true),
			ForUpdate: true,
		})
		if err != nil {
			return err
		}
		for _, node := range nodes {
			node.State = inventory.NodeStateDeprovisioning
			node.Pool = ""
			if err := tx.UpdateNode(ctx, node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		log.Warn("No node left to deprovision", "nodes", ids)
		return nil
	}
	ids = nodeIDs(nodes)
	s.broadcastNodes(nodes)

	// The node may be gone already.
	iter.ForEach(nodes, func(node **inventory.Node) {
		if err := s.contextualizer.Decontextualize(ctx, *node); err != nil {
			log.Debug("Failed to decontextualize node", "node", (*node).ID, "error", err)
		}
	})

	deprovisioning := inventory.NodeFilter{
		IDs:       ids,
		States:    []inventory.NodeState{inventory.NodeStateDeprovisioning},
		ForUpdate: true,
	}

	result, err := pool.Deprovision(ctx, nodes)
	if err != nil {
		s.broadcast(EventDeprovisioningFailed{Pool: name, Nodes: ids, Error: err.Error()})

		repairCtx := context.WithoutCancel(ctx)
		failErr := s.tx(repairCtx, func(tx inventory.Tx) error {
			return s.failNodes(repairCtx, tx, deprovisioning, err.Error())
		})
		if failErr != nil {
			log.Error("Failed to mark nodes as failed", "nodes", ids, "error", failErr)
		}
		s.broadcastState(ids)
		return err
	}

	match := internal.MatchDeprovisionResults(nodes, result.Nodes)
	for _, record := range match.Unused {
		log.Warn("Deprovisioning result matches no node", "result", record)
	}

	reclaimed := 0
	err = s.tx(ctx, func(tx inventory.Tx) error {
		reclaimed = 0

		nodes, err := tx.ListNodes(ctx, deprovisioning)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			switch {
			case match.Matched[node.ID] == nil:
				node.Fail("no deprovisioning result matched the node", s.now())
			case node.Reusable:
				node.ReturnToInventory()
				reclaimed++
			default:
				node.Retire(s.now())
			}
			if err := tx.UpdateNode(ctx, node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record deprovisioning of nodes %v: %w", ids, err)
	}

	log.Info("Nodes deprovisioned", "nodes", len(ids), "reclaimed", reclaimed, "unmatched", len(match.Unmatched))
	s.broadcastState(ids)

	if reclaimed > 0 {
		s.FillPools()
	}
	return nil
}
