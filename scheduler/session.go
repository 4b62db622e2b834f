package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gammadia/nodepool/inventory"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/iter"
)

type SessionRequest struct {
	// Tenant names the owner of the session. Only admins may create sessions
	// for another tenant. Empty means the requester.
	Tenant     string
	NodesSpecs []inventory.NodesSpec
}

func (r SessionRequest) Validate() error {
	if len(r.NodesSpecs) == 0 {
		return errors.New("at least one nodes spec is required")
	}
	for i, spec := range r.NodesSpecs {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("nodes spec %d: %w", i, err)
		}
	}
	return nil
}

func (r SessionRequest) quantity() int {
	return lo.SumBy(r.NodesSpecs, func(spec inventory.NodesSpec) int { return spec.Quantity })
}

type SessionUpdate struct {
	Active    *bool
	ExpiresAt *time.Time
}

type reservation struct {
	node *inventory.Node
	spec inventory.NodesSpec
	err  error
}

// CreateSession reserves ready nodes matching every spec of the request, hands
// them to the owning tenant and records the session. Either every requested
// node ends up in the session or none does.
func (s *Scheduler) CreateSession(ctx context.Context, requester *inventory.Tenant, request SessionRequest) (*inventory.Session, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	for _, spec := range request.NodesSpecs {
		if pool, ok := s.pools.Get(spec.Pool); !ok || pool.Abstract {
			return nil, fmt.Errorf("%w: %w '%s'", ErrInvalidRequest, ErrUnknownPool, spec.Pool)
		}
	}

	var owner *inventory.Tenant
	var reservations []*reservation
	err := s.tx(ctx, func(tx inventory.Tx) error {
		reservations = nil

		caller, err := tx.GetTenant(ctx, requester.ID)
		if err != nil {
			return err
		}
		owner, err = s.resolveOwner(ctx, tx, caller, request.Tenant)
		if err != nil {
			return err
		}

		if !caller.IsAdmin {
			allocated, err := tx.TenantNodeCount(ctx, owner.ID)
			if err != nil {
				return err
			}
			quota := owner.EffectiveNodeQuota(s.config.Defaults)
			if requested := request.quantity(); allocated+requested > quota {
				return &QuotaError{Quota: quota, Allocated: allocated, Requested: requested}
			}
		}

		for _, spec := range request.NodesSpecs {
			nodes, err := tx.ListNodes(ctx, inventory.NodeFilter{
				Pool:      spec.Pool,
				States:    []inventory.NodeState{inventory.NodeStateReady},
				Active:    lo.ToPtr(true),
				Data:      spec.Fields,
				Limit:     spec.Quantity,
				ForUpdate: true,
			})
			if err != nil {
				return err
			}
			if len(nodes) < spec.Quantity {
				return fmt.Errorf("%w: pool '%s' has %d of the %d requested", ErrInsufficientNodes, spec.Pool, len(nodes), spec.Quantity)
			}

			for _, node := range nodes {
				if node.Data == nil {
					node.Data = inventory.NodeData{}
				}
				node.Data[inventory.DataKeyNodesSpec] = spec.AsData()
				node.State = inventory.NodeStateContextualizing
				if err := tx.UpdateNode(ctx, node); err != nil {
					return err
				}
				reservations = append(reservations, &reservation{node: node, spec: spec})
			}
		}
		return nil
	})
	if err != nil {
		if owner != nil {
			s.broadcast(EventSessionRejected{Tenant: owner.ID, Reason: err.Error()})
		}
		return nil, err
	}
	log := s.log.With("tenant", owner.Name)
	s.broadcastNodes(lo.Map(reservations, func(r *reservation, _ int) *inventory.Node { return r.node }))

	iter.ForEach(reservations, func(r **reservation) {
		(*r).err = s.contextualizer.Contextualize(ctx, (*r).node, owner.SSHKey)
	})

	failed := lo.Filter(reservations, func(r *reservation, _ int) bool { return r.err != nil })
	if len(failed) > 0 {
		for _, r := range failed {
			log.Warn("Failed to contextualize node", "node", r.node.ID, "error", r.err)
		}
		s.abandonReservations(ctx, reservations)
		s.broadcast(EventSessionRejected{Tenant: owner.ID, Reason: ErrContextualizationFailed.Error()})
		return nil, fmt.Errorf("%w: %d of %d nodes", ErrContextualizationFailed, len(failed), len(reservations))
	}

	var session *inventory.Session
	err = s.tx(ctx, func(tx inventory.Tx) error {
		now := s.now()
		session = &inventory.Session{
			TenantID:  owner.ID,
			Active:    true,
			ExpiresAt: lo.ToPtr(now.Add(owner.EffectiveSessionLifetime(s.config.Defaults))),
			Data:      inventory.SessionData{NodesSpecs: request.NodesSpecs},
		}

		for _, r := range reservations {
			node, err := tx.GetNode(ctx, r.node.ID)
			if err != nil {
				return err
			}
			if node.State != inventory.NodeStateContextualizing {
				return fmt.Errorf("node %d moved to '%s' while being contextualized", node.ID, node.State)
			}
			node.State = inventory.NodeStateDeployed
			if err := tx.UpdateNode(ctx, node); err != nil {
				return err
			}
			r.node = node

			session.Nodes = append(session.Nodes, &inventory.SessionNode{
				NodeID: node.ID,
				Pool:   r.spec.Pool,
				Data:   node.Data.Clone(),
			})
		}
		return tx.CreateSession(ctx, session)
	})
	if err != nil {
		log.Error("Failed to record session, releasing nodes", "error", err)
		s.abandonReservations(ctx, reservations)
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	log.Info("Session created", "session", session.ID, "nodes", len(session.Nodes))
	s.broadcast(EventSessionCreated{Session: session.ID, Tenant: owner.ID, Nodes: len(session.Nodes)})
	s.broadcastNodes(lo.Map(reservations, func(r *reservation, _ int) *inventory.Node { return r.node }))
	return session, nil
}

// resolveOwner returns the tenant a session is created for. The caller must be
// freshly loaded within tx.
func (s *Scheduler) resolveOwner(ctx context.Context, tx inventory.Tx, current *inventory.Tenant, name string) (*inventory.Tenant, error) {
	if !current.Active {
		return nil, fmt.Errorf("%w: '%s'", ErrTenantInactive, current.Name)
	}
	if name == "" || name == current.Name {
		return current, nil
	}

	if !current.IsAdmin {
		return nil, fmt.Errorf("%w: only admins may create sessions for other tenants", ErrForbidden)
	}
	owner, err := tx.GetTenantByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !owner.Active {
		return nil, fmt.Errorf("%w: '%s'", ErrTenantInactive, owner.Name)
	}
	return owner, nil
}

// abandonReservations puts reserved nodes back in service after a session
// could not be created. Nodes that failed to be contextualized, or to be
// cleaned up afterwards, are marked failed. Affected pools are refilled.
func (s *Scheduler) abandonReservations(ctx context.Context, reservations []*reservation) {
	ctx = context.WithoutCancel(ctx)

	iter.ForEach(reservations, func(r **reservation) {
		if (*r).err != nil {
			return
		}
		if err := s.contextualizer.Decontextualize(ctx, (*r).node); err != nil {
			(*r).err = err
		}
	})

	byID := lo.Associate(reservations, func(r *reservation) (int64, *reservation) { return r.node.ID, r })
	var nodes []*inventory.Node
	err := s.tx(ctx, func(tx inventory.Tx) (err error) {
		nodes, err = tx.ListNodes(ctx, inventory.NodeFilter{
			IDs:       lo.Keys(byID),
			States:    []inventory.NodeState{inventory.NodeStateContextualizing, inventory.NodeStateDeployed},
			ForUpdate: true,
		})
		if err != nil {
			return err
		}

		for _, node := range nodes {
			if r := byID[node.ID]; r.err != nil {
				node.Fail(r.err.Error(), s.now())
			} else {
				delete(node.Data, inventory.DataKeyNodesSpec)
				node.State = inventory.NodeStateReady
			}
			if err := tx.UpdateNode(ctx, node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("Failed to release reserved nodes", "nodes", lo.Keys(byID), "error", err)
	} else {
		s.broadcastNodes(nodes)
	}

	s.FillPools(lo.Uniq(lo.Map(reservations, func(r *reservation, _ int) string { return r.spec.Pool }))...)
}

// UpdateSession extends or ends a session. Ending a session deprovisions its nodes.
func (s *Scheduler) UpdateSession(ctx context.Context, requester *inventory.Tenant, id int64, update SessionUpdate) (*inventory.Session, error) {
	var session *inventory.Session
	ended := false
	err := s.tx(ctx, func(tx inventory.Tx) (err error) {
		ended = false
		caller, err := tx.GetTenant(ctx, requester.ID)
		if err != nil {
			return err
		}
		session, err = tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if !caller.IsAdmin && caller.ID != session.TenantID {
			return fmt.Errorf("%w: session %d belongs to another tenant", ErrForbidden, id)
		}
		if !session.Active {
			return fmt.Errorf("%w: session %d", ErrSessionInactive, id)
		}

		owner, err := tx.GetTenant(ctx, session.TenantID)
		if err != nil {
			return err
		}

		if update.ExpiresAt != nil {
			limit := session.CreatedAt.Add(owner.EffectiveSessionLifetimeMax(s.config.Defaults))
			if update.ExpiresAt.After(limit) {
				return fmt.Errorf("%w: session %d cannot expire after %s", ErrLifetimeExceeded, id, limit.Format(time.RFC3339))
			}
			session.ExpiresAt = lo.ToPtr(update.ExpiresAt.UTC())
		}
		if update.Active != nil && !*update.Active {
			session.Retire(s.now())
			ended = true
		}

		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	if ended {
		s.log.Info("Session ended", "session", session.ID)
		s.broadcast(EventSessionEnded{Session: session.ID})
		s.dispatchDeprovisioning(session.NodeIDs())
	}
	return session, nil
}
