package scheduler

import (
	"context"
	"fmt"

	"github.com/gammadia/nodepool/inventory"
)

// ExpireSessions ends the active sessions past their expiry and dispatches
// the deprovisioning of their nodes.
func (s *Scheduler) ExpireSessions(ctx context.Context) error {
	return s.locker.WithLock(ctx, LockExpire, func(ctx context.Context) error {
		var expired []*inventory.Session
		err := s.tx(ctx, func(tx inventory.Tx) (err error) {
			now := s.now()
			expired, err = tx.ListExpiredSessions(ctx, now)
			if err != nil {
				return err
			}
			for _, session := range expired {
				session.Retire(now)
				if err := tx.UpdateSession(ctx, session); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to expire sessions: %w", err)
		}

		for _, session := range expired {
			s.log.Info("Session expired", "session", session.ID, "tenant", session.TenantID)
			s.broadcast(EventSessionEnded{Session: session.ID, Expired: true})
			s.dispatchDeprovisioning(session.NodeIDs())
		}
		return nil
	})
}
