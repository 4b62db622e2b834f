package scheduler

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/lock"
	"github.com/gammadia/nodepool/namegen"
	"github.com/gammadia/nodepool/pools"
)

// Names of the distributed locks. Accounting is serialized across all pools.
const (
	LockFill   = "nodepool-fill"
	LockExpire = "nodepool-expire"
)

// Pools resolves configured pools.
type Pools interface {
	Get(name string) (*pools.Pool, bool)
	Concrete() []*pools.Pool
}

// Contextualizer hands nodes over to tenants by installing their SSH key.
type Contextualizer interface {
	Contextualize(ctx context.Context, node *inventory.Node, key string) error
	// Decontextualize removes whatever key was installed, if any.
	Decontextualize(ctx context.Context, node *inventory.Node) error
}

// Resolver looks hostnames up for provisioned addresses. *net.Resolver implements it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

var _ Resolver = (*net.Resolver)(nil)

type Scheduler struct {
	name           namegen.ID
	store          inventory.Store
	pools          Pools
	locker         lock.Locker
	contextualizer Contextualizer
	resolver       Resolver
	config         Config
	log            *slog.Logger

	dispatcher *dispatcher

	listeners      map[chan Event]struct{}
	listenersMutex sync.RWMutex
}

func New(store inventory.Store, pools Pools, locker lock.Locker, contextualizer Contextualizer, resolver Resolver, config Config) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Retry.Attempts == 0 {
		config.Retry = DefaultConfig().Retry
	}
	if config.Workers < 1 {
		config.Workers = DefaultConfig().Workers
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	name := namegen.Get()
	logger := config.Logger.With("component", "scheduler", "scheduler", name)

	return &Scheduler{
		name:           name,
		store:          store,
		pools:          pools,
		locker:         locker,
		contextualizer: contextualizer,
		resolver:       resolver,
		config:         config,
		log:            logger,

		dispatcher: newDispatcher(logger, config.Workers),

		listeners: map[chan Event]struct{}{},
	}
}

func (s *Scheduler) now() time.Time {
	return s.config.Now().UTC()
}

// tx runs fn in a transaction, again if it loses a serialization conflict.
func (s *Scheduler) tx(ctx context.Context, fn func(inventory.Tx) error) error {
	return s.config.Retry.Do(ctx, func(ctx context.Context) error {
		return s.store.Tx(ctx, fn)
	})
}

// Run sweeps expired sessions and fills pools periodically until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("Scheduler is running", "expiry-interval", s.config.ExpiryInterval, "fill-interval", s.config.FillInterval)

	expiry := time.NewTicker(s.config.ExpiryInterval)
	defer expiry.Stop()
	fill := time.NewTicker(s.config.FillInterval)
	defer fill.Stop()

	s.FillPools()

	for {
		select {
		case <-expiry.C:
			s.dispatcher.dispatch("expire-sessions", s.ExpireSessions)

		case <-fill.C:
			s.FillPools()

		case <-ctx.Done():
			s.log.Info("Scheduler is stopping")
			return
		}
	}
}

// Shutdown stops accepting new work: periodic fills and sweeps. Tasks already
// dispatched run to completion, together with the provisioning and
// deprovisioning they lead to, so Wait leaves no node half handled.
func (s *Scheduler) Shutdown() {
	s.dispatcher.shutdown()
}

// Stop cancels running tasks.
func (s *Scheduler) Stop() {
	s.dispatcher.stop()
}

// Wait blocks until every dispatched task is done.
func (s *Scheduler) Wait() {
	s.dispatcher.wait()
}

// Subscribe returns a channel receiving scheduler events and a function to
// unsubscribe, which must be called. Events are dropped for listeners that
// do not keep up.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	s.listenersMutex.Lock()
	defer s.listenersMutex.Unlock()

	channel := make(chan Event, 1024)
	s.listeners[channel] = struct{}{}

	return channel, func() {
		s.listenersMutex.Lock()
		defer s.listenersMutex.Unlock()

		if _, ok := s.listeners[channel]; ok {
			delete(s.listeners, channel)
			close(channel)
		}
	}
}

func (s *Scheduler) hasListeners() bool {
	s.listenersMutex.RLock()
	defer s.listenersMutex.RUnlock()

	return len(s.listeners) > 0
}

func (s *Scheduler) broadcast(event Event) {
	s.listenersMutex.RLock()
	defer s.listenersMutex.RUnlock()

	for listener := range s.listeners {
		select {
		case listener <- event:
		default:
			s.log.Debug("Listener queue full, dropping event")
		}
	}
}

func (s *Scheduler) broadcastNodes(nodes []*inventory.Node) {
	for _, node := range nodes {
		s.broadcast(EventNodeStateChanged{Node: node.ID, Pool: node.Pool, State: node.State})
	}
}
