// Package metrics exposes scheduler activity and the node inventory to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/scheduler"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

const namespace = "nodepool"

type Metrics struct {
	registry *prometheus.Registry
	store    inventory.Store
	log      *slog.Logger

	nodeTransitions   *prometheus.CounterVec
	nodesDeleted      prometheus.Counter
	nodesClaimed      *prometheus.CounterVec
	mechanismFailures *prometheus.CounterVec
	sessionsCreated   prometheus.Counter
	sessionNodes      prometheus.Counter
	sessionsRejected  prometheus.Counter
	sessionsEnded     *prometheus.CounterVec
}

func New(store inventory.Store, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		store:    store,
		log:      logger,

		nodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Node state changes, by pool and new state.",
		}, []string{"pool", "state"}),
		nodesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_deleted_total",
			Help:      "Nodes deleted after their provisioning did not complete.",
		}),
		nodesClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_claimed_nodes_total",
			Help:      "Nodes claimed by pools to be provisioned, created or reused from the inventory.",
		}, []string{"pool", "origin"}),
		mechanismFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mechanism_failures_total",
			Help:      "Failed provisioning and deprovisioning runs.",
		}, []string{"pool", "operation"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		sessionNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_nodes_total",
			Help:      "Nodes handed to tenants.",
		}),
		sessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Session requests that could not be satisfied.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.nodeTransitions,
		m.nodesDeleted,
		m.nodesClaimed,
		m.mechanismFailures,
		m.sessionsCreated,
		m.sessionNodes,
		m.sessionsRejected,
		m.sessionsEnded,
		&nodeCollector{store: store, log: logger},
	)
	return m
}

// Listen records events until the channel is closed.
func (m *Metrics) Listen(events <-chan scheduler.Event) {
	for event := range events {
		m.Observe(event)
	}
}

func (m *Metrics) Observe(event scheduler.Event) {
	switch event := event.(type) {
	case scheduler.EventNodeStateChanged:
		m.nodeTransitions.WithLabelValues(event.Pool, string(event.State)).Inc()
	case scheduler.EventNodeDeleted:
		m.nodesDeleted.Inc()
	case scheduler.EventPoolFilled:
		m.nodesClaimed.WithLabelValues(event.Pool, "created").Add(float64(event.Created))
		m.nodesClaimed.WithLabelValues(event.Pool, "reused").Add(float64(event.Reused))
	case scheduler.EventProvisioningFailed:
		m.mechanismFailures.WithLabelValues(event.Pool, "provision").Inc()
	case scheduler.EventDeprovisioningFailed:
		m.mechanismFailures.WithLabelValues(event.Pool, "deprovision").Inc()
	case scheduler.EventSessionCreated:
		m.sessionsCreated.Inc()
		m.sessionNodes.Add(float64(event.Nodes))
	case scheduler.EventSessionRejected:
		m.sessionsRejected.Inc()
	case scheduler.EventSessionEnded:
		m.sessionsEnded.WithLabelValues(lo.Ternary(event.Expired, "expired", "released")).Inc()
	default:
		m.log.Debug("Ignoring unknown event", "event", event)
	}
}

// Router serves /metrics and /healthz, the latter failing while the store is unreachable.
func (m *Metrics) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", m.handleHealth).Methods(http.MethodGet)
	return router
}

func (m *Metrics) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	err := m.store.Tx(ctx, func(tx inventory.Tx) error {
		_, err := tx.ListNodes(ctx, inventory.NodeFilter{Limit: 1})
		return err
	})
	if err != nil {
		m.log.Warn("Health check failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// nodeCollector reports the inventory as it is when scraped.
type nodeCollector struct {
	store inventory.Store
	log   *slog.Logger
}

var nodesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "nodes"),
	"Nodes known to the inventory, by pool and state. Retired nodes are not reported.",
	[]string{"pool", "state", "active"}, nil,
)

func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- nodesDesc
}

func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	states := lo.Without(inventory.NodeStates(), inventory.NodeStateDone)
	var nodes []*inventory.Node
	err := c.store.Tx(ctx, func(tx inventory.Tx) (err error) {
		nodes, err = tx.ListNodes(ctx, inventory.NodeFilter{States: states})
		return err
	})
	if err != nil {
		c.log.Warn("Failed to list nodes for metrics", "error", err)
		ch <- prometheus.NewInvalidMetric(nodesDesc, err)
		return
	}

	type key struct {
		pool   string
		state  inventory.NodeState
		active bool
	}
	counts := map[key]int{}
	for _, node := range nodes {
		counts[key{pool: node.Pool, state: node.State, active: node.Active}]++
	}
	for k, count := range counts {
		ch <- prometheus.MustNewConstMetric(nodesDesc, prometheus.GaugeValue, float64(count),
			k.pool, string(k.state), lo.Ternary(k.active, "true", "false"))
	}
}
