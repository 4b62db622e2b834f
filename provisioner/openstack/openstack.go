package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/namegen"
	"github.com/gammadia/nodepool/pools"
	"github.com/sourcegraph/conc/iter"
)

const Type = "openstack"

type Config struct {
	Image          string   `yaml:"image"`
	Flavor         string   `yaml:"flavor"`
	Networks       []string `yaml:"networks"`
	SecurityGroups []string `yaml:"security-groups"`
	KeyName        string   `yaml:"key-name"`
	NamePrefix     string   `yaml:"name-prefix"`
	Region         string   `yaml:"region"`
	// ActiveTimeout bounds how long a new server may take to become active.
	ActiveTimeout time.Duration `yaml:"active-timeout"`
}

func (c Config) Validate() error {
	if c.Image == "" {
		return errors.New("image must be set")
	}
	if c.Flavor == "" {
		return errors.New("flavor must be set")
	}
	return nil
}

type Mechanism struct {
	pool    *pools.Pool
	config  Config
	compute Compute
	log     *slog.Logger
}

// Mechanism implements pools.Mechanism
var _ pools.Mechanism = (*Mechanism)(nil)

// Factory returns the pools.MechanismFactory of openstack pools. A nil compute
// authenticates against the cloud described by the OS_* environment.
func Factory(logger *slog.Logger, compute Compute) pools.MechanismFactory {
	return func(pool *pools.Pool, raw map[string]any) (pools.Mechanism, error) {
		rendered, err := pool.RenderTemplatesInObj(raw, nil)
		if err != nil {
			return nil, err
		}

		var config Config
		if err := pools.DecodeConfig(rendered, &config); err != nil {
			return nil, err
		}
		if err := config.Validate(); err != nil {
			return nil, err
		}
		if config.NamePrefix == "" {
			config.NamePrefix = "nodepool-" + pool.Name
		}
		if config.ActiveTimeout <= 0 {
			config.ActiveTimeout = 2 * time.Minute
		}

		c := compute
		if c == nil {
			// Regions differ per pool.
			c, err = NewCompute(config.Region, config.ActiveTimeout)
			if err != nil {
				return nil, err
			}
		}

		return &Mechanism{
			pool:    pool,
			config:  config,
			compute: c,
			log:     logger.With("pool", pool.Name, "mechanism", Type),
		}, nil
	}
}

type outcome struct {
	record map[string]any
	err    error
}

func (m *Mechanism) Provision(ctx context.Context, nodes []*inventory.Node) (*pools.Result, error) {
	return m.collect("provision", iter.Map(nodes, func(node **inventory.Node) outcome {
		record, err := m.createServer(ctx, *node)
		return outcome{record, err}
	}))
}

func (m *Mechanism) Deprovision(ctx context.Context, nodes []*inventory.Node) (*pools.Result, error) {
	return m.collect("deprovision", iter.Map(nodes, func(node **inventory.Node) outcome {
		record, err := m.deleteServer(ctx, *node)
		return outcome{record, err}
	}))
}

func (m *Mechanism) collect(op string, outcomes []outcome) (*pools.Result, error) {
	result := &pools.Result{}
	var errs []error
	for _, o := range outcomes {
		if o.err != nil {
			m.log.Warn("Server operation failed", "op", op, "error", o.err)
			errs = append(errs, o.err)
			continue
		}
		result.Nodes = append(result.Nodes, o.record)
	}
	if len(errs) > 0 && len(result.Nodes) == 0 {
		return nil, errors.Join(errs...)
	}
	return result, nil
}

func (m *Mechanism) createServer(ctx context.Context, node *inventory.Node) (map[string]any, error) {
	name := fmt.Sprintf("%s-%s", m.config.NamePrefix, namegen.Get())

	id, err := m.compute.CreateServer(ctx, ServerSpec{
		Name:           name,
		Image:          m.config.Image,
		Flavor:         m.config.Flavor,
		Networks:       m.config.Networks,
		SecurityGroups: m.config.SecurityGroups,
		KeyName:        m.config.KeyName,
		Metadata: map[string]string{
			"nodepool-pool":           m.pool.Name,
			"nodepool-node-id":        strconv.FormatInt(node.ID, 10),
			"nodepool-provisioned-at": time.Now().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("Created server", "node", node.ID, "server", name)

	address, err := m.compute.ServerAddress(ctx, id)
	if err != nil {
		if deleteErr := m.compute.DeleteServer(context.Background(), id); deleteErr != nil {
			m.log.Warn("Failed to delete server without address", "server", name, "error", deleteErr)
		}
		return nil, err
	}

	return map[string]any{
		"id":        node.ID,
		"server_id": id,
		"hostname":  name,
		"ipaddr":    address,
	}, nil
}

func (m *Mechanism) deleteServer(ctx context.Context, node *inventory.Node) (map[string]any, error) {
	record := node.Data.Provision()
	id, _ := record["server_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("node %d has no server", node.ID)
	}

	err := m.compute.DeleteServer(ctx, id)
	if errors.Is(err, ErrServerNotFound) {
		m.log.Debug("Server already gone", "node", node.ID, "server", id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to delete server '%s': %w", id, err)
	}
	return record, nil
}
