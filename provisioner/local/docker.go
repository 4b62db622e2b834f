package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/gammadia/nodepool/internal/retry"
	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/namegen"
	"github.com/gammadia/nodepool/pools"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sourcegraph/conc/iter"
)

const Type = "docker"

// Labels set on every container this mechanism creates.
const (
	LabelPool   = "nodepool.pool"
	LabelNodeID = "nodepool.node-id"
)

// DockerClient is the subset of the Docker SDK the mechanism uses.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type Config struct {
	// Image must run an SSH daemon accepting root logins.
	Image      string            `yaml:"image"`
	Network    string            `yaml:"network"`
	NamePrefix string            `yaml:"name-prefix"`
	Cmd        []string          `yaml:"cmd"`
	Labels     map[string]string `yaml:"labels"`
}

type Mechanism struct {
	pool   *pools.Pool
	config Config
	docker DockerClient
	log    *slog.Logger
}

// Mechanism implements pools.Mechanism
var _ pools.Mechanism = (*Mechanism)(nil)

// Factory returns the pools.MechanismFactory of docker pools. A nil docker
// client connects to the daemon configured in the environment.
func Factory(logger *slog.Logger, docker DockerClient) pools.MechanismFactory {
	return func(pool *pools.Pool, raw map[string]any) (pools.Mechanism, error) {
		rendered, err := pool.RenderTemplatesInObj(raw, nil)
		if err != nil {
			return nil, err
		}

		var config Config
		if err := pools.DecodeConfig(rendered, &config); err != nil {
			return nil, err
		}
		if config.Image == "" {
			return nil, errors.New("image must be set")
		}
		if config.Network == "" {
			config.Network = "bridge"
		}
		if config.NamePrefix == "" {
			config.NamePrefix = "nodepool-" + pool.Name
		}

		if docker == nil {
			docker, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err != nil {
				return nil, fmt.Errorf("failed to init docker client: %w", err)
			}
		}

		return &Mechanism{
			pool:   pool,
			config: config,
			docker: docker,
			log:    logger.With("pool", pool.Name, "mechanism", Type),
		}, nil
	}
}

type outcome struct {
	record map[string]any
	err    error
}

func (m *Mechanism) Provision(ctx context.Context, nodes []*inventory.Node) (*pools.Result, error) {
	if err := m.ensureImage(ctx); err != nil {
		return nil, err
	}

	outcomes := iter.Map(nodes, func(node **inventory.Node) outcome {
		record, err := m.createNode(ctx, *node)
		return outcome{record, err}
	})
	return m.collect("provision", outcomes)
}

func (m *Mechanism) Deprovision(ctx context.Context, nodes []*inventory.Node) (*pools.Result, error) {
	outcomes := iter.Map(nodes, func(node **inventory.Node) outcome {
		record, err := m.removeNode(ctx, *node)
		return outcome{record, err}
	})
	return m.collect("deprovision", outcomes)
}

// collect keeps the records of the nodes that went through. Nodes that did not
// are left out of the result, unless none went through at all.
func (m *Mechanism) collect(op string, outcomes []outcome) (*pools.Result, error) {
	result := &pools.Result{}
	var errs []error
	for _, o := range outcomes {
		if o.err != nil {
			m.log.Warn("Container operation failed", "op", op, "error", o.err)
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

func (m *Mechanism) ensureImage(ctx context.Context) error {
	images, err := m.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", m.config.Image)),
	})
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	m.log.Info("Pulling image", "image", m.config.Image)
	reader, err := m.docker.ImagePull(ctx, m.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image '%s': %w", m.config.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (m *Mechanism) createNode(ctx context.Context, node *inventory.Node) (map[string]any, error) {
	name := fmt.Sprintf("%s-%s", m.config.NamePrefix, namegen.Get())

	labels := map[string]string{
		LabelPool:   m.pool.Name,
		LabelNodeID: strconv.FormatInt(node.ID, 10),
	}
	for key, value := range m.config.Labels {
		labels[key] = value
	}

	resp, err := retry.DoResult(ctx, retry.Default(), func(ctx context.Context) (container.CreateResponse, error) {
		return m.docker.ContainerCreate(ctx,
			&container.Config{
				Image:    m.config.Image,
				Hostname: name,
				Cmd:      m.config.Cmd,
				Labels:   labels,
			},
			&container.HostConfig{
				NetworkMode: container.NetworkMode(m.config.Network),
			},
			nil, nil, name,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create container '%s': %w", name, err)
	}

	cleanup := func() {
		_ = m.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to start container '%s': %w", name, err)
	}

	inspect, err := m.docker.ContainerInspect(ctx, resp.ID)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to inspect container '%s': %w", name, err)
	}

	var ipaddr string
	if inspect.NetworkSettings != nil {
		if endpoint, ok := inspect.NetworkSettings.Networks[m.config.Network]; ok && endpoint != nil {
			ipaddr = endpoint.IPAddress
		}
	}
	if ipaddr == "" {
		cleanup()
		return nil, fmt.Errorf("container '%s' has no address on network '%s'", name, m.config.Network)
	}

	m.log.Debug("Container started", "node", node.ID, "container", name, "ipaddr", ipaddr)
	return map[string]any{
		"id":           node.ID,
		"container_id": resp.ID,
		"hostname":     name,
		"ipaddr":       ipaddr,
	}, nil
}

func (m *Mechanism) removeNode(ctx context.Context, node *inventory.Node) (map[string]any, error) {
	record := node.Data.Provision()
	containerID, _ := record["container_id"].(string)
	if containerID == "" {
		return nil, fmt.Errorf("node %d has no container", node.ID)
	}

	err := retry.Default().Do(ctx, func(ctx context.Context) error {
		err := m.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if client.IsErrNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove container '%s': %w", containerID, err)
	}

	m.log.Debug("Container removed", "node", node.ID, "container", containerID)
	return record, nil
}
