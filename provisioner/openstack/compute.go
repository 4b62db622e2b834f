package openstack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
)

var ErrServerNotFound = errors.New("server not found")

type ServerSpec struct {
	Name           string
	Image          string
	Flavor         string
	Networks       []string
	SecurityGroups []string
	KeyName        string
	Metadata       map[string]string
}

// Compute is the part of the OpenStack compute API the mechanism needs.
type Compute interface {
	// CreateServer boots a server and waits until it is active.
	CreateServer(ctx context.Context, spec ServerSpec) (id string, err error)
	// ServerAddress returns the first IPv4 address of a server.
	ServerAddress(ctx context.Context, id string) (string, error)
	// DeleteServer deletes a server, ErrServerNotFound if it does not exist.
	DeleteServer(ctx context.Context, id string) error
}

type gopherCompute struct {
	client        *gophercloud.ServiceClient
	activeTimeout time.Duration
}

// NewCompute authenticates from the OS_* environment variables.
func NewCompute(region string, activeTimeout time.Duration) (Compute, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	if region == "" {
		region = os.Getenv("OS_REGION_NAME")
	}
	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return &gopherCompute{client: client, activeTimeout: activeTimeout}, nil
}

func (c *gopherCompute) CreateServer(_ context.Context, spec ServerSpec) (string, error) {
	client := c.client

	var opts servers.CreateOptsBuilder = servers.CreateOpts{
		Name:      spec.Name,
		ImageRef:  spec.Image,
		FlavorRef: spec.Flavor,
		Networks: lo.Map(spec.Networks, func(uuid string, _ int) servers.Network {
			return servers.Network{UUID: uuid}
		}),
		SecurityGroups: spec.SecurityGroups,
		Metadata:       spec.Metadata,
	}
	if spec.KeyName != "" {
		opts = keypairs.CreateOptsExt{CreateOptsBuilder: opts, KeyName: spec.KeyName}
	}

	server, err := servers.Create(client, opts).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create server '%s': %w", spec.Name, err)
	}

	err = servers.WaitForStatus(client, server.ID, "ACTIVE", int(c.activeTimeout.Seconds()))
	if err != nil {
		_ = servers.Delete(client, server.ID).ExtractErr()
		return "", fmt.Errorf("failed while waiting for server '%s' to become ready after %s: %w", spec.Name, c.activeTimeout, err)
	}

	return server.ID, nil
}

func (c *gopherCompute) ServerAddress(_ context.Context, id string) (string, error) {
	pages, err := servers.ListAddresses(c.client, id).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to get server addresses for '%s': %w", id, err)
	}

	allAddresses, err := servers.ExtractAddresses(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract server addresses for '%s': %w", id, err)
	}

	for _, addresses := range allAddresses {
		for _, address := range addresses {
			if address.Version == 4 {
				return address.Address, nil
			}
		}
	}
	return "", fmt.Errorf("failed to find IPv4 address for server '%s'", id)
}

func (c *gopherCompute) DeleteServer(_ context.Context, id string) error {
	err := servers.Delete(c.client, id).ExtractErr()
	var notFound gophercloud.ErrDefault404
	if errors.As(err, &notFound) {
		return ErrServerNotFound
	}
	return err
}
