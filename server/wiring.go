package main

import (
	"fmt"

	"github.com/gammadia/nodepool/contextualize"
	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/inventory/postgres"
	"github.com/gammadia/nodepool/lock"
	"github.com/gammadia/nodepool/pools"
	"github.com/gammadia/nodepool/provisioner/ansible"
	"github.com/gammadia/nodepool/provisioner/local"
	"github.com/gammadia/nodepool/provisioner/openstack"
	schedulerpkg "github.com/gammadia/nodepool/scheduler"
	"github.com/gammadia/nodepool/server/flags"
	"github.com/gammadia/nodepool/server/log"
	"github.com/spf13/viper"
)

func createStore() (inventory.Store, error) {
	dsn := viper.GetString(flags.Database)
	if dsn == "" {
		log.Warn("No database configured, the inventory is kept in memory")
		return inventory.NewMemoryStore(), nil
	}
	log.Debug("Connecting to PostgreSQL")
	store, err := postgres.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func createLocker() (lock.Locker, error) {
	urls := viper.GetStringSlice(flags.Redis)
	if len(urls) == 0 {
		log.Info("No redis configured, locks only hold within this process")
		return lock.NewLocal(), nil
	}
	return lock.NewRedis(urls, lock.QuorumConfig{
		Logger: log.Component("lock"),
		TTL:    viper.GetDuration(flags.LockTTL),
	})
}

func createRegistry() (*pools.Registry, error) {
	logger := log.Component("mechanism")

	registry := pools.NewRegistry()
	registry.RegisterMechanism(ansible.Type, ansible.Factory(logger, nil))
	registry.RegisterMechanism(local.Type, local.Factory(logger, dockerClient()))
	registry.RegisterMechanism(openstack.Type, openstack.Factory(logger, nil))

	path := viper.GetString(flags.PoolConfig)
	tree, err := pools.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := registry.LoadFromConfiguration(tree); err != nil {
		return nil, fmt.Errorf("invalid pool configuration '%s': %w", path, err)
	}

	for _, pool := range registry.Concrete() {
		log.Info("Pool loaded", "pool", pool.Name, "mechanism", pool.MechanismType(), "fill-level", pool.FillLevel, "reusable", pool.Reusable())
	}
	return registry, nil
}

func createContextualizer() (*contextualize.SSH, error) {
	signer, err := contextualize.LoadSigner(viper.GetString(flags.SSHKey))
	if err != nil {
		return nil, err
	}
	return contextualize.New(contextualize.Config{
		Logger:  log.Component("contextualize"),
		Signer:  signer,
		User:    viper.GetString(flags.SSHUser),
		Port:    viper.GetInt(flags.SSHPort),
		Timeout: viper.GetDuration(flags.SSHTimeout),
	})
}

func createScheduler(store inventory.Store, registry *pools.Registry, locker lock.Locker, contextualizer *contextualize.SSH) (*schedulerpkg.Scheduler, error) {
	config := schedulerpkg.DefaultConfig()
	config.Logger = log.Base
	config.Defaults = inventory.Defaults{
		NodeQuota:          viper.GetInt(flags.DefaultNodeQuota),
		SessionLifetime:    viper.GetDuration(flags.DefaultSessionLifetime),
		SessionLifetimeMax: viper.GetDuration(flags.DefaultSessionLifetimeMax),
	}
	config.Workers = viper.GetInt(flags.Workers)
	config.ExpiryInterval = viper.GetDuration(flags.ExpiryInterval)
	config.FillInterval = viper.GetDuration(flags.FillInterval)

	if err := schedulerpkg.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	return schedulerpkg.New(store, registry, locker, contextualizer, nil, config), nil
}
