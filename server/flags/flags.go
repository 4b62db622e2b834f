package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Listen    = "listen"

	Database   = "database"
	Redis      = "redis"
	LockTTL    = "lock-ttl"
	PoolConfig = "pool-config"

	SSHKey     = "ssh-key"
	SSHUser    = "ssh-user"
	SSHPort    = "ssh-port"
	SSHTimeout = "ssh-timeout"

	Workers        = "workers"
	ExpiryInterval = "expiry-interval"
	FillInterval   = "fill-interval"

	DefaultNodeQuota          = "default-node-quota"
	DefaultSessionLifetime    = "default-session-lifetime"
	DefaultSessionLifetimeMax = "default-session-lifetime-max"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Nodepool
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":9464", "address serving /metrics and /healthz")

	// Storage and coordination
	flags.String(Database, "", "PostgreSQL connection string, the inventory is kept in memory when empty")
	flags.StringSlice(Redis, nil, "redis URLs used for the distributed lock, an in-process lock is used when empty")
	flags.Duration(LockTTL, 30*time.Second, "validity of the distributed lock")
	flags.String(PoolConfig, "/etc/nodepool/nodepools.yaml", "pool configuration file")

	// Contextualization
	flags.String(SSHKey, "/etc/nodepool/id_ed25519", "private key used to reach the nodes")
	flags.String(SSHUser, "root", "user owning the authorized keys on the nodes")
	flags.Int(SSHPort, 22, "SSH port of the nodes")
	flags.Duration(SSHTimeout, 30*time.Second, "timeout of SSH connections")

	// Scheduler
	flags.Int(Workers, 32, "maximum number of background tasks running at once")
	flags.Duration(ExpiryInterval, time.Minute, "how often expired sessions are ended")
	flags.Duration(FillInterval, 5*time.Minute, "how often pools are refilled")

	// Tenants
	flags.Int(DefaultNodeQuota, 10, "nodes a tenant may hold at once, unless overridden")
	flags.Duration(DefaultSessionLifetime, 6*time.Hour, "lifetime of new sessions, unless overridden")
	flags.Duration(DefaultSessionLifetimeMax, 12*time.Hour, "how far a session may be extended, unless overridden")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("nodepool")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
