package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Defaults apply to tenants that do not override them.
type Defaults struct {
	NodeQuota          int           `json:"node-quota"`
	SessionLifetime    time.Duration `json:"session-lifetime"`
	SessionLifetimeMax time.Duration `json:"session-lifetime-max"`
}

func DefaultDefaults() Defaults {
	return Defaults{
		NodeQuota:          10,
		SessionLifetime:    6 * time.Hour,
		SessionLifetimeMax: 12 * time.Hour,
	}
}

type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsAdmin   bool      `json:"is_admin"`
	Active    bool      `json:"active"`
	APIKey    string    `json:"-"`
	SSHKey    string    `json:"ssh_key"`
	CreatedAt time.Time `json:"created_at"`

	NodeQuota          *int           `json:"node_quota,omitempty"`
	SessionLifetime    *time.Duration `json:"session_lifetime,omitempty"`
	SessionLifetimeMax *time.Duration `json:"session_lifetime_max,omitempty"`
}

// NewTenant returns an active tenant with a freshly generated API key.
func NewTenant(name, sshKey string, isAdmin bool) *Tenant {
	return &Tenant{
		Name:    name,
		IsAdmin: isAdmin,
		Active:  true,
		APIKey:  uuid.NewString(),
		SSHKey:  sshKey,
	}
}

func (t *Tenant) EffectiveNodeQuota(defaults Defaults) int {
	if t.NodeQuota != nil {
		return *t.NodeQuota
	}
	return defaults.NodeQuota
}

func (t *Tenant) EffectiveSessionLifetime(defaults Defaults) time.Duration {
	if t.SessionLifetime != nil {
		return *t.SessionLifetime
	}
	return defaults.SessionLifetime
}

func (t *Tenant) EffectiveSessionLifetimeMax(defaults Defaults) time.Duration {
	if t.SessionLifetimeMax != nil {
		return *t.SessionLifetimeMax
	}
	return defaults.SessionLifetimeMax
}

func (t *Tenant) Clone() *Tenant {
	clone := *t
	if t.NodeQuota != nil {
		clone.NodeQuota = lo.ToPtr(*t.NodeQuota)
	}
	if t.SessionLifetime != nil {
		clone.SessionLifetime = lo.ToPtr(*t.SessionLifetime)
	}
	if t.SessionLifetimeMax != nil {
		clone.SessionLifetimeMax = lo.ToPtr(*t.SessionLifetimeMax)
	}
	return &clone
}
