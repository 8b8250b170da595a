package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverride is the subset of configuration a tenant may vary:
// request rates, routing budget behavior, and pool authorization. Zero
// values mean "inherit".
type TenantOverride struct {
	Limits       LimitsConfig `yaml:"limits"`
	BudgetPolicy string       `yaml:"budget_policy"`
	Disabled     []string     `yaml:"disabled_providers"`

	// Pool authorization, consumed by the pool selector.
	Tier            string            `yaml:"tier"`
	AuthorizedPools []string          `yaml:"authorized_pools"`
	PoolPreferences map[string]string `yaml:"pool_preferences"`
}

// TenantsConfig holds the per-tenant override map.
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// Manager resolves the effective configuration per tenant by merging
// overrides on top of the global config.
type Manager struct {
	global    *Config
	overrides map[string]TenantOverride
	mu        sync.RWMutex
}

// NewManager wraps an already-loaded global config and reads the tenant
// override file. A missing override file means no overrides.
func NewManager(global *Config, tenantsPath string) (*Manager, error) {
	m := &Manager{global: global, overrides: make(map[string]TenantOverride)}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	if tc.Tenants != nil {
		m.overrides = tc.Tenants
	}
	return m, nil
}

// Override returns the raw override block for a tenant, if one exists.
func (m *Manager) Override(tenantID string) (TenantOverride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.overrides[tenantID]
	return o, ok
}

// Get returns the effective config for a tenant.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global

	if o, ok := m.overrides[tenantID]; ok {
		if o.Limits.MaxCallsPerMinute != 0 {
			effective.Limits.MaxCallsPerMinute = o.Limits.MaxCallsPerMinute
		}
		if o.Limits.BurstSize != 0 {
			effective.Limits.BurstSize = o.Limits.BurstSize
		}
		if o.Limits.MaxWallTime != 0 {
			effective.Limits.MaxWallTime = o.Limits.MaxWallTime
		}
		if o.BudgetPolicy != "" {
			effective.Routing.BudgetPolicy = o.BudgetPolicy
		}
		if len(o.Disabled) > 0 {
			effective.Providers.Disabled = o.Disabled
		}
	}

	return &effective
}
