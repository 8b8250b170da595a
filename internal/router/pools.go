package router

import (
	"log"

	"github.com/omnigate/backend/internal/errcode"
)

// Pool is the unit of tenant authorization: a named provider+model bundle
// with the tiers allowed to use it.
type Pool struct {
	ID       string   `yaml:"id"`
	Provider string   `yaml:"provider"`
	Model    string   `yaml:"model"`
	Tiers    []string `yaml:"tiers"`
}

// Claims is the validated tenant identity the selector trusts. It is
// produced by token verification upstream; the selector never re-validates.
type Claims struct {
	TenantID        string
	Tier            string
	AuthorizedPools []string
	// PoolPreferences maps task type to a preferred pool id.
	PoolPreferences map[string]string
}

func (c Claims) authorized(poolID string) bool {
	for _, id := range c.AuthorizedPools {
		if id == poolID {
			return true
		}
	}
	return false
}

// PoolSelector is the single choke point for tenant-aware pool selection.
// Every dispatch that carries a tenant context goes through Select; an
// unauthorized pool is rejected here, before any provider work happens.
type PoolSelector struct {
	pools        map[string]Pool
	tierDefaults map[string]string // tier -> pool id
	globalPool   string
	logger       *log.Logger
}

// NewPoolSelector builds a selector over the configured pools.
func NewPoolSelector(pools []Pool, tierDefaults map[string]string, globalDefault string) *PoolSelector {
	byID := make(map[string]Pool, len(pools))
	for _, p := range pools {
		byID[p.ID] = p
	}
	if tierDefaults == nil {
		tierDefaults = make(map[string]string)
	}
	return &PoolSelector{
		pools:        byID,
		tierDefaults: tierDefaults,
		globalPool:   globalDefault,
		logger:       log.New(log.Writer(), "[POOLS] ", log.LstdFlags),
	}
}

// Select picks a pool for the tenant: the per-task-type preference first,
// then the tier default, then the global default. An explicit preference
// for a pool outside the tenant's authorized set is a hard rejection, not
// a fall-through.
func (s *PoolSelector) Select(claims Claims, taskType string) (Pool, error) {
	if preferred, ok := claims.PoolPreferences[taskType]; ok && preferred != "" {
		if !claims.authorized(preferred) {
			return Pool{}, errcode.New(errcode.PoolUnauthorized,
				"tenant %s prefers pool %s for %s but is not authorized for it",
				claims.TenantID, preferred, taskType).
				WithContext("", "", "", claims.TenantID)
		}
		pool, ok := s.pools[preferred]
		if !ok {
			return Pool{}, errcode.New(errcode.ConfigInvalid,
				"tenant %s prefers unknown pool %s", claims.TenantID, preferred)
		}
		return pool, nil
	}

	for _, candidate := range []string{s.tierDefaults[claims.Tier], s.globalPool} {
		if candidate == "" {
			continue
		}
		pool, ok := s.pools[candidate]
		if !ok {
			s.logger.Printf("default pool %s is not configured, skipping", candidate)
			continue
		}
		if !claims.authorized(candidate) {
			continue
		}
		return pool, nil
	}

	return Pool{}, errcode.New(errcode.PoolUnauthorized,
		"tenant %s has no authorized pool for task type %q", claims.TenantID, taskType).
		WithContext("", "", "", claims.TenantID)
}
