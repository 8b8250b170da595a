// Package budget enforces per-scope micro-USD spending ceilings. The
// durable counter is authoritative and the enforcer fails closed: if the
// durable store cannot be read, the scope is treated as exceeded. The
// in-memory mirror is advisory only and feeds warnings and snapshots.
package budget

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/money"
)

// Counter is the durable integer store. Implemented by RedisCounter and by
// MemoryCounter for tests and redis-less dev runs.
type Counter interface {
	IncrBy(ctx context.Context, scope string, delta int64) (int64, error)
	Get(ctx context.Context, scope string) (int64, error)
}

// Limit configures one scope's ceiling.
type Limit struct {
	LimitMicro money.Micro
	// WarnRatio is the advisory warning threshold; 0 means the default 0.8.
	WarnRatio float64
}

const defaultWarnRatio = 0.8

// Snapshot is an advisory view of one scope, read from the mirror.
type Snapshot struct {
	Scope       string      `json:"scope"`
	SpentMicro  money.Micro `json:"spent_micro"`
	LimitMicro  money.Micro `json:"limit_micro"`
	Warning     bool        `json:"warning"`
	Exceeded    bool        `json:"exceeded"`
	LastUpdated time.Time   `json:"last_updated"`
}

// Enforcer is the fail-closed budget gate.
type Enforcer struct {
	counter Counter
	limits  map[string]Limit

	mu     sync.RWMutex
	mirror map[string]int64
	seen   map[string]time.Time

	logger *log.Logger
}

// NewEnforcer builds an enforcer over the durable counter.
func NewEnforcer(counter Counter, limits map[string]Limit) *Enforcer {
	if limits == nil {
		limits = make(map[string]Limit)
	}
	return &Enforcer{
		counter: counter,
		limits:  limits,
		mirror:  make(map[string]int64),
		seen:    make(map[string]time.Time),
		logger:  log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
	}
}

// RecordCost adds delta to the durable counter and synchronously updates
// the mirror. Durable-store failure rejects the request with
// BUDGET_UNAVAILABLE; the mirror is not touched in that case, so the
// durable value stays authoritative.
func (e *Enforcer) RecordCost(ctx context.Context, scope string, delta money.Micro) error {
	if delta < 0 {
		return fmt.Errorf("budget: negative cost delta %d for scope %s refused", delta, scope)
	}
	if delta == 0 {
		return nil
	}

	total, err := e.counter.IncrBy(ctx, scope, int64(delta))
	if err != nil {
		return errcode.Wrap(errcode.BudgetUnavailable, err, "durable budget counter unreachable for scope %s", scope)
	}

	e.mu.Lock()
	e.mirror[scope] = total
	e.seen[scope] = time.Now()
	e.mu.Unlock()
	return nil
}

// IsExceeded reads the durable counter. Any read error returns true:
// protect money, refuse the request.
func (e *Enforcer) IsExceeded(ctx context.Context, scope string) bool {
	limit, ok := e.limits[scope]
	if !ok || limit.LimitMicro <= 0 {
		return false
	}
	spent, err := e.counter.Get(ctx, scope)
	if err != nil {
		e.logger.Printf("durable read failed for %s, failing closed: %v", scope, err)
		return true
	}
	return money.Micro(spent) >= limit.LimitMicro
}

// IsWarning is advisory: it reads the mirror and never fails.
func (e *Enforcer) IsWarning(scope string) bool {
	limit, ok := e.limits[scope]
	if !ok || limit.LimitMicro <= 0 {
		return false
	}
	ratio := limit.WarnRatio
	if ratio <= 0 {
		ratio = defaultWarnRatio
	}

	e.mu.RLock()
	spent := e.mirror[scope]
	e.mu.RUnlock()
	return float64(spent) >= float64(limit.LimitMicro)*ratio
}

// GetBudgetSnapshot returns the advisory view of a scope from the mirror.
func (e *Enforcer) GetBudgetSnapshot(scope string) Snapshot {
	limit := e.limits[scope]

	e.mu.RLock()
	spent := e.mirror[scope]
	updated := e.seen[scope]
	e.mu.RUnlock()

	return Snapshot{
		Scope:       scope,
		SpentMicro:  money.Micro(spent),
		LimitMicro:  limit.LimitMicro,
		Warning:     e.IsWarning(scope),
		Exceeded:    limit.LimitMicro > 0 && money.Micro(spent) >= limit.LimitMicro,
		LastUpdated: updated,
	}
}

// DriftAlert reports a scope whose mirror has diverged from the durable
// counter by more than one percent.
type DriftAlert struct {
	Scope   string
	Durable int64
	Mirror  int64
}

// ReconcileDrift compares durable vs mirror for every known scope. The
// durable value is authoritative: the mirror is overwritten regardless,
// and scopes past the 1% threshold are returned for alerting.
func (e *Enforcer) ReconcileDrift(ctx context.Context) []DriftAlert {
	e.mu.RLock()
	scopes := make([]string, 0, len(e.mirror))
	for s := range e.mirror {
		scopes = append(scopes, s)
	}
	e.mu.RUnlock()

	var alerts []DriftAlert
	for _, scope := range scopes {
		durable, err := e.counter.Get(ctx, scope)
		if err != nil {
			e.logger.Printf("drift check skipped for %s: %v", scope, err)
			continue
		}

		e.mu.Lock()
		mirror := e.mirror[scope]
		e.mirror[scope] = durable
		e.mu.Unlock()

		if durable != 0 {
			drift := float64(mirror-durable) / float64(durable)
			if drift < 0 {
				drift = -drift
			}
			if drift > 0.01 {
				e.logger.Printf("⚠️ budget mirror drift on %s: durable=%d mirror=%d", scope, durable, mirror)
				alerts = append(alerts, DriftAlert{Scope: scope, Durable: durable, Mirror: mirror})
			}
		}
	}
	return alerts
}

// RunReconciler loops ReconcileDrift until ctx is cancelled.
func (e *Enforcer) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReconcileDrift(ctx)
		}
	}
}
