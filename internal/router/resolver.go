package router

import (
	"context"
	"log"
	"strings"

	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/pricing"
	"github.com/omnigate/backend/internal/provider"
)

// Health answers whether a provider is currently dispatchable. Backed by
// the circuit-breaker manager in production.
type Health interface {
	Healthy(provider string) bool
}

// BudgetGate is the slice of the budget enforcer the resolver consults.
type BudgetGate interface {
	IsExceeded(ctx context.Context, scope string) bool
}

// alwaysHealthy is the Health used when no checker is wired.
type alwaysHealthy struct{}

func (alwaysHealthy) Healthy(string) bool { return true }

// Resolver maps agents to executable models.
type Resolver struct {
	table  *Table
	prices *pricing.Table
	health Health
	budget BudgetGate
	logger *log.Logger
}

// NewResolver wires a resolver. health and budget may be nil, which
// disables fallback health checks and budget downgrades respectively.
func NewResolver(table *Table, prices *pricing.Table, health Health, budget BudgetGate) *Resolver {
	if health == nil {
		health = alwaysHealthy{}
	}
	return &Resolver{
		table:  table,
		prices: prices,
		health: health,
		budget: budget,
		logger: log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// rejection records why one chain candidate was unusable.
type rejection struct {
	Alias  string
	Reason string
}

func (r rejection) String() string { return r.Alias + ": " + r.Reason }

// Resolve maps agent to a model, applying in order: alias resolution,
// capability compatibility, native-runtime enforcement, budget downgrade,
// health fallback.
func (r *Resolver) Resolve(ctx context.Context, agent, budgetScope string) (*ResolvedModel, error) {
	binding, ok := r.table.Bindings[agent]
	if !ok {
		return nil, errcode.New(errcode.BindingInvalid, "no binding for agent %q", agent).
			WithContext(agent, "", "", "")
	}

	info, err := r.table.Canonical(binding.ModelAlias)
	if err != nil {
		return nil, errcode.Wrap(errcode.ConfigInvalid, err, "agent %q", agent)
	}

	// Native-runtime agents bind to claude-code providers only, and never
	// move to another provider type via downgrade or fallback.
	if binding.Requires.NativeRuntime && info.Type != provider.TypeClaudeCode {
		return nil, errcode.New(errcode.NativeRuntimeRequired,
			"agent %q requires the native runtime but %s is type %s",
			agent, info.Key(), info.Type).
			WithContext(agent, info.Provider, info.ModelID, "")
	}

	if missing := info.Capabilities.Missing(binding.Requires); len(missing) > 0 {
		return nil, errcode.New(errcode.BindingInvalid,
			"model %s cannot serve agent %q: missing %s",
			info.Key(), agent, strings.Join(missing, ", ")).
			WithContext(agent, info.Provider, info.ModelID, "")
	}

	visited := map[string]bool{info.Key(): true}
	var rejections []rejection

	alias := binding.ModelAlias
	downgraded := false

	// Budget downgrade pass. Downgrade candidates need no health check.
	if r.budget != nil && budgetScope != "" && r.budget.IsExceeded(ctx, budgetScope) {
		if r.table.BudgetPolicy != BudgetPolicyDowngrade {
			return nil, errcode.New(errcode.BudgetExceeded,
				"budget exceeded for scope %s and policy is %s", budgetScope, r.table.BudgetPolicy).
				WithContext(agent, info.Provider, info.ModelID, "")
		}
		chain := r.table.DowngradeChains[binding.ModelAlias]
		next, nextAlias, ok := r.walkChain(chain, visited, binding.Requires, false, &rejections)
		if !ok {
			return nil, r.exhausted(agent, "downgrade", rejections)
		}
		r.logger.Printf("budget downgrade for agent %s: %s -> %s", agent, info.Key(), next.Key())
		info, alias, downgraded = next, nextAlias, true
	}

	// Health fallback pass. Fallback candidates must be healthy.
	if r.table.ProviderDisabled(info.Provider) || !r.health.Healthy(info.Provider) {
		chain := r.table.FallbackChains[alias]
		if len(chain) == 0 && alias != binding.ModelAlias {
			chain = r.table.FallbackChains[binding.ModelAlias]
		}
		next, nextAlias, ok := r.walkChain(chain, visited, binding.Requires, true, &rejections)
		if !ok {
			rejections = append(rejections, rejection{alias, "primary unhealthy or disabled"})
			return nil, r.exhausted(agent, "fallback", rejections)
		}
		r.logger.Printf("health fallback for agent %s: %s -> %s", agent, info.Key(), next.Key())
		return r.finish(binding, nextAlias, next, downgraded, true)
	}

	return r.finish(binding, alias, info, downgraded, false)
}

// walkChain iterates an ordered alias chain, filtering each candidate by
// cycle prevention, disabled providers, capability and native re-checks,
// and, when needHealth is set, provider health. The visited set is shared
// between the downgrade and fallback passes.
func (r *Resolver) walkChain(chain []string, visited map[string]bool, requires Capabilities, needHealth bool, rejections *[]rejection) (ModelInfo, string, bool) {
	for _, alias := range chain {
		info, err := r.table.Canonical(alias)
		if err != nil {
			*rejections = append(*rejections, rejection{alias, "unknown model reference"})
			continue
		}
		if visited[info.Key()] {
			*rejections = append(*rejections, rejection{alias, "already visited"})
			continue
		}
		visited[info.Key()] = true

		if r.table.ProviderDisabled(info.Provider) {
			*rejections = append(*rejections, rejection{alias, "provider disabled"})
			continue
		}
		if requires.NativeRuntime && info.Type != provider.TypeClaudeCode {
			*rejections = append(*rejections, rejection{alias, "native_runtime required but provider is not claude-code"})
			continue
		}
		if missing := info.Capabilities.Missing(requires); len(missing) > 0 {
			*rejections = append(*rejections, rejection{alias, "missing " + strings.Join(missing, ", ")})
			continue
		}
		if needHealth && !r.health.Healthy(info.Provider) {
			*rejections = append(*rejections, rejection{alias, "provider unhealthy"})
			continue
		}
		return info, alias, true
	}
	return ModelInfo{}, "", false
}

// exhausted builds the operator-facing failure naming every rejected
// candidate and why.
func (r *Resolver) exhausted(agent, pass string, rejections []rejection) error {
	parts := make([]string, len(rejections))
	for i, rej := range rejections {
		parts[i] = rej.String()
	}
	detail := "no candidates"
	if len(parts) > 0 {
		detail = strings.Join(parts, "; ")
	}
	return errcode.New(errcode.ProviderUnavailable,
		"%s chain exhausted for agent %q: %s", pass, agent, detail).
		WithContext(agent, "", "", "")
}

func (r *Resolver) finish(binding AgentBinding, alias string, info ModelInfo, downgraded, fellBack bool) (*ResolvedModel, error) {
	resolved := &ResolvedModel{
		Provider:    info.Provider,
		ModelID:     info.ModelID,
		Type:        info.Type,
		Alias:       alias,
		Temperature: binding.Temperature,
		Downgraded:  downgraded,
		FellBack:    fellBack,
	}
	if r.prices != nil {
		entry, ok := r.prices.Find(info.Provider, info.ModelID)
		if !ok {
			return nil, errcode.New(errcode.ConfigInvalid,
				"no pricing entry for %s", info.Key()).
				WithContext(binding.Agent, info.Provider, info.ModelID, "")
		}
		resolved.Pricing = &entry
	}
	return resolved, nil
}
