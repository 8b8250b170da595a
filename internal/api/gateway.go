// Package api exposes the gateway over HTTP: chat dispatch, the auth
// flows, and the operational endpoints.
package api

import (
	"context"
	"log"
	"time"

	"github.com/omnigate/backend/internal/billing"
	"github.com/omnigate/backend/internal/ensemble"
	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/ids"
	"github.com/omnigate/backend/internal/metrics"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/pricing"
	"github.com/omnigate/backend/internal/provider"
	"github.com/omnigate/backend/internal/router"
)

// ChatRequest is the inbound dispatch request.
type ChatRequest struct {
	Agent    string             `json:"agent"`
	Messages []provider.Message `json:"messages"`
	Options  provider.Options   `json:"options"`
	TaskType string             `json:"task_type,omitempty"`
	Tools    []provider.Tool    `json:"tools,omitempty"`
	Ensemble *EnsembleRequest   `json:"ensemble,omitempty"`
}

// EnsembleRequest fans the call across model aliases instead of the
// agent's single binding.
type EnsembleRequest struct {
	Strategy         string      `json:"strategy"`
	Models           []string    `json:"models"`
	TotalBudgetMicro money.Micro `json:"total_budget_micro,omitempty"`
}

// ChatResponse is the dispatch result plus its billing attribution.
type ChatResponse struct {
	Content        string              `json:"content"`
	Thinking       string              `json:"thinking,omitempty"`
	ToolCalls      []provider.ToolCall `json:"tool_calls,omitempty"`
	Usage          provider.Usage      `json:"usage"`
	Model          string              `json:"model"`
	Provider       string              `json:"provider,omitempty"`
	TraceID        string              `json:"trace_id"`
	Pool           string              `json:"pool,omitempty"`
	BillingEntryID string              `json:"billing_entry_id,omitempty"`
	CostMicro      money.Micro         `json:"cost_micro"`
	Downgraded     bool                `json:"downgraded,omitempty"`
	FellBack       bool                `json:"fell_back,omitempty"`
	Ensemble       *EnsembleSummary    `json:"ensemble,omitempty"`
}

// EnsembleSummary reports per-branch outcomes on an ensemble response.
type EnsembleSummary struct {
	EnsembleID string          `json:"ensemble_id"`
	WinnerPool string          `json:"winner_pool"`
	AllResults []BranchSummary `json:"all_results"`
}

// BranchSummary is one branch's outcome on the wire.
type BranchSummary struct {
	PoolID         string      `json:"pool_id"`
	Model          string      `json:"model"`
	CostMicro      money.Micro `json:"cost_micro"`
	BillingEntryID string      `json:"billing_entry_id,omitempty"`
	Error          *string     `json:"error"`
}

// Resolver is the router surface the gateway consumes.
type Resolver interface {
	Resolve(ctx context.Context, agent, budgetScope string) (*router.ResolvedModel, error)
}

// Adapters resolves provider names to adapters.
type Adapters interface {
	Get(name string) (provider.Adapter, error)
}

// Biller is the billing surface: reserve before dispatch, commit or
// release after. Ensemble branches reserve individually under a shared
// run id.
type Biller interface {
	Reserve(ctx context.Context, accountID string, estimated money.Micro, correlationID, exchangeRate string) (*billing.Entry, error)
	ReserveEnsemble(ctx context.Context, accountID string, estimated money.Micro, correlationID, exchangeRate, ensembleID string) (*billing.Entry, error)
	Commit(ctx context.Context, id string, actual money.Micro, exchangeRate string) error
	Release(ctx context.Context, id, reason string) error
}

// Spender records attributed cost against the tenant's budget.
type Spender interface {
	RecordCost(ctx context.Context, scope string, amount money.Micro) error
}

// ProviderHealth wraps the per-provider breakers.
type ProviderHealth interface {
	AllowRequest(provider string) bool
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// DispatchGuard gates every dispatch on ledger-path health.
type DispatchGuard interface {
	IsBudgetCircuitOpen(maxUnknownWindow time.Duration) bool
}

// BudgetGate is the fail-closed budget check applied to paths that do not
// go through single-agent resolution (which carries its own).
type BudgetGate interface {
	IsExceeded(ctx context.Context, scope string) bool
}

// PoolGate is the tenant-aware pool choke point every dispatch passes.
type PoolGate interface {
	Select(claims router.Claims, taskType string) (router.Pool, error)
}

// ClaimsFor produces the validated pool claims for a tenant.
type ClaimsFor func(tenant string) router.Claims

// BranchBuilder turns model aliases into dispatchable ensemble branches.
type BranchBuilder func(models []string) ([]ensemble.Branch, error)

// Gateway drives one dispatch end to end: resolve, reserve, invoke,
// commit (or release), attribute spend.
type Gateway struct {
	resolver   Resolver
	adapters   Adapters
	biller     Biller
	spender    Spender
	health     ProviderHealth
	guard      DispatchGuard
	budget     BudgetGate
	pools      PoolGate
	claims     ClaimsFor
	toolLoop   *router.ToolLoop
	orch       *ensemble.Orchestrator
	branches   BranchBuilder
	metrics    *metrics.Metrics
	exchange   string
	maxUnknown time.Duration
	logger     *log.Logger
}

// GatewayConfig wires a Gateway. Metrics, guard, budget, pools, tool
// loop, health, and branches may be nil; exchange defaults to "1.0".
type GatewayConfig struct {
	Resolver         Resolver
	Adapters         Adapters
	Biller           Biller
	Spender          Spender
	Health           ProviderHealth
	Guard            DispatchGuard
	Budget           BudgetGate
	Pools            PoolGate
	Claims           ClaimsFor
	ToolLoop         *router.ToolLoop
	Orchestrator     *ensemble.Orchestrator
	Branches         BranchBuilder
	Metrics          *metrics.Metrics
	ExchangeRate     string
	MaxUnknownWindow time.Duration
}

// NewGateway builds a gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.ExchangeRate == "" {
		cfg.ExchangeRate = "1.0"
	}
	if cfg.MaxUnknownWindow <= 0 {
		cfg.MaxUnknownWindow = 30 * time.Second
	}
	return &Gateway{
		resolver:   cfg.Resolver,
		adapters:   cfg.Adapters,
		biller:     cfg.Biller,
		spender:    cfg.Spender,
		health:     cfg.Health,
		guard:      cfg.Guard,
		budget:     cfg.Budget,
		pools:      cfg.Pools,
		claims:     cfg.Claims,
		toolLoop:   cfg.ToolLoop,
		orch:       cfg.Orchestrator,
		branches:   cfg.Branches,
		metrics:    cfg.Metrics,
		exchange:   cfg.ExchangeRate,
		maxUnknown: cfg.MaxUnknownWindow,
		logger:     log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// selectPool runs the tenant-aware pool choke point. An empty pool id
// with a nil error means no selector is configured.
func (g *Gateway) selectPool(tenant, taskType string) (string, error) {
	if g.pools == nil {
		return "", nil
	}
	claims := router.Claims{TenantID: tenant}
	if g.claims != nil {
		claims = g.claims(tenant)
	}
	pool, err := g.pools.Select(claims, taskType)
	if err != nil {
		return "", err
	}
	return pool.ID, nil
}

const defaultMaxTokens = 4096

// estimateReserve sizes the reservation: prompt characters at four per
// token plus the full output ceiling, priced at the resolved model's
// rates. Deliberately generous; commit refunds the difference.
func estimateReserve(req ChatRequest, entry pricing.Entry) money.Micro {
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	maxOut := req.Options.MaxTokens
	if maxOut <= 0 {
		maxOut = defaultMaxTokens
	}
	b := pricing.Cost((promptChars+3)/4, maxOut, 0, entry)
	return b.TotalCostMicro
}

// Invoke runs one non-streaming dispatch for tenant.
func (g *Gateway) Invoke(ctx context.Context, tenant string, req ChatRequest) (*ChatResponse, error) {
	if req.Ensemble != nil {
		return g.invokeEnsemble(ctx, tenant, req)
	}

	scope := "tenant:" + tenant
	traceID := ids.New()

	if g.guard != nil && g.guard.IsBudgetCircuitOpen(g.maxUnknown) {
		return nil, errcode.New(errcode.BudgetCircuitOpen,
			"ledger write path unhealthy, refusing dispatch").WithContext(req.Agent, "", "", tenant)
	}

	poolID, err := g.selectPool(tenant, req.TaskType)
	if err != nil {
		return nil, err
	}

	resolved, err := g.resolver.Resolve(ctx, req.Agent, scope)
	if err != nil {
		return nil, err
	}
	if g.health != nil && !g.health.AllowRequest(resolved.Provider) {
		return nil, errcode.New(errcode.ProviderUnavailable,
			"circuit open for provider %s", resolved.Provider).
			WithContext(req.Agent, resolved.Provider, resolved.ModelID, tenant)
	}

	adapter, err := g.adapters.Get(resolved.Provider)
	if err != nil {
		return nil, err
	}

	var entry pricing.Entry
	if resolved.Pricing != nil {
		entry = *resolved.Pricing
	}

	var billingID string
	if g.biller != nil {
		reserved, err := g.biller.Reserve(ctx, tenant, estimateReserve(req, entry), traceID, g.exchange)
		if err != nil {
			return nil, errcode.Wrap(errcode.BudgetUnavailable, err, "reserve failed for tenant %s", tenant)
		}
		billingID = reserved.ID
	}

	preq := provider.Request{
		Model:    resolved.ModelID,
		Messages: req.Messages,
		Options:  req.Options,
		TraceID:  traceID,
	}
	if preq.Options.Temperature == nil && resolved.Temperature != nil {
		preq.Options.Temperature = resolved.Temperature
	}

	start := time.Now()
	var result *provider.Result
	if g.toolLoop != nil && len(req.Tools) > 0 {
		preq.Tools = req.Tools
		result, err = g.toolLoop.Run(ctx, adapter, preq, scope, tenant+":"+req.Agent)
	} else {
		result, err = adapter.Complete(ctx, preq)
	}
	if g.metrics != nil {
		g.metrics.RecordDispatch(resolved.Provider, resolved.ModelID, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		if g.health != nil {
			g.health.RecordFailure(resolved.Provider)
		}
		if billingID != "" {
			if rerr := g.biller.Release(ctx, billingID, "dispatch failed"); rerr != nil {
				g.logger.Printf("release %s after failed dispatch: %v", billingID, rerr)
			}
		}
		return nil, err
	}
	if g.health != nil {
		g.health.RecordSuccess(resolved.Provider)
	}

	cost := pricing.Cost(result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.ReasoningTokens, entry)
	if billingID != "" {
		if err := g.biller.Commit(ctx, billingID, cost.TotalCostMicro, g.exchange); err != nil {
			g.logger.Printf("commit %s: %v", billingID, err)
		}
	}
	if g.spender != nil && cost.TotalCostMicro > 0 {
		if err := g.spender.RecordCost(ctx, scope, cost.TotalCostMicro); err != nil {
			g.logger.Printf("record cost for %s: %v", scope, err)
		}
	}
	if g.metrics != nil {
		g.metrics.RecordUsage(resolved.Provider, resolved.ModelID, result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.ReasoningTokens)
		g.metrics.RecordCost(tenant, resolved.Provider, resolved.ModelID, int64(cost.TotalCostMicro))
	}

	return &ChatResponse{
		Content:        result.Content,
		Thinking:       result.Thinking,
		ToolCalls:      result.ToolCalls,
		Usage:          result.Usage,
		Model:          result.Model,
		Provider:       resolved.Provider,
		TraceID:        traceID,
		Pool:           poolID,
		BillingEntryID: billingID,
		CostMicro:      cost.TotalCostMicro,
		Downgraded:     resolved.Downgraded,
		FellBack:       resolved.FellBack,
	}, nil
}

// reserveBranches takes one hold per branch under the shared run id, in
// branch order. Holds already taken are released if a later one fails.
func (g *Gateway) reserveBranches(ctx context.Context, tenant string, req ChatRequest, branches []ensemble.Branch, traceID, ensembleID string) ([]string, error) {
	holds := make([]string, len(branches))
	if g.biller == nil {
		return holds, nil
	}
	for i, b := range branches {
		entry, err := g.biller.ReserveEnsemble(ctx, tenant, estimateReserve(req, b.Pricing), traceID, g.exchange, ensembleID)
		if err != nil {
			g.releaseHolds(ctx, holds[:i], "sibling branch reserve failed")
			return nil, errcode.Wrap(errcode.BudgetUnavailable, err,
				"reserve failed for tenant %s branch %s", tenant, b.PoolID)
		}
		holds[i] = entry.ID
	}
	return holds, nil
}

func (g *Gateway) releaseHolds(ctx context.Context, holds []string, reason string) {
	for _, id := range holds {
		if id == "" {
			continue
		}
		if err := g.biller.Release(ctx, id, reason); err != nil {
			g.logger.Printf("release %s: %v", id, err)
		}
	}
}

// settleBranches commits every branch that incurred cost at its settled
// amount and releases the rest. holds is aligned with results.
func (g *Gateway) settleBranches(ctx context.Context, holds []string, results []ensemble.BranchResult) {
	for i, b := range results {
		id := holds[i]
		if id == "" {
			continue
		}
		if b.CostMicro > 0 {
			if err := g.biller.Commit(ctx, id, b.CostMicro, g.exchange); err != nil {
				g.logger.Printf("commit branch %s: %v", id, err)
			}
			continue
		}
		reason := "no billable output"
		switch {
		case b.Cancelled:
			reason = "branch cancelled"
		case b.Err != nil:
			reason = "branch failed"
		}
		if err := g.biller.Release(ctx, id, reason); err != nil {
			g.logger.Printf("release branch %s: %v", id, err)
		}
	}
}

// invokeEnsemble runs the fan-out path. It passes the same gates as a
// single-agent dispatch and reserves per branch under one shared run id
// before anything reaches a provider; the winner commits at settled cost
// and losers release (or commit their partial cost).
func (g *Gateway) invokeEnsemble(ctx context.Context, tenant string, req ChatRequest) (*ChatResponse, error) {
	if g.orch == nil || g.branches == nil {
		return nil, errcode.New(errcode.ConfigInvalid, "ensemble dispatch is not configured")
	}

	scope := "tenant:" + tenant
	if g.guard != nil && g.guard.IsBudgetCircuitOpen(g.maxUnknown) {
		return nil, errcode.New(errcode.BudgetCircuitOpen,
			"ledger write path unhealthy, refusing dispatch").WithContext(req.Agent, "", "", tenant)
	}
	if g.budget != nil && g.budget.IsExceeded(ctx, scope) {
		return nil, errcode.New(errcode.BudgetExceeded,
			"budget exceeded for scope %s", scope).WithContext(req.Agent, "", "", tenant)
	}
	if _, err := g.selectPool(tenant, req.TaskType); err != nil {
		return nil, err
	}

	branches, err := g.branches(req.Ensemble.Models)
	if err != nil {
		return nil, err
	}

	traceID := ids.New()
	ensembleID := ids.New()
	holds, err := g.reserveBranches(ctx, tenant, req, branches, traceID, ensembleID)
	if err != nil {
		return nil, err
	}

	run, err := g.orch.Run(ctx, ensemble.Config{
		Strategy:         ensemble.Strategy(req.Ensemble.Strategy),
		TotalBudgetMicro: req.Ensemble.TotalBudgetMicro,
		EnsembleID:       ensembleID,
	}, provider.Request{Messages: req.Messages, Options: req.Options, TraceID: traceID}, branches)
	if g.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		g.metrics.EnsembleRuns.WithLabelValues(req.Ensemble.Strategy, outcome).Inc()
	}
	if err != nil {
		g.releaseHolds(ctx, holds, "ensemble run failed")
		return nil, err
	}

	g.settleBranches(ctx, holds, run.Branches)

	if g.spender != nil && run.TotalCostMicro > 0 {
		if err := g.spender.RecordCost(ctx, scope, run.TotalCostMicro); err != nil {
			g.logger.Printf("record ensemble cost for %s: %v", scope, err)
		}
	}

	var winnerBilling string
	summary := &EnsembleSummary{EnsembleID: run.EnsembleID, WinnerPool: run.WinnerPool}
	for i, b := range run.Branches {
		bs := BranchSummary{PoolID: b.PoolID, Model: b.Model, CostMicro: b.CostMicro, BillingEntryID: holds[i]}
		if b.Err != nil {
			msg := b.Err.Error()
			bs.Error = &msg
		}
		if b.Result != nil && b.PoolID == run.WinnerPool && winnerBilling == "" {
			winnerBilling = holds[i]
		}
		summary.AllResults = append(summary.AllResults, bs)
	}

	return &ChatResponse{
		Content:        run.Winner.Content,
		Thinking:       run.Winner.Thinking,
		ToolCalls:      run.Winner.ToolCalls,
		Usage:          run.Winner.Usage,
		Model:          run.Winner.Model,
		TraceID:        traceID,
		BillingEntryID: winnerBilling,
		CostMicro:      run.TotalCostMicro,
		Ensemble:       summary,
	}, nil
}

// StreamSession is a live streaming dispatch: the open provider stream
// plus the routing and billing context needed to settle it. Ensemble
// sessions carry the run and its per-branch holds instead of a single
// resolved model.
type StreamSession struct {
	Stream    provider.Stream
	Resolved  *router.ResolvedModel
	TraceID   string
	BillingID string

	Ensemble      *ensemble.StreamRun
	BranchBilling []string
}

// Stream opens a streaming dispatch. The reservation is taken before the
// provider connection; the caller settles via SettleStream (or
// AbortStream on failure). An ensemble body races branches and streams
// the winner.
func (g *Gateway) Stream(ctx context.Context, tenant string, req ChatRequest) (*StreamSession, error) {
	scope := "tenant:" + tenant
	traceID := ids.New()

	if g.guard != nil && g.guard.IsBudgetCircuitOpen(g.maxUnknown) {
		return nil, errcode.New(errcode.BudgetCircuitOpen,
			"ledger write path unhealthy, refusing dispatch").WithContext(req.Agent, "", "", tenant)
	}

	if req.Ensemble != nil {
		return g.streamEnsemble(ctx, tenant, req, traceID)
	}

	if _, err := g.selectPool(tenant, req.TaskType); err != nil {
		return nil, err
	}

	resolved, err := g.resolver.Resolve(ctx, req.Agent, scope)
	if err != nil {
		return nil, err
	}
	if g.health != nil && !g.health.AllowRequest(resolved.Provider) {
		return nil, errcode.New(errcode.ProviderUnavailable,
			"circuit open for provider %s", resolved.Provider).
			WithContext(req.Agent, resolved.Provider, resolved.ModelID, tenant)
	}
	adapter, err := g.adapters.Get(resolved.Provider)
	if err != nil {
		return nil, err
	}

	var entry pricing.Entry
	if resolved.Pricing != nil {
		entry = *resolved.Pricing
	}
	var billingID string
	if g.biller != nil {
		reserved, err := g.biller.Reserve(ctx, tenant, estimateReserve(req, entry), traceID, g.exchange)
		if err != nil {
			return nil, errcode.Wrap(errcode.BudgetUnavailable, err, "reserve failed for tenant %s", tenant)
		}
		billingID = reserved.ID
	}

	stream, err := adapter.Stream(ctx, provider.Request{
		Model:    resolved.ModelID,
		Messages: req.Messages,
		Options:  req.Options,
		TraceID:  traceID,
	})
	if err != nil {
		if g.health != nil {
			g.health.RecordFailure(resolved.Provider)
		}
		if billingID != "" {
			if rerr := g.biller.Release(ctx, billingID, "stream open failed"); rerr != nil {
				g.logger.Printf("release %s after failed stream open: %v", billingID, rerr)
			}
		}
		return nil, err
	}
	return &StreamSession{Stream: stream, Resolved: resolved, TraceID: traceID, BillingID: billingID}, nil
}

// streamEnsemble races branches as streams under the same gates and
// per-branch reservations as the non-streaming fan-out. The winner's
// stream is handed back; settlement waits for every branch.
func (g *Gateway) streamEnsemble(ctx context.Context, tenant string, req ChatRequest, traceID string) (*StreamSession, error) {
	if g.orch == nil || g.branches == nil {
		return nil, errcode.New(errcode.ConfigInvalid, "ensemble dispatch is not configured")
	}

	scope := "tenant:" + tenant
	if g.budget != nil && g.budget.IsExceeded(ctx, scope) {
		return nil, errcode.New(errcode.BudgetExceeded,
			"budget exceeded for scope %s", scope).WithContext(req.Agent, "", "", tenant)
	}
	if _, err := g.selectPool(tenant, req.TaskType); err != nil {
		return nil, err
	}

	branches, err := g.branches(req.Ensemble.Models)
	if err != nil {
		return nil, err
	}

	ensembleID := ids.New()
	holds, err := g.reserveBranches(ctx, tenant, req, branches, traceID, ensembleID)
	if err != nil {
		return nil, err
	}

	run, err := g.orch.StreamFirstComplete(ctx, ensemble.Config{
		Strategy:         ensemble.FirstComplete,
		TotalBudgetMicro: req.Ensemble.TotalBudgetMicro,
		EnsembleID:       ensembleID,
	}, provider.Request{Messages: req.Messages, Options: req.Options, TraceID: traceID}, branches)
	if err != nil {
		g.releaseHolds(ctx, holds, "ensemble stream open failed")
		return nil, err
	}
	return &StreamSession{Stream: run, Ensemble: run, BranchBilling: holds, TraceID: traceID}, nil
}

// SettleStream commits a completed stream's usage and attributes spend.
// Ensemble sessions settle per branch from the run's accounting.
func (g *Gateway) SettleStream(ctx context.Context, tenant string, s *StreamSession, usage provider.Usage) money.Micro {
	if s.Ensemble != nil {
		return g.settleEnsembleStream(ctx, tenant, s)
	}

	var entry pricing.Entry
	if s.Resolved.Pricing != nil {
		entry = *s.Resolved.Pricing
	}
	cost := pricing.Cost(usage.PromptTokens, usage.CompletionTokens, usage.ReasoningTokens, entry)
	if g.health != nil {
		g.health.RecordSuccess(s.Resolved.Provider)
	}
	if s.BillingID != "" {
		if err := g.biller.Commit(ctx, s.BillingID, cost.TotalCostMicro, g.exchange); err != nil {
			g.logger.Printf("commit %s: %v", s.BillingID, err)
		}
	}
	if g.spender != nil && cost.TotalCostMicro > 0 {
		if err := g.spender.RecordCost(ctx, "tenant:"+tenant, cost.TotalCostMicro); err != nil {
			g.logger.Printf("record stream cost for tenant %s: %v", tenant, err)
		}
	}
	if g.metrics != nil {
		g.metrics.RecordUsage(s.Resolved.Provider, s.Resolved.ModelID, usage.PromptTokens, usage.CompletionTokens, usage.ReasoningTokens)
		g.metrics.RecordCost(tenant, s.Resolved.Provider, s.Resolved.ModelID, int64(cost.TotalCostMicro))
	}
	return cost.TotalCostMicro
}

// settleEnsembleStream waits out the branches and settles each hold from
// its recorded cost, then attributes the total.
func (g *Gateway) settleEnsembleStream(ctx context.Context, tenant string, s *StreamSession) money.Micro {
	results := s.Ensemble.Branches()
	g.settleBranches(ctx, s.BranchBilling, results)

	var total money.Micro
	for _, r := range results {
		total += r.CostMicro
	}
	if g.spender != nil && total > 0 {
		if err := g.spender.RecordCost(ctx, "tenant:"+tenant, total); err != nil {
			g.logger.Printf("record stream cost for tenant %s: %v", tenant, err)
		}
	}
	return total
}

// AbortStream releases the reservation of a stream that broke mid-flight.
func (g *Gateway) AbortStream(ctx context.Context, s *StreamSession, reason string) {
	if s.Ensemble != nil {
		g.releaseHolds(ctx, s.BranchBilling, reason)
		return
	}
	if g.health != nil && s.Resolved != nil {
		g.health.RecordFailure(s.Resolved.Provider)
	}
	if s.BillingID != "" {
		if err := g.biller.Release(ctx, s.BillingID, reason); err != nil {
			g.logger.Printf("release %s after broken stream: %v", s.BillingID, err)
		}
	}
}
