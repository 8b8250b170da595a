// Package ensemble fans one request out across several model pools and
// merges the results under one of three strategies. Branches run in
// parallel under a hierarchical cancellation tree: an ensemble-wide
// parent context with the total deadline, one child per branch.
package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/ids"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/pricing"
	"github.com/omnigate/backend/internal/provider"
)

// Strategy selects how branch results merge.
type Strategy string

const (
	FirstComplete Strategy = "first_complete"
	BestOfN       Strategy = "best_of_n"
	Consensus     Strategy = "consensus"
)

// Branch is one dispatch target.
type Branch struct {
	PoolID      string
	Provider    string
	Model       string
	Adapter     provider.Adapter
	Pricing     pricing.Entry
	BudgetMicro money.Micro // per-model cap, 0 means uncapped
}

// BranchResult is the per-branch outcome exposed on the run result. A
// branch has either Result or Err, never both.
type BranchResult struct {
	PoolID     string       `json:"pool_id"`
	Model      string       `json:"model"`
	Result     *provider.Result `json:"result,omitempty"`
	Err        error        `json:"-"`
	CostMicro  money.Micro  `json:"cost_micro"`
	OverBudget bool         `json:"over_budget,omitempty"`
	Estimated  bool         `json:"estimated,omitempty"` // overcount estimate, not settled usage
	Cancelled  bool         `json:"cancelled,omitempty"`
}

// Scorer ranks a successful result for best_of_n. Higher wins.
type Scorer func(ctx context.Context, r *provider.Result) (float64, error)

// DefaultScorer is information per token: content length over completion
// tokens.
func DefaultScorer(_ context.Context, r *provider.Result) (float64, error) {
	if r.Usage.CompletionTokens <= 0 {
		return 0, nil
	}
	return float64(len(r.Content)) / float64(r.Usage.CompletionTokens), nil
}

// Config tunes one ensemble run.
type Config struct {
	Strategy         Strategy
	TotalTimeout     time.Duration // default 2 min
	TotalBudgetMicro money.Micro   // 0 means uncapped
	Scorer           Scorer        // best_of_n only, default DefaultScorer
	// EnsembleID lets the caller pick the run id, so billing records can
	// be reserved under it before dispatch. Empty means a fresh id.
	EnsembleID string
}

// RunResult is a completed ensemble run. Every branch appears in Branches
// regardless of outcome; per-branch settlement records share EnsembleID.
type RunResult struct {
	EnsembleID     string
	Winner         *provider.Result
	WinnerPool     string
	Branches       []BranchResult
	TotalCostMicro money.Micro
}

// Orchestrator runs ensembles.
type Orchestrator struct {
	logger *log.Logger
}

// New returns an orchestrator.
func New() *Orchestrator {
	return &Orchestrator{logger: log.New(log.Writer(), "[ENSEMBLE] ", log.LstdFlags)}
}

// Run dispatches req across branches and merges per cfg.Strategy. The
// supplied ctx is the external cancellation link: cancelling it cancels
// the whole run.
func (o *Orchestrator) Run(ctx context.Context, cfg Config, req provider.Request, branches []Branch) (*RunResult, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("ensemble: no branches")
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 2 * time.Minute
	}

	parent, cancel := context.WithTimeout(ctx, cfg.TotalTimeout)
	defer cancel()

	ensembleID := cfg.EnsembleID
	if ensembleID == "" {
		ensembleID = ids.New()
	}
	results := make([]BranchResult, len(branches))

	switch cfg.Strategy {
	case FirstComplete:
		return o.runFirstComplete(parent, cancel, cfg, req, branches, results, ensembleID)
	case BestOfN, Consensus:
		o.runAll(parent, req, branches, results)
		total, err := o.checkBudgets(cfg, results)
		if err != nil {
			return nil, err
		}
		run := &RunResult{EnsembleID: ensembleID, Branches: results, TotalCostMicro: total}
		if cfg.Strategy == BestOfN {
			return o.mergeBestOfN(parent, cfg, run)
		}
		return o.mergeConsensus(run, branches)
	default:
		return nil, fmt.Errorf("ensemble: unknown strategy %q", cfg.Strategy)
	}
}

// runBranch invokes one branch with its output ceiling pre-clamped to the
// per-model budget, then re-prices the reported usage. A branch that blew
// its cap is reported failed; the cost is still recorded.
func (o *Orchestrator) runBranch(ctx context.Context, req provider.Request, b Branch) BranchResult {
	out := BranchResult{PoolID: b.PoolID, Model: b.Model}

	req.Model = b.Model
	if b.BudgetMicro > 0 {
		ceiling := pricing.MaxOutputTokens(b.BudgetMicro, b.Pricing)
		if req.Options.MaxTokens <= 0 || ceiling < req.Options.MaxTokens {
			req.Options.MaxTokens = ceiling
		}
	}

	result, err := b.Adapter.Complete(ctx, req)
	if err != nil {
		out.Err = err
		out.Cancelled = ctx.Err() != nil
		return out
	}

	cost := pricing.Cost(result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.ReasoningTokens, b.Pricing)
	out.CostMicro = cost.TotalCostMicro

	if b.BudgetMicro > 0 && out.CostMicro > b.BudgetMicro {
		out.OverBudget = true
		out.Err = fmt.Errorf("branch %s exceeded its per-model budget: cost %s > cap %s",
			b.PoolID, out.CostMicro.WireString(), b.BudgetMicro.WireString())
		return out
	}

	out.Result = result
	return out
}

// runAll runs every branch to completion.
func (o *Orchestrator) runAll(ctx context.Context, req provider.Request, branches []Branch, results []BranchResult) {
	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func(i int, b Branch) {
			defer wg.Done()
			branchCtx, branchCancel := context.WithCancel(ctx)
			defer branchCancel()
			results[i] = o.runBranch(branchCtx, req, b)
		}(i, b)
	}
	wg.Wait()
}

// checkBudgets sums branch costs and enforces the total ensemble cap.
func (o *Orchestrator) checkBudgets(cfg Config, results []BranchResult) (money.Micro, error) {
	var total money.Micro
	for _, r := range results {
		total += r.CostMicro
	}
	if cfg.TotalBudgetMicro > 0 && total > cfg.TotalBudgetMicro {
		return total, errcode.New(errcode.BudgetExceeded,
			"Ensemble budget exceeded: branch costs total %s against budget %s",
			total.WireString(), cfg.TotalBudgetMicro.WireString())
	}
	return total, nil
}

// branchFailureSummary collects every branch's error for the all-failed
// path.
func branchFailureSummary(results []BranchResult) error {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", r.PoolID, r.Err))
		}
	}
	return fmt.Errorf("ensemble: every branch failed: %s", strings.Join(parts, "; "))
}

// ---------------------------------------------------------------------------
// first_complete
// ---------------------------------------------------------------------------

func (o *Orchestrator) runFirstComplete(parent context.Context, cancel context.CancelFunc, cfg Config, req provider.Request, branches []Branch, results []BranchResult, ensembleID string) (*RunResult, error) {
	type done struct {
		idx int
		res BranchResult
	}
	ch := make(chan done, len(branches))

	for i, b := range branches {
		go func(i int, b Branch) {
			branchCtx, branchCancel := context.WithCancel(parent)
			defer branchCancel()
			ch <- done{i, o.runBranch(branchCtx, req, b)}
		}(i, b)
	}

	winnerIdx := -1
	for remaining := len(branches); remaining > 0; remaining-- {
		d := <-ch
		results[d.idx] = d.res
		if d.res.Result != nil && winnerIdx < 0 {
			winnerIdx = d.idx
			// Losers were racing the same parent; cut them off now.
			cancel()
		}
	}

	if winnerIdx < 0 {
		return nil, branchFailureSummary(results)
	}

	// Only the winner's cost is attributed; losers were cancelled before
	// completion and settle nothing.
	winner := results[winnerIdx]
	if cfg.TotalBudgetMicro > 0 && winner.CostMicro > cfg.TotalBudgetMicro {
		return nil, errcode.New(errcode.BudgetExceeded,
			"Ensemble budget exceeded: winner cost %s against budget %s",
			winner.CostMicro.WireString(), cfg.TotalBudgetMicro.WireString())
	}

	o.logger.Printf("first_complete winner %s for ensemble %s", winner.PoolID, ensembleID)
	return &RunResult{
		EnsembleID:     ensembleID,
		Winner:         winner.Result,
		WinnerPool:     winner.PoolID,
		Branches:       results,
		TotalCostMicro: winner.CostMicro,
	}, nil
}

// ---------------------------------------------------------------------------
// best_of_n
// ---------------------------------------------------------------------------

func (o *Orchestrator) mergeBestOfN(ctx context.Context, cfg Config, run *RunResult) (*RunResult, error) {
	scorer := cfg.Scorer
	if scorer == nil {
		scorer = DefaultScorer
	}

	bestIdx := -1
	bestScore := 0.0
	for i, r := range run.Branches {
		if r.Result == nil {
			continue
		}
		score, err := scorer(ctx, r.Result)
		if err != nil {
			o.logger.Printf("scorer failed on %s: %v", r.PoolID, err)
			continue
		}
		if bestIdx < 0 || score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx < 0 {
		return nil, branchFailureSummary(run.Branches)
	}

	run.Winner = run.Branches[bestIdx].Result
	run.WinnerPool = run.Branches[bestIdx].PoolID
	return run, nil
}

// ---------------------------------------------------------------------------
// consensus
// ---------------------------------------------------------------------------

// mergeConsensus votes per JSON field across parseable branch outputs.
// Ties break by insertion order of the first vote. If nothing parses, the
// first successful branch is returned verbatim.
func (o *Orchestrator) mergeConsensus(run *RunResult, branches []Branch) (*RunResult, error) {
	type vote struct {
		value json.RawMessage
		count int
		order int
	}
	fieldVotes := make(map[string][]*vote)
	fieldOrder := []string{}
	nextOrder := 0

	var firstSuccess *BranchResult
	var contributors []*provider.Result
	var memberModels []string

	for i := range run.Branches {
		r := &run.Branches[i]
		if r.Result == nil {
			continue
		}
		if firstSuccess == nil {
			firstSuccess = r
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(r.Result.Content), &obj); err != nil {
			continue
		}
		contributors = append(contributors, r.Result)
		memberModels = append(memberModels, r.Model)

		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			raw := canonicalValue(obj[k])
			votes, seen := fieldVotes[k]
			if !seen {
				fieldOrder = append(fieldOrder, k)
			}
			found := false
			for _, v := range votes {
				if string(v.value) == string(raw) {
					v.count++
					found = true
					break
				}
			}
			if !found {
				fieldVotes[k] = append(votes, &vote{value: raw, count: 1, order: nextOrder})
				nextOrder++
			} else {
				fieldVotes[k] = votes
			}
		}
	}

	if firstSuccess == nil {
		return nil, branchFailureSummary(run.Branches)
	}

	if len(contributors) == 0 {
		// No branch produced a parseable object.
		run.Winner = firstSuccess.Result
		run.WinnerPool = firstSuccess.PoolID
		return run, nil
	}

	merged := make(map[string]json.RawMessage, len(fieldOrder))
	for _, field := range fieldOrder {
		votes := fieldVotes[field]
		best := votes[0]
		for _, v := range votes[1:] {
			// Strict majority wins; a tie keeps the earlier first vote.
			if v.count > best.count {
				best = v
			}
		}
		merged[field] = best.value
	}
	content, err := json.Marshal(sortedFields(merged))
	if err != nil {
		return nil, fmt.Errorf("ensemble: encode consensus object: %w", err)
	}

	var usage provider.Usage
	for _, c := range contributors {
		usage.PromptTokens += c.Usage.PromptTokens
		usage.CompletionTokens += c.Usage.CompletionTokens
		usage.ReasoningTokens += c.Usage.ReasoningTokens
	}

	run.Winner = &provider.Result{
		Content: string(content),
		Model:   "consensus(" + strings.Join(memberModels, ",") + ")",
		Usage:   usage,
		TraceID: firstSuccess.Result.TraceID,
	}
	run.WinnerPool = firstSuccess.PoolID
	return run, nil
}

// canonicalValue normalizes a JSON value so equal values vote together
// regardless of whitespace.
func canonicalValue(raw json.RawMessage) json.RawMessage {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// sortedFields produces a deterministically ordered object for encoding.
type sortedFields map[string]json.RawMessage

func (s sortedFields) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		b.Write(s[k])
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
