package router

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/provider"
)

// DispatchGuard is the circuit-breaker check consulted before every
// dispatch and between tool-loop iterations.
type DispatchGuard interface {
	IsBudgetCircuitOpen(maxUnknownWindow time.Duration) bool
}

// Limiter grants or refuses one unit of work for a tenant:agent key.
type Limiter interface {
	Acquire(key string) bool
}

// ToolFunc executes one tool invocation.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// ToolSet pairs tool declarations with their implementations.
type ToolSet struct {
	defs  []provider.Tool
	funcs map[string]ToolFunc
}

// NewToolSet returns an empty tool set.
func NewToolSet() *ToolSet {
	return &ToolSet{funcs: make(map[string]ToolFunc)}
}

// Register adds a tool.
func (s *ToolSet) Register(def provider.Tool, fn ToolFunc) {
	s.defs = append(s.defs, def)
	s.funcs[def.Name] = fn
}

// Defs returns the declarations to send to the model.
func (s *ToolSet) Defs() []provider.Tool { return s.defs }

// LoopConfig bounds the tool-call loop.
type LoopConfig struct {
	MaxIterations    int           // default 10
	MaxToolCalls     int           // total across the run, default 30
	MaxWallTime      time.Duration // default 5 min
	ContextWindow    int           // model context window in tokens; 0 disables the ceiling
	ConsecutiveLimit int           // abort threshold, default 3
	MaxUnknownWindow time.Duration // ledger-failure window for the circuit guard
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 30
	}
	if c.MaxWallTime <= 0 {
		c.MaxWallTime = 5 * time.Minute
	}
	if c.ConsecutiveLimit <= 0 {
		c.ConsecutiveLimit = 3
	}
	if c.MaxUnknownWindow <= 0 {
		c.MaxUnknownWindow = 30 * time.Second
	}
	return c
}

// Context-utilization thresholds: 80% warns, 90% fails.
const (
	contextWarnRatio = 0.8
	contextFailRatio = 0.9
)

// toolRecord is one memoized tool outcome.
type toolRecord struct {
	output string
	failed bool
}

// ToolLoop drives the bounded tool-call conversation. Tool results are
// memoized by (trace_id, tool_call_id), so a retried loop reuses the
// recorded result instead of re-running the tool.
type ToolLoop struct {
	tools   *ToolSet
	budget  BudgetGate
	guard   DispatchGuard
	limiter Limiter
	cfg     LoopConfig
	logger  *log.Logger

	mu   sync.Mutex
	memo map[string]toolRecord
}

// NewToolLoop wires a loop. budget, guard, and limiter may be nil.
func NewToolLoop(tools *ToolSet, budget BudgetGate, guard DispatchGuard, limiter Limiter, cfg LoopConfig) *ToolLoop {
	return &ToolLoop{
		tools:   tools,
		budget:  budget,
		guard:   guard,
		limiter: limiter,
		cfg:     cfg.withDefaults(),
		logger:  log.New(log.Writer(), "[TOOL-LOOP] ", log.LstdFlags),
		memo:    make(map[string]toolRecord),
	}
}

// Run executes the loop against adapter until the model answers without
// tool calls or a bound is hit. limiterKey is the tenant:agent rate key;
// budgetScope is the enforcer scope.
func (l *ToolLoop) Run(ctx context.Context, adapter provider.Adapter, req provider.Request, budgetScope, limiterKey string) (*provider.Result, error) {
	cfg := l.cfg
	start := time.Now()

	msgs := make([]provider.Message, len(req.Messages))
	copy(msgs, req.Messages)
	// A caller-declared subset stands; otherwise advertise everything
	// registered. Execution always goes through the registered funcs.
	if len(req.Tools) == 0 {
		req.Tools = l.tools.Defs()
	}

	totalCalls := 0
	consecutiveFails := 0
	repairGranted := false
	warned := false

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		if time.Since(start) > cfg.MaxWallTime {
			return nil, errcode.New(errcode.ToolCallWallTimeExceeded,
				"tool loop exceeded wall time %s after %d iteration(s)", cfg.MaxWallTime, iteration-1)
		}
		if l.budget != nil && budgetScope != "" && l.budget.IsExceeded(ctx, budgetScope) {
			return nil, errcode.New(errcode.BudgetExceeded,
				"budget exceeded for scope %s during tool loop", budgetScope)
		}
		if l.guard != nil && l.guard.IsBudgetCircuitOpen(cfg.MaxUnknownWindow) {
			return nil, errcode.New(errcode.BudgetCircuitOpen,
				"ledger write path unhealthy, refusing tool-loop iteration %d", iteration)
		}
		if l.limiter != nil && limiterKey != "" && !l.limiter.Acquire(limiterKey) {
			return nil, errcode.New(errcode.RateLimited,
				"rate limit hit for %s at tool-loop iteration %d", limiterKey, iteration)
		}

		iterReq := req
		iterReq.Messages = msgs
		result, err := adapter.Complete(ctx, iterReq)
		if err != nil {
			return nil, err
		}

		if cfg.ContextWindow > 0 {
			used := result.Usage.PromptTokens + result.Usage.CompletionTokens
			ratio := float64(used) / float64(cfg.ContextWindow)
			if ratio >= contextFailRatio {
				return nil, errcode.New(errcode.ContextOverflow,
					"context %.0f%% full (%d of %d tokens)", ratio*100, used, cfg.ContextWindow)
			}
			if ratio >= contextWarnRatio && !warned {
				warned = true
				l.logger.Printf("context at %.0f%% for trace %s", ratio*100, req.TraceID)
			}
		}

		if len(result.ToolCalls) == 0 {
			return result, nil
		}

		totalCalls += len(result.ToolCalls)
		if totalCalls > cfg.MaxToolCalls {
			return nil, errcode.New(errcode.ToolCallLimitExceeded,
				"tool-call total %d exceeds limit %d", totalCalls, cfg.MaxToolCalls)
		}

		msgs = append(msgs, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			rec := l.execute(ctx, req.TraceID, call, &repairGranted)
			if rec.failed {
				consecutiveFails++
				if consecutiveFails >= cfg.ConsecutiveLimit {
					return nil, errcode.New(errcode.ToolCallConsecutiveFailures,
						"%d consecutive tool failures, aborting at %s", consecutiveFails, call.Name)
				}
			} else {
				consecutiveFails = 0
			}
			msgs = append(msgs, provider.Message{
				Role:       provider.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    rec.output,
			})
		}
	}

	return nil, errcode.New(errcode.ToolCallMaxIterations,
		"tool loop did not converge in %d iterations", cfg.MaxIterations)
}

// execute runs one tool call through the memo. Malformed JSON arguments
// get exactly one repair round per run: the parse error is recorded as
// the tool result so the model can reissue the call.
func (l *ToolLoop) execute(ctx context.Context, traceID string, call provider.ToolCall, repairGranted *bool) toolRecord {
	key := traceID + "/" + call.ID

	l.mu.Lock()
	if rec, ok := l.memo[key]; ok {
		l.mu.Unlock()
		return rec
	}
	l.mu.Unlock()

	rec := l.executeUncached(ctx, call, repairGranted)

	l.mu.Lock()
	l.memo[key] = rec
	l.mu.Unlock()
	return rec
}

func (l *ToolLoop) executeUncached(ctx context.Context, call provider.ToolCall, repairGranted *bool) toolRecord {
	if !json.Valid([]byte(call.Arguments)) {
		if !*repairGranted {
			*repairGranted = true
			l.logger.Printf("malformed arguments for %s, granting repair round", call.Name)
			return toolRecord{output: "error: tool arguments are not valid JSON; reissue the call with corrected arguments"}
		}
		return toolRecord{output: "error: tool arguments are not valid JSON", failed: true}
	}

	fn, ok := l.tools.funcs[call.Name]
	if !ok {
		return toolRecord{output: "error: unknown tool " + call.Name, failed: true}
	}

	out, err := fn(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		return toolRecord{output: "error: " + err.Error(), failed: true}
	}
	return toolRecord{output: out}
}
