package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnigate/backend/internal/auth"
	"github.com/omnigate/backend/internal/billing"
	"github.com/omnigate/backend/internal/ensemble"
	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/middleware"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/pricing"
	"github.com/omnigate/backend/internal/provider"
	"github.com/omnigate/backend/internal/router"
)

// ===== fakes =====

type fakeResolver struct {
	resolved *router.ResolvedModel
	err      error
}

func (f *fakeResolver) Resolve(context.Context, string, string) (*router.ResolvedModel, error) {
	return f.resolved, f.err
}

type fakeAdapter struct {
	result *provider.Result
	err    error
	chunks []provider.Chunk
}

func (f *fakeAdapter) Type() string { return provider.TypeAnthropic }

func (f *fakeAdapter) Complete(context.Context, provider.Request) (*provider.Result, error) {
	return f.result, f.err
}

func (f *fakeAdapter) Stream(context.Context, provider.Request) (provider.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return provider.NewBufferStream(f.chunks...), nil
}

type fakeAdapters struct{ adapter provider.Adapter }

func (f *fakeAdapters) Get(string) (provider.Adapter, error) { return f.adapter, nil }

type fakeBiller struct {
	reserved    int
	ensembleIDs []string
	committed   []money.Micro
	released    []string
	releasedIDs []string
	failNext    bool
}

func (f *fakeBiller) Reserve(_ context.Context, _ string, _ money.Micro, _, _ string) (*billing.Entry, error) {
	if f.failNext {
		return nil, errors.New("wal down")
	}
	f.reserved++
	return &billing.Entry{ID: fmt.Sprintf("be-%d", f.reserved)}, nil
}

func (f *fakeBiller) ReserveEnsemble(_ context.Context, _ string, _ money.Micro, _, _, ensembleID string) (*billing.Entry, error) {
	if f.failNext {
		return nil, errors.New("wal down")
	}
	f.reserved++
	f.ensembleIDs = append(f.ensembleIDs, ensembleID)
	return &billing.Entry{ID: fmt.Sprintf("be-%d", f.reserved), EnsembleID: ensembleID}, nil
}

func (f *fakeBiller) Commit(_ context.Context, _ string, actual money.Micro, _ string) error {
	f.committed = append(f.committed, actual)
	return nil
}

func (f *fakeBiller) Release(_ context.Context, id, reason string) error {
	f.released = append(f.released, reason)
	f.releasedIDs = append(f.releasedIDs, id)
	return nil
}

type fakeSpender struct{ total money.Micro }

func (f *fakeSpender) RecordCost(_ context.Context, _ string, amount money.Micro) error {
	f.total += amount
	return nil
}

func testResolved() *router.ResolvedModel {
	return &router.ResolvedModel{
		Provider: "anthropic",
		ModelID:  "claude-sonnet-4",
		Type:     provider.TypeAnthropic,
		Pricing: &pricing.Entry{
			Provider:         "anthropic",
			Model:            "claude-sonnet-4",
			InputPer1MMicro:  1_000_000,
			OutputPer1MMicro: 1_000_000,
		},
	}
}

func newTestServer(t *testing.T, gw *Gateway) (*Server, string) {
	t.Helper()
	kv := auth.NewMemoryKV()
	keys := auth.NewKeyStore(kv)
	apiKey, err := keys.Create(context.Background(), "acme", "test")
	require.NoError(t, err)

	sessions := auth.NewSessionManager(kv, []byte("jwt"), []byte("mac"), "test")
	challenger := auth.NewChallenger([]byte("chal"), "0xR", 1)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 1000})
	return NewServer(gw, keys, sessions, challenger, limiter, nil), apiKey
}

// ===== gateway =====

func TestGatewayInvokeCommitsActualCost(t *testing.T) {
	biller := &fakeBiller{}
	spender := &fakeSpender{}
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{result: &provider.Result{
			Content: "hi",
			Model:   "claude-sonnet-4",
			Usage:   provider.Usage{PromptTokens: 100, CompletionTokens: 50},
		}}},
		Biller:  biller,
		Spender: spender,
	})

	resp, err := gw.Invoke(context.Background(), "acme", ChatRequest{
		Agent:    "researcher",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, "be-1", resp.BillingEntryID)
	assert.Equal(t, money.Micro(150), resp.CostMicro)
	assert.Equal(t, 1, biller.reserved)
	require.Len(t, biller.committed, 1)
	assert.Equal(t, money.Micro(150), biller.committed[0])
	assert.Equal(t, money.Micro(150), spender.total)
}

func TestGatewayInvokeReleasesOnDispatchFailure(t *testing.T) {
	biller := &fakeBiller{}
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{err: errors.New("upstream 500")}},
		Biller:   biller,
	})

	_, err := gw.Invoke(context.Background(), "acme", ChatRequest{Agent: "researcher"})
	require.Error(t, err)
	assert.Equal(t, 1, biller.reserved)
	assert.Empty(t, biller.committed)
	require.Len(t, biller.released, 1)
}

func TestGatewayInvokeReserveFailureRefusesDispatch(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{result: &provider.Result{Content: "x"}}},
		Biller:   &fakeBiller{failNext: true},
	})

	_, err := gw.Invoke(context.Background(), "acme", ChatRequest{Agent: "researcher"})
	require.Error(t, err)
	assert.Equal(t, errcode.BudgetUnavailable, errcode.CodeOf(err))
}

type openGuard struct{}

func (openGuard) IsBudgetCircuitOpen(time.Duration) bool { return true }

func TestGatewayRefusesWhenBudgetCircuitOpen(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{}},
		Guard:    openGuard{},
	})

	_, err := gw.Invoke(context.Background(), "acme", ChatRequest{Agent: "researcher"})
	require.Error(t, err)
	assert.Equal(t, errcode.BudgetCircuitOpen, errcode.CodeOf(err))
}

// ===== ensembles =====

type fakeBudget struct{ exceeded bool }

func (f fakeBudget) IsExceeded(context.Context, string) bool { return f.exceeded }

// scriptedAdapter returns canned results in order, one per Complete call.
type scriptedAdapter struct {
	results []*provider.Result
	calls   int
}

func (a *scriptedAdapter) Type() string { return provider.TypeAnthropic }

func (a *scriptedAdapter) Complete(context.Context, provider.Request) (*provider.Result, error) {
	r := a.results[a.calls]
	a.calls++
	return r, nil
}

func (a *scriptedAdapter) Stream(context.Context, provider.Request) (provider.Stream, error) {
	return nil, errors.New("not streaming")
}

func testBranches(adapters ...provider.Adapter) BranchBuilder {
	return func(models []string) ([]ensemble.Branch, error) {
		out := make([]ensemble.Branch, len(adapters))
		for i, a := range adapters {
			out[i] = ensemble.Branch{
				PoolID:  fmt.Sprintf("pool-%d", i),
				Model:   fmt.Sprintf("model-%d", i),
				Adapter: a,
				Pricing: pricing.Entry{InputPer1MMicro: 1_000_000, OutputPer1MMicro: 1_000_000},
			}
		}
		return out, nil
	}
}

func TestEnsembleRefusedWhenBudgetCircuitOpen(t *testing.T) {
	biller := &fakeBiller{}
	gw := NewGateway(GatewayConfig{
		Resolver:     &fakeResolver{resolved: testResolved()},
		Adapters:     &fakeAdapters{adapter: &fakeAdapter{}},
		Biller:       biller,
		Guard:        openGuard{},
		Orchestrator: ensemble.New(),
		Branches:     testBranches(&fakeAdapter{result: &provider.Result{Content: "x"}}),
	})

	_, err := gw.Invoke(context.Background(), "acme", ChatRequest{
		Ensemble: &EnsembleRequest{Strategy: "first_complete", Models: []string{"a"}},
	})
	require.Error(t, err)
	assert.Equal(t, errcode.BudgetCircuitOpen, errcode.CodeOf(err))
	assert.Zero(t, biller.reserved, "nothing may be reserved behind an open circuit")
}

func TestEnsembleRefusedWhenBudgetExceeded(t *testing.T) {
	biller := &fakeBiller{}
	gw := NewGateway(GatewayConfig{
		Resolver:     &fakeResolver{resolved: testResolved()},
		Adapters:     &fakeAdapters{adapter: &fakeAdapter{}},
		Biller:       biller,
		Budget:       fakeBudget{exceeded: true},
		Orchestrator: ensemble.New(),
		Branches:     testBranches(&fakeAdapter{result: &provider.Result{Content: "x"}}),
	})

	_, err := gw.Invoke(context.Background(), "acme", ChatRequest{
		Ensemble: &EnsembleRequest{Strategy: "first_complete", Models: []string{"a"}},
	})
	require.Error(t, err)
	assert.Equal(t, errcode.BudgetExceeded, errcode.CodeOf(err))
	assert.Zero(t, biller.reserved)
}

func TestEnsembleReservesPerBranchAndSettles(t *testing.T) {
	biller := &fakeBiller{}
	spender := &fakeSpender{}
	winner := &fakeAdapter{result: &provider.Result{
		Content: "fast answer",
		Model:   "model-0",
		Usage:   provider.Usage{PromptTokens: 100, CompletionTokens: 50},
	}}
	loser := &fakeAdapter{err: errors.New("upstream 500")}
	gw := NewGateway(GatewayConfig{
		Resolver:     &fakeResolver{resolved: testResolved()},
		Adapters:     &fakeAdapters{adapter: &fakeAdapter{}},
		Biller:       biller,
		Spender:      spender,
		Orchestrator: ensemble.New(),
		Branches:     testBranches(winner, loser),
	})

	resp, err := gw.Invoke(context.Background(), "acme", ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "q"}},
		Ensemble: &EnsembleRequest{Strategy: "first_complete", Models: []string{"a", "b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, biller.reserved, "one hold per branch before dispatch")
	require.Len(t, biller.ensembleIDs, 2)
	assert.NotEmpty(t, biller.ensembleIDs[0])
	assert.Equal(t, biller.ensembleIDs[0], biller.ensembleIDs[1], "branches share one run id")

	require.Len(t, biller.committed, 1)
	assert.Equal(t, money.Micro(150), biller.committed[0], "winner commits at settled cost")
	require.Len(t, biller.released, 1, "the failed branch releases its hold")
	assert.Equal(t, money.Micro(150), spender.total)

	require.NotNil(t, resp.Ensemble)
	assert.NotEmpty(t, resp.BillingEntryID)
	require.Len(t, resp.Ensemble.AllResults, 2)
	for _, b := range resp.Ensemble.AllResults {
		assert.NotEmpty(t, b.BillingEntryID)
	}
}

func TestEnsembleReleasesAllHoldsWhenRunFails(t *testing.T) {
	biller := &fakeBiller{}
	gw := NewGateway(GatewayConfig{
		Resolver:     &fakeResolver{resolved: testResolved()},
		Adapters:     &fakeAdapters{adapter: &fakeAdapter{}},
		Biller:       biller,
		Orchestrator: ensemble.New(),
		Branches: testBranches(
			&fakeAdapter{err: errors.New("down")},
			&fakeAdapter{err: errors.New("also down")},
		),
	})

	_, err := gw.Invoke(context.Background(), "acme", ChatRequest{
		Ensemble: &EnsembleRequest{Strategy: "first_complete", Models: []string{"a", "b"}},
	})
	require.Error(t, err)
	assert.Equal(t, 2, biller.reserved)
	assert.Empty(t, biller.committed)
	assert.Len(t, biller.released, 2, "every hold released when no branch wins")
}

// ===== pool authorization =====

func poolClaims(claims router.Claims) ClaimsFor {
	return func(string) router.Claims { return claims }
}

func TestInvokeRejectsUnauthorizedPoolPreference(t *testing.T) {
	biller := &fakeBiller{}
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{result: &provider.Result{Content: "x"}}},
		Biller:   biller,
		Pools: router.NewPoolSelector([]router.Pool{
			{ID: "standard"}, {ID: "premium"},
		}, nil, "standard"),
		Claims: poolClaims(router.Claims{
			TenantID:        "acme",
			AuthorizedPools: []string{"standard"},
			PoolPreferences: map[string]string{"code": "premium"},
		}),
	})

	_, err := gw.Invoke(context.Background(), "acme", ChatRequest{Agent: "researcher", TaskType: "code"})
	require.Error(t, err)
	assert.Equal(t, errcode.PoolUnauthorized, errcode.CodeOf(err))
	assert.Zero(t, biller.reserved, "rejected before any reservation")
}

func TestInvokeReportsSelectedPool(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{result: &provider.Result{Content: "x"}}},
		Pools:    router.NewPoolSelector([]router.Pool{{ID: "standard"}}, nil, "standard"),
		Claims: poolClaims(router.Claims{
			TenantID:        "acme",
			AuthorizedPools: []string{"standard"},
		}),
	})

	resp, err := gw.Invoke(context.Background(), "acme", ChatRequest{Agent: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, "standard", resp.Pool)
}

func TestStreamRejectsUnauthorizedPoolPreference(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{}},
		Pools:    router.NewPoolSelector([]router.Pool{{ID: "standard"}}, nil, "standard"),
		Claims: poolClaims(router.Claims{
			TenantID:        "acme",
			PoolPreferences: map[string]string{"chat": "standard"},
		}),
	})

	_, err := gw.Stream(context.Background(), "acme", ChatRequest{Agent: "researcher", TaskType: "chat"})
	require.Error(t, err)
	assert.Equal(t, errcode.PoolUnauthorized, errcode.CodeOf(err))
}

// ===== tool loop dispatch =====

func TestInvokeRunsToolLoopWhenToolsDeclared(t *testing.T) {
	tools := router.NewToolSet()
	invoked := false
	tools.Register(provider.Tool{Name: "lookup"}, func(context.Context, json.RawMessage) (string, error) {
		invoked = true
		return "42", nil
	})

	adapter := &scriptedAdapter{results: []*provider.Result{
		{ToolCalls: []provider.ToolCall{{ID: "t1", Name: "lookup", Arguments: "{}"}}},
		{Content: "done", Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5}},
	}}
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: adapter},
		ToolLoop: router.NewToolLoop(tools, nil, nil, nil, router.LoopConfig{}),
	})

	resp, err := gw.Invoke(context.Background(), "acme", ChatRequest{
		Agent: "researcher",
		Tools: []provider.Tool{{Name: "lookup"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.True(t, invoked, "the declared tool ran server-side")
	assert.Equal(t, 2, adapter.calls, "loop fed the tool result back")
}

func TestInvokeWithoutToolsBypassesToolLoop(t *testing.T) {
	adapter := &scriptedAdapter{results: []*provider.Result{
		{ToolCalls: []provider.ToolCall{{ID: "t1", Name: "lookup", Arguments: "{}"}}},
	}}
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: adapter},
		ToolLoop: router.NewToolLoop(router.NewToolSet(), nil, nil, nil, router.LoopConfig{}),
	})

	resp, err := gw.Invoke(context.Background(), "acme", ChatRequest{Agent: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.calls, "no tools declared, single completion")
	require.Len(t, resp.ToolCalls, 1, "tool calls pass through untouched")
}

// ===== HTTP surface =====

func postChat(t *testing.T, srv *Server, apiKey string, body ChatRequest) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(raw))
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestChatEndpoint(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{result: &provider.Result{
			Content: "answer",
			Usage:   provider.Usage{PromptTokens: 10, CompletionTokens: 5},
		}}},
	})
	srv, apiKey := newTestServer(t, gw)

	rec := postChat(t, srv, apiKey, ChatRequest{
		Agent:    "researcher",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "q"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "answer", resp.Content)
	assert.NotEmpty(t, resp.TraceID)
}

func TestChatEndpointRejectsMissingAgent(t *testing.T) {
	srv, apiKey := newTestServer(t, NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{}},
	}))

	rec := postChat(t, srv, apiKey, ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEndpointStatusMapping(t *testing.T) {
	cases := []struct {
		code   errcode.Code
		status int
	}{
		{errcode.BudgetExceeded, http.StatusPaymentRequired},
		{errcode.ProviderUnavailable, http.StatusServiceUnavailable},
		{errcode.BindingInvalid, http.StatusBadRequest},
		{errcode.RateLimited, http.StatusTooManyRequests},
		{errcode.ContextOverflow, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		srv, apiKey := newTestServer(t, NewGateway(GatewayConfig{
			Resolver: &fakeResolver{err: errcode.New(tc.code, "boom")},
			Adapters: &fakeAdapters{adapter: &fakeAdapter{}},
		}))
		rec := postChat(t, srv, apiKey, ChatRequest{Agent: "a"})
		assert.Equal(t, tc.status, rec.Code, string(tc.code))

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(tc.code), body["code"])
	}
}

func TestUnauthenticatedChatGets402Challenge(t *testing.T) {
	srv, _ := newTestServer(t, NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{}},
	}))

	rec := postChat(t, srv, "", ChatRequest{Agent: "a"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var ch auth.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ch))
	assert.NotEmpty(t, ch.Nonce)
	assert.NotEmpty(t, ch.HMAC)
	assert.Equal(t, money.Micro(10_000), ch.AmountMicro)
}

func TestPaymentChallengeRoundTripAuthenticates(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{result: &provider.Result{Content: "paid answer"}}},
	})
	srv, _ := newTestServer(t, gw)

	rec := postChat(t, srv, "", ChatRequest{Agent: "a"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	challenge := rec.Body.String()

	raw, _ := json.Marshal(ChatRequest{Agent: "a"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(raw))
	req.Header.Set("X-Payment", challenge)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "paid answer")
}

func TestStreamEndpoint(t *testing.T) {
	usage := provider.Usage{PromptTokens: 10, CompletionTokens: 4}
	biller := &fakeBiller{}
	gw := NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{chunks: []provider.Chunk{
			{Type: provider.ChunkText, Text: "he"},
			{Type: provider.ChunkText, Text: "y"},
			{Type: provider.ChunkDone, Usage: &usage},
		}}},
		Biller: biller,
	})
	srv, apiKey := newTestServer(t, gw)

	raw, _ := json.Marshal(ChatRequest{Agent: "a"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `"text":"he"`)
	assert.Contains(t, body, "data: [DONE]")
	require.Len(t, biller.committed, 1)
	assert.Equal(t, money.Micro(14), biller.committed[0], "settled on the done chunk's usage")
}

func TestStreamEndpointRejectsMissingAgent(t *testing.T) {
	srv, apiKey := newTestServer(t, NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{}},
	}))

	raw, _ := json.Marshal(ChatRequest{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEndpointRunsEnsemble(t *testing.T) {
	usage := provider.Usage{PromptTokens: 10, CompletionTokens: 4}
	biller := &fakeBiller{}
	branch := &fakeAdapter{chunks: []provider.Chunk{
		{Type: provider.ChunkText, Text: "hey"},
		{Type: provider.ChunkDone, Usage: &usage},
	}}
	gw := NewGateway(GatewayConfig{
		Resolver:     &fakeResolver{resolved: testResolved()},
		Adapters:     &fakeAdapters{adapter: &fakeAdapter{}},
		Biller:       biller,
		Orchestrator: ensemble.New(),
		Branches:     testBranches(branch),
	})
	srv, apiKey := newTestServer(t, gw)

	raw, _ := json.Marshal(ChatRequest{
		Ensemble: &EnsembleRequest{Strategy: "first_complete", Models: []string{"a"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, `"text":"hey"`)
	assert.Contains(t, body, "data: [DONE]")

	assert.Equal(t, 1, biller.reserved)
	require.Len(t, biller.ensembleIDs, 1)
	assert.NotEmpty(t, biller.ensembleIDs[0])
	require.Len(t, biller.committed, 1)
	assert.Equal(t, money.Micro(14), biller.committed[0], "winner settled from its done-chunk usage")
}

func TestStreamEnsembleReleasesHoldsWhenNoBranchOpens(t *testing.T) {
	biller := &fakeBiller{}
	gw := NewGateway(GatewayConfig{
		Resolver:     &fakeResolver{resolved: testResolved()},
		Adapters:     &fakeAdapters{adapter: &fakeAdapter{}},
		Biller:       biller,
		Orchestrator: ensemble.New(),
		Branches:     testBranches(&fakeAdapter{err: errors.New("down")}),
	})

	_, err := gw.Stream(context.Background(), "acme", ChatRequest{
		Ensemble: &EnsembleRequest{Strategy: "first_complete", Models: []string{"a"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, biller.reserved)
	assert.Empty(t, biller.committed)
	assert.Len(t, biller.released, 1)
}

func TestWalletLoginAndKeyMint(t *testing.T) {
	srv, _ := newTestServer(t, NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{}},
	}))
	r := srv.Router()

	// Step 1: nonce.
	raw, _ := json.Marshal(map[string]string{"address": "0xAb"})
	req := httptest.NewRequest(http.MethodPost, "/auth/nonce", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var nonceResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nonceResp))

	// Step 2: verify with the shared MAC secret.
	sig := auth.SignMAC([]byte("mac"), []byte(nonceResp["nonce"]))
	raw, _ = json.Marshal(map[string]string{"address": "0xAb", "signature": sig})
	req = httptest.NewRequest(http.MethodPost, "/auth/verify", bytes.NewReader(raw))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verifyResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verifyResp))
	token := verifyResp["session_token"]
	require.NotEmpty(t, token)

	// Step 3: mint a key with the session.
	raw, _ = json.Marshal(map[string]string{"label": "laptop"})
	req = httptest.NewRequest(http.MethodPost, "/v1/keys", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "omni_")

	// Step 4: the new key shows up in the listing, label only.
	req = httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "laptop")
	assert.NotContains(t, rec.Body.String(), "omni_")
}

func TestHealthAndDiscovery(t *testing.T) {
	srv, _ := newTestServer(t, NewGateway(GatewayConfig{
		Resolver: &fakeResolver{resolved: testResolved()},
		Adapters: &fakeAdapters{adapter: &fakeAdapter{}},
	}))
	r := srv.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/discovery", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/v1/chat")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?name=pat", nil))
	assert.Contains(t, rec.Body.String(), "Hello, pat")
}
