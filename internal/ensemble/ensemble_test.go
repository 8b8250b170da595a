package ensemble

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/pricing"
	"github.com/omnigate/backend/internal/provider"
)

// flatPricing charges one micro per token on every lane, so costs in
// assertions read directly as token counts.
func flatPricing() pricing.Entry {
	return pricing.Entry{
		Provider:         "fake",
		Model:            "fake-1",
		InputPer1MMicro:  1_000_000,
		OutputPer1MMicro: 1_000_000,
	}
}

// fakeAdapter completes after delay with a fixed result or error, and
// streams a paced chunk sequence.
type fakeAdapter struct {
	delay      time.Duration
	result     *provider.Result
	err        error
	chunks     []provider.Chunk
	chunkDelay time.Duration

	mu      sync.Mutex
	lastReq provider.Request
}

func (f *fakeAdapter) Type() string { return provider.TypeOpenAICompatible }

func (f *fakeAdapter) Complete(ctx context.Context, req provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pacedStream{ctx: ctx, chunks: f.chunks, delay: f.chunkDelay}, nil
}

// pacedStream emits chunks with a fixed inter-chunk delay and honors
// context cancellation between chunks.
type pacedStream struct {
	ctx    context.Context
	chunks []provider.Chunk
	delay  time.Duration
	pos    int
	closed bool
}

func (p *pacedStream) Next() (provider.Chunk, error) {
	if p.pos >= len(p.chunks) {
		return provider.Chunk{}, io.EOF
	}
	select {
	case <-time.After(p.delay):
	case <-p.ctx.Done():
		return provider.Chunk{}, p.ctx.Err()
	}
	c := p.chunks[p.pos]
	p.pos++
	return c, nil
}

func (p *pacedStream) Close() error {
	p.closed = true
	return nil
}

func result(content string, prompt, completion int) *provider.Result {
	return &provider.Result{
		Content: content,
		Model:   "fake-1",
		Usage:   provider.Usage{PromptTokens: prompt, CompletionTokens: completion},
	}
}

func branch(pool string, a provider.Adapter) Branch {
	return Branch{PoolID: pool, Provider: "fake", Model: "fake-1", Adapter: a, Pricing: flatPricing()}
}

func TestFirstCompleteChargesOnlyTheWinner(t *testing.T) {
	fast := &fakeAdapter{delay: 5 * time.Millisecond, result: result("fast answer", 100, 50)}
	slow := &fakeAdapter{delay: 2 * time.Second, result: result("slow answer", 100, 50)}
	broken := &fakeAdapter{delay: time.Millisecond, err: errors.New("upstream 500")}

	o := New()
	run, err := o.Run(context.Background(), Config{Strategy: FirstComplete},
		provider.Request{TraceID: "tr-1"},
		[]Branch{branch("pool-a", fast), branch("pool-b", slow), branch("pool-c", broken)})
	require.NoError(t, err)

	assert.Equal(t, "fast answer", run.Winner.Content)
	assert.Equal(t, "pool-a", run.WinnerPool)
	assert.Equal(t, money.Micro(150), run.TotalCostMicro, "only the winner's cost is attributed")

	require.Len(t, run.Branches, 3)
	byPool := map[string]BranchResult{}
	for _, b := range run.Branches {
		byPool[b.PoolID] = b
	}
	assert.Error(t, byPool["pool-b"].Err, "cancelled loser is recorded with its error")
	assert.True(t, byPool["pool-b"].Cancelled)
	assert.Error(t, byPool["pool-c"].Err)
	assert.False(t, byPool["pool-c"].Cancelled)
}

func TestFirstCompleteAllFailed(t *testing.T) {
	o := New()
	_, err := o.Run(context.Background(), Config{Strategy: FirstComplete},
		provider.Request{},
		[]Branch{
			branch("pool-a", &fakeAdapter{err: errors.New("boom a")}),
			branch("pool-b", &fakeAdapter{err: errors.New("boom b")}),
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool-a: boom a")
	assert.Contains(t, err.Error(), "pool-b: boom b")
}

func TestBestOfNPicksHighestScore(t *testing.T) {
	// Default scorer is content length per completion token.
	dense := &fakeAdapter{result: result(strings.Repeat("x", 400), 10, 100)} // 4.0
	sparse := &fakeAdapter{result: result(strings.Repeat("y", 100), 10, 100)} // 1.0

	o := New()
	run, err := o.Run(context.Background(), Config{Strategy: BestOfN},
		provider.Request{},
		[]Branch{branch("pool-sparse", sparse), branch("pool-dense", dense)})
	require.NoError(t, err)
	assert.Equal(t, "pool-dense", run.WinnerPool)
	assert.Equal(t, money.Micro(220), run.TotalCostMicro, "every branch's cost counts")
}

func TestBestOfNBudgetExceededFailsTheRun(t *testing.T) {
	mk := func(pool string) Branch {
		return branch(pool, &fakeAdapter{result: result("out", 0, 8_000)})
	}

	o := New()
	_, err := o.Run(context.Background(),
		Config{Strategy: BestOfN, TotalBudgetMicro: 22_000},
		provider.Request{},
		[]Branch{mk("pool-a"), mk("pool-b"), mk("pool-c")})
	require.Error(t, err)
	assert.Equal(t, errcode.BudgetExceeded, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "Ensemble budget exceeded")
}

func TestPerModelCapClampsAndRecordsOverrun(t *testing.T) {
	capped := &fakeAdapter{result: result("way too long", 0, 2_000)}
	ok := &fakeAdapter{result: result("short", 0, 100)}

	b := branch("pool-capped", capped)
	b.BudgetMicro = 1_000

	o := New()
	run, err := o.Run(context.Background(), Config{Strategy: BestOfN},
		provider.Request{},
		[]Branch{b, branch("pool-ok", ok)})
	require.NoError(t, err)

	capped.mu.Lock()
	assert.Equal(t, 1_000, capped.lastReq.Options.MaxTokens, "output ceiling derived from the per-model cap")
	capped.mu.Unlock()

	byPool := map[string]BranchResult{}
	for _, r := range run.Branches {
		byPool[r.PoolID] = r
	}
	over := byPool["pool-capped"]
	assert.True(t, over.OverBudget)
	assert.Error(t, over.Err)
	assert.Equal(t, money.Micro(2_000), over.CostMicro, "overrun cost is still recorded")
	assert.Nil(t, over.Result)

	assert.Equal(t, "pool-ok", run.WinnerPool)
	assert.Equal(t, money.Micro(2_100), run.TotalCostMicro)
}

func TestConsensusFieldMajority(t *testing.T) {
	mk := func(pool, content string) Branch {
		return branch(pool, &fakeAdapter{result: result(content, 10, 10)})
	}

	o := New()
	run, err := o.Run(context.Background(), Config{Strategy: Consensus},
		provider.Request{},
		[]Branch{
			mk("pool-a", `{"x": 1, "y": 2}`),
			mk("pool-b", `{"x": 1, "y": 3}`),
			mk("pool-c", `{"x": 2, "y": 3}`),
		})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y":3}`, run.Winner.Content)
	assert.Equal(t, "consensus(fake-1,fake-1,fake-1)", run.Winner.Model)
	assert.Equal(t, 30, run.Winner.Usage.PromptTokens, "member usage is summed")
	assert.Equal(t, money.Micro(60), run.TotalCostMicro)
}

func TestConsensusTieKeepsFirstVote(t *testing.T) {
	mk := func(pool, content string) Branch {
		return branch(pool, &fakeAdapter{result: result(content, 1, 1)})
	}

	o := New()
	run, err := o.Run(context.Background(), Config{Strategy: Consensus},
		provider.Request{},
		[]Branch{
			mk("pool-a", `{"x": 1}`),
			mk("pool-b", `{"x": 2}`),
		})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, run.Winner.Content, "one-one tie resolves to the earlier vote")
}

func TestConsensusNonJSONFallsBackToFirstSuccess(t *testing.T) {
	o := New()
	run, err := o.Run(context.Background(), Config{Strategy: Consensus},
		provider.Request{},
		[]Branch{
			branch("pool-a", &fakeAdapter{err: errors.New("boom")}),
			branch("pool-b", &fakeAdapter{result: result("plain prose, not JSON", 5, 5)}),
			branch("pool-c", &fakeAdapter{result: result("more prose", 5, 5)}),
		})
	require.NoError(t, err)
	assert.Equal(t, "plain prose, not JSON", run.Winner.Content, "first successful branch verbatim")
	assert.Equal(t, "pool-b", run.WinnerPool)
}

func TestStreamFirstComplete(t *testing.T) {
	usage := provider.Usage{PromptTokens: 40, CompletionTokens: 12}
	fast := &fakeAdapter{chunkDelay: 2 * time.Millisecond, chunks: []provider.Chunk{
		{Type: provider.ChunkText, Text: "hel"},
		{Type: provider.ChunkText, Text: "lo"},
		{Type: provider.ChunkDone, Usage: &usage},
	}}
	slow := &fakeAdapter{chunkDelay: time.Second, chunks: []provider.Chunk{
		{Type: provider.ChunkText, Text: "never seen"},
	}}

	o := New()
	run, err := o.StreamFirstComplete(context.Background(), Config{}, provider.Request{},
		[]Branch{branch("pool-fast", fast), branch("pool-slow", slow)})
	require.NoError(t, err)
	defer run.Close()

	assert.Equal(t, "pool-fast", run.WinnerPool)

	var text strings.Builder
	for {
		chunk, err := run.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if chunk.Type == provider.ChunkText {
			text.WriteString(chunk.Text)
		}
	}
	assert.Equal(t, "hello", text.String())

	results := run.Branches()
	byPool := map[string]BranchResult{}
	for _, r := range results {
		byPool[r.PoolID] = r
	}
	assert.Equal(t, money.Micro(52), byPool["pool-fast"].CostMicro, "winner settles on reported usage")
	assert.True(t, byPool["pool-slow"].Cancelled)
	assert.Equal(t, money.Micro(52), run.TotalCostMicro())
}

func TestStreamFirstCompleteAllFailed(t *testing.T) {
	o := New()
	_, err := o.StreamFirstComplete(context.Background(), Config{}, provider.Request{},
		[]Branch{
			branch("pool-a", &fakeAdapter{err: errors.New("boom a")}),
			branch("pool-b", &fakeAdapter{err: errors.New("boom b")}),
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool-a: boom a")
	assert.Contains(t, err.Error(), "pool-b: boom b")
}

func TestEstimateTokensOvercounts(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(0))
	assert.Equal(t, 1, estimateTokens(1))
	assert.Equal(t, 1, estimateTokens(4))
	assert.Equal(t, 2, estimateTokens(5))
}

func TestUnknownStrategy(t *testing.T) {
	o := New()
	_, err := o.Run(context.Background(), Config{Strategy: "quorum"}, provider.Request{},
		[]Branch{branch("pool-a", &fakeAdapter{result: result("x", 1, 1)})})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}
