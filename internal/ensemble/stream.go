package ensemble

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/omnigate/backend/internal/ids"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/pricing"
	"github.com/omnigate/backend/internal/provider"
)

// estimateTokens approximates token usage from raw text when a cancelled
// branch never reported real usage. One token per four characters,
// deliberately rounded up so estimates overcount rather than undercount.
func estimateTokens(textLen int) int {
	return (textLen + 3) / 4
}

// StreamRun is a live streaming ensemble. Chunks come from the winner via
// Next; Branches blocks until every loser has been accounted for and is
// normally read after the stream ends.
type StreamRun struct {
	EnsembleID string
	WinnerPool string

	stream     provider.Stream
	firstChunk *provider.Chunk
	pricing    pricing.Entry
	cancelAll  context.CancelFunc

	wg      *sync.WaitGroup
	results []BranchResult

	mu        sync.Mutex
	usage     provider.Usage
	winnerIdx int
	closed    bool
}

// Next yields the next winner chunk. The chunk that decided the race is
// replayed first; everything after comes straight off the winner's
// provider stream.
func (s *StreamRun) Next() (provider.Chunk, error) {
	s.mu.Lock()
	if s.firstChunk != nil {
		chunk := *s.firstChunk
		s.firstChunk = nil
		s.mu.Unlock()
		return chunk, nil
	}
	s.mu.Unlock()

	chunk, err := s.stream.Next()
	if err != nil {
		return provider.Chunk{}, err
	}
	if chunk.Type == provider.ChunkDone && chunk.Usage != nil {
		s.mu.Lock()
		s.usage = *chunk.Usage
		s.mu.Unlock()
	}
	return chunk, nil
}

// Close cancels every remaining branch and releases the winner stream.
func (s *StreamRun) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelAll()
	return s.stream.Close()
}

// Branches waits for every branch to settle and returns the per-branch
// accounting, winner included. The winner's cost uses the final usage
// reported on its done chunk; call after draining the stream.
func (s *StreamRun) Branches() []BranchResult {
	s.wg.Wait()

	s.mu.Lock()
	usage := s.usage
	s.mu.Unlock()

	w := &s.results[s.winnerIdx]
	if w.Result == nil {
		w.Result = &provider.Result{Usage: usage}
	}
	cost := pricing.Cost(usage.PromptTokens, usage.CompletionTokens, usage.ReasoningTokens, s.pricing)
	w.CostMicro = cost.TotalCostMicro
	return s.results
}

// TotalCostMicro sums branch costs, the winner's settled usage plus the
// losers' overcount estimates.
func (s *StreamRun) TotalCostMicro() money.Micro {
	var total money.Micro
	for _, r := range s.Branches() {
		total += r.CostMicro
	}
	return total
}

// StreamFirstComplete races branches as streams and hands the caller the
// first one to produce a content-bearing chunk. Losers are cancelled the
// moment a winner latches; their cost is estimated from whatever text they
// had streamed. Blocks until a winner latches or every branch fails.
func (o *Orchestrator) StreamFirstComplete(ctx context.Context, cfg Config, req provider.Request, branches []Branch) (*StreamRun, error) {
	if len(branches) == 0 {
		return nil, io.EOF
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 2 * time.Minute
	}

	parent, cancelAll := context.WithTimeout(ctx, cfg.TotalTimeout)

	type handoff struct {
		idx    int
		stream provider.Stream
		first  provider.Chunk
	}

	var (
		wg       sync.WaitGroup
		latch    sync.Mutex
		won      bool
		winnerCh = make(chan handoff, 1)
		results  = make([]BranchResult, len(branches))
		cancels  = make([]context.CancelFunc, len(branches))
	)

	claim := func() bool {
		latch.Lock()
		defer latch.Unlock()
		if won {
			return false
		}
		won = true
		return true
	}

	for i, b := range branches {
		branchCtx, branchCancel := context.WithCancel(parent)
		cancels[i] = branchCancel

		wg.Add(1)
		go func(i int, b Branch, branchCtx context.Context) {
			defer wg.Done()

			out := BranchResult{PoolID: b.PoolID, Model: b.Model}

			branchReq := req
			branchReq.Model = b.Model
			if b.BudgetMicro > 0 {
				ceiling := pricing.MaxOutputTokens(b.BudgetMicro, b.Pricing)
				if branchReq.Options.MaxTokens <= 0 || ceiling < branchReq.Options.MaxTokens {
					branchReq.Options.MaxTokens = ceiling
				}
			}

			stream, err := b.Adapter.Stream(branchCtx, branchReq)
			if err != nil {
				out.Err = err
				out.Cancelled = branchCtx.Err() != nil
				results[i] = out
				return
			}

			textLen := 0
			for {
				chunk, err := stream.Next()
				if err != nil {
					stream.Close()
					if err != io.EOF {
						out.Err = err
					} else {
						out.Err = io.ErrUnexpectedEOF
					}
					out.Cancelled = branchCtx.Err() != nil
					if textLen > 0 {
						// Partial output from a cancelled loser still cost
						// real tokens upstream; estimate on the high side.
						est := estimateTokens(textLen)
						cost := pricing.Cost(0, est, 0, b.Pricing)
						out.CostMicro = cost.TotalCostMicro
						out.Estimated = true
					}
					results[i] = out
					return
				}

				if chunk.ContentBearing() && claim() {
					// Winner. Hand the stream over; the consumer pulls the
					// rest. Everyone else gets cancelled by the main loop.
					results[i] = out
					winnerCh <- handoff{idx: i, stream: stream, first: chunk}
					return
				}

				if chunk.Type == provider.ChunkText {
					textLen += len(chunk.Text)
				}
			}
		}(i, b, branchCtx)
	}

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	var h handoff
	select {
	case h = <-winnerCh:
	case <-settled:
		// Every goroutine finished; a winner may still have latched in the
		// same instant. Drain before declaring total failure.
		select {
		case h = <-winnerCh:
		default:
			cancelAll()
			return nil, branchFailureSummary(results)
		}
	}

	for i, cancel := range cancels {
		if i != h.idx {
			cancel()
		}
	}
	ensembleID := cfg.EnsembleID
	if ensembleID == "" {
		ensembleID = ids.New()
	}
	run := &StreamRun{
		EnsembleID: ensembleID,
		WinnerPool: branches[h.idx].PoolID,
		stream:     h.stream,
		firstChunk: &h.first,
		pricing:    branches[h.idx].Pricing,
		cancelAll:  cancelAll,
		wg:         &wg,
		results:    results,
		winnerIdx:  h.idx,
	}
	o.logger.Printf("streaming first_complete winner %s for ensemble %s", run.WinnerPool, run.EnsembleID)
	return run, nil
}
