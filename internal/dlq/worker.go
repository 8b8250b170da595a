package dlq

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/omnigate/backend/internal/money"
)

// Settler re-attempts external settlement for a dead-lettered reservation.
// Defined here to avoid an import cycle with the settlement package.
type Settler interface {
	Settle(ctx context.Context, reservationID string, actual money.Micro, accountID string) error
}

// Finalizer is the slice of the billing machine the worker drives.
type Finalizer interface {
	MarkAcked(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	IncrementFinalizeAttempts(id string) (int, error)
}

// replayPayload mirrors what the billing worker serializes on push.
type replayPayload struct {
	ReservationID   string `json:"reservation_id"`
	AccountID       string `json:"account_id"`
	ActualCostMicro string `json:"actual_cost_micro"`
	CorrelationID   string `json:"correlation_id"`
}

// Worker drains ready DLQ entries under claim locks. One reservation is
// only ever replayed by one worker at a time; everything else is
// coordinated through the store's atomic operations.
type Worker struct {
	store      Store
	settler    Settler
	finalizer  Finalizer
	interval   time.Duration
	retryDelay time.Duration
	maxRetries int
	batchSize  int
	logger     *log.Logger
}

// WorkerConfig tunes the replay loop.
type WorkerConfig struct {
	Interval   time.Duration // poll period, default 30 s
	RetryDelay time.Duration // schedule push-out per failure, default 10 min
	MaxRetries int           // terminal drop threshold, default 5
	BatchSize  int           // max entries per sweep, default 50
}

// NewWorker builds a replay worker.
func NewWorker(store Store, settler Settler, finalizer Finalizer, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Worker{
		store:      store,
		settler:    settler,
		finalizer:  finalizer,
		interval:   cfg.Interval,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		batchSize:  cfg.BatchSize,
		logger:     log.New(log.Writer(), "[DLQ-REPLAY] ", log.LstdFlags),
	}
}

// Run loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx, time.Now())
		}
	}
}

// Sweep replays one batch of ready entries. Exported for tests and the
// operator CLI.
func (w *Worker) Sweep(ctx context.Context, now time.Time) {
	ready, err := w.store.GetReady(ctx, now, w.batchSize)
	if err != nil {
		w.logger.Printf("schedule scan failed: %v", err)
		return
	}

	for _, e := range ready {
		if ctx.Err() != nil {
			return
		}
		w.replayOne(ctx, e)
	}
}

func (w *Worker) replayOne(ctx context.Context, e Entry) {
	rid := e.ReservationID

	claimed, err := w.store.ClaimForReplay(ctx, rid)
	if err != nil {
		w.logger.Printf("claim %s failed: %v", rid, err)
		return
	}
	if !claimed {
		// Another worker holds this reservation.
		return
	}
	defer func() {
		if err := w.store.ReleaseClaim(ctx, rid); err != nil {
			w.logger.Printf("release claim %s failed: %v", rid, err)
		}
	}()

	var p replayPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		w.logger.Printf("undecodable payload for %s, dropping to terminal: %v", rid, err)
		w.drop(ctx, rid)
		return
	}
	actual, err := money.ParseMicro(p.ActualCostMicro)
	if err != nil {
		w.logger.Printf("bad amount in %s, dropping to terminal: %v", rid, err)
		w.drop(ctx, rid)
		return
	}

	settleErr := w.settler.Settle(ctx, rid, actual, p.AccountID)
	if settleErr == nil {
		if err := w.store.Delete(ctx, rid); err != nil {
			w.logger.Printf("delete %s after settle failed: %v", rid, err)
		}
		if err := w.finalizer.MarkAcked(ctx, rid); err != nil {
			w.logger.Printf("ack %s failed: %v", rid, err)
		}
		w.logger.Printf("replayed %s after %d attempt(s)", rid, e.AttemptCount)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if _, err := w.finalizer.IncrementFinalizeAttempts(rid); err != nil {
		w.logger.Printf("attempt counter for %s: %v", rid, err)
	}

	if e.AttemptCount+1 >= w.maxRetries {
		w.logger.Printf("retries exhausted for %s (%d), terminal drop: %v", rid, e.AttemptCount+1, settleErr)
		w.drop(ctx, rid)
		return
	}

	if _, err := w.store.IncrementAttempt(ctx, rid, time.Now().Add(w.retryDelay)); err != nil {
		w.logger.Printf("reschedule %s failed: %v", rid, err)
	}
}

func (w *Worker) drop(ctx context.Context, rid string) {
	if err := w.store.TerminalDrop(ctx, rid); err != nil {
		w.logger.Printf("terminal drop %s failed: %v", rid, err)
		return
	}
	if err := w.finalizer.MarkFailed(ctx, rid); err != nil {
		w.logger.Printf("mark failed %s: %v", rid, err)
	}
}
