package billing

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/omnigate/backend/internal/money"
)

// Settler is the external billing service surface the worker needs.
// Defined here to avoid an import cycle with the settlement package.
type Settler interface {
	Settle(ctx context.Context, reservationID string, actual money.Micro, accountID string) error
}

// DeadLetter receives entries whose first settlement attempt failed; the
// DLQ's replay worker owns all further retries.
type DeadLetter interface {
	Push(ctx context.Context, reservationID, reason string, responseStatus *int, payload json.RawMessage, nextAttempt time.Time) error
}

// Worker drives first-pass external settlement for FINALIZE_PENDING
// entries. Success acks the entry; failure hands it to the DLQ and never
// blocks the caller's critical path.
type Worker struct {
	machine  *Machine
	settler  Settler
	dlq      DeadLetter
	interval time.Duration
	backoff  time.Duration
	logger   *log.Logger
}

// NewWorker wires a settlement worker.
func NewWorker(m *Machine, s Settler, d DeadLetter, interval, retryBackoff time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Minute
	}
	return &Worker{
		machine:  m,
		settler:  s,
		dlq:      d,
		interval: interval,
		backoff:  retryBackoff,
		logger:   log.New(log.Writer(), "[SETTLE] ", log.LstdFlags),
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
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over pending entries. Exported so tests and the
// startup sequence can drive it synchronously.
func (w *Worker) Sweep(ctx context.Context) {
	for _, e := range w.machine.Pending() {
		if e.FinalizeAttempts > 0 {
			// Already in the DLQ's hands.
			continue
		}
		w.settleOne(ctx, e)
	}
}

func (w *Worker) settleOne(ctx context.Context, e *Entry) {
	var actual money.Micro
	if e.ActualCost != nil {
		actual = *e.ActualCost
	}

	err := w.settler.Settle(ctx, e.ID, actual, e.AccountID)
	if err == nil {
		if ackErr := w.machine.MarkAcked(ctx, e.ID); ackErr != nil {
			w.logger.Printf("settled %s but ack failed: %v", e.ID, ackErr)
		}
		return
	}
	if ctx.Err() != nil {
		// Cancellation is not a settlement failure.
		return
	}

	attempts, _ := w.machine.IncrementFinalizeAttempts(e.ID)
	w.logger.Printf("settlement of %s failed (attempt %d): %v", e.ID, attempts, err)

	payload, _ := json.Marshal(map[string]string{
		"reservation_id":    e.ID,
		"account_id":        e.AccountID,
		"actual_cost_micro": actual.WireString(),
		"correlation_id":    e.CorrelationID,
	})
	var status *int
	if coded, ok := err.(interface{ StatusCode() int }); ok {
		s := coded.StatusCode()
		status = &s
	}
	if pushErr := w.dlq.Push(ctx, e.ID, err.Error(), status, payload, time.Now().Add(w.backoff)); pushErr != nil {
		w.logger.Printf("dlq push for %s failed: %v", e.ID, pushErr)
	}
}
