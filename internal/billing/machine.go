package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/omnigate/backend/internal/ids"
	"github.com/omnigate/backend/internal/ledger"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/wal"
)

// Entry is the state machine's subject: one reservation's billing record.
type Entry struct {
	ID                   string       `json:"billing_entry_id"`
	CorrelationID        string       `json:"correlation_id"`
	State                State        `json:"state"`
	AccountID            string       `json:"account_id"`
	EstimatedCost        money.Micro  `json:"estimated_cost"`
	ActualCost           *money.Micro `json:"actual_cost"`
	ExchangeRateSnapshot string       `json:"exchange_rate_snapshot"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
	WALOffset            int64        `json:"wal_offset"`
	FinalizeAttempts     int          `json:"finalize_attempts"`
	ReleaseReason        string       `json:"release_reason,omitempty"`
	EnsembleID           string       `json:"ensemble_id,omitempty"`
}

func (e *Entry) clone() *Entry {
	out := *e
	if e.ActualCost != nil {
		v := *e.ActualCost
		out.ActualCost = &v
	}
	return &out
}

// walPayload is the journaled body for each state change.
type walPayload struct {
	From          string `json:"from"`
	To            string `json:"to"`
	AccountID     string `json:"account_id"`
	AmountMicro   string `json:"amount_micro"`
	ExchangeRate  string `json:"exchange_rate,omitempty"`
	ReleaseReason string `json:"release_reason,omitempty"`
	EnsembleID    string `json:"ensemble_id,omitempty"`
}

// Machine drives billing entries through their lifecycle. Ordering per
// transition: WAL append, then ledger posting, then in-memory mutation.
type Machine struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	ledger *ledger.Ledger
	wal    wal.Log
	logger *log.Logger

	// onTransition is an optional metrics hook.
	onTransition func(from, to State)
}

// NewMachine wires a machine to its ledger and WAL.
func NewMachine(l *ledger.Ledger, w wal.Log) *Machine {
	return &Machine{
		entries: make(map[string]*Entry),
		ledger:  l,
		wal:     w,
		logger:  log.New(log.Writer(), "[BILLING] ", log.LstdFlags),
	}
}

// SetTransitionHook registers a callback invoked after every successful
// state change. Used by the metrics layer.
func (m *Machine) SetTransitionHook(fn func(from, to State)) {
	m.onTransition = fn
}

// Reserve creates a new entry in RESERVE_HELD, posting the hold to the
// ledger. The exchange-rate snapshot freezes here for the entry's lifetime.
func (m *Machine) Reserve(ctx context.Context, accountID string, estimated money.Micro, correlationID, exchangeRate string) (*Entry, error) {
	return m.reserve(ctx, accountID, estimated, correlationID, exchangeRate, "")
}

// ReserveEnsemble reserves one branch of an ensemble run. Every branch of
// the run carries the same ensembleID, so settlement records can be
// grouped downstream.
func (m *Machine) ReserveEnsemble(ctx context.Context, accountID string, estimated money.Micro, correlationID, exchangeRate, ensembleID string) (*Entry, error) {
	return m.reserve(ctx, accountID, estimated, correlationID, exchangeRate, ensembleID)
}

func (m *Machine) reserve(ctx context.Context, accountID string, estimated money.Micro, correlationID, exchangeRate, ensembleID string) (*Entry, error) {
	if estimated <= 0 {
		return nil, fmt.Errorf("reserve: estimated cost must be positive, got %d", estimated)
	}

	id := ids.New()
	payload, _ := json.Marshal(walPayload{
		From:         StateIdle.String(),
		To:           StateReserveHeld.String(),
		AccountID:    accountID,
		AmountMicro:  estimated.WireString(),
		ExchangeRate: exchangeRate,
		EnsembleID:   ensembleID,
	})
	offset, err := m.wal.Append(ctx, ledger.EventReserve, id, correlationID, payload)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: wal append: %w", id, err)
	}

	if err := m.ledger.Append(ledger.Entry{
		BillingEntryID: id,
		EventType:      ledger.EventReserve,
		CorrelationID:  correlationID,
		Postings:       ledger.ReservePostings(accountID, estimated),
		ExchangeRate:   exchangeRate,
		WALOffset:      offset,
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &Entry{
		ID:                   id,
		CorrelationID:        correlationID,
		State:                StateReserveHeld,
		AccountID:            accountID,
		EstimatedCost:        estimated,
		ExchangeRateSnapshot: exchangeRate,
		CreatedAt:            now,
		UpdatedAt:            now,
		WALOffset:            offset,
		EnsembleID:           ensembleID,
	}

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	if m.onTransition != nil {
		m.onTransition(StateIdle, StateReserveHeld)
	}
	return e.clone(), nil
}

// Commit posts the actual cost and moves the entry to FINALIZE_PENDING.
// The exchange-rate snapshot frozen at reserve must arrive unchanged; a
// mismatch is rejected, never silently overwritten.
func (m *Machine) Commit(ctx context.Context, id string, actual money.Micro, exchangeRate string) error {
	if actual < 0 {
		return fmt.Errorf("commit %s: negative actual cost %d", id, actual)
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("commit: unknown billing entry %s", id)
	}
	if !transitionAllowed(e.State, StateFinalizePending) {
		cur := e.State
		m.mu.Unlock()
		return &StateError{EntryID: id, Current: cur, Attempted: StateFinalizePending}
	}
	if exchangeRate != "" && exchangeRate != e.ExchangeRateSnapshot {
		m.mu.Unlock()
		return fmt.Errorf("commit %s: exchange-rate snapshot is frozen at %q, got %q",
			id, e.ExchangeRateSnapshot, exchangeRate)
	}
	snapshot := e.ExchangeRateSnapshot
	reserved := e.EstimatedCost
	account := e.AccountID
	correlation := e.CorrelationID
	m.mu.Unlock()

	payload, _ := json.Marshal(walPayload{
		From:         StateReserveHeld.String(),
		To:           StateFinalizePending.String(),
		AccountID:    account,
		AmountMicro:  actual.WireString(),
		ExchangeRate: snapshot,
	})
	offset, err := m.wal.Append(ctx, ledger.EventCommit, id, correlation, payload)
	if err != nil {
		return fmt.Errorf("commit %s: wal append: %w", id, err)
	}

	if err := m.ledger.Append(ledger.Entry{
		BillingEntryID: id,
		EventType:      ledger.EventCommit,
		CorrelationID:  correlation,
		Postings:       ledger.CommitPostings(account, reserved, actual),
		ExchangeRate:   snapshot,
		WALOffset:      offset,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	e.State = StateFinalizePending
	e.ActualCost = &actual
	e.WALOffset = offset
	e.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if m.onTransition != nil {
		m.onTransition(StateReserveHeld, StateFinalizePending)
	}
	return nil
}

// Release undoes a held reservation (pre-stream failure, user cancel, or
// reserve expiry) and parks the entry in terminal RELEASED.
func (m *Machine) Release(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("release: unknown billing entry %s", id)
	}
	if !transitionAllowed(e.State, StateReleased) {
		cur := e.State
		m.mu.Unlock()
		return &StateError{EntryID: id, Current: cur, Attempted: StateReleased}
	}
	reserved := e.EstimatedCost
	account := e.AccountID
	correlation := e.CorrelationID
	m.mu.Unlock()

	payload, _ := json.Marshal(walPayload{
		From:          StateReserveHeld.String(),
		To:            StateReleased.String(),
		AccountID:     account,
		AmountMicro:   reserved.WireString(),
		ReleaseReason: reason,
	})
	offset, err := m.wal.Append(ctx, ledger.EventRelease, id, correlation, payload)
	if err != nil {
		return fmt.Errorf("release %s: wal append: %w", id, err)
	}

	if err := m.ledger.Append(ledger.Entry{
		BillingEntryID: id,
		EventType:      ledger.EventRelease,
		CorrelationID:  correlation,
		Postings:       ledger.ReleasePostings(account, reserved),
		WALOffset:      offset,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	e.State = StateReleased
	e.ReleaseReason = reason
	e.WALOffset = offset
	e.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if m.onTransition != nil {
		m.onTransition(StateReserveHeld, StateReleased)
	}
	m.logger.Printf("released %s (%s): %s back to %s", id, reason, reserved.WireString(), account)
	return nil
}

// MarkAcked records successful external settlement.
func (m *Machine) MarkAcked(ctx context.Context, id string) error {
	return m.transition(ctx, id, StateFinalizeAcked, "finalize_acked")
}

// MarkFailed records settlement retry exhaustion.
func (m *Machine) MarkFailed(ctx context.Context, id string) error {
	return m.transition(ctx, id, StateFinalizeFailed, "finalize_failed")
}

// ManualFinalize is the operator path FINALIZE_FAILED -> FINALIZE_ACKED.
func (m *Machine) ManualFinalize(ctx context.Context, id string) error {
	m.mu.RLock()
	e, ok := m.entries[id]
	var cur State
	if ok {
		cur = e.State
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("manual finalize: unknown billing entry %s", id)
	}
	if cur != StateFinalizeFailed {
		return &StateError{EntryID: id, Current: cur, Attempted: StateFinalizeAcked}
	}
	return m.transition(ctx, id, StateFinalizeAcked, "manual_finalize")
}

// Void is the operator reversal. From FINALIZE_FAILED it drops the entry
// without refund postings (the commit already settled locally, the remote
// never acked; dropping is an irrecoverable write-off). From COMMITTED it
// reverses the charge on the ledger.
func (m *Machine) Void(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("void: unknown billing entry %s", id)
	}
	if !transitionAllowed(e.State, StateVoided) {
		cur := e.State
		m.mu.Unlock()
		return &StateError{EntryID: id, Current: cur, Attempted: StateVoided}
	}
	from := e.State
	account := e.AccountID
	correlation := e.CorrelationID
	var amount money.Micro
	if e.ActualCost != nil {
		amount = *e.ActualCost
	}
	m.mu.Unlock()

	payload, _ := json.Marshal(walPayload{
		From:        from.String(),
		To:          StateVoided.String(),
		AccountID:   account,
		AmountMicro: amount.WireString(),
	})
	offset, err := m.wal.Append(ctx, ledger.EventVoid, id, correlation, payload)
	if err != nil {
		return fmt.Errorf("void %s: wal append: %w", id, err)
	}

	if from == StateCommitted && amount > 0 {
		if err := m.ledger.Append(ledger.Entry{
			BillingEntryID: id,
			EventType:      ledger.EventVoid,
			CorrelationID:  correlation,
			Postings:       ledger.VoidPostings(account, amount),
			WALOffset:      offset,
		}); err != nil {
			return err
		}
	}

	m.mu.Lock()
	e.State = StateVoided
	e.WALOffset = offset
	e.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if m.onTransition != nil {
		m.onTransition(from, StateVoided)
	}
	return nil
}

// transition journals and applies a money-neutral state change.
func (m *Machine) transition(ctx context.Context, id string, to State, eventType string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: unknown billing entry %s", eventType, id)
	}
	if !transitionAllowed(e.State, to) {
		cur := e.State
		m.mu.Unlock()
		return &StateError{EntryID: id, Current: cur, Attempted: to}
	}
	from := e.State
	correlation := e.CorrelationID
	account := e.AccountID
	m.mu.Unlock()

	payload, _ := json.Marshal(walPayload{From: from.String(), To: to.String(), AccountID: account})
	offset, err := m.wal.Append(ctx, eventType, id, correlation, payload)
	if err != nil {
		return fmt.Errorf("%s %s: wal append: %w", eventType, id, err)
	}

	m.mu.Lock()
	e.State = to
	e.WALOffset = offset
	e.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if m.onTransition != nil {
		m.onTransition(from, to)
	}
	return nil
}

// IncrementFinalizeAttempts bumps the retry counter. Monotone by
// construction: there is no decrement path.
func (m *Machine) IncrementFinalizeAttempts(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, fmt.Errorf("unknown billing entry %s", id)
	}
	e.FinalizeAttempts++
	e.UpdatedAt = time.Now().UTC()
	return e.FinalizeAttempts, nil
}

// Get returns a copy of the entry.
func (m *Machine) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Pending returns copies of all FINALIZE_PENDING entries in creation order.
func (m *Machine) Pending() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.State == StateFinalizePending {
			out = append(out, e.clone())
		}
	}
	sortEntries(out)
	return out
}

// PendingCount feeds the circuit breaker's reconciliation guard.
func (m *Machine) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.State == StateFinalizePending {
			n++
		}
	}
	return n
}

func sortEntries(entries []*Entry) {
	// IDs are time-prefixed, so lexicographic order is creation order.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].ID < entries[j-1].ID; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
