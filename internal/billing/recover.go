package billing

import (
	"encoding/json"
	"fmt"

	"github.com/omnigate/backend/internal/ledger"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/wal"
)

// Recover replays the WAL, rebuilding the in-memory entry map and
// re-posting ledger entries. Ledger appends are idempotent, so recovery
// after a crash between WAL append and mirror update converges on the
// state the WAL describes. Returns the number of envelopes applied.
func (m *Machine) Recover() (int, error) {
	applied := 0
	err := m.wal.Replay(func(env wal.Envelope) error {
		var p walPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("wal replay offset %d: decode payload: %w", env.Offset, err)
		}
		if err := m.applyRecovered(env, p); err != nil {
			return err
		}
		applied++
		return nil
	})
	if err != nil {
		return applied, err
	}
	m.logger.Printf("recovered %d wal envelope(s)", applied)
	return applied, nil
}

func (m *Machine) applyRecovered(env wal.Envelope, p walPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	amount, err := money.ParseMicro(p.AmountMicro)
	if err != nil && p.AmountMicro != "" {
		return fmt.Errorf("wal replay offset %d: %w", env.Offset, err)
	}

	switch env.EventType {
	case ledger.EventReserve:
		if err := m.ledger.Append(ledger.Entry{
			BillingEntryID: env.BillingEntryID,
			EventType:      ledger.EventReserve,
			CorrelationID:  env.CorrelationID,
			Postings:       ledger.ReservePostings(p.AccountID, amount),
			ExchangeRate:   p.ExchangeRate,
			WALOffset:      env.Offset,
		}); err != nil {
			return err
		}
		m.entries[env.BillingEntryID] = &Entry{
			ID:                   env.BillingEntryID,
			CorrelationID:        env.CorrelationID,
			State:                StateReserveHeld,
			AccountID:            p.AccountID,
			EstimatedCost:        amount,
			ExchangeRateSnapshot: p.ExchangeRate,
			CreatedAt:            env.Timestamp,
			UpdatedAt:            env.Timestamp,
			WALOffset:            env.Offset,
			EnsembleID:           p.EnsembleID,
		}

	case ledger.EventCommit:
		e, ok := m.entries[env.BillingEntryID]
		if !ok {
			return fmt.Errorf("wal replay offset %d: commit for unknown entry %s", env.Offset, env.BillingEntryID)
		}
		if err := m.ledger.Append(ledger.Entry{
			BillingEntryID: env.BillingEntryID,
			EventType:      ledger.EventCommit,
			CorrelationID:  env.CorrelationID,
			Postings:       ledger.CommitPostings(e.AccountID, e.EstimatedCost, amount),
			ExchangeRate:   e.ExchangeRateSnapshot,
			WALOffset:      env.Offset,
		}); err != nil {
			return err
		}
		e.State = StateFinalizePending
		e.ActualCost = &amount
		e.WALOffset = env.Offset
		e.UpdatedAt = env.Timestamp

	case ledger.EventRelease:
		e, ok := m.entries[env.BillingEntryID]
		if !ok {
			return fmt.Errorf("wal replay offset %d: release for unknown entry %s", env.Offset, env.BillingEntryID)
		}
		if err := m.ledger.Append(ledger.Entry{
			BillingEntryID: env.BillingEntryID,
			EventType:      ledger.EventRelease,
			CorrelationID:  env.CorrelationID,
			Postings:       ledger.ReleasePostings(e.AccountID, e.EstimatedCost),
			WALOffset:      env.Offset,
		}); err != nil {
			return err
		}
		e.State = StateReleased
		e.ReleaseReason = p.ReleaseReason
		e.WALOffset = env.Offset
		e.UpdatedAt = env.Timestamp

	case ledger.EventVoid:
		e, ok := m.entries[env.BillingEntryID]
		if !ok {
			return fmt.Errorf("wal replay offset %d: void for unknown entry %s", env.Offset, env.BillingEntryID)
		}
		if p.From == StateCommitted.String() && amount > 0 {
			if err := m.ledger.Append(ledger.Entry{
				BillingEntryID: env.BillingEntryID,
				EventType:      ledger.EventVoid,
				CorrelationID:  env.CorrelationID,
				Postings:       ledger.VoidPostings(e.AccountID, amount),
				WALOffset:      env.Offset,
			}); err != nil {
				return err
			}
		}
		e.State = StateVoided
		e.WALOffset = env.Offset
		e.UpdatedAt = env.Timestamp

	case "finalize_acked", "manual_finalize":
		if e, ok := m.entries[env.BillingEntryID]; ok {
			e.State = StateFinalizeAcked
			e.WALOffset = env.Offset
			e.UpdatedAt = env.Timestamp
		}

	case "finalize_failed":
		if e, ok := m.entries[env.BillingEntryID]; ok {
			e.State = StateFinalizeFailed
			e.WALOffset = env.Offset
			e.UpdatedAt = env.Timestamp
		}

	default:
		// Unknown event types are preserved in the WAL but not applied;
		// a newer schema may understand them.
		m.logger.Printf("wal replay: skipping unknown event type %q at offset %d", env.EventType, env.Offset)
	}
	return nil
}
