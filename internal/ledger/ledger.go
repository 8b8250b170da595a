// Package ledger is the gateway's double-entry accounting truth. Entries
// are append-only forever; balances are always a pure function of the entry
// log and are never stored. Every entry must sum to exactly zero per
// denomination or the append is rejected.
package ledger

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/omnigate/backend/internal/ids"
	"github.com/omnigate/backend/internal/money"
)

// Account key grammar. Keys are flat strings; no hierarchical traversal.
const (
	AccountRevenue = "system:revenue"
	AccountRefunds = "system:refunds"
)

// AccountAvailable returns the spendable account key for a user.
func AccountAvailable(userID string) string { return "user:" + userID + ":available" }

// AccountHeld returns the reservation-hold account key for a user.
func AccountHeld(userID string) string { return "user:" + userID + ":held" }

// Posting moves delta micro-USD on one account. A negative delta on
// system:revenue is supply injection (the provider's debt).
type Posting struct {
	Account string      `json:"account"`
	Delta   money.Micro `json:"delta"`
	Denom   string      `json:"denom"`
	// Rounding records the direction applied when the posting converted
	// denominations at an exchange rate. Empty when no conversion happened.
	Rounding string `json:"rounding,omitempty"`
}

// Entry is one immutable ledger event.
type Entry struct {
	BillingEntryID string    `json:"billing_entry_id"`
	EventType      string    `json:"event_type"`
	CorrelationID  string    `json:"correlation_id"`
	Postings       []Posting `json:"postings"`
	ExchangeRate   string    `json:"exchange_rate,omitempty"`
	WALOffset      int64     `json:"wal_offset"`
	Timestamp      time.Time `json:"timestamp"`
}

// Error reports why an entry was rejected, with the per-denomination
// imbalance detail that operators grep for.
type Error struct {
	BillingEntryID string
	Reason         string
	Imbalance      map[string]money.Micro
}

func (e *Error) Error() string {
	if len(e.Imbalance) > 0 {
		return fmt.Sprintf("ledger entry %s rejected: %s (imbalance: %v)", e.BillingEntryID, e.Reason, e.Imbalance)
	}
	return fmt.Sprintf("ledger entry %s rejected: %s", e.BillingEntryID, e.Reason)
}

// Ledger is the append-only log. Single writer, many readers; readers fold
// over a snapshot of the sequence.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	seen    map[string]struct{} // billing_entry_id + "/" + event_type
	logger  *log.Logger
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		seen:   make(map[string]struct{}),
		logger: log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}
}

// Append validates and appends one entry. Replaying an entry with the same
// billing_entry_id and event_type is a no-op: the entry count and every
// derived balance are unchanged.
func (l *Ledger) Append(e Entry) error {
	if err := ids.Validate(e.BillingEntryID); err != nil {
		return &Error{BillingEntryID: e.BillingEntryID, Reason: fmt.Sprintf("non-conforming id: %v", err)}
	}
	if e.EventType == "" {
		return &Error{BillingEntryID: e.BillingEntryID, Reason: "empty event_type"}
	}
	if len(e.Postings) == 0 {
		return &Error{BillingEntryID: e.BillingEntryID, Reason: "empty postings"}
	}

	sums := make(map[string]money.Micro)
	for _, p := range e.Postings {
		if p.Account == "" {
			return &Error{BillingEntryID: e.BillingEntryID, Reason: "posting with empty account"}
		}
		denom := p.Denom
		if denom == "" {
			denom = money.Denom
		}
		sums[denom] += p.Delta
	}
	for denom, sum := range sums {
		if sum != 0 {
			imbalance := map[string]money.Micro{}
			for d, s := range sums {
				if s != 0 {
					imbalance[d] = s
				}
			}
			return &Error{
				BillingEntryID: e.BillingEntryID,
				Reason:         fmt.Sprintf("postings do not sum to zero for denom %q", denom),
				Imbalance:      imbalance,
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dedupeKey := e.BillingEntryID + "/" + e.EventType
	if _, dup := l.seen[dedupeKey]; dup {
		l.logger.Printf("replay of %s ignored (idempotent)", dedupeKey)
		return nil
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.entries = append(l.entries, e)
	l.seen[dedupeKey] = struct{}{}
	return nil
}

// EntryCount returns the number of appended entries.
func (l *Ledger) EntryCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a snapshot copy of the log in append order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// DeriveBalance folds the log left-to-right summing signed deltas for one
// account in the default denomination.
func (l *Ledger) DeriveBalance(account string) money.Micro {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sum money.Micro
	for _, e := range l.entries {
		for _, p := range e.Postings {
			if p.Account == account && (p.Denom == "" || p.Denom == money.Denom) {
				sum += p.Delta
			}
		}
	}
	return sum
}

// DeriveAllBalances returns the full account→balance map for the default
// denomination. Accounts that net to zero still appear if they were touched.
func (l *Ledger) DeriveAllBalances() map[string]money.Micro {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]money.Micro)
	for _, e := range l.entries {
		for _, p := range e.Postings {
			if p.Denom == "" || p.Denom == money.Denom {
				out[p.Account] += p.Delta
			}
		}
	}
	return out
}
