// Package dlq is the durable dead-letter queue for reservations whose
// external settlement has not succeeded. Entries are retried on a schedule
// under a claim lock; exhausted entries drop to a terminal keyspace that
// keeps a seven-day audit trail.
package dlq

import (
	"context"
	"encoding/json"
	"time"
)

// Keyspace layout for a reservation rid:
//
//	dlq:entry:<rid>    JSON payload, TTL (max_retries × 10 min) + 1 h
//	dlq:schedule       sorted set, score = next_attempt_at (ms), member = rid
//	dlq:lock:<rid>     claim lock, TTL 60 s
//	dlq:terminal:<rid> audit trail for dropped entries, TTL 7 d
const (
	entryKeyPrefix    = "dlq:entry:"
	scheduleKey       = "dlq:schedule"
	lockKeyPrefix     = "dlq:lock:"
	terminalKeyPrefix = "dlq:terminal:"

	// LockTTL bounds how long a crashed worker can hold a claim.
	LockTTL = 60 * time.Second

	// TerminalTTL is the audit window for dropped entries.
	TerminalTTL = 7 * 24 * time.Hour
)

// EntryTTL derives the payload TTL from the configured retry ceiling.
func EntryTTL(maxRetries int) time.Duration {
	return time.Duration(maxRetries)*10*time.Minute + time.Hour
}

// Entry is one dead-lettered settlement.
type Entry struct {
	ReservationID  string          `json:"reservation_id"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	Reason         string          `json:"reason"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
}

// PersistenceStatus is the result of the startup durability self-check.
type PersistenceStatus string

const (
	PersistenceVerified        PersistenceStatus = "verified"
	PersistenceNotEnabled      PersistenceStatus = "not-enabled"
	PersistenceCheckRestricted PersistenceStatus = "check-restricted"
)

// Store is the DLQ surface. Every mutating operation is a single atomic
// multi-key transaction in the backing store.
type Store interface {
	// Upsert inserts the entry. If a payload already exists it instead
	// increments attempt_count and refreshes next_attempt_at, reason and
	// response_status, then upserts the schedule member.
	Upsert(ctx context.Context, e Entry) error
	// Delete removes payload, schedule member and lock in one step.
	Delete(ctx context.Context, rid string) error
	// IncrementAttempt bumps attempt_count and reschedules.
	IncrementAttempt(ctx context.Context, rid string, nextAt time.Time) (int, error)
	// TerminalDrop moves the payload to the terminal keyspace and clears
	// all active keys.
	TerminalDrop(ctx context.Context, rid string) error
	// GetReady returns entries whose next_attempt_at ≤ now, up to limit.
	// A scheduled rid whose payload expired is repaired (schedule member
	// removed, warning logged) on the same call.
	GetReady(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// ClaimForReplay takes the claim lock; false means another worker
	// holds it.
	ClaimForReplay(ctx context.Context, rid string) (bool, error)
	// ReleaseClaim drops the claim lock.
	ReleaseClaim(ctx context.Context, rid string) error
	// Get fetches one active entry.
	Get(ctx context.Context, rid string) (*Entry, bool, error)
	// Depth returns the number of scheduled entries, for metrics.
	Depth(ctx context.Context) (int64, error)
	// CheckPersistence asks the backing store whether append-only
	// durability is enabled. Never returns an error: managed stores may
	// forbid the probe, which maps to check-restricted.
	CheckPersistence(ctx context.Context) PersistenceStatus
}

// Pusher adapts a Store to the billing worker's DeadLetter interface.
type Pusher struct {
	Store Store
}

// Push records a first failed settlement attempt for rid.
func (p Pusher) Push(ctx context.Context, rid, reason string, responseStatus *int, payload json.RawMessage, nextAttempt time.Time) error {
	return p.Store.Upsert(ctx, Entry{
		ReservationID:  rid,
		AttemptCount:   1,
		NextAttemptAt:  nextAttempt,
		Reason:         reason,
		ResponseStatus: responseStatus,
		Payload:        payload,
	})
}

func entryKey(rid string) string    { return entryKeyPrefix + rid }
func lockKey(rid string) string     { return lockKeyPrefix + rid }
func terminalKey(rid string) string { return terminalKeyPrefix + rid }
