// Package wal provides the billing write-ahead log: an append-only sequence
// of state-change envelopes with per-entry CRC32 checksums. The WAL is
// appended before in-memory state mutates and before any mirror update;
// crash between the two is recovered by replaying the log at startup.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/omnigate/backend/internal/money"
)

// SchemaVersion is bumped when the envelope layout changes.
const SchemaVersion = 1

// Envelope wraps one state-change event. Checksum is CRC32 (IEEE) over the
// canonicalized payload bytes, so byte-for-byte verification survives
// re-serialization by intermediate tooling.
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	EventType      string          `json:"event_type"`
	BillingEntryID string          `json:"billing_entry_id"`
	CorrelationID  string          `json:"correlation_id"`
	Payload        json.RawMessage `json:"payload"`
	Checksum       uint32          `json:"checksum"`
	Timestamp      time.Time       `json:"timestamp"`
	Offset         int64           `json:"offset"`
}

// ComputeChecksum returns the CRC32 of the canonical form of payload.
func ComputeChecksum(payload json.RawMessage) (uint32, error) {
	canonical, err := money.CanonicalizeJSON(payload)
	if err != nil {
		return 0, fmt.Errorf("wal checksum: %w", err)
	}
	return crc32.ChecksumIEEE(canonical), nil
}

// Verify recomputes the envelope checksum and compares.
func (e *Envelope) Verify() error {
	sum, err := ComputeChecksum(e.Payload)
	if err != nil {
		return err
	}
	if sum != e.Checksum {
		return fmt.Errorf("wal entry %s at offset %d: checksum mismatch (stored %08x, computed %08x)",
			e.BillingEntryID, e.Offset, e.Checksum, sum)
	}
	return nil
}

// Log is the append/replay surface shared by the file-backed log and the
// in-memory log used in tests.
type Log interface {
	// Append seals the envelope (schema version, checksum, offset,
	// timestamp) and persists it, returning the assigned offset.
	Append(ctx context.Context, eventType, billingEntryID, correlationID string, payload json.RawMessage) (int64, error)
	// Replay calls fn for every entry in append order. A checksum failure
	// is reported through fn's error return path, never silently skipped.
	Replay(fn func(Envelope) error) error
	Close() error
}

func seal(eventType, billingEntryID, correlationID string, payload json.RawMessage, offset int64) (Envelope, error) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	sum, err := ComputeChecksum(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		SchemaVersion:  SchemaVersion,
		EventType:      eventType,
		BillingEntryID: billingEntryID,
		CorrelationID:  correlationID,
		Payload:        payload,
		Checksum:       sum,
		Timestamp:      time.Now().UTC(),
		Offset:         offset,
	}, nil
}

// =============================================================================
// File-backed log (JSONL)
// =============================================================================

// FileLog appends JSONL envelopes to a single file, fsyncing each append.
type FileLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
	next int64
}

// OpenFile opens (or creates) the log at path and counts existing entries
// to resume the offset sequence.
func OpenFile(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	l := &FileLog{f: f, path: path}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		l.next++
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("scan wal %s: %w", path, err)
	}
	return l, nil
}

func (l *FileLog) Append(ctx context.Context, eventType, billingEntryID, correlationID string, payload json.RawMessage) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	env, err := seal(eventType, billingEntryID, correlationID, payload, l.next)
	if err != nil {
		return 0, err
	}
	line, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal wal envelope: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append wal: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync wal: %w", err)
	}
	l.next++
	return env.Offset, nil
}

func (l *FileLog) Replay(fn func(Envelope) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			return fmt.Errorf("decode wal line: %w", err)
		}
		if err := env.Verify(); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// =============================================================================
// In-memory log (tests, redis-less dev fallback)
// =============================================================================

// MemoryLog keeps envelopes in a slice. Same semantics as FileLog minus
// durability.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Envelope
}

// NewMemory returns an empty in-memory log.
func NewMemory() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) Append(ctx context.Context, eventType, billingEntryID, correlationID string, payload json.RawMessage) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	env, err := seal(eventType, billingEntryID, correlationID, payload, int64(len(l.entries)))
	if err != nil {
		return 0, err
	}
	l.entries = append(l.entries, env)
	return env.Offset, nil
}

func (l *MemoryLog) Replay(fn func(Envelope) error) error {
	l.mu.Lock()
	snapshot := make([]Envelope, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, env := range snapshot {
		if err := env.Verify(); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLog) Close() error { return nil }

// Entries returns a snapshot of the log, used by tests asserting ordering.
func (l *MemoryLog) Entries() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Envelope, len(l.entries))
	copy(out, l.entries)
	return out
}
