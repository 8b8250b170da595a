package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and by redis-less dev
// runs. A single mutex stands in for the backing store's transactions.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	schedule map[string]int64 // rid -> next_attempt_at ms
	locks    map[string]time.Time
	terminal map[string]*Entry
	logger   *slog.Logger

	// Repairs counts orphan repairs, for test assertions.
	Repairs int
}

// NewMemoryStore returns an empty in-memory DLQ.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		schedule: make(map[string]int64),
		locks:    make(map[string]time.Time),
		terminal: make(map[string]*Entry),
		logger:   slog.Default().With("component", "dlq-mem"),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[e.ReservationID]; ok {
		existing.AttemptCount++
		existing.NextAttemptAt = e.NextAttemptAt
		existing.Reason = e.Reason
		if e.ResponseStatus != nil {
			existing.ResponseStatus = e.ResponseStatus
		}
		s.schedule[e.ReservationID] = e.NextAttemptAt.UnixMilli()
		return nil
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := e
	s.entries[e.ReservationID] = &cp
	s.schedule[e.ReservationID] = e.NextAttemptAt.UnixMilli()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, rid)
	delete(s.schedule, rid)
	delete(s.locks, rid)
	return nil
}

func (s *MemoryStore) IncrementAttempt(ctx context.Context, rid string, nextAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[rid]
	if !ok {
		return 0, fmt.Errorf("dlq increment %s: no payload", rid)
	}
	e.AttemptCount++
	e.NextAttemptAt = nextAt
	s.schedule[rid] = nextAt.UnixMilli()
	return e.AttemptCount, nil
}

func (s *MemoryStore) TerminalDrop(ctx context.Context, rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[rid]; ok {
		s.terminal[rid] = e
	}
	delete(s.entries, rid)
	delete(s.schedule, rid)
	delete(s.locks, rid)
	return nil
}

func (s *MemoryStore) GetReady(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scheduled struct {
		rid string
		at  int64
	}
	var due []scheduled
	for rid, at := range s.schedule {
		if at <= now.UnixMilli() {
			due = append(due, scheduled{rid, at})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })

	var out []Entry
	for _, d := range due {
		if len(out) >= limit {
			break
		}
		e, ok := s.entries[d.rid]
		if !ok {
			delete(s.schedule, d.rid)
			s.Repairs++
			s.logger.Warn("repaired orphaned schedule member", "reservation_id", d.rid)
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *MemoryStore) ClaimForReplay(ctx context.Context, rid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, held := s.locks[rid]; held && time.Now().Before(expiry) {
		return false, nil
	}
	s.locks[rid] = time.Now().Add(LockTTL)
	return true, nil
}

func (s *MemoryStore) ReleaseClaim(ctx context.Context, rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, rid)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, rid string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[rid]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (s *MemoryStore) Depth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.schedule)), nil
}

func (s *MemoryStore) CheckPersistence(ctx context.Context) PersistenceStatus {
	// Memory is by definition not durable.
	return PersistenceNotEnabled
}

// Terminal returns the terminal entry for rid, for tests and the operator
// CLI's inspection path.
func (s *MemoryStore) Terminal(rid string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.terminal[rid]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// DropPayload removes only the payload, simulating TTL expiry in tests.
func (s *MemoryStore) DropPayload(rid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, rid)
}
