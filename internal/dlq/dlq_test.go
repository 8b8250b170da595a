package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnigate/backend/internal/money"
)

func testEntry(rid string, nextAt time.Time) Entry {
	payload, _ := json.Marshal(map[string]string{
		"reservation_id":    rid,
		"account_id":        "u1",
		"actual_cost_micro": "1800",
		"correlation_id":    "corr",
	})
	return Entry{
		ReservationID: rid,
		AttemptCount:  1,
		NextAttemptAt: nextAt,
		Reason:        "remote unavailable",
		Payload:       payload,
	}
}

func TestUpsertInsertsThenIncrements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, testEntry("r1", now)))
	e, ok, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, e.AttemptCount)

	status := 503
	again := testEntry("r1", now.Add(time.Minute))
	again.ResponseStatus = &status
	again.Reason = "gateway timeout"
	require.NoError(t, s.Upsert(ctx, again))

	e, _, _ = s.Get(ctx, "r1")
	assert.Equal(t, 2, e.AttemptCount)
	assert.Equal(t, "gateway timeout", e.Reason)
	require.NotNil(t, e.ResponseStatus)
	assert.Equal(t, 503, *e.ResponseStatus)
}

func TestGetReadyHonorsScheduleAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, testEntry("past-1", now.Add(-2*time.Minute))))
	require.NoError(t, s.Upsert(ctx, testEntry("past-2", now.Add(-time.Minute))))
	require.NoError(t, s.Upsert(ctx, testEntry("future", now.Add(time.Hour))))

	ready, err := s.GetReady(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "past-1", ready[0].ReservationID, "due entries come oldest first")

	limited, err := s.GetReady(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGetReadyRepairsOrphans(t *testing.T) {
	// Invariant: an rid from GetReady either has a payload or the orphan
	// repair ran on the same call.
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, testEntry("gone", now.Add(-time.Minute))))
	s.DropPayload("gone") // simulate payload TTL expiry

	ready, err := s.GetReady(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, 1, s.Repairs)

	// Schedule member is gone; next call sees nothing.
	depth, _ := s.Depth(ctx)
	assert.Zero(t, depth)
}

func TestClaimIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.ClaimForReplay(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimForReplay(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	require.NoError(t, s.ReleaseClaim(ctx, "r1"))
	ok, _ = s.ClaimForReplay(ctx, "r1")
	assert.True(t, ok, "claim is reacquirable after release")
}

func TestTerminalDropKeepsAudit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testEntry("r1", time.Now())))
	require.NoError(t, s.TerminalDrop(ctx, "r1"))

	_, ok, _ := s.Get(ctx, "r1")
	assert.False(t, ok, "active payload cleared")
	audit, ok := s.Terminal("r1")
	require.True(t, ok, "terminal keyspace keeps the audit copy")
	assert.Equal(t, "r1", audit.ReservationID)
}

// ---------------------------------------------------------------------------
// Replay worker
// ---------------------------------------------------------------------------

type scriptedSettler struct {
	mu       sync.Mutex
	failures int // fail this many calls, then succeed
	calls    int
}

func (s *scriptedSettler) Settle(ctx context.Context, rid string, actual money.Micro, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("still down")
	}
	return nil
}

type recordingFinalizer struct {
	mu       sync.Mutex
	acked    []string
	failed   []string
	attempts int
}

func (f *recordingFinalizer) MarkAcked(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *recordingFinalizer) MarkFailed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *recordingFinalizer) IncrementFinalizeAttempts(id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return f.attempts, nil
}

func TestWorkerSettlesAndDeletes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testEntry("r1", time.Now().Add(-time.Second))))

	fin := &recordingFinalizer{}
	w := NewWorker(s, &scriptedSettler{}, fin, WorkerConfig{MaxRetries: 5})
	w.Sweep(ctx, time.Now())

	_, ok, _ := s.Get(ctx, "r1")
	assert.False(t, ok, "settled entry removed from active keyspace")
	assert.Equal(t, []string{"r1"}, fin.acked)
}

func TestWorkerReschedulesOnFailure(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testEntry("r1", time.Now().Add(-time.Second))))

	fin := &recordingFinalizer{}
	w := NewWorker(s, &scriptedSettler{failures: 99}, fin, WorkerConfig{MaxRetries: 5, RetryDelay: 10 * time.Minute})
	w.Sweep(ctx, time.Now())

	e, ok, _ := s.Get(ctx, "r1")
	require.True(t, ok, "entry stays active while retries remain")
	assert.Equal(t, 2, e.AttemptCount)
	assert.True(t, e.NextAttemptAt.After(time.Now().Add(9*time.Minute)))
	assert.Empty(t, fin.failed)
}

func TestWorkerTerminalDropAfterExhaustion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := testEntry("r1", time.Now().Add(-time.Second))
	e.AttemptCount = 4 // next failure is the 5th attempt
	require.NoError(t, s.Upsert(ctx, e))

	fin := &recordingFinalizer{}
	w := NewWorker(s, &scriptedSettler{failures: 99}, fin, WorkerConfig{MaxRetries: 5})
	w.Sweep(ctx, time.Now())

	_, ok, _ := s.Get(ctx, "r1")
	assert.False(t, ok)
	_, audited := s.Terminal("r1")
	assert.True(t, audited)
	assert.Equal(t, []string{"r1"}, fin.failed, "exhaustion transitions the billing entry to FINALIZE_FAILED")
}

func TestWorkerSkipsClaimedEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testEntry("r1", time.Now().Add(-time.Second))))

	// Another worker holds the claim.
	ok, err := s.ClaimForReplay(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)

	settler := &scriptedSettler{}
	fin := &recordingFinalizer{}
	w := NewWorker(s, settler, fin, WorkerConfig{})
	w.Sweep(ctx, time.Now())

	settler.mu.Lock()
	defer settler.mu.Unlock()
	assert.Zero(t, settler.calls, "claimed entries are left alone")
}
