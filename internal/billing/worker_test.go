package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnigate/backend/internal/ledger"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/wal"
)

type fakeSettler struct {
	mu    sync.Mutex
	fail  bool
	calls []string
}

func (f *fakeSettler) Settle(ctx context.Context, reservationID string, actual money.Micro, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reservationID)
	if f.fail {
		return errors.New("remote unavailable")
	}
	return nil
}

type fakeDLQ struct {
	mu     sync.Mutex
	pushed []string
}

func (f *fakeDLQ) Push(ctx context.Context, rid, reason string, status *int, payload json.RawMessage, nextAttempt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, rid)
	return nil
}

func pendingEntry(t *testing.T, m *Machine, l *ledger.Ledger) *Entry {
	t.Helper()
	ctx := context.Background()
	mint(t, l, "u1", 100_000)
	e, err := m.Reserve(ctx, "u1", 2_000, "corr", "1.0")
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, e.ID, 1_800, ""))
	got, _ := m.Get(e.ID)
	return got
}

func TestWorkerAcksOnSuccess(t *testing.T) {
	l := ledger.New()
	m := NewMachine(l, wal.NewMemory())
	e := pendingEntry(t, m, l)

	settler := &fakeSettler{}
	d := &fakeDLQ{}
	w := NewWorker(m, settler, d, time.Second, time.Minute)
	w.Sweep(context.Background())

	got, _ := m.Get(e.ID)
	assert.Equal(t, StateFinalizeAcked, got.State)
	assert.Empty(t, d.pushed)
}

func TestWorkerPushesToDLQOnFailure(t *testing.T) {
	l := ledger.New()
	m := NewMachine(l, wal.NewMemory())
	e := pendingEntry(t, m, l)

	settler := &fakeSettler{fail: true}
	d := &fakeDLQ{}
	w := NewWorker(m, settler, d, time.Second, time.Minute)
	w.Sweep(context.Background())

	got, _ := m.Get(e.ID)
	assert.Equal(t, StateFinalizePending, got.State, "entry stays pending; DLQ owns retries")
	assert.Equal(t, 1, got.FinalizeAttempts)
	assert.Equal(t, []string{e.ID}, d.pushed)

	// A second sweep must not re-settle an entry the DLQ already owns.
	w.Sweep(context.Background())
	settler.mu.Lock()
	defer settler.mu.Unlock()
	assert.Len(t, settler.calls, 1)
}
