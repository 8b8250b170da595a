package wal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsSequentialOffsets(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		off, err := l.Append(ctx, "reserve", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "c1", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		assert.Equal(t, int64(i), off)
	}
}

func TestChecksumRecomputes(t *testing.T) {
	l := NewMemory()
	_, err := l.Append(context.Background(), "commit", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "c1",
		json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)

	env := l.Entries()[0]
	require.NoError(t, env.Verify())

	// Key order must not affect the checksum: canonical form is hashed.
	sum, err := ComputeChecksum(json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, env.Checksum, sum)
}

func TestReplayDetectsCorruption(t *testing.T) {
	l := NewMemory()
	_, err := l.Append(context.Background(), "reserve", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "c1",
		json.RawMessage(`{"amount":"3000"}`))
	require.NoError(t, err)

	l.entries[0].Payload = json.RawMessage(`{"amount":"9999"}`)
	err = l.Replay(func(Envelope) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestFileLogAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.wal")
	l, err := OpenFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	for _, ev := range []string{"mint", "reserve", "commit"} {
		_, err := l.Append(ctx, ev, "01ARZ3NDEKTSV4RRFFQ69G5FAV", "c1", json.RawMessage(`{"ev":"`+ev+`"}`))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	var order []string
	require.NoError(t, reopened.Replay(func(e Envelope) error {
		order = append(order, e.EventType)
		assert.Equal(t, SchemaVersion, e.SchemaVersion)
		return nil
	}))
	assert.Equal(t, []string{"mint", "reserve", "commit"}, order)

	// Offset sequence resumes across reopen.
	off, err := reopened.Append(ctx, "release", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), off)
}

func TestFileLogReplayFailsOnTamperedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.wal")
	l, err := OpenFile(path)
	require.NoError(t, err)
	_, err = l.Append(context.Background(), "reserve", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "c1",
		json.RawMessage(`{"amount":"500"}`))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"amount":"500"`, `"amount":"501"`, 1)
	require.NotEqual(t, string(data), tampered, "fixture must actually change the payload")
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.Replay(func(Envelope) error { return nil })
	assert.Error(t, err)
}
