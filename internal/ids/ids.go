// Package ids generates and validates the gateway's entity identifiers.
//
// Every long-lived entity (billing entries, reservations, ensemble runs)
// gets a 26-character, base32, lexicographically sortable identifier with
// a millisecond time prefix. Monotonic within a process so IDs created in
// the same millisecond still sort in creation order.
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EncodedLen is the length of a wire-format identifier.
const EncodedLen = 26

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh time-prefixed identifier.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAt returns an identifier stamped with the given time. Used by replay
// paths that must reconstruct IDs deterministically ordered.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Validate reports whether id is a well-formed identifier. The ledger and
// billing packages reject anything that fails this check.
func Validate(id string) error {
	if len(id) != EncodedLen {
		return fmt.Errorf("invalid id %q: length %d, want %d", id, len(id), EncodedLen)
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("invalid id %q: %w", id, err)
	}
	return nil
}

// Timestamp extracts the embedded creation time of a valid identifier.
func Timestamp(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return ulid.Time(u.Time()), nil
}
