package ids

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesValidIDs(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := New()
		assert.Len(t, id, EncodedLen)
		require.NoError(t, Validate(id))
	}
}

func TestIDsSortByCreationOrder(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = New()
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "IDs created in sequence must sort lexicographically")
}

func TestValidateRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"short",
		"res_12345",                             // legacy prefixed id
		"0123456789012345678901234u",            // lowercase not in strict base32
		"01ARZ3NDEKTSV4RRFFQ69G5FAVX",           // too long
		"IIIIIIIIIIIIIIIIIIIIIIIIII",            // I excluded from alphabet
		"!!ARZ3NDEKTSV4RRFFQ69G5FAV",            // junk chars
	}
	for _, c := range cases {
		assert.Error(t, Validate(c), "expected rejection for %q", c)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	id := NewAt(now)
	got, err := Timestamp(id)
	require.NoError(t, err)
	assert.True(t, got.Equal(now), "embedded timestamp should survive encode/decode")
}
