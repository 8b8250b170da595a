package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnigate/backend/internal/money"
)

var opus = Entry{
	Provider:         "anthropic",
	Model:            "claude-opus",
	InputPer1MMicro:  15_000_000, // $15 / 1M input
	OutputPer1MMicro: 75_000_000, // $75 / 1M output
}

func TestCostExact(t *testing.T) {
	b := Cost(1_000_000, 1_000_000, 0, opus)
	assert.Equal(t, money.Micro(15_000_000), b.InputCostMicro)
	assert.Equal(t, money.Micro(75_000_000), b.OutputCostMicro)
	assert.Equal(t, money.Micro(90_000_000), b.TotalCostMicro)
}

func TestCostRoundsUp(t *testing.T) {
	// 1 input token at $15/1M = 15 µUSD exactly; 1 token at a price that
	// doesn't divide evenly must round up, never down.
	b := Cost(1, 0, 0, opus)
	assert.Equal(t, money.Micro(15), b.InputCostMicro)

	odd := Entry{InputPer1MMicro: 1}
	b = Cost(1, 0, 0, odd)
	assert.Equal(t, money.Micro(1), b.InputCostMicro, "fractional micro-USD rounds up to 1")
}

func TestReasoningDefaultsToOutputRate(t *testing.T) {
	b := Cost(0, 0, 10_000, opus)
	assert.Equal(t, money.Micro(750_000), b.ReasoningCostMicro)

	withRate := opus
	withRate.ReasoningPer1MMicro = 10_000_000
	b = Cost(0, 0, 10_000, withRate)
	assert.Equal(t, money.Micro(100_000), b.ReasoningCostMicro)
}

func TestMaxOutputTokens(t *testing.T) {
	// floor(10_000 µUSD / 75 µUSD-per-1M-tokens × 1M) = 133 tokens
	assert.Equal(t, 133, MaxOutputTokens(10_000, opus))
	assert.Equal(t, 0, MaxOutputTokens(0, opus))
	assert.Equal(t, 0, MaxOutputTokens(-5, opus))
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pricing:
  - provider: anthropic
    model: claude-opus
    input_per_1m_micro: "15000000"
    output_per_1m_micro: "75000000"
  - provider: openai
    model: gpt-5
    input_per_1m_micro: "1250000"
    output_per_1m_micro: "10000000"
    reasoning_per_1m_micro: "10000000"
`), 0o644))

	tbl, err := LoadTable(path)
	require.NoError(t, err)

	e, ok := tbl.Find("anthropic", "claude-opus")
	require.True(t, ok)
	assert.Equal(t, money.Micro(15_000_000), e.InputPer1MMicro)

	_, ok = tbl.Find("anthropic", "nope")
	assert.False(t, ok)

	assert.Equal(t, []string{"anthropic:claude-opus", "openai:gpt-5"}, tbl.Models())
}

func TestLoadTableRejectsBadAmounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pricing:
  - provider: anthropic
    model: claude-opus
    input_per_1m_micro: "15.5"
    output_per_1m_micro: "75000000"
`), 0o644))

	_, err := LoadTable(path)
	assert.Error(t, err)
}
