// Package pricing maps provider models to per-token prices and turns
// reported usage into micro-USD cost breakdowns. Integer math only; every
// division rounds up so the gateway never undercharges by truncation.
package pricing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/omnigate/backend/internal/money"
)

// Entry prices one provider:model pair per million tokens.
type Entry struct {
	Provider         string
	Model            string
	InputPer1MMicro  money.Micro
	OutputPer1MMicro money.Micro
	// Reasoning tokens bill at the output rate unless overridden.
	ReasoningPer1MMicro money.Micro
}

// Breakdown is the cost of one completion split by token class.
type Breakdown struct {
	InputCostMicro     money.Micro `json:"input_cost_micro"`
	OutputCostMicro    money.Micro `json:"output_cost_micro"`
	ReasoningCostMicro money.Micro `json:"reasoning_cost_micro"`
	TotalCostMicro     money.Micro `json:"total_cost_micro"`
}

// Table holds the loaded pricing entries keyed provider:model.
type Table struct {
	entries map[string]Entry
}

type tableFile struct {
	Pricing []yamlEntry `yaml:"pricing"`
}

type yamlEntry struct {
	Provider            string `yaml:"provider"`
	Model               string `yaml:"model"`
	InputPer1MMicro     string `yaml:"input_per_1m_micro"`
	OutputPer1MMicro    string `yaml:"output_per_1m_micro"`
	ReasoningPer1MMicro string `yaml:"reasoning_per_1m_micro"`
}

// NewTable builds a table from compiled-in entries.
func NewTable(entries []Entry) *Table {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		t.entries[key(e.Provider, e.Model)] = e
	}
	return t
}

// LoadTable reads a YAML pricing file. Amounts are decimal strings in the
// file for the same reason they are on the wire.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pricing table: %w", err)
	}
	defer f.Close()

	var file tableFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("parse pricing table %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(file.Pricing))
	for _, y := range file.Pricing {
		e := Entry{Provider: y.Provider, Model: y.Model}
		if e.InputPer1MMicro, err = money.ParseMicro(y.InputPer1MMicro); err != nil {
			return nil, fmt.Errorf("pricing %s:%s input: %w", y.Provider, y.Model, err)
		}
		if e.OutputPer1MMicro, err = money.ParseMicro(y.OutputPer1MMicro); err != nil {
			return nil, fmt.Errorf("pricing %s:%s output: %w", y.Provider, y.Model, err)
		}
		if y.ReasoningPer1MMicro != "" {
			if e.ReasoningPer1MMicro, err = money.ParseMicro(y.ReasoningPer1MMicro); err != nil {
				return nil, fmt.Errorf("pricing %s:%s reasoning: %w", y.Provider, y.Model, err)
			}
		}
		entries = append(entries, e)
	}
	return NewTable(entries), nil
}

// Find returns the pricing entry for provider:model.
func (t *Table) Find(provider, model string) (Entry, bool) {
	e, ok := t.entries[key(provider, model)]
	return e, ok
}

// Models lists the priced provider:model keys, sorted, for diagnostics.
func (t *Table) Models() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func key(provider, model string) string { return provider + ":" + model }

const tokensPerUnit = 1_000_000

// Cost converts token usage into a micro-USD breakdown using e.
func Cost(inputTokens, outputTokens, reasoningTokens int, e Entry) Breakdown {
	reasoningRate := e.ReasoningPer1MMicro
	if reasoningRate == 0 {
		reasoningRate = e.OutputPer1MMicro
	}
	b := Breakdown{
		InputCostMicro:     ceilMulDiv(inputTokens, e.InputPer1MMicro),
		OutputCostMicro:    ceilMulDiv(outputTokens, e.OutputPer1MMicro),
		ReasoningCostMicro: ceilMulDiv(reasoningTokens, reasoningRate),
	}
	b.TotalCostMicro = b.InputCostMicro + b.OutputCostMicro + b.ReasoningCostMicro
	return b
}

// MaxOutputTokens returns the largest completion that fits inside budget at
// e's output rate: floor(budget / output_price_per_1M). Zero-priced models
// are unbounded; callers clamp with their own ceiling.
func MaxOutputTokens(budget money.Micro, e Entry) int {
	if e.OutputPer1MMicro <= 0 {
		return int(^uint(0) >> 1)
	}
	if budget <= 0 {
		return 0
	}
	return int(int64(budget) * tokensPerUnit / int64(e.OutputPer1MMicro))
}

// ceilMulDiv computes ceil(tokens × per1M / 1e6) without floats.
func ceilMulDiv(tokens int, per1M money.Micro) money.Micro {
	if tokens <= 0 || per1M <= 0 {
		return 0
	}
	n := int64(tokens) * int64(per1M)
	return money.Micro((n + tokensPerUnit - 1) / tokensPerUnit)
}
