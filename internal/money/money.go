// Package money defines the gateway's sole accounting denomination:
// integer micro-USD. Floating point never touches an accounting path;
// wire values are decimal strings because JSON numbers cannot losslessly
// carry the full int64 range.
package money

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Micro is an amount in micro-USD (1 USD = 1,000,000 µUSD).
type Micro int64

// Denom is the denomination tag carried on ledger postings.
const Denom = "uusd"

// PerUSD is the number of micro-USD in one USD.
const PerUSD = 1_000_000

// ParseMicro parses a wire decimal string into a Micro amount. The string
// must be a plain integer ("2500000", "-3"); fractional or exponential
// forms are rejected so parse→serialize round-trips byte-for-byte.
func ParseMicro(s string) (Micro, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid micro-USD amount %q: %w", s, err)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("invalid micro-USD amount %q: fractional micro-USD not allowed", s)
	}
	i := d.IntPart()
	if !d.Equal(decimal.NewFromInt(i)) {
		return 0, fmt.Errorf("invalid micro-USD amount %q: out of int64 range", s)
	}
	if canonical := decimal.NewFromInt(i).String(); canonical != s {
		return 0, fmt.Errorf("invalid micro-USD amount %q: not canonical (want %q)", s, canonical)
	}
	return Micro(i), nil
}

// MustParseMicro is ParseMicro for compiled-in constants; panics on error.
func MustParseMicro(s string) Micro {
	m, err := ParseMicro(s)
	if err != nil {
		panic(err)
	}
	return m
}

// WireString returns the canonical decimal-string form for the wire.
func (m Micro) WireString() string {
	return decimal.NewFromInt(int64(m)).String()
}

// USD renders the amount in dollars for logs and operator output only.
// Never feed this back into an accounting path.
func (m Micro) USD() string {
	return decimal.NewFromInt(int64(m)).Div(decimal.NewFromInt(PerUSD)).StringFixed(6)
}

// MarshalJSON emits the decimal-string wire form.
func (m Micro) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.WireString())
}

// UnmarshalJSON accepts the decimal-string wire form. Bare JSON numbers are
// rejected: they may already have lost precision upstream.
func (m *Micro) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("micro-USD wire value must be a decimal string: %w", err)
	}
	parsed, err := ParseMicro(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Min returns the smaller of two amounts.
func Min(a, b Micro) Micro {
	if a < b {
		return a
	}
	return b
}
