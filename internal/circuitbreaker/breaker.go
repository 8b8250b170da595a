// Package circuitbreaker guards failure-prone downstreams, the settlement
// client and provider pools. Failures are counted in a sliding time window;
// once open, a cooldown elapses and the breaker admits exactly one probe.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Cooldown elapsed, probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Execute while the breaker refuses requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// FailureThreshold trips the breaker when this many failures fall
	// within Window.
	FailureThreshold int

	// Window is the sliding window failures are counted in.
	Window time.Duration

	// Cooldown is the open period before the next state read moves the
	// breaker to half-open.
	Cooldown time.Duration

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns a reasonable default configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// Breaker is one circuit. All methods are safe for concurrent use.
type Breaker struct {
	cfg *Config

	mu           sync.Mutex
	state        State
	failures     []time.Time // timestamps within the sliding window
	openedAt     time.Time
	probeTaken   bool
	failingSince time.Time // first failure of the current unbroken failure run
}

// New creates a breaker in the closed state.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name returns the circuit breaker name
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State reads the current state. Reading is what moves an expired open
// breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// AllowRequest reports whether a request may proceed. In half-open it
// returns true exactly once; the caller must report the probe's outcome
// via RecordSuccess or RecordFailure.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probeTaken {
			return false
		}
		b.probeTaken = true
		return true
	default:
		return false
	}
}

// RecordFailure counts one failure into the sliding window and trips the
// breaker when the threshold is reached. A half-open probe failure
// reopens immediately.
func (b *Breaker) RecordFailure() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failingSince.IsZero() {
		b.failingSince = now
	}

	switch b.currentState(now) {
	case StateHalfOpen:
		b.setState(StateOpen, now)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	}
}

// RecordSuccess closes a half-open breaker and ends the failure run.
func (b *Breaker) RecordSuccess() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failingSince = time.Time{}
	if b.currentState(now) == StateHalfOpen {
		b.setState(StateClosed, now)
	}
}

// Execute runs fn under the breaker, recording its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.AllowRequest() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Trip forces the breaker open, restarting the cooldown.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateOpen, time.Now())
}

// FailingFor returns how long the current unbroken failure run has
// lasted, zero if the last recorded outcome was a success.
func (b *Breaker) FailingFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failingSince.IsZero() {
		return 0
	}
	return time.Since(b.failingSince)
}

// currentState applies the cooldown transition. Caller holds b.mu.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState transitions and fires the hook. Caller holds b.mu.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state

	switch state {
	case StateOpen:
		b.openedAt = now
		b.failures = nil
	case StateHalfOpen:
		b.probeTaken = false
	case StateClosed:
		b.failures = nil
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

// prune drops failures that fell out of the window. Caller holds b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

// ============================================================================
// BILLING GUARDS
// ============================================================================

// PendingCounter reports how many billing entries sit in FINALIZE_PENDING.
// Satisfied by the billing machine.
type PendingCounter interface {
	PendingCount() int
}

// BillingGuard layers the billing-specific refusal rules over a breaker
// protecting the ledger write path.
type BillingGuard struct {
	Breaker *Breaker
	Pending PendingCounter

	// MaxPending opens the circuit when exceeded; 0 disables the guard.
	MaxPending int
}

// IsPendingReconciliationExceeded trips the breaker when too many entries
// are stuck awaiting external acknowledgement.
func (g *BillingGuard) IsPendingReconciliationExceeded() bool {
	if g.MaxPending <= 0 || g.Pending == nil {
		return false
	}
	if g.Pending.PendingCount() > g.MaxPending {
		g.Breaker.Trip()
		return true
	}
	return false
}

// IsBudgetCircuitOpen is the router's per-dispatch check: refuse new work
// if the breaker is open, the pending backlog is too deep, or the ledger
// write path has been failing longer than maxUnknownWindow.
func (g *BillingGuard) IsBudgetCircuitOpen(maxUnknownWindow time.Duration) bool {
	if g.IsPendingReconciliationExceeded() {
		return true
	}
	if g.Breaker.State() == StateOpen {
		return true
	}
	if maxUnknownWindow > 0 && g.Breaker.FailingFor() > maxUnknownWindow {
		return true
	}
	return false
}

// ============================================================================
// CIRCUIT BREAKER MANAGER
// ============================================================================

// Manager manages multiple circuit breakers
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config // Default config for new breakers
}

// NewManager creates a new circuit breaker manager
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      defaultCfg,
	}
}

// Get returns a circuit breaker by name, creating if necessary
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = m.breakers[name]; exists {
		return b
	}

	cfg := *m.cfg
	cfg.Name = name
	b = New(&cfg)
	m.breakers[name] = b
	return b
}

// States returns each breaker's current state, for health reporting.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
