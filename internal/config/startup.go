package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Step severity. A fatal step aborts boot; warnings are reported and boot
// continues.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarning:
		return "warning"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StepResult records one startup step's outcome.
type StepResult struct {
	Name     string
	Severity Severity
	Detail   string
	Elapsed  time.Duration
}

// StepFunc runs one startup step. Returning an error marks the step at
// the declared failure severity.
type StepFunc func(ctx context.Context) error

type step struct {
	name      string
	fn        StepFunc
	onFailure Severity
}

// Startup runs the boot sequence and reports per-step structured status.
type Startup struct {
	steps   []step
	results []StepResult
	logger  *log.Logger
}

// NewStartup returns an empty sequence.
func NewStartup() *Startup {
	return &Startup{logger: log.New(log.Writer(), "[STARTUP] ", log.LstdFlags)}
}

// Must registers a step whose failure aborts boot.
func (s *Startup) Must(name string, fn StepFunc) *Startup {
	s.steps = append(s.steps, step{name, fn, SeverityFatal})
	return s
}

// Should registers a step whose failure is reported but tolerated.
func (s *Startup) Should(name string, fn StepFunc) *Startup {
	s.steps = append(s.steps, step{name, fn, SeverityWarning})
	return s
}

// Run executes the sequence in registration order, stopping at the first
// fatal failure.
func (s *Startup) Run(ctx context.Context) error {
	for _, st := range s.steps {
		start := time.Now()
		err := st.fn(ctx)
		res := StepResult{Name: st.name, Elapsed: time.Since(start)}
		if err != nil {
			res.Severity = st.onFailure
			res.Detail = err.Error()
		}
		s.results = append(s.results, res)
		s.logger.Printf("%-28s %-8s %s", st.name, res.Severity, res.Detail)

		if res.Severity == SeverityFatal {
			return fmt.Errorf("startup: step %q failed: %w", st.name, err)
		}
	}
	return nil
}

// Results returns the recorded step outcomes, for the health endpoint.
func (s *Startup) Results() []StepResult { return s.results }

// CheckWritable verifies dir exists (creating it if needed) and accepts
// writes, by round-tripping a probe file. The WAL directory must pass
// this before billing comes up.
func CheckWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return fmt.Errorf("write probe in %s: %w", dir, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("remove probe in %s: %w", dir, err)
	}
	return nil
}
