// Package errcode defines the gateway's error taxonomy. Every hard failure
// carries a stable string code so callers, dashboards, and tests can match
// on it without parsing messages. Codes never change once shipped.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

// Configuration errors. Fatal at startup.
const (
	ConfigInvalid         Code = "CONFIG_INVALID"
	BindingInvalid        Code = "BINDING_INVALID"
	NativeRuntimeRequired Code = "NATIVE_RUNTIME_REQUIRED"
)

// Authorization errors.
const (
	AccessDenied         Code = "ACCESS_DENIED"
	PoolUnauthorized     Code = "POOL_UNAUTHORIZED"
	BYOKProxyUnavailable Code = "BYOK_PROXY_UNAVAILABLE"
)

// Availability errors. Surfaced to callers as retryable.
const (
	ProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	RateLimited         Code = "RATE_LIMITED"
	BudgetCircuitOpen   Code = "BUDGET_CIRCUIT_OPEN"
	BudgetUnavailable   Code = "BUDGET_UNAVAILABLE"
	BudgetExceeded      Code = "BUDGET_EXCEEDED"
)

// Execution errors from the tool-call loop.
const (
	ToolCallMaxIterations       Code = "TOOL_CALL_MAX_ITERATIONS"
	ToolCallLimitExceeded       Code = "TOOL_CALL_LIMIT_EXCEEDED"
	ToolCallWallTimeExceeded    Code = "TOOL_CALL_WALL_TIME_EXCEEDED"
	ToolCallConsecutiveFailures Code = "TOOL_CALL_CONSECUTIVE_FAILURES"
	ContextOverflow             Code = "CONTEXT_OVERFLOW"
)

// Protocol errors from the settlement handshake.
const (
	ProtocolIncompatible Code = "PROTOCOL_INCOMPATIBLE"
	ProtocolUnreachable  Code = "PROTOCOL_UNREACHABLE"
)

// Error is a coded error with the structured context operators grep for.
type Error struct {
	Code          Code
	Message       string
	Agent         string
	Provider      string
	Model         string
	Tenant        string
	CorrelationID string
	TraceID       string
	PoolID        string
	Retryable     bool
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithContext returns a copy enriched with routing context. Empty fields
// leave the existing value in place.
func (e *Error) WithContext(agent, provider, model, tenant string) *Error {
	out := *e
	if agent != "" {
		out.Agent = agent
	}
	if provider != "" {
		out.Provider = provider
	}
	if model != "" {
		out.Model = model
	}
	if tenant != "" {
		out.Tenant = tenant
	}
	return &out
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the caller may retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		if e.Retryable {
			return true
		}
		switch e.Code {
		case RateLimited, BudgetCircuitOpen, ProviderUnavailable:
			return true
		}
	}
	return false
}
