package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOfUnwrapsThroughWrapping(t *testing.T) {
	base := New(BudgetExceeded, "scope tenant:acme over limit")
	wrapped := fmt.Errorf("dispatch: %w", base)

	assert.Equal(t, BudgetExceeded, CodeOf(wrapped))
	assert.True(t, Is(wrapped, BudgetExceeded))
	assert.False(t, Is(wrapped, RateLimited))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestWrapKeepsTheCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ProviderUnavailable, cause, "anthropic unreachable")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "PROVIDER_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithContextCopies(t *testing.T) {
	base := New(BindingInvalid, "no binding")
	enriched := base.WithContext("researcher", "anthropic", "claude-sonnet-4", "acme")

	require.NotSame(t, base, enriched)
	assert.Empty(t, base.Agent)
	assert.Equal(t, "researcher", enriched.Agent)
	assert.Equal(t, "acme", enriched.Tenant)

	// Empty fields leave prior context intact.
	again := enriched.WithContext("", "", "", "other")
	assert.Equal(t, "researcher", again.Agent)
	assert.Equal(t, "other", again.Tenant)
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(New(RateLimited, "slow down")))
	assert.True(t, IsRetryable(New(BudgetCircuitOpen, "ledger unhealthy")))
	assert.True(t, IsRetryable(New(ProviderUnavailable, "circuit open")))
	assert.False(t, IsRetryable(New(BindingInvalid, "no binding")))
	assert.False(t, IsRetryable(errors.New("plain")))

	flagged := New(ConfigInvalid, "transient config fetch")
	flagged.Retryable = true
	assert.True(t, IsRetryable(flagged))
}
