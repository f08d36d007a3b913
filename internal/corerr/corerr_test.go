package corerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultRetryable(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindValidation, false},
		{KindTargetUnavailable, true},
		{KindTargetQuarantined, false},
		{KindOverloadRejected, true},
		{KindInternal, true},
		{KindConflictNoop, false},
	}
	for _, c := range cases {
		err := New(c.kind, "boom", nil)
		assert.Equal(t, c.retryable, err.Retryable, c.kind.String())
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "validation_error", KindValidation.String())
	assert.Equal(t, "target_unavailable", KindTargetUnavailable.String())
	assert.Equal(t, "conflict_noop", KindConflictNoop.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestAsAndIsRetryable(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := fmt.Errorf("dial target: %w", New(KindTargetUnavailable, "dial failed", base))

	kind, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindTargetUnavailable, kind)
	assert.True(t, IsRetryable(wrapped))

	plain := errors.New("not ours")
	_, ok = As(plain)
	assert.False(t, ok)
	assert.False(t, IsRetryable(plain))
}

func TestNewRetryableOverride(t *testing.T) {
	err := NewRetryable(KindTimeout, true, "deadline exceeded", nil)
	assert.True(t, err.Retryable)
	assert.Equal(t, "timeout: deadline exceeded", err.Error())
}
