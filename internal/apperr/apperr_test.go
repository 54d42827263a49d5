package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{EpochMismatch, true},
		{TooManyRequests, true},
		{Unauthenticated, false},
		{Forbidden, false},
		{NotFound, false},
		{Conflict, false},
		{Gone, false},
		{AlreadyConsumed, false},
		{InvalidInput, false},
		{Internal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Retryable())
		})
	}
}

func TestNewAndAs(t *testing.T) {
	err := New(NotFound, "conversation not found")

	got, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, got.Kind)
	assert.Equal(t, "conversation not found", got.Message)
	assert.Nil(t, got.Hint)
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Internal, "store unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestWithHint(t *testing.T) {
	err := WithHint(EpochMismatch, "stale epoch", map[string]any{"current_epoch": uint64(7)})

	got, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), got.Hint["current_epoch"])
}

func TestAsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("not an apperr"))
	assert.False(t, ok)
}

func TestAsUnwrapsWrappedError(t *testing.T) {
	inner := New(Conflict, "already a member")
	wrapped := errors.Join(errors.New("context"), inner)

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, Conflict, got.Kind)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Conflict, KindOf(New(Conflict, "x")))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}
