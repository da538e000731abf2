package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Run("direct error", func(t *testing.T) {
		err := NotFound("message %d not found", 7)
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.Equal(t, "not_found", err.Code())
	})

	t.Run("wrapped error", func(t *testing.T) {
		err := fmt.Errorf("recall: %w", Expired("recall window passed"))
		assert.True(t, Is(err, KindExpired))
		assert.False(t, Is(err, KindConflict))
	})

	t.Run("plain error is internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
		assert.False(t, Is(nil, KindInternal))
	})
}

func TestTransientUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient(cause, "insert message")

	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
}

func TestPublicHidesInternals(t *testing.T) {
	code, msg := Public(Transient(errors.New("pq: password authentication failed"), "insert"))
	assert.Equal(t, "unavailable", code)
	assert.NotContains(t, msg, "pq:")

	code, msg = Public(PermissionDenied("sender is muted"))
	assert.Equal(t, "permission_denied", code)
	assert.Equal(t, "sender is muted", msg)

	code, _ = Public(errors.New("raw"))
	assert.Equal(t, "internal", code)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, KindConflict, "x"))
}
