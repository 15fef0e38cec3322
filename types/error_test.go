package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("formatting", func(t *testing.T) {
		err := NewError(ErrTurnFailed, "boom")
		assert.Equal(t, "[TURN_FAILED] boom", err.Error())

		cause := errors.New("socket closed")
		err = err.WithCause(cause)
		assert.Contains(t, err.Error(), "socket closed")
		assert.ErrorIs(t, err, cause)
	})

	t.Run("retryable", func(t *testing.T) {
		err := NewError(ErrTurnFailed, "boom").WithRetryable(true)
		assert.True(t, IsRetryable(err))
		assert.False(t, IsRetryable(errors.New("plain")))
	})

	t.Run("code extraction", func(t *testing.T) {
		assert.Equal(t, ErrCancelled, GetErrorCode(NewError(ErrCancelled, "stop")))
		assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	})
}
