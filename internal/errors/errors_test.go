package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	t.Run("Error formats code and message", func(t *testing.T) {
		err := New(ErrCodeNotPaired, "not paired")
		assert.Equal(t, "NOT_PAIRED: not paired", err.Error())
	})

	t.Run("Error includes cause when present", func(t *testing.T) {
		cause := errors.New("socket closed")
		err := Wrap(ErrCodeTransport, "send failed", cause)
		assert.Contains(t, err.Error(), "TRANSPORT_ERROR")
		assert.Contains(t, err.Error(), "socket closed")
	})

	t.Run("Unwrap exposes the cause", func(t *testing.T) {
		cause := errors.New("underlying")
		err := Wrap(ErrCodeDatabase, "query failed", cause)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("WithDetails attaches details", func(t *testing.T) {
		err := ValidationError("bad input").WithDetails(map[string]string{"field": "pairingCode"})
		assert.NotNil(t, err.Details)
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError from wrapped chain", func(t *testing.T) {
		inner := InvalidPairingCode()
		wrapped := fmt.Errorf("join failed: %w", inner)

		appErr, ok := AsAppError(wrapped)
		require.True(t, ok)
		assert.Equal(t, ErrCodeInvalidPairingCode, appErr.Code)
	})

	t.Run("returns false for plain errors", func(t *testing.T) {
		_, ok := AsAppError(errors.New("plain"))
		assert.False(t, ok)
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for app errors", func(t *testing.T) {
		assert.Equal(t, ErrCodeTimeout, GetCode(Timeout("signature request")))
		assert.Equal(t, ErrCodeDisconnected, GetCode(Disconnected()))
	})

	t.Run("returns internal for unknown errors", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("boom")))
	})
}

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped code", func(t *testing.T) {
		err := fmt.Errorf("request settled: %w", UserCancelled())
		assert.True(t, HasCode(err, ErrCodeUserCancelled))
		assert.False(t, HasCode(err, ErrCodeTimeout))
	})

	t.Run("false for nil and plain errors", func(t *testing.T) {
		assert.False(t, HasCode(nil, ErrCodeTimeout))
		assert.False(t, HasCode(errors.New("boom"), ErrCodeTimeout))
	})
}
