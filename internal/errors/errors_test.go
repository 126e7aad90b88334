// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrTransport, Message: "request failed", Err: errors.New("dial tcp: refused")},
			want:     "[TRANSPORT_ERROR] request failed: dial tcp: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

// TestWrap_Unwrap verifies wrapped errors are reachable with errors.Is.
func TestWrap_Unwrap(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap(ErrStorage, "save failed", base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, base, err.Unwrap())
}

// TestIs verifies code matching through fmt wrapping and nested AppErrors.
func TestIs(t *testing.T) {
	inner := New(ErrFactoryMissing, "no factory for Task")
	outer := Wrap(ErrRemote, "fetch failed", inner)
	wrapped := fmt.Errorf("pull: %w", outer)

	assert.True(t, Is(wrapped, ErrRemote))
	assert.True(t, Is(wrapped, ErrFactoryMissing))
	assert.False(t, Is(wrapped, ErrConnection))
	assert.False(t, Is(errors.New("plain"), ErrInternal))
	assert.False(t, Is(nil, ErrInternal))
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrConcurrentSync, CodeOf(New(ErrConcurrentSync, "busy")))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}

// TestRemoteError verifies the remote error message.
func TestRemoteError(t *testing.T) {
	err := RemoteError("PUT", "/tasks/t1", 500)
	assert.Equal(t, ErrRemote, err.Code)
	assert.Equal(t, "[REMOTE_ERROR] PUT /tasks/t1 returned status 500", err.Error())
}
