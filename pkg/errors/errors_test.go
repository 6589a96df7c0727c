package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesType(t *testing.T) {
	base := NewTransient("database is locked", stderrors.New("SQLITE_BUSY"))
	wrapped := Wrap(base, "sync push")

	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsInternal(wrapped))
	assert.Contains(t, wrapped.Error(), "sync push")
	assert.Contains(t, wrapped.Error(), "database is locked")
}

func TestWrapPlainErrorBecomesInternal(t *testing.T) {
	wrapped := Wrap(stderrors.New("boom"), "loading space")
	assert.True(t, IsInternal(wrapped))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "no-op"))
}

func TestTypeCheckersThroughFmtWrap(t *testing.T) {
	// errors.As must see through %w chains.
	err := fmt.Errorf("outer: %w", NewDivergence("replica behind remote"))
	assert.True(t, IsDivergence(err))
	assert.False(t, IsTransient(err))
}

func TestTypeCheckers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidation("empty title"), IsValidation},
		{"not found", NewNotFound("space missing"), IsNotFound},
		{"internal", NewInternal("io", stderrors.New("disk")), IsInternal},
		{"transient", NewTransient("busy", nil), IsTransient},
		{"divergence", NewDivergence("behind"), IsDivergence},
		{"malformed", NewMalformedPayload("bad json", nil), IsMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
		})
	}
}
