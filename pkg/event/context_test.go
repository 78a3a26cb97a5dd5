package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDContext(t *testing.T) {
	t.Run("round-trips through context", func(t *testing.T) {
		ctx := ContextWithRequestID(context.Background(), "req-42")
		assert.Equal(t, "req-42", RequestIDFromContext(ctx))
	})

	t.Run("absent id yields empty string", func(t *testing.T) {
		assert.Empty(t, RequestIDFromContext(context.Background()))
	})
}

func TestNewRequestID(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
