package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	first, err := h.Hash("s3cret")
	require.NoError(t, err)
	second, err := h.Hash("s3cret")
	require.NoError(t, err)

	t.Run("salted", func(t *testing.T) {
		assert.NotEqual(t, first, second)
		assert.NotContains(t, first, "s3cret")
	})

	t.Run("match", func(t *testing.T) {
		ok, err := h.Verify("s3cret", first)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("mismatch is not an error", func(t *testing.T) {
		ok, err := h.Verify("wrong", first)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed digest", func(t *testing.T) {
		ok, err := h.Verify("s3cret", "not-a-digest")
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrMalformedDigest)
	})

	t.Run("empty digest", func(t *testing.T) {
		_, err := h.Verify("1234", "")
		assert.ErrorIs(t, err, ErrMalformedDigest)
	})
}

func TestNewBcryptHasher_CostOutOfRange(t *testing.T) {
	h := NewBcryptHasher(0)
	assert.Equal(t, bcrypt.DefaultCost, h.cost)
}
