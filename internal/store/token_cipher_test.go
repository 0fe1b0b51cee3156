package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestTokenCipher_SealOpen(t *testing.T) {
	c, err := NewTokenCipher(testKeyHex)
	require.NoError(t, err)
	require.NotNil(t, c)

	sealed, err := c.Seal("daemon-token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, encryptedTokenPrefix))
	assert.NotContains(t, sealed, "daemon-token")

	again, err := c.Seal("daemon-token")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "daemon-token", plain)
}

func TestTokenCipher_Keys(t *testing.T) {
	c, err := NewTokenCipher("")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewTokenCipher(strings.Repeat("k", 32))
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = NewTokenCipher("short")
	assert.Error(t, err)
}

func TestTokenCipher_NilAndLegacy(t *testing.T) {
	var c *TokenCipher
	sealed, err := c.Seal("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", sealed)

	plain, err := c.Open("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", plain)

	real, err := NewTokenCipher(testKeyHex)
	require.NoError(t, err)
	enc, err := real.Seal("x")
	require.NoError(t, err)

	_, err = c.Open(enc)
	assert.ErrorIs(t, err, ErrTokenCipherMissing)

	other, err := NewTokenCipher(strings.Repeat("z", 32))
	require.NoError(t, err)
	_, err = other.Open(enc)
	assert.Error(t, err)
}
