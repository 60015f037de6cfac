package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef-extra"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testSecret)
	require.NoError(t, err)

	sealed, err := c.Encrypt("AQX-access-token")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "AQX-access-token")

	again, err := c.Encrypt("AQX-access-token")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per encryption")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "AQX-access-token", plain)
}

func TestCipherRejectsTampering(t *testing.T) {
	c, err := NewCipher(testSecret)
	require.NoError(t, err)

	sealed, err := c.Encrypt("secret")
	require.NoError(t, err)

	other, err := NewCipher(strings.Repeat("z", 32))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)

	_, err = c.Decrypt("not-base64!")
	assert.Error(t, err)

	_, err = c.Decrypt("YWJj")
	assert.Error(t, err)
}

func TestCipherKeyLength(t *testing.T) {
	_, err := NewCipher("short")
	assert.ErrorIs(t, err, ErrKeyTooShort)
}
