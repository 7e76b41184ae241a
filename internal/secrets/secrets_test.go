package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cipher := New("test-passphrase")

	ciphertext, err := cipher.Encrypt("my-api-key")
	require.NoError(t, err)
	assert.NotEqual(t, "my-api-key", ciphertext)

	plaintext, err := cipher.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "my-api-key", plaintext)
}

func TestEmptyStringPassesThrough(t *testing.T) {
	cipher := New("test-passphrase")

	ciphertext, err := cipher.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	plaintext, err := cipher.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestNonceIsRandom(t *testing.T) {
	cipher := New("test-passphrase")

	first, err := cipher.Encrypt("value")
	require.NoError(t, err)
	second, err := cipher.Encrypt("value")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestWrongKeyFails(t *testing.T) {
	ciphertext, err := New("right-passphrase").Encrypt("value")
	require.NoError(t, err)

	_, err = New("wrong-passphrase").Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestMalformedCiphertext(t *testing.T) {
	cipher := New("test-passphrase")

	_, err := cipher.Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = cipher.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PHSYNC_SECRET_KEY", "")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("PHSYNC_SECRET_KEY", "env-passphrase")
	cipher, err := FromEnv()
	require.NoError(t, err)

	ciphertext, err := cipher.Encrypt("value")
	require.NoError(t, err)
	plaintext, err := New("env-passphrase").Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "value", plaintext)
}
