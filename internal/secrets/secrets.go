// Package secrets encrypts credential fields before they land in the
// configuration table. The key is derived from the PHSYNC_SECRET_KEY
// environment variable; losing the key means re-entering credentials,
// nothing more.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

const keyEnvVar = "PHSYNC_SECRET_KEY"

// Cipher seals and opens short credential strings.
type Cipher struct {
	key []byte
}

// New derives a cipher from the given passphrase.
func New(passphrase string) *Cipher {
	key := sha256.Sum256([]byte(passphrase))
	return &Cipher{key: key[:]}
}

// FromEnv derives a cipher from PHSYNC_SECRET_KEY.
func FromEnv() (*Cipher, error) {
	passphrase := os.Getenv(keyEnvVar)
	if passphrase == "" {
		return nil, fmt.Errorf("%s is not set", keyEnvVar)
	}
	return New(passphrase), nil
}

// Encrypt seals plaintext into a base64 string. Empty input stays
// empty so unset config fields round-trip as unset.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %v", err)
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}

	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %v", err)
	}
	return string(plaintext), nil
}
