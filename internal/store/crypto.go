package store

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// credentialCipher encrypts Account reader/writer credential blobs
// at rest. Each call to seal generates a fresh random nonce, stored
// alongside the ciphertext (AEAD convention), so the cipher itself
// holds no per-record state.
type credentialCipher struct {
	aead chacha20poly1305.AEAD
}

func newCredentialCipher(key []byte) (*credentialCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init chacha20poly1305: %w", err)
	}
	return &credentialCipher{aead: aead}, nil
}

func (c *credentialCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *credentialCipher) open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("sealed credential blob too short")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential blob: %w", err)
	}
	return plaintext, nil
}

// protect encrypts blob if a cipher is configured, otherwise returns
// it unchanged (clear-text mode, for local development only).
func (s *Store) protect(blob []byte) ([]byte, error) {
	if s.crypt == nil {
		return blob, nil
	}
	return s.crypt.seal(blob)
}

func (s *Store) reveal(blob []byte) ([]byte, error) {
	if s.crypt == nil {
		return blob, nil
	}
	return s.crypt.open(blob)
}
