package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Encryptor handles snapshot encryption at rest using AES-256-GCM.
// Coordinator snapshots contain token material, so backends that persist
// them outside process memory (Valkey, object storage) should wrap writes
// with an Encryptor.
type Encryptor struct {
	key     []byte
	enabled bool
}

// NewEncryptor creates a new encryptor. A nil or empty key disables
// encryption. The key must be exactly 32 bytes for AES-256.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{enabled: false}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes for AES-256, got %d", len(key))
	}
	return &Encryptor{key: key, enabled: true}, nil
}

// Seal encrypts a snapshot blob. The stored format is [nonce][ciphertext].
// When encryption is disabled the blob passes through unchanged.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	if !e.enabled {
		return plaintext, nil
	}

	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a snapshot blob produced by Seal.
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	if !e.enabled {
		return sealed, nil
	}

	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt snapshot: %w", err)
	}
	return plaintext, nil
}

// IsEnabled returns true if encryption is enabled.
func (e *Encryptor) IsEnabled() bool {
	return e.enabled
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
