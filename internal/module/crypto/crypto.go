// Package crypto protects gateway-issued identifiers at rest. Order,
// capture and refund ids are enough, combined with API credentials, to move
// real money, so the ledger never persists one in plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrDecryptionFailed is returned when a ciphertext cannot be decrypted.
var ErrDecryptionFailed = errors.New("decryption failed")

// Encryptor encrypts and decrypts short secret strings.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESEncryptor implements Encryptor with AES-256-GCM. The cipher key is
// derived from the master key with HKDF-SHA256, so master keys of any
// length are usable without truncation or padding.
type AESEncryptor struct {
	key []byte
}

// NewAESEncryptor derives the cipher key and returns a ready encryptor.
func NewAESEncryptor(masterKey string) (*AESEncryptor, error) {
	if masterKey == "" {
		return nil, errors.New("master key is required")
	}

	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("gatherly-ledger-gateway-ids"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return &AESEncryptor{key: key}, nil
}

// Encrypt returns base64(nonce || ciphertext || tag).
func (e *AESEncryptor) Encrypt(plaintext string) (string, error) {
	aesGCM, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt and authenticates the ciphertext.
func (e *AESEncryptor) Decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: decode base64: %v", ErrDecryptionFailed, err)
	}

	aesGCM, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrDecryptionFailed
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

func (e *AESEncryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aesGCM, nil
}

// Passthrough is an Encryptor that returns plaintext unchanged. Tests use
// it so assertions can read stored identifiers directly.
type Passthrough struct{}

// Encrypt returns plaintext unchanged.
func (Passthrough) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// Decrypt returns ciphertext unchanged.
func (Passthrough) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
