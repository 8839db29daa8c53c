package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

const (
	keySize   = 32
	nonceSize = 12
)

var (
	ErrNotInitialized     = errors.New("encryption manager not initialized")
	ErrCiphertextTooShort = errors.New("ciphertext too short: must include nonce and encrypted data")
	ErrDecryptionFailed   = errors.New("decryption failed")
)

// EncryptionManagerInterface defines encryption and decryption methods.
type EncryptionManagerInterface interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(ciphertext, additionalData []byte) ([]byte, error)
}

// EncryptionManager implements AES-256-GCM encryption. Ciphertexts carry their
// 12 byte nonce as a prefix.
type EncryptionManager struct {
	fileClient file.FileOperations
	aesgcm     cipher.AEAD
}

// NewEncryptionManager creates a new EncryptionManager instance.
func NewEncryptionManager(fileClient file.FileOperations) *EncryptionManager {
	return &EncryptionManager{fileClient: fileClient}
}

// NewEncryptionManagerFromKey builds a ready manager from raw key material.
func NewEncryptionManagerFromKey(key []byte) (*EncryptionManager, error) {
	a := &EncryptionManager{}
	if err := a.setKey(key); err != nil {
		return nil, err
	}
	return a, nil
}

// Initialize loads and caches the AES key and cipher.
func (a *EncryptionManager) Initialize(aesKeyPath string) error {
	key, err := a.fileClient.ReadFileRaw(aesKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read AES key: %w", err)
	}
	return a.setKey(key)
}

func (a *EncryptionManager) setKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid AES key size: got %d bytes, want %d bytes", len(key), keySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	a.aesgcm, err = cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create AES-GCM: %w", err)
	}
	return nil
}

// Encrypt encrypts plaintext using AES-GCM.
func (a *EncryptionManager) Encrypt(plaintext []byte) ([]byte, error) {
	return a.Seal(plaintext, nil)
}

// Decrypt decrypts ciphertext using AES-GCM.
func (a *EncryptionManager) Decrypt(ciphertext []byte) ([]byte, error) {
	return a.Open(ciphertext, nil)
}

// Seal encrypts plaintext and authenticates additionalData alongside it.
func (a *EncryptionManager) Seal(plaintext, additionalData []byte) ([]byte, error) {
	if a.aesgcm == nil {
		return nil, ErrNotInitialized
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return a.aesgcm.Seal(nonce[:], nonce[:], plaintext, additionalData), nil
}

// Open reverses Seal. additionalData must match what was sealed.
func (a *EncryptionManager) Open(ciphertext, additionalData []byte) ([]byte, error) {
	if a.aesgcm == nil {
		return nil, ErrNotInitialized
	}
	if len(ciphertext) < nonceSize+a.aesgcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := a.aesgcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
