package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for low-entropy secrets: time=3, memory=64MiB, threads=4.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32

	// SaltSize is the length of random salts produced by NewSalt.
	SaltSize = 16
)

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveSecretKey stretches a low-entropy secret (such as a security answer) into a
// 32-byte symmetric key with Argon2id. The context is appended to the salt so that
// the same answer yields different keys for different threshold keys.
func DeriveSecretKey(secret, salt, context []byte) []byte {
	fullSalt := make([]byte, 0, len(salt)+len(context))
	fullSalt = append(fullSalt, salt...)
	fullSalt = append(fullSalt, context...)
	return argon2.IDKey(secret, fullSalt, argonTime, argonMemory, argonThreads, keyLen)
}

// Seal encrypts plaintext with AES-256-GCM. Output format: [nonce (12 bytes)][ciphertext+tag].
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts the output of Seal. A wrong key yields ErrDecryption.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aesGCM.NonceSize()+aesGCM.Overhead() {
		return nil, fmt.Errorf("%w: sealed data too short", ErrDecryption)
	}

	nonce, ciphertext := sealed[:aesGCM.NonceSize()], sealed[aesGCM.NonceSize():]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keyLen {
		return nil, errors.New("symmetric key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
