package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ruteri/tkey-engine/curve"
)

// ErrDecryption is returned when a ciphertext cannot be opened with the given key.
var ErrDecryption = errors.New("decryption failed")

// ToECDSA converts a secp256k1 private scalar into a go-ethereum key.
func ToECDSA(c *curve.Curve, priv curve.Scalar) (*ecdsa.PrivateKey, error) {
	if priv.IsZero() {
		return nil, errors.New("private key must not be zero")
	}
	return crypto.ToECDSA(c.Bytes(priv))
}

// ToECDSAPublic converts a key point into a go-ethereum public key.
func ToECDSAPublic(pub curve.KeyPoint) (*ecdsa.PublicKey, error) {
	if !pub.IsSet() {
		return nil, fmt.Errorf("%w: unset public key", curve.ErrInvalidPoint)
	}
	return crypto.DecompressPubkey(pub.Compressed())
}

// EncryptToKey encrypts data with ECIES for the holder of pub.
// A fresh ephemeral key is generated for each encryption operation. The output
// is go-ethereum's ECIES format: ephemeral public key, ciphertext and HMAC tag.
func EncryptToKey(pub curve.KeyPoint, data []byte) ([]byte, error) {
	ecdsaPub, err := ToECDSAPublic(pub)
	if err != nil {
		return nil, err
	}
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(ecdsaPub), data, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

// DecryptWithKey decrypts data produced by EncryptToKey.
func DecryptWithKey(c *curve.Curve, priv curve.Scalar, ciphertext []byte) ([]byte, error) {
	ecdsaPriv, err := ToECDSA(c, priv)
	if err != nil {
		return nil, err
	}
	pt, err := ecies.ImportECDSA(ecdsaPriv).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return pt, nil
}
