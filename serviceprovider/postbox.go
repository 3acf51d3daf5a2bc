// Package serviceprovider implements interfaces.ServiceProvider backed by a local
// secp256k1 postbox key.
package serviceprovider

import (
	"errors"
	"fmt"

	"github.com/ruteri/tkey-engine/cryptoutils"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/shamir"
)

// IdentityShareIndex is the share index reserved for the service provider.
const IdentityShareIndex = 1

// PostboxProvider holds the caller's postbox key. The key doubles as the value of
// the identity share and signs metadata commits; its public point addresses the
// caller's metadata.
type PostboxProvider struct {
	curve *curve.Curve
	key   curve.Scalar
	pub   curve.KeyPoint
}

// NewPostboxProvider wraps an existing postbox key.
func NewPostboxProvider(c *curve.Curve, key curve.Scalar) (*PostboxProvider, error) {
	if key.IsZero() {
		return nil, errors.New("postbox key must not be zero")
	}
	if err := c.Validate(key); err != nil {
		return nil, fmt.Errorf("invalid postbox key: %w", err)
	}
	pub, err := c.ScalarBaseMult(key)
	if err != nil {
		return nil, err
	}
	return &PostboxProvider{curve: c, key: key, pub: pub}, nil
}

// ParsePostboxKey builds a provider from a hex postbox key.
func ParsePostboxKey(c *curve.Curve, keyHex string) (*PostboxProvider, error) {
	key, err := c.ScalarFromHex(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid postbox key: %w", err)
	}
	return NewPostboxProvider(c, key)
}

// GeneratePostboxProvider creates a provider with a fresh random key.
func GeneratePostboxProvider(c *curve.Curve) (*PostboxProvider, error) {
	key, err := c.RandomScalar()
	if err != nil {
		return nil, err
	}
	return NewPostboxProvider(c, key)
}

// IdentityShare returns the share at IdentityShareIndex whose value is the postbox key.
func (p *PostboxProvider) IdentityShare() (shamir.Share, error) {
	idx, err := shamir.NewShareIndex(p.curve.ScalarFromUint64(IdentityShareIndex))
	if err != nil {
		return shamir.Share{}, err
	}
	return shamir.Share{Index: idx, Value: p.key}, nil
}

// PublicKey returns the postbox public key.
func (p *PostboxProvider) PublicKey() curve.KeyPoint {
	return p.pub
}

// SignRequest signs a 32-byte digest with the postbox key.
func (p *PostboxProvider) SignRequest(digest []byte) ([]byte, error) {
	return cryptoutils.SignDigest(p.curve, p.key, digest)
}

// KeyHex exports the postbox key.
func (p *PostboxProvider) KeyHex() string {
	return p.key.Hex()
}
