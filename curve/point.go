package curve

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeyPoint is a point on the configured curve. The zero value is "unset" and is
// rejected by every operation that needs a real point.
type KeyPoint struct {
	pub *secp256k1.PublicKey
}

// NewKeyPoint builds a point from hex affine coordinates and checks it lies on the curve.
func NewKeyPoint(xHex, yHex string) (KeyPoint, error) {
	x, err := decodeCoordinate(xHex)
	if err != nil {
		return KeyPoint{}, err
	}
	y, err := decodeCoordinate(yHex)
	if err != nil {
		return KeyPoint{}, err
	}
	return ParseKeyPoint(append(append([]byte{0x04}, x...), y...))
}

func decodeCoordinate(h string) ([]byte, error) {
	h = strings.TrimPrefix(strings.TrimSpace(h), "0x")
	if len(h)%2 == 1 {
		h = "0" + h
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("%w: coordinate longer than 32 bytes", ErrInvalidPoint)
	}
	out := make([]byte, 32)
	copy(out[32-len(raw):], raw)
	return out, nil
}

// ParseKeyPoint parses a SEC1 compressed or uncompressed encoding.
func ParseKeyPoint(sec1 []byte) (KeyPoint, error) {
	pub, err := secp256k1.ParsePubKey(sec1)
	if err != nil {
		return KeyPoint{}, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return KeyPoint{pub: pub}, nil
}

// ParseKeyPointHex parses a hex SEC1 encoding.
func ParseKeyPointHex(s string) (KeyPoint, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return KeyPoint{}, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return ParseKeyPoint(raw)
}

// IsSet reports whether p holds a point.
func (p KeyPoint) IsSet() bool {
	return p.pub != nil
}

// X returns the 64-character hex x coordinate.
func (p KeyPoint) X() string {
	if p.pub == nil {
		return ""
	}
	return fmt.Sprintf("%064x", p.pub.X())
}

// Y returns the 64-character hex y coordinate.
func (p KeyPoint) Y() string {
	if p.pub == nil {
		return ""
	}
	return fmt.Sprintf("%064x", p.pub.Y())
}

// Compressed returns the 33-byte SEC1 compressed encoding.
func (p KeyPoint) Compressed() []byte {
	if p.pub == nil {
		return nil
	}
	return p.pub.SerializeCompressed()
}

// Uncompressed returns the 65-byte SEC1 uncompressed encoding.
func (p KeyPoint) Uncompressed() []byte {
	if p.pub == nil {
		return nil
	}
	return p.pub.SerializeUncompressed()
}

// Hex returns the hex compressed encoding, which is also the text form.
func (p KeyPoint) Hex() string {
	return hex.EncodeToString(p.Compressed())
}

func (p KeyPoint) String() string {
	return p.Hex()
}

// Equal compares two points; two unset points are equal.
func (p KeyPoint) Equal(other KeyPoint) bool {
	if p.pub == nil || other.pub == nil {
		return p.pub == nil && other.pub == nil
	}
	return p.pub.IsEqual(other.pub)
}

// MarshalText implements encoding.TextMarshaler.
func (p KeyPoint) MarshalText() ([]byte, error) {
	return []byte(p.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text leaves the point unset.
func (p *KeyPoint) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		p.pub = nil
		return nil
	}
	parsed, err := ParseKeyPointHex(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (c *Curve) modN(s Scalar) *secp256k1.ModNScalar {
	var k secp256k1.ModNScalar
	k.SetByteSlice(c.Bytes(s))
	return &k
}

func fromJacobian(j *secp256k1.JacobianPoint) (KeyPoint, error) {
	if (j.X.IsZero() && j.Y.IsZero()) || j.Z.IsZero() {
		return KeyPoint{}, errors.New("point at infinity")
	}
	j.ToAffine()
	return KeyPoint{pub: secp256k1.NewPublicKey(&j.X, &j.Y)}, nil
}

// ScalarBaseMult returns s·G.
func (c *Curve) ScalarBaseMult(s Scalar) (KeyPoint, error) {
	if s.IsZero() {
		return KeyPoint{}, errors.New("cannot multiply base point by zero")
	}
	var result secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(c.modN(s), &result)
	return fromJacobian(&result)
}

// ScalarMult returns s·p.
func (c *Curve) ScalarMult(p KeyPoint, s Scalar) (KeyPoint, error) {
	if !p.IsSet() {
		return KeyPoint{}, fmt.Errorf("%w: unset point", ErrInvalidPoint)
	}
	var in, result secp256k1.JacobianPoint
	p.pub.AsJacobian(&in)
	secp256k1.ScalarMultNonConst(c.modN(s), &in, &result)
	return fromJacobian(&result)
}

// AddPoints returns a + b.
func (c *Curve) AddPoints(a, b KeyPoint) (KeyPoint, error) {
	if !a.IsSet() || !b.IsSet() {
		return KeyPoint{}, fmt.Errorf("%w: unset point", ErrInvalidPoint)
	}
	var ja, jb, result secp256k1.JacobianPoint
	a.pub.AsJacobian(&ja)
	b.pub.AsJacobian(&jb)
	secp256k1.AddNonConst(&ja, &jb, &result)
	return fromJacobian(&result)
}
