package curve

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/cronokirby/saferith"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Secp256k1OrderHex is the order of the secp256k1 base point, used as the sharing field modulus.
const Secp256k1OrderHex = "fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141"

var (
	// ErrUnsupportedCurve is returned when a curve configuration names a group
	// this package cannot perform point arithmetic in.
	ErrUnsupportedCurve = errors.New("unsupported curve")

	// ErrScalarOutOfRange is returned when a scalar is not reduced modulo the field order.
	ErrScalarOutOfRange = errors.New("scalar out of range")

	// ErrInvalidPoint is returned when point data does not describe a point on the curve.
	ErrInvalidPoint = errors.New("invalid curve point")
)

// Curve is the field and group configuration shared by all participants of one key.
// Every scalar operation takes the Curve explicitly; there is no package-level modulus.
type Curve struct {
	name     string
	modulus  *saferith.Modulus
	order    *big.Int
	byteSize int
}

// Secp256k1 returns the default configuration: secp256k1 with its group order as modulus.
func Secp256k1() *Curve {
	c, err := FromHex("secp256k1", Secp256k1OrderHex)
	if err != nil {
		panic(err)
	}
	return c
}

// FromHex builds a curve configuration from a curve name and the hex-encoded field modulus.
// The modulus has to match the group order of the named curve, otherwise public keys
// derived from reconstructed scalars would not correspond to the shared secret.
func FromHex(name, modulusHex string) (*Curve, error) {
	if !strings.EqualFold(name, "secp256k1") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurve, name)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(modulusHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid modulus hex: %w", err)
	}

	order := new(big.Int).SetBytes(raw)
	if order.Cmp(secp256k1.Params().N) != 0 {
		return nil, fmt.Errorf("%w: modulus %x is not the secp256k1 group order", ErrUnsupportedCurve, raw)
	}

	return &Curve{
		name:     "secp256k1",
		modulus:  saferith.ModulusFromBytes(raw),
		order:    order,
		byteSize: (order.BitLen() + 7) / 8,
	}, nil
}

// Name returns the curve name.
func (c *Curve) Name() string {
	return c.name
}

// ModulusHex returns the field modulus as lowercase hex.
func (c *Curve) ModulusHex() string {
	return fmt.Sprintf("%0*x", c.byteSize*2, c.order)
}

// ScalarSize returns the fixed byte length of serialized scalars.
func (c *Curve) ScalarSize() int {
	return c.byteSize
}

// Equal reports whether two configurations describe the same field and group.
func (c *Curve) Equal(other *Curve) bool {
	return other != nil && c.name == other.name && c.order.Cmp(other.order) == 0
}

func (c *Curve) reduce(s Scalar) *saferith.Nat {
	if s.nat == nil {
		return new(saferith.Nat).Mod(new(saferith.Nat).SetUint64(0), c.modulus)
	}
	return new(saferith.Nat).Mod(s.nat, c.modulus)
}

// NewScalar reduces an arbitrary big-endian byte string modulo the field order.
func (c *Curve) NewScalar(b []byte) Scalar {
	return Scalar{nat: new(saferith.Nat).Mod(new(saferith.Nat).SetBytes(b), c.modulus)}
}

// ScalarFromUint64 returns x mod N.
func (c *Curve) ScalarFromUint64(x uint64) Scalar {
	return Scalar{nat: new(saferith.Nat).Mod(new(saferith.Nat).SetUint64(x), c.modulus)}
}

// ScalarFromHex parses a hex scalar and checks that it is already reduced.
func (c *Curve) ScalarFromHex(s string) (Scalar, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return Scalar{}, fmt.Errorf("%w: empty scalar", ErrScalarOutOfRange)
	}
	b, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return Scalar{}, fmt.Errorf("invalid scalar hex %q", s)
	}
	if b.Cmp(c.order) >= 0 {
		return Scalar{}, fmt.Errorf("%w: %s", ErrScalarOutOfRange, s)
	}
	return Scalar{nat: new(saferith.Nat).SetBig(b, c.order.BitLen())}, nil
}

// ScalarFromBytes parses a fixed-size big-endian encoding and checks that it is reduced.
func (c *Curve) ScalarFromBytes(b []byte) (Scalar, error) {
	if len(b) != c.byteSize {
		return Scalar{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrScalarOutOfRange, c.byteSize, len(b))
	}
	if new(big.Int).SetBytes(b).Cmp(c.order) >= 0 {
		return Scalar{}, fmt.Errorf("%w: %x", ErrScalarOutOfRange, b)
	}
	return Scalar{nat: new(saferith.Nat).SetBytes(b)}, nil
}

// Validate checks that s is a reduced element of this field.
func (c *Curve) Validate(s Scalar) error {
	if s.nat == nil {
		return nil
	}
	if _, _, lt := s.nat.CmpMod(c.modulus); lt != 1 {
		return fmt.Errorf("%w: %s", ErrScalarOutOfRange, s.Hex())
	}
	return nil
}

// RandomScalar returns a uniformly random non-zero scalar.
func (c *Curve) RandomScalar() (Scalar, error) {
	return c.randomScalar(rand.Reader)
}

func (c *Curve) randomScalar(r io.Reader) (Scalar, error) {
	// Wide reduction keeps the modulo bias below 2^-128.
	buf := make([]byte, c.byteSize+16)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Scalar{}, fmt.Errorf("failed to read randomness: %w", err)
		}
		s := c.NewScalar(buf)
		if !s.IsZero() {
			return s, nil
		}
	}
}

// Add returns a + b mod N.
func (c *Curve) Add(a, b Scalar) Scalar {
	return Scalar{nat: new(saferith.Nat).ModAdd(c.reduce(a), c.reduce(b), c.modulus)}
}

// Sub returns a - b mod N.
func (c *Curve) Sub(a, b Scalar) Scalar {
	return Scalar{nat: new(saferith.Nat).ModSub(c.reduce(a), c.reduce(b), c.modulus)}
}

// Mul returns a * b mod N.
func (c *Curve) Mul(a, b Scalar) Scalar {
	return Scalar{nat: new(saferith.Nat).ModMul(c.reduce(a), c.reduce(b), c.modulus)}
}

// Inverse returns a^-1 mod N. Zero has no inverse.
func (c *Curve) Inverse(a Scalar) (Scalar, error) {
	r := c.reduce(a)
	if r.EqZero() == 1 {
		return Scalar{}, errors.New("zero has no inverse")
	}
	return Scalar{nat: new(saferith.Nat).ModInverse(r, c.modulus)}, nil
}

// Bytes serializes s as a fixed-size big-endian string of ScalarSize bytes.
func (c *Curve) Bytes(s Scalar) []byte {
	return c.reduce(s).FillBytes(make([]byte, c.byteSize))
}
