package curve

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cronokirby/saferith"
)

// Scalar is an element of the sharing field. The zero value is the scalar 0.
//
// Scalars decoded from text are not reduced until they pass through a Curve;
// use Curve.Validate on anything that crossed a trust boundary.
type Scalar struct {
	nat *saferith.Nat
}

// Big returns a copy of the scalar as a big.Int.
func (s Scalar) Big() *big.Int {
	if s.nat == nil {
		return new(big.Int)
	}
	return s.nat.Big()
}

// IsZero reports whether s == 0.
func (s Scalar) IsZero() bool {
	return s.nat == nil || s.nat.EqZero() == 1
}

// Equal compares values irrespective of internal capacity.
func (s Scalar) Equal(other Scalar) bool {
	return s.Big().Cmp(other.Big()) == 0
}

// Cmp orders scalars numerically.
func (s Scalar) Cmp(other Scalar) int {
	return s.Big().Cmp(other.Big())
}

// Hex returns the 64-character zero-padded hex encoding.
func (s Scalar) Hex() string {
	return fmt.Sprintf("%064x", s.Big())
}

// String implements fmt.Stringer.
func (s Scalar) String() string {
	return s.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (s Scalar) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scalar) UnmarshalText(text []byte) error {
	str := strings.TrimPrefix(strings.TrimSpace(string(text)), "0x")
	b, ok := new(big.Int).SetString(str, 16)
	if !ok || b.Sign() < 0 {
		return fmt.Errorf("invalid scalar hex %q", str)
	}
	s.nat = new(saferith.Nat).SetBig(b, b.BitLen())
	return nil
}
