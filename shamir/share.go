package shamir

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/zeebo/blake3"
)

var (
	// ErrInvalidThreshold is returned when a threshold is outside [1, total].
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInsufficientShares is returned when fewer points than the threshold are supplied.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrZeroIndex is returned for share index 0, which would reveal the secret.
	ErrZeroIndex = errors.New("share index must not be zero")

	// ErrDuplicateIndex is returned when two points share an x coordinate.
	ErrDuplicateIndex = errors.New("duplicate share index")

	// ErrShareMismatch is returned when a share does not match the polynomial commitments.
	ErrShareMismatch = errors.New("share does not match polynomial commitments")
)

// ShareIndex identifies a share holder. It is never zero.
type ShareIndex struct {
	curve.Scalar
}

// NewShareIndex wraps s as a share index.
func NewShareIndex(s curve.Scalar) (ShareIndex, error) {
	if s.IsZero() {
		return ShareIndex{}, ErrZeroIndex
	}
	return ShareIndex{Scalar: s}, nil
}

// ParseShareIndex parses a hex share index and validates it against c.
func ParseShareIndex(c *curve.Curve, h string) (ShareIndex, error) {
	s, err := c.ScalarFromHex(h)
	if err != nil {
		return ShareIndex{}, err
	}
	return NewShareIndex(s)
}

// Share is one evaluation point of a polynomial.
type Share struct {
	Index ShareIndex   `json:"shareIndex"`
	Value curve.Scalar `json:"share"`
}

// Validate checks the share belongs to c's field and is not at index zero.
func (s Share) Validate(c *curve.Curve) error {
	if s.Index.IsZero() {
		return ErrZeroIndex
	}
	if err := c.Validate(s.Index.Scalar); err != nil {
		return fmt.Errorf("share index: %w", err)
	}
	if err := c.Validate(s.Value); err != nil {
		return fmt.Errorf("share value: %w", err)
	}
	return nil
}

// PolyID identifies one secret-sharing polynomial generation.
type PolyID string

// NewPolyID derives the id of a polynomial from its coefficient commitments.
func NewPolyID(commitments []curve.KeyPoint) PolyID {
	h := blake3.New()
	for _, cm := range commitments {
		h.Write(cm.Compressed())
	}
	return PolyID(hex.EncodeToString(h.Sum(nil)))
}

func (id PolyID) String() string {
	return string(id)
}

// SortIndexes orders share indexes numerically, in place.
func SortIndexes(indexes []ShareIndex) {
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].Cmp(indexes[j].Scalar) < 0
	})
}

// RandomShareIndex picks a random non-zero index not present in used (keyed by hex).
func RandomShareIndex(c *curve.Curve, used map[string]bool) (ShareIndex, error) {
	for {
		s, err := c.RandomScalar()
		if err != nil {
			return ShareIndex{}, err
		}
		if used[s.Hex()] {
			continue
		}
		return NewShareIndex(s)
	}
}
