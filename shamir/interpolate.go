package shamir

import (
	"fmt"

	"github.com/ruteri/tkey-engine/curve"
)

type point struct {
	x curve.Scalar
	y curve.Scalar
}

func sharePoints(shares []Share) ([]point, error) {
	seen := make(map[string]bool, len(shares))
	points := make([]point, 0, len(shares))
	for _, s := range shares {
		if s.Index.IsZero() {
			return nil, ErrZeroIndex
		}
		if seen[s.Index.Hex()] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIndex, s.Index.Hex())
		}
		seen[s.Index.Hex()] = true
		points = append(points, point{x: s.Index.Scalar, y: s.Value})
	}
	return points, nil
}

// LagrangeInterpolate evaluates, at target, the unique polynomial of degree
// threshold-1 through the first threshold shares. At least threshold distinct shares
// are required.
func LagrangeInterpolate(c *curve.Curve, shares []Share, target curve.Scalar, threshold int) (curve.Scalar, error) {
	if threshold < 1 {
		return curve.Scalar{}, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}
	points, err := sharePoints(shares)
	if err != nil {
		return curve.Scalar{}, err
	}
	if len(points) < threshold {
		return curve.Scalar{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(points), threshold)
	}
	for _, p := range points {
		if err := c.Validate(p.x); err != nil {
			return curve.Scalar{}, err
		}
		if err := c.Validate(p.y); err != nil {
			return curve.Scalar{}, err
		}
	}
	return evaluateThrough(c, points[:threshold], target)
}

// Reconstruct recovers the secret (the value at zero) from threshold shares.
func Reconstruct(c *curve.Curve, shares []Share, threshold int) (curve.Scalar, error) {
	return LagrangeInterpolate(c, shares, curve.Scalar{}, threshold)
}

func evaluateThrough(c *curve.Curve, points []point, target curve.Scalar) (curve.Scalar, error) {
	var result curve.Scalar
	for i, pi := range points {
		num := c.ScalarFromUint64(1)
		den := c.ScalarFromUint64(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			num = c.Mul(num, c.Sub(target, pj.x))
			den = c.Mul(den, c.Sub(pi.x, pj.x))
		}
		inv, err := c.Inverse(den)
		if err != nil {
			return curve.Scalar{}, fmt.Errorf("%w: %v", ErrDuplicateIndex, err)
		}
		result = c.Add(result, c.Mul(pi.y, c.Mul(num, inv)))
	}
	return result, nil
}

// InterpolatePolynomial recovers the full polynomial through the given shares.
// The resulting threshold is len(shares).
func InterpolatePolynomial(c *curve.Curve, shares []Share) (*Polynomial, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrInsufficientShares)
	}
	points, err := sharePoints(shares)
	if err != nil {
		return nil, err
	}
	coeffs, err := interpolateCoefficients(c, points)
	if err != nil {
		return nil, err
	}
	return NewPolynomial(c, coeffs)
}

// interpolateCoefficients expands the Lagrange form into monomial coefficients.
func interpolateCoefficients(c *curve.Curve, points []point) ([]curve.Scalar, error) {
	n := len(points)
	coeffs := make([]curve.Scalar, n)

	for i, pi := range points {
		// basis = prod_{j != i} (x - x_j), built up lowest degree first
		basis := []curve.Scalar{c.ScalarFromUint64(1)}
		den := c.ScalarFromUint64(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			next := make([]curve.Scalar, len(basis)+1)
			for k, b := range basis {
				next[k] = c.Sub(next[k], c.Mul(b, pj.x))
				next[k+1] = c.Add(next[k+1], b)
			}
			basis = next
			den = c.Mul(den, c.Sub(pi.x, pj.x))
		}

		inv, err := c.Inverse(den)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateIndex, err)
		}
		scale := c.Mul(pi.y, inv)
		for k, b := range basis {
			coeffs[k] = c.Add(coeffs[k], c.Mul(b, scale))
		}
	}

	return coeffs, nil
}

// PublicShare computes share(index)·G from the polynomial commitments alone.
func PublicShare(c *curve.Curve, commitments []curve.KeyPoint, index ShareIndex) (curve.KeyPoint, error) {
	if len(commitments) == 0 {
		return curve.KeyPoint{}, fmt.Errorf("%w: no commitments", ErrInvalidThreshold)
	}
	if index.IsZero() {
		return curve.KeyPoint{}, ErrZeroIndex
	}

	// Horner in the exponent: ((C_{t-1}·x + C_{t-2})·x + ...) + C_0
	acc := commitments[len(commitments)-1]
	for i := len(commitments) - 2; i >= 0; i-- {
		scaled, err := c.ScalarMult(acc, index.Scalar)
		if err != nil {
			return curve.KeyPoint{}, err
		}
		acc, err = c.AddPoints(scaled, commitments[i])
		if err != nil {
			return curve.KeyPoint{}, err
		}
	}
	return acc, nil
}

// VerifyShare checks share.Value·G against the public share derived from commitments.
func VerifyShare(c *curve.Curve, commitments []curve.KeyPoint, share Share) error {
	if err := share.Validate(c); err != nil {
		return err
	}
	expected, err := PublicShare(c, commitments, share.Index)
	if err != nil {
		return err
	}
	actual, err := c.ScalarBaseMult(share.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShareMismatch, err)
	}
	if !actual.Equal(expected) {
		return ErrShareMismatch
	}
	return nil
}
