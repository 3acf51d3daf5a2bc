package shamir

import (
	"fmt"

	"github.com/ruteri/tkey-engine/curve"
)

// Polynomial is a secret-sharing polynomial over the curve's scalar field.
// Coefficient 0 is the secret; the degree is threshold - 1.
type Polynomial struct {
	curve  *curve.Curve
	coeffs []curve.Scalar
}

// NewPolynomial wraps the given coefficients, lowest degree first.
func NewPolynomial(c *curve.Curve, coeffs []curve.Scalar) (*Polynomial, error) {
	if len(coeffs) == 0 {
		return nil, fmt.Errorf("%w: polynomial needs at least one coefficient", ErrInvalidThreshold)
	}
	for i, co := range coeffs {
		if err := c.Validate(co); err != nil {
			return nil, fmt.Errorf("coefficient %d: %w", i, err)
		}
	}
	return &Polynomial{curve: c, coeffs: append([]curve.Scalar(nil), coeffs...)}, nil
}

// Generate creates a polynomial with the given secret and threshold-1 uniformly
// random coefficients above it.
func Generate(c *curve.Curve, secret curve.Scalar, threshold, total int) (*Polynomial, error) {
	if threshold < 1 || threshold > total {
		return nil, fmt.Errorf("%w: threshold %d, total shares %d", ErrInvalidThreshold, threshold, total)
	}
	if secret.IsZero() {
		return nil, fmt.Errorf("%w: secret must not be zero", ErrInvalidThreshold)
	}

	coeffs := make([]curve.Scalar, threshold)
	coeffs[0] = secret
	for i := 1; i < threshold; i++ {
		r, err := c.RandomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = r
	}
	return NewPolynomial(c, coeffs)
}

// GenerateWithShares creates a random polynomial of the given threshold that evaluates
// to secret at 0 and passes through every fixed share. A zero secret is replaced by a
// random one. The remaining degrees of freedom are filled with random points.
func GenerateWithShares(c *curve.Curve, secret curve.Scalar, fixed []Share, threshold int) (*Polynomial, error) {
	if threshold < 1 || len(fixed)+1 > threshold {
		return nil, fmt.Errorf("%w: threshold %d cannot fit %d fixed shares", ErrInvalidThreshold, threshold, len(fixed))
	}

	if secret.IsZero() {
		var err error
		if secret, err = c.RandomScalar(); err != nil {
			return nil, err
		}
	}

	used := map[string]bool{}
	points := []point{{x: curve.Scalar{}, y: secret}}
	for _, s := range fixed {
		if err := s.Validate(c); err != nil {
			return nil, err
		}
		if used[s.Index.Hex()] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIndex, s.Index.Hex())
		}
		used[s.Index.Hex()] = true
		points = append(points, point{x: s.Index.Scalar, y: s.Value})
	}

	for len(points) < threshold {
		idx, err := RandomShareIndex(c, used)
		if err != nil {
			return nil, err
		}
		y, err := c.RandomScalar()
		if err != nil {
			return nil, err
		}
		used[idx.Hex()] = true
		points = append(points, point{x: idx.Scalar, y: y})
	}

	coeffs, err := interpolateCoefficients(c, points)
	if err != nil {
		return nil, err
	}
	return NewPolynomial(c, coeffs)
}

// Threshold is the number of shares needed to reconstruct the secret.
func (p *Polynomial) Threshold() int {
	return len(p.coeffs)
}

// Secret returns coefficient 0.
func (p *Polynomial) Secret() curve.Scalar {
	return p.coeffs[0]
}

// Coefficients returns a copy of the coefficients, lowest degree first.
func (p *Polynomial) Coefficients() []curve.Scalar {
	return append([]curve.Scalar(nil), p.coeffs...)
}

// Evaluate returns p(x) using Horner's rule.
func (p *Polynomial) Evaluate(x curve.Scalar) curve.Scalar {
	c := p.curve
	acc := p.coeffs[len(p.coeffs)-1]
	for i := len(p.coeffs) - 2; i >= 0; i-- {
		acc = c.Add(c.Mul(acc, x), p.coeffs[i])
	}
	return acc
}

// Share evaluates the polynomial at index.
func (p *Polynomial) Share(index ShareIndex) Share {
	return Share{Index: index, Value: p.Evaluate(index.Scalar)}
}

// Commitments returns coeff_i·G for every coefficient.
func (p *Polynomial) Commitments() ([]curve.KeyPoint, error) {
	out := make([]curve.KeyPoint, len(p.coeffs))
	for i, co := range p.coeffs {
		cm, err := p.curve.ScalarBaseMult(co)
		if err != nil {
			return nil, fmt.Errorf("commitment %d: %w", i, err)
		}
		out[i] = cm
	}
	return out, nil
}

// ID derives the polynomial id from its commitments.
func (p *Polynomial) ID() (PolyID, error) {
	cms, err := p.Commitments()
	if err != nil {
		return "", err
	}
	return NewPolyID(cms), nil
}
