package shamir

import (
	"testing"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndexes(t *testing.T, c *curve.Curve, n int) []ShareIndex {
	t.Helper()
	out := make([]ShareIndex, n)
	for i := range out {
		idx, err := NewShareIndex(c.ScalarFromUint64(uint64(i + 1)))
		require.NoError(t, err)
		out[i] = idx
	}
	return out
}

func TestGenerate_ReconstructAllSubsets(t *testing.T) {
	c := curve.Secp256k1()
	secret, err := c.RandomScalar()
	require.NoError(t, err)

	poly, err := Generate(c, secret, 3, 5)
	require.NoError(t, err, "Generate should succeed with valid parameters")
	assert.Equal(t, 3, poly.Threshold())
	assert.True(t, poly.Secret().Equal(secret))

	shares := make([]Share, 0, 5)
	for _, idx := range testIndexes(t, c, 5) {
		shares = append(shares, poly.Share(idx))
	}

	for a := 0; a < 5; a++ {
		for b := a + 1; b < 5; b++ {
			for d := b + 1; d < 5; d++ {
				got, err := Reconstruct(c, []Share{shares[a], shares[b], shares[d]}, 3)
				require.NoError(t, err)
				assert.True(t, got.Equal(secret), "subset %d,%d,%d should reconstruct the secret", a, b, d)
			}
		}
	}

	_, err = Reconstruct(c, shares[:2], 3)
	assert.ErrorIs(t, err, ErrInsufficientShares, "Two shares must not satisfy threshold 3")
}

func TestGenerate_InvalidParameters(t *testing.T) {
	c := curve.Secp256k1()
	secret := c.ScalarFromUint64(42)

	_, err := Generate(c, secret, 4, 3)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = Generate(c, secret, 0, 3)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = Generate(c, curve.Scalar{}, 2, 3)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestGenerateWithShares(t *testing.T) {
	c := curve.Secp256k1()
	secret := c.ScalarFromUint64(1234)

	fixedValue, err := c.RandomScalar()
	require.NoError(t, err)
	one, err := NewShareIndex(c.ScalarFromUint64(1))
	require.NoError(t, err)
	fixed := Share{Index: one, Value: fixedValue}

	poly, err := GenerateWithShares(c, secret, []Share{fixed}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, poly.Threshold())
	assert.True(t, poly.Secret().Equal(secret), "Polynomial must pass through the secret at zero")
	assert.True(t, poly.Evaluate(one.Scalar).Equal(fixedValue), "Polynomial must pass through the fixed share")

	// threshold 3 leaves one random point
	poly3, err := GenerateWithShares(c, secret, []Share{fixed}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, poly3.Threshold())
	assert.True(t, poly3.Evaluate(one.Scalar).Equal(fixedValue))

	random, err := GenerateWithShares(c, curve.Scalar{}, []Share{fixed}, 2)
	require.NoError(t, err)
	assert.False(t, random.Secret().IsZero(), "Zero secret should be replaced with a random one")

	_, err = GenerateWithShares(c, secret, []Share{fixed, fixed}, 3)
	assert.ErrorIs(t, err, ErrDuplicateIndex)

	_, err = GenerateWithShares(c, secret, []Share{fixed}, 1)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestLagrangeInterpolate_NonZeroTarget(t *testing.T) {
	c := curve.Secp256k1()
	// p(x) = 5 + 3x
	poly, err := NewPolynomial(c, []curve.Scalar{c.ScalarFromUint64(5), c.ScalarFromUint64(3)})
	require.NoError(t, err)

	idx := testIndexes(t, c, 3)
	shares := []Share{poly.Share(idx[0]), poly.Share(idx[2])}

	got, err := LagrangeInterpolate(c, shares, idx[1].Scalar, 2)
	require.NoError(t, err)
	assert.True(t, got.Equal(c.ScalarFromUint64(11)), "p(2) should be 11")

	_, err = LagrangeInterpolate(c, []Share{shares[0], shares[0]}, curve.Scalar{}, 2)
	assert.ErrorIs(t, err, ErrDuplicateIndex)
}

func TestInterpolatePolynomial(t *testing.T) {
	c := curve.Secp256k1()
	secret, err := c.RandomScalar()
	require.NoError(t, err)
	poly, err := Generate(c, secret, 3, 3)
	require.NoError(t, err)

	idx := testIndexes(t, c, 3)
	recovered, err := InterpolatePolynomial(c, []Share{poly.Share(idx[0]), poly.Share(idx[1]), poly.Share(idx[2])})
	require.NoError(t, err)

	want := poly.Coefficients()
	got := recovered.Coefficients()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "coefficient %d should match", i)
	}

	origID, err := poly.ID()
	require.NoError(t, err)
	recID, err := recovered.ID()
	require.NoError(t, err)
	assert.Equal(t, origID, recID)
}

func TestPublicShareAndVerify(t *testing.T) {
	c := curve.Secp256k1()
	secret, err := c.RandomScalar()
	require.NoError(t, err)
	poly, err := Generate(c, secret, 2, 2)
	require.NoError(t, err)

	commitments, err := poly.Commitments()
	require.NoError(t, err)
	pub, err := c.ScalarBaseMult(secret)
	require.NoError(t, err)
	assert.True(t, commitments[0].Equal(pub), "First commitment is the public key")

	idx, err := RandomShareIndex(c, nil)
	require.NoError(t, err)
	share := poly.Share(idx)

	expected, err := c.ScalarBaseMult(share.Value)
	require.NoError(t, err)
	public, err := PublicShare(c, commitments, idx)
	require.NoError(t, err)
	assert.True(t, public.Equal(expected))

	assert.NoError(t, VerifyShare(c, commitments, share))

	tampered := share
	tampered.Value = c.Add(share.Value, c.ScalarFromUint64(1))
	assert.ErrorIs(t, VerifyShare(c, commitments, tampered), ErrShareMismatch)
}

func TestSortIndexes(t *testing.T) {
	c := curve.Secp256k1()
	idx := testIndexes(t, c, 4)
	shuffled := []ShareIndex{idx[3], idx[0], idx[2], idx[1]}
	SortIndexes(shuffled)
	assert.Equal(t, idx, shuffled)
}
