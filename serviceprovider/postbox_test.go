package serviceprovider

import (
	"testing"

	"github.com/ruteri/tkey-engine/cryptoutils"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostboxProvider(t *testing.T) {
	c := curve.Secp256k1()

	sp, err := GeneratePostboxProvider(c)
	require.NoError(t, err)

	share, err := sp.IdentityShare()
	require.NoError(t, err)
	assert.True(t, share.Index.Equal(c.ScalarFromUint64(IdentityShareIndex)))

	pub, err := c.ScalarBaseMult(share.Value)
	require.NoError(t, err)
	assert.True(t, pub.Equal(sp.PublicKey()), "Identity share value is the postbox key")

	digest := make([]byte, 32)
	sig, err := sp.SignRequest(digest)
	require.NoError(t, err)
	assert.True(t, cryptoutils.VerifyDigestSignature(sp.PublicKey(), digest, sig))

	parsed, err := ParsePostboxKey(c, sp.KeyHex())
	require.NoError(t, err)
	assert.True(t, parsed.PublicKey().Equal(sp.PublicKey()))

	_, err = NewPostboxProvider(c, curve.Scalar{})
	assert.Error(t, err)

	_, err = ParsePostboxKey(c, curve.Secp256k1OrderHex)
	assert.ErrorIs(t, err, curve.ErrScalarOutOfRange)
}
