package cryptoutils

import (
	"testing"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*curve.Curve, curve.Scalar, curve.KeyPoint) {
	t.Helper()
	c := curve.Secp256k1()
	priv, err := c.RandomScalar()
	require.NoError(t, err)
	pub, err := c.ScalarBaseMult(priv)
	require.NoError(t, err)
	return c, priv, pub
}

// TestEncryptionDecryption tests the EncryptToKey and DecryptWithKey functions
func TestEncryptionDecryption(t *testing.T) {
	c, priv, pub := testKey(t)

	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "Simple string",
			data: []byte("This is a secret message"),
		},
		{
			name: "JSON data",
			data: []byte(`{"module":"securityQuestions","id":"answer"}`),
		},
		{
			name: "Binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "Long data",
			data: make([]byte, 1024),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := EncryptToKey(pub, tc.data)
			require.NoError(t, err)
			require.Greater(t, len(encrypted), len(tc.data))

			decrypted, err := DecryptWithKey(c, priv, encrypted)
			require.NoError(t, err)
			require.Equal(t, tc.data, decrypted)
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	c, _, pub := testKey(t)
	other, err := c.RandomScalar()
	require.NoError(t, err)

	encrypted, err := EncryptToKey(pub, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptWithKey(c, other, encrypted)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = EncryptToKey(curve.KeyPoint{}, []byte("secret"))
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, SaltSize)

	key := DeriveSecretKey([]byte("blue"), salt, []byte("context"))
	require.Len(t, key, 32)
	assert.Equal(t, key, DeriveSecretKey([]byte("blue"), salt, []byte("context")), "KDF must be deterministic")

	sealed, err := Seal(key, []byte("share"), []byte("aad"))
	require.NoError(t, err)

	opened, err := Open(key, sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("share"), opened)

	wrong := DeriveSecretKey([]byte("wrong"), salt, []byte("context"))
	_, err = Open(wrong, sealed, []byte("aad"))
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = Open(key, sealed, []byte("other aad"))
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = Open(key, sealed[:5], nil)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestSignVerify(t *testing.T) {
	c, priv, pub := testKey(t)
	digest := make([]byte, 32)
	digest[0] = 1

	sig, err := SignDigest(c, priv, digest)
	require.NoError(t, err)
	assert.Len(t, sig, 65)
	assert.True(t, VerifyDigestSignature(pub, digest, sig))

	digest[0] = 2
	assert.False(t, VerifyDigestSignature(pub, digest, sig))

	_, _, otherPub := testKey(t)
	digest[0] = 1
	assert.False(t, VerifyDigestSignature(otherPub, digest, sig))
	assert.False(t, VerifyDigestSignature(pub, digest, sig[:10]))
}
