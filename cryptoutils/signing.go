package cryptoutils

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tkey-engine/curve"
)

// SignDigest produces a 65-byte recoverable [R || S || V] signature over a 32-byte digest.
func SignDigest(c *curve.Curve, priv curve.Scalar, digest []byte) ([]byte, error) {
	key, err := ToECDSA(c, priv)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// VerifyDigestSignature checks a signature made by SignDigest against pub.
func VerifyDigestSignature(pub curve.KeyPoint, digest, sig []byte) bool {
	if !pub.IsSet() || len(digest) != 32 || len(sig) < 64 {
		return false
	}
	return crypto.VerifySignature(pub.Compressed(), digest, sig[:64])
}
