package tkey

import (
	"github.com/ruteri/tkey-engine/cryptoutils"
)

// Encrypt encrypts msg to the key's public point.
func (k *ThresholdKey) Encrypt(msg []byte) ([]byte, error) {
	m, _, err := k.view()
	if err != nil {
		return nil, err
	}
	ct, err := cryptoutils.EncryptToKey(m.PubKey, msg)
	if err != nil {
		return nil, mathError(err)
	}
	return ct, nil
}

// Decrypt decrypts a message produced by Encrypt. It requires a reconstructed key.
func (k *ThresholdKey) Decrypt(ciphertext []byte) ([]byte, error) {
	priv, err := k.privateKey()
	if err != nil {
		return nil, err
	}
	msg, err := cryptoutils.DecryptWithKey(k.curve, priv, ciphertext)
	if err != nil {
		return nil, mathError(err)
	}
	return msg, nil
}
