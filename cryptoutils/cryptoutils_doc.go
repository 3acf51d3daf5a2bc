// Package cryptoutils provides the cryptographic primitives used around the
// threshold key: public-key encryption to the key, request signatures for the
// metadata store and password-style sealing for recovery factors.
//
// # Public-key encryption
//
// EncryptToKey / DecryptWithKey implement ECIES on secp256k1 using go-ethereum's
// crypto/ecies package (ECDH, concatenation KDF with SHA-256, AES-128-CTR and
// HMAC-SHA-256). A fresh ephemeral key is generated for each encryption.
//
// # Request signatures
//
// SignDigest / VerifyDigestSignature produce and check 65-byte recoverable
// secp256k1 signatures over 32-byte digests.
//
// # Secret sealing
//
// DeriveSecretKey stretches low-entropy secrets with Argon2id. Seal / Open use
// AES-256-GCM with the format:
//
//	[nonce (12 bytes)][ciphertext][tag (16 bytes)]
package cryptoutils
