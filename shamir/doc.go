// Package shamir implements Shamir secret sharing over a prime field with
// Feldman-style coefficient commitments.
//
// Unlike hashicorp/vault/shamir, which splits byte strings over GF(2^8), shares
// here are elements of the curve scalar field so that public shares can be
// derived from the polynomial commitments and checked against a key point.
//
// Usage:
//
//	c := curve.Secp256k1()
//	poly, _ := shamir.Generate(c, secret, 2, 3)
//	share := poly.Share(index)
//	secret, _ := shamir.Reconstruct(c, []shamir.Share{s1, s2}, 2)
package shamir
