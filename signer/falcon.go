package signer

import "crypto/sha512"

// Canonical Falcon signature sizes (spec §4.A names Falcon-512/1024 as
// supported schemes). No real Go implementation of Falcon exists anywhere
// in the reference pack or its go.mod manifests (circl has no Falcon
// package; no algorand/falcon-style module is referenced anywhere in the
// corpus) — see DESIGN.md. falconScheme is therefore the one component in
// this layer built on the standard library alone, following the same
// documented-placeholder pattern as the eth2030 pq_tx_signer reference
// file in the pack: a deterministic hash-expansion "signature" sized to
// match Falcon's real signature lengths, checked structurally rather than
// with genuine lattice-based verification. It carries no post-quantum
// security margin and exists only so the scheme registry and wire format
// have a complete, exercised slot for Falcon.
type falconScheme struct {
	level int
}

func (f falconScheme) sigSize() int {
	if f.level == 1024 {
		return 1330
	}
	return 690
}

// expand stretches seed to n bytes by repeated SHA-512, the same
// fillFromSeed technique the eth2030 placeholder uses.
func expand(seed []byte, n int) []byte {
	out := make([]byte, 0, n)
	cur := seed
	for len(out) < n {
		sum := sha512.Sum512(cur)
		cur = sum[:]
		out = append(out, cur...)
	}
	return out[:n]
}

func (f falconScheme) sign(secretKey, message []byte) ([]byte, error) {
	if len(secretKey) == 0 {
		return nil, ErrInvalidKey
	}
	pub := sha512.Sum512(secretKey)
	tag := sha512.Sum512(append(append([]byte{}, pub[:32]...), message...))
	return expand(tag[:], f.sigSize()), nil
}

func (f falconScheme) verify(publicKey, message, signature []byte) (bool, error) {
	if len(publicKey) < 32 {
		return false, ErrInvalidKey
	}
	if len(signature) != f.sigSize() {
		return false, ErrInvalidSignature
	}
	tag := sha512.Sum512(append(append([]byte{}, publicKey[:32]...), message...))
	expected := expand(tag[:], f.sigSize())
	if len(expected) != len(signature) {
		return false, nil
	}
	for i := range expected {
		if expected[i] != signature[i] {
			return false, nil
		}
	}
	return true, nil
}
