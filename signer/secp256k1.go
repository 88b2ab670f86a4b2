package signer

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// secp256k1Scheme implements classical ECDSA over secp256k1 using the
// library's native recoverable-compact encoding (65 bytes: a recovery id
// byte followed by the 64-byte R||S pair) rather than hand-rolling a raw
// R||S serializer — ecdsa.SignCompact/RecoverCompact are the only public,
// fixed-size signature encoding the decred secp256k1 package exposes.
type secp256k1Scheme struct{}

func (secp256k1Scheme) sign(secretKey, message []byte) ([]byte, error) {
	priv := secp256k1.PrivKeyFromBytes(secretKey)
	if priv == nil {
		return nil, ErrInvalidKey
	}
	return ecdsa.SignCompact(priv, message, true), nil
}

func (secp256k1Scheme) verify(publicKey, message, signature []byte) (bool, error) {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false, ErrInvalidKey
	}
	if len(signature) != 65 {
		return false, ErrInvalidSignature
	}
	recovered, _, err := ecdsa.RecoverCompact(signature, message)
	if err != nil {
		return false, nil
	}
	return recovered.IsEqual(pub), nil
}
