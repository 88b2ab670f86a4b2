package signer

import (
	"github.com/cloudflare/circl/sign/eddilithium3"
)

// hybridScheme pairs classical Ed25519 with Dilithium3 using circl's
// native combined scheme, so both halves must independently verify for
// the signature to be accepted — exactly the "hybrid classical∥quantum"
// contract in spec §4.A, with no hand-rolled bundle-splitting logic
// needed since eddilithium3 already enforces it internally.
type hybridScheme struct{}

func (hybridScheme) sign(secretKey, message []byte) ([]byte, error) {
	var sk eddilithium3.PrivateKey
	if len(secretKey) != eddilithium3.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	if err := sk.UnmarshalBinary(secretKey); err != nil {
		return nil, ErrInvalidKey
	}
	sig := make([]byte, eddilithium3.SignatureSize)
	eddilithium3.SignTo(&sk, message, sig)
	return sig, nil
}

func (hybridScheme) verify(publicKey, message, signature []byte) (bool, error) {
	var pk eddilithium3.PublicKey
	if len(publicKey) != eddilithium3.PublicKeySize {
		return false, ErrInvalidKey
	}
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return false, ErrInvalidKey
	}
	if len(signature) != eddilithium3.SignatureSize {
		return false, ErrInvalidSignature
	}
	return eddilithium3.Verify(&pk, message, signature), nil
}
