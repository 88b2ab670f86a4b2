package signer

import "crypto/ed25519"

// ed25519Scheme implements genuine Ed25519 verification, replacing the
// source's length-only placeholder per spec §9's Open Question.
type ed25519Scheme struct{}

func (ed25519Scheme) sign(secretKey, message []byte) ([]byte, error) {
	if len(secretKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(ed25519.PrivateKey(secretKey), message), nil
}

func (ed25519Scheme) verify(publicKey, message, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrInvalidKey
	}
	if len(signature) != ed25519.SignatureSize {
		return false, ErrInvalidSignature
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}
