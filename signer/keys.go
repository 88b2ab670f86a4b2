package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode2"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/cloudflare/circl/sign/dilithium/mode5"
	"github.com/cloudflare/circl/sign/eddilithium3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/kasperdi/SPHINCSPLUS-golang/sphincs"
)

// KeyPair is a generated public/secret key encoded the way Sign/Verify
// expect to receive them.
type KeyPair struct {
	PublicKey []byte
	SecretKey []byte
}

// GenerateKeyPair produces a fresh keypair for scheme s. Used by tests and
// by the quantum-canary subsystem, which deploys real keys at deliberately
// low security levels rather than synthetic ones.
func GenerateKeyPair(s Scheme) (*KeyPair, error) {
	switch s {
	case Secp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, ErrCryptoFailure
		}
		return &KeyPair{PublicKey: priv.PubKey().SerializeCompressed(), SecretKey: priv.Serialize()}, nil

	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, ErrCryptoFailure
		}
		return &KeyPair{PublicKey: pub, SecretKey: priv}, nil

	case Dilithium2:
		pk, sk, err := mode2.GenerateKey(rand.Reader)
		if err != nil {
			return nil, ErrCryptoFailure
		}
		return &KeyPair{PublicKey: pk.Bytes(), SecretKey: sk.Bytes()}, nil

	case Dilithium3:
		pk, sk, err := mode3.GenerateKey(rand.Reader)
		if err != nil {
			return nil, ErrCryptoFailure
		}
		return &KeyPair{PublicKey: pk.Bytes(), SecretKey: sk.Bytes()}, nil

	case Dilithium5:
		pk, sk, err := mode5.GenerateKey(rand.Reader)
		if err != nil {
			return nil, ErrCryptoFailure
		}
		return &KeyPair{PublicKey: pk.Bytes(), SecretKey: sk.Bytes()}, nil

	case Falcon512, Falcon1024:
		secret := make([]byte, 64)
		if _, err := rand.Read(secret); err != nil {
			return nil, ErrCryptoFailure
		}
		pub := sha512.Sum512(secret)
		return &KeyPair{PublicKey: pub[:], SecretKey: secret}, nil

	case SPHINCS:
		pk, sk := sphincs.Spx_keygen(sphincsParams())
		return &KeyPair{PublicKey: pk.ToBytes(), SecretKey: sk.ToBytes()}, nil

	case Hybrid:
		pk, sk, err := eddilithium3.GenerateKey(rand.Reader)
		if err != nil {
			return nil, ErrCryptoFailure
		}
		pubBytes, err := pk.MarshalBinary()
		if err != nil {
			return nil, ErrCryptoFailure
		}
		skBytes, err := sk.MarshalBinary()
		if err != nil {
			return nil, ErrCryptoFailure
		}
		return &KeyPair{PublicKey: pubBytes, SecretKey: skBytes}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, s)
	}
}
