package signer

import (
	"crypto"

	circlsign "github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/dilithium/mode2"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

// dilithiumScheme implements CRYSTALS-Dilithium at NIST security levels
// 2, 3 and 5 via circl's generic sign.Scheme interface, the same library
// the orbas1-Synnergy pack member uses directly for mode3.
type dilithiumScheme struct {
	level int
}

func (d dilithiumScheme) circlScheme() circlsign.Scheme {
	switch d.level {
	case 2:
		return mode2.Scheme()
	case 3:
		return mode3.Scheme()
	case 5:
		return mode5.Scheme()
	default:
		return nil
	}
}

func (d dilithiumScheme) sign(secretKey, message []byte) ([]byte, error) {
	sch := d.circlScheme()
	if sch == nil {
		return nil, ErrUnsupportedScheme
	}
	sk, err := sch.UnmarshalBinaryPrivateKey(secretKey)
	if err != nil {
		return nil, ErrInvalidKey
	}
	sig := sch.Sign(sk, message, crypto.Hash(0))
	if sig == nil {
		return nil, ErrCryptoFailure
	}
	return sig, nil
}

func (d dilithiumScheme) verify(publicKey, message, signature []byte) (bool, error) {
	sch := d.circlScheme()
	if sch == nil {
		return false, ErrUnsupportedScheme
	}
	pk, err := sch.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false, ErrInvalidKey
	}
	return sch.Verify(pk, message, signature, nil), nil
}
