package signer

import (
	"github.com/kasperdi/SPHINCSPLUS-golang/parameters"
	"github.com/kasperdi/SPHINCSPLUS-golang/sphincs"
)

// sphincsParams returns the configurable SPHINCS+ parameter set. Spec
// §4.A leaves the concrete parameter set configurable; the "f" (fast,
// larger-signature) SHA-256 robust variant is used as the default.
func sphincsParams() *parameters.Parameters {
	return parameters.MakeSphincsPlusSHA256256fRobust(true)
}

// sphincsScheme implements the stateless hash-based SPHINCS+ scheme via
// the kasperdi/SPHINCSPLUS-golang port, which keeps the reference
// implementation's Spx_* function names.
type sphincsScheme struct{}

func (sphincsScheme) sign(secretKey, message []byte) ([]byte, error) {
	params := sphincsParams()
	sk, err := sphincs.SPHINCS_SK_fromBytes(params, secretKey)
	if err != nil {
		return nil, ErrInvalidKey
	}
	sig := sphincs.Spx_sign(params, message, sk)
	if sig == nil {
		return nil, ErrCryptoFailure
	}
	return sig.ToBytes(), nil
}

func (sphincsScheme) verify(publicKey, message, signature []byte) (bool, error) {
	params := sphincsParams()
	pk, err := sphincs.SPHINCS_PK_fromBytes(params, publicKey)
	if err != nil {
		return false, ErrInvalidKey
	}
	sig, err := sphincs.SPHINCS_SIG_fromBytes(params, signature)
	if err != nil {
		return false, ErrInvalidSignature
	}
	return sphincs.Spx_verify(params, message, sig, pk), nil
}
