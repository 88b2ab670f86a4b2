// Package signer implements the node's pluggable signature layer: a
// uniform verify/sign/batch-verify surface over classical and
// post-quantum schemes, selected by a closed discriminant rather than
// deep interface inheritance (spec §9's capability-table redesign note).
package signer

import "errors"

// Scheme identifies a supported signature scheme. Values line up with
// primitives.SignatureScheme so a transaction's signature-bundle
// discriminant can be cast directly.
type Scheme uint8

const (
	Secp256k1 Scheme = iota
	Ed25519
	Dilithium2
	Dilithium3
	Dilithium5
	Falcon512
	Falcon1024
	SPHINCS
	Hybrid
)

func (s Scheme) String() string {
	switch s {
	case Secp256k1:
		return "secp256k1"
	case Ed25519:
		return "ed25519"
	case Dilithium2:
		return "dilithium2"
	case Dilithium3:
		return "dilithium3"
	case Dilithium5:
		return "dilithium5"
	case Falcon512:
		return "falcon512"
	case Falcon1024:
		return "falcon1024"
	case SPHINCS:
		return "sphincs+"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Errors closes the outcome taxonomy for the signature layer (spec §4.A,
// §7 Structural/Consensus classes). All are non-fatal: the caller rejects
// the offending tx or block and moves on.
var (
	ErrUnsupportedScheme = errors.New("signer: unsupported scheme")
	ErrInvalidKey        = errors.New("signer: invalid key")
	ErrInvalidSignature  = errors.New("signer: invalid signature")
	ErrBatchMismatch     = errors.New("signer: batch arrays must have equal length")
	ErrCryptoFailure     = errors.New("signer: cryptographic operation failed")
)

// scheme is the internal capability-table entry every concrete scheme
// implements: sign, verify, and nothing else. Selection is by the closed
// Scheme enum (scheme.go's registry), never by type assertion chains.
type scheme interface {
	sign(secretKey, message []byte) ([]byte, error)
	verify(publicKey, message, signature []byte) (bool, error)
}

var registry = map[Scheme]scheme{
	Secp256k1:  secp256k1Scheme{},
	Ed25519:    ed25519Scheme{},
	Dilithium2: dilithiumScheme{level: 2},
	Dilithium3: dilithiumScheme{level: 3},
	Dilithium5: dilithiumScheme{level: 5},
	Falcon512:  falconScheme{level: 512},
	Falcon1024: falconScheme{level: 1024},
	SPHINCS:    sphincsScheme{},
	Hybrid:     hybridScheme{},
}

// Supported reports whether s is a registered scheme.
func Supported(s Scheme) bool {
	_, ok := registry[s]
	return ok
}

// Verify checks a single (pubkey, message, signature) triple under scheme.
func Verify(s Scheme, publicKey, message, signature []byte) (bool, error) {
	impl, ok := registry[s]
	if !ok {
		return false, ErrUnsupportedScheme
	}
	ok2, err := impl.verify(publicKey, message, signature)
	if err != nil {
		return false, err
	}
	return ok2, nil
}

// Sign produces a signature over message under scheme using secretKey.
func Sign(s Scheme, secretKey, message []byte) ([]byte, error) {
	impl, ok := registry[s]
	if !ok {
		return nil, ErrUnsupportedScheme
	}
	return impl.sign(secretKey, message)
}

// Item is one element of a batch-verify request.
type Item struct {
	PublicKey []byte
	Message   []byte
	Signature []byte
}

// BatchVerify verifies a batch of (pk, msg, sig) triples under a single
// scheme. The default implementation verifies sequentially and
// short-circuits on the first mismatch; secp256k1 uses the same path since
// the decred secp256k1 ecdsa package exposes no native batch verifier. batch_verify(scheme, S)
// returns true iff every item independently verifies (spec §8).
func BatchVerify(s Scheme, items []Item) (bool, error) {
	if _, ok := registry[s]; !ok {
		return false, ErrUnsupportedScheme
	}
	for _, it := range items {
		ok, err := Verify(s, it.PublicKey, it.Message, it.Signature)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
