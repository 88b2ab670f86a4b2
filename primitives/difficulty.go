package primitives

import (
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Errors from decoding and validating compact difficulty bits (spec §4.D,
// §6, §8 boundary behaviors).
var (
	ErrBitsMantissaTooLarge = errors.New("primitives: compact bits mantissa exceeds 0x7fffff")
	ErrBitsExponentTooLarge = errors.New("primitives: compact bits exponent exceeds 34")
	ErrBitsZeroExponent     = errors.New("primitives: compact bits has non-zero mantissa with zero exponent")
)

// maxWork is the work assigned to a bits encoding whose target is zero,
// i.e. maximal difficulty — and an upper bound no real target's work can
// reach, since it equals the work of an (unreachable) zero target.
var maxWork = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var workNumerator = new(big.Int).Lsh(big.NewInt(1), 256)

// Target decodes compact difficulty bits into the 256-bit proof-of-work
// target: target = mantissa * 256^(exponent-3). Returns an error if the
// encoding violates the Bitcoin-style compact-bits rules.
func Target(bits uint32) (*big.Int, error) {
	exponent := int((bits >> 24) & 0xff)
	mantissa := int64(bits & 0x00ffffff)

	if mantissa > 0x7fffff {
		return nil, ErrBitsMantissaTooLarge
	}
	if exponent > 34 {
		return nil, ErrBitsExponentTooLarge
	}
	if mantissa != 0 && exponent == 0 {
		return nil, ErrBitsZeroExponent
	}

	target := big.NewInt(mantissa)
	if exponent > 3 {
		target.Lsh(target, uint(8*(exponent-3)))
	} else if exponent < 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	}
	return target, nil
}

// Work returns the work represented by a single block's compact bits:
// work = 2^256 / (target + 1), the same inverse-target formula used by
// Bitcoin Core's GetBlockProof, with a zero target treated as maximal
// work. The original_source fork resolver this is ported from computes
// work by subtracting target from a 128-bit ceiling, which saturates to
// zero for any target at real-network difficulty scale (targets routinely
// exceed 2^128) — that collapses every practical chain to equal work and
// defeats fork resolution entirely, so this uses the unbounded 256-bit
// formula instead; see DESIGN.md.
func Work(bits uint32) (*big.Int, error) {
	target, err := Target(bits)
	if err != nil {
		return nil, err
	}
	if target.Sign() == 0 {
		return new(big.Int).Set(maxWork), nil
	}

	denominator := new(big.Int).Add(target, big.NewInt(1))
	work := new(big.Int).Quo(workNumerator, denominator)
	return work, nil
}

// MeetsTarget reports whether a header's PoW hash satisfies its own
// declared target: hash(header) <= target(bits).
func MeetsTarget(hash chainhash.Hash, bits uint32) (bool, error) {
	target, err := Target(bits)
	if err != nil {
		return false, err
	}
	// Hash is compared as a big-endian integer over the reversed (little
	// endian wire order) digest, matching Bitcoin-style PoW comparison.
	reversed := make([]byte, len(hash))
	for i, b := range hash {
		reversed[len(hash)-1-i] = b
	}
	hashInt := new(big.Int).SetBytes(reversed)
	return hashInt.Cmp(target) <= 0, nil
}
