package chainstate

import (
	"errors"
	"fmt"

	"github.com/ironveil/node/primitives"
	"github.com/ironveil/node/signer"
	"github.com/ironveil/node/utxo"
)

// Signature-verification errors for block application (spec §4.A
// scheme-selection policy, §7 Consensus class).
var (
	ErrMissingSignatureData = errors.New("chainstate: version>=2 transaction carries no signature bundle")
	ErrUnrecognizedScript   = errors.New("chainstate: spent output's script does not encode a recognized scheme")
	ErrBadSignature         = errors.New("chainstate: transaction signature failed verification")
)

// scriptScheme decodes a standard spendable output's script: a leading
// byte naming the signer.Scheme the output was paid to, followed by the
// spending public key. This extends the tag-byte convention
// channels/channel.go already uses for commitment outputs (disjoint
// values, 0xc9-0xcb) to ordinary outputs — the original port's
// script-type dispatch (P2PKH/P2SH/P2WPKH/P2WSH) is out of scope, so
// every script type this node recognizes is exactly one scheme, tagged
// directly rather than pattern-matched from an opcode stream.
func scriptScheme(script []byte) (signer.Scheme, []byte, error) {
	if len(script) < 1 {
		return 0, nil, ErrUnrecognizedScript
	}
	scheme := signer.Scheme(script[0])
	if !signer.Supported(scheme) {
		return 0, nil, fmt.Errorf("%w: scheme %d", ErrUnrecognizedScript, script[0])
	}
	return scheme, script[1:], nil
}

// verifyTransaction checks tx's signature under spec §4.A's
// scheme-selection policy: the signature bundle's own discriminant when
// tx.Version >= 2 and a bundle is present (one signature over the whole
// transaction), else the spending script type of each previous output
// (one signature per input). message is always the txid computed with
// signature_data omitted. prevOutputs must align 1:1 with tx.Inputs.
func verifyTransaction(tx *primitives.Transaction, prevOutputs []*utxo.Entry) error {
	if tx.IsCoinbase() {
		return nil
	}

	txid := tx.Txid()
	message := txid[:]

	if tx.Version >= 2 {
		sd := tx.SignatureData
		if sd == nil {
			return ErrMissingSignatureData
		}
		ok, err := signer.Verify(signer.Scheme(sd.Scheme), sd.PublicKey, message, sd.Data)
		if err != nil {
			return fmt.Errorf("chainstate: %w", err)
		}
		if !ok {
			return ErrBadSignature
		}
		return nil
	}

	for i, in := range tx.Inputs {
		scheme, pubkey, err := scriptScheme(prevOutputs[i].Output.Script)
		if err != nil {
			return fmt.Errorf("%w: input %d", err, i)
		}
		ok, err := signer.Verify(scheme, pubkey, message, in.SignatureScript)
		if err != nil {
			return fmt.Errorf("chainstate: input %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("%w: input %d", ErrBadSignature, i)
		}
	}
	return nil
}
