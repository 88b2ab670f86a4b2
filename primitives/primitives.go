// Package primitives defines the consensus data model shared by every
// subsystem in the node: outpoints, outputs, transactions, block headers
// and blocks, plus their canonical serialization and hashing rules.
package primitives

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CoinbaseMaturity is the number of confirmations a coinbase output must
// accumulate before it is spendable. The source left this unfixed; 100 is
// the value used across the domain this node belongs to.
const CoinbaseMaturity = 100

// MaxOutputAmount is the invariant ceiling on a single output's amount
// (amounts must be representable as a non-negative int64).
const MaxOutputAmount = 1<<63 - 1

// OutPoint is the identity of a coin: the transaction that created it and
// the index of the output within that transaction.
type OutPoint struct {
	Hash  chainhash.Hash
	Index uint32
}

// CoinbasePrevIndex is the sentinel output index used by a coinbase's lone
// input.
const CoinbasePrevIndex = 0xffffffff

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash, o.Index)
}

// Less orders outpoints lexicographically by hash then index, the order
// the UTXO commitment hash is computed over.
func (o OutPoint) Less(other OutPoint) bool {
	if c := bytes.Compare(o.Hash[:], other.Hash[:]); c != 0 {
		return c < 0
	}
	return o.Index < other.Index
}

// Output is a spendable coin record. Immutable once committed in a block.
type Output struct {
	Amount uint64
	Script []byte
}

// Bytes returns the canonical serialization of an output, used by both
// the UTXO commitment hash and transaction serialization.
func (o Output) Bytes() []byte {
	buf := make([]byte, 8, 8+len(o.Script))
	binary.LittleEndian.PutUint64(buf, o.Amount)
	buf = append(buf, o.Script...)
	return buf
}

// SignatureScheme identifies which signature layer scheme a tx's
// signature bundle was produced with. Mirrors signer.Scheme without an
// import cycle; signer.Scheme values are defined to match these discriminants.
type SignatureScheme uint8

// TxIn references a prior output and carries the data needed to spend it.
type TxIn struct {
	PreviousOutPoint OutPoint
	SignatureScript  []byte
	Sequence         uint32
}

// SigBundle is the extended transaction-v2 signature bundle (spec §6):
// scheme, security level, opaque scheme-specific data, and the public key
// used to produce it.
type SigBundle struct {
	Scheme        SignatureScheme
	SecurityLevel uint8
	Data          []byte
	PublicKey     []byte
}

// Transaction is the node's transaction representation.
type Transaction struct {
	Version       uint32
	Inputs        []TxIn
	Outputs       []Output
	LockTime      uint32
	SignatureData *SigBundle
}

// Errors describing structurally malformed transactions (spec §7,
// Structural class).
var (
	ErrNoInputs        = errors.New("primitives: transaction has no inputs")
	ErrNoOutputs       = errors.New("primitives: transaction has no outputs")
	ErrOutputTooLarge  = errors.New("primitives: output amount exceeds maximum")
	ErrValueConservation = errors.New("primitives: total inputs less than total outputs")
)

// IsCoinbase reports whether tx is a coinbase transaction: a single input
// whose previous outpoint has an all-zero hash and the sentinel index.
func (tx *Transaction) IsCoinbase() bool {
	if len(tx.Inputs) != 1 {
		return false
	}
	in := tx.Inputs[0].PreviousOutPoint
	return in.Hash == chainhash.Hash{} && in.Index == CoinbasePrevIndex
}

// CheckStructure enforces the well-formedness invariant from spec §3: at
// least one input and output, no output at or above 2^63, and (for
// non-coinbase transactions) total inputs at least total outputs. The
// input-total check requires the caller to supply the sum of resolved
// input amounts, since a bare Transaction cannot resolve its own inputs.
func (tx *Transaction) CheckStructure(totalInput uint64) error {
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	var totalOutput uint64
	for _, out := range tx.Outputs {
		if out.Amount > MaxOutputAmount {
			return ErrOutputTooLarge
		}
		totalOutput += out.Amount
	}
	if !tx.IsCoinbase() && totalInput < totalOutput {
		return ErrValueConservation
	}
	return nil
}

// serialize writes the canonical encoding of tx. When includeSig is false,
// the signature bundle is omitted regardless of whether it is set — this
// is the encoding the txid is computed over.
func (tx *Transaction) serialize(includeSig bool) []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], tx.Version)
	buf.Write(u32[:])

	writeVarInt(&buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf.Write(in.PreviousOutPoint.Hash[:])
		binary.LittleEndian.PutUint32(u32[:], in.PreviousOutPoint.Index)
		buf.Write(u32[:])
		writeVarBytes(&buf, in.SignatureScript)
		binary.LittleEndian.PutUint32(u32[:], in.Sequence)
		buf.Write(u32[:])
	}

	writeVarInt(&buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		binary.LittleEndian.PutUint64(u64[:], out.Amount)
		buf.Write(u64[:])
		writeVarBytes(&buf, out.Script)
	}

	binary.LittleEndian.PutUint32(u32[:], tx.LockTime)
	buf.Write(u32[:])

	if includeSig && tx.SignatureData != nil {
		buf.WriteByte(1)
		buf.WriteByte(byte(tx.SignatureData.Scheme))
		buf.WriteByte(tx.SignatureData.SecurityLevel)
		writeVarBytes(&buf, tx.SignatureData.Data)
		writeVarBytes(&buf, tx.SignatureData.PublicKey)
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

// Bytes returns the full canonical serialization, including the signature
// bundle when present. This is the wire/storage encoding, distinct from
// the signing hash.
func (tx *Transaction) Bytes() []byte {
	return tx.serialize(true)
}

// SigningBytes returns the canonical serialization with the signature
// bundle omitted — the preimage for both Txid and the message a
// signature covers.
func (tx *Transaction) SigningBytes() []byte {
	return tx.serialize(false)
}

// Txid is SHA-256 (single round) of the canonical serialization with
// signature_data omitted, per spec §3.
func (tx *Transaction) Txid() chainhash.Hash {
	return chainhash.HashH(tx.SigningBytes())
}

// SerializeSize returns the byte size of the full wire encoding, used for
// fee-rate computation.
func (tx *Transaction) SerializeSize() int {
	return len(tx.Bytes())
}

func writeVarInt(buf *bytes.Buffer, n uint64) {
	var tmp [8]byte
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		binary.LittleEndian.PutUint16(tmp[:2], uint16(n))
		buf.Write(tmp[:2])
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		binary.LittleEndian.PutUint32(tmp[:4], uint32(n))
		buf.Write(tmp[:4])
	default:
		buf.WriteByte(0xff)
		binary.LittleEndian.PutUint64(tmp[:8], n)
		buf.Write(tmp[:8])
	}
}

func writeVarBytes(buf *bytes.Buffer, b []byte) {
	writeVarInt(buf, uint64(len(b)))
	buf.Write(b)
}

// BlockHeader is the consensus header: version, previous-block linkage,
// merkle commitment, timestamp, compact difficulty bits, nonce and height.
type BlockHeader struct {
	Version       uint32
	PrevBlockHash chainhash.Hash
	MerkleRoot    chainhash.Hash
	Timestamp     int64
	Bits          uint32
	Nonce         uint32
	Height        uint32
}

// Bytes is the canonical header serialization, the preimage of Hash.
func (h *BlockHeader) Bytes() []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], h.Version)
	buf.Write(u32[:])
	buf.Write(h.PrevBlockHash[:])
	buf.Write(h.MerkleRoot[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(h.Timestamp))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], h.Bits)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], h.Nonce)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], h.Height)
	buf.Write(u32[:])

	return buf.Bytes()
}

// Hash is the proof-of-work hash of the header.
func (h *BlockHeader) Hash() chainhash.Hash {
	return chainhash.HashH(h.Bytes())
}

// Block is a header plus its ordered transactions; the first transaction
// must be the coinbase.
type Block struct {
	Header       BlockHeader
	Transactions []*Transaction
}

// Coinbase returns the block's coinbase transaction.
func (b *Block) Coinbase() *Transaction {
	if len(b.Transactions) == 0 {
		return nil
	}
	return b.Transactions[0]
}
