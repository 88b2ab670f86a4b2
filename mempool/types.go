// Package mempool implements the node's fee-prioritized transaction pool:
// admission, replace-by-fee, orphan staging, and ancestor/descendant fee
// accounting (spec §3, §4.C).
package mempool

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ironveil/node/primitives"
)

// MaxTransactionAge is how long an entry may sit in the pool before a
// periodic sweep expires it (spec §3).
const MaxTransactionAge = 7 * 24 * time.Hour

// orphanExpireScanInterval bounds how often the orphan pool is rescanned
// for expired entries, mirroring teacher mempool.go's nextExpireScan idiom.
const orphanExpireScanInterval = 5 * time.Minute

// orphanTTL is how long an orphan may sit staged before expiring.
const orphanTTL = 15 * time.Minute

// Config holds the pool's tunable policy. Struct tags follow the
// go-flags idiom so an out-of-scope CLI/config loader can populate
// these directly.
type Config struct {
	MinFeeRate   float64 `long:"minfeerate" description:"Minimum accepted fee per byte"`
	MaxPoolBytes int64   `long:"maxpoolbytes" description:"Maximum total size of the pool in bytes"`
	MaxOrphans   int     `long:"maxorphans" description:"Maximum orphan transactions staged at once"`
	MaxTxSize    int64   `long:"maxtxsize" description:"Maximum accepted transaction size in bytes"`
	RBFEnabled   bool    `long:"rbfenabled" description:"Allow fee-based replacement of conflicting transactions"`
	RBFIncrement float64 `long:"rbfincrement" description:"Required fractional fee-rate bump for a replacement, e.g. 0.10 for 10%"`
}

// DefaultConfig mirrors the constants exercised by the spec §8 scenarios.
func DefaultConfig() Config {
	return Config{
		MinFeeRate:   1.0,
		MaxPoolBytes: 300_000_000,
		MaxOrphans:   100,
		MaxTxSize:    400_000,
		RBFEnabled:   true,
		RBFIncrement: 0.10,
	}
}

// Entry is a mempool entry: the transaction plus the bookkeeping the pool
// maintains for fee-based ordering (spec §3).
type Entry struct {
	Tx              *primitives.Transaction
	Txid            chainhash.Hash
	Arrival         time.Time
	SizeBytes       int64
	Fee             int64
	FeeRate         float64
	AncestorSize    int64
	AncestorFee     int64
	AncestorFeeRate float64

	id       int
	parents  map[int]struct{}
	children map[int]struct{}
}

// Errors closes the mempool outcome taxonomy (spec §7).
var (
	ErrAlreadyExists  = errors.New("mempool: transaction already known")
	ErrStructural     = errors.New("mempool: malformed transaction")
	ErrMissingInputs  = errors.New("mempool: input not found in utxo or pool")
	ErrNegativeFee    = errors.New("mempool: total inputs less than total outputs")
	ErrFeeTooLow      = errors.New("mempool: fee rate below minimum")
	ErrConflict       = errors.New("mempool: conflicts with an existing pool transaction")
	ErrPoolFull       = errors.New("mempool: pool is full")
	ErrTooManyOrphans = errors.New("mempool: orphan pool is full")
)

// ErrOrphanStaged is returned (unwrapped) by Accept when a transaction is
// staged as an orphan rather than rejected — admission still "succeeds"
// per spec §4.C step 3, but the caller may want to distinguish the two.
var ErrOrphanStaged = errors.New("mempool: staged as orphan")
