package primitives

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// nextPowerOfTwo returns the next highest power of two from n if n is not
// already a power of two. Ported from teacher blockchain/merkle.go.
func nextPowerOfTwo(n int) int {
	if n&(n-1) == 0 {
		return n
	}
	exponent := 0
	for (1 << exponent) < n {
		exponent++
	}
	return 1 << exponent
}

// hashMerkleBranches hashes the concatenation of two nodes.
func hashMerkleBranches(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.HashH(buf[:])
}

// MerkleRoot computes the merkle root over a transaction set's txids. The
// leaf level is padded to the next power of two by repeating the last
// txid; for some counts (six, for one) this gives a different root than
// duplicating the last node of each odd-length level.
func MerkleRoot(txs []*Transaction) chainhash.Hash {
	if len(txs) == 0 {
		return chainhash.Hash{}
	}

	nodes := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		nodes[i] = tx.Txid()
	}

	size := nextPowerOfTwo(len(nodes))
	level := make([]chainhash.Hash, size)
	copy(level, nodes)
	for i := len(nodes); i < size; i++ {
		level[i] = nodes[len(nodes)-1]
	}

	for len(level) > 1 {
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashMerkleBranches(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}
