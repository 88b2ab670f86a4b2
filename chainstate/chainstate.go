// Package chainstate owns the node's view of the block header tree and the
// single main chain selected from it: header storage, height indexing,
// reorg application, and secure fork resolution between competing tips.
package chainstate

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ironveil/node/primitives"
	"github.com/ironveil/node/utxo"
)

// BlockStatus records what has been verified about a block beyond its
// header: headers-first sync carries blocks through these states before
// they can extend the main chain.
type BlockStatus uint8

const (
	StatusHeaderOnly BlockStatus = iota
	StatusValid
	StatusInvalid
)

// Node is one entry in the header tree: a header plus the bookkeeping
// needed for chain-work accumulation and main-chain membership.
type Node struct {
	Header     primitives.BlockHeader
	Hash       chainhash.Hash
	Height     uint32
	Work       *big.Int // this block's own work
	ChainWork  *big.Int // cumulative work from genesis through this block
	Status     BlockStatus
	InMainChain bool
}

var (
	ErrUnknownParent   = errors.New("chainstate: header's parent is not known")
	ErrDuplicateHeader = errors.New("chainstate: header already known")
	ErrBadCheckpoint   = errors.New("chainstate: header conflicts with a checkpoint")

	// ErrBadProofOfWork rejects a header whose hash does not meet its own
	// declared difficulty target (spec §7, Consensus class): work is still
	// accumulated for comparison purposes elsewhere, but an invalid-PoW
	// header may never enter the tree as anything but rejected outright.
	ErrBadProofOfWork = errors.New("chainstate: header hash does not meet its declared target")
)

// Block-application errors (spec §4.D step 5, §7 Consensus class): a
// fetched block body fails one of these checks independently of whether
// its header already validated.
var (
	ErrBlockNotLinked   = errors.New("chainstate: block header has not been added via AddHeader")
	ErrBadMerkleRoot    = errors.New("chainstate: block transactions do not match the header's merkle root")
	ErrMissingCoinbase  = errors.New("chainstate: block's first transaction is not a coinbase")
	ErrMultipleCoinbase = errors.New("chainstate: block contains more than one coinbase transaction")
	ErrMissingInput     = errors.New("chainstate: transaction spends an outpoint absent from the UTXO set")
	ErrImmatureCoinbase = errors.New("chainstate: transaction spends a coinbase output before it has matured")
	ErrDeltaUnavailable = errors.New("chainstate: no previously applied UTXO delta is available for this block")
)

// Checkpoint pins a height to a required hash and, once block application
// has made it available, the UTXO commitment at that height (spec §3, §4.D
// step 7, §6 checkpoint shape). Headers at Height with a different Hash
// are rejected outright.
type Checkpoint struct {
	Height         uint32
	Hash           chainhash.Hash
	UTXOCommitment [32]byte
}

// BlockDelta pairs the UTXO delta a block's application produced with the
// entries it removed, so a later reorg can invert it (utxo.Set.Undo) or
// replay it (utxo.Set.Apply) without re-deriving the block's contents.
type BlockDelta struct {
	Height  uint32
	Applied utxo.Delta
	Removed []*utxo.Entry
}

// ChainState is the concurrency-safe owner of the header tree and the main
// chain. Single-writer, many-reader: mutations take the write lock, all
// queries take the read lock, mirroring the teacher's UtxoViewpoint model.
type ChainState struct {
	mu sync.RWMutex

	nodes  map[chainhash.Hash]*Node
	height map[uint32]chainhash.Hash // height -> main-chain hash

	tip         chainhash.Hash
	genesis     chainhash.Hash
	checkpoints []Checkpoint

	// utxoSet is owned exclusively by this ChainState; ApplyBlock is its
	// only writer (spec §4.B). deltas records each applied block's UTXO
	// delta, keyed by hash, so reorganizeTo/deactivateFrom can undo or
	// replay it without the block body.
	utxoSet *utxo.Set
	deltas  map[chainhash.Hash]BlockDelta

	resolver *ForkResolver
}

// New creates a chain state rooted at the given genesis header, owning a
// fresh, empty UTXO set.
func New(genesisHeader primitives.BlockHeader, checkpoints []Checkpoint) *ChainState {
	hash := genesisHeader.Hash()
	work, _ := primitives.Work(genesisHeader.Bits)
	genesisNode := &Node{
		Header:      genesisHeader,
		Hash:        hash,
		Height:      0,
		Work:        work,
		ChainWork:   new(big.Int).Set(work),
		Status:      StatusValid,
		InMainChain: true,
	}
	cs := &ChainState{
		nodes:       map[chainhash.Hash]*Node{hash: genesisNode},
		height:      map[uint32]chainhash.Hash{0: hash},
		tip:         hash,
		genesis:     hash,
		checkpoints: checkpoints,
		utxoSet:     utxo.New(),
		deltas:      make(map[chainhash.Hash]BlockDelta),
		resolver:    NewForkResolver(DefaultForkConfig()),
	}
	return cs
}

// UTXOSet returns the chain state's owned UTXO set. The pointer is stable
// for the ChainState's lifetime; callers (mempool input resolution,
// external commitment checks) use its own locking for concurrent access.
func (cs *ChainState) UTXOSet() *utxo.Set {
	return cs.utxoSet
}

// Tip returns the current main-chain tip.
func (cs *ChainState) Tip() *Node {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.nodes[cs.tip]
}

// Height returns the current main-chain height.
func (cs *ChainState) Height() uint32 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.nodes[cs.tip].Height
}

// GetNode returns the header-tree node for a hash, if known.
func (cs *ChainState) GetNode(hash chainhash.Hash) (*Node, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	n, ok := cs.nodes[hash]
	return n, ok
}

// HashAtHeight returns the main-chain hash at a given height.
func (cs *ChainState) HashAtHeight(height uint32) (chainhash.Hash, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	h, ok := cs.height[height]
	return h, ok
}

// getHeader adapts the internal node map to the shape ForkResolver needs
// for chain traversal.
func (cs *ChainState) getHeader(hash chainhash.Hash) (primitives.BlockHeader, bool) {
	n, ok := cs.nodes[hash]
	if !ok {
		return primitives.BlockHeader{}, false
	}
	return n.Header, true
}

// AddHeader validates and inserts a new header into the tree (spec §4.D,
// §4.E). A header whose parent is the current tip becomes the new tip at
// once; any other header is only stored, and switching the main chain to
// its branch is left to ConsiderReorg.
func (cs *ChainState) AddHeader(header primitives.BlockHeader) (*Node, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	hash := header.Hash()
	if _, exists := cs.nodes[hash]; exists {
		return nil, ErrDuplicateHeader
	}

	meetsTarget, err := primitives.MeetsTarget(hash, header.Bits)
	if err != nil {
		return nil, fmt.Errorf("chainstate: %w", err)
	}
	if !meetsTarget {
		return nil, ErrBadProofOfWork
	}

	parent, ok := cs.nodes[header.PrevBlockHash]
	if !ok {
		return nil, ErrUnknownParent
	}

	height := parent.Height + 1
	for _, cp := range cs.checkpoints {
		if cp.Height == height && cp.Hash != hash {
			return nil, fmt.Errorf("%w: height %d", ErrBadCheckpoint, height)
		}
	}

	work, err := primitives.Work(header.Bits)
	if err != nil {
		return nil, fmt.Errorf("chainstate: %w", err)
	}
	node := &Node{
		Header:    header,
		Hash:      hash,
		Height:    height,
		Work:      work,
		ChainWork: new(big.Int).Add(parent.ChainWork, work),
		Status:    StatusHeaderOnly,
	}
	cs.nodes[hash] = node

	// Extend the main chain automatically only when this header's parent
	// is the current tip; a richer competing branch requires an explicit
	// ConsiderReorg decision from the secure fork resolver.
	if header.PrevBlockHash == cs.tip {
		cs.activate(node)
		log.Debugf("AddHeader: new tip %v at height %d", hash, height)
	} else {
		log.Tracef("AddHeader: %v at height %d staged off-tip (parent %v)", hash, height, header.PrevBlockHash)
	}
	return node, nil
}

// MarkValid promotes a header-only node to fully validated, called once
// its block body has been fetched and checked (headers-first sync).
func (cs *ChainState) MarkValid(hash chainhash.Hash) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n, ok := cs.nodes[hash]
	if !ok {
		return ErrUnknownParent
	}
	n.Status = StatusValid
	return nil
}

// MarkInvalid marks a node and disqualifies it from ever becoming (or
// remaining) the main-chain tip.
func (cs *ChainState) MarkInvalid(hash chainhash.Hash) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n, ok := cs.nodes[hash]
	if !ok {
		return ErrUnknownParent
	}
	n.Status = StatusInvalid
	log.Warnf("MarkInvalid: %v at height %d disqualified", hash, n.Height)
	if n.InMainChain {
		// Roll the tip back to the parent; callers are expected to then
		// seek a replacement tip via ConsiderReorg.
		cs.deactivateFrom(n)
	}
	return nil
}

// ApplyBlock validates a fetched block body against the node its header
// already linked via AddHeader, then commits its UTXO delta (spec §4.D
// step 5): merkle root, coinbase shape, per-input coinbase maturity, and
// per-transaction signature verification under the §4.A scheme-selection
// policy (verifyTransaction). Calling it twice for the same block is a
// no-op. Blocks are expected to be applied in increasing height order
// along the chain currently being synced; reorganizeTo and deactivateFrom
// replay or undo the resulting delta when the main chain later changes.
func (cs *ChainState) ApplyBlock(block *primitives.Block) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	hash := block.Header.Hash()
	node, ok := cs.nodes[hash]
	if !ok {
		return ErrBlockNotLinked
	}
	if _, done := cs.deltas[hash]; done {
		return nil
	}

	if block.Header.MerkleRoot != primitives.MerkleRoot(block.Transactions) {
		return ErrBadMerkleRoot
	}
	if len(block.Transactions) == 0 || !block.Transactions[0].IsCoinbase() {
		return ErrMissingCoinbase
	}

	var delta utxo.Delta
	for i, tx := range block.Transactions {
		if i == 0 {
			continue
		}
		if tx.IsCoinbase() {
			return ErrMultipleCoinbase
		}

		prevOutputs := make([]*utxo.Entry, len(tx.Inputs))
		for j, in := range tx.Inputs {
			entry, ok := cs.utxoSet.Get(in.PreviousOutPoint)
			if !ok {
				return fmt.Errorf("%w: %v", ErrMissingInput, in.PreviousOutPoint)
			}
			if entry.IsCoinbase && node.Height < entry.Height+primitives.CoinbaseMaturity {
				return fmt.Errorf("%w: outpoint %v", ErrImmatureCoinbase, in.PreviousOutPoint)
			}
			prevOutputs[j] = entry
			delta.Spent = append(delta.Spent, in.PreviousOutPoint)
		}
		if err := verifyTransaction(tx, prevOutputs); err != nil {
			return err
		}
	}

	for i, tx := range block.Transactions {
		txid := tx.Txid()
		for idx, out := range tx.Outputs {
			delta.Created = append(delta.Created, &utxo.Entry{
				OutPoint:   primitives.OutPoint{Hash: txid, Index: uint32(idx)},
				Output:     out,
				Height:     node.Height,
				IsCoinbase: i == 0,
			})
		}
	}

	removed, ok := cs.utxoSet.Apply(delta)
	if !ok {
		return ErrMissingInput
	}

	node.Status = StatusValid
	cs.deltas[hash] = BlockDelta{Height: node.Height, Applied: delta, Removed: removed}
	log.Debugf("ApplyBlock: %v at height %d applied (%d tx, %d spent, %d created)",
		hash, node.Height, len(block.Transactions), len(delta.Spent), len(delta.Created))
	return nil
}

// UndoBlock reverses a previously applied block's UTXO delta. Exposed for
// callers that track block application independently of reorganizeTo's
// automatic rollback (e.g. an explicit invalidation outside MarkInvalid's
// normal path).
func (cs *ChainState) UndoBlock(hash chainhash.Hash) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	bd, ok := cs.deltas[hash]
	if !ok {
		return ErrDeltaUnavailable
	}
	cs.utxoSet.Undo(bd.Applied, bd.Removed)
	delete(cs.deltas, hash)
	log.Debugf("UndoBlock: %v at height %d rolled back", hash, bd.Height)
	return nil
}

// MaterializeCheckpoint records a self-observed checkpoint at height once
// block application has made both the hash and the UTXO set's commitment
// available (spec §4.D step 7). Called by the sync engine every
// checkpoint interval once it crosses that height.
func (cs *ChainState) MaterializeCheckpoint(height uint32, hash chainhash.Hash) Checkpoint {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cp := Checkpoint{Height: height, Hash: hash, UTXOCommitment: cs.utxoSet.Commitment()}
	cs.checkpoints = append(cs.checkpoints, cp)
	log.Infof("MaterializeCheckpoint: height %d hash %v", height, hash)
	return cp
}

// activate makes node the main-chain tip, for the simple case where node
// directly extends the current tip; it walks no ancestry.
func (cs *ChainState) activate(node *Node) {
	node.InMainChain = true
	cs.height[node.Height] = node.Hash
	cs.tip = node.Hash
}

// deactivateFrom removes n and its main-chain descendants from the height
// index, resetting the tip to n's parent.
func (cs *ChainState) deactivateFrom(n *Node) {
	for h := n.Height; ; h++ {
		hash, ok := cs.height[h]
		if !ok {
			break
		}
		if node := cs.nodes[hash]; node != nil {
			node.InMainChain = false
		}
		if bd, ok := cs.deltas[hash]; ok {
			cs.utxoSet.Undo(bd.Applied, bd.Removed)
			delete(cs.deltas, hash)
		}
		delete(cs.height, h)
	}
	parent := cs.nodes[n.Header.PrevBlockHash]
	if parent != nil {
		cs.tip = parent.Hash
	}
}

// ConsiderReorg compares the current tip against a candidate tip using
// secure fork resolution (spec §4.D) and, if the candidate wins, performs
// the chain reorganization. Returns whether a reorg occurred.
func (cs *ChainState) ConsiderReorg(candidate chainhash.Hash) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	candidateNode, ok := cs.nodes[candidate]
	if !ok {
		return false, ErrUnknownParent
	}
	if candidateNode.Status == StatusInvalid {
		return false, nil
	}
	if candidate == cs.tip {
		return false, nil
	}

	candidateWins, err := cs.resolver.CompareChains(candidate, cs.tip, cs.getHeader)
	if err != nil {
		return false, err
	}
	if !candidateWins {
		return false, nil
	}

	log.Infof("REORGANIZE: tip %v (height %d) -> %v (height %d)",
		cs.tip, cs.nodes[cs.tip].Height, candidate, candidateNode.Height)
	cs.reorganizeTo(candidateNode)
	return true, nil
}

// reorganizeTo rewrites the height index so the main chain runs from
// genesis through candidate, disconnecting the old branch and connecting
// the new one at their common ancestor.
func (cs *ChainState) reorganizeTo(candidate *Node) {
	// Walk both branches back to their common ancestor.
	newBranch := []*Node{}
	cur := candidate
	for !cur.InMainChain {
		newBranch = append(newBranch, cur)
		cur = cs.nodes[cur.Header.PrevBlockHash]
		if cur == nil {
			return
		}
	}
	fork := cur // common ancestor, already in main chain

	// Disconnect everything above the fork point on the old chain,
	// undoing each disconnected block's UTXO delta.
	for h := fork.Height + 1; ; h++ {
		hash, ok := cs.height[h]
		if !ok {
			break
		}
		if node := cs.nodes[hash]; node != nil {
			node.InMainChain = false
		}
		if bd, ok := cs.deltas[hash]; ok {
			cs.utxoSet.Undo(bd.Applied, bd.Removed)
			delete(cs.deltas, hash)
			log.Debugf("reorganizeTo: undid UTXO delta for disconnected block %v at height %d", hash, h)
		}
		delete(cs.height, h)
	}

	// Connect the new branch, fork-adjacent node first, replaying each
	// block's UTXO delta if it was previously applied via ApplyBlock (it
	// always has been for the engine's own chain; a branch whose bodies
	// were never fetched logs a warning and leaves the UTXO set without
	// that branch's effects).
	for i := len(newBranch) - 1; i >= 0; i-- {
		n := newBranch[i]
		n.InMainChain = true
		cs.height[n.Height] = n.Hash
		if bd, ok := cs.deltas[n.Hash]; ok {
			if removed, ok := cs.utxoSet.Apply(bd.Applied); ok {
				cs.deltas[n.Hash] = BlockDelta{Height: bd.Height, Applied: bd.Applied, Removed: removed}
			} else {
				log.Errorf("reorganizeTo: failed to reapply stored UTXO delta for %v at height %d", n.Hash, n.Height)
			}
		} else {
			log.Warnf("reorganizeTo: connecting %v at height %d with no previously applied UTXO delta", n.Hash, n.Height)
		}
	}
	cs.tip = candidate.Hash
}

// LocatorHashes returns a sparse set of main-chain hashes suitable for a
// getheaders locator: the tip, then exponentially receding ancestors, used
// by the sync engine to describe "what I have" to a peer.
func (cs *ChainState) LocatorHashes() []chainhash.Hash {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	var locator []chainhash.Hash
	tip := cs.nodes[cs.tip]
	step := 1
	height := tip.Height
	for {
		if hash, ok := cs.height[height]; ok {
			locator = append(locator, hash)
		}
		if height == 0 {
			break
		}
		if len(locator) >= 10 {
			step *= 2
		}
		if uint32(step) > height {
			height = 0
		} else {
			height -= uint32(step)
		}
	}
	return locator
}
