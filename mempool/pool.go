package mempool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/ironveil/node/primitives"
	"github.com/ironveil/node/utxo"
)

// UTXOView is the read-only view the pool consults when resolving a
// transaction's inputs. *utxo.Set satisfies it directly.
type UTXOView interface {
	Get(op primitives.OutPoint) (*utxo.Entry, bool)
}

// orphanTx is a transaction staged because one or more inputs could not be
// resolved at admission time (spec §4.C step 3). Ported from teacher
// mempool.go's orphanTx/orphanTTL idiom.
type orphanTx struct {
	tx         *primitives.Transaction
	txid       chainhash.Hash
	expiration time.Time
}

// Pool is the node's transaction pool. Safe for concurrent use; mirrors
// teacher TxPool's sync.RWMutex-guarded map idiom, generalized with an
// arena-plus-index dependency graph (spec §9) for ancestor accounting.
type Pool struct {
	mu   sync.RWMutex
	cfg  Config
	utxo UTXOView

	entries map[chainhash.Hash]*Entry
	nodes   []*Entry // arena; Entry.id indexes into this slice

	outpoints   map[primitives.OutPoint]chainhash.Hash // spender index
	poolOutputs map[primitives.OutPoint]primitives.Output

	orphans       map[chainhash.Hash]*orphanTx
	orphansByPrev map[primitives.OutPoint]map[chainhash.Hash]*primitives.Transaction

	totalBytes     int64
	nextExpireScan time.Time
}

// New returns an empty pool backed by the given UTXO view.
func New(cfg Config, view UTXOView) *Pool {
	return &Pool{
		cfg:            cfg,
		utxo:           view,
		entries:        make(map[chainhash.Hash]*Entry),
		outpoints:      make(map[primitives.OutPoint]chainhash.Hash),
		poolOutputs:    make(map[primitives.OutPoint]primitives.Output),
		orphans:        make(map[chainhash.Hash]*orphanTx),
		orphansByPrev:  make(map[primitives.OutPoint]map[chainhash.Hash]*primitives.Transaction),
		nextExpireScan: time.Now().Add(orphanExpireScanInterval),
	}
}

// Accept runs the full admission pipeline (spec §4.C steps 1-9) for a
// candidate transaction. A nil Entry with ErrOrphanStaged means T was
// staged as an orphan, not rejected — check errors.Is(err, ErrOrphanStaged).
func (p *Pool) Accept(tx *primitives.Transaction) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acceptLocked(tx, time.Now())
}

func (p *Pool) acceptLocked(tx *primitives.Transaction, now time.Time) (*Entry, error) {
	txid := tx.Txid()

	// Step 1: already present or seen.
	if _, exists := p.entries[txid]; exists {
		return nil, ErrAlreadyExists
	}
	if _, exists := p.orphans[txid]; exists {
		return nil, ErrAlreadyExists
	}

	// Step 2: structural validation.
	if len(tx.Inputs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrStructural, primitives.ErrNoInputs)
	}
	if len(tx.Outputs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrStructural, primitives.ErrNoOutputs)
	}
	size := int64(tx.SerializeSize())
	if p.cfg.MaxTxSize > 0 && size > p.cfg.MaxTxSize {
		return nil, fmt.Errorf("%w: size %d exceeds policy maximum %d", ErrStructural, size, p.cfg.MaxTxSize)
	}
	var totalOut uint64
	for _, out := range tx.Outputs {
		if out.Amount > primitives.MaxOutputAmount {
			return nil, fmt.Errorf("%w: %v", ErrStructural, primitives.ErrOutputTooLarge)
		}
		totalOut += out.Amount
	}

	// Step 3: resolve inputs against UTXO set ∪ pool outputs.
	var totalIn uint64
	for _, in := range tx.Inputs {
		amount, found := p.resolveInput(in.PreviousOutPoint)
		if !found {
			log.Debugf("Tx %v staged as orphan, missing input %v", txid, in.PreviousOutPoint)
			p.stageOrphan(tx, txid, now)
			return nil, ErrOrphanStaged
		}
		totalIn += amount
	}

	// Step 4: fee / fee rate.
	if totalIn < totalOut {
		return nil, ErrNegativeFee
	}
	fee := int64(totalIn - totalOut)
	feeRate := float64(fee) / float64(size)

	// Step 5: minimum fee rate.
	if feeRate < p.cfg.MinFeeRate {
		return nil, fmt.Errorf("%w: %.6f < %.6f", ErrFeeTooLow, feeRate, p.cfg.MinFeeRate)
	}

	// Step 6: conflict detection / RBF.
	conflicts := p.findConflicts(tx)
	if len(conflicts) > 0 {
		if !p.cfg.RBFEnabled {
			return nil, ErrConflict
		}
		baseRate := p.maxFeeRate(conflicts)
		minReplacement := p.cfg.MinFeeRate
		if required := baseRate * (1 + p.cfg.RBFIncrement); required > minReplacement {
			minReplacement = required
		}
		if feeRate < minReplacement {
			return nil, fmt.Errorf("%w: replacement fee rate %.6f below required %.6f", ErrConflict, feeRate, minReplacement)
		}
		log.Infof("Tx %v replaces %d conflicting tx(es) at fee rate %.6f", txid, len(conflicts), feeRate)
		p.evictWithDescendants(conflicts)
	}

	// Step 7: pool size enforcement.
	if p.cfg.MaxPoolBytes > 0 && p.totalBytes+size > p.cfg.MaxPoolBytes {
		if !p.makeRoom(size, nil) {
			return nil, ErrPoolFull
		}
	}

	// Step 8: insert and recompute ancestor metrics.
	entry := p.insert(tx, txid, size, fee, feeRate, now)

	// Step 9: promote any orphans this transaction's outputs unblock.
	p.promoteOrphans(txid, now)

	log.Tracef("Accepted tx %v (%d bytes, fee rate %.6f)", txid, size, feeRate)
	log.Tracef("Pool entry: %v", spew.Sdump(entry))
	return entry, nil
}

// resolveInput looks up an outpoint's amount in the UTXO set first, then
// in the outputs of transactions already resident in the pool.
func (p *Pool) resolveInput(op primitives.OutPoint) (uint64, bool) {
	if e, ok := p.utxo.Get(op); ok {
		return e.Output.Amount, true
	}
	if out, ok := p.poolOutputs[op]; ok {
		return out.Amount, true
	}
	return 0, false
}

// findConflicts returns the distinct pool entries that spend any of tx's
// inputs.
func (p *Pool) findConflicts(tx *primitives.Transaction) []*Entry {
	seen := make(map[chainhash.Hash]struct{})
	var conflicts []*Entry
	for _, in := range tx.Inputs {
		if spender, ok := p.outpoints[in.PreviousOutPoint]; ok {
			if _, dup := seen[spender]; dup {
				continue
			}
			seen[spender] = struct{}{}
			if e, ok := p.entries[spender]; ok {
				conflicts = append(conflicts, e)
			}
		}
	}
	return conflicts
}

func (p *Pool) maxFeeRate(entries []*Entry) float64 {
	var max float64
	for _, e := range entries {
		if e.FeeRate > max {
			max = e.FeeRate
		}
	}
	return max
}

// insert adds tx to the pool, wires its dependency-graph edges to any
// parent pool transactions, and computes its ancestor metrics.
func (p *Pool) insert(tx *primitives.Transaction, txid chainhash.Hash, size, fee int64, feeRate float64, now time.Time) *Entry {
	id := len(p.nodes)
	entry := &Entry{
		Tx:        tx,
		Txid:      txid,
		Arrival:   now,
		SizeBytes: size,
		Fee:       fee,
		FeeRate:   feeRate,
		id:        id,
		parents:   make(map[int]struct{}),
		children:  make(map[int]struct{}),
	}
	p.nodes = append(p.nodes, entry)
	p.entries[txid] = entry
	p.totalBytes += size

	for _, in := range tx.Inputs {
		p.outpoints[in.PreviousOutPoint] = txid
		if spender, ok := p.findPoolParent(in.PreviousOutPoint); ok {
			entry.parents[spender.id] = struct{}{}
			spender.children[id] = struct{}{}
		}
	}
	for i, out := range tx.Outputs {
		p.poolOutputs[primitives.OutPoint{Hash: txid, Index: uint32(i)}] = out
	}

	p.recomputeAncestors(entry)
	return entry
}

func (p *Pool) findPoolParent(op primitives.OutPoint) (*Entry, bool) {
	e, ok := p.entries[op.Hash]
	return e, ok
}

// recomputeAncestors walks entry's transitive ancestor set and updates its
// ancestor size/fee/fee-rate (spec §4.C step 8). Also refreshes every
// descendant whose ancestor metrics include entry, since a newly admitted
// ancestor changes them.
func (p *Pool) recomputeAncestors(entry *Entry) {
	visited := map[int]struct{}{}
	var walk func(id int)
	var size, fee int64
	walk = func(id int) {
		if _, ok := visited[id]; ok {
			return
		}
		visited[id] = struct{}{}
		node := p.nodes[id]
		size += node.SizeBytes
		fee += node.Fee
		for pid := range node.parents {
			walk(pid)
		}
	}
	walk(entry.id)
	entry.AncestorSize = size
	entry.AncestorFee = fee
	if size > 0 {
		entry.AncestorFeeRate = float64(fee) / float64(size)
	}

	for cid := range entry.children {
		p.recomputeAncestors(p.nodes[cid])
	}
}

// evictWithDescendants removes each given entry and everything that
// transitively depends on it (spec §4.C step 6's RBF eviction, and the
// general conflict-eviction rule).
func (p *Pool) evictWithDescendants(entries []*Entry) {
	toRemove := map[int]struct{}{}
	var collect func(id int)
	collect = func(id int) {
		if _, ok := toRemove[id]; ok {
			return
		}
		toRemove[id] = struct{}{}
		for cid := range p.nodes[id].children {
			collect(cid)
		}
	}
	for _, e := range entries {
		collect(e.id)
	}
	p.removeIDs(toRemove)
}

func (p *Pool) removeIDs(ids map[int]struct{}) {
	for id := range ids {
		entry := p.nodes[id]
		if entry == nil {
			continue
		}
		delete(p.entries, entry.Txid)
		p.totalBytes -= entry.SizeBytes
		for _, in := range entry.Tx.Inputs {
			if spender, ok := p.outpoints[in.PreviousOutPoint]; ok && spender == entry.Txid {
				delete(p.outpoints, in.PreviousOutPoint)
			}
		}
		for i := range entry.Tx.Outputs {
			delete(p.poolOutputs, primitives.OutPoint{Hash: entry.Txid, Index: uint32(i)})
		}
		for pid := range entry.parents {
			if parent := p.nodes[pid]; parent != nil {
				delete(parent.children, id)
			}
		}
		p.nodes[id] = nil
	}
}

// makeRoom evicts lowest-fee-rate entries (excluding ids in protect) until
// there is room for an additional `need` bytes, or returns false if it
// cannot free enough space (spec §4.C step 7).
func (p *Pool) makeRoom(need int64, protect map[int]struct{}) bool {
	var candidates []*Entry
	for _, e := range p.nodes {
		if e == nil {
			continue
		}
		if protect != nil {
			if _, skip := protect[e.id]; skip {
				continue
			}
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].FeeRate < candidates[j].FeeRate })

	for _, e := range candidates {
		if p.cfg.MaxPoolBytes-p.totalBytes >= need {
			return true
		}
		p.removeIDs(map[int]struct{}{e.id: {}})
	}
	return p.cfg.MaxPoolBytes-p.totalBytes >= need
}

// stageOrphan stages tx pending resolution of a missing input (spec §4.C
// step 3), bounded by MaxOrphans.
func (p *Pool) stageOrphan(tx *primitives.Transaction, txid chainhash.Hash, now time.Time) {
	if p.cfg.MaxOrphans > 0 && len(p.orphans) >= p.cfg.MaxOrphans {
		p.trimOrphans()
	}
	p.orphans[txid] = &orphanTx{tx: tx, txid: txid, expiration: now.Add(orphanTTL)}
	for _, in := range tx.Inputs {
		set, ok := p.orphansByPrev[in.PreviousOutPoint]
		if !ok {
			set = make(map[chainhash.Hash]*primitives.Transaction)
			p.orphansByPrev[in.PreviousOutPoint] = set
		}
		set[txid] = tx
	}
}

// trimOrphans evicts the single oldest-expiring orphan to make room for a
// new one when the orphan pool is at capacity.
func (p *Pool) trimOrphans() {
	var oldestTxid chainhash.Hash
	var oldest time.Time
	first := true
	for txid, o := range p.orphans {
		if first || o.expiration.Before(oldest) {
			oldest = o.expiration
			oldestTxid = txid
			first = false
		}
	}
	if !first {
		p.removeOrphan(oldestTxid)
	}
}

func (p *Pool) removeOrphan(txid chainhash.Hash) {
	o, ok := p.orphans[txid]
	if !ok {
		return
	}
	for _, in := range o.tx.Inputs {
		if set, ok := p.orphansByPrev[in.PreviousOutPoint]; ok {
			delete(set, txid)
			if len(set) == 0 {
				delete(p.orphansByPrev, in.PreviousOutPoint)
			}
		}
	}
	delete(p.orphans, txid)
}

// promoteOrphans re-scans orphan staging for transactions whose inputs the
// just-admitted txid now provides, recursively admitting them (spec §4.C
// step 9).
func (p *Pool) promoteOrphans(txid chainhash.Hash, now time.Time) {
	var candidates []*primitives.Transaction
	for op, set := range p.orphansByPrev {
		if op.Hash != txid {
			continue
		}
		for _, tx := range set {
			candidates = append(candidates, tx)
		}
	}
	for _, tx := range candidates {
		id := tx.Txid()
		if _, ok := p.orphans[id]; !ok {
			continue // already promoted via another outpoint this pass
		}
		p.removeOrphan(id)
		// A failed re-admission (e.g. it needs another still-missing
		// input, or has since become invalid) simply drops the orphan;
		// acceptLocked will re-stage it if it is still incomplete.
		p.acceptLocked(tx, now)
	}
}

// RemoveMined evicts every pool entry confirmed by a newly applied block,
// along with any surviving entry that spent one of the same inputs — its
// spend lost the race once the block committed a different spender for
// that outpoint (spec §4.D step 5 / §4.C).
func (p *Pool) RemoveMined(txs []*primitives.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	toRemove := map[int]struct{}{}
	for _, tx := range txs {
		txid := tx.Txid()
		if entry, ok := p.entries[txid]; ok {
			toRemove[entry.id] = struct{}{}
		}
		for _, in := range tx.Inputs {
			if spender, ok := p.outpoints[in.PreviousOutPoint]; ok {
				if e, ok := p.entries[spender]; ok {
					toRemove[e.id] = struct{}{}
				}
			}
		}
	}
	if len(toRemove) == 0 {
		return
	}
	p.removeIDs(toRemove)
	log.Debugf("RemoveMined: evicted %d pool entries for a newly applied block", len(toRemove))
}

// ExpireOld removes entries older than MaxTransactionAge and trims expired
// orphans, mirroring teacher mempool.go's periodic-sweep idiom.
func (p *Pool) ExpireOld(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	expired := map[int]struct{}{}
	for _, e := range p.nodes {
		if e == nil {
			continue
		}
		if now.Sub(e.Arrival) > MaxTransactionAge {
			expired[e.id] = struct{}{}
		}
	}
	if len(expired) > 0 {
		p.removeIDs(expired)
	}

	if now.Before(p.nextExpireScan) {
		return
	}
	for txid, o := range p.orphans {
		if now.After(o.expiration) {
			p.removeOrphan(txid)
		}
	}
	p.nextExpireScan = now.Add(orphanExpireScanInterval)
}

// Get returns the pool entry for txid, if present.
func (p *Pool) Get(txid chainhash.Hash) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[txid]
	return e, ok
}

// Size returns the number of transactions currently resident in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// OrphanCount returns the number of staged orphans.
func (p *Pool) OrphanCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.orphans)
}
