// Package utxo implements the node's unspent-transaction-output set: a
// content-addressed map from OutPoint to UtxoEntry, owned exclusively by
// the chain state and mutated only from its applier (spec §3, §4.B).
package utxo

import (
	"crypto/sha256"
	"sort"
	"sync"

	"github.com/ironveil/node/primitives"
)

// Entry is the UTXO record for one coin: the output itself plus the
// metadata needed for coinbase maturity and confirmation tracking.
type Entry struct {
	OutPoint    primitives.OutPoint
	Output      primitives.Output
	Height      uint32
	IsCoinbase  bool
	IsConfirmed bool
}

// Set is the concurrency-safe UTXO map. Single-writer (the chain state's
// applier task), many-reader: readers take the read lock and see a
// consistent snapshot at the point of the call.
type Set struct {
	mu      sync.RWMutex
	entries map[primitives.OutPoint]*Entry
}

// New returns an empty UTXO set.
func New() *Set {
	return &Set{entries: make(map[primitives.OutPoint]*Entry)}
}

// Add inserts a new entry, created when its containing block is applied.
// Returns false if the outpoint already exists (double-creation, which
// should never happen for a well-formed chain).
func (s *Set) Add(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.OutPoint]; exists {
		return false
	}
	s.entries[e.OutPoint] = e
	return true
}

// Remove destroys an entry, called when a later applied block spends it.
// Returns the removed entry so the caller can stash it for reorg rollback.
func (s *Set) Remove(op primitives.OutPoint) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[op]
	if !ok {
		return nil, false
	}
	delete(s.entries, op)
	return e, true
}

// Get returns the entry for op, if any.
func (s *Set) Get(op primitives.OutPoint) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[op]
	return e, ok
}

// Contains reports whether op is currently unspent.
func (s *Set) Contains(op primitives.OutPoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[op]
	return ok
}

// Count returns the number of unspent outputs.
func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Commitment computes a deterministic hash over the lexicographically
// sorted outpoints and their output bytes. It need not be an accumulator —
// only reproducible across nodes observing the same UTXO state at a given
// height (spec §4.B).
func (s *Set) Commitment() [32]byte {
	s.mu.RLock()
	ops := make([]primitives.OutPoint, 0, len(s.entries))
	for op := range s.entries {
		ops = append(ops, op)
	}
	entries := s.entries
	s.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].Less(ops[j]) })

	h := sha256.New()
	for _, op := range ops {
		h.Write(op.Hash[:])
		var idx [4]byte
		idx[0] = byte(op.Index)
		idx[1] = byte(op.Index >> 8)
		idx[2] = byte(op.Index >> 16)
		idx[3] = byte(op.Index >> 24)
		h.Write(idx[:])
		h.Write(entries[op].Output.Bytes())
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Apply applies a block-level delta transactionally: every spent outpoint
// is removed and every created output is added. On any failure (a spend of
// an outpoint not present) the set is left unmodified and ok is false —
// callers validate inputs exist before calling Apply, so this
// is a defensive invariant check, not routine control flow.
type Delta struct {
	Spent   []primitives.OutPoint
	Created []*Entry
}

// Apply commits a delta, recording the removed entries so the chain state
// can build the inverse delta for reorg rollback.
func (s *Set) Apply(d Delta) (removed []*Entry, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed = make([]*Entry, 0, len(d.Spent))
	for _, op := range d.Spent {
		e, exists := s.entries[op]
		if !exists {
			log.Warnf("Apply: delta spends unknown outpoint %v, rolling back", op)
			// Roll back anything already removed in this call before
			// reporting failure, keeping the set untouched overall.
			for _, r := range removed {
				s.entries[r.OutPoint] = r
			}
			return nil, false
		}
		removed = append(removed, e)
		delete(s.entries, op)
	}
	for _, e := range d.Created {
		s.entries[e.OutPoint] = e
	}
	log.Tracef("Apply: spent %d, created %d, set now holds %d entries", len(d.Spent), len(d.Created), len(s.entries))
	return removed, true
}

// Undo reverses a previously applied delta: re-adds the spent entries and
// removes the created ones. Used during reorg rollback.
func (s *Set) Undo(d Delta, removed []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range d.Created {
		delete(s.entries, e.OutPoint)
	}
	for _, e := range removed {
		s.entries[e.OutPoint] = e
	}
}
