package mempool

import (
	"sort"

	"github.com/ironveil/node/primitives"
)

// SelectForBlock returns a block template's transaction list: entries
// ordered by descending ancestor fee rate (so a low-fee parent is pulled
// in ahead of the high-fee child that depends on it), subject to a total
// byte budget, with stable arrival-order tiebreaking (spec §4.C, §8).
func (p *Pool) SelectForBlock(maxBytes int64) []*primitives.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]int, 0, len(p.entries))
	for _, e := range p.entries {
		ids = append(ids, e.id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := p.nodes[ids[i]], p.nodes[ids[j]]
		if a.AncestorFeeRate != b.AncestorFeeRate {
			return a.AncestorFeeRate > b.AncestorFeeRate
		}
		return a.Arrival.Before(b.Arrival)
	})

	included := make(map[int]bool, len(ids))
	var result []*primitives.Transaction
	var usedBytes int64

	var include func(id int)
	include = func(id int) {
		if included[id] {
			return
		}
		entry := p.nodes[id]
		if entry == nil {
			return
		}
		parentIDs := make([]int, 0, len(entry.parents))
		for pid := range entry.parents {
			parentIDs = append(parentIDs, pid)
		}
		sort.Slice(parentIDs, func(i, j int) bool {
			return p.nodes[parentIDs[i]].Arrival.Before(p.nodes[parentIDs[j]].Arrival)
		})
		for _, pid := range parentIDs {
			include(pid)
		}
		if included[id] {
			return
		}
		if usedBytes+entry.SizeBytes > maxBytes {
			return
		}
		included[id] = true
		usedBytes += entry.SizeBytes
		result = append(result, entry.Tx)
	}

	for _, id := range ids {
		include(id)
	}
	return result
}
