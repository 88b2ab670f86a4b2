package utxo

import (
	"testing"

	"github.com/ironveil/node/primitives"
	"github.com/stretchr/testify/require"
)

func outpoint(b byte, idx uint32) primitives.OutPoint {
	var h [32]byte
	h[0] = b
	return primitives.OutPoint{Hash: h, Index: idx}
}

func TestAddRemoveContains(t *testing.T) {
	s := New()
	op := outpoint(1, 0)
	e := &Entry{OutPoint: op, Output: primitives.Output{Amount: 100}}

	require.True(t, s.Add(e))
	require.False(t, s.Add(e), "duplicate add must fail")
	require.True(t, s.Contains(op))
	require.Equal(t, 1, s.Count())

	got, _ := s.Remove(op)
	require.Equal(t, e, got)
	require.False(t, s.Contains(op))
}

func TestCommitmentDeterministic(t *testing.T) {
	s1, s2 := New(), New()
	e1 := &Entry{OutPoint: outpoint(2, 0), Output: primitives.Output{Amount: 10}}
	e2 := &Entry{OutPoint: outpoint(1, 0), Output: primitives.Output{Amount: 20}}

	// Insert in different orders; the commitment must still match since
	// it sorts outpoints lexicographically before hashing.
	s1.Add(e1)
	s1.Add(e2)
	s2.Add(e2)
	s2.Add(e1)

	require.Equal(t, s1.Commitment(), s2.Commitment())
}

func TestApplyUndoRoundTrip(t *testing.T) {
	s := New()
	spent := outpoint(3, 0)
	s.Add(&Entry{OutPoint: spent, Output: primitives.Output{Amount: 5}})

	before := s.Commitment()

	created := &Entry{OutPoint: outpoint(4, 0), Output: primitives.Output{Amount: 5}}
	delta := Delta{Spent: []primitives.OutPoint{spent}, Created: []*Entry{created}}

	removed, ok := s.Apply(delta)
	require.True(t, ok)
	require.False(t, s.Contains(spent))
	require.True(t, s.Contains(created.OutPoint))

	s.Undo(delta, removed)
	require.True(t, s.Contains(spent))
	require.False(t, s.Contains(created.OutPoint))
	require.Equal(t, before, s.Commitment())
}

func TestApplyFailsOnMissingSpend(t *testing.T) {
	s := New()
	delta := Delta{Spent: []primitives.OutPoint{outpoint(9, 0)}}
	_, ok := s.Apply(delta)
	require.False(t, ok)
}
