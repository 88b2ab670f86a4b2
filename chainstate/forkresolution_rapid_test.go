package chainstate

import (
	"math/big"
	"testing"

	"pgregory.net/rapid"
)

// TestChainScoreMonotonicInWork checks the invariant the secure fork
// resolver depends on: for a fixed quality score, accumulating strictly
// more proof-of-work never produces a lower chain score. A violation here
// would mean a less-worked chain could outscore a more-worked one outside
// the anti-split tiebreak, defeating the primary work criterion.
func TestChainScoreMonotonicInWork(t *testing.T) {
	r := NewForkResolver(DefaultForkConfig())

	rapid.Check(t, func(t *rapid.T) {
		lo := rapid.Uint64Range(1, 1<<40).Draw(t, "lo")
		extra := rapid.Uint64Range(0, 1<<40).Draw(t, "extra")
		hi := lo + extra
		quality := rapid.Float64Range(0, 1).Draw(t, "quality")

		loScore := r.chainScore(&chainMetrics{totalWork: new(big.Int).SetUint64(lo), qualityScore: quality})
		hiScore := r.chainScore(&chainMetrics{totalWork: new(big.Int).SetUint64(hi), qualityScore: quality})

		if hiScore < loScore {
			t.Fatalf("chain with more work scored lower: work %d -> %f, work %d -> %f", lo, loScore, hi, hiScore)
		}
	})
}

// TestWorkRatioOrderPreserved checks that workRatio agrees with the
// underlying big.Int ordering: a larger total work always yields a ratio
// >= 1 against any smaller total work.
func TestWorkRatioOrderPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint64Range(1, 1<<40).Draw(t, "a")
		b := rapid.Uint64Range(1, 1<<40).Draw(t, "b")

		larger, smaller := a, b
		if smaller > larger {
			larger, smaller = smaller, larger
		}
		ratio := workRatio(new(big.Int).SetUint64(larger), new(big.Int).SetUint64(smaller))
		if ratio < 1.0 {
			t.Fatalf("workRatio(%d, %d) = %f, want >= 1.0", larger, smaller, ratio)
		}
	})
}
