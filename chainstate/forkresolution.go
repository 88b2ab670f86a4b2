package chainstate

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ironveil/node/primitives"
)

// ForkConfig tunes secure fork resolution: how deep to look, the ideal
// block-time band, the work/quality weighting, and the anti-split
// tiebreak window. Ported from original_source's SecureForkConfig.
type ForkConfig struct {
	MaxForkDepth    uint32
	MinBlockTime    time.Duration
	MaxBlockTime    time.Duration
	WorkWeight      float64
	QualityWeight   float64
	EnableAntiSplit bool
	EqualityWindow  time.Duration
}

// DefaultForkConfig mirrors the original resolver's defaults.
func DefaultForkConfig() ForkConfig {
	return ForkConfig{
		MaxForkDepth:    100,
		MinBlockTime:    30 * time.Second,
		MaxBlockTime:    3600 * time.Second,
		WorkWeight:      0.8,
		QualityWeight:   0.2,
		EnableAntiSplit: true,
		EqualityWindow:  300 * time.Second,
	}
}

var ErrForkBlockNotFound = errors.New("chainstate: block not found while walking fork candidate")

// chainMetrics summarizes a candidate chain for comparison.
type chainMetrics struct {
	totalWork         *big.Int
	avgBlockTime      float64 // seconds
	blockTimeVariance float64
	length            uint32
	tipTimestamp      int64
	qualityScore      float64
}

// ForkResolver picks the winner between two competing chain tips using
// accumulated work as the primary criterion and a weighted quality score
// as a tiebreaker, with a deterministic anti-split fallback so all nodes
// converge on the same chain when the two are within noise of each other.
// Ported from original_source supernova-core's SecureForkResolver.
type ForkResolver struct {
	cfg               ForkConfig
	splitObservations map[chainhash.Hash][]time.Time
}

// NewForkResolver returns a resolver with the given configuration.
func NewForkResolver(cfg ForkConfig) *ForkResolver {
	return &ForkResolver{
		cfg:               cfg,
		splitObservations: make(map[chainhash.Hash][]time.Time),
	}
}

// headerLookup resolves a block hash to its header, walking toward
// genesis. Supplied by ChainState.getHeader.
type headerLookup func(hash chainhash.Hash) (primitives.BlockHeader, bool)

// CompareChains reports whether chainA's tip should replace chainB's tip
// as the main chain.
func (r *ForkResolver) CompareChains(chainATip, chainBTip chainhash.Hash, get headerLookup) (bool, error) {
	metricsA, err := r.chainMetricsFor(chainATip, get)
	if err != nil {
		return false, fmt.Errorf("chainstate: chain A metrics: %w", err)
	}
	metricsB, err := r.chainMetricsFor(chainBTip, get)
	if err != nil {
		return false, fmt.Errorf("chainstate: chain B metrics: %w", err)
	}

	// Primary criterion: accumulated work. A lead greater than 10% decides
	// the comparison outright.
	if metricsA.totalWork.Cmp(metricsB.totalWork) > 0 {
		if workRatio(metricsA.totalWork, metricsB.totalWork) > 1.1 {
			return true, nil
		}
	} else if metricsB.totalWork.Cmp(metricsA.totalWork) > 0 {
		if workRatio(metricsB.totalWork, metricsA.totalWork) > 1.1 {
			return false, nil
		}
	}

	scoreA := r.chainScore(metricsA)
	scoreB := r.chainScore(metricsB)

	if r.cfg.EnableAntiSplit {
		if math.Abs(scoreA-scoreB) < 0.05 {
			return r.applyAntiSplit(chainATip, chainBTip), nil
		}
	}
	return scoreA > scoreB, nil
}

func workRatio(larger, smaller *big.Int) float64 {
	if smaller.Sign() == 0 {
		return math.Inf(1)
	}
	l := new(big.Float).SetInt(larger)
	s := new(big.Float).SetInt(smaller)
	ratio, _ := new(big.Float).Quo(l, s).Float64()
	return ratio
}

// chainMetricsFor walks back from tip for up to MaxForkDepth headers,
// accumulating work and collecting timestamps for the quality score.
func (r *ForkResolver) chainMetricsFor(tip chainhash.Hash, get headerLookup) (*chainMetrics, error) {
	current := tip
	var headers []primitives.BlockHeader
	totalWork := new(big.Int)

	for i := uint32(0); i < r.cfg.MaxForkDepth; i++ {
		header, ok := get(current)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrForkBlockNotFound, current)
		}
		blockWork, err := primitives.Work(header.Bits)
		if err != nil {
			return nil, err
		}
		totalWork.Add(totalWork, blockWork)
		headers = append(headers, header)

		if header.PrevBlockHash == (chainhash.Hash{}) {
			break // reached genesis
		}
		current = header.PrevBlockHash
	}

	avg, variance := timingMetrics(headers)
	quality := r.qualityScore(avg, variance, headers)

	var tipTimestamp int64
	if len(headers) > 0 {
		tipTimestamp = headers[0].Timestamp
	}

	return &chainMetrics{
		totalWork:         totalWork,
		avgBlockTime:      avg,
		blockTimeVariance: variance,
		length:            uint32(len(headers)),
		tipTimestamp:      tipTimestamp,
		qualityScore:      quality,
	}, nil
}

// timingMetrics computes the average inter-block time and its variance
// over a chain of headers ordered tip-first (newest to oldest).
func timingMetrics(headers []primitives.BlockHeader) (avg, variance float64) {
	if len(headers) < 2 {
		return 600, 0
	}
	deltas := make([]float64, 0, len(headers)-1)
	for i := 1; i < len(headers); i++ {
		d := headers[i-1].Timestamp - headers[i].Timestamp
		if d < 0 {
			d = 0
		}
		deltas = append(deltas, float64(d))
	}
	var sum float64
	for _, d := range deltas {
		sum += d
	}
	avg = sum / float64(len(deltas))

	var sumSq float64
	for _, d := range deltas {
		diff := d - avg
		sumSq += diff * diff
	}
	variance = sumSq / float64(len(deltas))
	return avg, variance
}

// qualityScore scores a chain 0..1 based on block-time regularity, chain
// length, and timestamp sanity (monotonic progression, no far-future tip).
func (r *ForkResolver) qualityScore(avgBlockTime, variance float64, headers []primitives.BlockHeader) float64 {
	score := 1.0

	minSecs := r.cfg.MinBlockTime.Seconds()
	maxSecs := r.cfg.MaxBlockTime.Seconds()
	if avgBlockTime < minSecs && avgBlockTime > 0 {
		ratio := minSecs / avgBlockTime
		score *= 0.5 + 0.5/ratio
	} else if avgBlockTime > maxSecs {
		ratio := avgBlockTime / maxSecs
		score *= 1.0 / ratio
	}

	normalizedVariance := variance / (600.0 * 600.0)
	score *= 1.0 / (1.0 + normalizedVariance)

	lengthBonus := math.Min(float64(len(headers))/float64(r.cfg.MaxForkDepth), 1.0)
	score *= 0.9 + 0.1*lengthBonus

	// One 0.8 penalty covers both timestamp faults: non-monotonic
	// progression, or a tip more than two hours ahead of local time.
	futureLimit := time.Now().Add(2 * time.Hour).Unix()
	tipInFuture := len(headers) > 0 && headers[0].Timestamp > futureLimit
	if !timestampProgressionOK(headers) || tipInFuture {
		score *= 0.8
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// timestampProgressionOK reports whether headers (tip-first) have strictly
// decreasing timestamps walking toward genesis, i.e. strictly increasing
// walking forward in time.
func timestampProgressionOK(headers []primitives.BlockHeader) bool {
	if len(headers) < 2 {
		return true
	}
	for i := 1; i < len(headers); i++ {
		if headers[i-1].Timestamp <= headers[i].Timestamp {
			return false
		}
	}
	return true
}

// chainScore combines accumulated work (log-normalized) and quality into
// a single weighted score.
func (r *ForkResolver) chainScore(m *chainMetrics) float64 {
	workFloat := new(big.Float).SetInt(m.totalWork)
	wf, _ := workFloat.Float64()
	var workScore float64
	if wf > 0 {
		workScore = math.Log(wf) / 100.0
	}
	if workScore > 1.0 {
		workScore = 1.0
	}
	return r.cfg.WorkWeight*workScore + r.cfg.QualityWeight*m.qualityScore
}

// applyAntiSplit breaks a near-tie using recent-observation counts, falling
// back to a deterministic lexicographic hash comparison so every node in
// the network reaches the same decision independently.
func (r *ForkResolver) applyAntiSplit(chainA, chainB chainhash.Hash) bool {
	now := time.Now()
	r.splitObservations[chainA] = append(r.splitObservations[chainA], now)
	r.splitObservations[chainB] = append(r.splitObservations[chainB], now)

	cutoff := now.Add(-r.cfg.EqualityWindow)
	for hash, observations := range r.splitObservations {
		kept := observations[:0]
		for _, t := range observations {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		r.splitObservations[hash] = kept
	}

	obsA := len(r.splitObservations[chainA])
	obsB := len(r.splitObservations[chainB])
	if obsA > obsB*2 {
		return true
	}
	if obsB > obsA*2 {
		return false
	}

	return deterministicTiebreak(chainA, chainB)
}

// deterministicTiebreak compares hashes lexicographically so every node
// makes the same choice without coordination.
func deterministicTiebreak(a, b chainhash.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
