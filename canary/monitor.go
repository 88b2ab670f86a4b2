package canary

import (
	"fmt"
	"time"

	"github.com/ironveil/node/signer"
)

// CheckAll verifies every deployed canary and handles any that come back
// compromised.
func (s *System) CheckAll() ([]MonitoringResult, error) {
	s.mu.RLock()
	snapshot := make([]*Canary, 0, len(s.canaries))
	for _, c := range s.canaries {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	results := make([]MonitoringResult, 0, len(snapshot))
	for _, c := range snapshot {
		result, err := s.checkCanary(c)
		if err != nil {
			return nil, err
		}

		if result.Status == Compromised {
			s.mu.Lock()
			c.CompromiseDetected = true
			s.mu.Unlock()
			if err := s.handleCompromise(c); err != nil {
				return nil, err
			}
		}
		results = append(results, result)
	}

	s.mu.Lock()
	s.results = append(s.results, results...)
	s.mu.Unlock()
	return results, nil
}

// checkCanary signs a fresh test message with the canary's weak key,
// verifies the signature round-trips, and cross-checks on-chain and
// suspicious-activity status.
func (s *System) checkCanary(c *Canary) (MonitoringResult, error) {
	message := fmt.Appendf(nil, "canary-check-%x-%d", c.ID, c.LastVerified)

	sig, err := signer.Sign(c.Scheme, c.KeyPair.SecretKey, message)
	if err != nil {
		return MonitoringResult{}, fmt.Errorf("%w: %v", ErrMonitoringFailed, err)
	}

	verified, err := signer.Verify(c.Scheme, c.KeyPair.PublicKey, message, sig)
	if err != nil {
		return MonitoringResult{}, fmt.Errorf("%w: %v", ErrMonitoringFailed, err)
	}

	onChainStatus := Healthy
	if c.ChainTxID != nil {
		onChainStatus = s.checkOnChain(*c.ChainTxID)
	}

	var status Status
	switch {
	case !verified:
		status = Compromised
	case onChainStatus == Compromised:
		status = Compromised
	case s.detectSuspiciousActivity(c):
		status = Suspicious
	default:
		status = Healthy
	}

	now := s.now()
	s.mu.Lock()
	c.LastVerified = now
	s.mu.Unlock()

	details := ""
	switch status {
	case Compromised:
		details = "quantum attack detected"
		log.Errorf("canary %x compromised: signature no longer verifies or anchor UTXO spent", c.ID)
	case Suspicious:
		details = "unusual verification activity detected"
		log.Warnf("canary %x showing suspicious activity", c.ID)
	}

	return MonitoringResult{
		CanaryID:  c.ID,
		CheckedAt: now,
		Status:    status,
		Details:   details,
	}, nil
}

// checkOnChain reports Compromised if the canary's anchoring UTXO has
// been spent, Healthy otherwise (including when we have no cached
// state yet).
func (s *System) checkOnChain(txID [32]byte) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.onChainStates[txID]
	if ok && state.Spent {
		log.Errorf("on-chain canary %x has been spent, potential quantum attack", txID[:8])
		return Compromised
	}
	return Healthy
}

// UpdateOnChainState records the latest chain-sync view of a canary's
// anchoring UTXO.
func (s *System) UpdateOnChainState(txID [32]byte, spent bool, height uint64, spendingTx *[32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.onChainStates[txID]
	if !ok {
		state = &onChainState{}
		s.onChainStates[txID] = state
	}
	state.Spent = spent
	state.LastCheckedHeight = height
	state.SpendingTx = spendingTx
	if spent {
		log.Warnf("canary UTXO %x marked spent at height %d, possible compromise", txID[:8], height)
	}
}

// RegisterOnChainCanary anchors a deployed canary to a funding
// transaction, initializing its on-chain state tracking.
func (s *System) RegisterOnChainCanary(id ID, txID [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.canaries[id]
	if !ok {
		return ErrUnknownCanary
	}
	c.ChainTxID = &txID
	if _, exists := s.onChainStates[txID]; !exists {
		s.onChainStates[txID] = &onChainState{}
	}
	log.Infof("registered on-chain canary %x with tx %x", id, txID[:8])
	return nil
}

// detectSuspiciousActivity flags a canary if verification traffic shows
// brute-force probing, a run of failed attempts, suspiciously regular
// automated timing, or heavy network-wide scanning.
func (s *System) detectSuspiciousActivity(c *Canary) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Unix(s.now(), 0)
	window := s.cfg.RateLimitWindow

	if now.Sub(s.metrics.lastReset) > window {
		s.metrics.verificationAttempts = make(map[ID][]time.Time)
		s.metrics.failedAttempts = make(map[ID]uint32)
		s.metrics.timingAnomalies = make(map[ID]uint32)
		s.metrics.scanAttempts = 0
		s.metrics.lastReset = now
	}

	attempts := append(s.metrics.verificationAttempts[c.ID], now)
	s.metrics.verificationAttempts[c.ID] = attempts

	var recent uint32
	for _, t := range attempts {
		if now.Sub(t) < window {
			recent++
		}
	}
	if recent > s.cfg.MaxAttemptsPerWindow {
		log.Warnf("canary %x has %d verification attempts in window (threshold %d)", c.ID, recent, s.cfg.MaxAttemptsPerWindow)
		return true
	}

	if s.metrics.failedAttempts[c.ID] > s.cfg.SuspiciousThreshold {
		log.Warnf("canary %x has %d failed attempts (threshold %d)", c.ID, s.metrics.failedAttempts[c.ID], s.cfg.SuspiciousThreshold)
		return true
	}

	if len(attempts) >= 3 {
		intervals := make([]time.Duration, 0, len(attempts)-1)
		for i := 1; i < len(attempts); i++ {
			intervals = append(intervals, attempts[i].Sub(attempts[i-1]))
		}

		var sumMs int64
		for _, d := range intervals {
			sumMs += d.Milliseconds()
		}
		avgMs := sumMs / int64(len(intervals))

		var varianceSum int64
		for _, d := range intervals {
			diff := d.Milliseconds() - avgMs
			if diff < 0 {
				diff = -diff
			}
			varianceSum += diff * diff
		}
		variance := varianceSum / int64(len(intervals))

		if variance < 100 && avgMs < 1000 {
			s.metrics.timingAnomalies[c.ID]++
			if s.metrics.timingAnomalies[c.ID] > 3 {
				log.Warnf("canary %x showing timing anomaly pattern (variance %d, avg interval %dms)", c.ID, variance, avgMs)
				return true
			}
		}
	}

	if s.metrics.scanAttempts > 100 {
		log.Warnf("high network scan activity detected: %d attempts", s.metrics.scanAttempts)
		return true
	}

	return false
}

// RecordFailedAttempt notes a failed verification attempt against a
// canary's key, used by detectSuspiciousActivity's threshold check.
func (s *System) RecordFailedAttempt(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.failedAttempts[id]++
}

// RecordScanAttempt notes a network-wide scan probe, independent of any
// single canary.
func (s *System) RecordScanAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.scanAttempts++
}
