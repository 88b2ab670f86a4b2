package canary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// handleCompromise alerts configured endpoints, logs the event, and — if
// auto-migration is enabled — triggers an emergency migration.
func (s *System) handleCompromise(c *Canary) error {
	if err := s.sendAlerts(c); err != nil {
		return err
	}
	log.Errorf("QUANTUM CANARY COMPROMISED: id=%x level=%d deployed_at=%d", c.ID, c.SecurityLevel, c.DeployedAt)

	if s.cfg.AutoMigrate {
		return s.triggerEmergencyMigration(c)
	}
	return nil
}

type webhookAlert struct {
	CanaryID      string `json:"canary_id"`
	SecurityLevel uint8  `json:"security_level"`
	BountyValue   uint64 `json:"bounty_value"`
	Message       string `json:"message"`
}

// sendAlerts notifies every configured alert endpoint and, if
// configured, POSTs to the webhook URL.
func (s *System) sendAlerts(c *Canary) error {
	s.mu.RLock()
	endpoints := append([]string(nil), s.alertEndpoints...)
	webhookURL := s.cfg.WebhookURL
	s.mu.RUnlock()

	for _, endpoint := range endpoints {
		log.Errorf("emergency alert to %s: quantum canary %x compromised", endpoint, c.ID)
	}

	if webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(webhookAlert{
		CanaryID:      fmt.Sprintf("%x", c.ID),
		SecurityLevel: c.SecurityLevel,
		BountyValue:   c.BountyValue,
		Message:       "quantum canary compromised, initiate migration immediately",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMonitoringFailed, err)
	}

	resp, err := http.Post(webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Warnf("webhook alert to %s failed: %v", webhookURL, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warnf("webhook alert to %s returned status %d", webhookURL, resp.StatusCode)
	}
	return nil
}

// triggerEmergencyMigration marks every canary for migration and records
// an EmergencyMigrationRecord, but only the first time: emergencyTriggered
// is a one-shot latch so repeated CheckAll passes over the same
// compromised canary don't re-fire the migration.
func (s *System) triggerEmergencyMigration(c *Canary) error {
	if !s.emergencyTriggered.CompareAndSwap(false, true) {
		log.Infof("emergency migration already triggered, skipping duplicate for canary %x", c.ID)
		return nil
	}

	log.Errorf("CRITICAL: triggering emergency quantum migration due to canary %x compromise", c.ID)

	s.mu.Lock()
	for _, other := range s.canaries {
		other.CompromiseDetected = true
	}
	s.mu.Unlock()

	record := EmergencyMigrationRecord{
		TriggerCanaryID:          c.ID,
		TriggeredAt:              s.now(),
		CompromisedSecurityLevel: c.SecurityLevel,
		RecommendedAction:        UpgradeAllKeys,
		Urgency:                  Critical,
	}
	log.Errorf("emergency migration record: %+v", record)
	log.Warnf("all nodes should upgrade to security level %d or higher", c.SecurityLevel+2)

	return s.sendEmergencyAlerts(c)
}

func (s *System) sendEmergencyAlerts(c *Canary) error {
	s.mu.RLock()
	endpoints := append([]string(nil), s.alertEndpoints...)
	s.mu.RUnlock()

	for _, endpoint := range endpoints {
		log.Errorf("EMERGENCY ALERT to %s: canary %x compromised at security level %d, bounty %d", endpoint, c.ID, c.SecurityLevel, c.BountyValue)
	}
	return nil
}

// IsEmergencyTriggered reports whether an emergency migration has fired.
func (s *System) IsEmergencyTriggered() bool {
	return s.emergencyTriggered.Load()
}

// ResetEmergencyState clears the emergency latch, for use after a full
// migration has completed (or in tests).
func (s *System) ResetEmergencyState() {
	s.emergencyTriggered.Store(false)
	log.Infof("emergency state reset")
}

// AddAlertEndpoint registers an additional alert destination.
func (s *System) AddAlertEndpoint(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertEndpoints = append(s.alertEndpoints, endpoint)
}

// Statistics summarizes the current canary population.
type Statistics struct {
	TotalCanaries int
	Healthy       int
	Suspicious    int
	Compromised   int
	LastCheck     *int64
	TotalBounty   uint64
}

// Statistics returns a snapshot of canary health and monitoring history.
func (s *System) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.canaries)
	var compromised int
	var bounty uint64
	for _, c := range s.canaries {
		if c.CompromiseDetected {
			compromised++
		}
		bounty += c.BountyValue
	}

	var suspicious int
	var lastCheck *int64
	for _, r := range s.results {
		if r.Status == Suspicious {
			suspicious++
		}
	}
	if n := len(s.results); n > 0 {
		t := s.results[n-1].CheckedAt
		lastCheck = &t
	}

	return Statistics{
		TotalCanaries: total,
		Healthy:       total - compromised - suspicious,
		Suspicious:    suspicious,
		Compromised:   compromised,
		LastCheck:     lastCheck,
		TotalBounty:   bounty,
	}
}
