// Package canary implements quantum canaries: deliberately weak
// post-quantum keypairs deployed as an early-warning tripwire. A canary
// that fails to verify its own signature, or whose on-chain UTXO gets
// spent, means a quantum computer capable of breaking its security
// level now exists in the wild — long before it is strong enough to
// break the node's real keys.
package canary

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironveil/node/signer"
)

var (
	ErrKeyGeneration   = errors.New("canary: key generation failed")
	ErrDeploymentFailed = errors.New("canary: deployment failed")
	ErrMonitoringFailed = errors.New("canary: monitoring failed")
	ErrUnknownCanary    = errors.New("canary: unknown canary id")
)

// ID uniquely identifies a deployed canary.
type ID [16]byte

// DeploymentStrategy selects which mix of canaries gets deployed.
type DeploymentStrategy uint8

const (
	// Progressive deploys one canary per security level 1-3, weakest first.
	Progressive DeploymentStrategy = iota
	// Redundant deploys three canaries at each of security levels 1-2.
	Redundant
	// Diverse deploys one canary per signature scheme at security level 1.
	Diverse
	// Comprehensive combines Progressive, Redundant, and Diverse.
	Comprehensive
)

// Status is the outcome of checking a single canary.
type Status uint8

const (
	Healthy Status = iota
	Suspicious
	Compromised
	CheckFailed
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspicious:
		return "suspicious"
	case Compromised:
		return "compromised"
	case CheckFailed:
		return "check_failed"
	default:
		return "unknown"
	}
}

// MigrationAction is the recommended response to a compromised canary.
type MigrationAction uint8

const (
	UpgradeAllKeys MigrationAction = iota
	RotateVulnerableKeys
	ForceCloseLightning
	FullSchemeMigration
	MonitorOnly
)

// MigrationUrgency grades how quickly MigrationAction should happen.
type MigrationUrgency uint8

const (
	Critical MigrationUrgency = iota
	High
	Medium
	Low
)

// Canary is one deployed tripwire: a real keypair at an intentionally
// low security level, optionally anchored to an on-chain UTXO.
type Canary struct {
	ID                 ID
	Scheme             signer.Scheme
	SecurityLevel      uint8
	KeyPair            *signer.KeyPair
	BountyValue        uint64
	DeployedAt         int64
	LastVerified       int64
	CompromiseDetected bool
	ChainTxID          *[32]byte
}

// onChainState tracks a canary's anchoring UTXO as reported by chain sync.
type onChainState struct {
	Spent             bool
	LastCheckedHeight uint64
	SpendingTx        *[32]byte
}

// MonitoringResult is the outcome of one check_all_canaries pass over a
// single canary.
type MonitoringResult struct {
	CanaryID  ID
	CheckedAt int64
	Status    Status
	Details   string
}

// EmergencyMigrationRecord documents why an emergency migration fired.
type EmergencyMigrationRecord struct {
	TriggerCanaryID          ID
	TriggeredAt              int64
	CompromisedSecurityLevel uint8
	RecommendedAction        MigrationAction
	Urgency                  MigrationUrgency
}

// Config bounds a System's behavior. Struct tags follow the go-flags
// idiom so an out-of-scope CLI/config loader can populate these directly.
type Config struct {
	CheckInterval        time.Duration      `long:"checkinterval" description:"Interval between canary monitoring passes"`
	DeploymentStrategy   DeploymentStrategy `long:"deploymentstrategy" description:"Canary deployment strategy"`
	AutoMigrate          bool               `long:"automigrate" description:"Trigger emergency migration automatically on compromise"`
	BountyTiers          []uint64           `long:"bountytiers" description:"Bounty value per canary security level"`
	WebhookURL           string             `long:"webhookurl" description:"Webhook endpoint for compromise alerts"`
	AlertEndpoints       []string           `long:"alertendpoints" description:"Additional alert endpoints to notify"`
	SuspiciousThreshold  uint32             `long:"suspiciousthreshold" description:"Scan-attempt threshold that marks activity suspicious"`
	RateLimitWindow      time.Duration      `long:"ratelimitwindow" description:"Window over which verification attempts are rate-limited"`
	MaxAttemptsPerWindow uint32             `long:"maxattemptsperwindow" description:"Maximum verification attempts tolerated per window"`
}

// DefaultConfig mirrors the source's production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        time.Minute,
		DeploymentStrategy:   Progressive,
		AutoMigrate:          true,
		BountyTiers:          []uint64{1000, 5000, 10000},
		SuspiciousThreshold:  10,
		RateLimitWindow:      5 * time.Minute,
		MaxAttemptsPerWindow: 100,
	}
}

// activityMetrics tracks per-canary verification traffic for suspicious
// activity detection within a sliding time window.
type activityMetrics struct {
	verificationAttempts map[ID][]time.Time
	failedAttempts       map[ID]uint32
	timingAnomalies      map[ID]uint32
	scanAttempts         uint32
	lastReset            time.Time
}

// System deploys, monitors, and reacts to compromise of quantum canaries.
type System struct {
	mu sync.RWMutex

	canaries       map[ID]*Canary
	results        []MonitoringResult
	alertEndpoints []string
	onChainStates  map[[32]byte]*onChainState
	metrics        activityMetrics

	cfg Config
	now func() int64

	emergencyTriggered atomic.Bool
}

// NewSystem creates a canary system with the given config. now supplies
// wall-clock seconds (injected so callers can test deterministically).
func NewSystem(cfg Config, now func() int64) *System {
	return &System{
		canaries:       make(map[ID]*Canary),
		alertEndpoints: append([]string(nil), cfg.AlertEndpoints...),
		onChainStates:  make(map[[32]byte]*onChainState),
		metrics: activityMetrics{
			verificationAttempts: make(map[ID][]time.Time),
			failedAttempts:       make(map[ID]uint32),
			timingAnomalies:      make(map[ID]uint32),
			lastReset:            time.Unix(now(), 0),
		},
		cfg: cfg,
		now: now,
	}
}

// DeployCanaries deploys the configured strategy's canary set.
func (s *System) DeployCanaries() ([]ID, error) {
	switch s.cfg.DeploymentStrategy {
	case Progressive:
		return s.deployProgressive()
	case Redundant:
		return s.deployRedundant()
	case Diverse:
		return s.deployDiverse()
	case Comprehensive:
		var deployed []ID
		for _, fn := range []func() ([]ID, error){s.deployProgressive, s.deployRedundant, s.deployDiverse} {
			ids, err := fn()
			if err != nil {
				return nil, err
			}
			deployed = append(deployed, ids...)
		}
		return deployed, nil
	default:
		return nil, ErrDeploymentFailed
	}
}

func (s *System) bountyFor(level uint8, fallback uint64) uint64 {
	idx := int(level) - 1
	if idx >= 0 && idx < len(s.cfg.BountyTiers) {
		return s.cfg.BountyTiers[idx]
	}
	return fallback
}

func (s *System) deployProgressive() ([]ID, error) {
	var deployed []ID
	for level := uint8(1); level <= 3; level++ {
		c, err := s.createCanary(signer.Dilithium2, level, s.bountyFor(level, 1000*uint64(level)))
		if err != nil {
			return nil, err
		}
		deployed = append(deployed, c.ID)
	}
	return deployed, nil
}

func (s *System) deployRedundant() ([]ID, error) {
	var deployed []ID
	for level := uint8(1); level <= 2; level++ {
		for i := 0; i < 3; i++ {
			c, err := s.createCanary(signer.Dilithium2, level, s.bountyFor(level, 1000))
			if err != nil {
				return nil, err
			}
			deployed = append(deployed, c.ID)
		}
	}
	return deployed, nil
}

func (s *System) deployDiverse() ([]ID, error) {
	schemes := []signer.Scheme{signer.Dilithium2, signer.Falcon512, signer.SPHINCS}
	var deployed []ID
	for _, scheme := range schemes {
		c, err := s.createCanary(scheme, 1, 5000)
		if err != nil {
			return nil, err
		}
		deployed = append(deployed, c.ID)
	}
	return deployed, nil
}

// createCanary generates a real keypair at the given (low) security
// level and registers it. The keypair is real, not a synthetic stand-in:
// a canary that can't be broken for real tells us nothing.
func (s *System) createCanary(scheme signer.Scheme, level uint8, bounty uint64) (*Canary, error) {
	kp, err := signer.GenerateKeyPair(scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	now := s.now()
	c := &Canary{
		ID:            ID(idBytes),
		Scheme:        scheme,
		SecurityLevel: level,
		KeyPair:       kp,
		BountyValue:   bounty,
		DeployedAt:    now,
		LastVerified:  now,
	}

	s.mu.Lock()
	s.canaries[c.ID] = c
	s.mu.Unlock()
	log.Infof("deployed canary %x (scheme %s, level %d, bounty %d)", c.ID, scheme, level, bounty)
	return c, nil
}
