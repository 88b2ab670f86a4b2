// Package sync implements the node's headers-first block synchronization
// engine: a state machine that fetches headers before bodies, downloads
// blocks in parallel once headers validate, and retries timed-out
// requests, with checkpoints only accepted once multiple peers agree.
package sync

import "time"

// State is a synchronization phase.
type State uint8

const (
	// Idle means the node believes it is caught up with the network.
	Idle State = iota
	// IBDWait means the node is waiting to learn the network's best
	// known height before committing to a sync target.
	IBDWait
	// HeaderSync means headers are being fetched ahead of block bodies.
	HeaderSync
	// BlockSync means bodies are being fetched for already-validated
	// headers.
	BlockSync
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case IBDWait:
		return "ibd_wait"
	case HeaderSync:
		return "header_sync"
	case BlockSync:
		return "block_sync"
	default:
		return "unknown"
	}
}

// Config tunes batch sizes, concurrency, and retry behavior. Struct tags
// follow the go-flags idiom so an out-of-scope CLI/config loader can
// populate these directly.
type Config struct {
	HeadersBatchSize       uint32        `long:"headersbatchsize" description:"Headers requested per getheaders message"`
	BlocksBatchSize        uint32        `long:"blocksbatchsize" description:"Blocks requested per batch during block sync"`
	MaxConcurrentBlockReqs int           `long:"maxconcurrentblockreqs" description:"Maximum in-flight block requests"`
	BlockRequestTimeout    time.Duration `long:"blockrequesttimeout" description:"Time to wait for a block response before retrying"`
	RetryDelay             time.Duration `long:"retrydelay" description:"Delay before retrying a timed-out request"`
	MaxRetries             int           `long:"maxretries" description:"Maximum retries for a timed-out block request"`
	CheckpointInterval     uint32        `long:"checkpointinterval" description:"Height interval between accepted checkpoints"`
	MinCheckpointPeers     int           `long:"mincheckpointpeers" description:"Distinct peers required to agree on a checkpoint"`
	TimeoutScanInterval    time.Duration `long:"timeoutscaninterval" description:"Interval between timeout scans"`
}

// DefaultConfig mirrors the constants the engine is grounded on.
func DefaultConfig() Config {
	return Config{
		HeadersBatchSize:       2000,
		BlocksBatchSize:        50,
		MaxConcurrentBlockReqs: 10,
		BlockRequestTimeout:    30 * time.Second,
		RetryDelay:             10 * time.Second,
		MaxRetries:             3,
		CheckpointInterval:     10_000,
		MinCheckpointPeers:     3,
		TimeoutScanInterval:    5 * time.Second,
	}
}

// PeerID is an opaque per-connection peer identifier assigned by the
// network layer.
type PeerID uint64

// Stats reports the current sync session's progress.
type Stats struct {
	CurrentHeight        uint32
	TargetHeight         uint32
	PendingHeaders       int
	BlocksInFlight       int
	PendingBlocks        int
	PeerCount            int
}
