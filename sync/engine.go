package sync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ironveil/node/chainstate"
	"github.com/ironveil/node/primitives"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

// MempoolRemover is the transaction pool's eviction half: the engine
// notifies it once a block's transactions are mined so they stop
// occupying pool space (spec §4.C / §4.D step 5). Nil is a valid Engine
// field for callers that don't wire a pool.
type MempoolRemover interface {
	RemoveMined(txs []*primitives.Transaction)
}

// outboundRequest is one unit of work dispatched through the engine's
// outbound queue: either a headers request or a block request.
type outboundRequest struct {
	peer        PeerID
	startHeight uint32
	count       uint32
	blockHash   *chainhash.Hash
}

// RequestSender is the network layer's half of the contract: the engine
// decides what to ask for and from whom, the sender puts bytes on the
// wire.
type RequestSender interface {
	SendGetHeaders(peer PeerID, startHeight uint32, count uint32) error
	SendGetBlock(peer PeerID, hash chainhash.Hash) error

	// BroadcastCheckpoint announces a self-observed checkpoint to the
	// network (spec §4.E), making this node the advancing party in
	// checkpoint agreement rather than only ever validating others'.
	BroadcastCheckpoint(height uint32, hash chainhash.Hash) error
}

type blockRequest struct {
	peer    PeerID
	sentAt  time.Time
	retries int
}

type peerHeight struct {
	peer   PeerID
	height uint32
}

// Engine drives headers-first synchronization against a ChainState.
// Headers are linked into the chain state (and, per ChainState's own
// rules, extend its tip) as soon as they validate; this engine tracks
// its own notion of which heights have had their bodies fetched and
// checked so block download bookkeeping doesn't depend on the chain's
// tip already having moved.
type Engine struct {
	mu sync.Mutex

	cfg   Config
	chain *chainstate.ChainState
	send  RequestSender
	pool  MempoolRemover

	state        State
	targetHeight uint32
	startedAt    time.Time

	headerTipHeight   uint32
	validatedHeight   uint32
	nextRequestHeight uint32
	headersByHeight   map[uint32]primitives.BlockHeader
	blockHashHeight   map[chainhash.Hash]uint32

	blockRequests  map[chainhash.Hash]*blockRequest
	blocksInFlight map[uint32]struct{}
	pendingBlocks  map[uint32]*primitives.Block

	bestPeers []peerHeight

	lastCheckpointHeight uint32
	checkpointProposals  map[uint32]map[chainhash.Hash]map[PeerID]struct{}

	outbound *queue.ConcurrentQueue
	timeouts ticker.Ticker

	quit chan struct{}
}

// New creates a sync engine for the given chain state and outbound
// sender, with a periodic timeout scan driven by a ticker. pool may be
// nil if the caller doesn't want mined transactions evicted from a pool.
func New(cfg Config, chain *chainstate.ChainState, send RequestSender, pool MempoolRemover) *Engine {
	height := chain.Height()
	e := &Engine{
		cfg:                  cfg,
		chain:                chain,
		send:                 send,
		pool:                 pool,
		state:                Idle,
		headersByHeight:      make(map[uint32]primitives.BlockHeader),
		blockHashHeight:      make(map[chainhash.Hash]uint32),
		blockRequests:        make(map[chainhash.Hash]*blockRequest),
		blocksInFlight:       make(map[uint32]struct{}),
		pendingBlocks:        make(map[uint32]*primitives.Block),
		checkpointProposals:  make(map[uint32]map[chainhash.Hash]map[PeerID]struct{}),
		lastCheckpointHeight: height - height%cfg.CheckpointInterval,
		outbound:             queue.NewConcurrentQueue(64),
		timeouts:             ticker.New(cfg.TimeoutScanInterval),
		quit:                 make(chan struct{}),
	}
	return e
}

// Start launches the outbound dispatch loop and the periodic timeout
// scanner. Stop tears both down.
func (e *Engine) Start() {
	e.outbound.Start()
	e.timeouts.Resume()
	go e.dispatchLoop()
	go e.timeoutLoop()
}

func (e *Engine) Stop() {
	close(e.quit)
	e.outbound.Stop()
	e.timeouts.Stop()
}

func (e *Engine) dispatchLoop() {
	for {
		select {
		case item, ok := <-e.outbound.ChanOut():
			if !ok {
				return
			}
			req := item.(outboundRequest)
			if req.blockHash != nil {
				_ = e.send.SendGetBlock(req.peer, *req.blockHash)
			} else {
				_ = e.send.SendGetHeaders(req.peer, req.startHeight, req.count)
			}
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) timeoutLoop() {
	for {
		select {
		case <-e.timeouts.Ticks():
			e.CheckTimeouts()
		case <-e.quit:
			return
		}
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// UpdatePeerHeight records a peer's announced chain height, possibly
// starting sync if the node was Idle and the peer is ahead.
func (e *Engine) UpdatePeerHeight(peer PeerID, height uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recordPeerHeight(peer, height)

	if height > e.chain.Height() {
		if e.state == Idle {
			e.startSyncLocked(height)
		} else if height > e.targetHeight {
			e.targetHeight = height
		}
	}
}

func (e *Engine) recordPeerHeight(peer PeerID, height uint32) {
	for i := range e.bestPeers {
		if e.bestPeers[i].peer == peer {
			if height > e.bestPeers[i].height {
				e.bestPeers[i].height = height
			}
			sort.Slice(e.bestPeers, func(i, j int) bool { return e.bestPeers[i].height > e.bestPeers[j].height })
			return
		}
	}
	e.bestPeers = append(e.bestPeers, peerHeight{peer: peer, height: height})
	sort.Slice(e.bestPeers, func(i, j int) bool { return e.bestPeers[i].height > e.bestPeers[j].height })
}

func (e *Engine) bestPeer() (PeerID, bool) {
	if len(e.bestPeers) == 0 {
		return 0, false
	}
	return e.bestPeers[0].peer, true
}

func (e *Engine) bestPeerExcluding(exclude PeerID) (PeerID, bool) {
	for _, p := range e.bestPeers {
		if p.peer != exclude {
			return p.peer, true
		}
	}
	return 0, false
}

// StartSync begins headers-first synchronization toward targetHeight.
func (e *Engine) StartSync(targetHeight uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startSyncLocked(targetHeight)
}

func (e *Engine) startSyncLocked(targetHeight uint32) {
	if targetHeight <= e.chain.Height() {
		return
	}
	height := e.chain.Height()
	e.headersByHeight = make(map[uint32]primitives.BlockHeader)
	e.blockHashHeight = make(map[chainhash.Hash]uint32)
	e.blockRequests = make(map[chainhash.Hash]*blockRequest)
	e.blocksInFlight = make(map[uint32]struct{})
	e.pendingBlocks = make(map[uint32]*primitives.Block)
	e.headerTipHeight = height
	e.validatedHeight = height
	e.nextRequestHeight = height + 1
	e.targetHeight = targetHeight
	e.startedAt = time.Now()
	e.state = HeaderSync
	log.Infof("StartSync: headers-first sync from height %d to target %d", height, targetHeight)
	e.requestNextHeadersBatch()
}

func (e *Engine) requestNextHeadersBatch() {
	peer, ok := e.bestPeer()
	if !ok {
		e.state = IBDWait
		return
	}
	e.outbound.ChanIn() <- outboundRequest{peer: peer, startHeight: e.headerTipHeight + 1, count: e.cfg.HeadersBatchSize}
}

// HandleHeaders validates and links a batch of headers received from a
// peer, advancing the state machine toward block download once headers
// reach the sync target.
func (e *Engine) HandleHeaders(peer PeerID, headers []primitives.BlockHeader) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(headers) == 0 || e.state != HeaderSync {
		return nil
	}

	valid := 0
	for _, h := range headers {
		node, err := e.chain.AddHeader(h)
		if err != nil {
			break
		}
		e.headersByHeight[node.Height] = h
		e.blockHashHeight[node.Hash] = node.Height
		if node.Height > e.headerTipHeight {
			e.headerTipHeight = node.Height
		}
		valid++
	}
	if valid == 0 {
		return nil
	}

	if e.headerTipHeight >= e.targetHeight {
		e.state = BlockSync
		e.startedAt = time.Now()
		log.Infof("HandleHeaders: header tip reached target %d, switching to block download", e.targetHeight)
		e.requestBlocksParallel()
	} else {
		e.requestNextHeadersBatch()
	}
	return nil
}

func (e *Engine) requestBlocksParallel() {
	if e.state != BlockSync {
		return
	}
	requested := 0
	h := e.nextRequestHeight
	for len(e.blocksInFlight) < e.cfg.MaxConcurrentBlockReqs && uint32(requested) < e.cfg.BlocksBatchSize && h <= e.headerTipHeight {
		if _, inFlight := e.blocksInFlight[h]; inFlight {
			h++
			continue
		}
		if _, have := e.pendingBlocks[h]; have {
			h++
			continue
		}
		header, ok := e.headersByHeight[h]
		if !ok {
			break
		}
		peer, ok := e.bestPeer()
		if !ok {
			break
		}
		hash := header.Hash()
		e.outbound.ChanIn() <- outboundRequest{peer: peer, blockHash: &hash}
		e.blockRequests[hash] = &blockRequest{peer: peer, sentAt: time.Now()}
		e.blocksInFlight[h] = struct{}{}
		requested++
		h++
	}
	e.nextRequestHeight = h
}

// HandleBlock processes a block body received from a peer.
func (e *Engine) HandleBlock(peer PeerID, block *primitives.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	hash := block.Header.Hash()
	if req, ok := e.blockRequests[hash]; ok && req.peer == peer {
		delete(e.blockRequests, hash)
	}

	height, ok := e.blockHashHeight[hash]
	if !ok {
		return fmt.Errorf("sync: received unrequested block %s", hash)
	}
	delete(e.blocksInFlight, height)
	e.pendingBlocks[height] = block

	e.processPendingBlocks()

	if e.state == BlockSync && len(e.blocksInFlight) < e.cfg.MaxConcurrentBlockReqs {
		e.requestBlocksParallel()
	}
	return nil
}

// processPendingBlocks connects contiguous, already-downloaded blocks to
// the chain state in height order — validating each against the UTXO set
// (spec §4.D step 5) before considering it for the tip — evicts their
// transactions from the mempool, and checks for checkpoint eligibility.
func (e *Engine) processPendingBlocks() {
	next := e.validatedHeight + 1
	for {
		block, ok := e.pendingBlocks[next]
		if !ok {
			break
		}
		node, exists := e.chain.GetNode(block.Header.Hash())
		if !exists {
			break
		}
		if err := e.chain.ApplyBlock(block); err != nil {
			log.Warnf("processPendingBlocks: block %v at height %d failed application: %v", node.Hash, next, err)
			break
		}
		e.chain.ConsiderReorg(node.Hash)
		if e.pool != nil {
			e.pool.RemoveMined(block.Transactions)
		}
		delete(e.pendingBlocks, next)
		e.validatedHeight = next

		if next%e.cfg.CheckpointInterval == 0 {
			e.lastCheckpointHeight = next
			e.chain.MaterializeCheckpoint(next, node.Hash)
			if err := e.send.BroadcastCheckpoint(next, node.Hash); err != nil {
				log.Warnf("processPendingBlocks: failed to broadcast checkpoint at height %d: %v", next, err)
			}
		}
		next++
	}

	if e.state == BlockSync && e.validatedHeight >= e.targetHeight {
		e.state = Idle
		log.Infof("processPendingBlocks: sync complete at height %d (took %s)", e.validatedHeight, time.Since(e.startedAt))
		e.headersByHeight = make(map[uint32]primitives.BlockHeader)
		e.blockHashHeight = make(map[chainhash.Hash]uint32)
		e.blocksInFlight = make(map[uint32]struct{})
		e.pendingBlocks = make(map[uint32]*primitives.Block)
	}
}

// CheckTimeouts retries block requests that have exceeded the configured
// timeout, rotating to a different peer each attempt.
func (e *Engine) CheckTimeouts() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	var timedOut []chainhash.Hash
	for hash, req := range e.blockRequests {
		if now.Sub(req.sentAt) > e.cfg.BlockRequestTimeout {
			timedOut = append(timedOut, hash)
		}
	}

	for _, hash := range timedOut {
		req := e.blockRequests[hash]
		delete(e.blockRequests, hash)
		height, ok := e.blockHashHeight[hash]
		if !ok {
			continue
		}
		delete(e.blocksInFlight, height)

		if req.retries >= e.cfg.MaxRetries {
			log.Warnf("CheckTimeouts: block %v from peer %v exhausted retries, giving up", hash, req.peer)
			continue
		}
		newPeer, ok := e.bestPeerExcluding(req.peer)
		if !ok {
			continue
		}
		log.Debugf("CheckTimeouts: block %v timed out from peer %v, retrying via peer %v (attempt %d)", hash, req.peer, newPeer, req.retries+1)
		h := hash
		e.outbound.ChanIn() <- outboundRequest{peer: newPeer, blockHash: &h}
		e.blockRequests[hash] = &blockRequest{peer: newPeer, sentAt: now, retries: req.retries + 1}
		e.blocksInFlight[height] = struct{}{}
	}
}

// HandleCheckpointAnnouncement records a peer's claim about the hash at a
// given height; the checkpoint is accepted only once MinCheckpointPeers
// distinct peers agree on the same hash.
func (e *Engine) HandleCheckpointAnnouncement(peer PeerID, height uint32, hash chainhash.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if height <= e.lastCheckpointHeight {
		return false
	}
	byHash, ok := e.checkpointProposals[height]
	if !ok {
		byHash = make(map[chainhash.Hash]map[PeerID]struct{})
		e.checkpointProposals[height] = byHash
	}
	peers, ok := byHash[hash]
	if !ok {
		peers = make(map[PeerID]struct{})
		byHash[hash] = peers
	}
	peers[peer] = struct{}{}

	if len(peers) >= e.cfg.MinCheckpointPeers {
		e.lastCheckpointHeight = height
		delete(e.checkpointProposals, height)
		return true
	}
	return false
}

// Stats reports the current sync session's progress.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		CurrentHeight:  e.chain.Height(),
		TargetHeight:   e.targetHeight,
		PendingHeaders: len(e.headersByHeight),
		BlocksInFlight: len(e.blocksInFlight),
		PendingBlocks:  len(e.pendingBlocks),
		PeerCount:      len(e.bestPeers),
	}
}
