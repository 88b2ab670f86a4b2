package sync

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	flags "github.com/jessevdk/go-flags"
	"github.com/ironveil/node/chainstate"
	"github.com/ironveil/node/primitives"
	"github.com/stretchr/testify/require"
)

// TestConfigFlagTags confirms the Config struct's go-flags tags are
// well-formed enough for an external CLI loader to parse.
func TestConfigFlagTags(t *testing.T) {
	cfg := DefaultConfig()
	parser := flags.NewParser(&cfg, flags.Default)
	_, err := parser.ParseArgs(nil)
	require.NoError(t, err)
}

type fakeSender struct {
	headerReqs     []outboundRequest
	blockReqs      []outboundRequest
	checkpointReqs []wireCheckpoint
}

type wireCheckpoint struct {
	height uint32
	hash   chainhash.Hash
}

func (f *fakeSender) SendGetHeaders(peer PeerID, startHeight uint32, count uint32) error {
	f.headerReqs = append(f.headerReqs, outboundRequest{peer: peer, startHeight: startHeight, count: count})
	return nil
}

func (f *fakeSender) SendGetBlock(peer PeerID, hash chainhash.Hash) error {
	f.blockReqs = append(f.blockReqs, outboundRequest{peer: peer, blockHash: &hash})
	return nil
}

func (f *fakeSender) BroadcastCheckpoint(height uint32, hash chainhash.Hash) error {
	f.checkpointReqs = append(f.checkpointReqs, wireCheckpoint{height: height, hash: hash})
	return nil
}

// easyBits is a maximal-target compact encoding (exponent 34, maximum
// mantissa): its target exceeds 2^256, so every hash satisfies AddHeader's
// PoW gate regardless of nonce — these fixtures aren't mined.
const easyBits = 0x227fffff

func genesis() primitives.BlockHeader {
	return primitives.BlockHeader{Version: 1, Bits: easyBits, Timestamp: 0}
}

// coinbaseFor builds a minimal, valid coinbase transaction for a block at
// height: single sentinel input, one output tagged with a recognized
// (but otherwise unchecked, since coinbases skip signature verification)
// scheme byte.
func coinbaseFor(height uint32) *primitives.Transaction {
	return &primitives.Transaction{
		Version: 1,
		Inputs: []primitives.TxIn{{
			PreviousOutPoint: primitives.OutPoint{Index: primitives.CoinbasePrevIndex},
		}},
		Outputs: []primitives.Output{{Amount: 5_000_000_000, Script: []byte{0}}},
		LockTime: height,
	}
}

// chainOf builds n linked headers together with matching block bodies (a
// lone coinbase each, with the header's merkle root set accordingly) so
// both HandleHeaders and HandleBlock/ApplyBlock can exercise a realistic
// chain.
func chainOf(n int) ([]primitives.BlockHeader, []*primitives.Block) {
	headers := make([]primitives.BlockHeader, 0, n)
	blocks := make([]*primitives.Block, 0, n)
	prev := genesis()
	ts := int64(600)
	for i := 0; i < n; i++ {
		txs := []*primitives.Transaction{coinbaseFor(uint32(i + 1))}
		h := primitives.BlockHeader{
			Version:       1,
			PrevBlockHash: prev.Hash(),
			MerkleRoot:    primitives.MerkleRoot(txs),
			Bits:          easyBits,
			Timestamp:     ts,
			Nonce:         uint32(i + 1),
		}
		headers = append(headers, h)
		blocks = append(blocks, &primitives.Block{Header: h, Transactions: txs})
		prev = h
		ts += 600
	}
	return headers, blocks
}

func newTestEngine() (*Engine, *fakeSender, *chainstate.ChainState) {
	cs := chainstate.New(genesis(), nil)
	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.TimeoutScanInterval = time.Hour
	e := New(cfg, cs, sender, nil)
	return e, sender, cs
}

func TestStartSyncEntersHeaderSyncAndRequestsFromBestPeer(t *testing.T) {
	e, sender, _ := newTestEngine()
	e.UpdatePeerHeight(PeerID(1), 5)

	require.Equal(t, HeaderSync, e.State())
	require.Len(t, sender.headerReqs, 1)
	require.Equal(t, PeerID(1), sender.headerReqs[0].peer)
	require.Equal(t, uint32(1), sender.headerReqs[0].startHeight)
}

func TestStartSyncWaitsWithNoPeers(t *testing.T) {
	e, _, _ := newTestEngine()
	e.StartSync(5)
	require.Equal(t, IBDWait, e.State())
}

func TestHandleHeadersRejectsBadLinkage(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UpdatePeerHeight(PeerID(1), 3)

	bad := primitives.BlockHeader{Version: 1, Bits: easyBits, Timestamp: 1, Nonce: 77}
	err := e.HandleHeaders(PeerID(1), []primitives.BlockHeader{bad})
	require.NoError(t, err)
	require.Equal(t, HeaderSync, e.State())
	require.Empty(t, e.headersByHeight)
}

func TestHandleHeadersAdvancesToBlockSyncAtTarget(t *testing.T) {
	e, sender, _ := newTestEngine()
	headers, _ := chainOf(2)
	e.UpdatePeerHeight(PeerID(1), 2)

	err := e.HandleHeaders(PeerID(1), headers)
	require.NoError(t, err)
	require.Equal(t, BlockSync, e.State())
	require.Len(t, e.headersByHeight, 2)
	require.NotEmpty(t, sender.blockReqs)
}

func TestHandleBlockConnectsAndCompletesSync(t *testing.T) {
	e, _, cs := newTestEngine()
	headers, blocks := chainOf(2)
	e.UpdatePeerHeight(PeerID(1), 2)
	require.NoError(t, e.HandleHeaders(PeerID(1), headers))

	for _, block := range blocks {
		require.NoError(t, e.HandleBlock(PeerID(1), block))
	}

	require.Equal(t, Idle, e.State())
	require.Equal(t, uint32(2), cs.Height())
	require.Equal(t, uint32(2), cs.UTXOSet().Count())
}

func TestProcessPendingBlocksMaterializesAndBroadcastsCheckpoint(t *testing.T) {
	e, sender, cs := newTestEngine()
	e.cfg.CheckpointInterval = 2
	headers, blocks := chainOf(2)
	e.UpdatePeerHeight(PeerID(1), 2)
	require.NoError(t, e.HandleHeaders(PeerID(1), headers))

	for _, block := range blocks {
		require.NoError(t, e.HandleBlock(PeerID(1), block))
	}

	require.Len(t, sender.checkpointReqs, 1)
	require.Equal(t, uint32(2), sender.checkpointReqs[0].height)
	require.Equal(t, headers[1].Hash(), sender.checkpointReqs[0].hash)
	require.Equal(t, uint32(2), cs.UTXOSet().Count())
}

func TestHandleBlockRejectsUnrequestedBlock(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UpdatePeerHeight(PeerID(1), 1)

	stray := primitives.BlockHeader{Version: 1, Bits: easyBits, Timestamp: 123456, Nonce: 9}
	err := e.HandleBlock(PeerID(1), &primitives.Block{Header: stray})
	require.Error(t, err)
}

func TestCheckTimeoutsRetriesOnDifferentPeer(t *testing.T) {
	e, sender, _ := newTestEngine()
	headers, _ := chainOf(1)
	e.UpdatePeerHeight(PeerID(1), 1)
	e.UpdatePeerHeight(PeerID(2), 1)
	require.NoError(t, e.HandleHeaders(PeerID(1), headers))

	require.Len(t, e.blockRequests, 1)
	for hash, req := range e.blockRequests {
		req.sentAt = time.Now().Add(-time.Hour)
		e.blockRequests[hash] = req
	}

	before := len(sender.blockReqs)
	e.CheckTimeouts()
	require.Greater(t, len(sender.blockReqs), before)

	for _, req := range e.blockRequests {
		require.Equal(t, 1, req.retries)
	}
}

func TestHandleCheckpointAnnouncementRequiresPeerAgreement(t *testing.T) {
	e, _, _ := newTestEngine()
	hash := genesis().Hash()

	require.False(t, e.HandleCheckpointAnnouncement(PeerID(1), 10_000, hash))
	require.False(t, e.HandleCheckpointAnnouncement(PeerID(2), 10_000, hash))
	require.True(t, e.HandleCheckpointAnnouncement(PeerID(3), 10_000, hash))
}

func TestStatsReportsProgress(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UpdatePeerHeight(PeerID(1), 5)

	stats := e.Stats()
	require.Equal(t, uint32(0), stats.CurrentHeight)
	require.Equal(t, uint32(5), stats.TargetHeight)
	require.Equal(t, 1, stats.PeerCount)
}
