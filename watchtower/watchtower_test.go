package watchtower

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	flags "github.com/jessevdk/go-flags"
	"github.com/ironveil/node/channels"
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

func testChannelID(b byte) channels.ChannelID {
	var id channels.ChannelID
	id[0] = b
	return id
}

func revokedCommitmentTx(b byte) *primitives.Transaction {
	var h chainhash.Hash
	h[0] = b
	return &primitives.Transaction{
		Inputs:  []primitives.TxIn{{PreviousOutPoint: primitives.OutPoint{Hash: h}}},
		Outputs: []primitives.Output{{Amount: 1}},
	}
}

func TestRegisterClientAndChannel(t *testing.T) {
	w := New(DefaultConfig())
	_, err := w.RegisterClient("alice", []byte("pk"), false)
	require.NoError(t, err)

	require.NoError(t, w.RegisterChannel("alice", testChannelID(1)))
	require.ErrorIs(t, w.RegisterChannel("alice", testChannelID(1)), ErrChannelExists)
	require.ErrorIs(t, w.RegisterChannel("bob", testChannelID(2)), ErrClientNotFound)
}

func TestUpdateChannelStateRequiresMonotonicCommitmentNumber(t *testing.T) {
	w := New(DefaultConfig())
	_, err := w.RegisterClient("alice", []byte("pk"), false)
	require.NoError(t, err)
	require.NoError(t, w.RegisterChannel("alice", testChannelID(1)))

	remedy := BreachRemedy{JusticeTransaction: revokedCommitmentTx(1), ChannelID: testChannelID(1), CommitmentNumber: 1}
	require.NoError(t, w.UpdateChannelState(testChannelID(1), 1, remedy))

	stale := BreachRemedy{JusticeTransaction: revokedCommitmentTx(1), CommitmentNumber: 1}
	require.ErrorIs(t, w.UpdateChannelState(testChannelID(1), 1, stale), ErrStaleCommitment)
}

func TestCheckForBreachDetectsOldCommitment(t *testing.T) {
	w := New(DefaultConfig())
	_, err := w.RegisterClient("alice", []byte("pk"), false)
	require.NoError(t, err)
	require.NoError(t, w.RegisterChannel("alice", testChannelID(1)))

	remedy1 := BreachRemedy{JusticeTransaction: revokedCommitmentTx(1), CommitmentNumber: 1}
	require.NoError(t, w.UpdateChannelState(testChannelID(1), 1, remedy1))
	remedy2 := BreachRemedy{JusticeTransaction: revokedCommitmentTx(2), CommitmentNumber: 2}
	require.NoError(t, w.UpdateChannelState(testChannelID(1), 2, remedy2))

	tx, err := w.CheckForBreach(testChannelID(1), 1)
	require.NoError(t, err)
	require.Equal(t, remedy1.JusticeTransaction, tx)

	tx, err = w.CheckForBreach(testChannelID(1), 2)
	require.NoError(t, err)
	require.Nil(t, tx)
}

func TestScanBlockFindsBreachAndBroadcastsJustice(t *testing.T) {
	w := New(DefaultConfig())
	_, err := w.RegisterClient("alice", []byte("pk"), false)
	require.NoError(t, err)
	require.NoError(t, w.RegisterChannel("alice", testChannelID(1)))

	revokedCommitment := &primitives.Transaction{
		Outputs: []primitives.Output{{Amount: 1_000}},
	}
	justiceTx := &primitives.Transaction{
		Inputs:  []primitives.TxIn{{PreviousOutPoint: primitives.OutPoint{Hash: revokedCommitment.Txid()}}},
		Outputs: []primitives.Output{{Amount: 900}},
	}
	remedy := BreachRemedy{JusticeTransaction: justiceTx, CommitmentNumber: 1}
	require.NoError(t, w.UpdateChannelState(testChannelID(1), 1, remedy))

	block := &primitives.Block{Transactions: []*primitives.Transaction{revokedCommitment}}
	justice := w.ScanBlock(block)
	require.Len(t, justice, 1)
	require.Equal(t, justiceTx, justice[0])
}

func TestUnregisterChannelStopsMonitoring(t *testing.T) {
	w := New(DefaultConfig())
	_, err := w.RegisterClient("alice", []byte("pk"), false)
	require.NoError(t, err)
	require.NoError(t, w.RegisterChannel("alice", testChannelID(1)))

	require.NoError(t, w.UnregisterChannel(testChannelID(1)))
	require.ErrorIs(t, w.UnregisterChannel(testChannelID(1)), ErrChannelNotFound)

	stats := w.Stats()
	require.Equal(t, 0, stats.ChannelCount)
}
