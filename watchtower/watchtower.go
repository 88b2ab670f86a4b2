// Package watchtower implements a Lightning watchtower: a service that
// monitors the chain on a channel participant's behalf while they're
// offline, and broadcasts a justice transaction if the counterparty tries
// to settle on a revoked (breached) commitment state.
package watchtower

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/ironveil/node/channels"
	"github.com/ironveil/node/primitives"
)

var (
	ErrTooManyClients    = errors.New("watchtower: client limit reached")
	ErrClientExists      = errors.New("watchtower: client already registered")
	ErrClientNotFound    = errors.New("watchtower: client not found")
	ErrTooManyChannels   = errors.New("watchtower: per-client channel limit reached")
	ErrChannelExists     = errors.New("watchtower: channel already monitored")
	ErrChannelNotFound   = errors.New("watchtower: channel not monitored")
	ErrStaleCommitment   = errors.New("watchtower: commitment number is not newer than the latest seen")
	ErrNoBreachRemedy    = errors.New("watchtower: breach detected but no justice transaction is on file")
)

// EncryptedBlob is an opaque, client-encrypted channel state backup the
// tower stores without being able to read.
type EncryptedBlob struct {
	Data []byte
	Hint [32]byte // lookup hint, e.g. the first bytes of a revoked commitment txid
}

// BreachRemedy pairs a justice transaction with the state it punishes.
type BreachRemedy struct {
	JusticeTransaction *primitives.Transaction
	ChannelID          channels.ChannelID
	CommitmentNumber   uint64
	Blob               EncryptedBlob
}

// Client is a registered watchtower subscriber.
type Client struct {
	ID             string
	PublicKey      []byte
	ChannelCount   int
	LastUpdate     time.Time
	QuantumEnabled bool
}

// channelMonitor tracks a single channel's breach remedies on behalf of
// one client.
type channelMonitor struct {
	channelID       channels.ChannelID
	clientID        string
	latestCommitNum uint64
	remedies        map[uint64]BreachRemedy
	lastUpdate      time.Time
}

// Config bounds a tower's resource usage. Struct tags follow the
// go-flags idiom so an out-of-scope CLI/config loader can populate
// these directly.
type Config struct {
	MaxClients            int           `long:"maxclients" description:"Maximum registered watchtower clients"`
	MaxChannelsPerClient  int           `long:"maxchannelsperclient" description:"Maximum channels monitored per client"`
	RemedyRetentionPeriod time.Duration `long:"remedyretentionperiod" description:"How long superseded breach remedies are retained"`
	RevokedTxidCacheSize  uint          `long:"revokedtxidcachesize" description:"Size of the revoked-commitment membership cache"`
}

// DefaultConfig mirrors the source tower's defaults.
func DefaultConfig() Config {
	return Config{
		MaxClients:            1000,
		MaxChannelsPerClient:  100,
		RemedyRetentionPeriod: 30 * 24 * time.Hour,
		RevokedTxidCacheSize:  50_000,
	}
}

// Watchtower monitors registered channels for breach attempts and
// broadcasts the matching justice transaction when one is spotted in a
// scanned block.
type Watchtower struct {
	cfg      Config
	clients  map[string]*Client
	monitors map[channels.ChannelID]*channelMonitor

	// revokedTxids is a membership cache of commitment txids known to have
	// been revoked, letting a block scan skip the breach-remedy lookup
	// for every other transaction in the block.
	revokedTxids *lru.Cache[chainhash.Hash]
}

// New creates an empty watchtower.
func New(cfg Config) *Watchtower {
	return &Watchtower{
		cfg:          cfg,
		clients:      make(map[string]*Client),
		monitors:     make(map[channels.ChannelID]*channelMonitor),
		revokedTxids: lru.NewCache[chainhash.Hash](cfg.RevokedTxidCacheSize),
	}
}

// RegisterClient enrolls a new client with the tower.
func (w *Watchtower) RegisterClient(id string, publicKey []byte, quantumEnabled bool) (*Client, error) {
	if len(w.clients) >= w.cfg.MaxClients {
		return nil, ErrTooManyClients
	}
	if _, exists := w.clients[id]; exists {
		return nil, ErrClientExists
	}
	c := &Client{ID: id, PublicKey: publicKey, LastUpdate: time.Now(), QuantumEnabled: quantumEnabled}
	w.clients[id] = c
	log.Debugf("RegisterClient: %s registered (quantum=%v)", id, quantumEnabled)
	return c, nil
}

// RegisterChannel starts monitoring a channel on behalf of a client.
func (w *Watchtower) RegisterChannel(clientID string, channelID channels.ChannelID) error {
	client, ok := w.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	if client.ChannelCount >= w.cfg.MaxChannelsPerClient {
		return ErrTooManyChannels
	}
	if _, exists := w.monitors[channelID]; exists {
		return fmt.Errorf("%w: %s", ErrChannelExists, channelID)
	}

	w.monitors[channelID] = &channelMonitor{
		channelID:  channelID,
		clientID:   clientID,
		remedies:   make(map[uint64]BreachRemedy),
		lastUpdate: time.Now(),
	}
	client.ChannelCount++
	client.LastUpdate = time.Now()
	return nil
}

// UpdateChannelState records a new breach remedy for a monitored channel,
// superseding whichever commitment number was previously latest. The
// remedy's justice transaction's first input is the revoked commitment
// outpoint, so its hash is cached for fast breach detection.
func (w *Watchtower) UpdateChannelState(channelID channels.ChannelID, commitmentNumber uint64, remedy BreachRemedy) error {
	mon, ok := w.monitors[channelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if commitmentNumber <= mon.latestCommitNum && len(mon.remedies) > 0 {
		return fmt.Errorf("%w: %d", ErrStaleCommitment, commitmentNumber)
	}

	mon.remedies[commitmentNumber] = remedy
	mon.latestCommitNum = commitmentNumber
	mon.lastUpdate = time.Now()

	if len(remedy.JusticeTransaction.Inputs) > 0 {
		w.revokedTxids.Add(remedy.JusticeTransaction.Inputs[0].PreviousOutPoint.Hash)
	}

	w.cleanupOldRemedies(mon)
	return nil
}

func (w *Watchtower) cleanupOldRemedies(mon *channelMonitor) {
	cutoff := time.Now().Add(-w.cfg.RemedyRetentionPeriod)
	if mon.lastUpdate.After(cutoff) {
		return
	}
	for num := range mon.remedies {
		if num < mon.latestCommitNum {
			delete(mon.remedies, num)
		}
	}
}

// CheckForBreach inspects a commitment transaction broadcast on-chain for
// a given channel. If its commitment number is older than the latest one
// this tower has a remedy for, that's a breach: the matching justice
// transaction is returned to be broadcast immediately.
func (w *Watchtower) CheckForBreach(channelID channels.ChannelID, observedCommitmentNumber uint64) (*primitives.Transaction, error) {
	mon, ok := w.monitors[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if observedCommitmentNumber >= mon.latestCommitNum {
		return nil, nil
	}
	remedy, ok := mon.remedies[observedCommitmentNumber]
	if !ok {
		return nil, fmt.Errorf("%w: commitment %d", ErrNoBreachRemedy, observedCommitmentNumber)
	}
	log.Warnf("CheckForBreach: channel %v breached at commitment %d (latest known %d), broadcasting justice tx",
		channelID, observedCommitmentNumber, mon.latestCommitNum)
	return remedy.JusticeTransaction, nil
}

// ScanBlock checks every transaction in a block against the revoked-txid
// cache: a breach is a revoked commitment transaction appearing confirmed
// on-chain, i.e. its own txid matching one this tower holds a justice
// transaction for. The cache lets this skip the full remedy lookup for
// the common case where nothing in the block touches a monitored
// channel.
func (w *Watchtower) ScanBlock(block *primitives.Block) []*primitives.Transaction {
	remedyByRevokedTxid := make(map[chainhash.Hash]*primitives.Transaction)
	for _, mon := range w.monitors {
		for _, remedy := range mon.remedies {
			if len(remedy.JusticeTransaction.Inputs) == 0 {
				continue
			}
			remedyByRevokedTxid[remedy.JusticeTransaction.Inputs[0].PreviousOutPoint.Hash] = remedy.JusticeTransaction
		}
	}

	var justice []*primitives.Transaction
	for _, tx := range block.Transactions {
		txid := tx.Txid()
		if !w.revokedTxids.Contains(txid) {
			continue
		}
		if remedy, ok := remedyByRevokedTxid[txid]; ok {
			log.Warnf("ScanBlock: revoked commitment %v seen on-chain, releasing justice transaction", txid)
			justice = append(justice, remedy)
		}
	}
	return justice
}

// UnregisterChannel stops monitoring a channel.
func (w *Watchtower) UnregisterChannel(channelID channels.ChannelID) error {
	mon, ok := w.monitors[channelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	delete(w.monitors, channelID)
	if client, ok := w.clients[mon.clientID]; ok {
		if client.ChannelCount > 0 {
			client.ChannelCount--
		}
		client.LastUpdate = time.Now()
	}
	return nil
}

// Stats summarizes the tower's current load.
type Stats struct {
	ClientCount      int
	ChannelCount     int
	TotalRemedies    int
}

func (w *Watchtower) Stats() Stats {
	total := 0
	for _, mon := range w.monitors {
		total += len(mon.remedies)
	}
	return Stats{
		ClientCount:   len(w.clients),
		ChannelCount:  len(w.monitors),
		TotalRemedies: total,
	}
}
