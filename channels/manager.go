package channels

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ironveil/node/primitives"
)

// Manager tracks every channel a node has open, keyed by channel ID and
// by its funding outpoint.
type Manager struct {
	mu       sync.RWMutex
	channels map[ChannelID]*Channel
	byOutput map[primitives.OutPoint]ChannelID
	cfg      Config
}

// NewManager creates an empty channel manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		channels: make(map[ChannelID]*Channel),
		byOutput: make(map[primitives.OutPoint]ChannelID),
		cfg:      cfg,
	}
}

// OpenChannel opens and registers a new channel.
func (m *Manager) OpenChannel(local, remote *btcec.PublicKey, capacity uint64, funding primitives.OutPoint, isInitiator bool) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := GenerateChannelID(local, remote, funding)
	if _, exists := m.channels[id]; exists {
		return nil, ErrChannelExists
	}

	ch, err := Open(local, remote, capacity, funding, isInitiator, m.cfg)
	if err != nil {
		return nil, err
	}
	m.channels[id] = ch
	m.byOutput[funding] = id
	log.Infof("OpenChannel: %v funded by %v, capacity %d, initiator=%v", id, funding, capacity, isInitiator)
	return ch, nil
}

// Get returns the channel with the given ID.
func (m *Manager) Get(id ChannelID) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// GetByFundingOutpoint looks up a channel by its funding outpoint.
func (m *Manager) GetByFundingOutpoint(op primitives.OutPoint) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOutput[op]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return m.channels[id], nil
}

// List returns a snapshot of every tracked channel's public info.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.channels))
	for _, ch := range m.channels {
		infos = append(infos, ch.Info())
	}
	return infos
}

// CloseAll force-closes every channel still open, returning the
// broadcastable commitment transaction for each.
func (m *Manager) CloseAll() []*primitives.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var txs []*primitives.Transaction
	for _, ch := range m.channels {
		if ch.State == Active || ch.State == ClosingNegotiation {
			txs = append(txs, ch.ForceClose())
		}
	}
	log.Warnf("CloseAll: force-closed %d of %d tracked channels", len(txs), len(m.channels))
	return txs
}
