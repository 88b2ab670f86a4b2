// Package backup implements encrypted static channel backups: a node
// periodically packages its channel states, encrypts the package with
// ChaCha20-Poly1305, and distributes it to one or more providers so the
// channels can be recovered if local state is lost.
package backup

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ironveil/node/channels"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrEncryption     = errors.New("backup: encryption failed")
	ErrDecryption     = errors.New("backup: decryption failed")
	ErrInvalidBackup  = errors.New("backup: checksum verification failed")
	ErrNodeIDMismatch = errors.New("backup: backup belongs to a different node")
	ErrBackupNotFound = errors.New("backup: backup not found")
	ErrProvider       = errors.New("backup: provider error")
)

// ChannelType records which commitment features a channel's backup needs
// to recover it.
type ChannelType struct {
	StaticRemoteKey  bool
	AnchorOutputs    bool
	Taproot          bool
	QuantumResistant bool
}

// FundingOutpoint is the minimal on-chain reference needed to locate a
// channel's funding transaction during recovery.
type FundingOutpoint struct {
	Txid [32]byte
	Vout uint32
}

// StaticChannelBackup is the durable, mostly-static data needed to force
// close and sweep a channel's funds without the rest of the node's state.
type StaticChannelBackup struct {
	ChannelID       channels.ChannelID
	RemoteNodeID    string
	CapacitySats    uint64
	FundingOutpoint FundingOutpoint
	DerivationPath  []uint32
	ChannelType     ChannelType
	CreatedAt       int64
	UpdatedAt       int64
	Version         uint64
}

// Package bundles every channel backup a node holds at a point in time,
// checksummed so tampering or corruption in transit is detectable.
type Package struct {
	FormatVersion uint32
	NodeID        string
	Channels      []StaticChannelBackup
	Timestamp     int64
	Checksum      [32]byte
}

// NewPackage builds a checksummed package from a node's current channel
// backups.
func NewPackage(nodeID string, chans []StaticChannelBackup, now int64) *Package {
	p := &Package{
		FormatVersion: 1,
		NodeID:        nodeID,
		Channels:      chans,
		Timestamp:     now,
	}
	p.Checksum = p.checksum()
	return p
}

func (p *Package) checksum() [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], p.FormatVersion)
	h.Write(buf[:4])
	h.Write([]byte(p.NodeID))
	binary.LittleEndian.PutUint64(buf[:], uint64(p.Timestamp))
	h.Write(buf[:])
	for _, c := range p.Channels {
		h.Write(c.ChannelID[:])
		binary.LittleEndian.PutUint64(buf[:], c.Version)
		h.Write(buf[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Verify reports whether the package's checksum matches its contents.
func (p *Package) Verify() bool {
	return p.checksum() == p.Checksum
}

// EncryptedBackup is an opaque, authenticated ciphertext a provider stores
// without being able to read.
type EncryptedBackup struct {
	Nonce      [chacha20poly1305.NonceSize]byte
	Ciphertext []byte
	Timestamp  int64
}

// marshalPackage produces a deterministic plaintext encoding of a package.
// It is not meant to be a general-purpose wire format, only stable input
// for encryption and the checksum it already carries.
func marshalPackage(p *Package) []byte {
	buf := make([]byte, 0, 64+64*len(p.Channels))
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], p.FormatVersion)
	buf = append(buf, scratch[:4]...)
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(p.NodeID)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, p.NodeID...)
	binary.LittleEndian.PutUint64(scratch[:], uint64(p.Timestamp))
	buf = append(buf, scratch[:]...)
	buf = append(buf, p.Checksum[:]...)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(p.Channels)))
	buf = append(buf, scratch[:4]...)
	for _, c := range p.Channels {
		buf = append(buf, c.ChannelID[:]...)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(c.RemoteNodeID)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, c.RemoteNodeID...)
		binary.LittleEndian.PutUint64(scratch[:], c.CapacitySats)
		buf = append(buf, scratch[:]...)
		buf = append(buf, c.FundingOutpoint.Txid[:]...)
		binary.LittleEndian.PutUint32(scratch[:4], c.FundingOutpoint.Vout)
		buf = append(buf, scratch[:4]...)
		binary.LittleEndian.PutUint64(scratch[:], c.Version)
		buf = append(buf, scratch[:]...)
	}
	return buf
}

// unmarshalPackage is the exact inverse of marshalPackage.
func unmarshalPackage(data []byte) (*Package, error) {
	p := &Package{}
	r := data

	readU32 := func() (uint32, error) {
		if len(r) < 4 {
			return 0, fmt.Errorf("%w: truncated", ErrInvalidBackup)
		}
		v := binary.LittleEndian.Uint32(r[:4])
		r = r[4:]
		return v, nil
	}
	readU64 := func() (uint64, error) {
		if len(r) < 8 {
			return 0, fmt.Errorf("%w: truncated", ErrInvalidBackup)
		}
		v := binary.LittleEndian.Uint64(r[:8])
		r = r[8:]
		return v, nil
	}
	readBytes := func(n int) ([]byte, error) {
		if len(r) < n {
			return nil, fmt.Errorf("%w: truncated", ErrInvalidBackup)
		}
		b := r[:n]
		r = r[n:]
		return b, nil
	}

	fv, err := readU32()
	if err != nil {
		return nil, err
	}
	p.FormatVersion = fv

	nodeIDLen, err := readU32()
	if err != nil {
		return nil, err
	}
	nodeIDBytes, err := readBytes(int(nodeIDLen))
	if err != nil {
		return nil, err
	}
	p.NodeID = string(nodeIDBytes)

	ts, err := readU64()
	if err != nil {
		return nil, err
	}
	p.Timestamp = int64(ts)

	checksum, err := readBytes(32)
	if err != nil {
		return nil, err
	}
	copy(p.Checksum[:], checksum)

	count, err := readU32()
	if err != nil {
		return nil, err
	}
	p.Channels = make([]StaticChannelBackup, 0, count)
	for i := uint32(0); i < count; i++ {
		var c StaticChannelBackup
		idBytes, err := readBytes(32)
		if err != nil {
			return nil, err
		}
		copy(c.ChannelID[:], idBytes)

		remoteLen, err := readU32()
		if err != nil {
			return nil, err
		}
		remoteBytes, err := readBytes(int(remoteLen))
		if err != nil {
			return nil, err
		}
		c.RemoteNodeID = string(remoteBytes)

		capacity, err := readU64()
		if err != nil {
			return nil, err
		}
		c.CapacitySats = capacity

		txid, err := readBytes(32)
		if err != nil {
			return nil, err
		}
		copy(c.FundingOutpoint.Txid[:], txid)

		vout, err := readU32()
		if err != nil {
			return nil, err
		}
		c.FundingOutpoint.Vout = vout

		version, err := readU64()
		if err != nil {
			return nil, err
		}
		c.Version = version

		p.Channels = append(p.Channels, c)
	}
	return p, nil
}

// Encrypt seals a package with the given 32-byte key.
func Encrypt(p *Package, key [32]byte) (*EncryptedBackup, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	plaintext := marshalPackage(p)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)
	return &EncryptedBackup{Nonce: nonce, Ciphertext: ciphertext, Timestamp: p.Timestamp}, nil
}

// Decrypt opens an encrypted backup and verifies its checksum.
func Decrypt(e *EncryptedBackup, key [32]byte) (*Package, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := aead.Open(nil, e.Nonce[:], e.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	p, err := unmarshalPackage(plaintext)
	if err != nil {
		return nil, err
	}
	if !p.Verify() {
		return nil, ErrInvalidBackup
	}
	return p, nil
}

// Trigger records why a backup was queued.
type Trigger uint8

const (
	TriggerChannelOpened Trigger = iota
	TriggerCommitmentUpdated
	TriggerChannelClosed
	TriggerScheduled
	TriggerManual
)

type pendingBackup struct {
	channelID channels.ChannelID
	trigger   Trigger
	queuedAt  int64
}

// ProviderStatus tracks one provider's backup history.
type ProviderStatus struct {
	ProviderName string
	LastBackup   *int64
	SuccessCount uint64
	FailureCount uint64
	LastError    string
}

// Config bounds a Manager's behavior. Struct tags follow the go-flags
// idiom so an out-of-scope CLI/config loader can populate these
// directly.
type Config struct {
	BackupInterval        time.Duration `long:"backupinterval" description:"Interval between periodic channel-state backups"`
	MaxBackupsPerProvider int           `long:"maxbackupsperprovider" description:"Maximum retained backups per provider"`
	BackupOnCommitment    bool          `long:"backuponcommitment" description:"Trigger a backup on every new commitment"`
	AutoBackupEnabled     bool          `long:"autobackupenabled" description:"Run the periodic backup loop automatically"`
}

// DefaultConfig mirrors the source tower's defaults.
func DefaultConfig() Config {
	return Config{
		BackupInterval:        60 * time.Second,
		MaxBackupsPerProvider: 10,
		BackupOnCommitment:    true,
		AutoBackupEnabled:     true,
	}
}

// Manager tracks every channel's static backup, encrypts and distributes
// packaged backups to its configured providers, and can restore them.
type Manager struct {
	mu sync.Mutex

	cfg           Config
	nodeID        string
	encryptionKey [32]byte

	providers      []Provider
	channelBackups map[channels.ChannelID]StaticChannelBackup
	providerStatus map[string]*ProviderStatus
	pending        []pendingBackup
	version        uint64

	now func() int64
}

// NewManager creates a backup manager with the given providers already
// wired in (construct them with the New*Provider functions in
// providers.go).
func NewManager(nodeID string, cfg Config, encryptionKey [32]byte, providers []Provider, now func() int64) *Manager {
	m := &Manager{
		cfg:            cfg,
		nodeID:         nodeID,
		encryptionKey:  encryptionKey,
		providers:      providers,
		channelBackups: make(map[channels.ChannelID]StaticChannelBackup),
		providerStatus: make(map[string]*ProviderStatus),
		now:            now,
	}
	for _, p := range providers {
		m.providerStatus[p.Name()] = &ProviderStatus{ProviderName: p.Name()}
	}
	return m
}

func (m *Manager) staticBackupLocked(ch *channels.Channel) StaticChannelBackup {
	m.version++
	now := m.now()
	info := ch.Info()
	return StaticChannelBackup{
		ChannelID:    ch.ID,
		RemoteNodeID: hex.EncodeToString(ch.RemoteNodeID.SerializeCompressed()),
		CapacitySats: info.Capacity,
		FundingOutpoint: FundingOutpoint{
			Txid: ch.FundingOutpoint.Hash,
			Vout: ch.FundingOutpoint.Index,
		},
		DerivationPath: []uint32{44, 1, 0, 0},
		ChannelType: ChannelType{
			StaticRemoteKey: true,
		},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   m.version,
	}
}

// RegisterChannel begins tracking a newly opened channel for backup.
func (m *Manager) RegisterChannel(ch *channels.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelBackups[ch.ID] = m.staticBackupLocked(ch)
	m.queueLocked(ch.ID, TriggerChannelOpened)
}

// UnregisterChannel stops tracking a closed channel, queuing one final
// backup so providers learn of the closure.
func (m *Manager) UnregisterChannel(id channels.ChannelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channelBackups, id)
	m.queueLocked(id, TriggerChannelClosed)
}

// OnCommitmentUpdate refreshes a channel's backup after its commitment
// state changes, if the manager is configured to do so.
func (m *Manager) OnCommitmentUpdate(ch *channels.Channel) {
	if !m.cfg.BackupOnCommitment {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelBackups[ch.ID] = m.staticBackupLocked(ch)
	m.queueLocked(ch.ID, TriggerCommitmentUpdated)
}

func (m *Manager) queueLocked(id channels.ChannelID, trigger Trigger) {
	m.pending = append(m.pending, pendingBackup{channelID: id, trigger: trigger, queuedAt: m.now()})
}

// ProcessPendingBackups packages, encrypts, and stores the channel state
// to every provider, if anything has been queued since the last call.
func (m *Manager) ProcessPendingBackups() (int, error) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	m.pending = nil
	chans := make([]StaticChannelBackup, 0, len(m.channelBackups))
	for _, b := range m.channelBackups {
		chans = append(chans, b)
	}
	nodeID := m.nodeID
	key := m.encryptionKey
	now := m.now()
	m.mu.Unlock()

	pkg := NewPackage(nodeID, chans, now)
	encrypted, err := Encrypt(pkg, key)
	if err != nil {
		return 0, err
	}

	backupID := fmt.Sprintf("backup_%d", pkg.Timestamp)
	successCount := 0
	for _, p := range m.providers {
		if err := p.Store(encrypted, backupID); err != nil {
			m.recordStatus(p.Name(), false, err.Error())
			continue
		}
		successCount++
		m.recordStatus(p.Name(), true, "")
	}
	return successCount, nil
}

func (m *Manager) recordStatus(name string, success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.providerStatus[name]
	if !ok {
		return
	}
	if success {
		now := m.now()
		s.LastBackup = &now
		s.SuccessCount++
		s.LastError = ""
	} else {
		s.FailureCount++
		s.LastError = errMsg
	}
}

// TriggerBackup queues every tracked channel and processes immediately.
func (m *Manager) TriggerBackup() (int, error) {
	m.mu.Lock()
	for id := range m.channelBackups {
		m.queueLocked(id, TriggerManual)
	}
	m.mu.Unlock()
	return m.ProcessPendingBackups()
}

// ExportAll returns an encrypted backup of every tracked channel without
// touching any provider.
func (m *Manager) ExportAll() (*EncryptedBackup, error) {
	m.mu.Lock()
	chans := make([]StaticChannelBackup, 0, len(m.channelBackups))
	for _, b := range m.channelBackups {
		chans = append(chans, b)
	}
	nodeID := m.nodeID
	key := m.encryptionKey
	now := m.now()
	m.mu.Unlock()
	return Encrypt(NewPackage(nodeID, chans, now), key)
}

// ImportBackup decrypts a backup and merges its channels into this
// manager's tracked set, refusing one that belongs to a different node.
func (m *Manager) ImportBackup(encrypted *EncryptedBackup) ([]StaticChannelBackup, error) {
	m.mu.Lock()
	nodeID := m.nodeID
	key := m.encryptionKey
	m.mu.Unlock()

	pkg, err := Decrypt(encrypted, key)
	if err != nil {
		return nil, err
	}
	if pkg.NodeID != nodeID {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrNodeIDMismatch, nodeID, pkg.NodeID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range pkg.Channels {
		m.channelBackups[c.ChannelID] = c
	}
	return pkg.Channels, nil
}

// Status returns a snapshot of every provider's backup history.
func (m *Manager) Status() []ProviderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProviderStatus, 0, len(m.providerStatus))
	for _, s := range m.providerStatus {
		out = append(out, *s)
	}
	return out
}

// ChannelBackup returns the tracked backup for one channel, if any.
func (m *Manager) ChannelBackup(id channels.ChannelID) (StaticChannelBackup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.channelBackups[id]
	return b, ok
}
