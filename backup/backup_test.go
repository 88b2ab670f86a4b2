package backup

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
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

type memoryProvider struct {
	name    string
	backups map[string]*EncryptedBackup
	failing bool
}

func newMemoryProvider(name string) *memoryProvider {
	return &memoryProvider{name: name, backups: make(map[string]*EncryptedBackup)}
}

func (p *memoryProvider) Store(b *EncryptedBackup, id string) error {
	if p.failing {
		return errors.New("memoryProvider: forced failure")
	}
	p.backups[id] = b
	return nil
}

func (p *memoryProvider) Retrieve(id string) (*EncryptedBackup, error) {
	b, ok := p.backups[id]
	if !ok {
		return nil, ErrBackupNotFound
	}
	return b, nil
}

func (p *memoryProvider) ListBackups() ([]string, error) {
	ids := make([]string, 0, len(p.backups))
	for id := range p.backups {
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *memoryProvider) Delete(id string) error {
	delete(p.backups, id)
	return nil
}

func (p *memoryProvider) Name() string { return p.name }

func testKey(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

func testChannel(t *testing.T) *channels.Channel {
	t.Helper()
	alice, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bob, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var h chainhash.Hash
	h[0] = 7
	ch, err := channels.Open(alice.PubKey(), bob.PubKey(), 1_000_000, primitives.OutPoint{Hash: h, Index: 0}, true, channels.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, ch.MarkFundingConfirmed())
	return ch
}

func TestPackageChecksumDetectsTampering(t *testing.T) {
	backups := []StaticChannelBackup{{ChannelID: channels.ChannelID{1}, Version: 1}}
	pkg := NewPackage("node-a", backups, 1000)
	require.True(t, pkg.Verify())

	pkg.Channels[0].Version = 2
	require.False(t, pkg.Verify())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	backups := []StaticChannelBackup{
		{ChannelID: channels.ChannelID{1}, RemoteNodeID: "abcd", CapacitySats: 500_000, Version: 3},
	}
	pkg := NewPackage("node-a", backups, 1234)
	key := testKey(1)

	encrypted, err := Encrypt(pkg, key)
	require.NoError(t, err)

	decrypted, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	require.Equal(t, pkg.NodeID, decrypted.NodeID)
	require.Equal(t, pkg.Channels, decrypted.Channels)
	require.True(t, decrypted.Verify())
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	pkg := NewPackage("node-a", nil, 1)
	encrypted, err := Encrypt(pkg, testKey(1))
	require.NoError(t, err)

	_, err = Decrypt(encrypted, testKey(2))
	require.ErrorIs(t, err, ErrDecryption)
}

func TestManagerRegisterAndProcessBackupsUpdatesProviderStatus(t *testing.T) {
	ch := testChannel(t)
	provider := newMemoryProvider("local")
	now := int64(100)
	m := NewManager("node-a", DefaultConfig(), testKey(9), []Provider{provider}, func() int64 { return now })

	m.RegisterChannel(ch)
	count, err := m.ProcessPendingBackups()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, provider.backups, 1)

	statuses := m.Status()
	require.Len(t, statuses, 1)
	require.Equal(t, uint64(1), statuses[0].SuccessCount)
	require.NotNil(t, statuses[0].LastBackup)

	// no pending work: second call is a no-op
	count, err = m.ProcessPendingBackups()
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestManagerProcessBackupsRecordsProviderFailure(t *testing.T) {
	ch := testChannel(t)
	provider := newMemoryProvider("flaky")
	provider.failing = true
	m := NewManager("node-a", DefaultConfig(), testKey(9), []Provider{provider}, func() int64 { return 1 })

	m.RegisterChannel(ch)
	count, err := m.ProcessPendingBackups()
	require.NoError(t, err)
	require.Equal(t, 0, count)

	statuses := m.Status()
	require.Len(t, statuses, 1)
	require.Equal(t, uint64(1), statuses[0].FailureCount)
	require.NotEmpty(t, statuses[0].LastError)
}

func TestManagerExportImportRoundTrip(t *testing.T) {
	ch := testChannel(t)
	key := testKey(4)
	src := NewManager("node-a", DefaultConfig(), key, nil, func() int64 { return 1 })
	src.RegisterChannel(ch)

	encrypted, err := src.ExportAll()
	require.NoError(t, err)

	dst := NewManager("node-a", DefaultConfig(), key, nil, func() int64 { return 2 })
	imported, err := dst.ImportBackup(encrypted)
	require.NoError(t, err)
	require.Len(t, imported, 1)

	got, ok := dst.ChannelBackup(ch.ID)
	require.True(t, ok)
	require.Equal(t, ch.ID, got.ChannelID)
}

func TestManagerImportRejectsMismatchedNodeID(t *testing.T) {
	key := testKey(5)
	src := NewManager("node-a", DefaultConfig(), key, nil, func() int64 { return 1 })
	encrypted, err := src.ExportAll()
	require.NoError(t, err)

	dst := NewManager("node-b", DefaultConfig(), key, nil, func() int64 { return 2 })
	_, err = dst.ImportBackup(encrypted)
	require.ErrorIs(t, err, ErrNodeIDMismatch)
}

func TestManagerUnregisterQueuesFinalBackup(t *testing.T) {
	ch := testChannel(t)
	provider := newMemoryProvider("local")
	m := NewManager("node-a", DefaultConfig(), testKey(1), []Provider{provider}, func() int64 { return 1 })

	m.RegisterChannel(ch)
	_, err := m.ProcessPendingBackups()
	require.NoError(t, err)

	m.UnregisterChannel(ch.ID)
	count, err := m.ProcessPendingBackups()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, ok := m.ChannelBackup(ch.ID)
	require.False(t, ok)
}
