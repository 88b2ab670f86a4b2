package backup

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEncryptedBackup(b byte) *EncryptedBackup {
	e := &EncryptedBackup{Ciphertext: []byte{b, b, b}, Timestamp: int64(b)}
	e.Nonce[0] = b
	return e
}

func TestLocalFileProviderStoreRetrieveListDelete(t *testing.T) {
	p, err := NewLocalFileProvider(t.TempDir(), "local")
	require.NoError(t, err)

	backup := testEncryptedBackup(3)
	require.NoError(t, p.Store(backup, "abc"))

	got, err := p.Retrieve("abc")
	require.NoError(t, err)
	require.Equal(t, backup.Nonce, got.Nonce)
	require.Equal(t, backup.Ciphertext, got.Ciphertext)
	require.Equal(t, backup.Timestamp, got.Timestamp)

	ids, err := p.ListBackups()
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, ids)

	require.NoError(t, p.Delete("abc"))
	_, err = p.Retrieve("abc")
	require.ErrorIs(t, err, ErrBackupNotFound)
}

type fakeObjectStore struct {
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) PutObject(bucket, key string, data []byte) error {
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjectStore) GetObject(bucket, key string) ([]byte, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeObjectStore) ListObjects(bucket, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeObjectStore) DeleteObject(bucket, key string) error {
	delete(f.objects, bucket+"/"+key)
	return nil
}

func TestS3ProviderStoreRetrieve(t *testing.T) {
	client := newFakeObjectStore()
	p, err := NewS3Provider(client, "channel-backups", "s3")
	require.NoError(t, err)

	backup := testEncryptedBackup(9)
	require.NoError(t, p.Store(backup, "xyz"))

	got, err := p.Retrieve("xyz")
	require.NoError(t, err)
	require.Equal(t, backup.Ciphertext, got.Ciphertext)
}

func TestS3ProviderRequiresBucket(t *testing.T) {
	_, err := NewS3Provider(newFakeObjectStore(), "", "s3")
	require.ErrorIs(t, err, ErrProvider)
}

func TestWebhookProviderPostsBackup(t *testing.T) {
	var receivedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookProvider(srv.URL, "webhook")
	backup := testEncryptedBackup(5)
	require.NoError(t, p.Store(backup, "hook-1"))
	require.NotEmpty(t, receivedBody)
}

func TestWebhookProviderStoreFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewWebhookProvider(srv.URL, "webhook")
	err := p.Store(testEncryptedBackup(1), "hook-2")
	require.ErrorIs(t, err, ErrProvider)
}

type fakePeerSender struct {
	fail map[string]bool
	sent map[string]int
}

func newFakePeerSender() *fakePeerSender {
	return &fakePeerSender{fail: make(map[string]bool), sent: make(map[string]int)}
}

func (f *fakePeerSender) SendBackup(peerID string, backup *EncryptedBackup, backupID string) error {
	if f.fail[peerID] {
		return errors.New("peer unreachable")
	}
	f.sent[peerID]++
	return nil
}

func TestPeerBackupProtocolDistributesToAllPeers(t *testing.T) {
	sender := newFakePeerSender()
	p := NewPeerBackupProtocol("me", []string{"alice", "bob"}, sender)

	require.NoError(t, p.Store(testEncryptedBackup(1), "b1"))
	require.Equal(t, 1, sender.sent["alice"])
	require.Equal(t, 1, sender.sent["bob"])
}

func TestPeerBackupProtocolFailsWhenNoPeerAccepts(t *testing.T) {
	sender := newFakePeerSender()
	sender.fail["alice"] = true
	p := NewPeerBackupProtocol("me", []string{"alice"}, sender)

	err := p.Store(testEncryptedBackup(1), "b1")
	require.ErrorIs(t, err, ErrProvider)
}

func TestPeerBackupProtocolCachesReceivedBackups(t *testing.T) {
	p := NewPeerBackupProtocol("me", nil, newFakePeerSender())
	backup := testEncryptedBackup(2)
	p.ReceiveFromPeer("remote-1", backup)

	got, err := p.Retrieve("remote-1")
	require.NoError(t, err)
	require.Equal(t, backup, got)

	ids, err := p.ListBackups()
	require.NoError(t, err)
	require.Equal(t, []string{"remote-1"}, ids)
}
