package backup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Provider is the closed set of places an encrypted backup can be sent.
// Each implementation owns its own serialization of EncryptedBackup to
// whatever the underlying store needs.
type Provider interface {
	Store(backup *EncryptedBackup, backupID string) error
	Retrieve(backupID string) (*EncryptedBackup, error)
	ListBackups() ([]string, error)
	Delete(backupID string) error
	Name() string
}

func encodeEncryptedBackup(e *EncryptedBackup) []byte {
	var buf bytes.Buffer
	buf.Write(e.Nonce[:])
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], uint64(e.Timestamp))
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Ciphertext)))
	buf.Write(scratch[:4])
	buf.Write(e.Ciphertext)
	return buf.Bytes()
}

func decodeEncryptedBackup(data []byte) (*EncryptedBackup, error) {
	if len(data) < chacha20poly1305.NonceSize+8+4 {
		return nil, fmt.Errorf("%w: truncated backup blob", ErrInvalidBackup)
	}
	e := &EncryptedBackup{}
	copy(e.Nonce[:], data[:chacha20poly1305.NonceSize])
	data = data[chacha20poly1305.NonceSize:]
	e.Timestamp = int64(binary.LittleEndian.Uint64(data[:8]))
	data = data[8:]
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, fmt.Errorf("%w: truncated ciphertext", ErrInvalidBackup)
	}
	e.Ciphertext = append([]byte(nil), data[:n]...)
	return e, nil
}

// LocalFileProvider stores backups as files under a directory.
type LocalFileProvider struct {
	path string
	name string
}

// NewLocalFileProvider creates (if necessary) the backup directory and
// returns a provider backed by it.
func NewLocalFileProvider(path, name string) (*LocalFileProvider, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return &LocalFileProvider{path: path, name: name}, nil
}

func (p *LocalFileProvider) filePath(backupID string) string {
	return filepath.Join(p.path, backupID+".backup")
}

func (p *LocalFileProvider) Store(backup *EncryptedBackup, backupID string) error {
	if err := os.WriteFile(p.filePath(backupID), encodeEncryptedBackup(backup), 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return nil
}

func (p *LocalFileProvider) Retrieve(backupID string) (*EncryptedBackup, error) {
	data, err := os.ReadFile(p.filePath(backupID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}
	return decodeEncryptedBackup(data)
}

func (p *LocalFileProvider) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".backup"); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

func (p *LocalFileProvider) Delete(backupID string) error {
	if err := os.Remove(p.filePath(backupID)); err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return nil
}

func (p *LocalFileProvider) Name() string { return p.name }

// ObjectStoreClient is the minimal surface an S3-compatible object store
// needs to expose for backup storage; a real deployment supplies this with
// the vendor's SDK client.
type ObjectStoreClient interface {
	PutObject(bucket, key string, data []byte) error
	GetObject(bucket, key string) ([]byte, error)
	ListObjects(bucket, prefix string) ([]string, error)
	DeleteObject(bucket, key string) error
}

// S3Provider stores backups in an S3-compatible bucket through an
// injected ObjectStoreClient, keeping this package free of a direct AWS
// SDK dependency while still exercising the provider shape.
type S3Provider struct {
	client ObjectStoreClient
	bucket string
	name   string
}

// NewS3Provider wires a client against a bucket.
func NewS3Provider(client ObjectStoreClient, bucket, name string) (*S3Provider, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: S3 bucket name required", ErrProvider)
	}
	return &S3Provider{client: client, bucket: bucket, name: name}, nil
}

func (p *S3Provider) objectKey(backupID string) string {
	return "backups/" + backupID + ".backup"
}

func (p *S3Provider) Store(backup *EncryptedBackup, backupID string) error {
	if err := p.client.PutObject(p.bucket, p.objectKey(backupID), encodeEncryptedBackup(backup)); err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return nil
}

func (p *S3Provider) Retrieve(backupID string) (*EncryptedBackup, error) {
	data, err := p.client.GetObject(p.bucket, p.objectKey(backupID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}
	return decodeEncryptedBackup(data)
}

func (p *S3Provider) ListBackups() ([]string, error) {
	keys, err := p.client.ListObjects(p.bucket, "backups/")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimPrefix(k, "backups/")
		if name, ok := strings.CutSuffix(k, ".backup"); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

func (p *S3Provider) Delete(backupID string) error {
	if err := p.client.DeleteObject(p.bucket, p.objectKey(backupID)); err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return nil
}

func (p *S3Provider) Name() string { return p.name }

// WebhookProvider POSTs the encrypted backup blob to a fixed URL, for
// operators who forward backups into their own storage pipeline.
type WebhookProvider struct {
	url    string
	name   string
	client *http.Client
}

// NewWebhookProvider wires a provider against a webhook URL.
func NewWebhookProvider(url, name string) *WebhookProvider {
	return &WebhookProvider{url: url, name: name, client: &http.Client{}}
}

func (p *WebhookProvider) Store(backup *EncryptedBackup, backupID string) error {
	req, err := http.NewRequest(http.MethodPost, p.url+"/"+backupID, bytes.NewReader(encodeEncryptedBackup(backup)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", ErrProvider, resp.StatusCode)
	}
	return nil
}

func (p *WebhookProvider) Retrieve(backupID string) (*EncryptedBackup, error) {
	return nil, fmt.Errorf("%w: webhook provider is write-only", ErrProvider)
}

func (p *WebhookProvider) ListBackups() ([]string, error) {
	return nil, nil
}

func (p *WebhookProvider) Delete(backupID string) error {
	return nil
}

func (p *WebhookProvider) Name() string { return p.name }

// PeerBackupProtocol distributes backups to a fixed set of trusted peers
// via a caller-supplied sender, and caches backups received from peers for
// later recovery.
type PeerBackupProtocol struct {
	mu       sync.RWMutex
	ourID    string
	peerIDs  []string
	sender   PeerSender
	received map[string]*EncryptedBackup
}

// PeerSender delivers an encrypted backup to one peer over whatever
// transport the node uses for its Lightning peer connections.
type PeerSender interface {
	SendBackup(peerID string, backup *EncryptedBackup, backupID string) error
}

// NewPeerBackupProtocol creates a peer-distribution provider.
func NewPeerBackupProtocol(ourID string, peerIDs []string, sender PeerSender) *PeerBackupProtocol {
	return &PeerBackupProtocol{
		ourID:    ourID,
		peerIDs:  peerIDs,
		sender:   sender,
		received: make(map[string]*EncryptedBackup),
	}
}

func (p *PeerBackupProtocol) Store(backup *EncryptedBackup, backupID string) error {
	successCount := 0
	for _, peerID := range p.peerIDs {
		if err := p.sender.SendBackup(peerID, backup, backupID); err == nil {
			successCount++
		}
	}
	if successCount == 0 && len(p.peerIDs) > 0 {
		return fmt.Errorf("%w: no peers accepted the backup", ErrProvider)
	}
	return nil
}

// ReceiveFromPeer caches a backup a peer pushed to us, for recovery later.
func (p *PeerBackupProtocol) ReceiveFromPeer(backupID string, backup *EncryptedBackup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received[backupID] = backup
}

func (p *PeerBackupProtocol) Retrieve(backupID string) (*EncryptedBackup, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.received[backupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}
	return b, nil
}

func (p *PeerBackupProtocol) ListBackups() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.received))
	for id := range p.received {
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *PeerBackupProtocol) Delete(backupID string) error {
	return nil
}

func (p *PeerBackupProtocol) Name() string { return "peer_backup" }
