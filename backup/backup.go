// Package backup stores encrypted snapshots of the local store in an object
// store and restores them.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/cryptoengine"
	"github.com/mesmerverse/chatvault/storage"
)

// ArchiveVersion is the archive format written by this package.
const ArchiveVersion = 1

// Archive is the stored form of a backup.
type Archive struct {
	Version    int       `cbor:"version"`
	OwnerID    string    `cbor:"ownerId"`
	BackupID   string    `cbor:"backupId"`
	CreatedAt  time.Time `cbor:"createdAt"`
	Salt       string    `cbor:"salt"`
	Nonce      string    `cbor:"nonce"`
	Ciphertext string    `cbor:"ciphertext"`
}

// ObjectStore holds archives by key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Result describes a created backup.
type Result struct {
	BackupID  string    `json:"backup_id"`
	Key       string    `json:"key"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager creates and restores backups of one owner's store.
type Manager struct {
	ownerID string
	engine  *storage.Engine
	schema  storage.Schema
	crypto  *cryptoengine.Engine
	objects ObjectStore
	prefix  string
	now     func() time.Time

	mu sync.Mutex
}

// NewManager creates a backup manager. schema is used to reopen the engine
// after a restore.
func NewManager(ownerID string, engine *storage.Engine, schema storage.Schema, crypto *cryptoengine.Engine, objects ObjectStore, keyPrefix string) *Manager {
	return &Manager{
		ownerID: ownerID,
		engine:  engine,
		schema:  schema,
		crypto:  crypto,
		objects: objects,
		prefix:  keyPrefix,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (bm *Manager) ownerPrefix() string {
	return bm.prefix + bm.ownerID + "/"
}

// Create snapshots the store, encrypts it under passcode and uploads it.
func (bm *Manager) Create(ctx context.Context, passcode string) (*Result, error) {
	if bm.ownerID == "" {
		return nil, apperr.Validation("Create", "owner id is required")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	var snap bytes.Buffer
	if _, err := bm.engine.Snapshot(ctx, &snap); err != nil {
		return nil, err
	}

	blob, err := bm.crypto.EncryptWithPasscode(ctx, snap.Bytes(), passcode)
	if err != nil {
		return nil, err
	}

	archive := Archive{
		Version:    ArchiveVersion,
		OwnerID:    bm.ownerID,
		BackupID:   uuid.NewString(),
		CreatedAt:  bm.now(),
		Salt:       blob.Salt,
		Nonce:      blob.Nonce,
		Ciphertext: blob.Ciphertext,
	}
	data, err := storage.Marshal(&archive)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive: %w", err)
	}

	key := fmt.Sprintf("%s%d-%s.cbor", bm.ownerPrefix(), archive.CreatedAt.Unix(), archive.BackupID)
	if err := bm.objects.Put(ctx, key, data); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to upload backup")
		return nil, fmt.Errorf("failed to upload backup: %w", err)
	}

	log.Info().
		Str("owner_id", bm.ownerID).
		Str("backup_id", archive.BackupID).
		Int("size", len(data)).
		Msg("Backup created")

	return &Result{
		BackupID:  archive.BackupID,
		Key:       key,
		Size:      len(data),
		CreatedAt: archive.CreatedAt,
	}, nil
}

// List returns the owner's backup keys, oldest first.
func (bm *Manager) List(ctx context.Context) ([]string, error) {
	keys, err := bm.objects.List(ctx, bm.ownerPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Latest returns the key of the newest backup, or "" if there is none.
func (bm *Manager) Latest(ctx context.Context) (string, error) {
	keys, err := bm.List(ctx)
	if err != nil || len(keys) == 0 {
		return "", err
	}
	return keys[len(keys)-1], nil
}

// Restore replaces the local store with the backup under key. The archive is
// decrypted before the store is touched, so a wrong passcode leaves the
// store as it was. The engine is reopened afterwards.
func (bm *Manager) Restore(ctx context.Context, key, passcode string) error {
	const op = "Restore"
	if !strings.HasPrefix(key, bm.ownerPrefix()) {
		return apperr.Validation(op, "backup %q does not belong to %q", key, bm.ownerID)
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	data, err := bm.objects.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to download backup: %w", err)
	}

	var archive Archive
	if err := storage.Unmarshal(data, &archive); err != nil {
		return apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("invalid archive: %w", err))
	}
	if archive.Version != ArchiveVersion {
		return apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("unsupported archive version %d", archive.Version))
	}
	if archive.OwnerID != bm.ownerID {
		return apperr.Validation(op, "backup belongs to %q", archive.OwnerID)
	}

	snapshot, err := bm.crypto.DecryptWithPasscode(ctx, cryptoengine.EncryptedBlob{
		Ciphertext: archive.Ciphertext,
		Nonce:      archive.Nonce,
		Salt:       archive.Salt,
	}, passcode)
	if err != nil {
		return err
	}

	if err := bm.engine.Close(); err != nil {
		return err
	}
	if err := bm.engine.Restore(ctx, bytes.NewReader(snapshot)); err != nil {
		if openErr := bm.engine.Open(ctx, bm.schema); openErr != nil {
			log.Error().Err(openErr).Msg("Failed to reopen store after failed restore")
		}
		return err
	}
	if err := bm.engine.Open(ctx, bm.schema); err != nil {
		return err
	}

	log.Info().
		Str("owner_id", bm.ownerID).
		Str("backup_id", archive.BackupID).
		Time("created_at", archive.CreatedAt).
		Msg("Backup restored")
	return nil
}
