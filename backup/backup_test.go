package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/chatstore"
	"github.com/mesmerverse/chatvault/cryptoengine"
	"github.com/mesmerverse/chatvault/storage"
)

// memObjectStore implements ObjectStore in memory
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (m *memObjectStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("bucket unavailable")
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %q", key)
	}
	return data, nil
}

func (m *memObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

var testKDF = cryptoengine.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1, KeyLen: cryptoengine.KeySize}

var t0 = time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *storage.Engine
	chats   *chatstore.Store
	objects *memObjectStore
	bm      *Manager
}

func newFixture(t *testing.T, ownerID string) *fixture {
	t.Helper()
	schema := storage.Merge(1, chatstore.Stores())
	engine := storage.NewEngine(storage.Options{Path: filepath.Join(t.TempDir(), "store.db")})
	if err := engine.Open(context.Background(), schema); err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	objects := newMemObjectStore()
	return &fixture{
		engine:  engine,
		chats:   chatstore.New(engine, 100),
		objects: objects,
		bm:      NewManager(ownerID, engine, schema, cryptoengine.New(nil, testKDF), objects, "backups/"),
	}
}

func TestCreateRestore(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	f.chats.SaveConversation(ctx, chatstore.Conversation{ID: "c1", CreatedAt: t0})
	res, err := f.bm.Create(ctx, "backup-pass")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.BackupID == "" || !strings.HasPrefix(res.Key, "backups/alice/") {
		t.Errorf("Unexpected result %+v", res)
	}

	// Diverge from the snapshot
	f.chats.DeleteConversation(ctx, "c1")
	f.chats.SaveConversation(ctx, chatstore.Conversation{ID: "c2", CreatedAt: t0})

	if err := f.bm.Restore(ctx, res.Key, "backup-pass"); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !f.engine.IsOpen() {
		t.Fatal("Expected engine to be reopened")
	}

	if c, _ := f.chats.GetConversation(ctx, "c1"); c == nil {
		t.Error("Expected c1 to be restored")
	}
	if c, _ := f.chats.GetConversation(ctx, "c2"); c != nil {
		t.Error("Expected c2 to be rolled back")
	}
}

func TestRestore_WrongPasscodeLeavesStore(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	res, err := f.bm.Create(ctx, "right")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.chats.SaveConversation(ctx, chatstore.Conversation{ID: "after", CreatedAt: t0})

	if err := f.bm.Restore(ctx, res.Key, "wrong"); !errors.Is(err, apperr.ErrWrongPasscode) {
		t.Fatalf("Expected ErrWrongPasscode, got %v", err)
	}
	if c, _ := f.chats.GetConversation(ctx, "after"); c == nil {
		t.Error("Store must be untouched after a failed restore")
	}
}

func TestRestore_RejectsForeignAndCorrupt(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	if err := f.bm.Restore(ctx, "backups/bob/1-x.cbor", "pass"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation for foreign key, got %v", err)
	}

	f.objects.Put(ctx, "backups/alice/1-bad.cbor", []byte("not cbor"))
	if err := f.bm.Restore(ctx, "backups/alice/1-bad.cbor", "pass"); !errors.Is(err, apperr.ErrCorrupted) {
		t.Errorf("Expected ErrCorrupted, got %v", err)
	}
}

func TestCreate_UploadFailure(t *testing.T) {
	f := newFixture(t, "alice")
	f.objects.failPut = true

	if _, err := f.bm.Create(context.Background(), "pass"); err == nil {
		t.Fatal("Expected upload error")
	}
}

func TestListAndLatest(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	if latest, err := f.bm.Latest(ctx); err != nil || latest != "" {
		t.Fatalf("Expected no backups, got %q (%v)", latest, err)
	}

	f.bm.now = func() time.Time { return t0 }
	first, _ := f.bm.Create(ctx, "pass")
	f.bm.now = func() time.Time { return t0.Add(time.Hour) }
	second, _ := f.bm.Create(ctx, "pass")
	f.objects.Put(ctx, "backups/bob/1-other.cbor", []byte("x"))

	keys, err := f.bm.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != first.Key {
		t.Errorf("Unexpected keys %v", keys)
	}

	latest, _ := f.bm.Latest(ctx)
	if latest != second.Key {
		t.Errorf("Expected latest %s, got %s", second.Key, latest)
	}
}
