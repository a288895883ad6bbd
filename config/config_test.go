package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.KDF.Time != 2 || cfg.KDF.MemoryKiB != 64*1024 {
		t.Errorf("Expected interactive KDF defaults, got %+v", cfg.KDF)
	}
	if cfg.Pagination.DefaultPageSize != 20 {
		t.Errorf("Expected default page size 20, got %d", cfg.Pagination.DefaultPageSize)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatvault.yaml")
	data := []byte(`
storage:
  path: /tmp/alice.db
kdf:
  time: 3
pagination:
  max_page_size: 50
transport:
  nats:
    subject_prefix: test.inbox
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "/tmp/alice.db" {
		t.Errorf("Expected storage path override, got %q", cfg.Storage.Path)
	}
	if cfg.KDF.Time != 3 {
		t.Errorf("Expected kdf.time 3, got %d", cfg.KDF.Time)
	}
	// Untouched fields keep their defaults
	if cfg.KDF.MemoryKiB != 64*1024 {
		t.Errorf("Expected default memory, got %d", cfg.KDF.MemoryKiB)
	}
	if cfg.Pagination.MaxPageSize != 50 {
		t.Errorf("Expected max page size 50, got %d", cfg.Pagination.MaxPageSize)
	}
	if cfg.Transport.NATS.SubjectPrefix != "test.inbox" {
		t.Errorf("Expected subject prefix override, got %q", cfg.Transport.NATS.SubjectPrefix)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	data := []byte("pagination:\n  default_page_size: 500\n  max_page_size: 10\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Expected validation error")
	}
}
