// Package config loads chatvault configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the chatvault configuration
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	KDF        KDFConfig        `yaml:"kdf"`
	Pagination PaginationConfig `yaml:"pagination"`
	Log        LogConfig        `yaml:"log"`
	Transport  TransportConfig  `yaml:"transport"`
	Backup     BackupConfig     `yaml:"backup"`
}

// StorageConfig holds local store settings
type StorageConfig struct {
	Path              string `yaml:"path"`
	BusyTimeoutMS     int    `yaml:"busy_timeout_ms"`
	IdentityCacheSize int    `yaml:"identity_cache_size"`

	// EncryptAtRest keeps message payloads as ciphertext in the store.
	EncryptAtRest bool `yaml:"encrypt_at_rest"`
}

// KDFConfig holds Argon2id cost parameters
type KDFConfig struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// PaginationConfig holds history paging limits
type PaginationConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// TransportConfig holds transport adapter settings
type TransportConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// BackupConfig holds backup settings
type BackupConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config holds S3 storage settings
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:              "chatvault.db",
			BusyTimeoutMS:     5000,
			IdentityCacheSize: 16,
		},
		// libsodium "interactive" limits
		KDF: KDFConfig{
			Time:      2,
			MemoryKiB: 64 * 1024,
			Threads:   1,
		},
		Pagination: PaginationConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Transport: TransportConfig{
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "chat.inbox",
				ReconnectWait: 2000,
				MaxReconnects: -1, // Unlimited
			},
		},
		Backup: BackupConfig{
			S3: S3Config{
				Region:    "us-east-1",
				KeyPrefix: "backups/",
			},
		},
	}
}

// Validate rejects values the rest of the system cannot work with
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("storage.busy_timeout_ms must not be negative")
	}
	if c.KDF.Time == 0 || c.KDF.MemoryKiB == 0 || c.KDF.Threads == 0 {
		return fmt.Errorf("kdf.time, kdf.memory_kib and kdf.threads must be positive")
	}
	if c.Pagination.DefaultPageSize <= 0 || c.Pagination.MaxPageSize <= 0 {
		return fmt.Errorf("pagination sizes must be positive")
	}
	if c.Pagination.DefaultPageSize > c.Pagination.MaxPageSize {
		return fmt.Errorf("pagination.default_page_size exceeds max_page_size")
	}
	return nil
}
