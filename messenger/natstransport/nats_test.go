package natstransport

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/config"
	"github.com/mesmerverse/chatvault/messenger"
)

func TestSubject(t *testing.T) {
	got, err := Subject("chat.inbox", "alice")
	if err != nil {
		t.Fatalf("Subject failed: %v", err)
	}
	if got != "chat.inbox.alice" {
		t.Errorf("Expected chat.inbox.alice, got %s", got)
	}

	if got, _ := Subject("", "alice"); got != "alice" {
		t.Errorf("Expected bare user id without prefix, got %s", got)
	}

	for _, bad := range []string{"", "a.b", "*", "a>", "has space"} {
		if _, err := Subject("chat.inbox", bad); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Subject(%q): expected ErrValidation, got %v", bad, err)
		}
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env := messenger.Envelope{
		MessageID:       "m1",
		ConversationID:  "c1",
		SenderID:        "alice",
		SenderPublicKey: "cHVi",
		RecipientID:     "bob",
		Ciphertext:      "Y2lwaGVy",
		Nonce:           "bm9uY2U=",
		CreatedAt:       time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decodeEnvelope failed: %v", err)
	}
	if got.MessageID != env.MessageID || got.Ciphertext != env.Ciphertext || !got.CreatedAt.Equal(env.CreatedAt) {
		t.Errorf("Decoded envelope differs: %+v", got)
	}

	if _, err := decodeEnvelope([]byte("not json")); err == nil {
		t.Error("Expected error for invalid envelope")
	}
}

func TestConnectOptions(t *testing.T) {
	cfg := config.NATSConfig{URL: "nats://127.0.0.1:4222", ReconnectWait: 100, MaxReconnects: 3}

	base, err := connectOptions(cfg)
	if err != nil {
		t.Fatalf("connectOptions failed: %v", err)
	}

	if _, err := connectOptions(config.NATSConfig{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation without a URL, got %v", err)
	}

	cfg.CredentialsFile = filepath.Join(t.TempDir(), "missing.creds")
	if _, err := connectOptions(cfg); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation for a missing credentials file, got %v", err)
	}

	if err := os.WriteFile(cfg.CredentialsFile, []byte("creds"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	opts, err := connectOptions(cfg)
	if err != nil {
		t.Fatalf("connectOptions with credentials failed: %v", err)
	}
	if len(opts) != len(base)+1 {
		t.Errorf("Expected credentials to add one option, got %d vs %d", len(opts), len(base))
	}
}

func TestConnect_UnreachableServerIsTransportError(t *testing.T) {
	_, err := Connect(config.NATSConfig{URL: "nats://127.0.0.1:1", SubjectPrefix: "chat.inbox"})
	if !errors.Is(err, apperr.ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if errors.Is(err, apperr.ErrValidation) {
		t.Error("Dial failure should not be reported as a validation error")
	}
}
