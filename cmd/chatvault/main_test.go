package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mesmerverse/chatvault/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "cli.db")
	cfg.KDF = config.KDFConfig{Time: 1, MemoryKiB: 64, Threads: 1}
	cfg.Pagination.DefaultPageSize = 2
	return cfg
}

// withEnv replaces passcode lookup for the duration of the test.
func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	prev := lookupPasscode
	lookupPasscode = func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	t.Cleanup(func() { lookupPasscode = prev })
}

func runCmd(t *testing.T, cfg *config.Config, args ...string) (string, int) {
	t.Helper()
	var out bytes.Buffer
	code := run(context.Background(), cfg, "alice", args, &out)
	return out.String(), code
}

func TestRun_InitAndIdentityCommands(t *testing.T) {
	cfg := testConfig(t)
	env := map[string]string{envPasscode: "1234"}
	withEnv(t, env)

	out, code := runCmd(t, cfg, "init")
	if code != 0 {
		t.Fatalf("init exited with %d", code)
	}
	var phrase string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "recovery phrase:") {
			phrase = strings.TrimSpace(strings.TrimPrefix(line, "recovery phrase:"))
		}
	}
	if phrase == "" {
		t.Fatalf("init did not print a recovery phrase: %q", out)
	}

	if _, code := runCmd(t, cfg, "init"); code != 1 {
		t.Errorf("Expected second init to fail, got %d", code)
	}
	if out, _ := runCmd(t, cfg, "users"); strings.TrimSpace(out) != "alice" {
		t.Errorf("Expected users to list alice, got %q", out)
	}
	if out, code := runCmd(t, cfg, "whoami"); code != 0 || !strings.HasPrefix(out, "alice ") {
		t.Errorf("Unexpected whoami output %q (%d)", out, code)
	}
	if _, code := runCmd(t, cfg, "verify", phrase); code != 0 {
		t.Errorf("Expected verify to succeed, got %d", code)
	}
	if _, code := runCmd(t, cfg, "verify", "0000"); code != 1 {
		t.Errorf("Expected verify with wrong phrase to fail, got %d", code)
	}

	env[envNewPasscode] = "5678"
	if _, code := runCmd(t, cfg, "passwd"); code != 0 {
		t.Fatalf("passwd exited with %d", code)
	}
	if _, code := runCmd(t, cfg, "unlock"); code != 1 {
		t.Error("Expected old passcode to be rejected")
	}
	env[envPasscode] = "5678"
	if _, code := runCmd(t, cfg, "unlock"); code != 0 {
		t.Error("Expected new passcode to unlock")
	}
}

func TestRun_Conversations(t *testing.T) {
	cfg := testConfig(t)
	withEnv(t, map[string]string{})

	for _, id := range []string{"c1", "c2", "c3"} {
		if _, code := runCmd(t, cfg, "conversation", id, "Team", id); code != 0 {
			t.Fatalf("conversation %s exited with %d", id, code)
		}
	}

	out, code := runCmd(t, cfg, "conversations")
	if code != 0 {
		t.Fatalf("conversations exited with %d", code)
	}
	if !strings.Contains(out, "(more: page 2)") {
		t.Errorf("Expected a second page, got %q", out)
	}

	if _, code := runCmd(t, cfg, "history", "c1"); code != 0 {
		t.Errorf("history exited with %d", code)
	}
	if _, code := runCmd(t, cfg, "delete", "c1"); code != 0 {
		t.Errorf("delete exited with %d", code)
	}
	if _, code := runCmd(t, cfg, "history", "c1"); code != 1 {
		t.Errorf("Expected history of deleted conversation to fail, got %d", code)
	}
	if _, code := runCmd(t, cfg, "history", "c2", "x"); code != 1 {
		t.Errorf("Expected invalid page to fail, got %d", code)
	}
}

func TestRun_Errors(t *testing.T) {
	cfg := testConfig(t)
	withEnv(t, map[string]string{})

	if _, code := runCmd(t, cfg, "nope"); code != 2 {
		t.Errorf("Expected exit 2 for unknown command, got %d", code)
	}
	if _, code := runCmd(t, cfg, "init"); code != 1 {
		t.Errorf("Expected init without passcode to fail, got %d", code)
	}
	if _, code := runCmd(t, cfg, "whoami"); code != 1 {
		t.Errorf("Expected whoami without identity to fail, got %d", code)
	}
	if _, code := runCmd(t, cfg, "backups"); code != 1 {
		t.Errorf("Expected backups without a bucket to fail, got %d", code)
	}
}
