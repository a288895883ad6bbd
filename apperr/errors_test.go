package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIs_MatchesKindAndTag(t *testing.T) {
	err := Crypto(TagWrongPasscode, "DecryptPrivateKey", errors.New("tag mismatch"))

	if !errors.Is(err, ErrCrypto) {
		t.Error("Expected wrong passcode to match ErrCrypto")
	}
	if !errors.Is(err, ErrWrongPasscode) {
		t.Error("Expected wrong passcode to match ErrWrongPasscode")
	}
	if errors.Is(err, ErrCorrupted) {
		t.Error("Wrong passcode must not match ErrCorrupted")
	}
	if errors.Is(err, ErrStorage) {
		t.Error("Crypto error must not match ErrStorage")
	}
}

func TestErrorIs_ThroughWrapping(t *testing.T) {
	inner := Storage(TagBlocked, "Open", errors.New("database is locked"))
	wrapped := fmt.Errorf("startup: %w", inner)

	if !errors.Is(wrapped, ErrBlocked) {
		t.Error("Expected wrapped blocked error to match ErrBlocked")
	}
	if errors.Is(wrapped, ErrOpen) {
		t.Error("Blocked must be distinct from Open")
	}
	if KindOf(wrapped) != KindStorage {
		t.Errorf("Expected kind %s, got %s", KindStorage, KindOf(wrapped))
	}
	if TagOf(wrapped) != TagBlocked {
		t.Errorf("Expected tag %s, got %s", TagBlocked, TagOf(wrapped))
	}
}

func TestErrorMessage(t *testing.T) {
	err := Validation("SaveChat", "missing required field %q", "id")
	if err.Error() != `SaveChat: missing required field "id"` {
		t.Errorf("Unexpected message: %s", err.Error())
	}

	err = Storage(TagTransaction, "Put", errors.New("disk full"))
	if err.Error() != "Put: transaction failed: disk full" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}

func TestUserMessage_DistinguishesPasscodeFromCorruption(t *testing.T) {
	wrong := UserMessage(Crypto(TagWrongPasscode, "op", nil))
	corrupt := UserMessage(Crypto(TagCorrupted, "op", nil))

	if wrong == corrupt {
		t.Fatal("Wrong passcode and corruption must produce different messages")
	}
	if UserMessage(nil) != "" {
		t.Error("Expected empty message for nil error")
	}
}

func TestTransport_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transport("Send", cause)

	if !errors.Is(err, ErrTransport) {
		t.Error("Expected ErrTransport")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected cause to be reachable")
	}
	if errors.Is(err, ErrStorage) {
		t.Error("Transport error must not match ErrStorage")
	}
	if err.Error() != "Send: delivery failed: connection refused" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if UserMessage(err) == UserMessage(errors.New("other")) {
		t.Error("Expected a dedicated user message for delivery failures")
	}
}
