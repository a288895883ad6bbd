// Package identity manages the lifecycle of a user's key material:
//
//	Absent -> Generated -> Locked <-> Unlocked
//
// The private key is only held in memory after a successful authenticated
// decryption under the user's passcode, and is zeroed on Lock. There is no
// way to read it out in plaintext; callers encrypt and decrypt through the
// Manager.
package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/cryptoengine"
	"github.com/mesmerverse/chatvault/keyvault"
)

// State is the lifecycle state of the identity key material.
type State int

const (
	// StateAbsent means no key pair exists for the user.
	StateAbsent State = iota
	// StateGenerated means a key pair exists in memory only.
	StateGenerated
	// StateLocked means the key pair is persisted encrypted and the private
	// key is not in memory.
	StateLocked
	// StateUnlocked means the private key is decrypted in memory.
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateGenerated:
		return "generated"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Manager drives one user's identity through its states. It is safe for
// concurrent use.
type Manager struct {
	userID string
	vault  *keyvault.Vault
	crypto *cryptoengine.Engine

	mu         sync.RWMutex
	state      State
	publicKey  string
	privateKey []byte
}

// NewManager creates a manager for userID. Call Load to pick up a persisted
// identity.
func NewManager(userID string, vault *keyvault.Vault, crypto *cryptoengine.Engine) *Manager {
	return &Manager{
		userID: userID,
		vault:  vault,
		crypto: crypto,
	}
}

// UserID returns the owner of the identity.
func (m *Manager) UserID() string {
	return m.userID
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// PublicKey returns the base64 public key, or "" while absent.
func (m *Manager) PublicKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicKey
}

// Load reads the persisted identity, leaving the manager Locked when one
// exists and Absent otherwise. An unlocked identity is locked first.
func (m *Manager) Load(ctx context.Context) (State, error) {
	kp, err := m.vault.GetKeyPair(ctx, m.userID)
	if err != nil {
		return m.State(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearKey()
	if kp == nil {
		m.publicKey = ""
		m.transition(StateAbsent)
	} else {
		m.publicKey = kp.PublicKey
		m.transition(StateLocked)
	}
	return m.state, nil
}

// Setup creates a new identity protected by passcode and leaves it
// unlocked. It returns the recovery phrase, which is shown to the user once
// and stored only in encrypted form.
func (m *Manager) Setup(ctx context.Context, passcode string) (string, error) {
	const op = "Setup"
	if passcode == "" {
		return "", apperr.Validation(op, "passcode is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.vault.HasExistingKeyPair(ctx, m.userID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", apperr.Conflict(op, "identity already exists for user %q", m.userID)
	}

	pair, err := m.crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	m.publicKey = pair.PublicKey
	m.transition(StateGenerated)

	fail := func(err error) (string, error) {
		m.publicKey = ""
		m.transition(StateAbsent)
		return "", err
	}

	enc, err := m.crypto.EncryptPrivateKey(ctx, pair.PrivateKey, passcode)
	if err != nil {
		return fail(err)
	}
	phrase, err := m.crypto.GenerateRecoveryPhrase()
	if err != nil {
		return fail(err)
	}
	encPhrase, err := m.crypto.EncryptRecoveryPhrase(ctx, phrase, passcode)
	if err != nil {
		return fail(err)
	}

	saved, err := m.vault.SaveKeyPair(ctx, keyvault.KeyPair{
		UserID:              m.userID,
		PublicKey:           pair.PublicKey,
		EncryptedPrivateKey: enc.EncryptedPrivateKey,
		PrivateKeyNonce:     enc.PrivateKeyNonce,
		PasscodeSalt:        enc.PasscodeSalt,
		RecoveryPhrase:      encPhrase,
	})
	if err != nil {
		return fail(err)
	}
	m.transition(StateLocked)

	// The key held in memory comes from the persisted record, so a record
	// that cannot be opened with passcode never yields an unlocked identity.
	priv, err := m.crypto.DecryptPrivateKey(ctx, saved.EncryptedKey(), passcode)
	if err == nil && priv != pair.PrivateKey {
		err = apperr.Crypto(apperr.TagCorrupted, op, errors.New("stored private key does not match the generated key"))
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", m.userID).Msg("Stored identity failed verification, removing it")
		if derr := m.vault.DeleteKeyPair(context.WithoutCancel(ctx), m.userID); derr != nil {
			log.Error().Err(derr).Str("user_id", m.userID).Msg("Failed to remove unverified identity")
		}
		return fail(err)
	}

	if err := m.setKey(priv); err != nil {
		return "", err
	}
	m.transition(StateUnlocked)
	return phrase, nil
}

// Unlock decrypts the persisted private key with passcode.
func (m *Manager) Unlock(ctx context.Context, passcode string) error {
	const op = "Unlock"
	if passcode == "" {
		return apperr.Validation(op, "passcode is required")
	}

	kp, err := m.vault.GetKeyPair(ctx, m.userID)
	if err != nil {
		return err
	}
	if kp == nil {
		return apperr.NotFound(op, "no identity for user %q", m.userID)
	}

	priv, err := m.crypto.DecryptPrivateKey(ctx, kp.EncryptedKey(), passcode)
	if err != nil {
		log.Warn().Str("user_id", m.userID).Str("tag", string(apperr.TagOf(err))).Msg("Identity unlock failed")
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicKey = kp.PublicKey
	if err := m.setKey(priv); err != nil {
		return err
	}
	m.transition(StateUnlocked)
	return nil
}

// Lock zeroes the in-memory private key.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUnlocked {
		return
	}
	m.clearKey()
	m.transition(StateLocked)
}

// ChangePasscode re-encrypts the private key and recovery phrase under
// newPasscode. The old passcode must be correct.
func (m *Manager) ChangePasscode(ctx context.Context, oldPasscode, newPasscode string) error {
	const op = "ChangePasscode"
	if oldPasscode == "" || newPasscode == "" {
		return apperr.Validation(op, "old and new passcode are required")
	}

	kp, err := m.vault.GetKeyPair(ctx, m.userID)
	if err != nil {
		return err
	}
	if kp == nil {
		return apperr.NotFound(op, "no identity for user %q", m.userID)
	}

	priv, err := m.crypto.DecryptPrivateKey(ctx, kp.EncryptedKey(), oldPasscode)
	if err != nil {
		return err
	}
	enc, err := m.crypto.EncryptPrivateKey(ctx, priv, newPasscode)
	if err != nil {
		return err
	}

	updated := *kp
	updated.EncryptedPrivateKey = enc.EncryptedPrivateKey
	updated.PrivateKeyNonce = enc.PrivateKeyNonce
	updated.PasscodeSalt = enc.PasscodeSalt

	if kp.RecoveryPhrase != nil {
		phrase, err := m.crypto.DecryptRecoveryPhrase(ctx, *kp.RecoveryPhrase, oldPasscode)
		if err != nil {
			return err
		}
		updated.RecoveryPhrase, err = m.crypto.EncryptRecoveryPhrase(ctx, phrase, newPasscode)
		if err != nil {
			return err
		}
	}

	if _, err := m.vault.UpdateKeyPair(ctx, updated); err != nil {
		return err
	}
	log.Info().Str("user_id", m.userID).Msg("Identity passcode changed")
	return nil
}

// VerifyRecoveryPhrase checks phrase against the stored recovery phrase.
// The stored phrase is only readable with the correct passcode, so a wrong
// passcode fails with a crypto error rather than a mismatch.
func (m *Manager) VerifyRecoveryPhrase(ctx context.Context, passcode, phrase string) (bool, error) {
	const op = "VerifyRecoveryPhrase"
	if passcode == "" || phrase == "" {
		return false, apperr.Validation(op, "passcode and recovery phrase are required")
	}

	kp, err := m.vault.GetKeyPair(ctx, m.userID)
	if err != nil {
		return false, err
	}
	if kp == nil {
		return false, apperr.NotFound(op, "no identity for user %q", m.userID)
	}
	if kp.RecoveryPhrase == nil {
		return false, apperr.NotFound(op, "identity has no recovery phrase")
	}

	stored, err := m.crypto.DecryptRecoveryPhrase(ctx, *kp.RecoveryPhrase, passcode)
	if err != nil {
		return false, err
	}
	return cryptoengine.RecoveryPhrasesEqual(stored, phrase), nil
}

// Encrypt encrypts message to a recipient with the unlocked private key.
func (m *Manager) Encrypt(message, recipientPublicKey string) (*cryptoengine.EncryptedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateUnlocked {
		return nil, apperr.Crypto(apperr.TagLocked, "Encrypt", nil)
	}
	return m.crypto.EncryptMessage(message, recipientPublicKey, base64.StdEncoding.EncodeToString(m.privateKey))
}

// Decrypt decrypts a message from sender with the unlocked private key.
func (m *Manager) Decrypt(msg cryptoengine.EncryptedMessage, senderPublicKey string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateUnlocked {
		return "", apperr.Crypto(apperr.TagLocked, "Decrypt", nil)
	}
	return m.crypto.DecryptMessage(msg, senderPublicKey, base64.StdEncoding.EncodeToString(m.privateKey))
}

// Delete removes the persisted identity and forgets the in-memory key.
func (m *Manager) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.vault.DeleteKeyPair(ctx, m.userID); err != nil {
		return err
	}
	m.clearKey()
	m.publicKey = ""
	m.transition(StateAbsent)
	return nil
}

// setKey must be called with mu held.
func (m *Manager) setKey(privateKey string) error {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return apperr.Crypto(apperr.TagCorrupted, "Unlock", err)
	}
	m.clearKey()
	m.privateKey = raw
	return nil
}

// clearKey must be called with mu held.
func (m *Manager) clearKey() {
	// SECURITY: Zero private key before releasing it
	for i := range m.privateKey {
		m.privateKey[i] = 0
	}
	m.privateKey = nil
}

func (m *Manager) transition(to State) {
	if m.state == to {
		return
	}
	log.Debug().
		Str("user_id", m.userID).
		Str("from", m.state.String()).
		Str("to", to.String()).
		Msg("Identity state changed")
	m.state = to
}
