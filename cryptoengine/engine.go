// Package cryptoengine holds every cryptographic operation of chatvault: box
// key pairs, passcode key derivation, private key and recovery phrase
// encryption at rest, and message encryption between two static key pairs.
//
// Message encryption uses long-term keys on both sides and so provides no
// forward secrecy.
//
// Binary values cross the package boundary as standard base64 strings.
package cryptoengine

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
)

const (
	recoveryEntropySize = 32
	recoveryGroupSize   = 8
	hexIDSize           = 16
)

// KeyPair is a box key pair in base64.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// DerivedKey is a passcode-derived key and the salt it was derived with.
// Callers should zero Key when done.
type DerivedKey struct {
	Key  []byte
	Salt string
}

// EncryptedPrivateKey is a private key encrypted under a passcode.
type EncryptedPrivateKey struct {
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	PrivateKeyNonce     string `json:"privateKeyNonce"`
	PasscodeSalt        string `json:"passcodeSalt"`
}

// EncryptedMessage is a box-encrypted message.
type EncryptedMessage struct {
	Encrypted string `json:"encrypted"`
	Nonce     string `json:"nonce"`
}

// EncryptedBlob is a value encrypted under a passcode. Salt is empty for
// blobs sealed with an explicit key.
type EncryptedBlob struct {
	Ciphertext string `json:"ciphertext" cbor:"ciphertext"`
	Nonce      string `json:"nonce" cbor:"nonce"`
	Salt       string `json:"salt,omitempty" cbor:"salt,omitempty"`
}

// Engine performs cryptographic operations through a Provider. It holds no
// key material and is safe for concurrent use.
type Engine struct {
	provider Provider
	kdf      KDFParams
}

// New creates an engine. A nil provider uses NewProvider(nil); zero KDF
// parameters use InteractiveKDF.
func New(provider Provider, kdf KDFParams) *Engine {
	if provider == nil {
		provider = NewProvider(nil)
	}
	if kdf == (KDFParams{}) {
		kdf = InteractiveKDF()
	}
	if kdf.KeyLen == 0 {
		kdf.KeyLen = KeySize
	}
	return &Engine{provider: provider, kdf: kdf}
}

// KDFParams returns the engine's Argon2id parameters.
func (e *Engine) KDFParams() KDFParams {
	return e.kdf
}

// GenerateKeyPair creates a new box key pair.
func (e *Engine) GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := e.provider.GenerateBoxKeyPair()
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, "GenerateKeyPair", err)
	}
	defer zeroBytes(priv)

	return &KeyPair{
		PublicKey:  encode(pub),
		PrivateKey: encode(priv),
	}, nil
}

// DeriveKeyFromPasscode runs Argon2id over passcode. An empty salt generates
// a fresh one; otherwise salt is the base64 salt to reuse. The derivation
// runs on its own goroutine and returns early when ctx is done.
func (e *Engine) DeriveKeyFromPasscode(ctx context.Context, passcode, salt string) (*DerivedKey, error) {
	const op = "DeriveKeyFromPasscode"
	if passcode == "" {
		return nil, apperr.Validation(op, "passcode is required")
	}

	var raw []byte
	if salt == "" {
		var err error
		if raw, err = e.provider.Random(SaltSize); err != nil {
			return nil, apperr.Crypto(apperr.TagUnknown, op, err)
		}
	} else {
		var err error
		if raw, err = decodeLen(salt, SaltSize); err != nil {
			return nil, apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("salt: %w", err))
		}
	}

	key, err := e.deriveKey(ctx, []byte(passcode), raw)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}
	return &DerivedKey{Key: key, Salt: encode(raw)}, nil
}

func (e *Engine) deriveKey(ctx context.Context, passcode, salt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan []byte, 1)
	go func() {
		done <- e.provider.DeriveKey(passcode, salt, e.kdf)
	}()

	select {
	case key := <-done:
		return key, nil
	case <-ctx.Done():
		// The derivation finishes in the background; its result is dropped
		go func() { zeroBytes(<-done) }()
		return nil, ctx.Err()
	}
}

// EncryptPrivateKey encrypts a base64 private key under a key derived from
// passcode with a fresh salt and nonce.
func (e *Engine) EncryptPrivateKey(ctx context.Context, privateKey, passcode string) (*EncryptedPrivateKey, error) {
	const op = "EncryptPrivateKey"
	raw, err := decodeLen(privateKey, KeySize)
	if err != nil {
		return nil, apperr.Validation(op, "private key: %v", err)
	}
	defer zeroBytes(raw)

	blob, err := e.sealWithPasscode(ctx, op, raw, passcode)
	if err != nil {
		return nil, err
	}
	return &EncryptedPrivateKey{
		EncryptedPrivateKey: blob.Ciphertext,
		PrivateKeyNonce:     blob.Nonce,
		PasscodeSalt:        blob.Salt,
	}, nil
}

// DecryptPrivateKey reverses EncryptPrivateKey. An authentication failure is
// reported as a wrong passcode; malformed input as corruption.
func (e *Engine) DecryptPrivateKey(ctx context.Context, enc EncryptedPrivateKey, passcode string) (string, error) {
	const op = "DecryptPrivateKey"
	raw, err := e.openWithPasscode(ctx, op, EncryptedBlob{
		Ciphertext: enc.EncryptedPrivateKey,
		Nonce:      enc.PrivateKeyNonce,
		Salt:       enc.PasscodeSalt,
	}, passcode)
	if err != nil {
		return "", err
	}
	defer zeroBytes(raw)

	if len(raw) != KeySize {
		return "", apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("decrypted key has %d bytes", len(raw)))
	}
	return encode(raw), nil
}

// EncryptMessage box-encrypts message to the recipient with a fresh nonce.
func (e *Engine) EncryptMessage(message, recipientPublicKey, senderPrivateKey string) (*EncryptedMessage, error) {
	const op = "EncryptMessage"
	pub, err := decodeLen(recipientPublicKey, KeySize)
	if err != nil {
		return nil, apperr.Validation(op, "recipient public key: %v", err)
	}
	priv, err := decodeLen(senderPrivateKey, KeySize)
	if err != nil {
		return nil, apperr.Validation(op, "sender private key: %v", err)
	}
	defer zeroBytes(priv)

	nonce, err := e.provider.Random(NonceSize)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}
	sealed, err := e.provider.SealBox([]byte(message), nonce, pub, priv)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}
	return &EncryptedMessage{Encrypted: encode(sealed), Nonce: encode(nonce)}, nil
}

// DecryptMessage opens a message from sender. Wrong keys and tampering are
// indistinguishable and both reported as corruption.
func (e *Engine) DecryptMessage(msg EncryptedMessage, senderPublicKey, recipientPrivateKey string) (string, error) {
	const op = "DecryptMessage"
	sealed, err := decode(msg.Encrypted)
	if err != nil || len(sealed) < TagSize {
		return "", apperr.Crypto(apperr.TagCorrupted, op, malformed("ciphertext", err))
	}
	nonce, err := decodeLen(msg.Nonce, NonceSize)
	if err != nil {
		return "", apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("nonce: %w", err))
	}
	pub, err := decodeLen(senderPublicKey, KeySize)
	if err != nil {
		return "", apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("sender public key: %w", err))
	}
	priv, err := decodeLen(recipientPrivateKey, KeySize)
	if err != nil {
		return "", apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("recipient private key: %w", err))
	}
	defer zeroBytes(priv)

	plaintext, err := e.provider.OpenBox(sealed, nonce, pub, priv)
	if errors.Is(err, ErrAuthentication) {
		return "", apperr.Crypto(apperr.TagCorrupted, op, err)
	}
	if err != nil {
		return "", apperr.Crypto(apperr.TagUnknown, op, err)
	}
	return string(plaintext), nil
}

// GenerateRecoveryPhrase returns 32 bytes of entropy as lowercase hex in
// eight dash-separated groups.
func (e *Engine) GenerateRecoveryPhrase() (string, error) {
	entropy, err := e.provider.Random(recoveryEntropySize)
	if err != nil {
		return "", apperr.Crypto(apperr.TagUnknown, "GenerateRecoveryPhrase", err)
	}
	defer zeroBytes(entropy)

	h := hex.EncodeToString(entropy)
	groups := make([]string, 0, len(h)/recoveryGroupSize)
	for i := 0; i < len(h); i += recoveryGroupSize {
		groups = append(groups, h[i:i+recoveryGroupSize])
	}
	return strings.Join(groups, "-"), nil
}

// NormalizeRecoveryPhrase strips separators and whitespace and lowercases a
// user-entered phrase.
func NormalizeRecoveryPhrase(phrase string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return -1
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return r
	}, phrase)
}

// RecoveryPhrasesEqual compares two phrases in constant time after
// normalization.
func RecoveryPhrasesEqual(a, b string) bool {
	na, nb := NormalizeRecoveryPhrase(a), NormalizeRecoveryPhrase(b)
	return subtle.ConstantTimeCompare([]byte(na), []byte(nb)) == 1
}

// EncryptRecoveryPhrase encrypts phrase the same way as a private key.
func (e *Engine) EncryptRecoveryPhrase(ctx context.Context, phrase, passcode string) (*EncryptedBlob, error) {
	const op = "EncryptRecoveryPhrase"
	if phrase == "" {
		return nil, apperr.Validation(op, "recovery phrase is required")
	}
	return e.sealWithPasscode(ctx, op, []byte(phrase), passcode)
}

// DecryptRecoveryPhrase reverses EncryptRecoveryPhrase.
func (e *Engine) DecryptRecoveryPhrase(ctx context.Context, blob EncryptedBlob, passcode string) (string, error) {
	raw, err := e.openWithPasscode(ctx, "DecryptRecoveryPhrase", blob, passcode)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EncryptWithPasscode encrypts arbitrary data under passcode.
func (e *Engine) EncryptWithPasscode(ctx context.Context, data []byte, passcode string) (*EncryptedBlob, error) {
	return e.sealWithPasscode(ctx, "EncryptWithPasscode", data, passcode)
}

// DecryptWithPasscode reverses EncryptWithPasscode.
func (e *Engine) DecryptWithPasscode(ctx context.Context, blob EncryptedBlob, passcode string) ([]byte, error) {
	return e.openWithPasscode(ctx, "DecryptWithPasscode", blob, passcode)
}

// GenerateHexID returns 16 random bytes as hex, for ephemeral identifiers
// only. Conversation and message ids come from the backend.
func (e *Engine) GenerateHexID() (string, error) {
	b, err := e.provider.Random(hexIDSize)
	if err != nil {
		return "", apperr.Crypto(apperr.TagUnknown, "GenerateHexID", err)
	}
	return hex.EncodeToString(b), nil
}

func (e *Engine) sealWithPasscode(ctx context.Context, op string, plaintext []byte, passcode string) (*EncryptedBlob, error) {
	if passcode == "" {
		return nil, apperr.Validation(op, "passcode is required")
	}

	salt, err := e.provider.Random(SaltSize)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}
	key, err := e.deriveKey(ctx, []byte(passcode), salt)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}
	// SECURITY: Zero derived key after use
	defer zeroBytes(key)

	nonce, err := e.provider.Random(NonceSize)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}
	ct, err := e.provider.SealSecret(key, nonce, plaintext)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}

	return &EncryptedBlob{
		Ciphertext: encode(ct),
		Nonce:      encode(nonce),
		Salt:       encode(salt),
	}, nil
}

func (e *Engine) openWithPasscode(ctx context.Context, op string, blob EncryptedBlob, passcode string) ([]byte, error) {
	if passcode == "" {
		return nil, apperr.Validation(op, "passcode is required")
	}

	ct, err := decode(blob.Ciphertext)
	if err != nil || len(ct) < TagSize {
		return nil, apperr.Crypto(apperr.TagCorrupted, op, malformed("ciphertext", err))
	}
	nonce, err := decodeLen(blob.Nonce, NonceSize)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("nonce: %w", err))
	}
	salt, err := decodeLen(blob.Salt, SaltSize)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagCorrupted, op, fmt.Errorf("salt: %w", err))
	}

	key, err := e.deriveKey(ctx, []byte(passcode), salt)
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}
	// SECURITY: Zero derived key after use
	defer zeroBytes(key)

	plaintext, err := e.provider.OpenSecret(key, nonce, ct)
	if errors.Is(err, ErrAuthentication) {
		log.Debug().Str("op", op).Msg("Passcode authentication failed")
		return nil, apperr.Crypto(apperr.TagWrongPasscode, op, err)
	}
	if err != nil {
		return nil, apperr.Crypto(apperr.TagUnknown, op, err)
	}
	return plaintext, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty value")
	}
	return base64.StdEncoding.DecodeString(s)
}

func decodeLen(s string, n int) ([]byte, error) {
	b, err := decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

func malformed(field string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return fmt.Errorf("%s: too short", field)
}

// zeroBytes overwrites b with zeros
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
