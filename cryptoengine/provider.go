package cryptoengine

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// Sizes shared by every scheme in this package
const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20 and XSalsa20 both take 24-byte nonces
	SaltSize  = 16
	TagSize   = 16
)

// ErrAuthentication is returned by a Provider when a ciphertext fails its
// authentication tag check.
var ErrAuthentication = errors.New("message authentication failed")

// KDFParams are Argon2id cost parameters.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
}

// InteractiveKDF returns the Argon2id "interactive" parameters.
func InteractiveKDF() KDFParams {
	return KDFParams{
		Time:      2,
		MemoryKiB: 64 * 1024, // 64 MiB
		Threads:   1,
		KeyLen:    KeySize,
	}
}

// Provider is the primitive layer the Engine is built on. Implementations
// must not hand-roll primitives.
type Provider interface {
	// GenerateBoxKeyPair returns an X25519 key pair.
	GenerateBoxKeyPair() (publicKey, privateKey []byte, err error)

	// Random returns n bytes from a cryptographically secure source.
	Random(n int) ([]byte, error)

	// DeriveKey runs the password KDF.
	DeriveKey(passcode, salt []byte, params KDFParams) []byte

	// SealSecret and OpenSecret are symmetric AEAD.
	SealSecret(key, nonce, plaintext []byte) ([]byte, error)
	OpenSecret(key, nonce, ciphertext []byte) ([]byte, error)

	// SealBox and OpenBox are public-key authenticated encryption.
	SealBox(message, nonce, peerPublicKey, privateKey []byte) ([]byte, error)
	OpenBox(sealed, nonce, peerPublicKey, privateKey []byte) ([]byte, error)
}

// NaClProvider implements Provider with golang.org/x/crypto: nacl/box
// (X25519 + XSalsa20-Poly1305), XChaCha20-Poly1305 and Argon2id.
type NaClProvider struct {
	rand io.Reader
}

// NewProvider creates a provider reading randomness from r. A nil reader
// uses crypto/rand.
func NewProvider(r io.Reader) *NaClProvider {
	if r == nil {
		r = rand.Reader
	}
	return &NaClProvider{rand: r}
}

func (p *NaClProvider) GenerateBoxKeyPair() ([]byte, []byte, error) {
	pub, priv, err := box.GenerateKey(p.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate box key pair: %w", err)
	}
	return pub[:], priv[:], nil
}

func (p *NaClProvider) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.rand, buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

func (p *NaClProvider) DeriveKey(passcode, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(passcode, salt, params.Time, params.MemoryKiB, params.Threads, params.KeyLen)
}

func (p *NaClProvider) SealSecret(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (p *NaClProvider) OpenSecret(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (p *NaClProvider) SealBox(message, nonce, peerPublicKey, privateKey []byte) ([]byte, error) {
	n, pub, priv, err := boxArgs(nonce, peerPublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(priv[:])
	return box.Seal(nil, message, n, pub, priv), nil
}

func (p *NaClProvider) OpenBox(sealed, nonce, peerPublicKey, privateKey []byte) ([]byte, error) {
	n, pub, priv, err := boxArgs(nonce, peerPublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(priv[:])
	plaintext, ok := box.Open(nil, sealed, n, pub, priv)
	if !ok {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func boxArgs(nonce, peerPublicKey, privateKey []byte) (*[NonceSize]byte, *[KeySize]byte, *[KeySize]byte, error) {
	if len(nonce) != NonceSize {
		return nil, nil, nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	if len(peerPublicKey) != KeySize || len(privateKey) != KeySize {
		return nil, nil, nil, fmt.Errorf("invalid key length")
	}
	var n [NonceSize]byte
	var pub, priv [KeySize]byte
	copy(n[:], nonce)
	copy(pub[:], peerPublicKey)
	copy(priv[:], privateKey)
	return &n, &pub, &priv, nil
}
