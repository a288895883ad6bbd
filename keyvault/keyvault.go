// Package keyvault guards the single local identity key pair of each user.
//
// A key pair is created once and may afterwards only be updated in place;
// saving over an existing identity is refused so that irrecoverable key
// material is never silently replaced. The private key is only ever stored
// encrypted; decryption is a cryptoengine operation.
package keyvault

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/cryptoengine"
	"github.com/mesmerverse/chatvault/storage"
)

// StoreIdentity is the store holding key pairs.
const StoreIdentity = "identity"

// KeyPair is a user's persisted identity.
type KeyPair struct {
	UserID              string                      `json:"userId" cbor:"userId"`
	PublicKey           string                      `json:"publicKey" cbor:"publicKey"`
	EncryptedPrivateKey string                      `json:"encryptedPrivateKey" cbor:"encryptedPrivateKey"`
	PrivateKeyNonce     string                      `json:"privateKeyNonce" cbor:"privateKeyNonce"`
	PasscodeSalt        string                      `json:"passcodeSalt" cbor:"passcodeSalt"`
	RecoveryPhrase      *cryptoengine.EncryptedBlob `json:"recoveryPhrase,omitempty" cbor:"recoveryPhrase,omitempty"`
	CreatedAt           time.Time                   `json:"createdAt" cbor:"createdAt"`
	UpdatedAt           time.Time                   `json:"updatedAt,omitempty" cbor:"updatedAt"`
}

// Field implements storage.Record.
func (k *KeyPair) Field(path string) any {
	switch path {
	case "userId":
		return k.UserID
	case "createdAt":
		return k.CreatedAt
	}
	return nil
}

// EncryptedKey returns the encrypted private key in the form cryptoengine
// decrypts.
func (k *KeyPair) EncryptedKey() cryptoengine.EncryptedPrivateKey {
	return cryptoengine.EncryptedPrivateKey{
		EncryptedPrivateKey: k.EncryptedPrivateKey,
		PrivateKeyNonce:     k.PrivateKeyNonce,
		PasscodeSalt:        k.PasscodeSalt,
	}
}

// Stores declares the stores the vault needs.
func Stores() []storage.StoreSchema {
	return []storage.StoreSchema{{
		Name:    StoreIdentity,
		KeyPath: "userId",
		Indexes: []storage.IndexSchema{
			{Name: "createdAt", KeyPaths: []string{"createdAt"}},
		},
		New: func() storage.Record { return &KeyPair{} },
	}}
}

// Vault persists key pairs through a storage engine. Reads through
// GetKeyPair are served from a cache that only sees this Vault's own writes:
// a Vault assumes it is the single writer of its store. Call Invalidate
// after anything else replaces the store's contents.
type Vault struct {
	engine *storage.Engine
	cache  *storage.RecordCache[KeyPair]
	now    func() time.Time
}

// New creates a vault over an open engine whose schema includes Stores.
// cacheSize bounds the identity lookup cache; zero disables it.
func New(engine *storage.Engine, cacheSize int) *Vault {
	return &Vault{
		engine: engine,
		cache:  storage.NewRecordCache[KeyPair](cacheSize),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func validate(op string, kp KeyPair) error {
	switch {
	case kp.UserID == "":
		return apperr.Validation(op, "userId is required")
	case kp.PublicKey == "":
		return apperr.Validation(op, "publicKey is required")
	case kp.EncryptedPrivateKey == "":
		return apperr.Validation(op, "encryptedPrivateKey is required")
	}
	return nil
}

// SaveKeyPair stores a new identity and stamps its creation time. It fails
// with a conflict error if the user already has one.
func (v *Vault) SaveKeyPair(ctx context.Context, kp KeyPair) (*KeyPair, error) {
	if err := validate("SaveKeyPair", kp); err != nil {
		return nil, err
	}
	kp.CreatedAt = v.now()
	kp.UpdatedAt = time.Time{}

	err := v.engine.Update(ctx, []string{StoreIdentity}, func(tx *storage.Tx) error {
		return tx.Add(StoreIdentity, &kp)
	})
	if err != nil {
		return nil, err
	}

	v.cache.Put(kp.UserID, kp)
	log.Info().Str("user_id", kp.UserID).Msg("Identity key pair saved")
	return &kp, nil
}

// GetKeyPair returns the user's key pair, or nil if none exists.
func (v *Vault) GetKeyPair(ctx context.Context, userID string) (*KeyPair, error) {
	if userID == "" {
		return nil, apperr.Validation("GetKeyPair", "userId is required")
	}
	if kp, ok := v.cache.Get(userID); ok {
		return &kp, nil
	}

	var kp KeyPair
	var found bool
	err := v.engine.View(ctx, []string{StoreIdentity}, func(tx *storage.Tx) error {
		var err error
		found, err = tx.Get(StoreIdentity, userID, &kp)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	v.cache.Put(userID, kp)
	return &kp, nil
}

// UpdateKeyPair replaces an existing key pair, keeping its creation time.
// It fails with a not-found error when the user has no key pair.
func (v *Vault) UpdateKeyPair(ctx context.Context, kp KeyPair) (*KeyPair, error) {
	const op = "UpdateKeyPair"
	if err := validate(op, kp); err != nil {
		return nil, err
	}

	err := v.engine.Update(ctx, []string{StoreIdentity}, func(tx *storage.Tx) error {
		var existing KeyPair
		found, err := tx.Get(StoreIdentity, kp.UserID, &existing)
		if err != nil {
			return err
		}
		if !found {
			return apperr.NotFound(op, "no key pair for user %q", kp.UserID)
		}
		kp.CreatedAt = existing.CreatedAt
		kp.UpdatedAt = v.now()
		return tx.Put(StoreIdentity, &kp)
	})
	if err != nil {
		return nil, err
	}

	v.cache.Put(kp.UserID, kp)
	log.Info().Str("user_id", kp.UserID).Msg("Identity key pair updated")
	return &kp, nil
}

// DeleteKeyPair removes the user's key pair. Deleting a missing key pair is
// not an error.
func (v *Vault) DeleteKeyPair(ctx context.Context, userID string) error {
	if userID == "" {
		return apperr.Validation("DeleteKeyPair", "userId is required")
	}
	v.cache.Delete(userID)

	err := v.engine.Update(ctx, []string{StoreIdentity}, func(tx *storage.Tx) error {
		return tx.Delete(StoreIdentity, userID)
	})
	if err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Msg("Identity key pair deleted")
	return nil
}

// HasExistingKeyPair reports whether the user has a key pair. It always
// reads the store, never the cache, so a record created or removed by
// another process is seen.
func (v *Vault) HasExistingKeyPair(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, apperr.Validation("HasExistingKeyPair", "userId is required")
	}

	var exists bool
	err := v.engine.View(ctx, []string{StoreIdentity}, func(tx *storage.Tx) error {
		var err error
		exists, err = tx.Exists(StoreIdentity, userID)
		return err
	})
	return exists, err
}

// ListUserIDs returns every user with a key pair, oldest identity first.
func (v *Vault) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := v.engine.View(ctx, []string{StoreIdentity}, func(tx *storage.Tx) error {
		c, err := tx.OpenCursor(StoreIdentity, "createdAt", storage.KeyRange{}, storage.Next)
		if err != nil {
			return err
		}
		defer c.Close()

		for c.Next() {
			ids = append(ids, c.PrimaryKey())
		}
		return c.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Invalidate drops every cached key pair. Call it after the underlying
// store is replaced, for example by a backup restore.
func (v *Vault) Invalidate() {
	v.cache.Clear()
}
