package main

import (
	"context"
	"time"

	"github.com/mesmerverse/chatvault/chatstore"
	"github.com/mesmerverse/chatvault/config"
	"github.com/mesmerverse/chatvault/cryptoengine"
	"github.com/mesmerverse/chatvault/identity"
	"github.com/mesmerverse/chatvault/keyvault"
	"github.com/mesmerverse/chatvault/storage"
)

// schemaVersion is bumped whenever a store or index is added.
const schemaVersion = 1

func schema() storage.Schema {
	return storage.Merge(schemaVersion, keyvault.Stores(), chatstore.Stores())
}

// app holds everything a command needs for one user.
type app struct {
	cfg      *config.Config
	engine   *storage.Engine
	schema   storage.Schema
	crypto   *cryptoengine.Engine
	vault    *keyvault.Vault
	chats    *chatstore.Store
	identity *identity.Manager
}

func openApp(ctx context.Context, cfg *config.Config, userID string) (*app, error) {
	s := schema()
	engine := storage.NewEngine(storage.Options{
		Path:        cfg.Storage.Path,
		BusyTimeout: time.Duration(cfg.Storage.BusyTimeoutMS) * time.Millisecond,
	})
	if err := engine.Open(ctx, s); err != nil {
		return nil, err
	}

	crypto := cryptoengine.New(nil, cryptoengine.KDFParams{
		Time:      cfg.KDF.Time,
		MemoryKiB: cfg.KDF.MemoryKiB,
		Threads:   cfg.KDF.Threads,
		KeyLen:    cryptoengine.KeySize,
	})
	vault := keyvault.New(engine, cfg.Storage.IdentityCacheSize)
	id := identity.NewManager(userID, vault, crypto)

	if _, err := id.Load(ctx); err != nil {
		engine.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		engine:   engine,
		schema:   s,
		crypto:   crypto,
		vault:    vault,
		chats:    chatstore.New(engine, cfg.Pagination.MaxPageSize),
		identity: id,
	}, nil
}

// Close locks the identity and closes the store.
func (a *app) Close() error {
	a.identity.Lock()
	return a.engine.Close()
}
