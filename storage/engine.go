// Package storage is the local transactional store behind the key vault and
// the chat history. It serves named record stores with a primary key and
// secondary (optionally composite) indices on top of an embedded SQLite
// database. Records are CBOR documents; index key paths are projected into
// their own columns so that range scans run on SQLite indices.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesmerverse/chatvault/apperr"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Options configures an Engine
type Options struct {
	// Path is the database file, or MemoryPath.
	Path string

	// BusyTimeout bounds how long a transaction waits for a lock held by
	// another connection. It is not applied while opening: a blocked open
	// fails immediately.
	BusyTimeout time.Duration
}

// Engine owns the connection lifecycle and transaction semantics.
type Engine struct {
	opts Options

	mu     sync.RWMutex
	db     *sql.DB
	schema Schema
	stores map[string]*StoreSchema
}

// NewEngine creates an engine. No connection is made until Open.
func NewEngine(opts Options) *Engine {
	if opts.Path == "" {
		opts.Path = MemoryPath
	}
	return &Engine{opts: opts}
}

// Path returns the database location.
func (e *Engine) Path() string {
	return e.opts.Path
}

// Open connects and migrates the database to schema. It is idempotent: once
// open, further calls reuse the existing connection.
func (e *Engine) Open(ctx context.Context, schema Schema) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		log.Debug().Str("path", e.opts.Path).Msg("Store already open")
		return nil
	}

	if err := schema.validate(); err != nil {
		return apperr.Storage(apperr.TagOpen, "Open", err)
	}

	db, err := sql.Open("sqlite", e.dsn())
	if err != nil {
		return apperr.Storage(apperr.TagOpen, "Open", fmt.Errorf("failed to open SQLite: %w", err))
	}
	// One connection: keeps :memory: databases coherent and makes the
	// engine's own queue the only ordering between transactions.
	db.SetMaxOpenConns(1)

	if err := e.migrate(ctx, db, schema); err != nil {
		db.Close()
		return err
	}

	stores := make(map[string]*StoreSchema, len(schema.Stores))
	for i := range schema.Stores {
		stores[schema.Stores[i].Name] = &schema.Stores[i]
	}

	e.db = db
	e.schema = schema
	e.stores = stores

	log.Info().
		Str("path", e.opts.Path).
		Int("version", schema.Version).
		Int("stores", len(schema.Stores)).
		Msg("Store opened")
	return nil
}

// Close releases the connection. Operations fail with a not-initialized
// error until Open is called again. Close waits for running transactions.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	e.stores = nil
	if err != nil {
		return apperr.Storage(apperr.TagTransaction, "Close", err)
	}
	log.Info().Str("path", e.opts.Path).Msg("Store closed")
	return nil
}

// IsOpen reports whether the engine holds a connection.
func (e *Engine) IsOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.db != nil
}

// HasStore reports whether the open schema declares store.
func (e *Engine) HasStore(store string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.stores[store]
	return ok
}

func (e *Engine) dsn() string {
	busy := e.opts.BusyTimeout.Milliseconds()
	if e.opts.Path == MemoryPath {
		return fmt.Sprintf("%s?_pragma=busy_timeout(%d)", MemoryPath, busy)
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)",
		e.opts.Path, busy)
}

// migrate creates missing stores, index columns and indices under an
// immediate write lock. It never waits for the lock.
func (e *Engine) migrate(ctx context.Context, db *sql.DB, schema Schema) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return classifyOpenError("Open", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = 0"); err != nil {
		return classifyOpenError("Open", err)
	}
	defer conn.ExecContext(context.Background(),
		fmt.Sprintf("PRAGMA busy_timeout = %d", e.opts.BusyTimeout.Milliseconds()))

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return classifyOpenError("Open", err)
	}
	committed := false
	defer func() {
		if !committed {
			if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
				log.Warn().Err(err).Msg("Failed to roll back migration")
			}
		}
	}()

	var current int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return classifyOpenError("Open", err)
	}
	if current > schema.Version {
		return apperr.Storage(apperr.TagOpen, "Open",
			fmt.Errorf("on-disk schema version %d is newer than %d", current, schema.Version))
	}

	for i := range schema.Stores {
		st := &schema.Stores[i]
		if err := migrateStore(ctx, conn, st); err != nil {
			return classifyOpenError("Open", fmt.Errorf("store %q: %w", st.Name, err))
		}
	}

	if current != schema.Version {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schema.Version)); err != nil {
			return classifyOpenError("Open", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return classifyOpenError("Open", err)
	}
	committed = true

	log.Debug().
		Int("from_version", current).
		Int("to_version", schema.Version).
		Msg("Store schema migrated")
	return nil
}

func migrateStore(ctx context.Context, conn *sql.Conn, st *StoreSchema) error {
	if _, err := conn.ExecContext(ctx, st.createTableSQL()); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	existing, err := tableColumns(ctx, conn, st.Name)
	if err != nil {
		return err
	}

	var added []string
	for _, col := range st.indexColumns() {
		if existing[col] {
			continue
		}
		if _, err := conn.ExecContext(ctx,
			fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", tableName(st.Name), col)); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
		added = append(added, col)
	}
	if len(added) > 0 {
		if err := backfill(ctx, conn, st); err != nil {
			return err
		}
		log.Info().Str("store", st.Name).Strs("columns", added).Msg("Backfilled new index columns")
	}

	for _, ix := range st.Indexes {
		if _, err := conn.ExecContext(ctx, st.createIndexSQL(ix)); err != nil {
			return fmt.Errorf("failed to create index %s: %w", ix.Name, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, conn *sql.Conn, store string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName(store)))
	if err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// backfill recomputes every index column of a store from its documents.
func backfill(ctx context.Context, conn *sql.Conn, st *StoreSchema) error {
	type row struct {
		pk  string
		doc []byte
	}

	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT pk, doc FROM %s", tableName(st.Name)))
	if err != nil {
		return fmt.Errorf("failed to read documents: %w", err)
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.pk, &r.doc); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan document: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	cols := st.indexColumns()
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	update := fmt.Sprintf("UPDATE %s SET %s WHERE pk = ?", tableName(st.Name), strings.Join(sets, ", "))

	for _, r := range all {
		rec := st.New()
		if err := Unmarshal(r.doc, rec); err != nil {
			return fmt.Errorf("failed to decode %q: %w", r.pk, err)
		}
		vals, err := st.indexValues(rec)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, update, append(vals, r.pk)...); err != nil {
			return fmt.Errorf("failed to backfill %q: %w", r.pk, err)
		}
	}
	return nil
}

// Snapshot writes a consistent copy of the database to w.
func (e *Engine) Snapshot(ctx context.Context, w io.Writer) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.db == nil {
		return 0, apperr.Storage(apperr.TagNotInitialized, "Snapshot", nil)
	}

	dir, err := os.MkdirTemp("", "chatvault-snapshot-")
	if err != nil {
		return 0, apperr.Storage(apperr.TagTransaction, "Snapshot", err)
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, "snapshot.db")
	stmt := "VACUUM INTO '" + strings.ReplaceAll(target, "'", "''") + "'"
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return 0, apperr.Storage(apperr.TagTransaction, "Snapshot", err)
	}

	f, err := os.Open(target)
	if err != nil {
		return 0, apperr.Storage(apperr.TagTransaction, "Snapshot", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, apperr.Storage(apperr.TagTransaction, "Snapshot", err)
	}
	log.Debug().Int64("bytes", n).Msg("Store snapshot written")
	return n, nil
}

// Restore replaces the database file with the contents of r. The engine must
// be closed; reopen it afterwards.
func (e *Engine) Restore(ctx context.Context, r io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		return apperr.Storage(apperr.TagOpen, "Restore", errors.New("engine must be closed before restore"))
	}
	if e.opts.Path == MemoryPath {
		return apperr.Storage(apperr.TagOpen, "Restore", errors.New("cannot restore an in-memory store"))
	}
	if err := ctx.Err(); err != nil {
		return apperr.Storage(apperr.TagTransaction, "Restore", err)
	}

	tmp := e.opts.Path + ".restore"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return apperr.Storage(apperr.TagTransaction, "Restore", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Storage(apperr.TagTransaction, "Restore", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperr.Storage(apperr.TagTransaction, "Restore", err)
	}

	// Stale WAL files would be replayed over the restored image
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(e.opts.Path + suffix); err != nil && !os.IsNotExist(err) {
			os.Remove(tmp)
			return apperr.Storage(apperr.TagTransaction, "Restore", err)
		}
	}
	if err := os.Rename(tmp, e.opts.Path); err != nil {
		os.Remove(tmp)
		return apperr.Storage(apperr.TagTransaction, "Restore", err)
	}

	log.Info().Str("path", e.opts.Path).Msg("Store restored from snapshot")
	return nil
}

// isBusy reports whether err means another connection holds the lock.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func classifyOpenError(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if isBusy(err) {
		return apperr.Storage(apperr.TagBlocked, op, err)
	}
	return apperr.Storage(apperr.TagOpen, op, err)
}
