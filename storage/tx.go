package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
)

// Mode selects what a transaction may do.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Tx scopes a set of operations over named stores. All mutations in a Tx
// commit or roll back together. A Tx must not be used from more than one
// goroutine.
type Tx struct {
	id      string
	engine  *Engine
	ctx     context.Context
	sqlTx   *sql.Tx
	mode    Mode
	scope   map[string]*StoreSchema
	cursors []*Cursor
	done    bool
}

// Begin starts a transaction over stores. The engine stays open until the
// transaction finishes.
func (e *Engine) Begin(ctx context.Context, mode Mode, stores ...string) (*Tx, error) {
	e.mu.RLock()
	if e.db == nil {
		e.mu.RUnlock()
		return nil, apperr.Storage(apperr.TagNotInitialized, "Begin", nil)
	}

	if len(stores) == 0 {
		e.mu.RUnlock()
		return nil, apperr.Storage(apperr.TagTransaction, "Begin", errors.New("transaction names no stores"))
	}
	scope := make(map[string]*StoreSchema, len(stores))
	for _, name := range stores {
		st, ok := e.stores[name]
		if !ok {
			e.mu.RUnlock()
			return nil, apperr.Storage(apperr.TagTransaction, "Begin", fmt.Errorf("unknown store %q", name))
		}
		scope[name] = st
	}

	sqlTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		e.mu.RUnlock()
		return nil, apperr.Storage(apperr.TagTransaction, "Begin", err)
	}

	tx := &Tx{
		id:     uuid.NewString(),
		engine: e,
		ctx:    ctx,
		sqlTx:  sqlTx,
		mode:   mode,
		scope:  scope,
	}
	log.Debug().
		Str("tx_id", tx.id).
		Str("mode", mode.String()).
		Strs("stores", stores).
		Msg("Transaction started")
	return tx, nil
}

// Update runs fn in a read-write transaction and commits if fn returns nil.
func (e *Engine) Update(ctx context.Context, stores []string, fn func(*Tx) error) error {
	return e.run(ctx, ReadWrite, stores, fn)
}

// View runs fn in a read-only transaction.
func (e *Engine) View(ctx context.Context, stores []string, fn func(*Tx) error) error {
	return e.run(ctx, ReadOnly, stores, fn)
}

func (e *Engine) run(ctx context.Context, mode Mode, stores []string, fn func(*Tx) error) error {
	tx, err := e.Begin(ctx, mode, stores...)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if mode == ReadOnly {
		return tx.Rollback()
	}
	return tx.Commit()
}

// ID identifies the transaction in logs.
func (tx *Tx) ID() string {
	return tx.id
}

// Commit applies every mutation of the transaction.
func (tx *Tx) Commit() error {
	if tx.done {
		return apperr.Storage(apperr.TagTransaction, "Commit", errors.New("transaction already finished"))
	}
	tx.closeCursors()
	err := tx.sqlTx.Commit()
	tx.finish()
	if err != nil {
		log.Warn().Err(err).Str("tx_id", tx.id).Msg("Transaction commit failed")
		return apperr.Storage(apperr.TagTransaction, "Commit", err)
	}
	log.Debug().Str("tx_id", tx.id).Msg("Transaction committed")
	return nil
}

// Rollback discards the transaction. It is safe to call after Commit.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.closeCursors()
	err := tx.sqlTx.Rollback()
	tx.finish()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Warn().Err(err).Str("tx_id", tx.id).Msg("Transaction rollback failed")
		return apperr.Storage(apperr.TagTransaction, "Rollback", err)
	}
	if tx.mode == ReadWrite {
		log.Debug().Str("tx_id", tx.id).Msg("Transaction rolled back")
	}
	return nil
}

func (tx *Tx) finish() {
	tx.done = true
	tx.engine.mu.RUnlock()
}

func (tx *Tx) closeCursors() {
	for _, c := range tx.cursors {
		c.Close()
	}
	tx.cursors = nil
}

func (tx *Tx) store(op, name string, write bool) (*StoreSchema, error) {
	if tx.done {
		return nil, apperr.Storage(apperr.TagTransaction, op, errors.New("transaction already finished"))
	}
	st, ok := tx.scope[name]
	if !ok {
		return nil, apperr.Storage(apperr.TagTransaction, op, fmt.Errorf("store %q is not in transaction scope", name))
	}
	if write && tx.mode != ReadWrite {
		return nil, apperr.Storage(apperr.TagTransaction, op, fmt.Errorf("store %q: write in read-only transaction", name))
	}
	return st, nil
}

// Put inserts or replaces rec.
func (tx *Tx) Put(store string, rec Record) error {
	st, err := tx.store("Put", store, true)
	if err != nil {
		return err
	}
	return tx.put("Put", st, rec)
}

// Add inserts rec and fails with a conflict error if its key already exists.
func (tx *Tx) Add(store string, rec Record) error {
	st, err := tx.store("Add", store, true)
	if err != nil {
		return err
	}
	pk, err := st.primaryKey(rec)
	if err != nil {
		return apperr.Validation("Add", "%v", err)
	}
	exists, err := tx.exists("Add", st, pk)
	if err != nil {
		return err
	}
	if exists {
		return apperr.Conflict("Add", "store %q already holds key %q", store, pk)
	}
	return tx.put("Add", st, rec)
}

func (tx *Tx) put(op string, st *StoreSchema, rec Record) error {
	pk, err := st.primaryKey(rec)
	if err != nil {
		return apperr.Validation(op, "%v", err)
	}
	doc, err := Marshal(rec)
	if err != nil {
		return apperr.Storage(apperr.TagTransaction, op, fmt.Errorf("failed to encode %q: %w", pk, err))
	}
	vals, err := st.indexValues(rec)
	if err != nil {
		return apperr.Validation(op, "%v", err)
	}

	cols := append([]string{"pk", "doc"}, st.indexColumns()...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		tableName(st.Name), strings.Join(cols, ", "), placeholders)

	args := append([]any{pk, doc}, vals...)
	if _, err := tx.sqlTx.ExecContext(tx.ctx, query, args...); err != nil {
		return apperr.Storage(apperr.TagTransaction, op, fmt.Errorf("failed to write %q: %w", pk, err))
	}
	return nil
}

// Get decodes the record stored under key into dst. It reports false when no
// record exists.
func (tx *Tx) Get(store, key string, dst any) (bool, error) {
	st, err := tx.store("Get", store, false)
	if err != nil {
		return false, err
	}

	var doc []byte
	err = tx.sqlTx.QueryRowContext(tx.ctx,
		fmt.Sprintf("SELECT doc FROM %s WHERE pk = ?", tableName(st.Name)), key).Scan(&doc)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storage(apperr.TagTransaction, "Get", fmt.Errorf("failed to read %q: %w", key, err))
	}
	if err := Unmarshal(doc, dst); err != nil {
		return false, apperr.Storage(apperr.TagTransaction, "Get", fmt.Errorf("failed to decode %q: %w", key, err))
	}
	return true, nil
}

// Exists reports whether a record is stored under key.
func (tx *Tx) Exists(store, key string) (bool, error) {
	st, err := tx.store("Exists", store, false)
	if err != nil {
		return false, err
	}
	return tx.exists("Exists", st, key)
}

func (tx *Tx) exists(op string, st *StoreSchema, key string) (bool, error) {
	var n int
	err := tx.sqlTx.QueryRowContext(tx.ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE pk = ?", tableName(st.Name)), key).Scan(&n)
	if err != nil {
		return false, apperr.Storage(apperr.TagTransaction, op, err)
	}
	return n > 0, nil
}

// Delete removes the record under key. Deleting a missing key is not an error.
func (tx *Tx) Delete(store, key string) error {
	st, err := tx.store("Delete", store, true)
	if err != nil {
		return err
	}
	if _, err := tx.sqlTx.ExecContext(tx.ctx,
		fmt.Sprintf("DELETE FROM %s WHERE pk = ?", tableName(st.Name)), key); err != nil {
		return apperr.Storage(apperr.TagTransaction, "Delete", fmt.Errorf("failed to delete %q: %w", key, err))
	}
	return nil
}

// Clear removes every record of store.
func (tx *Tx) Clear(store string) error {
	st, err := tx.store("Clear", store, true)
	if err != nil {
		return err
	}
	if _, err := tx.sqlTx.ExecContext(tx.ctx, fmt.Sprintf("DELETE FROM %s", tableName(st.Name))); err != nil {
		return apperr.Storage(apperr.TagTransaction, "Clear", err)
	}
	return nil
}

// DeleteRange removes every record whose index key falls in rng and returns
// how many were removed. The empty index name ranges over primary keys.
func (tx *Tx) DeleteRange(store, index string, rng KeyRange) (int64, error) {
	st, err := tx.store("DeleteRange", store, true)
	if err != nil {
		return 0, err
	}
	cols, err := st.keyColumns(index)
	if err != nil {
		return 0, apperr.Storage(apperr.TagTransaction, "DeleteRange", err)
	}
	cond, args, err := rng.where(cols, index != "")
	if err != nil {
		return 0, apperr.Validation("DeleteRange", "%v", err)
	}

	res, err := tx.sqlTx.ExecContext(tx.ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", tableName(st.Name), cond), args...)
	if err != nil {
		return 0, apperr.Storage(apperr.TagTransaction, "DeleteRange", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns how many records fall in rng over index.
func (tx *Tx) Count(store, index string, rng KeyRange) (int, error) {
	st, err := tx.store("Count", store, false)
	if err != nil {
		return 0, err
	}
	cols, err := st.keyColumns(index)
	if err != nil {
		return 0, apperr.Storage(apperr.TagTransaction, "Count", err)
	}
	cond, args, err := rng.where(cols, index != "")
	if err != nil {
		return 0, apperr.Validation("Count", "%v", err)
	}

	var n int
	if err := tx.sqlTx.QueryRowContext(tx.ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", tableName(st.Name), cond), args...).Scan(&n); err != nil {
		return 0, apperr.Storage(apperr.TagTransaction, "Count", err)
	}
	return n, nil
}
