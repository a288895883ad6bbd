package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/mesmerverse/chatvault/apperr"
)

// Direction is the order in which a cursor walks an index.
type Direction int

const (
	// Next walks ascending.
	Next Direction = iota
	// Prev walks descending.
	Prev
)

// Cursor walks the records of an index range in order. Records with equal
// index keys are ordered by primary key in the cursor's direction.
//
//	c, _ := tx.OpenCursor("chats", "conversationId_createdAt", storage.Only(id), storage.Prev)
//	defer c.Close()
//	c.Skip(20)
//	for c.Next() { ... c.Decode(&msg) ... }
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	rows   *sql.Rows
	pk     string
	doc    []byte
	err    error
	closed bool
}

// OpenCursor opens a cursor over index (or the primary key when index is "")
// restricted to rng. The cursor is closed when the transaction finishes.
func (tx *Tx) OpenCursor(store, index string, rng KeyRange, dir Direction) (*Cursor, error) {
	st, err := tx.store("OpenCursor", store, false)
	if err != nil {
		return nil, err
	}
	cols, err := st.keyColumns(index)
	if err != nil {
		return nil, apperr.Storage(apperr.TagTransaction, "OpenCursor", err)
	}
	cond, args, err := rng.where(cols, index != "")
	if err != nil {
		return nil, apperr.Validation("OpenCursor", "%v", err)
	}

	order := "ASC"
	if dir == Prev {
		order = "DESC"
	}
	orderCols := cols
	if index != "" {
		orderCols = append(append([]string{}, cols...), "pk")
	}
	terms := make([]string, len(orderCols))
	for i, c := range orderCols {
		terms[i] = c + " " + order
	}

	query := fmt.Sprintf("SELECT pk, doc FROM %s WHERE %s ORDER BY %s",
		tableName(st.Name), cond, strings.Join(terms, ", "))
	rows, err := tx.sqlTx.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage(apperr.TagTransaction, "OpenCursor", err)
	}

	c := &Cursor{rows: rows}
	tx.cursors = append(tx.cursors, c)
	return c, nil
}

// Next moves to the next record. The first call positions the cursor on the
// first record of the range.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		c.pk, c.doc = "", nil
		return false
	}
	if err := c.rows.Scan(&c.pk, &c.doc); err != nil {
		c.err = err
		return false
	}
	return true
}

// Skip steps over up to n records without decoding them and returns how many
// were skipped. A following Next lands on the record after the skipped ones.
func (c *Cursor) Skip(n int) int {
	skipped := 0
	for skipped < n {
		if c.closed || c.err != nil || !c.rows.Next() {
			if c.err == nil && !c.closed {
				c.err = c.rows.Err()
			}
			break
		}
		skipped++
	}
	return skipped
}

// PrimaryKey returns the key of the current record.
func (c *Cursor) PrimaryKey() string {
	return c.pk
}

// Decode decodes the current record into dst.
func (c *Cursor) Decode(dst any) error {
	if c.doc == nil {
		return apperr.Storage(apperr.TagTransaction, "Decode", fmt.Errorf("cursor has no current record"))
	}
	if err := Unmarshal(c.doc, dst); err != nil {
		return apperr.Storage(apperr.TagTransaction, "Decode", fmt.Errorf("failed to decode %q: %w", c.pk, err))
	}
	return nil
}

// Err returns the first error met while walking.
func (c *Cursor) Err() error {
	if c.err != nil {
		return apperr.Storage(apperr.TagTransaction, "Cursor", c.err)
	}
	return nil
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}
