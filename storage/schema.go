package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// Record is a value that can be placed in a store. Field resolves the key
// paths named by the store's schema (primary key and index paths) and
// returns nil when the path is absent.
type Record interface {
	Field(path string) any
}

// IndexSchema declares a secondary index. More than one key path makes it a
// composite index.
type IndexSchema struct {
	Name     string
	KeyPaths []string
}

// StoreSchema declares a named record collection.
type StoreSchema struct {
	Name    string
	KeyPath string
	Indexes []IndexSchema

	// New returns an empty record of the store's type. It is used to decode
	// existing documents when an index is added to a populated store.
	New func() Record
}

// Schema is the full set of stores an engine serves.
type Schema struct {
	Version int
	Stores  []StoreSchema
}

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Merge combines store declarations from several repositories into one schema.
func Merge(version int, groups ...[]StoreSchema) Schema {
	s := Schema{Version: version}
	for _, g := range groups {
		s.Stores = append(s.Stores, g...)
	}
	return s
}

func (s Schema) validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}
	if len(s.Stores) == 0 {
		return fmt.Errorf("schema declares no stores")
	}

	seen := make(map[string]bool, len(s.Stores))
	for _, st := range s.Stores {
		if !identRe.MatchString(st.Name) {
			return fmt.Errorf("invalid store name %q", st.Name)
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate store %q", st.Name)
		}
		seen[st.Name] = true

		if st.KeyPath == "" {
			return fmt.Errorf("store %q has no key path", st.Name)
		}
		if st.New == nil {
			return fmt.Errorf("store %q has no record factory", st.Name)
		}

		idx := make(map[string]bool, len(st.Indexes))
		for _, ix := range st.Indexes {
			if !identRe.MatchString(ix.Name) {
				return fmt.Errorf("store %q: invalid index name %q", st.Name, ix.Name)
			}
			if idx[ix.Name] {
				return fmt.Errorf("store %q: duplicate index %q", st.Name, ix.Name)
			}
			idx[ix.Name] = true
			if len(ix.KeyPaths) == 0 {
				return fmt.Errorf("store %q: index %q has no key paths", st.Name, ix.Name)
			}
		}
	}
	return nil
}

func (s *StoreSchema) index(name string) (*IndexSchema, bool) {
	for i := range s.Indexes {
		if s.Indexes[i].Name == name {
			return &s.Indexes[i], true
		}
	}
	return nil, false
}

// SQL naming. Identifiers are validated by identRe so quoting is enough.

func tableName(store string) string {
	return `"st_` + store + `"`
}

func indexName(store, index string) string {
	return `"idx_` + store + `_` + index + `"`
}

func columnName(index string, pos int) string {
	return fmt.Sprintf("ix_%s_%d", index, pos)
}

// keyColumns returns the ordered columns a scan over index walks. The empty
// index name means the primary key.
func (s *StoreSchema) keyColumns(index string) ([]string, error) {
	if index == "" {
		return []string{"pk"}, nil
	}
	ix, ok := s.index(index)
	if !ok {
		return nil, fmt.Errorf("store %q has no index %q", s.Name, index)
	}
	cols := make([]string, len(ix.KeyPaths))
	for i := range ix.KeyPaths {
		cols[i] = columnName(ix.Name, i)
	}
	return cols, nil
}

// indexColumns lists every projected index column of the store in schema order.
func (s *StoreSchema) indexColumns() []string {
	var cols []string
	for _, ix := range s.Indexes {
		for i := range ix.KeyPaths {
			cols = append(cols, columnName(ix.Name, i))
		}
	}
	return cols
}

// indexValues projects a record onto the store's index columns, in the same
// order as indexColumns.
func (s *StoreSchema) indexValues(rec Record) ([]any, error) {
	var vals []any
	for _, ix := range s.Indexes {
		for _, path := range ix.KeyPaths {
			v, err := normalizeKey(rec.Field(path))
			if err != nil {
				return nil, fmt.Errorf("index %q path %q: %w", ix.Name, path, err)
			}
			vals = append(vals, v)
		}
	}
	return vals, nil
}

func (s *StoreSchema) primaryKey(rec Record) (string, error) {
	v := rec.Field(s.KeyPath)
	pk, ok := v.(string)
	if !ok || strings.TrimSpace(pk) == "" {
		return "", fmt.Errorf("store %q: key path %q must be a non-empty string", s.Name, s.KeyPath)
	}
	return pk, nil
}

func (s *StoreSchema) createTableSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(tableName(s.Name))
	b.WriteString(" (\n\t\tpk TEXT PRIMARY KEY,\n\t\tdoc BLOB NOT NULL")
	for _, col := range s.indexColumns() {
		b.WriteString(",\n\t\t")
		b.WriteString(col)
	}
	b.WriteString("\n\t)")
	return b.String()
}

// createIndexSQL always appends pk so that equal index keys are ordered by
// primary key.
func (s *StoreSchema) createIndexSQL(ix IndexSchema) string {
	cols := make([]string, 0, len(ix.KeyPaths)+1)
	for i := range ix.KeyPaths {
		cols = append(cols, columnName(ix.Name, i))
	}
	cols = append(cols, "pk")
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
		indexName(s.Name, ix.Name), tableName(s.Name), strings.Join(cols, ", "))
}
