package storage

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// RecordCache holds decoded records by primary key. A nil *RecordCache is a
// valid, disabled cache.
type RecordCache[V any] struct {
	lru *lru.Cache[string, V]
}

// NewRecordCache returns a cache bounded to size entries, or a disabled
// cache when size is below one.
func NewRecordCache[V any](size int) *RecordCache[V] {
	if size < 1 {
		return nil
	}
	c, err := lru.New[string, V](size)
	if err != nil {
		return nil
	}
	return &RecordCache[V]{lru: c}
}

func (c *RecordCache[V]) Get(key string) (V, bool) {
	if c == nil {
		var zero V
		return zero, false
	}
	return c.lru.Get(key)
}

func (c *RecordCache[V]) Put(key string, value V) {
	if c != nil {
		c.lru.Add(key, value)
	}
}

func (c *RecordCache[V]) Delete(key string) {
	if c != nil {
		c.lru.Remove(key)
	}
}

// Clear drops every entry.
func (c *RecordCache[V]) Clear() {
	if c != nil {
		c.lru.Purge()
	}
}

func (c *RecordCache[V]) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
