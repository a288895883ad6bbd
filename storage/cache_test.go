package storage

import "testing"

func TestRecordCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewRecordCache[string](2)
	c.Put("a", "1")
	c.Put("b", "2")

	// Touch a so b becomes the eviction candidate
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("Expected a=1, got %q (%v)", v, ok)
	}
	c.Put("c", "3")

	if _, ok := c.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 items, got %d", c.Len())
	}
}

func TestRecordCache_UpdateDeleteClear(t *testing.T) {
	c := NewRecordCache[int](4)
	c.Put("k", 1)
	c.Put("k", 2)
	if v, _ := c.Get("k"); v != 2 {
		t.Errorf("Expected updated value 2, got %d", v)
	}

	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("Expected k to be deleted")
	}

	c.Put("x", 1)
	c.Put("y", 2)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Expected empty cache, got %d", c.Len())
	}
}

func TestRecordCache_DisabledBelowOne(t *testing.T) {
	for _, size := range []int{0, -1} {
		c := NewRecordCache[int](size)
		c.Put("k", 1)
		if _, ok := c.Get("k"); ok {
			t.Errorf("size %d: disabled cache must not store values", size)
		}
		c.Delete("k")
		c.Clear()
		if c.Len() != 0 {
			t.Errorf("size %d: expected empty cache, got %d", size, c.Len())
		}
	}
}
