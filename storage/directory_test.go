package storage

import (
	"testing"
)

func TestDirectorySetAllReplacesSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	entries, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll on empty store failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty directory, got %d entries", len(entries))
	}

	if err := store.SetAll(ctx, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("SetAll failed: %v", err)
	}
	if err := store.SetAll(ctx, map[string]string{"b": "3", "c": "4"}); err != nil {
		t.Fatalf("SetAll (replace) failed: %v", err)
	}

	entries, err = store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if _, ok := entries["a"]; ok {
		t.Fatalf("entry %q should have been replaced away", "a")
	}
	if entries["b"] != "3" || entries["c"] != "4" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
