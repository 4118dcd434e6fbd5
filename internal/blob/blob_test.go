package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestKeys(t *testing.T) {
	if got := SourceKey("abc"); got != "abc/source" {
		t.Fatalf("unexpected source key %q", got)
	}
	if got := PageKey("abc", 2); got != "abc/pages/2" {
		t.Fatalf("unexpected page key %q", got)
	}
}

func TestStores(t *testing.T) {
	fsStore, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"fs":     fsStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Put(ctx, PageKey("job-1", 0), []byte("page zero")); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := store.Put(ctx, PageKey("job-1", 0), []byte("page zero v2")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err := store.Get(ctx, PageKey("job-1", 0))
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !bytes.Equal(got, []byte("page zero v2")) {
				t.Fatalf("unexpected content %q", got)
			}

			if _, err := store.Get(ctx, SourceKey("job-404")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := store.Put(ctx, "../escape", []byte("x")); err == nil {
				t.Fatalf("expected traversal key to be rejected")
			}
			if err := store.Put(ctx, "", []byte("x")); err == nil {
				t.Fatalf("expected empty key to be rejected")
			}
		})
	}
}

func TestFSStoreLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	if err := store.Put(context.Background(), SourceKey("job-2"), []byte("%PDF-1.7")); err != nil {
		t.Fatalf("put: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "job-2"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "source" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestMemoryStoreCopiesData(t *testing.T) {
	store := NewMemoryStore()
	data := []byte("abc")
	if err := store.Put(context.Background(), "k/v", data); err != nil {
		t.Fatalf("put: %v", err)
	}
	data[0] = 'z'
	got, err := store.Get(context.Background(), "k/v")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("store kept caller slice: %q", got)
	}
}
