package module

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

func newTestStore(t *testing.T) (*StatusStore, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "modules_statuses.json")
	return NewStatusStore(path, root), root
}

func installModule(t *testing.T, root, folder, name string) {
	t.Helper()
	writeFile(t, filepath.Join(root, folder, ManifestFile), `{"name": "`+name+`", "version": "1.0.0"}`)
}

func TestStatusStoreMissingFile(t *testing.T) {
	store, _ := newTestStore(t)

	statuses, err := store.GetAll()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("expected empty map for missing file, got %v", statuses)
	}
}

func TestStatusStoreRoundTrip(t *testing.T) {
	store, root := newTestStore(t)
	installModule(t, root, "Blog", "Blog")

	if err := store.Set("Blog", true); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	enabled, err := store.Enabled("blog")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !enabled {
		t.Fatal("expected module to be enabled under its normalized key")
	}

	if err := store.Set("BLOG", false); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	statuses, err := store.GetAll()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(statuses) != 1 || statuses["blog"] {
		t.Fatalf("expected a single disabled entry, got %v", statuses)
	}
}

func TestStatusStoreDuplicateKeysMergeWithOr(t *testing.T) {
	store, root := newTestStore(t)
	installModule(t, root, "Blog", "Blog")

	// Simulate a file written by an older version tracking the module
	// under its original casing alongside the normalized key.
	raw := map[string]bool{"Blog": true, "blog": false}
	b, _ := json.Marshal(raw)
	if err := os.WriteFile(store.path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	statuses, err := store.GetAll()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected merged entry, got %v", statuses)
	}
	if !statuses["blog"] {
		t.Fatal("OR-merge should keep the module enabled")
	}

	// The rewrite is persisted.
	persisted, err := store.read()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 || !persisted["blog"] {
		t.Fatalf("expected normalized file on disk, got %v", persisted)
	}
}

func TestStatusStorePrunesOrphans(t *testing.T) {
	store, root := newTestStore(t)
	installModule(t, root, "Blog", "Blog")

	if err := store.SetAll(map[string]bool{"blog": true, "ghost": true}); err != nil {
		t.Fatal(err)
	}

	statuses, err := store.GetAll()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, ok := statuses["ghost"]; ok {
		t.Fatal("expected the orphaned entry to be pruned")
	}
	if !statuses["blog"] {
		t.Fatal("pruning must not touch entries whose module still exists")
	}
}

func TestStatusStoreKeepsEntryWithBrokenManifest(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, filepath.Join(root, "Broken", ManifestFile), `{not json`)

	if err := store.SetAll(map[string]bool{"broken": true}); err != nil {
		t.Fatal(err)
	}
	statuses, err := store.GetAll()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !statuses["broken"] {
		t.Fatal("a broken manifest is not grounds for forgetting the enabled state")
	}
}

func TestStatusStoreRemove(t *testing.T) {
	store, root := newTestStore(t)
	installModule(t, root, "Blog", "Blog")

	if err := store.Set("blog", true); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("BLOG"); err != nil {
		t.Fatal(err)
	}
	statuses, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 0 {
		t.Fatalf("expected empty store after removal, got %v", statuses)
	}

	// Removing a key that does not exist is a no-op.
	if err := store.Remove("ghost"); err != nil {
		t.Fatalf("removing an unknown key should not error: %s", err)
	}
}
