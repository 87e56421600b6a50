package marketplace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCache_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	cache, err := NewCache(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	catalog := Catalog{
		Name: "Acme",
		Items: []CatalogItem{
			{Type: ItemTypeSkill, Name: "alpha", Source: SourceDescriptor{Type: SourceTypeRelative, Path: "alpha"}},
		},
	}
	if err := cache.Write("acme", catalog); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entry := cache.Read("acme")
	if entry == nil {
		t.Fatalf("Read returned nil after Write")
	}
	if entry.RegistryID != "acme" {
		t.Fatalf("registryId = %q", entry.RegistryID)
	}
	if entry.FetchedAtUnixMs == 0 {
		t.Fatalf("fetchedAt not stamped")
	}
	if len(entry.Catalog.Items) != 1 || entry.Catalog.Items[0].Name != "alpha" {
		t.Fatalf("catalog = %+v", entry.Catalog)
	}
}

func TestCache_ReadMissingReturnsNil(t *testing.T) {
	t.Parallel()

	cache, err := NewCache(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if entry := cache.Read("nope"); entry != nil {
		t.Fatalf("expected nil for missing entry, got %+v", entry)
	}
}

func TestCache_CorruptEntryReadsAsNil(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache, err := NewCache(dir, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "acme.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if entry := cache.Read("acme"); entry != nil {
		t.Fatalf("corrupt entry must read as nil, got %+v", entry)
	}
}

func TestCache_InvalidRegistryIDRejected(t *testing.T) {
	t.Parallel()

	cache, err := NewCache(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if err := cache.Write("../escape", Catalog{}); err == nil {
		t.Fatalf("path-escaping id must be rejected")
	}
	if entry := cache.Read("../escape"); entry != nil {
		t.Fatalf("path-escaping id must read as nil")
	}
}

func TestCache_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	cache, err := NewCache(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if err := cache.Delete("acme"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if err := cache.Write("acme", Catalog{Items: []CatalogItem{}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cache.Delete("acme"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if entry := cache.Read("acme"); entry != nil {
		t.Fatalf("entry survived delete")
	}
}
