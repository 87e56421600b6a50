package marketplace

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache persists one normalized catalog snapshot per registry as
// {dir}/{registryId}.json. Entries have no TTL on purpose: staleness is
// bounded only by how often refresh is invoked.
type Cache struct {
	dir string
	log *slog.Logger
}

func NewCache(dir string, log *slog.Logger) (*Cache, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." {
		return nil, errors.New("missing cache dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{dir: dir, log: log}, nil
}

// Read returns the cached entry for a registry, or nil when there is none.
// Any I/O or parse failure also yields nil: a broken cache file is the same
// as "not yet cached" and the next refresh overwrites it.
func (c *Cache) Read(registryID string) *CacheEntry {
	if !registryIDRE.MatchString(strings.TrimSpace(registryID)) {
		return nil
	}
	raw, err := os.ReadFile(c.path(registryID))
	if err != nil {
		return nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.Warn("marketplace: discarding unreadable cache entry", "registry", registryID, "error", err)
		return nil
	}
	return &entry
}

// Write atomically overwrites the registry's snapshot.
func (c *Cache) Write(registryID string, catalog Catalog) error {
	registryID = strings.TrimSpace(registryID)
	if !registryIDRE.MatchString(registryID) {
		return errValidation("invalid registry id", nil)
	}
	entry := CacheEntry{
		RegistryID:      registryID,
		FetchedAtUnixMs: time.Now().UnixMilli(),
		Catalog:         catalog,
	}
	buf, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	target := c.path(registryID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Delete removes the registry's snapshot. A missing file is not an error.
func (c *Cache) Delete(registryID string) error {
	if !registryIDRE.MatchString(strings.TrimSpace(registryID)) {
		return nil
	}
	err := os.Remove(c.path(registryID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Cache) path(registryID string) string {
	return filepath.Join(c.dir, registryID+".json")
}
