// Package skillfs exposes the set of skills already materialized on local
// disk. Manually placed skills count as installed even without a ledger
// entry.
package skillfs

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var skillDirNameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// Inventory scans one directory for {name}/SKILL.md layouts.
type Inventory struct {
	dir string
}

func NewInventory(dir string) *Inventory {
	return &Inventory{dir: filepath.Clean(strings.TrimSpace(dir))}
}

// Names returns the set of skill directory names present on disk. A missing
// root directory yields an empty set.
func (i *Inventory) Names() map[string]struct{} {
	out := map[string]struct{}{}
	if i == nil || i.dir == "" || i.dir == "." {
		return out
	}
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry == nil || !entry.IsDir() {
			continue
		}
		name := strings.TrimSpace(entry.Name())
		if !skillDirNameRE.MatchString(name) {
			continue
		}
		if _, err := os.Stat(filepath.Join(i.dir, name, "SKILL.md")); err != nil {
			continue
		}
		out[name] = struct{}{}
	}
	return out
}
