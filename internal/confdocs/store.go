// Package confdocs manages the named JSON configuration documents shared by
// the marketplace services (the registries list and the installations
// ledger).
package confdocs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var docNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Store reads and writes JSON documents under one directory, one file per
// document name. Loads are served from a per-process cache that is
// invalidated by this process's own writes. Update serializes
// read-modify-write cycles per document, so concurrent refreshes cannot
// drop each other's metadata updates.
type Store struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]json.RawMessage
}

func New(dir string, log *slog.Logger) (*Store, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." {
		return nil, errors.New("missing documents dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dir:   dir,
		log:   log,
		locks: map[string]*sync.Mutex{},
		cache: map[string]json.RawMessage{},
	}, nil
}

// Load decodes the named document into v. A document that does not exist
// yet leaves v at its zero value and returns nil.
func (s *Store) Load(name string, v any) error {
	if err := validateDocName(name); err != nil {
		return err
	}
	raw, err := s.rawLocked(name)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Save atomically persists v as the named document and refreshes the cache.
func (s *Store) Save(name string, v any) error {
	if err := validateDocName(name); err != nil {
		return err
	}
	lock := s.docLock(name)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(name, v)
}

// Update runs mutate under the document's lock: v is loaded fresh from
// disk, mutate edits it in place, and the result is saved atomically.
// Returning an error from mutate aborts without writing.
func (s *Store) Update(name string, v any, mutate func() error) error {
	if err := validateDocName(name); err != nil {
		return err
	}
	lock := s.docLock(name)
	lock.Lock()
	defer lock.Unlock()

	raw, err := s.rawLocked(name)
	if err != nil {
		return err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("document %s: %w", name, err)
		}
	}
	if err := mutate(); err != nil {
		return err
	}
	return s.saveLocked(name, v)
}

func (s *Store) docLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

func (s *Store) rawLocked(name string) (json.RawMessage, error) {
	s.mu.Lock()
	cached, ok := s.cache[name]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	s.mu.Lock()
	s.cache[name] = json.RawMessage(raw)
	s.mu.Unlock()
	return raw, nil
}

func (s *Store) saveLocked(name string, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	path := s.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.mu.Lock()
	s.cache[name] = json.RawMessage(buf)
	s.mu.Unlock()
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func validateDocName(name string) error {
	if !docNameRE.MatchString(strings.TrimSpace(name)) {
		return fmt.Errorf("invalid document name: %q", name)
	}
	return nil
}
