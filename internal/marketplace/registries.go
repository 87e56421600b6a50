package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solsticehq/solstice-marketplace/internal/confdocs"
	"github.com/solsticehq/solstice-marketplace/internal/syncjournal"
)

const (
	registriesDocName    = "registries"
	installationsDocName = "installations"
)

type registriesDoc struct {
	SchemaVersion int        `json:"schema_version"`
	Registries    []Registry `json:"registries,omitempty"`
}

type installationsDoc struct {
	SchemaVersion int                           `json:"schema_version"`
	Items         map[string]InstallationRecord `json:"items,omitempty"`
}

// RegistryPatch carries the mutable registry fields; nil fields are left
// unchanged.
type RegistryPatch struct {
	Name    *string   `json:"name,omitempty"`
	Source  *string   `json:"source,omitempty"`
	Enabled *bool     `json:"enabled,omitempty"`
	Auth    *AuthSpec `json:"auth,omitempty"`
}

// RegistryTestResult reports a dry-run fetch of an unsaved registry config.
type RegistryTestResult struct {
	Success   bool   `json:"success"`
	ItemCount int    `json:"itemCount"`
	Message   string `json:"message,omitempty"`
}

// RegistryService owns CRUD over registry configuration records plus the
// refresh and dry-run test flows. Credentials are encrypted at rest and
// redacted on every externally returned record.
type RegistryService struct {
	log        *slog.Logger
	docs       *confdocs.Store
	codec      *AuthCodec
	fetcher    *Fetcher
	normalizer *Normalizer
	cache      *Cache

	// journal is optional; recording failures never fail a refresh.
	journal *syncjournal.Journal
}

type RegistryOptions struct {
	Logger     *slog.Logger
	Docs       *confdocs.Store
	Codec      *AuthCodec
	Fetcher    *Fetcher
	Normalizer *Normalizer
	Cache      *Cache
	Journal    *syncjournal.Journal
}

func NewRegistryService(opts RegistryOptions) (*RegistryService, error) {
	if opts.Docs == nil {
		return nil, errors.New("missing Docs")
	}
	if opts.Codec == nil {
		return nil, errors.New("missing Codec")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("missing Fetcher")
	}
	if opts.Normalizer == nil {
		return nil, errors.New("missing Normalizer")
	}
	if opts.Cache == nil {
		return nil, errors.New("missing Cache")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RegistryService{
		log:        log,
		docs:       opts.Docs,
		codec:      opts.Codec,
		fetcher:    opts.Fetcher,
		normalizer: opts.Normalizer,
		cache:      opts.Cache,
		journal:    opts.Journal,
	}, nil
}

// List returns all registry records with auth redacted.
func (s *RegistryService) List() ([]Registry, error) {
	var doc registriesDoc
	if err := s.docs.Load(registriesDocName, &doc); err != nil {
		return nil, newMarketplaceError(ErrCodeInternal, http.StatusInternalServerError, "failed to load registries", err)
	}
	out := make([]Registry, 0, len(doc.Registries))
	for _, reg := range doc.Registries {
		reg.Auth = s.codec.Redact(reg.Auth)
		out = append(out, reg)
	}
	return out, nil
}

// Create validates and persists a new registry. A missing id is generated;
// a caller-supplied one must be unique and well-formed. The returned record
// has auth redacted.
func (s *RegistryService) Create(cfg Registry) (Registry, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Source = strings.TrimSpace(cfg.Source)
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.Name == "" {
		return Registry{}, errValidation("missing registry name", nil)
	}
	if cfg.Source == "" {
		return Registry{}, errValidation("missing registry source", nil)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	} else if !registryIDRE.MatchString(cfg.ID) {
		return Registry{}, errValidation(fmt.Sprintf("invalid registry id: %s", cfg.ID), nil)
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = AuthTypeNone
	}
	if err := cfg.Auth.Validate(); err != nil {
		return Registry{}, errValidation(err.Error(), err)
	}

	encAuth, err := s.codec.Encrypt(cfg.Auth)
	if err != nil {
		return Registry{}, err
	}
	cfg.Auth = encAuth
	cfg.CreatedAtUnixMs = time.Now().UnixMilli()
	cfg.UpdatedAtUnixMs = 0
	cfg.LastSyncedMs = nil
	cfg.ItemCount = 0

	var doc registriesDoc
	err = s.docs.Update(registriesDocName, &doc, func() error {
		if idx := findRegistry(doc.Registries, cfg.ID); idx >= 0 {
			return errValidation(fmt.Sprintf("registry already exists: %s", cfg.ID), nil)
		}
		doc.SchemaVersion = 1
		doc.Registries = append(doc.Registries, cfg)
		return nil
	})
	if err != nil {
		return Registry{}, wrapDocErr(err)
	}
	cfg.Auth = s.codec.Redact(cfg.Auth)
	return cfg, nil
}

// Update applies a patch to an existing registry. Secret fields carrying
// the redaction placeholder are restored from the stored encrypted values
// so a client echoing back a redacted record cannot wipe credentials.
func (s *RegistryService) Update(id string, patch RegistryPatch) (Registry, error) {
	id = strings.TrimSpace(id)
	var updated Registry
	var doc registriesDoc
	err := s.docs.Update(registriesDocName, &doc, func() error {
		idx := findRegistry(doc.Registries, id)
		if idx < 0 {
			return errNotFound(fmt.Sprintf("registry not found: %s", id))
		}
		reg := doc.Registries[idx]
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return errValidation("registry name cannot be empty", nil)
			}
			reg.Name = name
		}
		if patch.Source != nil {
			source := strings.TrimSpace(*patch.Source)
			if source == "" {
				return errValidation("registry source cannot be empty", nil)
			}
			reg.Source = source
		}
		if patch.Enabled != nil {
			reg.Enabled = *patch.Enabled
		}
		if patch.Auth != nil {
			auth := restoreRedactedSecrets(*patch.Auth, reg.Auth)
			if err := auth.Validate(); err != nil {
				return errValidation(err.Error(), err)
			}
			encAuth, err := s.codec.Encrypt(auth)
			if err != nil {
				return err
			}
			reg.Auth = encAuth
		}
		reg.UpdatedAtUnixMs = time.Now().UnixMilli()
		doc.Registries[idx] = reg
		updated = reg
		return nil
	})
	if err != nil {
		return Registry{}, wrapDocErr(err)
	}
	updated.Auth = s.codec.Redact(updated.Auth)
	return updated, nil
}

// Delete removes the registry record and best-effort removes its cache
// file.
func (s *RegistryService) Delete(id string) error {
	id = strings.TrimSpace(id)
	var doc registriesDoc
	err := s.docs.Update(registriesDocName, &doc, func() error {
		idx := findRegistry(doc.Registries, id)
		if idx < 0 {
			return errNotFound(fmt.Sprintf("registry not found: %s", id))
		}
		doc.Registries = append(doc.Registries[:idx], doc.Registries[idx+1:]...)
		return nil
	})
	if err != nil {
		return wrapDocErr(err)
	}
	if err := s.cache.Delete(id); err != nil {
		s.log.Warn("marketplace: failed to remove registry cache file", "registry", id, "error", err)
	}
	return nil
}

// GetWithAuth returns the registry with decrypted auth. Internal callers
// only; never expose the result externally.
func (s *RegistryService) GetWithAuth(id string) (Registry, error) {
	var doc registriesDoc
	if err := s.docs.Load(registriesDocName, &doc); err != nil {
		return Registry{}, newMarketplaceError(ErrCodeInternal, http.StatusInternalServerError, "failed to load registries", err)
	}
	idx := findRegistry(doc.Registries, strings.TrimSpace(id))
	if idx < 0 {
		return Registry{}, errNotFound(fmt.Sprintf("registry not found: %s", id))
	}
	reg := doc.Registries[idx]
	reg.Auth = s.codec.Decrypt(reg.Auth)
	return reg, nil
}

// Refresh fetches, normalizes and caches the registry's catalog, then
// updates lastSynced and itemCount on the stored record. An upstream
// failure leaves the prior cache entry and lastSynced untouched.
func (s *RegistryService) Refresh(ctx context.Context, id string) (Registry, error) {
	reg, err := s.GetWithAuth(id)
	if err != nil {
		return Registry{}, err
	}
	if !reg.Enabled {
		return Registry{}, newMarketplaceError(ErrCodeRegistryDisabled, http.StatusConflict, fmt.Sprintf("registry is disabled: %s", reg.ID), nil)
	}

	started := time.Now().UnixMilli()
	catalog, err := s.fetchCatalog(ctx, reg)
	if err != nil {
		s.recordSync(reg.ID, started, 0, err)
		return Registry{}, err
	}
	if err := s.cache.Write(reg.ID, catalog); err != nil {
		werr := newMarketplaceError(ErrCodeInternal, http.StatusInternalServerError, "failed to write catalog cache", err)
		s.recordSync(reg.ID, started, 0, werr)
		return Registry{}, werr
	}

	synced := time.Now().UnixMilli()
	var updated Registry
	var doc registriesDoc
	err = s.docs.Update(registriesDocName, &doc, func() error {
		idx := findRegistry(doc.Registries, reg.ID)
		if idx < 0 {
			return errNotFound(fmt.Sprintf("registry not found: %s", reg.ID))
		}
		doc.Registries[idx].LastSyncedMs = &synced
		doc.Registries[idx].ItemCount = len(catalog.Items)
		updated = doc.Registries[idx]
		return nil
	})
	if err != nil {
		return Registry{}, wrapDocErr(err)
	}
	s.recordSync(reg.ID, started, len(catalog.Items), nil)
	updated.Auth = s.codec.Redact(updated.Auth)
	return updated, nil
}

// Test dry-runs fetch+normalize against an unsaved config. Plaintext auth
// is accepted and nothing is persisted; fetch or normalize failures come
// back in the result, not as errors.
func (s *RegistryService) Test(ctx context.Context, draft Registry) (RegistryTestResult, error) {
	draft.Source = strings.TrimSpace(draft.Source)
	if draft.Source == "" {
		return RegistryTestResult{}, errValidation("missing registry source", nil)
	}
	if draft.Auth.Type == "" {
		draft.Auth.Type = AuthTypeNone
	}
	if err := draft.Auth.Validate(); err != nil {
		return RegistryTestResult{}, errValidation(err.Error(), err)
	}
	// The draft may carry either plaintext or stored encrypted values.
	draft.Auth = s.codec.Decrypt(draft.Auth)

	catalog, err := s.fetchCatalog(ctx, draft)
	if err != nil {
		return RegistryTestResult{Success: false, Message: err.Error()}, nil
	}
	return RegistryTestResult{
		Success:   true,
		ItemCount: len(catalog.Items),
		Message:   fmt.Sprintf("fetched %d items", len(catalog.Items)),
	}, nil
}

func (s *RegistryService) fetchCatalog(ctx context.Context, reg Registry) (Catalog, error) {
	headers, err := s.fetcher.BuildAuthHeaders(reg.Auth)
	if err != nil {
		return Catalog{}, err
	}
	catalogURL := ResolveCatalogURL(reg.Source)
	payload, err := s.fetcher.Fetch(ctx, catalogURL, headers)
	if err != nil {
		return Catalog{}, err
	}
	return s.normalizer.Normalize(ctx, reg, headers, payload)
}

func (s *RegistryService) recordSync(registryID string, startedMs int64, itemCount int, syncErr error) {
	if s.journal == nil {
		return
	}
	entry := syncjournal.Entry{
		RegistryID:       registryID,
		StartedAtUnixMs:  startedMs,
		FinishedAtUnixMs: time.Now().UnixMilli(),
		Status:           "success",
		ItemCount:        itemCount,
	}
	if syncErr != nil {
		entry.Status = "error"
		entry.Error = syncErr.Error()
	}
	if err := s.journal.Record(entry); err != nil {
		s.log.Warn("marketplace: failed to record sync history", "registry", registryID, "error", err)
	}
}

// History returns the recent refresh attempts for one registry.
func (s *RegistryService) History(registryID string, limit int) ([]syncjournal.Entry, error) {
	if s.journal == nil {
		return []syncjournal.Entry{}, nil
	}
	if _, err := s.GetWithAuth(registryID); err != nil {
		return nil, err
	}
	return s.journal.Recent(strings.TrimSpace(registryID), limit)
}

func findRegistry(regs []Registry, id string) int {
	for i := range regs {
		if regs[i].ID == id {
			return i
		}
	}
	return -1
}

// restoreRedactedSecrets swaps placeholder secrets in the incoming auth for
// the previously stored (still encrypted) values.
func restoreRedactedSecrets(incoming AuthSpec, stored AuthSpec) AuthSpec {
	if incoming.Token == RedactedPlaceholder {
		incoming.Token = stored.Token
	}
	if incoming.Password == RedactedPlaceholder {
		incoming.Password = stored.Password
	}
	if incoming.HeaderValue == RedactedPlaceholder {
		incoming.HeaderValue = stored.HeaderValue
	}
	return incoming
}

// wrapDocErr keeps package errors intact and wraps raw I/O failures from
// the document store.
func wrapDocErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsMarketplaceError(err); ok {
		return err
	}
	return newMarketplaceError(ErrCodeInternal, http.StatusInternalServerError, "failed to persist registries", err)
}
