package marketplace

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// AuthType selects how requests to a registry are authenticated.
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeBasic  AuthType = "basic"
	AuthTypeHeader AuthType = "header"
)

// AuthSpec carries registry credentials. Secret fields (Token, Password,
// HeaderValue) are stored encrypted inside the persisted registry document
// and are only decrypted for internal authenticated requests.
type AuthSpec struct {
	Type        AuthType `json:"type"`
	Token       string   `json:"token,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	HeaderName  string   `json:"headerName,omitempty"`
	HeaderValue string   `json:"headerValue,omitempty"`
}

func (a AuthSpec) Validate() error {
	switch a.Type {
	case AuthTypeNone, "":
		return nil
	case AuthTypeBearer:
		if strings.TrimSpace(a.Token) == "" {
			return fmt.Errorf("bearer auth requires token")
		}
	case AuthTypeBasic:
		if strings.TrimSpace(a.Username) == "" || strings.TrimSpace(a.Password) == "" {
			return fmt.Errorf("basic auth requires username and password")
		}
	case AuthTypeHeader:
		if strings.TrimSpace(a.HeaderName) == "" || strings.TrimSpace(a.HeaderValue) == "" {
			return fmt.Errorf("header auth requires headerName and headerValue")
		}
	default:
		return fmt.Errorf("unknown auth type: %s", a.Type)
	}
	return nil
}

// Registry is one configured remote content source.
//
// JSON field names are camelCase to match the persisted registries document.
type Registry struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Source          string   `json:"source"`
	Auth            AuthSpec `json:"auth"`
	Enabled         bool     `json:"enabled"`
	CreatedAtUnixMs int64    `json:"createdAt"`
	UpdatedAtUnixMs int64    `json:"updatedAt,omitempty"`
	LastSyncedMs    *int64   `json:"lastSynced"`
	ItemCount       int      `json:"itemCount"`
}

var registryIDRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ItemType classifies one installable catalog unit.
type ItemType string

const (
	ItemTypeApp      ItemType = "app"
	ItemTypeModel    ItemType = "model"
	ItemTypePrompt   ItemType = "prompt"
	ItemTypeSkill    ItemType = "skill"
	ItemTypeWorkflow ItemType = "workflow"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeApp, ItemTypeModel, ItemTypePrompt, ItemTypeSkill, ItemTypeWorkflow:
		return true
	}
	return false
}

// SourceDescriptor points at an item's actual content.
//
// Type is "url", "github" or "relative". Items resolved from a repository
// tree additionally carry Companions (sibling files relative to the primary
// file's directory) and RawBase (the raw-content URL they resolve against).
type SourceDescriptor struct {
	Type       string   `json:"type"`
	URL        string   `json:"url,omitempty"`
	Owner      string   `json:"owner,omitempty"`
	Repo       string   `json:"repo,omitempty"`
	Path       string   `json:"path,omitempty"`
	Ref        string   `json:"ref,omitempty"`
	Companions []string `json:"companions,omitempty"`
	RawBase    string   `json:"rawBase,omitempty"`
}

const (
	SourceTypeURL      = "url"
	SourceTypeGitHub   = "github"
	SourceTypeRelative = "relative"
)

// LocaleText is a per-locale string map. Remote catalogs frequently publish
// a bare string instead of a map; that decodes as the "en" entry.
type LocaleText map[string]string

func (t *LocaleText) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			*t = nil
			return nil
		}
		*t = LocaleText{"en": s}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*t = LocaleText(m)
	return nil
}

// Resolve picks the locale entry to display: the requested locale, then
// "en", then any entry.
func (t LocaleText) Resolve(locale string) string {
	if len(t) == 0 {
		return ""
	}
	if v, ok := t[strings.TrimSpace(locale)]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	if v, ok := t["en"]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	for _, v := range t {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// CatalogItem is one installable unit published by a registry.
type CatalogItem struct {
	Type        ItemType         `json:"type"`
	Name        string           `json:"name"`
	DisplayName LocaleText       `json:"displayName,omitempty"`
	Description LocaleText       `json:"description,omitempty"`
	Version     string           `json:"version,omitempty"`
	Author      string           `json:"author,omitempty"`
	Category    string           `json:"category,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Source      SourceDescriptor `json:"source"`
}

// Catalog is the normalized, registry-agnostic result of one fetch.
type Catalog struct {
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Items       []CatalogItem `json:"items"`
}

// CacheEntry is the persisted snapshot of one registry's catalog. Entries
// never expire on their own; only an explicit refresh overwrites them.
type CacheEntry struct {
	RegistryID      string  `json:"registryId"`
	FetchedAtUnixMs int64   `json:"fetchedAt"`
	Catalog         Catalog `json:"catalog"`
}

// InstallationRecord is one entry of the installations ledger, keyed by
// "{type}:{name}". The ledger is read-only for this subsystem.
type InstallationRecord struct {
	Type              ItemType `json:"type"`
	Name              string   `json:"name"`
	Version           string   `json:"version,omitempty"`
	RegistryID        string   `json:"registryId,omitempty"`
	InstalledAtUnixMs int64    `json:"installedAt,omitempty"`
}

// InstallationKey builds the ledger key for one item.
func InstallationKey(itemType ItemType, name string) string {
	return string(itemType) + ":" + strings.TrimSpace(name)
}

const (
	StatusInstalled = "installed"
	StatusAvailable = "available"
)
