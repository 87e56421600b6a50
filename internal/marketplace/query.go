package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solsticehq/solstice-marketplace/internal/confdocs"
)

const (
	defaultPageLimit = 24
	maxPageLimit     = 200
)

// SkillInventory reports which skills are already materialized on disk.
type SkillInventory interface {
	Names() map[string]struct{}
}

// ItemFilters narrows and paginates the merged item listing. Zero values
// mean "no filter"; Page and Limit are 1-based with defaults 1 and 24.
type ItemFilters struct {
	Type     string `json:"type,omitempty"`
	Search   string `json:"search,omitempty"`
	Category string `json:"category,omitempty"`
	Registry string `json:"registry,omitempty"`
	Status   string `json:"status,omitempty"`
	Page     int    `json:"page,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ListedItem is a catalog item annotated with its registry and live
// installation status.
type ListedItem struct {
	CatalogItem
	RegistryID         string `json:"registryId"`
	RegistryName       string `json:"registryName"`
	InstallationStatus string `json:"installationStatus"`
}

type ItemPage struct {
	Items      []ListedItem `json:"items"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"totalPages"`
}

// ContentPreview is the best-effort fetched content of one item, split at
// its frontmatter block when present.
type ContentPreview struct {
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	Body        string         `json:"body"`
}

type ItemDetail struct {
	ListedItem
	ContentPreview *ContentPreview `json:"contentPreview"`
}

// QueryService answers listing and detail queries by merging cached
// catalogs with the installation ledger. It never triggers catalog
// fetches; only item detail performs a best-effort preview fetch.
type QueryService struct {
	log     *slog.Logger
	docs    *confdocs.Store
	cache   *Cache
	codec   *AuthCodec
	fetcher *Fetcher
	skills  SkillInventory
}

type QueryOptions struct {
	Logger  *slog.Logger
	Docs    *confdocs.Store
	Cache   *Cache
	Codec   *AuthCodec
	Fetcher *Fetcher
	Skills  SkillInventory
}

func NewQueryService(opts QueryOptions) (*QueryService, error) {
	if opts.Docs == nil {
		return nil, errors.New("missing Docs")
	}
	if opts.Cache == nil {
		return nil, errors.New("missing Cache")
	}
	if opts.Codec == nil {
		return nil, errors.New("missing Codec")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("missing Fetcher")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &QueryService{
		log:     log,
		docs:    opts.Docs,
		cache:   opts.Cache,
		codec:   opts.Codec,
		fetcher: opts.Fetcher,
		skills:  opts.Skills,
	}, nil
}

// GetAllItems flattens every enabled registry's cached catalog, attaches
// installation status, then filters and paginates. Registries without a
// cache entry simply contribute nothing.
func (s *QueryService) GetAllItems(filters ItemFilters) (ItemPage, error) {
	var regDoc registriesDoc
	if err := s.docs.Load(registriesDocName, &regDoc); err != nil {
		return ItemPage{}, newMarketplaceError(ErrCodeInternal, http.StatusInternalServerError, "failed to load registries", err)
	}
	installed := s.installedKeys()
	onDisk := s.onDiskSkills()

	all := make([]ListedItem, 0, 64)
	for _, reg := range regDoc.Registries {
		if !reg.Enabled {
			continue
		}
		entry := s.cache.Read(reg.ID)
		if entry == nil {
			continue
		}
		for _, item := range entry.Catalog.Items {
			all = append(all, ListedItem{
				CatalogItem:        item,
				RegistryID:         reg.ID,
				RegistryName:       reg.Name,
				InstallationStatus: installationStatus(item, installed, onDisk),
			})
		}
	}

	filtered := applyFilters(all, filters)
	return paginate(filtered, filters.Page, filters.Limit), nil
}

// GetItemDetail loads one cached item and attaches a best-effort content
// preview. Preview resolution or fetch failures degrade to a nil preview;
// they never fail the call.
func (s *QueryService) GetItemDetail(ctx context.Context, registryID string, itemType ItemType, name string) (ItemDetail, error) {
	var regDoc registriesDoc
	if err := s.docs.Load(registriesDocName, &regDoc); err != nil {
		return ItemDetail{}, newMarketplaceError(ErrCodeInternal, http.StatusInternalServerError, "failed to load registries", err)
	}
	idx := findRegistry(regDoc.Registries, strings.TrimSpace(registryID))
	if idx < 0 {
		return ItemDetail{}, errNotFound(fmt.Sprintf("registry not found: %s", registryID))
	}
	reg := regDoc.Registries[idx]

	entry := s.cache.Read(reg.ID)
	if entry == nil {
		return ItemDetail{}, newMarketplaceError(ErrCodeItemNotFound, http.StatusNotFound, fmt.Sprintf("registry has no cached catalog: %s", reg.ID), nil)
	}
	var found *CatalogItem
	for i := range entry.Catalog.Items {
		item := entry.Catalog.Items[i]
		if item.Type == itemType && item.Name == strings.TrimSpace(name) {
			found = &item
			break
		}
	}
	if found == nil {
		return ItemDetail{}, newMarketplaceError(ErrCodeItemNotFound, http.StatusNotFound, fmt.Sprintf("item not found: %s:%s", itemType, name), nil)
	}

	detail := ItemDetail{
		ListedItem: ListedItem{
			CatalogItem:        *found,
			RegistryID:         reg.ID,
			RegistryName:       reg.Name,
			InstallationStatus: installationStatus(*found, s.installedKeys(), s.onDiskSkills()),
		},
	}
	detail.ContentPreview = s.fetchPreview(ctx, reg, *found)
	return detail, nil
}

func (s *QueryService) fetchPreview(ctx context.Context, reg Registry, item CatalogItem) *ContentPreview {
	contentURL, ok := s.fetcher.ResolveItemURL(item.Source, reg.Source)
	if !ok {
		return nil
	}
	headers, err := s.fetcher.BuildAuthHeaders(s.codec.Decrypt(reg.Auth))
	if err != nil {
		s.log.Warn("marketplace: preview auth headers unavailable", "registry", reg.ID, "error", err)
		headers = map[string]string{}
	}
	payload, err := s.fetcher.Fetch(ctx, contentURL, headers)
	if err != nil {
		s.log.Warn("marketplace: content preview fetch failed", "registry", reg.ID, "item", item.Name, "error", err)
		return nil
	}

	text, ok := payload.(string)
	if !ok {
		// Structured content previews as pretty-printed JSON.
		buf, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil
		}
		return &ContentPreview{Body: string(buf)}
	}

	preview := &ContentPreview{}
	frontmatterRaw, body, hasFrontmatter := splitFrontmatter(text)
	if hasFrontmatter {
		var fm map[string]any
		if err := yaml.Unmarshal([]byte(frontmatterRaw), &fm); err != nil {
			s.log.Warn("marketplace: preview frontmatter is not valid yaml", "item", item.Name, "error", err)
		} else {
			preview.Frontmatter = fm
		}
	}
	preview.Body = RewriteRelativeLinks(body, contentURL)
	return preview
}

func (s *QueryService) installedKeys() map[string]struct{} {
	var doc installationsDoc
	if err := s.docs.Load(installationsDocName, &doc); err != nil {
		s.log.Warn("marketplace: failed to load installations ledger", "error", err)
		return map[string]struct{}{}
	}
	out := make(map[string]struct{}, len(doc.Items))
	for key := range doc.Items {
		out[key] = struct{}{}
	}
	return out
}

func (s *QueryService) onDiskSkills() map[string]struct{} {
	if s.skills == nil {
		return map[string]struct{}{}
	}
	return s.skills.Names()
}

func installationStatus(item CatalogItem, installed map[string]struct{}, onDiskSkills map[string]struct{}) string {
	if _, ok := installed[InstallationKey(item.Type, item.Name)]; ok {
		return StatusInstalled
	}
	if item.Type == ItemTypeSkill {
		if _, ok := onDiskSkills[item.Name]; ok {
			return StatusInstalled
		}
	}
	return StatusAvailable
}

func applyFilters(items []ListedItem, filters ItemFilters) []ListedItem {
	out := items
	if t := strings.TrimSpace(filters.Type); t != "" && t != "all" {
		out = keep(out, func(it ListedItem) bool { return string(it.Type) == t })
	}
	if q := strings.ToLower(strings.TrimSpace(filters.Search)); q != "" {
		out = keep(out, func(it ListedItem) bool { return matchesSearch(it, q) })
	}
	if c := strings.TrimSpace(filters.Category); c != "" {
		out = keep(out, func(it ListedItem) bool { return it.Category == c })
	}
	if r := strings.TrimSpace(filters.Registry); r != "" {
		out = keep(out, func(it ListedItem) bool { return it.RegistryID == r })
	}
	switch strings.TrimSpace(filters.Status) {
	case StatusInstalled:
		out = keep(out, func(it ListedItem) bool { return it.InstallationStatus == StatusInstalled })
	case StatusAvailable:
		out = keep(out, func(it ListedItem) bool { return it.InstallationStatus == StatusAvailable })
	}
	return out
}

func keep(items []ListedItem, pred func(ListedItem) bool) []ListedItem {
	out := make([]ListedItem, 0, len(items))
	for _, item := range items {
		if pred(item) {
			out = append(out, item)
		}
	}
	return out
}

func matchesSearch(item ListedItem, loweredQuery string) bool {
	if strings.Contains(strings.ToLower(item.Name), loweredQuery) {
		return true
	}
	for _, v := range item.DisplayName {
		if strings.Contains(strings.ToLower(v), loweredQuery) {
			return true
		}
	}
	for _, v := range item.Description {
		if strings.Contains(strings.ToLower(v), loweredQuery) {
			return true
		}
	}
	return false
}

func paginate(items []ListedItem, page int, limit int) ItemPage {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	total := len(items)
	totalPages := (total + limit - 1) / limit

	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return ItemPage{
		Items:      items[start:end],
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}
}

// splitFrontmatter separates a leading "---" delimited key:value header
// from a markdown body. ok=false means the text has no frontmatter block.
func splitFrontmatter(raw string) (frontmatter string, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", strings.TrimSpace(raw), false
	}
	lines := strings.Split(raw, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end <= 0 {
		return "", strings.TrimSpace(raw), false
	}
	front := strings.Join(lines[1:end], "\n")
	bodyPart := ""
	if end+1 < len(lines) {
		bodyPart = strings.Join(lines[end+1:], "\n")
	}
	return strings.TrimSpace(front), strings.TrimSpace(bodyPart), true
}
