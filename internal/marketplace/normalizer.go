package marketplace

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"
)

// remoteCatalog captures the top-level shape of a fetched payload. The
// three list fields stay raw so presence and emptiness can be told apart.
type remoteCatalog struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Items       json.RawMessage `json:"items"`
	Skills      json.RawMessage `json:"skills"`
	Plugins     json.RawMessage `json:"plugins"`
}

// remoteSkill is one entry of a flat "skills" payload.
type remoteSkill struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	DisplayName LocaleText      `json:"displayName"`
	Description LocaleText      `json:"description"`
	Version     string          `json:"version"`
	Author      string          `json:"author"`
	Category    string          `json:"category"`
	Tags        []string        `json:"tags"`
	Path        string          `json:"path"`
	Source      json.RawMessage `json:"source"`
}

// Normalizer maps the four recognized remote catalog shapes onto the
// internal Catalog model. Detection is an ordered predicate chain over the
// payload, first match wins:
//
//  1. "items" array  — standard format, passed through.
//  2. "skills" array — one skill item per entry.
//  3. "plugins" array, registry not GitHub-hosted — one skill per plugin.
//  4. "plugins" array, registry GitHub-hosted — tree-scanned resolution.
type Normalizer struct {
	resolver *TreeResolver
	log      *slog.Logger
}

func NewNormalizer(resolver *TreeResolver, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{resolver: resolver, log: log}
}

// Normalize converts a fetched payload into a Catalog. Schema validation
// failures are logged and the normalized data is still returned; only a
// payload matching none of the known shapes is a hard error.
func (n *Normalizer) Normalize(ctx context.Context, reg Registry, authHeaders map[string]string, payload any) (Catalog, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Catalog{}, errValidation("catalog payload is not encodable", err)
	}
	var remote remoteCatalog
	if err := json.Unmarshal(raw, &remote); err != nil {
		return Catalog{}, errValidation("catalog payload is not a JSON object", err)
	}

	catalog := Catalog{
		Name:        strings.TrimSpace(remote.Name),
		Description: strings.TrimSpace(remote.Description),
	}
	switch {
	case remote.Items != nil:
		var items []CatalogItem
		if err := json.Unmarshal(remote.Items, &items); err != nil {
			return Catalog{}, errValidation("invalid items array", err)
		}
		catalog.Items = items
	case remote.Skills != nil:
		var skills []remoteSkill
		if err := json.Unmarshal(remote.Skills, &skills); err != nil {
			return Catalog{}, errValidation("invalid skills array", err)
		}
		catalog.Items = mapFlatSkills(skills)
	case remote.Plugins != nil:
		var plugins []remotePlugin
		if err := json.Unmarshal(remote.Plugins, &plugins); err != nil {
			return Catalog{}, errValidation("invalid plugins array", err)
		}
		items, err := n.mapPlugins(ctx, reg, authHeaders, plugins)
		if err != nil {
			return Catalog{}, err
		}
		catalog.Items = items
	default:
		return Catalog{}, errValidation("unrecognized catalog payload shape", nil)
	}

	if catalog.Items == nil {
		catalog.Items = []CatalogItem{}
	}
	if err := validateCatalog(catalog); err != nil {
		n.log.Warn("marketplace: catalog schema validation failed", "registry", reg.ID, "error", err)
	}
	return catalog, nil
}

func mapFlatSkills(skills []remoteSkill) []CatalogItem {
	items := make([]CatalogItem, 0, len(skills))
	for _, skill := range skills {
		name := firstNonEmpty(skill.ID, skill.Name)
		if name == "" {
			continue
		}
		displayName := skill.DisplayName
		if len(displayName) == 0 {
			displayName = LocaleText{"en": humanizeSegment(path.Base(name))}
		}
		items = append(items, CatalogItem{
			Type:        ItemTypeSkill,
			Name:        name,
			DisplayName: displayName,
			Description: skill.Description,
			Version:     strings.TrimSpace(skill.Version),
			Author:      strings.TrimSpace(skill.Author),
			Category:    strings.TrimSpace(skill.Category),
			Tags:        append([]string(nil), skill.Tags...),
			Source:      skillSource(skill),
		})
	}
	return items
}

// skillSource prefers an explicit source descriptor and falls back to a
// relative path derived from the skill's id.
func skillSource(skill remoteSkill) SourceDescriptor {
	if len(skill.Source) > 0 {
		var src SourceDescriptor
		if err := json.Unmarshal(skill.Source, &src); err == nil && strings.TrimSpace(src.Type) != "" {
			return src
		}
		var rel string
		if err := json.Unmarshal(skill.Source, &rel); err == nil && strings.TrimSpace(rel) != "" {
			return SourceDescriptor{Type: SourceTypeRelative, Path: strings.TrimSpace(rel)}
		}
	}
	return SourceDescriptor{
		Type: SourceTypeRelative,
		Path: firstNonEmpty(skill.Path, skill.ID, skill.Name),
	}
}

func (n *Normalizer) mapPlugins(ctx context.Context, reg Registry, authHeaders map[string]string, plugins []remotePlugin) ([]CatalogItem, error) {
	if loc, ok := parseGitHubSource(reg.Source); ok {
		return n.resolver.Resolve(ctx, loc, authHeaders, plugins)
	}
	// No recognizable GitHub shape: the tree resolver is skipped and each
	// plugin maps to one skill item.
	items := make([]CatalogItem, 0, len(plugins))
	for _, plugin := range plugins {
		name := strings.TrimSpace(plugin.Name)
		if name == "" {
			continue
		}
		displayName := plugin.DisplayName
		if len(displayName) == 0 {
			displayName = LocaleText{"en": humanizeSegment(name)}
		}
		items = append(items, CatalogItem{
			Type:        ItemTypeSkill,
			Name:        name,
			DisplayName: displayName,
			Description: plugin.Description,
			Version:     strings.TrimSpace(plugin.Version),
			Author:      strings.TrimSpace(plugin.Author),
			Category:    strings.TrimSpace(plugin.Category),
			Tags:        append([]string(nil), plugin.Tags...),
			Source:      SourceDescriptor{Type: SourceTypeRelative, Path: plugin.dir()},
		})
	}
	return items, nil
}

func firstNonEmpty(v ...string) string {
	for i := range v {
		if strings.TrimSpace(v[i]) != "" {
			return strings.TrimSpace(v[i])
		}
	}
	return ""
}
