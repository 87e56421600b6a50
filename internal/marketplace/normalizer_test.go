package marketplace

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/solsticehq/solstice-marketplace/internal/throttle"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	client := throttle.New(throttle.Options{RequestsPerSecond: 1000, Burst: 1000})
	return NewNormalizer(NewTreeResolver(client, nil), nil)
}

func decodeJSON(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("fixture json: %v", err)
	}
	return v
}

func TestNormalizer_ItemsShapePassesThrough(t *testing.T) {
	t.Parallel()

	payload := decodeJSON(t, `{
		"name": "Acme Registry",
		"items": [
			{"type": "prompt", "name": "summarize", "source": {"type": "relative", "path": "prompts/summarize.md"}},
			{"type": "skill", "name": "deploy", "displayName": {"en": "Deploy"}, "source": {"type": "url", "url": "https://example.com/deploy/SKILL.md"}}
		]
	}`)

	catalog, err := newTestNormalizer(t).Normalize(context.Background(), Registry{ID: "acme", Source: "https://example.com/reg"}, nil, payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if catalog.Name != "Acme Registry" {
		t.Fatalf("name = %q", catalog.Name)
	}
	if len(catalog.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(catalog.Items))
	}
	if catalog.Items[0].Type != ItemTypePrompt || catalog.Items[1].Type != ItemTypeSkill {
		t.Fatalf("types = %q, %q", catalog.Items[0].Type, catalog.Items[1].Type)
	}
}

func TestNormalizer_EmptyItemsArrayIsStandardShape(t *testing.T) {
	t.Parallel()

	// An empty items array must not fall through to the other shapes.
	payload := decodeJSON(t, `{"items": [], "skills": [{"id": "x"}]}`)
	catalog, err := newTestNormalizer(t).Normalize(context.Background(), Registry{ID: "acme"}, nil, payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(catalog.Items) != 0 {
		t.Fatalf("got %d items, want 0", len(catalog.Items))
	}
	if catalog.Items == nil {
		t.Fatalf("items must be non-nil")
	}
}

func TestNormalizer_SkillsShape(t *testing.T) {
	t.Parallel()

	payload := decodeJSON(t, `{
		"skills": [
			{"id": "review-helper", "description": "Reviews things", "version": "0.3.0"},
			{"name": "lint-fixer", "displayName": {"en": "Lint Fixer"}, "source": "skills/lint-fixer"},
			{"id": "explicit", "source": {"type": "url", "url": "https://example.com/explicit/SKILL.md"}},
			{"version": "ignored-no-name"}
		]
	}`)

	catalog, err := newTestNormalizer(t).Normalize(context.Background(), Registry{ID: "acme", Source: "https://example.com/reg"}, nil, payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(catalog.Items) != 3 {
		t.Fatalf("got %d items, want 3 (nameless entry dropped)", len(catalog.Items))
	}

	first := catalog.Items[0]
	if first.Type != ItemTypeSkill || first.Name != "review-helper" {
		t.Fatalf("first = %+v", first)
	}
	if got := first.DisplayName.Resolve("en"); got != "Review Helper" {
		t.Fatalf("derived displayName = %q", got)
	}
	if got := first.Description.Resolve("en"); got != "Reviews things" {
		t.Fatalf("bare string description = %q", got)
	}
	if first.Source.Type != SourceTypeRelative || first.Source.Path != "review-helper" {
		t.Fatalf("first source = %+v", first.Source)
	}

	if catalog.Items[1].Source.Type != SourceTypeRelative || catalog.Items[1].Source.Path != "skills/lint-fixer" {
		t.Fatalf("string source = %+v", catalog.Items[1].Source)
	}
	if catalog.Items[2].Source.Type != SourceTypeURL {
		t.Fatalf("descriptor source = %+v", catalog.Items[2].Source)
	}
}

func TestNormalizer_PluginsShapeWithoutGitHubHost(t *testing.T) {
	t.Parallel()

	payload := decodeJSON(t, `{
		"plugins": [
			{"name": "analytics", "version": "2.0.0", "path": "./analytics", "skills": ["funnels", "cohorts"]},
			{"name": ""}
		]
	}`)

	// A non-GitHub source skips tree resolution entirely, even with
	// explicit skill lists.
	catalog, err := newTestNormalizer(t).Normalize(context.Background(), Registry{ID: "acme", Source: "https://registry.example.com/market"}, nil, payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(catalog.Items) != 1 {
		t.Fatalf("got %d items, want 1 plugin item", len(catalog.Items))
	}
	item := catalog.Items[0]
	if item.Name != "analytics" || item.Type != ItemTypeSkill {
		t.Fatalf("item = %+v", item)
	}
	if item.Source.Type != SourceTypeRelative || item.Source.Path != "analytics" {
		t.Fatalf("source = %+v", item.Source)
	}
}

func TestNormalizer_PluginsShapeWithGitHubHost(t *testing.T) {
	t.Parallel()

	resolver, _ := newTreeFixture(t, []string{
		"tools/skills/alpha/SKILL.md",
		"tools/skills/beta/SKILL.md",
	})
	n := NewNormalizer(resolver, nil)

	payload := decodeJSON(t, `{"plugins": [{"name": "tools"}]}`)
	catalog, err := n.Normalize(context.Background(), Registry{ID: "acme", Source: "https://github.com/acme/skills"}, nil, payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(catalog.Items) != 2 {
		t.Fatalf("got %d items, want 2 tree-resolved skills", len(catalog.Items))
	}
	if catalog.Items[0].Name != "tools-alpha" || catalog.Items[1].Name != "tools-beta" {
		t.Fatalf("names = %q, %q", catalog.Items[0].Name, catalog.Items[1].Name)
	}
}

func TestNormalizer_UnrecognizedShapeFails(t *testing.T) {
	t.Parallel()

	payload := decodeJSON(t, `{"name": "nothing here"}`)
	_, err := newTestNormalizer(t).Normalize(context.Background(), Registry{ID: "acme"}, nil, payload)
	if err == nil {
		t.Fatalf("expected error")
	}
	if ErrorCode(err) != ErrCodeValidation {
		t.Fatalf("code = %q, want %q", ErrorCode(err), ErrCodeValidation)
	}

	if _, err := newTestNormalizer(t).Normalize(context.Background(), Registry{ID: "acme"}, nil, "just text"); err == nil {
		t.Fatalf("non-object payload must fail")
	}
}

func TestLocaleText_UnmarshalAndResolve(t *testing.T) {
	t.Parallel()

	var fromString LocaleText
	if err := json.Unmarshal([]byte(`"plain"`), &fromString); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if fromString.Resolve("en") != "plain" {
		t.Fatalf("bare string must become the en entry: %v", fromString)
	}

	var fromMap LocaleText
	if err := json.Unmarshal([]byte(`{"en": "Hello", "ja": "konnichiwa"}`), &fromMap); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if fromMap.Resolve("ja") != "konnichiwa" {
		t.Fatalf("requested locale ignored: %v", fromMap)
	}
	if fromMap.Resolve("fr") != "Hello" {
		t.Fatalf("missing locale must fall back to en: %v", fromMap)
	}
	if (LocaleText{}).Resolve("en") != "" {
		t.Fatalf("empty map must resolve to empty string")
	}
}
