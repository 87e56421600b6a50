package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/solsticehq/solstice-marketplace/internal/confdocs"
	"github.com/solsticehq/solstice-marketplace/internal/throttle"
)

type fakeInventory map[string]struct{}

func (f fakeInventory) Names() map[string]struct{} { return f }

type queryFixture struct {
	svc   *QueryService
	docs  *confdocs.Store
	cache *Cache
}

func newQueryFixture(t *testing.T, skills fakeInventory) *queryFixture {
	t.Helper()
	docs, err := confdocs.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("confdocs.New: %v", err)
	}
	cache, err := NewCache(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	client := throttle.New(throttle.Options{RequestsPerSecond: 1000, Burst: 1000})
	svc, err := NewQueryService(QueryOptions{
		Docs:    docs,
		Cache:   cache,
		Codec:   NewAuthCodec(&fakeCipher{}, nil),
		Fetcher: NewFetcher(client, nil),
		Skills:  skills,
	})
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}
	return &queryFixture{svc: svc, docs: docs, cache: cache}
}

func (fx *queryFixture) seedRegistries(t *testing.T, regs ...Registry) {
	t.Helper()
	if err := fx.docs.Save(registriesDocName, registriesDoc{SchemaVersion: 1, Registries: regs}); err != nil {
		t.Fatalf("seed registries: %v", err)
	}
}

func (fx *queryFixture) seedInstallations(t *testing.T, keys ...string) {
	t.Helper()
	items := map[string]InstallationRecord{}
	for _, key := range keys {
		items[key] = InstallationRecord{}
	}
	if err := fx.docs.Save(installationsDocName, installationsDoc{SchemaVersion: 1, Items: items}); err != nil {
		t.Fatalf("seed installations: %v", err)
	}
}

func skillItem(name, category string) CatalogItem {
	return CatalogItem{
		Type:        ItemTypeSkill,
		Name:        name,
		DisplayName: LocaleText{"en": humanizeSegment(name)},
		Category:    category,
		Source:      SourceDescriptor{Type: SourceTypeRelative, Path: name},
	}
}

func TestQueryService_GetAllItemsMergesEnabledRegistries(t *testing.T) {
	t.Parallel()

	fx := newQueryFixture(t, nil)
	fx.seedRegistries(t,
		Registry{ID: "reg-a", Name: "Alpha Registry", Enabled: true},
		Registry{ID: "reg-b", Name: "Beta Registry", Enabled: true},
		Registry{ID: "reg-off", Name: "Disabled Registry", Enabled: false},
		Registry{ID: "reg-cold", Name: "Never Synced", Enabled: true},
	)
	mustWriteCache(t, fx.cache, "reg-a", skillItem("deploy-helper", "devops"))
	mustWriteCache(t, fx.cache, "reg-b", skillItem("review-bot", "quality"))
	mustWriteCache(t, fx.cache, "reg-off", skillItem("hidden", "devops"))

	page, err := fx.svc.GetAllItems(ItemFilters{})
	if err != nil {
		t.Fatalf("GetAllItems: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("total = %d, want 2 (disabled and uncached excluded)", page.Total)
	}
	for _, item := range page.Items {
		if item.RegistryID == "reg-off" {
			t.Fatalf("disabled registry leaked into listing")
		}
		if item.RegistryName == "" {
			t.Fatalf("registryName not attached: %+v", item)
		}
		if item.InstallationStatus != StatusAvailable {
			t.Fatalf("status = %q, want available", item.InstallationStatus)
		}
	}
}

func mustWriteCache(t *testing.T, cache *Cache, registryID string, items ...CatalogItem) {
	t.Helper()
	if err := cache.Write(registryID, Catalog{Items: items}); err != nil {
		t.Fatalf("write cache %s: %v", registryID, err)
	}
}

func TestQueryService_InstallationStatusSources(t *testing.T) {
	t.Parallel()

	// "on-disk" is installed via directory scan, "ledgered" via the
	// installations ledger, "fresh" via neither.
	fx := newQueryFixture(t, fakeInventory{"on-disk": {}})
	fx.seedRegistries(t, Registry{ID: "reg-a", Name: "Alpha", Enabled: true})
	fx.seedInstallations(t, InstallationKey(ItemTypeSkill, "ledgered"))
	mustWriteCache(t, fx.cache, "reg-a",
		skillItem("on-disk", "misc"),
		skillItem("ledgered", "misc"),
		skillItem("fresh", "misc"),
	)

	page, err := fx.svc.GetAllItems(ItemFilters{})
	if err != nil {
		t.Fatalf("GetAllItems: %v", err)
	}
	statuses := map[string]string{}
	for _, item := range page.Items {
		statuses[item.Name] = item.InstallationStatus
	}
	if statuses["on-disk"] != StatusInstalled {
		t.Fatalf("on-disk skill status = %q", statuses["on-disk"])
	}
	if statuses["ledgered"] != StatusInstalled {
		t.Fatalf("ledgered skill status = %q", statuses["ledgered"])
	}
	if statuses["fresh"] != StatusAvailable {
		t.Fatalf("fresh skill status = %q", statuses["fresh"])
	}

	page, err = fx.svc.GetAllItems(ItemFilters{Status: StatusInstalled})
	if err != nil {
		t.Fatalf("GetAllItems installed: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("installed filter total = %d, want 2", page.Total)
	}
}

func TestQueryService_Filters(t *testing.T) {
	t.Parallel()

	fx := newQueryFixture(t, nil)
	fx.seedRegistries(t,
		Registry{ID: "reg-a", Name: "Alpha", Enabled: true},
		Registry{ID: "reg-b", Name: "Beta", Enabled: true},
	)
	deploy := skillItem("deploy-helper", "devops")
	deploy.Description = LocaleText{"en": "Ships releases safely"}
	mustWriteCache(t, fx.cache, "reg-a",
		deploy,
		skillItem("review-bot", "quality"),
		CatalogItem{Type: ItemTypePrompt, Name: "summarize", Category: "writing", Source: SourceDescriptor{Type: SourceTypeRelative, Path: "p"}},
	)
	mustWriteCache(t, fx.cache, "reg-b", skillItem("deploy-watcher", "devops"))

	page, err := fx.svc.GetAllItems(ItemFilters{Type: "skill"})
	if err != nil {
		t.Fatalf("type filter: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("type filter total = %d, want 3", page.Total)
	}

	page, err = fx.svc.GetAllItems(ItemFilters{Search: "DEPLOY"})
	if err != nil {
		t.Fatalf("search filter: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("search total = %d, want 2 (case-insensitive)", page.Total)
	}

	page, err = fx.svc.GetAllItems(ItemFilters{Search: "ships releases"})
	if err != nil {
		t.Fatalf("search filter: %v", err)
	}
	if page.Total != 1 || page.Items[0].Name != "deploy-helper" {
		t.Fatalf("description search = %+v", page.Items)
	}

	page, err = fx.svc.GetAllItems(ItemFilters{Category: "devops", Registry: "reg-b"})
	if err != nil {
		t.Fatalf("combined filter: %v", err)
	}
	if page.Total != 1 || page.Items[0].Name != "deploy-watcher" {
		t.Fatalf("combined filter = %+v", page.Items)
	}

	page, err = fx.svc.GetAllItems(ItemFilters{Type: "all"})
	if err != nil {
		t.Fatalf("all filter: %v", err)
	}
	if page.Total != 4 {
		t.Fatalf(`type "all" total = %d, want 4`, page.Total)
	}
}

func TestQueryService_Pagination(t *testing.T) {
	t.Parallel()

	fx := newQueryFixture(t, nil)
	fx.seedRegistries(t, Registry{ID: "reg-a", Name: "Alpha", Enabled: true})
	items := make([]CatalogItem, 0, 50)
	for i := 0; i < 50; i++ {
		items = append(items, skillItem(fmt.Sprintf("skill-%02d", i), "misc"))
	}
	mustWriteCache(t, fx.cache, "reg-a", items...)

	page, err := fx.svc.GetAllItems(ItemFilters{})
	if err != nil {
		t.Fatalf("GetAllItems: %v", err)
	}
	if page.Page != 1 || page.Limit != defaultPageLimit {
		t.Fatalf("defaults: page=%d limit=%d", page.Page, page.Limit)
	}
	if len(page.Items) != defaultPageLimit || page.Total != 50 || page.TotalPages != 3 {
		t.Fatalf("page 1: len=%d total=%d totalPages=%d", len(page.Items), page.Total, page.TotalPages)
	}

	page, err = fx.svc.GetAllItems(ItemFilters{Page: 3})
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("page 3 len = %d, want 2", len(page.Items))
	}

	page, err = fx.svc.GetAllItems(ItemFilters{Page: 9})
	if err != nil {
		t.Fatalf("page 9: %v", err)
	}
	if len(page.Items) != 0 || page.Total != 50 {
		t.Fatalf("past-the-end page: len=%d total=%d", len(page.Items), page.Total)
	}

	page, err = fx.svc.GetAllItems(ItemFilters{Limit: 100000})
	if err != nil {
		t.Fatalf("huge limit: %v", err)
	}
	if page.Limit != maxPageLimit {
		t.Fatalf("limit = %d, want clamped to %d", page.Limit, maxPageLimit)
	}
}

func TestQueryService_GetItemDetailWithPreview(t *testing.T) {
	t.Parallel()

	content := "---\nname: demo\nversion: 1.0.0\n---\n\n# Demo Skill\n\nBody text.\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo/SKILL.md" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	}))
	defer srv.Close()

	fx := newQueryFixture(t, nil)
	fx.seedRegistries(t, Registry{ID: "reg-a", Name: "Alpha", Source: srv.URL, Enabled: true})
	item := skillItem("demo", "misc")
	item.Source = SourceDescriptor{Type: SourceTypeRelative, Path: "demo/SKILL.md"}
	mustWriteCache(t, fx.cache, "reg-a", item)

	detail, err := fx.svc.GetItemDetail(context.Background(), "reg-a", ItemTypeSkill, "demo")
	if err != nil {
		t.Fatalf("GetItemDetail: %v", err)
	}
	if detail.Name != "demo" || detail.RegistryID != "reg-a" {
		t.Fatalf("detail = %+v", detail.ListedItem)
	}
	if detail.ContentPreview == nil {
		t.Fatalf("expected content preview")
	}
	if detail.ContentPreview.Frontmatter["version"] != "1.0.0" {
		t.Fatalf("frontmatter = %+v", detail.ContentPreview.Frontmatter)
	}
	if detail.ContentPreview.Body != "# Demo Skill\n\nBody text." {
		t.Fatalf("body = %q", detail.ContentPreview.Body)
	}
}

func TestQueryService_GetItemDetailPreviewFailureDegrades(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	fx := newQueryFixture(t, nil)
	fx.seedRegistries(t, Registry{ID: "reg-a", Name: "Alpha", Source: srv.URL, Enabled: true})
	item := skillItem("demo", "misc")
	item.Source = SourceDescriptor{Type: SourceTypeRelative, Path: "demo/SKILL.md"}
	mustWriteCache(t, fx.cache, "reg-a", item)

	detail, err := fx.svc.GetItemDetail(context.Background(), "reg-a", ItemTypeSkill, "demo")
	if err != nil {
		t.Fatalf("GetItemDetail: %v", err)
	}
	if detail.ContentPreview != nil {
		t.Fatalf("failed preview must degrade to nil, got %+v", detail.ContentPreview)
	}
}

func TestQueryService_GetItemDetailNotFound(t *testing.T) {
	t.Parallel()

	fx := newQueryFixture(t, nil)
	fx.seedRegistries(t, Registry{ID: "reg-a", Name: "Alpha", Enabled: true})

	_, err := fx.svc.GetItemDetail(context.Background(), "ghost", ItemTypeSkill, "demo")
	if ErrorCode(err) != ErrCodeRegistryNotFound {
		t.Fatalf("unknown registry: code = %q", ErrorCode(err))
	}

	// A registry without a cached catalog has no items.
	_, err = fx.svc.GetItemDetail(context.Background(), "reg-a", ItemTypeSkill, "demo")
	if ErrorCode(err) != ErrCodeItemNotFound {
		t.Fatalf("uncached registry: code = %q", ErrorCode(err))
	}

	mustWriteCache(t, fx.cache, "reg-a", skillItem("other", "misc"))
	_, err = fx.svc.GetItemDetail(context.Background(), "reg-a", ItemTypeSkill, "demo")
	if ErrorCode(err) != ErrCodeItemNotFound {
		t.Fatalf("missing item: code = %q", ErrorCode(err))
	}
	if ErrorStatus(err) != http.StatusNotFound {
		t.Fatalf("missing item status = %d, want 404", ErrorStatus(err))
	}
}

func TestSplitFrontmatter(t *testing.T) {
	t.Parallel()

	front, body, ok := splitFrontmatter("---\nname: demo\n---\n\nBody here.")
	if !ok || front != "name: demo" || body != "Body here." {
		t.Fatalf("got front=%q body=%q ok=%v", front, body, ok)
	}

	// CRLF input normalizes.
	front, body, ok = splitFrontmatter("---\r\nname: demo\r\n---\r\nBody.")
	if !ok || front != "name: demo" || body != "Body." {
		t.Fatalf("crlf: front=%q body=%q ok=%v", front, body, ok)
	}

	// No frontmatter.
	_, body, ok = splitFrontmatter("# Just markdown\n")
	if ok || body != "# Just markdown" {
		t.Fatalf("plain: body=%q ok=%v", body, ok)
	}

	// Unterminated block is treated as plain text.
	_, body, ok = splitFrontmatter("---\nname: demo\nno closing")
	if ok {
		t.Fatalf("unterminated frontmatter must not parse, body=%q", body)
	}
}
