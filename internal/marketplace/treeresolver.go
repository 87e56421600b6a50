package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/solsticehq/solstice-marketplace/internal/throttle"
)

const (
	skillPrimaryFile = "SKILL.md"
	defaultGitRef    = "main"
)

var (
	githubBlobRE = regexp.MustCompile(`^https?://(?:www\.)?github\.com/([^/]+)/([^/]+)/blob/([^/]+)/(.+)$`)
	githubTreeRE = regexp.MustCompile(`^https?://(?:www\.)?github\.com/([^/]+)/([^/]+?)(?:\.git)?(?:/(?:tree|blob)/([^/]+)(?:/.*)?)?/?$`)
	githubRawRE  = regexp.MustCompile(`^https?://raw\.githubusercontent\.com/([^/]+)/([^/]+)/([^/]+)(?:/(.*))?$`)

	markdownLinkRE = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)([^)]*)\)`)
)

// ghLocation identifies the GitHub repository a registry is hosted in.
type ghLocation struct {
	Owner string
	Repo  string
	Ref   string
}

// parseGitHubSource extracts {owner, repo, ref} from a GitHub web or
// raw-content URL. ok=false means the registry is not GitHub-hosted and the
// tree resolver must be skipped.
func parseGitHubSource(sourceURL string) (ghLocation, bool) {
	u := strings.TrimSpace(sourceURL)
	if m := githubRawRE.FindStringSubmatch(u); m != nil {
		return ghLocation{Owner: m[1], Repo: m[2], Ref: m[3]}, true
	}
	if m := githubBlobRE.FindStringSubmatch(u); m != nil {
		return ghLocation{Owner: m[1], Repo: m[2], Ref: m[3]}, true
	}
	if m := githubTreeRE.FindStringSubmatch(u); m != nil {
		ref := m[3]
		if strings.TrimSpace(ref) == "" {
			ref = defaultGitRef
		}
		return ghLocation{Owner: m[1], Repo: m[2], Ref: ref}, true
	}
	return ghLocation{}, false
}

// remotePlugin is one entry of a "plugins" catalog payload. Source may be a
// bare relative path string or a full descriptor object.
type remotePlugin struct {
	Name        string          `json:"name"`
	DisplayName LocaleText      `json:"displayName"`
	Description LocaleText      `json:"description"`
	Version     string          `json:"version"`
	Author      string          `json:"author"`
	Category    string          `json:"category"`
	Tags        []string        `json:"tags"`
	Path        string          `json:"path"`
	Source      json.RawMessage `json:"source"`
	Skills      []string        `json:"skills"`
}

// dir resolves the plugin's directory inside the repository: an explicit
// path field wins, then a string source, then the plugin name.
func (p remotePlugin) dir() string {
	candidates := []string{strings.TrimSpace(p.Path)}
	if len(p.Source) > 0 {
		var s string
		if err := json.Unmarshal(p.Source, &s); err == nil {
			candidates = append(candidates, strings.TrimSpace(s))
		}
	}
	candidates = append(candidates, strings.TrimSpace(p.Name))
	for _, c := range candidates {
		c = strings.Trim(strings.TrimPrefix(c, "./"), "/")
		if c != "" {
			return path.Clean(c)
		}
	}
	return ""
}

type ghTreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type ghTreeResponse struct {
	Tree      []ghTreeEntry `json:"tree"`
	Truncated bool          `json:"truncated"`
}

// TreeResolver expands tree-based plugin catalogs into individual skill
// items by scanning the repository's full file tree.
type TreeResolver struct {
	http httpClient
	log  *slog.Logger

	// Base URLs are fields so tests can point the resolver at fixtures.
	apiBase string
	rawBase string
}

func NewTreeResolver(client httpClient, log *slog.Logger) *TreeResolver {
	if log == nil {
		log = slog.Default()
	}
	return &TreeResolver{
		http:    client,
		log:     log,
		apiBase: "https://api.github.com",
		rawBase: "https://raw.githubusercontent.com",
	}
}

// Resolve flattens the plugin list into one CatalogItem per skill. The full
// repository tree is fetched exactly once and shared across both phases.
// GitHub API failures propagate; no partial result is returned.
func (r *TreeResolver) Resolve(ctx context.Context, loc ghLocation, authHeaders map[string]string, plugins []remotePlugin) ([]CatalogItem, error) {
	tree, err := r.fetchTree(ctx, loc, authHeaders)
	if err != nil {
		return nil, err
	}
	blobs := map[string]struct{}{}
	for _, entry := range tree {
		if entry.Type == "blob" {
			blobs[entry.Path] = struct{}{}
		}
	}
	rawRoot := fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(r.rawBase, "/"), loc.Owner, loc.Repo, loc.Ref)

	items := make([]CatalogItem, 0, len(plugins))
	for _, plugin := range plugins {
		pluginDir := plugin.dir()
		if pluginDir == "" || pluginDir == "." {
			r.log.Warn("marketplace: plugin has no resolvable directory", "plugin", plugin.Name)
			continue
		}
		if len(plugin.Skills) > 0 {
			// Explicit skill list: primary file URLs are built directly,
			// the shared tree only supplies companion files.
			for _, rawSkillPath := range plugin.Skills {
				skillDir := normalizeSkillDir(pluginDir, rawSkillPath)
				if skillDir == "" {
					continue
				}
				items = append(items, r.buildSkillItem(plugin, skillDir, rawRoot, tree))
			}
			continue
		}
		if _, ok := blobs[pluginDir+"/"+skillPrimaryFile]; ok {
			// Single-skill plugin: the plugin directory is the skill.
			items = append(items, r.buildSkillItem(plugin, pluginDir, rawRoot, tree))
			continue
		}
		// Container plugin: every {pluginDir}/skills/{name}/SKILL.md in the
		// tree is one skill.
		prefix := pluginDir + "/skills/"
		found := make([]string, 0, 4)
		for blob := range blobs {
			if !strings.HasPrefix(blob, prefix) || !strings.HasSuffix(blob, "/"+skillPrimaryFile) {
				continue
			}
			rel := strings.TrimSuffix(strings.TrimPrefix(blob, prefix), "/"+skillPrimaryFile)
			if rel == "" || strings.Contains(rel, "/") {
				continue
			}
			found = append(found, prefix+rel)
		}
		sort.Strings(found)
		for _, skillDir := range found {
			items = append(items, r.buildSkillItem(plugin, skillDir, rawRoot, tree))
		}
	}
	return items, nil
}

func (r *TreeResolver) buildSkillItem(plugin remotePlugin, skillDir string, rawRoot string, tree []ghTreeEntry) CatalogItem {
	dirBase := path.Base(skillDir)
	name := joinItemName(plugin.Name, dirBase)

	displayName := plugin.DisplayName
	if skillDir != plugin.dir() || len(displayName) == 0 {
		displayName = LocaleText{"en": humanizeSegment(dirBase)}
	}
	category := strings.TrimSpace(plugin.Category)
	if category == "" {
		category = humanizeSegment(path.Base(plugin.dir()))
	}
	return CatalogItem{
		Type:        ItemTypeSkill,
		Name:        name,
		DisplayName: displayName,
		Description: plugin.Description,
		Version:     strings.TrimSpace(plugin.Version),
		Author:      strings.TrimSpace(plugin.Author),
		Category:    category,
		Tags:        append([]string(nil), plugin.Tags...),
		Source: SourceDescriptor{
			Type:       SourceTypeURL,
			URL:        rawRoot + "/" + skillDir + "/" + skillPrimaryFile,
			Companions: findCompanionFiles(tree, skillDir),
			RawBase:    rawRoot + "/" + skillDir,
		},
	}
}

func (r *TreeResolver) fetchTree(ctx context.Context, loc ghLocation, authHeaders map[string]string) ([]ghTreeEntry, error) {
	ref := strings.TrimSpace(loc.Ref)
	if ref == "" {
		ref = defaultGitRef
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1",
		strings.TrimRight(r.apiBase, "/"), url.PathEscape(loc.Owner), url.PathEscape(loc.Repo), url.PathEscape(ref))

	headers := map[string]string{"Accept": "application/vnd.github+json"}
	for k, v := range authHeaders {
		headers[k] = v
	}
	resp, err := r.http.Fetch(ctx, throttleTagGitHub, endpoint, throttle.FetchOptions{Headers: headers})
	if err != nil {
		return nil, errUpstream("fetching repository tree", err)
	}
	if resp.StatusCode != 200 {
		return nil, errUpstream(fmt.Sprintf("fetching repository tree: status %d: %s", resp.StatusCode, bodySnippet(resp.Body)), nil)
	}
	var decoded ghTreeResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, errUpstream("parsing repository tree", err)
	}
	if decoded.Truncated {
		r.log.Warn("marketplace: repository tree is truncated, some skills may be missed",
			"owner", loc.Owner, "repo", loc.Repo, "ref", ref)
	}
	return decoded.Tree, nil
}

// findCompanionFiles returns every blob under dirPrefix except the primary
// skill file, as paths relative to dirPrefix.
func findCompanionFiles(tree []ghTreeEntry, dirPrefix string) []string {
	prefix := strings.Trim(dirPrefix, "/") + "/"
	out := make([]string, 0, 4)
	for _, entry := range tree {
		if entry.Type != "blob" || !strings.HasPrefix(entry.Path, prefix) {
			continue
		}
		rel := strings.TrimPrefix(entry.Path, prefix)
		if rel == "" || rel == skillPrimaryFile {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// RewriteRelativeLinks rewrites relative markdown links into absolute
// "view on GitHub" URLs rooted at the source file's directory. Markdown
// whose source URL does not match the raw-content GitHub shape is returned
// unmodified.
func RewriteRelativeLinks(markdown string, sourceURL string) string {
	m := githubRawRE.FindStringSubmatch(strings.TrimSpace(sourceURL))
	if m == nil || strings.TrimSpace(m[4]) == "" {
		return markdown
	}
	owner, repo, ref := m[1], m[2], m[3]
	baseDir := path.Dir(m[4])

	return markdownLinkRE.ReplaceAllStringFunc(markdown, func(link string) string {
		parts := markdownLinkRE.FindStringSubmatch(link)
		if parts == nil {
			return link
		}
		target := strings.TrimSpace(parts[3])
		if target == "" || strings.Contains(target, "://") ||
			strings.HasPrefix(target, "#") || strings.HasPrefix(target, "mailto:") {
			return link
		}
		mode := "blob"
		if parts[1] == "!" {
			// Images point at raw content so they render inline.
			mode = "raw"
		}
		resolved := path.Clean(path.Join(baseDir, target))
		abs := fmt.Sprintf("https://github.com/%s/%s/%s/%s/%s", owner, repo, mode, ref, resolved)
		return fmt.Sprintf("%s[%s](%s%s)", parts[1], parts[2], abs, parts[4])
	})
}

// normalizeSkillDir joins an explicit skill path under the plugin directory
// unless it is already prefixed by it.
func normalizeSkillDir(pluginDir string, rawSkillPath string) string {
	p := strings.Trim(strings.TrimPrefix(strings.TrimSpace(rawSkillPath), "./"), "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if strings.HasSuffix(p, "/"+skillPrimaryFile) || p == skillPrimaryFile {
		p = path.Dir(p)
	}
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	if p == pluginDir || strings.HasPrefix(p, pluginDir+"/") {
		return p
	}
	return pluginDir + "/" + p
}

// joinItemName combines plugin and skill directory names into a unique
// item name; a plugin whose single skill shares its name collapses to the
// bare name.
func joinItemName(pluginName string, dirBase string) string {
	pluginName = strings.TrimSpace(pluginName)
	dirBase = strings.TrimSpace(dirBase)
	if pluginName == "" || pluginName == dirBase {
		return dirBase
	}
	return pluginName + "-" + dirBase
}

// humanizeSegment turns a hyphenated directory segment into a display
// label: "ab-test-setup" -> "Ab Test Setup".
func humanizeSegment(segment string) string {
	segment = strings.TrimSpace(strings.ReplaceAll(segment, "-", " "))
	if segment == "" {
		return ""
	}
	// Casers are stateful and not safe for concurrent use.
	return cases.Title(language.English).String(segment)
}
