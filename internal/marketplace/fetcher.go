package marketplace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/solsticehq/solstice-marketplace/internal/throttle"
)

// Throttle tags are stable per call site so the client can apply
// per-endpoint backpressure.
const (
	throttleTagRegistry = "marketplace-registry"
	throttleTagGitHub   = "marketplace-github"
)

const acceptHeader = "application/json, application/vnd.github+json, text/plain, */*"

// catalogFilenames are the recognized catalog file names; a source URL not
// ending in one of them gets "/catalog.json" appended.
var catalogFilenames = []string{"catalog.json", "marketplace.json"}

// httpClient is the throttled outbound HTTP collaborator.
type httpClient interface {
	Fetch(ctx context.Context, tag string, rawURL string, opts throttle.FetchOptions) (*throttle.Response, error)
}

// Fetcher resolves registry sources into fetchable URLs and retrieves raw
// catalog and content payloads.
type Fetcher struct {
	http httpClient
	log  *slog.Logger
}

func NewFetcher(client httpClient, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{http: client, log: log}
}

// ResolveCatalogURL turns a registry's declared source URL into the URL of
// its catalog file. GitHub "blob" web URLs are rewritten to their
// raw-content equivalents first. The operation is idempotent.
func ResolveCatalogURL(sourceURL string) string {
	u := strings.TrimSpace(sourceURL)
	if m := githubBlobRE.FindStringSubmatch(u); m != nil {
		u = fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", m[1], m[2], m[3], m[4])
	}
	for _, name := range catalogFilenames {
		if strings.HasSuffix(u, "/"+name) || u == name {
			return u
		}
	}
	return strings.TrimRight(u, "/") + "/catalog.json"
}

// Fetch issues a throttled GET and decodes the response. JSON bodies come
// back as decoded values; a GitHub contents-API envelope ({content,
// encoding: "base64"}) is unwrapped and re-parsed, falling back to the
// decoded text when the inner payload is not JSON. Non-JSON bodies are
// returned as plain strings so raw markdown fetches go through the same
// path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, authHeaders map[string]string) (any, error) {
	return f.fetchTagged(ctx, throttleTagRegistry, rawURL, authHeaders)
}

func (f *Fetcher) fetchTagged(ctx context.Context, tag string, rawURL string, authHeaders map[string]string) (any, error) {
	headers := map[string]string{"Accept": acceptHeader}
	for k, v := range authHeaders {
		headers[k] = v
	}
	resp, err := f.http.Fetch(ctx, tag, rawURL, throttle.FetchOptions{Headers: headers})
	if err != nil {
		return nil, errUpstream(fmt.Sprintf("fetching %s", rawURL), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errUpstream(fmt.Sprintf("fetching %s: status %d: %s", rawURL, resp.StatusCode, bodySnippet(resp.Body)), nil)
	}
	return decodePayload(resp.Body), nil
}

func decodePayload(body []byte) any {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return decoded
	}
	content, _ := obj["content"].(string)
	encoding, _ := obj["encoding"].(string)
	if content == "" || encoding != "base64" {
		return decoded
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
	if err != nil {
		return decoded
	}
	var inner any
	if err := json.Unmarshal(raw, &inner); err != nil {
		return string(raw)
	}
	return inner
}

// ResolveItemURL maps an item's source descriptor to a fetchable content
// URL. An unrecognized descriptor returns ok=false, meaning "no preview
// available", never an error.
func (f *Fetcher) ResolveItemURL(src SourceDescriptor, registrySourceURL string) (string, bool) {
	switch src.Type {
	case SourceTypeURL:
		u := strings.TrimSpace(src.URL)
		return u, u != ""
	case SourceTypeGitHub:
		owner := strings.TrimSpace(src.Owner)
		repo := strings.TrimSpace(src.Repo)
		if owner == "" || repo == "" {
			return "", false
		}
		ref := strings.TrimSpace(src.Ref)
		if ref == "" {
			ref = defaultGitRef
		}
		return fmt.Sprintf("https://api.github.com/repos/%s/%s/contents/%s?ref=%s",
			url.PathEscape(owner), url.PathEscape(repo), escapeURLPath(src.Path), url.QueryEscape(ref)), true
	case SourceTypeRelative:
		rel := strings.TrimSpace(src.Path)
		if rel == "" {
			return "", false
		}
		base := ResolveCatalogURL(registrySourceURL)
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[:idx]
		}
		return base + "/" + strings.TrimLeft(path.Clean(rel), "/"), true
	default:
		return "", false
	}
}

// BuildAuthHeaders produces request headers from a decrypted AuthSpec.
// Environment placeholders ({{NAME}}) are resolved here, at request time.
func (f *Fetcher) BuildAuthHeaders(auth AuthSpec) (map[string]string, error) {
	switch auth.Type {
	case AuthTypeNone, "":
		return map[string]string{}, nil
	case AuthTypeBearer:
		token := f.resolveSecret(auth.Token)
		if token == "" {
			return nil, errValidation("bearer auth token is empty", nil)
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	case AuthTypeBasic:
		user := f.resolveSecret(auth.Username)
		pass := f.resolveSecret(auth.Password)
		if user == "" || pass == "" {
			return nil, errValidation("basic auth credentials are empty", nil)
		}
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		return map[string]string{"Authorization": "Basic " + cred}, nil
	case AuthTypeHeader:
		name := strings.TrimSpace(auth.HeaderName)
		value := f.resolveSecret(auth.HeaderValue)
		if name == "" || value == "" {
			return nil, errValidation("header auth name or value is empty", nil)
		}
		return map[string]string{name: value}, nil
	default:
		return nil, errValidation(fmt.Sprintf("unknown auth type: %s", auth.Type), nil)
	}
}

func (f *Fetcher) resolveSecret(v string) string {
	v = strings.TrimSpace(v)
	if !isEnvPlaceholder(v) {
		return v
	}
	name := strings.TrimSuffix(strings.TrimPrefix(v, "{{"), "}}")
	resolved := getenv(name)
	if resolved == "" {
		f.log.Warn("marketplace: env placeholder resolves to empty value", "var", name)
	}
	return resolved
}

// getenv is split out so tests can pin the environment.
var getenv = os.Getenv

func escapeURLPath(v string) string {
	parts := strings.Split(strings.Trim(v, "/"), "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, url.PathEscape(part))
	}
	return strings.Join(out, "/")
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
