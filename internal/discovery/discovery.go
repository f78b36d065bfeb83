// Package discovery finds the HTTP endpoints a student application exposes.
package discovery

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/spachava753/flaskgrader/internal/runlog"
)

var (
	routeDecoratorRe = regexp.MustCompile(`@\w+\.route\(\s*['"]([^'"]*)['"]`)
	pathTokenRe      = regexp.MustCompile(`(/[\w/\-]+)`)
)

// IntrospectionPaths are conventional route-listing endpoints some apps expose.
var IntrospectionPaths = []string{"/routes", "/_routes", "/_all_routes"}

const maxBody = 1 << 20

// Static extracts route decorator paths from the given source files, in order
// of appearance.
func Static(root fs.FS, files []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range files {
		data, err := fs.ReadFile(root, f)
		if err != nil {
			continue
		}
		for _, m := range routeDecoratorRe.FindAllStringSubmatch(string(data), -1) {
			p := Normalize(m[1])
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Normalize strips scheme, host, query and fragment and enforces a leading
// slash. The empty path becomes "/".
func Normalize(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		if u, err := url.Parse(p); err == nil {
			p = u.Path
		}
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Merge concatenates static then dynamic paths, dropping duplicates by
// normalized form. "/" is always present and comes first when it had to be
// added.
func Merge(static, dynamic []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, list := range [][]string{static, dynamic} {
		for _, p := range list {
			n := Normalize(p)
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	if !seen["/"] {
		out = append([]string{"/"}, out...)
	}
	return out
}

// Discoverer queries a running application for endpoints.
type Discoverer struct {
	Client *http.Client
	Log    *runlog.Logger
}

// New returns a Discoverer using client for every request.
func New(client *http.Client, log *runlog.Logger) *Discoverer {
	return &Discoverer{Client: client, Log: log}
}

// Dynamic fetches the root page for internal links and tries each
// introspection path. Requests run concurrently; the result is sorted.
func (d *Discoverer) Dynamic(ctx context.Context, baseURL string) []string {
	baseURL = strings.TrimRight(baseURL, "/")
	slots := make([][]string, 1+len(IntrospectionPaths))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slots[0] = d.rootLinks(gctx, baseURL)
		return nil
	})
	for i, p := range IntrospectionPaths {
		g.Go(func() error {
			slots[i+1] = d.introspect(gctx, baseURL, p)
			return nil
		})
	}
	_ = g.Wait()

	seen := map[string]bool{}
	var out []string
	for _, s := range slots {
		for _, p := range s {
			n := Normalize(p)
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Discover merges Static over files with Dynamic against baseURL. An empty
// baseURL skips the dynamic pass.
func (d *Discoverer) Discover(ctx context.Context, root fs.FS, files []string, baseURL string) []string {
	static := Static(root, files)
	var dynamic []string
	if baseURL != "" {
		dynamic = d.Dynamic(ctx, baseURL)
	}
	merged := Merge(static, dynamic)
	d.Log.Info("discovered %d endpoint(s): %d static, %d dynamic", len(merged), len(static), len(dynamic))
	return merged
}

func (d *Discoverer) get(ctx context.Context, u string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		d.Log.HTTP("GET %s failed: %v", u, err)
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	d.Log.HTTP("GET %s -> %d", u, resp.StatusCode)
	return resp.StatusCode, body, err
}

func (d *Discoverer) rootLinks(ctx context.Context, baseURL string) []string {
	status, body, err := d.get(ctx, baseURL+"/")
	if err != nil || status >= 400 {
		return nil
	}
	return InternalLinks(string(body))
}

// InternalLinks returns href values that are site-relative paths.
func InternalLinks(doc string) []string {
	var out []string
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			_, hasAttr := z.TagName()
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "href" {
					v := string(val)
					if strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "//") {
						out = append(out, v)
					}
				}
			}
		}
	}
}

func (d *Discoverer) introspect(ctx context.Context, baseURL, p string) []string {
	status, body, err := d.get(ctx, baseURL+p)
	if err != nil || status != http.StatusOK {
		return nil
	}
	return ParseRouteListing(body)
}

// ParseRouteListing reads a route listing as a JSON list (of strings, or of
// objects with a rule/path/url field), a JSON object keyed by path, or else
// free text containing path-like tokens.
func ParseRouteListing(body []byte) []string {
	var list []any
	if err := json.Unmarshal(body, &list); err == nil {
		var out []string
		for _, item := range list {
			switch v := item.(type) {
			case string:
				out = append(out, v)
			case map[string]any:
				for _, k := range []string{"rule", "path", "url", "route"} {
					if s, ok := v[k].(string); ok {
						out = append(out, s)
						break
					}
				}
			}
		}
		return out
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		out := make([]string, 0, len(obj))
		for k := range obj {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	return pathTokenRe.FindAllString(string(body), -1)
}
