// Package classify maps requests to route categories
package classify

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/iTrooz/strategy-cache-proxy/internal/config"
)

// Category is the route category of a request
type Category int

const (
	// Excluded requests are never intercepted
	Excluded Category = iota
	StaticAsset
	Image
	Page
	Other
)

func (c Category) String() string {
	switch c {
	case Excluded:
		return "excluded"
	case StaticAsset:
		return "static-asset"
	case Image:
		return "image"
	case Page:
		return "page"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// Rule matches a request URL
type Rule interface {
	Match(u *url.URL) bool
}

// PathPrefix matches paths starting with the prefix
type PathPrefix string

func (p PathPrefix) Match(u *url.URL) bool {
	return strings.HasPrefix(u.Path, string(p))
}

// PathSegment matches paths containing the segment anywhere
type PathSegment string

func (p PathSegment) Match(u *url.URL) bool {
	return strings.Contains(u.Path, string(p))
}

// Extensions matches paths whose final extension is in the set (case-insensitive)
type Extensions map[string]struct{}

// NewExtensions builds an extension set. A leading dot is optional.
func NewExtensions(exts ...string) Extensions {
	set := make(Extensions, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return set
}

func (e Extensions) Match(u *url.URL) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	_, ok := e[ext]
	return ok
}

// HostContains matches a host whose path contains one of the substrings
type HostContains struct {
	Host       string
	Substrings []string
}

func (h HostContains) Match(u *url.URL) bool {
	if !strings.EqualFold(u.Hostname(), h.Host) {
		return false
	}
	for _, s := range h.Substrings {
		if strings.Contains(u.Path, s) {
			return true
		}
	}
	return false
}

type tableRule struct {
	Rule
	category Category
}

// Table is an ordered list of rules; the first match decides the category
type Table struct {
	rules []tableRule
}

// cdnSubstrings are the path fragments marking a static asset on a CDN host
var cdnSubstrings = []string{".css", ".js"}

// NewTable builds the classification table from configuration.
// Order: exclusions, static assets, images.
func NewTable(cfg config.RoutesConfig) *Table {
	t := &Table{}
	for _, p := range cfg.ExcludedPrefixes {
		t.Add(PathPrefix(p), Excluded)
	}
	for _, s := range cfg.ExcludedSegments {
		t.Add(PathSegment(s), Excluded)
	}
	if len(cfg.ExcludedExtensions) > 0 {
		t.Add(NewExtensions(cfg.ExcludedExtensions...), Excluded)
	}
	if len(cfg.StaticExtensions) > 0 {
		t.Add(NewExtensions(cfg.StaticExtensions...), StaticAsset)
	}
	for _, host := range cfg.StaticHosts {
		t.Add(HostContains{Host: host, Substrings: cdnSubstrings}, StaticAsset)
	}
	if len(cfg.ImageExtensions) > 0 {
		t.Add(NewExtensions(cfg.ImageExtensions...), Image)
	}
	return t
}

// Add appends a rule to the table
func (t *Table) Add(rule Rule, category Category) {
	t.rules = append(t.rules, tableRule{Rule: rule, category: category})
}

// Classify returns the route category of a request.
// Non-GET requests are always excluded; requests matching no rule are pages
// when they accept HTML and other otherwise.
func (t *Table) Classify(method string, u *url.URL, accept string) Category {
	if method != http.MethodGet {
		return Excluded
	}
	for _, r := range t.rules {
		if r.Match(u) {
			return r.category
		}
	}
	if AcceptsHTML(accept) {
		return Page
	}
	return Other
}

// AcceptsHTML reports whether an Accept header value asks for HTML
func AcceptsHTML(accept string) bool {
	return strings.Contains(accept, "text/html")
}
