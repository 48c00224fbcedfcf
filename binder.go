package x402gate

import (
	"regexp"
	"strings"
	"sync"
)

// Terms are the per-resource overrides a binder can apply on top of the
// engine-wide payment defaults. Zero fields inherit the default.
type Terms struct {
	Amount      string // smallest-unit integer string
	Currency    string
	Description string
}

// merge returns t with zero fields filled from defaults.
func (t Terms) merge(defaults Terms) Terms {
	if t.Amount == "" {
		t.Amount = defaults.Amount
	}
	if t.Currency == "" {
		t.Currency = defaults.Currency
	}
	if t.Description == "" {
		t.Description = defaults.Description
	}
	return t
}

// ResourceBinder maps request paths to payment terms. Patterns are globs:
// `*` matches any run of non-separator characters, `**` matches any run
// including separators. Lookup returns the first registered pattern that
// matches; registration is idempotent per pattern (last write wins).
//
// Constructed once at startup and passed by reference; there is no
// process-wide registry.
type ResourceBinder struct {
	mu       sync.RWMutex
	patterns []string
	terms    map[string]Terms
	compiled map[string]*regexp.Regexp
}

// NewResourceBinder creates an empty binder.
func NewResourceBinder() *ResourceBinder {
	return &ResourceBinder{
		terms:    make(map[string]Terms),
		compiled: make(map[string]*regexp.Regexp),
	}
}

// Bind registers terms for a glob pattern. Re-binding an existing pattern
// replaces its terms but keeps its original position in match order.
func (b *ResourceBinder) Bind(pattern string, t Terms) *ResourceBinder {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.terms[pattern]; !exists {
		b.patterns = append(b.patterns, pattern)
		b.compiled[pattern] = compileGlob(pattern)
	}
	b.terms[pattern] = t
	return b
}

// Resolve returns the terms for a path, and whether any pattern matched.
func (b *ResourceBinder) Resolve(path string) (Terms, bool) {
	normalized := NormalizePath(path)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, pattern := range b.patterns {
		if b.compiled[pattern].MatchString(normalized) {
			return b.terms[pattern], true
		}
	}
	return Terms{}, false
}

// NormalizePath canonicalizes a request path for matching: strips query
// and fragment, and the trailing slash except on the root path.
func NormalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// MatchGlob reports whether a normalized path matches a glob pattern.
func MatchGlob(pattern, path string) bool {
	return compileGlob(pattern).MatchString(NormalizePath(path))
}

// compileGlob translates a glob into an anchored regexp. `**` is replaced
// before `*` so the single-star rule cannot consume half of a double star.
func compileGlob(pattern string) *regexp.Regexp {
	const doubleStar = "\x00"
	escaped := strings.ReplaceAll(pattern, "**", doubleStar)
	escaped = regexp.QuoteMeta(escaped)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^/]*`)
	escaped = strings.ReplaceAll(escaped, doubleStar, `.*`)
	return regexp.MustCompile("^" + escaped + "$")
}
