// Package rule holds the immutable routing rules consumed by the pipeline:
// per-rule upstream target and retry policy, plus per-path circuit breaker
// settings. Rules are shared read-only across all concurrent requests.
package rule

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// BreakerConfig is the per-path circuit breaker tuple: isolated pool size,
// hard timeout, and the pre-built fallback served when the breaker trips.
// Lookup is by exact path equality against the request path.
type BreakerConfig struct {
	Path          string
	MaxConcurrent int
	Timeout       time.Duration

	FallbackStatus int
	FallbackBody   []byte

	// Failure-rate trip settings.
	WindowSize       int
	FailureThreshold float64
	ResetTimeout     time.Duration
	HalfOpenMax      int
}

// Fallback materializes the pre-configured fallback response.
func (b *BreakerConfig) Fallback() (status int, header http.Header, body []byte) {
	header = make(http.Header)
	header.Set("Content-Type", "application/json")
	return b.FallbackStatus, header, b.FallbackBody
}

// Rule is one immutable routing rule: a path-prefix match, an already-resolved
// upstream target, a retry bound, and optional breaker configs.
type Rule struct {
	ID         string
	PathPrefix string
	Backend    string
	MaxRetries int

	breakers map[string]*BreakerConfig
}

// New builds a rule. Breaker configs are indexed by their exact path.
func New(id, pathPrefix, backend string, maxRetries int, breakers []*BreakerConfig) *Rule {
	idx := make(map[string]*BreakerConfig, len(breakers))
	for _, b := range breakers {
		idx[b.Path] = b
	}
	return &Rule{
		ID:         id,
		PathPrefix: pathPrefix,
		Backend:    backend,
		MaxRetries: maxRetries,
		breakers:   idx,
	}
}

// BreakerFor returns the breaker config whose path exactly equals path.
// Prefix matches do not count; a request to /api/users/1 is not governed by a
// breaker configured for /api/users.
func (r *Rule) BreakerFor(path string) (*BreakerConfig, bool) {
	b, ok := r.breakers[path]
	return b, ok
}

// Breakers returns all breaker configs of this rule.
func (r *Rule) Breakers() []*BreakerConfig {
	out := make([]*BreakerConfig, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}

// Table matches inbound request paths to rules. Rules are sorted by prefix
// length (longest first) so the most specific rule wins.
type Table struct {
	rules []*Rule
}

// NewTable builds a match table from the given rules.
func NewTable(rules []*Rule) *Table {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &Table{rules: sorted}
}

// Match returns the rule governing path, if any.
func (t *Table) Match(path string) (*Rule, bool) {
	for _, r := range t.rules {
		if MatchesPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return nil, false
}

// Rules returns the rules in match order.
func (t *Table) Rules() []*Rule { return t.rules }

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}
