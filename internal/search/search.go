// Package search backs the web_search tool. Providers are registered on a
// [Manager] in preference order; a query goes to the first provider and
// falls through to the next one when a provider errors.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultCount is the number of results returned when a query does not
// ask for a specific count.
const DefaultCount = 5

// MaxCount caps the results any single query may request.
const MaxCount = 10

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options narrow a query.
type Options struct {
	Count    int    `json:"count,omitempty"`
	Language string `json:"language,omitempty"` // ISO 639-1
}

func (o Options) count() int {
	switch {
	case o.Count <= 0:
		return DefaultCount
	case o.Count > MaxCount:
		return MaxCount
	}
	return o.Count
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ErrNoProviders is returned when a search is attempted with nothing
// registered.
var ErrNoProviders = errors.New("no search provider configured")

// Manager routes queries to registered providers.
type Manager struct {
	order     []string
	providers map[string]Provider
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register adds p. The first registered provider is the primary one.
// Registering a name twice replaces the earlier provider in place.
func (m *Manager) Register(p Provider) {
	if _, ok := m.providers[p.Name()]; !ok {
		m.order = append(m.order, p.Name())
	}
	m.providers[p.Name()] = p
}

// Providers returns provider names in preference order.
func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

// Configured reports whether any provider is registered.
func (m *Manager) Configured() bool { return len(m.order) > 0 }

// Search runs query against the providers in order and returns the first
// successful answer. When every provider fails the errors are joined.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if len(m.order) == 0 {
		return nil, ErrNoProviders
	}
	var errs []error
	for _, name := range m.order {
		results, err := m.providers[name].Search(ctx, query, opts)
		if err == nil {
			return truncate(results, opts.count()), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// SearchWith runs query against one named provider, without fallback.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return truncate(results, opts.count()), nil
}

func truncate(results []Result, n int) []Result {
	if len(results) > n {
		return results[:n]
	}
	return results
}

// FormatResults renders results as a numbered plain-text list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(r.Snippet)
		}
	}
	return b.String()
}
