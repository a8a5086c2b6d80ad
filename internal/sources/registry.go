// Package sources resolves per-source scrapers and drives scrape runs.
package sources

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

// Factory builds the scraper for one source.
type Factory func() (harvest.Scraper, error)

// Registry maps source values to factories and caches the built scrapers.
type Registry struct {
	mu        sync.Mutex
	factories map[harvest.Source]Factory
	cache     map[harvest.Source]harvest.Scraper
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[harvest.Source]Factory),
		cache:     make(map[harvest.Source]harvest.Scraper),
	}
}

// Register binds a factory to src, replacing any cached instance.
func (r *Registry) Register(src harvest.Source, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[src] = f
	delete(r.cache, src)
}

// Resolve returns the cached scraper for src, building it on first use.
func (r *Registry) Resolve(src harvest.Source) (harvest.Scraper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.cache[src]; ok {
		return s, nil
	}
	f, ok := r.factories[src]
	if !ok {
		return nil, &harvest.ValidationError{Field: "source", Reason: fmt.Sprintf("unsupported source %q", src)}
	}
	s, err := f()
	if err != nil {
		return nil, fmt.Errorf("build %s scraper: %w", src, err)
	}
	r.cache[src] = s
	return s, nil
}

// Sources lists the registered source values in stable order.
func (r *Registry) Sources() []harvest.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]harvest.Source, 0, len(r.factories))
	for src := range r.factories {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Supports reports whether src can be run, counting SourceAll.
func (r *Registry) Supports(src harvest.Source) bool {
	if src == harvest.SourceAll {
		return len(r.Sources()) > 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[src]
	return ok
}
