package extractor

import (
	"context"

	"github.com/jmylchreest/distil/internal/models"
)

// DomainAdapter is a site-specific extractor (marketplace listings, docs
// portals). When one claims a URL and returns a confident candidate the
// distiller uses it directly and skips the ensemble.
type DomainAdapter interface {
	Name() string
	CanHandle(pageURL string) bool
	Extract(ctx context.Context, markup, pageURL string) (*models.Candidate, error)
}

// AdapterRegistry holds domain adapters in registration order; the first
// adapter that claims a URL wins.
type AdapterRegistry struct {
	adapters []DomainAdapter
}

// NewAdapterRegistry creates an adapter registry.
func NewAdapterRegistry(adapters ...DomainAdapter) *AdapterRegistry {
	return &AdapterRegistry{adapters: adapters}
}

// Register appends an adapter.
func (r *AdapterRegistry) Register(a DomainAdapter) {
	r.adapters = append(r.adapters, a)
}

// Match returns the first adapter claiming the URL, or nil.
func (r *AdapterRegistry) Match(pageURL string) DomainAdapter {
	for _, a := range r.adapters {
		if a.CanHandle(pageURL) {
			return a
		}
	}
	return nil
}
