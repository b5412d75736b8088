package knowledge

import (
	"context"
	"sort"
	"sync"
)

// Base describes one registered knowledge base.
type Base struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ResultCount     int    `json:"result_count"`
	SemanticProfile string `json:"semantic_profile"`
}

// Registry maps knowledge-base ids to their settings and answers
// searches against the shared index.
type Registry struct {
	mu    sync.RWMutex
	bases map[string]Base
	index *Store
}

// NewRegistry creates a registry over index.
func NewRegistry(index *Store, bases ...Base) *Registry {
	r := &Registry{bases: make(map[string]Base), index: index}
	for _, b := range bases {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a knowledge base. Zero values take defaults.
func (r *Registry) Register(b Base) {
	if b.ResultCount <= 0 {
		b.ResultCount = 5
	}
	if b.SemanticProfile == "" {
		b.SemanticProfile = ProfileDefault
	}
	if b.Name == "" {
		b.Name = b.ID
	}
	r.mu.Lock()
	r.bases[b.ID] = b
	r.mu.Unlock()
}

// Lookup returns the knowledge base registered under id.
func (r *Registry) Lookup(id string) (Base, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bases[id]
	return b, ok
}

// List returns registered bases sorted by id.
func (r *Registry) List() []Base {
	r.mu.RLock()
	out := make([]Base, 0, len(r.bases))
	for _, b := range r.bases {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search queries the index with the base's configured count and profile.
// The caller must have checked that b is registered.
func (r *Registry) Search(ctx context.Context, b Base, query string) ([]Document, error) {
	return r.index.Search(ctx, b.ID, query, SearchOptions{
		Count:   b.ResultCount,
		Profile: b.SemanticProfile,
	})
}

// SearchAll queries every registered base and concatenates the results
// in id order, each base contributing at most its configured count.
func (r *Registry) SearchAll(ctx context.Context, query string) ([]Document, error) {
	var all []Document
	for _, b := range r.List() {
		docs, err := r.Search(ctx, b, query)
		if err != nil {
			return nil, err
		}
		all = append(all, docs...)
	}
	return all, nil
}
