package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds remediation policies keyed by ID.
type Registry struct {
	mu           sync.RWMutex
	remediations map[string]Remediation
}

// NewRegistry creates a registry with the default log remediation.
func NewRegistry(logger *zap.Logger) *Registry {
	r := NewRegistryWithRemediations()
	r.Register(NewLogRemediation(logger))
	return r
}

// NewRegistryWithRemediations creates a registry with custom remediations (for testing).
func NewRegistryWithRemediations(remediations ...Remediation) *Registry {
	r := &Registry{
		remediations: make(map[string]Remediation),
	}
	for _, rem := range remediations {
		r.Register(rem)
	}
	return r
}

// Register adds a remediation, replacing any with the same ID.
func (r *Registry) Register(rem Remediation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remediations[rem.ID()] = rem
}

// Get returns a remediation by ID.
func (r *Registry) Get(id string) (Remediation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rem, ok := r.remediations[id]
	return rem, ok
}

// List returns all remediation IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.remediations))
	for id := range r.remediations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyAll runs every remediation in ID order. A failing remediation does
// not stop the others; all failures are returned together.
func (r *Registry) ApplyAll(ctx context.Context, reason string) map[string]error {
	failures := make(map[string]error)
	for _, id := range r.List() {
		rem, ok := r.Get(id)
		if !ok {
			continue
		}
		if err := rem.Apply(ctx, reason); err != nil {
			failures[id] = fmt.Errorf("remediation %s: %w", id, err)
		}
	}
	return failures
}
