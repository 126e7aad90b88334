package models

import (
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// Factory builds a model from a decoded remote payload.
type Factory func(data map[string]interface{}) (SyncModel, error)

// Descriptor describes a registered model type.
type Descriptor struct {
	ModelType string
	Endpoint  string
	Factory   Factory
}

// Registry maps model types to their descriptors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Descriptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Descriptor)}
}

// Register adds or replaces the descriptor for modelType.
func (r *Registry) Register(modelType, endpoint string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[modelType] = Descriptor{ModelType: modelType, Endpoint: endpoint, Factory: factory}
}

// Lookup returns the descriptor for modelType.
func (r *Registry) Lookup(modelType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[modelType]
	return d, ok
}

// Decode builds a model of modelType from data.
func (r *Registry) Decode(modelType string, data map[string]interface{}) (SyncModel, error) {
	d, ok := r.Lookup(modelType)
	if !ok || d.Factory == nil {
		return nil, FactoryMissing(modelType)
	}
	m, err := d.Factory(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedResponse, "decode "+modelType, err)
	}
	return m, nil
}

// Types returns the registered model types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// FactoryMissing returns the error reported for an unregistered model type.
func FactoryMissing(modelType string) error {
	return apperrors.Newf(apperrors.ErrFactoryMissing, "no factory registered for model type %q", modelType)
}
