// Package registry associates trackable entity types with their derived
// history record schemas and answers trackedness queries for the rest of the
// engine.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/openatlas/trail/internal/domain"
)

type registration struct {
	entityType domain.EntityType
	options    domain.TrackOptions
	history    domain.HistorySchema
}

// DependentRef identifies a tracked type holding a reference field pointing
// at another type, used to walk cascade relationships.
type DependentRef struct {
	EntityType string
	Field      string
}

// Registry maps entity type names to their registrations. Registration
// happens once at startup; lookups are concurrency-safe afterwards.
type Registry struct {
	mu sync.RWMutex
	// tracked holds types registered for history.
	tracked map[string]*registration
	// declared holds known-but-untracked types, needed so hierarchy and
	// reference questions can be answered about them.
	declared map[string]domain.EntityType
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tracked:  map[string]*registration{},
		declared: map[string]domain.EntityType{},
	}
}

// Declare makes an untracked entity type known to the registry so it can
// participate in hierarchies and as a reference target. Declaring an already
// tracked type is a no-op.
func (r *Registry) Declare(et domain.EntityType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[et.Name]; ok {
		return
	}
	r.declared[et.Name] = et.Clone()
}

// Register declares that an entity type is tracked and derives its history
// record schema. Re-registration with an identical definition and options is
// a no-op; a conflicting re-registration fails.
func (r *Registry) Register(et domain.EntityType, opts domain.TrackOptions) error {
	if et.Name == "" {
		return fmt.Errorf("register entity type: name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tracked[et.Name]; ok {
		if existing.options == opts && reflect.DeepEqual(existing.entityType, et.Clone()) {
			return nil
		}
		return fmt.Errorf("register %s: %w", et.Name, domain.ErrAlreadyRegistered)
	}

	delete(r.declared, et.Name)
	r.tracked[et.Name] = &registration{
		entityType: et.Clone(),
		options:    opts,
	}

	// Reference targets registered later still need to be reflected in
	// earlier registrations, so every schema is re-derived.
	for _, reg := range r.tracked {
		reg.history = domain.DeriveHistorySchema(reg.entityType, r.isTrackedLocked, reg.options)
	}
	return nil
}

// IsTracked reports whether the named type records history, either directly
// or through a tracked ancestor in its hierarchy.
func (r *Registry) IsTracked(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isTrackedLocked(entityType)
}

// IsDirectlyTracked reports whether the named type itself registered for
// tracking, as opposed to inheriting trackedness from a supertype. Only a
// directly tracked type owns history rows of its own.
func (r *Registry) IsDirectlyTracked(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tracked[entityType]
	return ok
}

// TrackedType resolves the directly tracked type responsible for history
// rows of the named type: the type itself when directly tracked, otherwise
// the nearest tracked ancestor.
func (r *Registry) TrackedType(entityType string) (domain.EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := entityType
	for name != "" {
		if reg, ok := r.tracked[name]; ok {
			return reg.entityType.Clone(), nil
		}
		declared, ok := r.declared[name]
		if !ok {
			break
		}
		name = declared.Extends
	}
	return domain.EntityType{}, fmt.Errorf("%s: %w", entityType, domain.ErrNotTracked)
}

// EntityType returns the registered or declared definition of the named type.
func (r *Registry) EntityType(name string) (domain.EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.tracked[name]; ok {
		return reg.entityType.Clone(), nil
	}
	if declared, ok := r.declared[name]; ok {
		return declared.Clone(), nil
	}
	return domain.EntityType{}, fmt.Errorf("%s: %w", name, domain.ErrNotTracked)
}

// HistorySchema returns the derived history record schema of a directly
// tracked type.
func (r *Registry) HistorySchema(entityType string) (domain.HistorySchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tracked[entityType]
	if !ok {
		return domain.HistorySchema{}, fmt.Errorf("%s: %w", entityType, domain.ErrNotTracked)
	}
	return reg.history, nil
}

// Options returns the bookkeeping options of a directly tracked type.
func (r *Registry) Options(entityType string) (domain.TrackOptions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tracked[entityType]
	if !ok {
		return domain.TrackOptions{}, fmt.Errorf("%s: %w", entityType, domain.ErrNotTracked)
	}
	return reg.options, nil
}

// Dependents returns, in deterministic order, every tracked type holding a
// single-reference field pointing at the named type. Cascade deletes and
// cascade reverts walk this set.
func (r *Registry) Dependents(entityType string) []DependentRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var deps []DependentRef
	for name, reg := range r.tracked {
		for _, field := range reg.entityType.ReferenceFields() {
			if field.ReferenceEntityType == entityType {
				deps = append(deps, DependentRef{EntityType: name, Field: field.Name})
			}
		}
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].EntityType != deps[j].EntityType {
			return deps[i].EntityType < deps[j].EntityType
		}
		return deps[i].Field < deps[j].Field
	})
	return deps
}

// TrackedTypes returns the names of all directly tracked types, sorted.
func (r *Registry) TrackedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tracked))
	for name := range r.tracked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) isTrackedLocked(entityType string) bool {
	name := entityType
	for name != "" {
		if _, ok := r.tracked[name]; ok {
			return true
		}
		declared, ok := r.declared[name]
		if !ok {
			return false
		}
		name = declared.Extends
	}
	return false
}
