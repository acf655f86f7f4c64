// Package registry holds validated workflow definitions in memory.
//
// Stored definitions are owned by the registry: Register keeps a deep copy and
// every read returns a fresh deep copy, so no caller can mutate what another
// caller observes.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rendis/stepflow/pkg/schema"
)

// Validator checks a definition before registration.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// DefinitionSummary is a listing view of a registered definition.
type DefinitionSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Description  string    `json:"description,omitempty"`
	EntryPoint   string    `json:"entryPoint"`
	StepCount    int       `json:"stepCount"`
	Fingerprint  string    `json:"fingerprint"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type entry struct {
	def          *schema.WorkflowDefinition
	fingerprint  string
	registeredAt time.Time
}

// Registry is a thread-safe in-memory store of workflow definitions.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]*entry
	validator Validator
	now       func() time.Time
}

// New creates an empty Registry. A nil validator accepts every definition.
func New(validator Validator) *Registry {
	return &Registry{
		defs:      make(map[string]*entry),
		validator: validator,
		now:       time.Now,
	}
}

// Register validates def and stores a deep copy. Validation failures return a
// VALIDATION_ERROR carrying every message; an existing id returns CONFLICT.
// Nothing is stored on failure.
func (r *Registry) Register(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if r.validator != nil {
		if err := r.validator.ValidateDefinition(def); err != nil {
			return err
		}
	}

	stored := def.Clone()
	fp, err := Fingerprint(stored)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[stored.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "duplicate id: workflow %q is already registered", stored.ID).
			WithDetails(map[string]any{"definition_id": stored.ID})
	}

	r.defs[stored.ID] = &entry{def: stored, fingerprint: fp, registeredAt: r.now().UTC()}
	return nil
}

// GetDefinition returns a deep copy of the definition, or nil when unknown.
func (r *Registry) GetDefinition(id string) *schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.defs[id]
	if !ok {
		return nil
	}
	return e.def.Clone()
}

// ListDefinitions returns deep copies of every definition, sorted by id.
func (r *Registry) ListDefinitions() []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*schema.WorkflowDefinition, 0, len(r.defs))
	for _, e := range r.defs {
		out = append(out, e.def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unregister removes a definition and reports whether it existed. Running
// instances keep the copy they were started with.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[id]; !ok {
		return false
	}
	delete(r.defs, id)
	return true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// FingerprintOf returns the stored fingerprint for id.
func (r *Registry) FingerprintOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.defs[id]
	if !ok {
		return "", false
	}
	return e.fingerprint, true
}

// Summaries lists registered definitions without their step graphs.
func (r *Registry) Summaries() []DefinitionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DefinitionSummary, 0, len(r.defs))
	for _, e := range r.defs {
		out = append(out, DefinitionSummary{
			ID:           e.def.ID,
			Name:         e.def.Name,
			Version:      e.def.Version,
			Description:  e.def.Description,
			EntryPoint:   e.def.EntryPoint,
			StepCount:    len(e.def.Steps),
			Fingerprint:  e.fingerprint,
			RegisteredAt: e.registeredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fingerprint returns a stable content hash of def's JSON form.
func Fingerprint(def *schema.WorkflowDefinition) (string, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "definition is not JSON-serializable").WithCause(err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw)), nil
}
