package track

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownContentType indicates a lookup for a type that was never registered.
	ErrUnknownContentType = errors.New("track: unknown content type")
	// ErrInvalidContentType indicates a registration with missing or conflicting fields.
	ErrInvalidContentType = errors.New("track: invalid content type")
)

// ContentType describes one tracked table: its stable identifier, the table
// name, the primary-key column, the serializable columns, outgoing foreign-key
// edges and unique constraints in declared order.
type ContentType struct {
	ID          string
	Table       string
	PKColumn    string
	Columns     []Column
	ForeignKeys []ForeignKey
	Uniques     [][]string

	// Model is an optional prototype struct handed to AutoMigrate by
	// CreateAll. Synchronization itself only uses the declared columns.
	Model any
}

// Column returns the declared column with the given name.
func (ct ContentType) Column(name string) (Column, bool) {
	for _, col := range ct.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Registry maps content type identifiers to their descriptions. It is
// populated during startup, before CreateAll, and is read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]ContentType
	byTable map[string]string
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]ContentType),
		byTable: make(map[string]string),
	}
}

// Register adds a content type. Registration is idempotent: registering the
// same identifier twice with the same table is a no-op.
func (r *Registry) Register(ct ContentType) error {
	if ct.ID == "" || ct.Table == "" || ct.PKColumn == "" {
		return fmt.Errorf("%w: id, table and pk column are required", ErrInvalidContentType)
	}
	if _, ok := ct.Column(ct.PKColumn); !ok {
		return fmt.Errorf("%w: pk column %q is not declared for %q", ErrInvalidContentType, ct.PKColumn, ct.ID)
	}
	for _, fk := range ct.ForeignKeys {
		if _, ok := ct.Column(fk.Column); !ok {
			return fmt.Errorf("%w: foreign key column %q is not declared for %q", ErrInvalidContentType, fk.Column, ct.ID)
		}
	}
	for _, constraint := range ct.Uniques {
		if len(constraint) == 0 {
			return fmt.Errorf("%w: empty unique constraint on %q", ErrInvalidContentType, ct.ID)
		}
		for _, name := range constraint {
			if _, ok := ct.Column(name); !ok {
				return fmt.Errorf("%w: unique column %q is not declared for %q", ErrInvalidContentType, name, ct.ID)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[ct.ID]; ok {
		if existing.Table != ct.Table {
			return fmt.Errorf("%w: %q already registered for table %q", ErrInvalidContentType, ct.ID, existing.Table)
		}
		return nil
	}
	if other, ok := r.byTable[ct.Table]; ok {
		return fmt.Errorf("%w: table %q already registered as %q", ErrInvalidContentType, ct.Table, other)
	}
	r.byID[ct.ID] = ct
	r.byTable[ct.Table] = ct.ID
	r.order = append(r.order, ct.ID)
	return nil
}

// ByID looks a content type up by its identifier.
func (r *Registry) ByID(id string) (ContentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.byID[id]
	return ct, ok
}

// ByTable looks a content type up by its table name.
func (r *Registry) ByTable(table string) (ContentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTable[table]
	if !ok {
		return ContentType{}, false
	}
	return r.byID[id], true
}

// Types returns all registered content types in declaration order.
func (r *Registry) Types() []ContentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]ContentType, 0, len(r.order))
	for _, id := range r.order {
		types = append(types, r.byID[id])
	}
	return types
}

// Referencing returns the content types holding a foreign key pointing at the
// given type, together with the referring columns.
func (r *Registry) Referencing(typeID string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	edges := make(map[string][]string)
	for _, id := range r.order {
		for _, fk := range r.byID[id].ForeignKeys {
			if fk.RefType == typeID {
				edges[id] = append(edges[id], fk.Column)
			}
		}
	}
	return edges
}
