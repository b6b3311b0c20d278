package schema

import (
	"sort"
	"sync"

	"github.com/skein-dev/skein/errors"
)

// Registry resolves entity type names to their descriptors. Types register
// at startup; lookups are concurrent-safe.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*EntityType
}

// NewRegistry creates an empty entity type registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*EntityType)}
}

// Register resolves and stores an entity type descriptor. Field columns are
// derived here: relation fields store into "<name>_id", everything else into
// the field name itself.
func (r *Registry) Register(et *EntityType) error {
	if et.Name == "" || et.Table == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "entity type needs a name and a table")
	}
	if et.IDColumn == "" {
		et.IDColumn = "id"
	}

	et.byName = make(map[string]*Field, len(et.Fields))
	for i := range et.Fields {
		f := &et.Fields[i]
		if f.Name == "" {
			return errors.Wrapf(errors.ErrInvalidRequest, "entity type %q has an unnamed field", et.Name)
		}
		if f.Relation != "" {
			f.column = f.Name + "_id"
			f.Kind = KindInt
		} else {
			f.column = f.Name
		}
		if _, dup := et.byName[f.Name]; dup {
			return errors.Wrapf(errors.ErrInvalidRequest,
				"entity type %q declares field %q twice", et.Name, f.Name)
		}
		et.byName[f.Name] = f
		if f.column != f.Name {
			et.byName[f.column] = f
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[et.Name]; dup {
		return errors.Wrapf(errors.ErrConflict, "entity type %q already registered", et.Name)
	}
	r.types[et.Name] = et
	return nil
}

// Get returns the descriptor for a registered entity type
func (r *Registry) Get(name string) (*EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.types[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrEntityTypeUnknown, "%q", name)
	}
	return et, nil
}

// Names lists the registered entity type names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
