package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mucan54/remoteql/internal/qerr"
)

// Relation declares how one entity references another. Keys name row
// fields: "id" addresses the row identifier, anything else addresses a
// property.
type Relation struct {
	Name       string
	Entity     string // related entity name
	LocalKey   string // key on the owning row; defaults to "id" for Many, "<name>_id" otherwise
	ForeignKey string // key on the related row; defaults to "<owner>_id" for Many, "id" otherwise
	Many       bool
}

// Entity describes one remotely queryable entity type. The registry is the
// explicit replacement for runtime model discovery: every entity the server
// can touch is declared here at startup.
type Entity struct {
	Name      string // short name, e.g. "Post"
	Qualified string // namespaced name, e.g. "models.Post"
	Type      string // entity_type value in the backing store
	Queryable bool   // capability marker consumed by the marker strategy
	Relations []Relation
}

// Relation looks up a declared relation by name.
func (e *Entity) Relation(name string) (Relation, bool) {
	for _, rel := range e.Relations {
		if rel.Name == name {
			return rel, true
		}
	}
	return Relation{}, false
}

// Registry maps entity names to their declarations. Registration happens at
// startup; lookups are concurrency-safe afterwards.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]*Entity
	byQualified map[string]*Entity
}

func New() *Registry {
	return &Registry{
		byName:      make(map[string]*Entity),
		byQualified: make(map[string]*Entity),
	}
}

// Register adds an entity declaration, filling relation key defaults.
func (r *Registry) Register(e Entity) error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if e.Type == "" {
		e.Type = strings.ToLower(e.Name) + "s"
	}
	if e.Qualified == "" {
		e.Qualified = e.Name
	}
	for i := range e.Relations {
		rel := &e.Relations[i]
		if rel.Many {
			if rel.LocalKey == "" {
				rel.LocalKey = "id"
			}
			if rel.ForeignKey == "" {
				rel.ForeignKey = strings.ToLower(e.Name) + "_id"
			}
		} else {
			if rel.LocalKey == "" {
				rel.LocalKey = strings.ToLower(rel.Name) + "_id"
			}
			if rel.ForeignKey == "" {
				rel.ForeignKey = "id"
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[e.Name]; exists {
		return fmt.Errorf("entity %q already registered", e.Name)
	}
	r.byName[e.Name] = &e
	r.byQualified[e.Qualified] = &e
	return nil
}

// Resolve finds an entity by short or qualified name, trying each
// configured namespace prefix for short names.
func (r *Registry) Resolve(name string, namespaces []string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.Contains(name, ".") {
		if e, ok := r.byQualified[name]; ok {
			return e, nil
		}
		return nil, qerr.New(qerr.KindNotFound, "entity %q could not be resolved", name)
	}
	if e, ok := r.byName[name]; ok {
		return e, nil
	}
	for _, ns := range namespaces {
		if e, ok := r.byQualified[ns+"."+name]; ok {
			return e, nil
		}
	}
	return nil, qerr.New(qerr.KindNotFound, "entity %q could not be resolved", name)
}

// Names returns the registered short names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
