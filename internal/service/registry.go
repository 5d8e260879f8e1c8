package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mucan54/remoteql/internal/qerr"
)

// Handler executes one remote-callable method with already-deserialized
// arguments.
type Handler func(ctx context.Context, args []any) (any, error)

// Method declares one remote-callable method: its handler plus the
// accepted argument arity. MaxArgs of -1 means unbounded.
type Method struct {
	Handler Handler
	MinArgs int
	MaxArgs int
}

// Descriptor declares one registered service. The Methods map doubles as
// the service's remote-callable list: a method absent from it cannot be
// invoked regardless of class-level whitelisting. Handlers are constructed
// at registration time, which is where dependency injection happens.
type Descriptor struct {
	Name      string // short name, e.g. "PaymentService"
	Qualified string // namespaced name, e.g. "services.PaymentService"
	Methods   map[string]Method
}

// Registry is the explicit replacement for runtime service discovery:
// every callable service and method is declared here at startup.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]*Descriptor
	byQualified map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byName:      make(map[string]*Descriptor),
		byQualified: make(map[string]*Descriptor),
	}
}

func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if d.Qualified == "" {
		d.Qualified = d.Name
	}
	if len(d.Methods) == 0 {
		return fmt.Errorf("service %q declares no remote-callable methods", d.Name)
	}
	for name, method := range d.Methods {
		if method.Handler == nil {
			return fmt.Errorf("service %q method %q has no handler", d.Name, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("service %q already registered", d.Name)
	}
	r.byName[d.Name] = &d
	r.byQualified[d.Qualified] = &d
	return nil
}

// Resolve finds a service by short or qualified name, trying each
// configured namespace prefix for short names.
func (r *Registry) Resolve(name string, namespaces []string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.Contains(name, ".") {
		if d, ok := r.byQualified[name]; ok {
			return d, nil
		}
		return nil, qerr.New(qerr.KindNotFound, "service %q could not be resolved", name)
	}
	if d, ok := r.byName[name]; ok {
		return d, nil
	}
	for _, ns := range namespaces {
		if d, ok := r.byQualified[ns+"."+name]; ok {
			return d, nil
		}
	}
	return nil, qerr.New(qerr.KindNotFound, "service %q could not be resolved", name)
}
