package security

import (
	"strings"

	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/registry"
)

// Strategy selects how entities are admitted. Exactly one strategy applies
// per validator.
type Strategy string

const (
	// StrategyWhitelist admits only explicitly listed entities.
	// An empty list denies everything (fail closed).
	StrategyWhitelist Strategy = "whitelist"
	// StrategyBlacklist admits everything not explicitly blocked.
	// An empty list allows everything.
	StrategyBlacklist Strategy = "blacklist"
	// StrategyMarker admits entities declaring the remotely-queryable
	// capability in their registration.
	StrategyMarker Strategy = "marker"
)

// EntityValidator resolves entity names against configured namespaces and
// applies the configured admission strategy.
type EntityValidator struct {
	registry   *registry.Registry
	namespaces []string
	strategy   Strategy
	whitelist  []string
	blacklist  []string
}

type EntityValidatorConfig struct {
	Namespaces []string
	Strategy   Strategy
	Whitelist  []string // names, qualified names, or "ns.*" patterns
	Blacklist  []string
}

func NewEntityValidator(reg *registry.Registry, cfg EntityValidatorConfig) *EntityValidator {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyWhitelist
	}
	return &EntityValidator{
		registry:   reg,
		namespaces: cfg.Namespaces,
		strategy:   strategy,
		whitelist:  cfg.Whitelist,
		blacklist:  cfg.Blacklist,
	}
}

// Validate resolves the named entity and checks it against the strategy.
func (v *EntityValidator) Validate(name string) (*registry.Entity, error) {
	if name == "" {
		return nil, qerr.New(qerr.KindMalformed, "model name is required")
	}
	entity, err := v.registry.Resolve(name, v.namespaces)
	if err != nil {
		return nil, err
	}
	if entity.Type == "" {
		return nil, qerr.New(qerr.KindSecurity, "%q is not a queryable entity type", name)
	}

	switch v.strategy {
	case StrategyWhitelist:
		if !matchAny(v.whitelist, entity) {
			return nil, qerr.New(qerr.KindSecurity, "entity %q is not whitelisted for remote queries", name)
		}
	case StrategyBlacklist:
		if matchAny(v.blacklist, entity) {
			return nil, qerr.New(qerr.KindSecurity, "entity %q is blocked for remote queries", name)
		}
	case StrategyMarker:
		if !entity.Queryable {
			return nil, qerr.New(qerr.KindSecurity, "entity %q does not declare the remotely queryable capability", name)
		}
	default:
		return nil, qerr.New(qerr.KindSecurity, "unknown entity validation strategy %q", v.strategy)
	}
	return entity, nil
}

// matchAny reports whether any pattern matches the entity by short name,
// qualified name, or namespace wildcard ("ns.*"). An empty pattern list
// matches nothing, which makes the whitelist strategy fail closed.
func matchAny(patterns []string, entity *registry.Entity) bool {
	for _, pattern := range patterns {
		if pattern == entity.Name || pattern == entity.Qualified {
			return true
		}
		if strings.HasSuffix(pattern, ".*") &&
			strings.HasPrefix(entity.Qualified, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// ServicePolicy admits service classes by the same pattern rules as the
// entity whitelist. An empty list denies everything.
type ServicePolicy struct {
	Whitelist []string
}

// Allowed checks a resolved service's short and qualified names.
func (p ServicePolicy) Allowed(name, qualified string) error {
	for _, pattern := range p.Whitelist {
		if pattern == name || pattern == qualified {
			return nil
		}
		if strings.HasSuffix(pattern, ".*") &&
			strings.HasPrefix(qualified, strings.TrimSuffix(pattern, "*")) {
			return nil
		}
	}
	return qerr.New(qerr.KindSecurity, "service %q is not whitelisted for remote calls", name)
}
