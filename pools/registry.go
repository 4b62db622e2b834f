package pools

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Registry holds every known pool and the mechanism factories they can use.
// It is built once at startup and shared by reference.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]MechanismFactory
	configs   map[string]map[string]any
	pools     map[string]*Pool
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]MechanismFactory{},
		configs:   map[string]map[string]any{},
		pools:     map[string]*Pool{},
	}
}

func (r *Registry) RegisterMechanism(kind string, factory MechanismFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[kind] = factory
}

// RegisterPool merges the configurations named by extends, in order, under
// config and stores the result under name.
func (r *Registry) RegisterPool(name string, extends []string, config map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.registerPool(name, extends, config)
}

func (r *Registry) registerPool(name string, extends []string, config map[string]any) (map[string]any, error) {
	if _, ok := r.configs[name]; ok {
		return nil, fmt.Errorf("%w: pool '%s' is already registered", ErrInvalidConfig, name)
	}

	merged := map[string]any{}
	for _, parent := range extends {
		parentConfig, ok := r.configs[parent]
		if !ok {
			return nil, fmt.Errorf("%w: pool '%s' extends unknown pool '%s'", ErrInvalidConfig, name, parent)
		}
		merged = DeepMerge(merged, parentConfig)
	}
	merged = DeepMerge(merged, config)
	delete(merged, KeyExtends)

	r.configs[name] = merged
	return merged, nil
}

type poolDefinition struct {
	abstract bool
	extends  []string
	config   map[string]any
}

// LoadFromConfiguration builds every pool of a configuration tree of the form
// {abstract: {name: config}, concrete: {name: config}} and binds a mechanism to
// every concrete pool. Pools may extend pools from either section.
func (r *Registry) LoadFromConfiguration(tree map[string]any) error {
	definitions := map[string]*poolDefinition{}
	for _, section := range []string{"abstract", "concrete"} {
		raw, ok := tree[section]
		if !ok || raw == nil {
			continue
		}
		entries, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: section '%s' must be a map of pools", ErrInvalidConfig, section)
		}

		for name, rawConfig := range entries {
			if _, ok := definitions[name]; ok {
				return fmt.Errorf("%w: pool '%s' is defined more than once", ErrInvalidConfig, name)
			}

			config, ok := rawConfig.(map[string]any)
			if !ok && rawConfig != nil {
				return fmt.Errorf("%w: pool '%s' must be a map", ErrInvalidConfig, name)
			}
			extends, err := parseExtends(config[KeyExtends])
			if err != nil {
				return fmt.Errorf("%w: pool '%s': %w", ErrInvalidConfig, name, err)
			}

			definitions[name] = &poolDefinition{
				abstract: section == "abstract",
				extends:  extends,
				config:   config,
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	names := lo.Keys(definitions)
	slices.Sort(names)
	for _, name := range names {
		if _, ok := r.configs[name]; ok {
			return fmt.Errorf("%w: pool '%s' is already registered", ErrInvalidConfig, name)
		}
	}

	visited := map[string]bool{}
	visiting := map[string]bool{}
	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		definition, ok := definitions[name]
		if !ok {
			// Pools registered before this load may be extended.
			if _, ok := r.configs[name]; ok {
				return nil
			}
			return fmt.Errorf("%w: unknown pool '%s'", ErrInvalidConfig, name)
		}
		if visiting[name] {
			return fmt.Errorf("%w: pool '%s' extends itself", ErrInvalidConfig, name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		for _, parent := range definition.extends {
			if err := visit(parent); err != nil {
				return fmt.Errorf("pool '%s': %w", name, err)
			}
		}

		merged, err := r.registerPool(name, definition.extends, definition.config)
		if err != nil {
			return err
		}

		pool, err := newPool(name, definition.abstract, merged)
		if err != nil {
			return err
		}
		if !pool.Abstract {
			if err := r.bindMechanism(pool); err != nil {
				return err
			}
		}
		r.pools[name] = pool
		visited[name] = true
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) bindMechanism(pool *Pool) error {
	descriptor, ok := pool.Values[KeyMechanism].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: pool '%s' has no mechanism", ErrInvalidConfig, pool.Name)
	}
	kind, ok := descriptor["type"].(string)
	if !ok || kind == "" {
		return fmt.Errorf("%w: pool '%s': mechanism type must be set", ErrInvalidConfig, pool.Name)
	}
	factory, ok := r.factories[kind]
	if !ok {
		return fmt.Errorf("%w: pool '%s': unknown mechanism type '%s'", ErrInvalidConfig, pool.Name, kind)
	}

	config := map[string]any{}
	if raw, ok := descriptor[kind]; ok && raw != nil {
		config, ok = raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: pool '%s': mechanism.%s must be a map", ErrInvalidConfig, pool.Name, kind)
		}
	}

	mechanism, err := factory(pool, config)
	if err != nil {
		return fmt.Errorf("%w: pool '%s': %s mechanism: %w", ErrInvalidConfig, pool.Name, kind, err)
	}
	pool.mechanismType = kind
	pool.mechanism = mechanism
	return nil
}

func parseExtends(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		extends := make([]string, 0, len(v))
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be pool names", KeyExtends)
			}
			extends = append(extends, name)
		}
		return extends, nil
	default:
		return nil, fmt.Errorf("%s must be a pool name or a list of pool names", KeyExtends)
	}
}

// Get returns a pool, abstract or concrete.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pool, ok := r.pools[name]
	return pool, ok
}

// Concrete returns every concrete pool sorted by name.
func (r *Registry) Concrete() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pools := lo.Filter(lo.Values(r.pools), func(pool *Pool, _ int) bool {
		return !pool.Abstract
	})
	slices.SortFunc(pools, func(a, b *Pool) int {
		if a.Name < b.Name {
			return -1
		} else if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return pools
}

// LoadFile reads a YAML file and returns the tree found under its top level
// "nodepools" key.
func LoadFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool configuration: %w", err)
	}

	var document struct {
		NodePools map[string]any `yaml:"nodepools"`
	}
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("failed to parse pool configuration '%s': %w", path, err)
	}
	if document.NodePools == nil {
		return nil, fmt.Errorf("%w: '%s' has no nodepools section", ErrInvalidConfig, path)
	}
	return document.NodePools, nil
}
