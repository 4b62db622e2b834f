package pools

import (
	"context"
	"errors"
	"fmt"

	"github.com/gammadia/nodepool/inventory"
)

var ErrInvalidConfig = errors.New("invalid pool configuration")

const (
	KeyExtends     = "extends"
	KeyFillLevel   = "fill-level"
	KeyMechanism   = "mechanism"
	KeyReuseNodes  = "reuse-nodes"
	KeyRunParallel = "run-parallel"
)

// Pool is a named bundle of settings. Known keys are decoded into fields,
// every merged key (known or not) stays available to templates in Values.
type Pool struct {
	Name        string
	Abstract    bool
	FillLevel   int
	RunParallel bool
	// ReuseNodes maps node data fields to the value they must hold for a node
	// to be reused by this pool. Values are strings (templates) or integers.
	ReuseNodes map[string]any
	Values     map[string]any

	mechanismType string
	mechanism     Mechanism
}

func newPool(name string, abstract bool, values map[string]any) (*Pool, error) {
	pool := &Pool{
		Name:        name,
		Abstract:    abstract,
		RunParallel: true,
		Values:      values,
	}

	if raw, ok := values[KeyRunParallel]; ok {
		runParallel, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: pool '%s': %s must be a boolean", ErrInvalidConfig, name, KeyRunParallel)
		}
		pool.RunParallel = runParallel
	}

	reuse, err := parseReuseNodes(values[KeyReuseNodes])
	if err != nil {
		return nil, fmt.Errorf("%w: pool '%s': %w", ErrInvalidConfig, name, err)
	}
	pool.ReuseNodes = reuse

	if abstract {
		return pool, nil
	}

	fillLevel, ok := asInt(values[KeyFillLevel])
	if !ok || fillLevel <= 0 {
		return nil, fmt.Errorf("%w: pool '%s': %s must be a positive integer", ErrInvalidConfig, name, KeyFillLevel)
	}
	pool.FillLevel = fillLevel

	return pool, nil
}

func parseReuseNodes(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return nil, fmt.Errorf("%s must be a map of fields or false", KeyReuseNodes)
		}
		return nil, nil
	case map[string]any:
		for field, value := range v {
			if err := checkReuseValue(field, value); err != nil {
				return nil, err
			}
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%s must be a map of fields or false", KeyReuseNodes)
	}
}

func checkReuseValue(field string, value any) error {
	if _, ok := value.(string); ok {
		return nil
	}
	if _, ok := asInt(value); ok {
		return nil
	}
	return fmt.Errorf("%s.%s: unsupported value type %T, expected a string or an integer", KeyReuseNodes, field, value)
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint64:
		return int(v), true
	default:
		return 0, false
	}
}

// Reusable tells whether the pool takes nodes back from the inventory.
func (p *Pool) Reusable() bool {
	return len(p.ReuseNodes) > 0
}

// ReusePredicate renders the reuse-nodes fields into the data subset a node
// must contain to be picked up by this pool. It returns nil when the pool does
// not reuse nodes.
func (p *Pool) ReusePredicate() (map[string]any, error) {
	if !p.Reusable() {
		return nil, nil
	}

	predicate := make(map[string]any, len(p.ReuseNodes))
	for field, value := range p.ReuseNodes {
		if s, ok := value.(string); ok {
			rendered, err := p.RenderTemplate(s, nil)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", KeyReuseNodes, field, err)
			}
			predicate[field] = rendered
			continue
		}
		if n, ok := asInt(value); ok {
			predicate[field] = n
			continue
		}
		return nil, fmt.Errorf("%w: pool '%s': %w", ErrInvalidConfig, p.Name, checkReuseValue(field, value))
	}
	return predicate, nil
}

func (p *Pool) MechanismType() string {
	return p.mechanismType
}

func (p *Pool) Provision(ctx context.Context, nodes []*inventory.Node) (*Result, error) {
	return p.run(ctx, "provision", nodes)
}

func (p *Pool) Deprovision(ctx context.Context, nodes []*inventory.Node) (*Result, error) {
	return p.run(ctx, "deprovision", nodes)
}

func (p *Pool) run(ctx context.Context, op string, nodes []*inventory.Node) (*Result, error) {
	if p.mechanism == nil {
		return nil, Failure(p.Name, op, errors.New("pool has no mechanism"))
	}

	var result *Result
	var err error
	switch op {
	case "provision":
		result, err = p.mechanism.Provision(ctx, nodes)
	default:
		result, err = p.mechanism.Deprovision(ctx, nodes)
	}
	if err != nil {
		return nil, Failure(p.Name, op, err)
	}
	if result == nil {
		result = &Result{}
	}
	return result, nil
}
