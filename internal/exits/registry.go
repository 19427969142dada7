package exits

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Registered criterion type names.
const (
	TypeProfitTarget = "profit_target"
	TypeStopLoss     = "stop_loss"
	TypeTimeBased    = "time_based"
)

// Params is the configuration of one criterion, keyed by Type.
type Params struct {
	Type              string
	TargetPercentage  decimal.Decimal
	MaxLossPercentage decimal.Decimal
	TimeBased         TimeBasedParams
}

// Factory builds a criterion from its params.
type Factory func(Params) (Criterion, error)

// Registry maps criterion type names to factories. It is built once at
// startup and passed to whoever constructs managers.
type Registry struct {
	factories map[string]Factory
}

// DefaultRegistry registers the built-in criteria. timeOpts apply to every
// time based criterion it builds.
func DefaultRegistry(timeOpts ...TimeOption) *Registry {
	return NewRegistry(map[string]Factory{
		TypeProfitTarget: func(p Params) (Criterion, error) {
			return NewProfitTarget(p.TargetPercentage)
		},
		TypeStopLoss: func(p Params) (Criterion, error) {
			return NewStopLoss(p.MaxLossPercentage)
		},
		TypeTimeBased: func(p Params) (Criterion, error) {
			return NewTimeBased(p.TimeBased, timeOpts...)
		},
	})
}

// NewRegistry copies factories into a new registry.
func NewRegistry(factories map[string]Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}
	for k, f := range factories {
		r.factories[k] = f
	}
	return r
}

// Types lists registered names in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs one criterion.
func (r *Registry) Build(p Params) (Criterion, error) {
	f, ok := r.factories[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCriterion, p.Type)
	}
	return f(p)
}

// BuildManager constructs every criterion in order and wraps them in a
// manager. The first construction error is returned with its index.
func BuildManager(r *Registry, params []Params, mode Mode, opts ...ManagerOption) (*Manager, error) {
	criteria := make([]Criterion, 0, len(params))
	for i, p := range params {
		c, err := r.Build(p)
		if err != nil {
			return nil, fmt.Errorf("exits.criteria[%d] (%s): %w", i, p.Type, err)
		}
		criteria = append(criteria, c)
	}
	return NewManager(criteria, mode, opts...)
}
