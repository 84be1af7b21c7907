// Package registry holds the counterparty and arrangement snapshot
// used by routing, with save-time validation and hot reload.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Registry holds counterparty profiles and compiled arrangements.
// Like the rule evaluator, a reload swaps the whole set under the lock
// so routing always reads an immutable snapshot.
type Registry struct {
	mu             sync.RWMutex
	env            *cel.Env
	counterparties map[string]*domain.Counterparty
	arrangements   map[string]*CompiledArrangement
}

// CompiledArrangement pairs an arrangement with its pre-compiled scope
// program, nil when the arrangement has no scope expression.
type CompiledArrangement struct {
	Rule  *domain.OrchestrationRule
	Scope cel.Program
}

// New creates an empty registry with a CEL environment over the
// proposal field bag.
func New() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("requested_amount", cel.DoubleType),
		cel.Variable("borrower_age", cel.IntType),
		cel.Variable("borrower_credit_score", cel.IntType),
		cel.Variable("convenio_id", cel.StringType),
		cel.Variable("scd_partner", cel.StringType),
		cel.Variable("channel", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Registry{
		env:            env,
		counterparties: make(map[string]*domain.Counterparty),
		arrangements:   make(map[string]*CompiledArrangement),
	}, nil
}

// LoadCounterparty validates and loads a counterparty profile.
func (r *Registry) LoadCounterparty(cp *domain.Counterparty) error {
	if err := rules.ValidateCounterparty(cp); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counterparties[cp.ID] = cp
	return nil
}

// ReloadCounterparties replaces the counterparty set.
func (r *Registry) ReloadCounterparties(cps []*domain.Counterparty) error {
	next := make(map[string]*domain.Counterparty, len(cps))
	for _, cp := range cps {
		if err := rules.ValidateCounterparty(cp); err != nil {
			return err
		}
		next[cp.ID] = cp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counterparties = next
	return nil
}

// ValidateArrangement checks an arrangement without loading it. It
// compiles the scope expression so malformed CEL is rejected at save
// time, never at routing time.
func (r *Registry) ValidateArrangement(arr *domain.OrchestrationRule) error {
	_, err := r.compileArrangement(arr)
	return err
}

// LoadArrangement validates, compiles, and loads an arrangement.
func (r *Registry) LoadArrangement(arr *domain.OrchestrationRule) error {
	compiled, err := r.compileArrangement(arr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrangements[arr.ID] = compiled
	return nil
}

// ReloadArrangements replaces the arrangement set.
func (r *Registry) ReloadArrangements(arrs []*domain.OrchestrationRule) error {
	next := make(map[string]*CompiledArrangement, len(arrs))
	for _, arr := range arrs {
		compiled, err := r.compileArrangement(arr)
		if err != nil {
			return err
		}
		next[arr.ID] = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrangements = next
	return nil
}

// RemoveArrangement drops an arrangement from the snapshot.
func (r *Registry) RemoveArrangement(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.arrangements, id)
}

// Counterparties returns the loaded counterparties sorted by ascending
// priority, id breaking ties.
func (r *Registry) Counterparties() []*domain.Counterparty {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cps := make([]*domain.Counterparty, 0, len(r.counterparties))
	for _, cp := range r.counterparties {
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].Priority != cps[j].Priority {
			return cps[i].Priority < cps[j].Priority
		}
		return cps[i].ID < cps[j].ID
	})
	return cps
}

// Counterparty returns a single profile, nil when absent.
func (r *Registry) Counterparty(id string) *domain.Counterparty {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counterparties[id]
}

// Arrangements returns compiled arrangements sorted by ascending
// priority, id breaking ties.
func (r *Registry) Arrangements() []*CompiledArrangement {
	r.mu.RLock()
	defer r.mu.RUnlock()

	arrs := make([]*CompiledArrangement, 0, len(r.arrangements))
	for _, arr := range r.arrangements {
		arrs = append(arrs, arr)
	}
	sort.Slice(arrs, func(i, j int) bool {
		if arrs[i].Rule.Priority != arrs[j].Rule.Priority {
			return arrs[i].Rule.Priority < arrs[j].Rule.Priority
		}
		return arrs[i].Rule.ID < arrs[j].Rule.ID
	})
	return arrs
}

// CounterpartyCount returns the number of loaded counterparties.
func (r *Registry) CounterpartyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.counterparties)
}

// ArrangementCount returns the number of loaded arrangements.
func (r *Registry) ArrangementCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.arrangements)
}

func (r *Registry) compileArrangement(arr *domain.OrchestrationRule) (*CompiledArrangement, error) {
	if arr == nil {
		return nil, fmt.Errorf("%w: arrangement is required", rules.ErrConfiguration)
	}
	if arr.ID == "" {
		return nil, fmt.Errorf("%w: id is required", rules.ErrConfiguration)
	}
	switch arr.RouteBy {
	case domain.RouteByDiscount, domain.RouteBySpeed, domain.RouteByCapacity:
	default:
		return nil, fmt.Errorf("%w: unknown route_by strategy %q", rules.ErrConfiguration, arr.RouteBy)
	}

	compiled := &CompiledArrangement{Rule: arr}
	if arr.ScopeExpression == "" {
		return compiled, nil
	}

	ast, issues := r.env.Compile(arr.ScopeExpression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: scope expression for %s: %v", rules.ErrConfiguration, arr.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: scope expression for %s must return bool, got %s", rules.ErrConfiguration, arr.ID, ast.OutputType())
	}

	program, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: scope expression for %s: %v", rules.ErrConfiguration, arr.ID, err)
	}

	compiled.Scope = program
	return compiled, nil
}

// ScopeMatches evaluates a compiled scope program against a proposal.
// A failing or non-true evaluation means no match, consistent with the
// evaluator's fail-closed field resolution.
func (a *CompiledArrangement) ScopeMatches(p *domain.Proposal) bool {
	if a.Scope == nil {
		return true
	}

	out, _, err := a.Scope.Eval(map[string]any{
		"proposal":              p.Fields(),
		"requested_amount":      p.RequestedAmount,
		"borrower_age":          p.BorrowerAge,
		"borrower_credit_score": p.BorrowerCreditScore,
		"convenio_id":           p.ConvenioID,
		"scd_partner":           p.SCDPartner,
		"channel":               p.Channel,
	})
	if err != nil {
		return false
	}
	return out == types.True
}
