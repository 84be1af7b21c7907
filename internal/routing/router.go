// Package routing selects the funding counterparty for an approved
// proposal. Route is a pure function over its inputs: it reads a
// capacity snapshot but never mutates the ledger, so it is safe for
// speculative what-if calls.
package routing

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// Input carries everything Route needs.
type Input struct {
	Proposal *domain.Proposal

	// Counterparties under consideration, any order.
	Counterparties []*domain.Counterparty

	// Arrangements sorted by ascending priority (registry order).
	Arrangements []*registry.CompiledArrangement

	// Reserved holds the committed reservation per counterparty for the
	// operating day; counterparties absent from the map count as zero.
	Reserved map[string]float64

	// Excluded counterparties (capacity races lost on earlier attempts)
	// are reported ineligible with the given reason.
	Excluded map[string]string
}

// Output is the routing outcome.
type Output struct {
	// Selected is nil when no counterparty qualifies.
	Selected *domain.Counterparty

	// Evaluated records every counterparty with its eligibility and, if
	// ineligible, the first failing constraint.
	Evaluated []domain.EvaluatedCounterparty

	Result domain.OrchestrationResult

	// Arrangement that governed the selection; the implicit default
	// when none of the configured arrangements matched.
	Arrangement *domain.OrchestrationRule
}

// candidate is a counterparty scored for selection.
type candidate struct {
	cp        *domain.Counterparty
	remaining float64
	uncapped  bool
}

// Route determines the applicable arrangement, filters the eligible
// set, and picks the winner by the arrangement's strategy. An empty
// eligible set is a valid terminal state, not an error.
func Route(in Input) *Output {
	arrangement := matchArrangement(in.Proposal, in.Arrangements)

	out := &Output{
		Arrangement: arrangement,
		Evaluated:   make([]domain.EvaluatedCounterparty, 0, len(in.Counterparties)),
	}

	// Filtering pass: every counterparty is recorded, eligible or not.
	eligible := make([]candidate, 0, len(in.Counterparties))
	for _, cp := range in.Counterparties {
		entry := domain.EvaluatedCounterparty{
			CounterpartyID: cp.ID,
			Name:           cp.Name,
		}

		if reason, excluded := in.Excluded[cp.ID]; excluded {
			entry.Reason = reason
			out.Evaluated = append(out.Evaluated, entry)
			continue
		}

		c, reason := qualify(cp, in.Proposal, in.Reserved)
		if reason != "" {
			entry.Reason = reason
			out.Evaluated = append(out.Evaluated, entry)
			continue
		}

		entry.Eligible = true
		out.Evaluated = append(out.Evaluated, entry)
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		out.Result = domain.ResultNoEligibleCounterparty
		return out
	}

	// Preference pass: an explicit preferred list dominates the
	// strategy when its intersection with the eligible set is
	// non-empty.
	pool := eligible
	if len(arrangement.PreferredFIDCs) > 0 {
		preferred := intersect(eligible, arrangement.PreferredFIDCs)
		if len(preferred) > 0 {
			pool = preferred
		}
	}

	// Scoring pass: successive sort keys per strategy, counterparty id
	// as the final stable tie-break.
	sortCandidates(pool, arrangement.RouteBy)

	out.Selected = pool[0].cp
	out.Result = domain.ResultSuccess
	return out
}

// matchArrangement returns the highest-priority active arrangement
// whose scope matches the proposal, or the implicit default.
func matchArrangement(p *domain.Proposal, arrangements []*registry.CompiledArrangement) *domain.OrchestrationRule {
	for _, arr := range arrangements {
		rule := arr.Rule
		if !rule.IsActive {
			continue
		}
		if rule.ConvenioID != "" && rule.ConvenioID != p.ConvenioID {
			continue
		}
		if rule.SCDPartner != "" && rule.SCDPartner != p.SCDPartner {
			continue
		}
		if !arr.ScopeMatches(p) {
			continue
		}
		return rule
	}
	return domain.DefaultArrangement()
}

// qualify checks one counterparty against the proposal and the capacity
// snapshot, returning the first failing constraint.
func qualify(cp *domain.Counterparty, p *domain.Proposal, reserved map[string]float64) (candidate, string) {
	if !cp.IsActive {
		return candidate{}, domain.ReasonInactive
	}
	if !cp.AcceptsNewOperation {
		return candidate{}, domain.ReasonNotAccepting
	}
	if p.BorrowerAge < cp.MinBorrowerAge {
		return candidate{}, domain.ReasonAgeBelowMin
	}
	if cp.MaxBorrowerAge > 0 && p.BorrowerAge > cp.MaxBorrowerAge {
		return candidate{}, domain.ReasonAgeAboveMax
	}
	if p.RequestedAmount < cp.MinOperationAmount {
		return candidate{}, domain.ReasonAmountBelowMin
	}
	if cp.MaxOperationAmount > 0 && p.RequestedAmount > cp.MaxOperationAmount {
		return candidate{}, domain.ReasonAmountAboveMax
	}
	if cp.MinCreditScore != nil && p.BorrowerCreditScore < *cp.MinCreditScore {
		return candidate{}, domain.ReasonScoreBelowMin
	}

	c := candidate{cp: cp, uncapped: !cp.Capped(), remaining: math.Inf(1)}
	if cp.Capped() {
		c.uncapped = false
		c.remaining = *cp.DailyCapacity - reserved[cp.ID]
		if c.remaining < p.RequestedAmount {
			return candidate{}, domain.ReasonCapacityExhausted
		}
	}
	return c, ""
}

func intersect(eligible []candidate, preferred []string) []candidate {
	allowed := make(map[string]bool, len(preferred))
	for _, id := range preferred {
		allowed[id] = true
	}
	var narrowed []candidate
	for _, c := range eligible {
		if allowed[c.cp.ID] {
			narrowed = append(narrowed, c)
		}
	}
	return narrowed
}

// sortCandidates orders the pool by the strategy's successive keys.
// Speed keeps counterparty priority as the primary signal; discount and
// capacity put their strategy key first so the best discount or the
// least-utilized counterparty wins regardless of priority, with
// priority breaking ties and id as the final stable key.
func sortCandidates(pool []candidate, strategy domain.RouteStrategy) {
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]

		switch strategy {
		case domain.RouteByDiscount:
			if a.cp.PurchaseDiscount != b.cp.PurchaseDiscount {
				return a.cp.PurchaseDiscount > b.cp.PurchaseDiscount
			}
		case domain.RouteByCapacity:
			if a.remaining != b.remaining {
				return a.remaining > b.remaining
			}
		}

		if a.cp.Priority != b.cp.Priority {
			return a.cp.Priority < b.cp.Priority
		}
		return a.cp.ID < b.cp.ID
	})
}
