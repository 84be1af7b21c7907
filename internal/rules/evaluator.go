// Package rules provides the business rule eligibility evaluator.
package rules

import (
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator holds the active rule snapshot and evaluates proposals
// against it. The snapshot is immutable once taken: a reload swaps the
// whole set under the lock, so an in-flight evaluation never observes a
// half-updated configuration.
type Evaluator struct {
	mu    sync.RWMutex
	rules map[string]*domain.BusinessRule
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		rules: make(map[string]*domain.BusinessRule),
	}
}

// LoadRule validates and loads a single rule.
func (e *Evaluator) LoadRule(rule *domain.BusinessRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
	return nil
}

// LoadRules validates and loads multiple rules. Inactive rules are
// loaded too; evaluation skips them, and toggling active does not
// require a reload of the rest.
func (e *Evaluator) LoadRules(rules []*domain.BusinessRule) error {
	for _, rule := range rules {
		if err := e.LoadRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules replaces the entire rule set (hot reload from the store).
func (e *Evaluator) ReloadRules(rules []*domain.BusinessRule) error {
	next := make(map[string]*domain.BusinessRule, len(rules))
	for _, rule := range rules {
		if err := ValidateRule(rule); err != nil {
			return err
		}
		next[rule.ID] = rule
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = next
	return nil
}

// Snapshot returns the loaded rules sorted by ascending priority.
// The returned slice is owned by the caller and stays stable for the
// duration of one evaluation.
func (e *Evaluator) Snapshot() []*domain.BusinessRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.BusinessRule, 0, len(e.rules))
	for _, rule := range e.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// RulesCount returns the number of loaded rules.
func (e *Evaluator) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluate runs the loaded snapshot against a proposal.
func (e *Evaluator) Evaluate(proposal *domain.Proposal) *Result {
	return EvaluateRules(proposal, e.Snapshot())
}

// Result is the outcome of rule evaluation.
type Result struct {
	// Action is the terminal decision; never empty.
	Action domain.Action

	// TriggeredRules in firing order.
	TriggeredRules []domain.TriggeredRule

	// AdjustedFields holds annotations from adjust_* actions; for a
	// field adjusted by several rules, the last by priority order wins.
	AdjustedFields map[string]any

	// RequiredDocuments and Flags accumulate from their actions.
	RequiredDocuments []string
	Flags             []string

	// RulesEvaluated counts active rules considered before termination.
	RulesEvaluated int
}

// EvaluateRules is the pure evaluation function: same proposal and same
// rule slice always produce the same triggered sequence and action. The
// rules slice must already be sorted by ascending priority (Snapshot
// guarantees this).
//
// Reject and approve are terminal and stop processing; the cumulative
// actions record and annotate without stopping. When no terminal rule
// fires, a proposal that accumulated manual_review ends as
// manual_review, anything else approves: an empty active rule set must
// not block proposals.
func EvaluateRules(proposal *domain.Proposal, rules []*domain.BusinessRule) *Result {
	res := &Result{
		AdjustedFields: make(map[string]any),
	}
	fields := proposal.Fields()

	reviewRequested := false

	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		res.RulesEvaluated++

		fieldVal, present := domain.ResolveField(fields, rule.Field)
		if !present {
			// Absence is always non-match.
			continue
		}
		if !match(rule.Operator, fieldVal, rule.Value) {
			continue
		}

		res.TriggeredRules = append(res.TriggeredRules, domain.TriggeredRule{
			RuleID:      rule.ID,
			Name:        rule.Name,
			Category:    rule.Category,
			Action:      rule.Action,
			ActionParam: rule.ActionParam,
			Priority:    rule.Priority,
		})

		switch rule.Action {
		case domain.ActionReject, domain.ActionApprove:
			res.Action = rule.Action
			return res

		case domain.ActionManualReview:
			reviewRequested = true

		case domain.ActionAdjustRate:
			res.AdjustedFields[domain.AdjustedFieldRate] = rule.ActionParam

		case domain.ActionAdjustLimit:
			res.AdjustedFields[domain.AdjustedFieldLimit] = rule.ActionParam

		case domain.ActionRequireDocument:
			if doc, ok := rule.ActionParam.(string); ok {
				res.RequiredDocuments = append(res.RequiredDocuments, doc)
			}

		case domain.ActionFlag:
			if label, ok := rule.ActionParam.(string); ok {
				res.Flags = append(res.Flags, label)
			}
		}
	}

	if reviewRequested {
		res.Action = domain.ActionManualReview
	} else {
		res.Action = domain.ActionApprove
	}
	return res
}
