package rules

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrConfiguration marks a malformed rule rejected at save time.
// Evaluation never sees an invalid rule, so it never needs defensive
// type-checking at runtime.
var ErrConfiguration = errors.New("invalid rule configuration")

var validOperators = map[domain.Operator]bool{
	domain.OpEquals:         true,
	domain.OpNotEquals:      true,
	domain.OpGreaterThan:    true,
	domain.OpLessThan:       true,
	domain.OpGreaterOrEqual: true,
	domain.OpLessOrEqual:    true,
	domain.OpContains:       true,
	domain.OpIn:             true,
	domain.OpBetween:        true,
}

var validActions = map[domain.Action]bool{
	domain.ActionApprove:         true,
	domain.ActionReject:          true,
	domain.ActionManualReview:    true,
	domain.ActionAdjustRate:      true,
	domain.ActionAdjustLimit:     true,
	domain.ActionRequireDocument: true,
	domain.ActionFlag:            true,
}

var validCategories = map[domain.RuleCategory]bool{
	domain.CategoryEligibility:   true,
	domain.CategoryCreditLimit:   true,
	domain.CategoryInterestRate:  true,
	domain.CategoryMargin:        true,
	domain.CategoryDocumentation: true,
	domain.CategoryScoring:       true,
	domain.CategoryAntiFraud:     true,
}

// ValidateRule checks a business rule's shape: known operator and
// action, value arity matching the operator, numeric action params for
// adjustments. Called on every save; a rule that passes here evaluates
// without errors forever after.
func ValidateRule(rule *domain.BusinessRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrConfiguration)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: id is required", ErrConfiguration)
	}
	if rule.Field == "" {
		return fmt.Errorf("%w: field is required", ErrConfiguration)
	}
	if !validOperators[rule.Operator] {
		return fmt.Errorf("%w: unknown operator %q", ErrConfiguration, rule.Operator)
	}
	if !validActions[rule.Action] {
		return fmt.Errorf("%w: unknown action %q", ErrConfiguration, rule.Action)
	}
	if rule.Category != "" && !validCategories[rule.Category] {
		return fmt.Errorf("%w: unknown category %q", ErrConfiguration, rule.Category)
	}

	if err := validateValueArity(rule.Operator, rule.Value); err != nil {
		return err
	}

	return validateActionParam(rule.Action, rule.ActionParam)
}

// validateValueArity enforces scalar vs pair vs set value shapes.
func validateValueArity(op domain.Operator, value any) error {
	switch op {
	case domain.OpBetween:
		pair, ok := value.([]any)
		if !ok || len(pair) != 2 {
			return fmt.Errorf("%w: between requires a two-element [min, max] value", ErrConfiguration)
		}
		lo, okLo := toNumber(pair[0])
		hi, okHi := toNumber(pair[1])
		if !okLo || !okHi {
			return fmt.Errorf("%w: between bounds must be numeric", ErrConfiguration)
		}
		if lo > hi {
			return fmt.Errorf("%w: between lower bound exceeds upper bound", ErrConfiguration)
		}

	case domain.OpIn:
		set, ok := value.([]any)
		if !ok || len(set) == 0 {
			return fmt.Errorf("%w: in requires a non-empty set value", ErrConfiguration)
		}

	case domain.OpGreaterThan, domain.OpLessThan, domain.OpGreaterOrEqual, domain.OpLessOrEqual:
		if _, ok := toNumber(value); !ok {
			return fmt.Errorf("%w: %s requires a numeric value", ErrConfiguration, op)
		}

	default:
		// equals/not_equals/contains take any scalar.
		if _, ok := value.([]any); ok {
			return fmt.Errorf("%w: %s requires a scalar value", ErrConfiguration, op)
		}
		if value == nil {
			return fmt.Errorf("%w: value is required", ErrConfiguration)
		}
	}

	return nil
}

func validateActionParam(action domain.Action, param any) error {
	switch action {
	case domain.ActionAdjustRate, domain.ActionAdjustLimit:
		if _, ok := toNumber(param); !ok {
			return fmt.Errorf("%w: %s requires a numeric actionParam", ErrConfiguration, action)
		}
	case domain.ActionRequireDocument:
		if s, ok := param.(string); !ok || s == "" {
			return fmt.Errorf("%w: require_document requires a document name actionParam", ErrConfiguration)
		}
	}
	return nil
}

// ValidateCounterparty checks window ordering at save time.
func ValidateCounterparty(cp *domain.Counterparty) error {
	if cp == nil {
		return fmt.Errorf("%w: counterparty is required", ErrConfiguration)
	}
	if cp.ID == "" {
		return fmt.Errorf("%w: id is required", ErrConfiguration)
	}
	if cp.Name == "" {
		return fmt.Errorf("%w: fidcName is required", ErrConfiguration)
	}
	if cp.MinBorrowerAge > cp.MaxBorrowerAge && cp.MaxBorrowerAge != 0 {
		return fmt.Errorf("%w: minBorrowerAge exceeds maxBorrowerAge", ErrConfiguration)
	}
	if cp.MinOperationAmount > cp.MaxOperationAmount && cp.MaxOperationAmount != 0 {
		return fmt.Errorf("%w: minOperationAmount exceeds maxOperationAmount", ErrConfiguration)
	}
	if cp.DailyCapacity != nil && *cp.DailyCapacity < 0 {
		return fmt.Errorf("%w: dailyCapacity must be non-negative", ErrConfiguration)
	}
	return nil
}
