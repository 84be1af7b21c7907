package rules

import (
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// match applies an operator to a resolved proposal field value.
// Comparison failures (non-numeric input for a numeric operator,
// unexpected value shape) degrade to non-match so evaluation always
// terminates with a decision.
func match(op domain.Operator, fieldVal any, ruleVal any) bool {
	switch op {
	case domain.OpEquals:
		return looseEqual(fieldVal, ruleVal)

	case domain.OpNotEquals:
		return !looseEqual(fieldVal, ruleVal)

	case domain.OpGreaterThan:
		f, r, ok := bothNumeric(fieldVal, ruleVal)
		return ok && f > r

	case domain.OpLessThan:
		f, r, ok := bothNumeric(fieldVal, ruleVal)
		return ok && f < r

	case domain.OpGreaterOrEqual:
		f, r, ok := bothNumeric(fieldVal, ruleVal)
		return ok && f >= r

	case domain.OpLessOrEqual:
		f, r, ok := bothNumeric(fieldVal, ruleVal)
		return ok && f <= r

	case domain.OpBetween:
		lo, hi, ok := boundsOf(ruleVal)
		if !ok {
			return false
		}
		f, ok := toNumber(fieldVal)
		// Inclusive on both bounds.
		return ok && f >= lo && f <= hi

	case domain.OpIn:
		set, ok := ruleVal.([]any)
		if !ok {
			return false
		}
		for _, member := range set {
			if looseEqual(fieldVal, member) {
				return true
			}
		}
		return false

	case domain.OpContains:
		return contains(fieldVal, ruleVal)

	default:
		return false
	}
}

// looseEqual compares numerically when both sides coerce to numbers,
// otherwise as strings when both sides are strings. Mismatched kinds
// never match.
func looseEqual(a, b any) bool {
	fa, oka := toNumber(a)
	fb, okb := toNumber(b)
	if oka && okb {
		return fa == fb
	}

	sa, oka := a.(string)
	sb, okb := b.(string)
	if oka && okb {
		return sa == sb
	}

	ba, oka := a.(bool)
	bb, okb := b.(bool)
	if oka && okb {
		return ba == bb
	}

	return false
}

// contains handles substring membership for string fields and element
// membership for slice fields.
func contains(fieldVal, ruleVal any) bool {
	switch fv := fieldVal.(type) {
	case string:
		rv, ok := ruleVal.(string)
		return ok && strings.Contains(fv, rv)
	case []any:
		for _, member := range fv {
			if looseEqual(member, ruleVal) {
				return true
			}
		}
		return false
	case []string:
		rv, ok := ruleVal.(string)
		if !ok {
			return false
		}
		for _, member := range fv {
			if member == rv {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func bothNumeric(a, b any) (float64, float64, bool) {
	fa, oka := toNumber(a)
	fb, okb := toNumber(b)
	return fa, fb, oka && okb
}

// boundsOf extracts the inclusive [lo, hi] pair of a between operand.
func boundsOf(v any) (float64, float64, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, false
	}
	lo, okLo := toNumber(pair[0])
	hi, okHi := toNumber(pair[1])
	if !okLo || !okHi {
		return 0, 0, false
	}
	return lo, hi, true
}

// toNumber coerces a value to float64. JSON decoding produces float64
// for all numbers; int variants appear for values built in Go code, and
// numeric strings arrive through the loosely-typed record store.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
