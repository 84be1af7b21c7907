package domain

import "time"

// BusinessRule defines a single credit decisioning rule.
// Rules are evaluated against a proposal in ascending priority order;
// the comparison value shape is validated against the operator at save
// time, never at evaluation time.
type BusinessRule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`

	// Category groups rules for the dashboard rule screens.
	Category RuleCategory `json:"category"`

	// Field is a dotted path into the proposal field bag,
	// e.g. "borrower_age" or "employment.months_employed".
	Field string `json:"field"`

	Operator Operator `json:"operator"`

	// Value is the comparison operand: a scalar for the relational
	// operators, a two-element array for "between", a set for "in".
	Value any `json:"value"`

	Action Action `json:"action"`

	// ActionParam carries the payload for non-boolean actions: the new
	// rate/limit for adjustments, the document name for
	// require_document, the label for flag.
	ActionParam any `json:"actionParam,omitempty"`

	// Priority orders evaluation; lower evaluates first.
	Priority int `json:"priority"`

	IsActive bool `json:"isActive"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleCategory classifies a business rule.
type RuleCategory string

const (
	CategoryEligibility   RuleCategory = "eligibility"
	CategoryCreditLimit   RuleCategory = "credit_limit"
	CategoryInterestRate  RuleCategory = "interest_rate"
	CategoryMargin        RuleCategory = "margin"
	CategoryDocumentation RuleCategory = "documentation"
	CategoryScoring       RuleCategory = "scoring"
	CategoryAntiFraud     RuleCategory = "anti_fraud"
)

// Operator is a comparison operator over a proposal field.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpIn             Operator = "in"
	OpBetween        Operator = "between"
)

// Action is the effect a triggered rule has on the proposal.
// Reject and approve are terminal; the rest accumulate.
type Action string

const (
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionManualReview    Action = "manual_review"
	ActionAdjustRate      Action = "adjust_rate"
	ActionAdjustLimit     Action = "adjust_limit"
	ActionRequireDocument Action = "require_document"
	ActionFlag            Action = "flag"
)

// Terminal reports whether the action stops rule evaluation.
func (a Action) Terminal() bool {
	return a == ActionApprove || a == ActionReject
}

// TriggeredRule records a single rule firing during evaluation,
// in the order it fired.
type TriggeredRule struct {
	RuleID      string       `json:"ruleId"`
	Name        string       `json:"name"`
	Category    RuleCategory `json:"category"`
	Action      Action       `json:"action"`
	ActionParam any          `json:"actionParam,omitempty"`
	Priority    int          `json:"priority"`
}

// Adjusted field names annotated on the proposal by adjust_* actions.
const (
	AdjustedFieldRate  = "interest_rate"
	AdjustedFieldLimit = "approved_limit"
)
