package domain

import "time"

// Counterparty is a funding entity (FIDC) that may purchase the
// receivable of an approved proposal. A counterparty with DailyCapacity
// unset is treated as uncapped.
type Counterparty struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"fidcName"`

	IsActive            bool `json:"isActive"`
	AcceptsNewOperation bool `json:"acceptsNewOperations"`

	// Eligibility windows, inclusive on both bounds.
	MinBorrowerAge     int     `json:"minBorrowerAge"`
	MaxBorrowerAge     int     `json:"maxBorrowerAge"`
	MinOperationAmount float64 `json:"minOperationAmount"`
	MaxOperationAmount float64 `json:"maxOperationAmount"`

	// MinCreditScore is optional; nil means no score floor.
	MinCreditScore *int `json:"minCreditScore,omitempty"`

	// Priority orders tie-breaks; lower wins.
	Priority int `json:"priority"`

	// DailyCapacity is the currency volume accepted per operating day;
	// nil means uncapped.
	DailyCapacity *float64 `json:"dailyCapacity,omitempty"`

	// PurchaseDiscount is the discount percentage applied when the
	// counterparty purchases the receivable.
	PurchaseDiscount float64 `json:"purchaseDiscountPercentage"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Capped reports whether the counterparty has a daily capacity limit.
func (c *Counterparty) Capped() bool {
	return c.DailyCapacity != nil
}

// EvaluatedCounterparty records one counterparty's eligibility outcome
// during routing, with the first failing constraint when ineligible.
type EvaluatedCounterparty struct {
	CounterpartyID string `json:"counterpartyId"`
	Name           string `json:"fidcName,omitempty"`
	Eligible       bool   `json:"eligible"`
	Reason         string `json:"reason,omitempty"`
}

// Disqualification reasons recorded in the decision log.
const (
	ReasonInactive          = "counterparty inactive"
	ReasonNotAccepting      = "not accepting new operations"
	ReasonAgeBelowMin       = "borrower age below minimum"
	ReasonAgeAboveMax       = "borrower age above maximum"
	ReasonAmountBelowMin    = "amount below minimum"
	ReasonAmountAboveMax    = "amount above maximum"
	ReasonScoreBelowMin     = "credit score below minimum"
	ReasonCapacityExhausted = "daily capacity exhausted"
	ReasonReserveTimeout    = "capacity reservation timed out"
	ReasonLedgerUnavailable = "capacity ledger unavailable"
)
