// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"strings"
	"time"
)

// Proposal represents a credit proposal to be decided and routed.
// Kestrel consumes proposals, it does not own them: the record store of
// the surrounding dashboard is the system of record. Rules address the
// proposal through the flat field bag returned by Fields.
type Proposal struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Borrower and origination scope
	BorrowerID string `json:"borrowerId"`
	ConvenioID string `json:"convenioId,omitempty"`
	SCDPartner string `json:"scdPartner,omitempty"`
	Channel    string `json:"channel,omitempty"`

	// Financial details
	RequestedAmount  float64 `json:"requestedAmount"`
	InterestRate     float64 `json:"interestRate,omitempty"`
	InstallmentCount int     `json:"installmentCount,omitempty"`

	// Borrower attributes used by eligibility windows
	BorrowerAge         int `json:"borrowerAge"`
	BorrowerCreditScore int `json:"borrowerCreditScore,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional extra attributes, addressable by rules via dotted paths.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Fields returns the proposal as a flat keyed bag for rule resolution.
// Metadata keys are merged in but never shadow the core fields.
func (p *Proposal) Fields() map[string]any {
	bag := make(map[string]any, len(p.Metadata)+10)
	for k, v := range p.Metadata {
		bag[k] = v
	}
	bag["proposal_id"] = p.ID
	bag["borrower_id"] = p.BorrowerID
	bag["convenio_id"] = p.ConvenioID
	bag["scd_partner"] = p.SCDPartner
	bag["channel"] = p.Channel
	bag["requested_amount"] = p.RequestedAmount
	bag["interest_rate"] = p.InterestRate
	bag["installment_count"] = p.InstallmentCount
	bag["borrower_age"] = p.BorrowerAge
	bag["borrower_credit_score"] = p.BorrowerCreditScore
	return bag
}

// ResolveField resolves a dotted path against a field bag, descending
// into nested maps. The second return is false when any segment is
// absent or a non-map is traversed; absence is never an error.
func ResolveField(fields map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var current any = fields

	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// OperatingDay formats the calendar day capacity is tracked against.
func OperatingDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
