package domain

import "time"

// OrchestrationRule is a routing arrangement: a scoped configuration
// selecting the routing strategy and preferred counterparties for the
// proposals it matches.
type OrchestrationRule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"ruleName"`

	IsActive bool `json:"isActive"`

	// IsSystemRule marks arrangements immutable via the normal edit
	// path (update and delete refuse them).
	IsSystemRule bool `json:"isSystemRule"`

	// Optional scope: empty matches every proposal.
	ConvenioID string `json:"convenioId,omitempty"`
	SCDPartner string `json:"scdPartner,omitempty"`

	// ScopeExpression is an optional CEL predicate over the proposal
	// field bag, compiled and validated at save time. A non-true or
	// failing evaluation means the arrangement does not match.
	ScopeExpression string `json:"scopeExpression,omitempty"`

	RouteBy RouteStrategy `json:"routeBy"`

	// PreferredFIDCs, when non-empty, narrows the eligible set to the
	// intersection when that intersection is non-empty.
	PreferredFIDCs []string `json:"preferredFidcs,omitempty"`

	// Priority orders arrangement matching; lower wins.
	Priority int `json:"priority"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RouteStrategy selects the tie-break ordering among eligible
// counterparties.
type RouteStrategy string

const (
	// RouteByDiscount prefers the highest purchase discount.
	RouteByDiscount RouteStrategy = "discount"

	// RouteBySpeed keeps counterparty priority order; first eligible wins.
	RouteBySpeed RouteStrategy = "speed"

	// RouteByCapacity prefers the greatest remaining daily capacity.
	RouteByCapacity RouteStrategy = "capacity"
)

// DefaultArrangement is the implicit arrangement applied when no
// configured arrangement matches a proposal.
func DefaultArrangement() *OrchestrationRule {
	return &OrchestrationRule{
		ID:           "default",
		Name:         "default",
		IsActive:     true,
		IsSystemRule: true,
		RouteBy:      RouteBySpeed,
	}
}
