package domain

import "time"

// DecisionLogEntry is the append-only record of one proposal
// evaluation. Entries are created once and never updated or deleted;
// the dashboard Logs and Audit screens consume them verbatim.
type DecisionLogEntry struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	ProposalID string    `json:"proposalId"`
	Timestamp  time.Time `json:"timestamp"`

	// TriggeredRules in the order they fired.
	TriggeredRules []TriggeredRule `json:"triggeredRules"`

	FinalAction Action `json:"finalAction"`

	// AdjustedFields annotated on the proposal by adjust_* rules.
	AdjustedFields map[string]any `json:"adjustedFields,omitempty"`

	// EvaluatedCounterparties holds every counterparty considered by
	// routing, with its eligibility and disqualifying reason.
	EvaluatedCounterparties []EvaluatedCounterparty `json:"evaluatedCounterparties,omitempty"`

	// SelectedCounterpartyID is nil unless routing succeeded.
	SelectedCounterpartyID *string `json:"selectedCounterpartyId"`

	OrchestrationResult OrchestrationResult `json:"orchestrationResult"`

	ExecutionTimeMs int64 `json:"executionTimeMs"`

	// TraceID correlates the entry with request tracing.
	TraceID string `json:"traceId,omitempty"`
}

// OrchestrationResult is the terminal routing state of an evaluation.
type OrchestrationResult string

const (
	// ResultSuccess means a counterparty was selected and capacity reserved.
	ResultSuccess OrchestrationResult = "success"

	// ResultNoEligibleCounterparty is a first-class outcome, not an error.
	ResultNoEligibleCounterparty OrchestrationResult = "no_eligible_counterparty"

	// ResultRejectedByRules means rule evaluation stopped the proposal
	// before routing ran (reject or manual_review).
	ResultRejectedByRules OrchestrationResult = "rejected_by_rules"
)

// DecisionResponse is the synchronous API response for an evaluation.
type DecisionResponse struct {
	DecisionID             string              `json:"decisionId"`
	ProposalID             string              `json:"proposalId"`
	Action                 Action              `json:"action"`
	AdjustedFields         map[string]any      `json:"adjustedFields,omitempty"`
	SelectedCounterpartyID *string             `json:"selectedCounterpartyId"`
	OrchestrationResult    OrchestrationResult `json:"orchestrationResult"`
	TriggeredRules         []TriggeredRule     `json:"triggeredRules,omitempty"`
	Metadata               DecisionMetadata    `json:"metadata"`
}

// DecisionMetadata carries processing information.
type DecisionMetadata struct {
	TraceID         string `json:"traceId"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	RulesEvaluated  int    `json:"rulesEvaluated"`
	EngineVersion   string `json:"engineVersion"`
}

// ToResponse converts a log entry to the API response shape.
func (e *DecisionLogEntry) ToResponse(rulesEvaluated int, version string) *DecisionResponse {
	return &DecisionResponse{
		DecisionID:             e.ID,
		ProposalID:             e.ProposalID,
		Action:                 e.FinalAction,
		AdjustedFields:         e.AdjustedFields,
		SelectedCounterpartyID: e.SelectedCounterpartyID,
		OrchestrationResult:    e.OrchestrationResult,
		TriggeredRules:         e.TriggeredRules,
		Metadata: DecisionMetadata{
			TraceID:         e.TraceID,
			ExecutionTimeMs: e.ExecutionTimeMs,
			RulesEvaluated:  rulesEvaluated,
			EngineVersion:   version,
		},
	}
}
