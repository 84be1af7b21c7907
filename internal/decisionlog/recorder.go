// Package decisionlog persists the append-only decision audit trail.
package decisionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Recorder writes decision log entries to the repository and announces
// them on the event bus. A recording failure is surfaced to the caller
// as a distinct error but must never gate the business decision: the
// processor reports it alongside the decision, not instead of it.
type Recorder struct {
	repo domain.Repository
	bus  domain.EventBus
}

// NewRecorder creates a recorder. The bus may be nil in tests.
func NewRecorder(repo domain.Repository, bus domain.EventBus) *Recorder {
	return &Recorder{repo: repo, bus: bus}
}

// Record persists the entry and publishes it on the decision topic.
// On persistence failure it publishes a log-failure alert so the outage
// is visible to operators, then returns the error for the caller to
// report.
func (r *Recorder) Record(ctx context.Context, tenantID string, entry *domain.DecisionLogEntry) error {
	if err := r.repo.SaveDecision(ctx, tenantID, entry); err != nil {
		r.alertLogFailure(ctx, tenantID, entry, err)
		return fmt.Errorf("failed to persist decision log entry: %w", err)
	}

	if r.bus != nil {
		payload, _ := json.Marshal(entry)
		if err := r.bus.Publish(ctx, tenantID, domain.TopicDecision, payload); err != nil {
			// Publishing is best-effort; the durable record exists.
			slog.Warn("failed to publish decision",
				"proposal_id", entry.ProposalID,
				"error", err,
			)
		}
	}

	return nil
}

// alertLogFailure makes a logging outage alertable without blocking the
// proposal's outcome.
func (r *Recorder) alertLogFailure(ctx context.Context, tenantID string, entry *domain.DecisionLogEntry, cause error) {
	slog.Error("decision log write failed",
		"proposal_id", entry.ProposalID,
		"decision_id", entry.ID,
		"error", cause,
	)

	if r.bus == nil {
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"proposalId": entry.ProposalID,
		"decisionId": entry.ID,
		"error":      cause.Error(),
	})
	if err := r.bus.Publish(ctx, tenantID, domain.TopicLogFailure, payload); err != nil {
		slog.Error("failed to publish log-failure alert",
			"proposal_id", entry.ProposalID,
			"error", err,
		)
	}
}
