// Package decision runs the full proposal pipeline: rule evaluation,
// counterparty routing, capacity reservation, and decision logging.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/decisionlog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/routing"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Processor orchestrates one proposal evaluation. Evaluation and
// routing are pure; the ledger reservation is the only step with
// external durable effect and runs last, so a cancelled evaluation
// never leaves a partial reservation.
type Processor struct {
	evaluator *rules.Evaluator
	registry  *registry.Registry
	ledger    domain.Ledger
	recorder  *decisionlog.Recorder

	// now is swappable for tests; evaluation itself never reads it.
	now func() time.Time

	// retryBackoff is the initial wait between ledger retry attempts.
	retryBackoff time.Duration
}

// ledgerAttempts bounds retries against a transiently failing ledger.
// Timeouts are not retried: a slow call already spent its bounded
// attempt and the next-ranked candidate gets its chance instead.
const ledgerAttempts = 3

// NewProcessor creates a decision processor.
func NewProcessor(evaluator *rules.Evaluator, reg *registry.Registry, ledger domain.Ledger, recorder *decisionlog.Recorder) *Processor {
	return &Processor{
		evaluator:    evaluator,
		registry:     reg,
		ledger:       ledger,
		recorder:     recorder,
		now:          time.Now,
		retryBackoff: 50 * time.Millisecond,
	}
}

// Input carries one proposal through the pipeline.
type Input struct {
	TenantID string
	Proposal *domain.Proposal
	TraceID  string

	// Preview runs evaluation and routing speculatively: no capacity is
	// reserved and no decision log entry is written.
	Preview bool
}

// Outcome is the synchronous result of one pipeline run.
type Outcome struct {
	Entry *domain.DecisionLogEntry

	// Adjustments and accumulations from rule evaluation.
	RequiredDocuments []string
	Flags             []string

	RulesEvaluated int

	// LogErr reports a decision-log outage. It is distinct from a
	// pipeline error: the decision stands, the outage is alertable.
	LogErr error
}

// Process evaluates, routes, reserves, and records one proposal.
func (p *Processor) Process(ctx context.Context, in Input) (*Outcome, error) {
	start := p.now()

	// Immutable configuration snapshot for the whole evaluation.
	ruleSet := p.evaluator.Snapshot()
	counterparties := p.registry.Counterparties()
	arrangements := p.registry.Arrangements()

	entry := &domain.DecisionLogEntry{
		ID:                     uuid.New().String(),
		TenantID:               in.TenantID,
		ProposalID:             in.Proposal.ID,
		Timestamp:              start.UTC(),
		TraceID:                in.TraceID,
		SelectedCounterpartyID: nil,
	}
	out := &Outcome{Entry: entry}

	evalRes := rules.EvaluateRules(in.Proposal, ruleSet)
	entry.TriggeredRules = evalRes.TriggeredRules
	entry.FinalAction = evalRes.Action
	if len(evalRes.AdjustedFields) > 0 {
		entry.AdjustedFields = evalRes.AdjustedFields
	}
	out.RequiredDocuments = evalRes.RequiredDocuments
	out.Flags = evalRes.Flags
	out.RulesEvaluated = evalRes.RulesEvaluated

	if evalRes.Action != domain.ActionApprove {
		// Routing only runs for approved proposals; reject and
		// manual_review both stop the proposal before orchestration.
		entry.OrchestrationResult = domain.ResultRejectedByRules
		p.finish(ctx, in, entry, start, out)
		return out, nil
	}

	p.route(ctx, in, counterparties, arrangements, entry)

	p.finish(ctx, in, entry, start, out)
	return out, nil
}

// route selects a counterparty and reserves capacity, retrying against
// the next-ranked candidate when a reservation races out or times out.
// Ledger failures never abort the pipeline: the entry always reaches
// finish so the decision trace is logged regardless of outcome.
func (p *Processor) route(ctx context.Context, in Input, counterparties []*domain.Counterparty, arrangements []*registry.CompiledArrangement, entry *domain.DecisionLogEntry) {
	operatingDay := domain.OperatingDay(p.now())

	ids := make([]string, len(counterparties))
	for i, cp := range counterparties {
		ids[i] = cp.ID
	}

	excluded := make(map[string]string)

	for attempt := 0; attempt <= len(counterparties); attempt++ {
		reserved, err := p.snapshotWithRetry(ctx, in.TenantID, ids, operatingDay)
		if err != nil {
			// Routing proceeds optimistically without a capacity view;
			// Reserve stays the enforcement point for capped candidates.
			slog.Warn("capacity snapshot unavailable",
				"proposal_id", in.Proposal.ID,
				"error", err,
			)
			reserved = nil
		}

		routed := routing.Route(routing.Input{
			Proposal:       in.Proposal,
			Counterparties: counterparties,
			Arrangements:   arrangements,
			Reserved:       reserved,
			Excluded:       excluded,
		})

		entry.EvaluatedCounterparties = routed.Evaluated
		entry.OrchestrationResult = routed.Result

		if routed.Selected == nil {
			return
		}

		if in.Preview {
			id := routed.Selected.ID
			entry.SelectedCounterpartyID = &id
			return
		}

		res, err := p.reserveWithRetry(ctx, in, routed.Selected, operatingDay)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				// A timed-out reservation exhausts this candidate for
				// this attempt; the next-ranked one gets its chance.
				slog.Warn("capacity reservation timed out",
					"proposal_id", in.Proposal.ID,
					"counterparty_id", routed.Selected.ID,
				)
				excluded[routed.Selected.ID] = domain.ReasonReserveTimeout
				continue
			}
			// A reservation the retries could not land skips the
			// candidate; the alertable failure is in the log entry.
			slog.Error("capacity reservation failed",
				"proposal_id", in.Proposal.ID,
				"counterparty_id", routed.Selected.ID,
				"error", err,
			)
			excluded[routed.Selected.ID] = domain.ReasonLedgerUnavailable
			continue
		}

		if !res.OK {
			// Lost a capacity race since the snapshot; not an error.
			excluded[routed.Selected.ID] = domain.ReasonCapacityExhausted
			continue
		}

		id := routed.Selected.ID
		entry.SelectedCounterpartyID = &id
		entry.OrchestrationResult = domain.ResultSuccess
		return
	}

	// Every candidate raced out.
	entry.SelectedCounterpartyID = nil
	entry.OrchestrationResult = domain.ResultNoEligibleCounterparty
}

// snapshotWithRetry reads reserved totals, retrying transient store
// failures with doubling backoff. Context errors are never retried.
func (p *Processor) snapshotWithRetry(ctx context.Context, tenantID string, ids []string, operatingDay string) (map[string]float64, error) {
	var lastErr error
	for attempt := 0; attempt < ledgerAttempts; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		reserved, err := p.ledger.Snapshot(ctx, tenantID, ids, operatingDay)
		if err == nil {
			return reserved, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// reserveWithRetry reserves capacity, retrying transient store failures
// with doubling backoff. Context errors are never retried.
func (p *Processor) reserveWithRetry(ctx context.Context, in Input, cp *domain.Counterparty, operatingDay string) (domain.Reservation, error) {
	var lastErr error
	for attempt := 0; attempt < ledgerAttempts; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return domain.Reservation{}, err
			}
		}
		res, err := p.ledger.Reserve(ctx, in.TenantID, cp.ID, operatingDay,
			in.Proposal.RequestedAmount, cp.DailyCapacity, in.Proposal.ID)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return domain.Reservation{}, err
		}
		lastErr = err
	}
	return domain.Reservation{}, lastErr
}

// backoff waits before the given retry attempt, honoring cancellation.
func (p *Processor) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.retryBackoff << (attempt - 1))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// finish stamps timing and records the entry. Recording failures land
// in out.LogErr, never in the pipeline error.
func (p *Processor) finish(ctx context.Context, in Input, entry *domain.DecisionLogEntry, start time.Time, out *Outcome) {
	entry.ExecutionTimeMs = p.now().Sub(start).Milliseconds()

	if in.Preview || p.recorder == nil {
		return
	}
	out.LogErr = p.recorder.Record(ctx, in.TenantID, entry)
}
