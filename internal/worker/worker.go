// Package worker provides async proposal processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker consumes proposals from the EventBus and runs them through the
// decision pipeline. Used when proposals arrive from the origination
// system over messaging instead of the synchronous API.
type Worker struct {
	bus       domain.EventBus
	processor *decision.Processor

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor *decision.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing proposals for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicProposalReceived, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicProposalReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processProposal(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicProposalReceived,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processProposal(ctx, msg.TenantID, msg)
}

// ProposalMessage is the message payload for async proposal processing.
type ProposalMessage struct {
	ProposalID          string         `json:"proposalId"`
	TenantID            string         `json:"tenantId"`
	TraceID             string         `json:"traceId,omitempty"`
	BorrowerID          string         `json:"borrowerId"`
	ConvenioID          string         `json:"convenioId,omitempty"`
	SCDPartner          string         `json:"scdPartner,omitempty"`
	Channel             string         `json:"channel,omitempty"`
	RequestedAmount     float64        `json:"requestedAmount"`
	InterestRate        float64        `json:"interestRate,omitempty"`
	InstallmentCount    int            `json:"installmentCount,omitempty"`
	BorrowerAge         int            `json:"borrowerAge"`
	BorrowerCreditScore int            `json:"borrowerCreditScore,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// processProposal runs one proposal through the decision pipeline.
// In-flight handlers are tracked so Stop can drain them.
func (w *Worker) processProposal(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	var pm ProposalMessage
	if err := json.Unmarshal(msg.Payload, &pm); err != nil {
		slog.Error("failed to parse proposal message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if pm.TenantID != "" {
		tenantID = pm.TenantID
	}

	traceID := pm.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing proposal",
		"proposal_id", pm.ProposalID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	now := time.Now().UTC()
	proposal := &domain.Proposal{
		ID:                  pm.ProposalID,
		TenantID:            tenantID,
		BorrowerID:          pm.BorrowerID,
		ConvenioID:          pm.ConvenioID,
		SCDPartner:          pm.SCDPartner,
		Channel:             pm.Channel,
		RequestedAmount:     pm.RequestedAmount,
		InterestRate:        pm.InterestRate,
		InstallmentCount:    pm.InstallmentCount,
		BorrowerAge:         pm.BorrowerAge,
		BorrowerCreditScore: pm.BorrowerCreditScore,
		Timestamp:           now,
		CreatedAt:           now,
		Metadata:            pm.Metadata,
	}

	out, err := w.processor.Process(ctx, decision.Input{
		TenantID: tenantID,
		Proposal: proposal,
		TraceID:  traceID,
	})
	if err != nil {
		slog.Error("proposal evaluation failed",
			"proposal_id", pm.ProposalID,
			"error", err,
		)
		return err
	}

	entry := out.Entry

	// A proposal no counterparty will take is an operational signal:
	// the desk needs to open capacity or adjust eligibility windows.
	if entry.OrchestrationResult == domain.ResultNoEligibleCounterparty {
		payload, _ := json.Marshal(entry)
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"proposal_id", pm.ProposalID,
				"error", err,
			)
		}
	}

	slog.Info("proposal processed",
		"proposal_id", pm.ProposalID,
		"tenant_id", tenantID,
		"action", entry.FinalAction,
		"result", entry.OrchestrationResult,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
