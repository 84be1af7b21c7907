package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/decisionlog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// memoryRepo is a minimal in-memory repository for pipeline tests.
type memoryRepo struct {
	domain.Repository

	decisions []*domain.DecisionLogEntry
	failSave  bool
}

func (m *memoryRepo) SaveDecision(ctx context.Context, tenantID string, entry *domain.DecisionLogEntry) error {
	if m.failSave {
		return errors.New("store unavailable")
	}
	m.decisions = append(m.decisions, entry)
	return nil
}

func fptr(f float64) *float64 { return &f }

type pipelineFixture struct {
	processor *Processor
	repo      *memoryRepo
	ledger    *ledger.MemoryLedger
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	reg, err := registry.New()
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	repo := &memoryRepo{}
	led := ledger.NewMemoryLedger()
	t.Cleanup(func() { led.Close() })

	return &pipelineFixture{
		processor: NewProcessor(rules.NewEvaluator(), reg, led, decisionlog.NewRecorder(repo, nil)),
		repo:      repo,
		ledger:    led,
	}
}

func (f *pipelineFixture) loadCounterparty(t *testing.T, cp *domain.Counterparty) {
	t.Helper()
	if err := f.processor.registry.LoadCounterparty(cp); err != nil {
		t.Fatalf("failed to load counterparty: %v", err)
	}
}

func (f *pipelineFixture) loadRule(t *testing.T, rule *domain.BusinessRule) {
	t.Helper()
	if err := f.processor.evaluator.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
}

func pipelineProposal() *domain.Proposal {
	return &domain.Proposal{
		ID:                  "prop-001",
		TenantID:            "tenant-001",
		BorrowerID:          "borrower-001",
		RequestedAmount:     500,
		BorrowerAge:         40,
		BorrowerCreditScore: 700,
	}
}

func standardFIDC(id string, priority int, capacity *float64) *domain.Counterparty {
	return &domain.Counterparty{
		ID: id, Name: "FIDC " + id,
		IsActive: true, AcceptsNewOperation: true,
		MinBorrowerAge: 18, MaxBorrowerAge: 75,
		MinOperationAmount: 100, MaxOperationAmount: 100000,
		Priority: priority, DailyCapacity: capacity,
		PurchaseDiscount: 10,
	}
}

func TestProcessApprovesAndReserves(t *testing.T) {
	f := newFixture(t)
	f.loadCounterparty(t, standardFIDC("fidc-a", 1, fptr(10000)))

	out, err := f.processor.Process(context.Background(), Input{
		TenantID: "tenant-001",
		Proposal: pipelineProposal(),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entry := out.Entry
	if entry.FinalAction != domain.ActionApprove {
		t.Errorf("expected approve, got %s", entry.FinalAction)
	}
	if entry.OrchestrationResult != domain.ResultSuccess {
		t.Errorf("expected success, got %s", entry.OrchestrationResult)
	}
	if entry.SelectedCounterpartyID == nil || *entry.SelectedCounterpartyID != "fidc-a" {
		t.Errorf("expected fidc-a selected, got %v", entry.SelectedCounterpartyID)
	}
	if out.LogErr != nil {
		t.Errorf("unexpected log error: %v", out.LogErr)
	}
	if len(f.repo.decisions) != 1 {
		t.Fatalf("expected 1 decision log entry, got %d", len(f.repo.decisions))
	}

	day := domain.OperatingDay(entry.Timestamp)
	reserved, _ := f.ledger.Reserved(context.Background(), "tenant-001", "fidc-a", day)
	if reserved != 500 {
		t.Errorf("expected 500 reserved, got %v", reserved)
	}
}

func TestProcessRejectSkipsRouting(t *testing.T) {
	f := newFixture(t)
	f.loadCounterparty(t, standardFIDC("fidc-a", 1, nil))
	f.loadRule(t, &domain.BusinessRule{
		ID: "reject-all", Name: "reject all", Field: "requested_amount",
		Operator: domain.OpGreaterThan, Value: 0.0,
		Action: domain.ActionReject, Priority: 1, IsActive: true,
	})

	out, err := f.processor.Process(context.Background(), Input{
		TenantID: "tenant-001",
		Proposal: pipelineProposal(),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entry := out.Entry
	if entry.FinalAction != domain.ActionReject {
		t.Errorf("expected reject, got %s", entry.FinalAction)
	}
	if entry.OrchestrationResult != domain.ResultRejectedByRules {
		t.Errorf("expected rejected_by_rules, got %s", entry.OrchestrationResult)
	}
	if entry.SelectedCounterpartyID != nil {
		t.Errorf("expected nil counterparty, got %v", *entry.SelectedCounterpartyID)
	}
	if len(entry.EvaluatedCounterparties) != 0 {
		t.Errorf("routing must not run for rejected proposals, got %d evaluations", len(entry.EvaluatedCounterparties))
	}

	// Rejection never reaches the ledger.
	day := domain.OperatingDay(entry.Timestamp)
	reserved, _ := f.ledger.Reserved(context.Background(), "tenant-001", "fidc-a", day)
	if reserved != 0 {
		t.Errorf("expected 0 reserved, got %v", reserved)
	}
}

func TestProcessNoEligibleCounterpartyIsLogged(t *testing.T) {
	f := newFixture(t)
	cp := standardFIDC("fidc-a", 1, nil)
	cp.MinBorrowerAge = 60 // proposal age 40 disqualifies
	f.loadCounterparty(t, cp)

	out, err := f.processor.Process(context.Background(), Input{
		TenantID: "tenant-001",
		Proposal: pipelineProposal(),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entry := out.Entry
	if entry.OrchestrationResult != domain.ResultNoEligibleCounterparty {
		t.Errorf("expected no_eligible_counterparty, got %s", entry.OrchestrationResult)
	}
	if entry.SelectedCounterpartyID != nil {
		t.Error("expected nil selected counterparty")
	}
	if len(entry.EvaluatedCounterparties) != 1 {
		t.Fatalf("expected 1 evaluated counterparty, got %d", len(entry.EvaluatedCounterparties))
	}
	if entry.EvaluatedCounterparties[0].Reason != domain.ReasonAgeBelowMin {
		t.Errorf("expected disqualifying reason recorded, got %q", entry.EvaluatedCounterparties[0].Reason)
	}
	if len(f.repo.decisions) != 1 {
		t.Errorf("no-eligible outcome must still be logged, got %d entries", len(f.repo.decisions))
	}
}

func TestProcessRetriesNextCandidateOnCapacityRace(t *testing.T) {
	f := newFixture(t)
	f.loadCounterparty(t, standardFIDC("fidc-a", 1, fptr(1000)))
	f.loadCounterparty(t, standardFIDC("fidc-b", 2, fptr(10000)))

	ctx := context.Background()
	// Exhaust fidc-a behind the router's back, as a racing proposal
	// would between snapshot and reserve.
	if _, err := f.ledger.Reserve(ctx, "tenant-001", "fidc-a", domain.OperatingDay(f.processor.now()), 1000, fptr(1000), "prop-racer"); err != nil {
		t.Fatalf("seed reservation failed: %v", err)
	}

	out, err := f.processor.Process(ctx, Input{
		TenantID: "tenant-001",
		Proposal: pipelineProposal(),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entry := out.Entry
	if entry.OrchestrationResult != domain.ResultSuccess {
		t.Fatalf("expected success via fallback, got %s", entry.OrchestrationResult)
	}
	if *entry.SelectedCounterpartyID != "fidc-b" {
		t.Errorf("expected fidc-b after fidc-a exhausted, got %s", *entry.SelectedCounterpartyID)
	}
}

func TestProcessPreviewHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.loadCounterparty(t, standardFIDC("fidc-a", 1, fptr(10000)))

	out, err := f.processor.Process(context.Background(), Input{
		TenantID: "tenant-001",
		Proposal: pipelineProposal(),
		Preview:  true,
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if out.Entry.SelectedCounterpartyID == nil || *out.Entry.SelectedCounterpartyID != "fidc-a" {
		t.Errorf("preview must still report the selection, got %v", out.Entry.SelectedCounterpartyID)
	}

	day := domain.OperatingDay(out.Entry.Timestamp)
	reserved, _ := f.ledger.Reserved(context.Background(), "tenant-001", "fidc-a", day)
	if reserved != 0 {
		t.Errorf("preview must not reserve capacity, got %v", reserved)
	}
	if len(f.repo.decisions) != 0 {
		t.Errorf("preview must not write the decision log, got %d entries", len(f.repo.decisions))
	}
}

func TestProcessLogFailureDoesNotBlockDecision(t *testing.T) {
	f := newFixture(t)
	f.repo.failSave = true
	f.loadCounterparty(t, standardFIDC("fidc-a", 1, nil))

	out, err := f.processor.Process(context.Background(), Input{
		TenantID: "tenant-001",
		Proposal: pipelineProposal(),
	})
	if err != nil {
		t.Fatalf("a logging outage must not fail the pipeline: %v", err)
	}

	if out.Entry.OrchestrationResult != domain.ResultSuccess {
		t.Errorf("business outcome must stand, got %s", out.Entry.OrchestrationResult)
	}
	if out.LogErr == nil {
		t.Error("logging outage must be surfaced distinctly via LogErr")
	}
}

// flakyLedger fails Reserve a fixed number of times before delegating,
// as a redis blip between connection retries would.
type flakyLedger struct {
	domain.Ledger
	failures int
	calls    int
}

func (f *flakyLedger) Reserve(ctx context.Context, tenantID, counterpartyID, operatingDay string, amount float64, capacity *float64, proposalID string) (domain.Reservation, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.Reservation{}, errors.New("redis: connection refused")
	}
	return f.Ledger.Reserve(ctx, tenantID, counterpartyID, operatingDay, amount, capacity, proposalID)
}

// downLedger fails every call, as a full ledger outage would.
type downLedger struct {
	domain.Ledger
}

func (d *downLedger) Reserve(ctx context.Context, tenantID, counterpartyID, operatingDay string, amount float64, capacity *float64, proposalID string) (domain.Reservation, error) {
	return domain.Reservation{}, errors.New("redis: connection refused")
}

func (d *downLedger) Snapshot(ctx context.Context, tenantID string, counterpartyIDs []string, operatingDay string) (map[string]float64, error) {
	return nil, errors.New("redis: connection refused")
}

func TestProcessRetriesTransientLedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.loadCounterparty(t, standardFIDC("fidc-a", 1, fptr(10000)))

	flaky := &flakyLedger{Ledger: f.ledger, failures: 2}
	f.processor.ledger = flaky
	f.processor.retryBackoff = time.Millisecond

	out, err := f.processor.Process(context.Background(), Input{
		TenantID: "tenant-001",
		Proposal: pipelineProposal(),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	entry := out.Entry
	if entry.OrchestrationResult != domain.ResultSuccess {
		t.Fatalf("expected success after retries, got %s", entry.OrchestrationResult)
	}
	if entry.SelectedCounterpartyID == nil || *entry.SelectedCounterpartyID != "fidc-a" {
		t.Errorf("expected fidc-a selected, got %v", entry.SelectedCounterpartyID)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 reserve attempts, got %d", flaky.calls)
	}

	day := domain.OperatingDay(entry.Timestamp)
	reserved, _ := f.ledger.Reserved(context.Background(), "tenant-001", "fidc-a", day)
	if reserved != 500 {
		t.Errorf("expected 500 reserved after retry, got %v", reserved)
	}
}

func TestProcessLedgerOutageStillLogsDecision(t *testing.T) {
	f := newFixture(t)
	f.loadCounterparty(t, standardFIDC("fidc-a", 1, fptr(10000)))

	f.processor.ledger = &downLedger{Ledger: f.ledger}
	f.processor.retryBackoff = time.Millisecond

	out, err := f.processor.Process(context.Background(), Input{
		TenantID: "tenant-001",
		Proposal: pipelineProposal(),
	})
	if err != nil {
		t.Fatalf("a ledger outage must not fail the pipeline: %v", err)
	}

	entry := out.Entry
	if entry.OrchestrationResult != domain.ResultNoEligibleCounterparty {
		t.Errorf("expected no_eligible_counterparty, got %s", entry.OrchestrationResult)
	}
	if entry.SelectedCounterpartyID != nil {
		t.Errorf("no counterparty must be selected, got %s", *entry.SelectedCounterpartyID)
	}
	if len(f.repo.decisions) != 1 {
		t.Fatalf("outage outcome must still be logged, got %d entries", len(f.repo.decisions))
	}

	found := false
	for _, ec := range entry.EvaluatedCounterparties {
		if ec.CounterpartyID == "fidc-a" && ec.Reason == domain.ReasonLedgerUnavailable {
			found = true
		}
	}
	if !found {
		t.Errorf("expected fidc-a disqualified as %q, got %v", domain.ReasonLedgerUnavailable, entry.EvaluatedCounterparties)
	}
}

func TestProcessReservationIsIdempotentAcrossRetries(t *testing.T) {
	f := newFixture(t)
	f.loadCounterparty(t, standardFIDC("fidc-a", 1, fptr(10000)))

	ctx := context.Background()
	p := pipelineProposal()

	first, err := f.processor.Process(ctx, Input{TenantID: "tenant-001", Proposal: p})
	if err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if _, err := f.processor.Process(ctx, Input{TenantID: "tenant-001", Proposal: p}); err != nil {
		t.Fatalf("retried Process failed: %v", err)
	}

	day := domain.OperatingDay(first.Entry.Timestamp)
	reserved, _ := f.ledger.Reserved(ctx, "tenant-001", "fidc-a", day)
	if reserved != 500 {
		t.Errorf("retried proposal must not double-reserve: got %v", reserved)
	}
}
