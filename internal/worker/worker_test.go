package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/decisionlog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// recordingRepo captures saved decisions for assertions.
type recordingRepo struct {
	domain.Repository

	mu        sync.Mutex
	decisions []*domain.DecisionLogEntry
}

func (r *recordingRepo) SaveDecision(ctx context.Context, tenantID string, entry *domain.DecisionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, entry)
	return nil
}

func (r *recordingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.decisions)
}

func (r *recordingRepo) last() *domain.DecisionLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.decisions) == 0 {
		return nil
	}
	return r.decisions[len(r.decisions)-1]
}

func newTestWorker(t *testing.T, seed func(*registry.Registry)) (*Worker, *bus.ChannelBus, *recordingRepo) {
	t.Helper()

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	reg, err := registry.New()
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	if seed != nil {
		seed(reg)
	}

	repo := &recordingRepo{}
	led := ledger.NewMemoryLedger()
	t.Cleanup(func() { led.Close() })

	processor := decision.NewProcessor(rules.NewEvaluator(), reg, led, decisionlog.NewRecorder(repo, eventBus))
	w := NewWorker(eventBus, processor)
	t.Cleanup(func() { w.Stop() })

	return w, eventBus, repo
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func acceptingFIDC(id string) *domain.Counterparty {
	return &domain.Counterparty{
		ID: id, Name: "FIDC " + id,
		IsActive: true, AcceptsNewOperation: true,
		MinBorrowerAge: 18, MaxBorrowerAge: 75,
		MinOperationAmount: 100, MaxOperationAmount: 100000,
		Priority: 1,
	}
}

func TestWorkerProcessesProposal(t *testing.T) {
	w, eventBus, repo := newTestWorker(t, func(reg *registry.Registry) {
		if err := reg.LoadCounterparty(acceptingFIDC("fidc-a")); err != nil {
			t.Fatalf("failed to load counterparty: %v", err)
		}
	})

	tenantID := "tenant-001"
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	payload := []byte(`{
		"proposalId": "prop-async-1",
		"borrowerId": "borrower-001",
		"requestedAmount": 2000,
		"borrowerAge": 45
	}`)

	if err := eventBus.Publish(context.Background(), tenantID, domain.TopicProposalReceived, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return repo.count() == 1 })

	entry := repo.last()
	if entry.ProposalID != "prop-async-1" {
		t.Errorf("unexpected proposal id: %s", entry.ProposalID)
	}
	if entry.OrchestrationResult != domain.ResultSuccess {
		t.Errorf("expected success, got %s", entry.OrchestrationResult)
	}
}

func TestWorkerAlertsOnNoEligibleCounterparty(t *testing.T) {
	// Registry left empty: nothing can take the proposal.
	w, eventBus, repo := newTestWorker(t, nil)

	tenantID := "tenant-001"

	var alerted sync.WaitGroup
	alerted.Add(1)
	_, err := eventBus.Subscribe(context.Background(), tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerted.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	payload := []byte(`{
		"proposalId": "prop-stranded",
		"borrowerId": "borrower-001",
		"requestedAmount": 2000,
		"borrowerAge": 45
	}`)
	if err := eventBus.Publish(context.Background(), tenantID, domain.TopicProposalReceived, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		alerted.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for alert")
	}

	waitFor(t, 2*time.Second, func() bool { return repo.count() == 1 })
	if repo.last().OrchestrationResult != domain.ResultNoEligibleCounterparty {
		t.Errorf("expected no_eligible_counterparty, got %s", repo.last().OrchestrationResult)
	}
}

func TestWorkerIgnoresMalformedMessage(t *testing.T) {
	w, eventBus, repo := newTestWorker(t, nil)

	tenantID := "tenant-001"
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := eventBus.Publish(context.Background(), tenantID, domain.TopicProposalReceived, []byte("{broken")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Malformed messages are dropped, never recorded.
	time.Sleep(100 * time.Millisecond)
	if repo.count() != 0 {
		t.Errorf("expected no decisions from malformed input, got %d", repo.count())
	}

	// The worker stays up and processes the next valid message.
	w2, eventBus2, repo2 := newTestWorker(t, func(reg *registry.Registry) {
		reg.LoadCounterparty(acceptingFIDC("fidc-a"))
	})
	if err := w2.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	payload := []byte(`{"proposalId":"prop-ok","borrowerId":"b","requestedAmount":500,"borrowerAge":30}`)
	if err := eventBus2.Publish(context.Background(), tenantID, domain.TopicProposalReceived, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return repo2.count() == 1 })
}

// gatedRepo blocks SaveDecision until released, simulating a slow store
// with a handler in flight.
type gatedRepo struct {
	recordingRepo

	startedOnce sync.Once
	started     chan struct{}
	release     chan struct{}
}

func (g *gatedRepo) SaveDecision(ctx context.Context, tenantID string, entry *domain.DecisionLogEntry) error {
	g.startedOnce.Do(func() { close(g.started) })
	<-g.release
	return g.recordingRepo.SaveDecision(ctx, tenantID, entry)
}

func TestWorkerStopDrainsInFlightHandlers(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	reg, err := registry.New()
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	if err := reg.LoadCounterparty(acceptingFIDC("fidc-a")); err != nil {
		t.Fatalf("failed to load counterparty: %v", err)
	}

	repo := &gatedRepo{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	led := ledger.NewMemoryLedger()
	t.Cleanup(func() { led.Close() })

	processor := decision.NewProcessor(rules.NewEvaluator(), reg, led, decisionlog.NewRecorder(repo, nil))
	w := NewWorker(eventBus, processor)

	tenantID := "tenant-001"
	if err := w.Start(Config{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	payload := []byte(`{"proposalId":"prop-inflight","borrowerId":"b","requestedAmount":500,"borrowerAge":30}`)
	if err := eventBus.Publish(context.Background(), tenantID, domain.TopicProposalReceived, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-repo.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for handler to start")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(repo.release)
	}()

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Stop must not return until the in-flight decision is committed.
	if repo.count() != 1 {
		t.Errorf("expected in-flight decision drained before Stop returned, got %d", repo.count())
	}
}

func TestWorkerStartStop(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)

	if err := w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after stop")
	}
}
