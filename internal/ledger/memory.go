package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryLedger is a thread-safe in-process capacity ledger.
// Used as the Community tier ledger. Locking is per
// (tenant, counterparty, day) key: the outer map lock only guards
// key creation, so reservations against unrelated counterparties never
// serialize on each other.
type MemoryLedger struct {
	mu   sync.RWMutex
	days map[string]*dayAccount
}

// dayAccount tracks one counterparty's consumption for one operating
// day, plus the committed result per proposal for idempotent retries.
type dayAccount struct {
	mu        sync.Mutex
	reserved  float64
	proposals map[string]domain.Reservation
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		days: make(map[string]*dayAccount),
	}
}

// Reserve atomically reserves amount against the day's capacity.
func (l *MemoryLedger) Reserve(ctx context.Context, tenantID, counterpartyID, operatingDay string, amount float64, capacity *float64, proposalID string) (domain.Reservation, error) {
	if tenantID == "" {
		return domain.Reservation{}, fmt.Errorf("tenantID is required")
	}
	if proposalID == "" {
		return domain.Reservation{}, fmt.Errorf("proposalID is required")
	}

	account := l.account(makeKey(tenantID, counterpartyID, operatingDay))

	account.mu.Lock()
	defer account.mu.Unlock()

	if prior, ok := account.proposals[proposalID]; ok {
		prior.Duplicate = true
		return prior, nil
	}

	var res domain.Reservation
	switch {
	case capacity == nil:
		// Uncapped counterparties always succeed; consumption is still
		// tracked so capacity snapshots stay meaningful.
		account.reserved += amount
		res = domain.Reservation{OK: true, Uncapped: true}

	case account.reserved+amount <= *capacity:
		account.reserved += amount
		res = domain.Reservation{OK: true, Remaining: *capacity - account.reserved}

	default:
		res = domain.Reservation{OK: false, Remaining: *capacity - account.reserved}
	}

	account.proposals[proposalID] = res
	return res, nil
}

// Reserved returns the committed total for the key.
func (l *MemoryLedger) Reserved(ctx context.Context, tenantID, counterpartyID, operatingDay string) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	l.mu.RLock()
	account, ok := l.days[makeKey(tenantID, counterpartyID, operatingDay)]
	l.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	account.mu.Lock()
	defer account.mu.Unlock()
	return account.reserved, nil
}

// Snapshot reads the reserved totals for a set of counterparties.
func (l *MemoryLedger) Snapshot(ctx context.Context, tenantID string, counterpartyIDs []string, operatingDay string) (map[string]float64, error) {
	snapshot := make(map[string]float64, len(counterpartyIDs))
	for _, id := range counterpartyIDs {
		reserved, err := l.Reserved(ctx, tenantID, id, operatingDay)
		if err != nil {
			return nil, err
		}
		snapshot[id] = reserved
	}
	return snapshot, nil
}

// Ping always succeeds for the in-memory ledger.
func (l *MemoryLedger) Ping(ctx context.Context) error {
	return nil
}

// Close releases all accounts.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.days = make(map[string]*dayAccount)
	return nil
}

func (l *MemoryLedger) account(key string) *dayAccount {
	l.mu.RLock()
	account, ok := l.days[key]
	l.mu.RUnlock()
	if ok {
		return account
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if account, ok = l.days[key]; ok {
		return account
	}
	account = &dayAccount{proposals: make(map[string]domain.Reservation)}
	l.days[key] = account
	return account
}
