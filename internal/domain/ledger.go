package domain

import (
	"context"
	"time"
)

// Ledger tracks daily capacity consumption per counterparty. It is the
// only stateful component of the engine: Reserve must be atomic per
// (counterparty, operating day) key and idempotent per proposal, so a
// retried reservation never double-counts. Routing reads the ledger but
// never mutates it; Reserve is the single externally durable step.
// All methods require tenantID for strict multi-tenancy isolation.
type Ledger interface {
	// Reserve atomically reserves amount against the counterparty's
	// capacity for the operating day. capacity is nil for uncapped
	// counterparties, which always succeed. The proposalID is the
	// idempotency key: a retry returns the previously committed result.
	Reserve(ctx context.Context, tenantID, counterpartyID, operatingDay string, amount float64, capacity *float64, proposalID string) (Reservation, error)

	// Reserved returns the committed reservation total for the key.
	Reserved(ctx context.Context, tenantID, counterpartyID, operatingDay string) (float64, error)

	// Snapshot returns the reserved totals for a set of counterparties,
	// read once so routing sees a consistent view.
	Snapshot(ctx context.Context, tenantID string, counterpartyIDs []string, operatingDay string) (map[string]float64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Reservation is the outcome of a Reserve call. A losing call under a
// capacity race reports OK=false; that is not an error.
type Reservation struct {
	OK bool `json:"ok"`

	// Remaining capacity after the call; meaningless when Uncapped.
	Remaining float64 `json:"remaining"`

	// Uncapped reports unbounded remaining capacity.
	Uncapped bool `json:"uncapped"`

	// Duplicate marks a replayed result from an earlier call with the
	// same proposal ID.
	Duplicate bool `json:"duplicate"`
}

// LedgerConfig holds configuration for ledger initialization.
type LedgerConfig struct {
	// Type is the ledger type: "memory" or "redis"
	Type string

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ReserveTimeout bounds a single remote Reserve call. A timed-out
	// reservation is treated as an exhausted candidate, not a failure.
	ReserveTimeout time.Duration

	// EntryTTL controls how long day keys live in the remote store.
	EntryTTL time.Duration
}
