// Package ledger provides capacity ledger implementations.
package ledger

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a capacity ledger based on configuration.
// For Community tier: returns the in-memory ledger.
// For Pro tier: returns the Redis-backed ledger shared across nodes.
func New(cfg domain.LedgerConfig) (domain.Ledger, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryLedger(), nil

	case "redis":
		return NewRedisLedger(cfg)

	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", cfg.Type)
	}
}

func makeKey(tenantID, counterpartyID, operatingDay string) string {
	return tenantID + ":" + counterpartyID + ":" + operatingDay
}
