package domain

import (
	"context"
	"time"
)

// Repository defines the interface for configuration and decision-log
// persistence. All methods require tenantID for strict multi-tenancy
// isolation. Proposals are not stored here: the surrounding record
// store owns them.
type Repository interface {
	// Business rule operations
	SaveRule(ctx context.Context, tenantID string, rule *BusinessRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*BusinessRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*BusinessRule, error)

	// Counterparty operations
	SaveCounterparty(ctx context.Context, tenantID string, cp *Counterparty) error
	GetCounterparty(ctx context.Context, tenantID string, cpID string) (*Counterparty, error)
	ListCounterparties(ctx context.Context, tenantID string) ([]*Counterparty, error)

	// Orchestration rule (arrangement) operations
	SaveArrangement(ctx context.Context, tenantID string, arr *OrchestrationRule) error
	GetArrangement(ctx context.Context, tenantID string, arrID string) (*OrchestrationRule, error)
	ListArrangements(ctx context.Context, tenantID string) ([]*OrchestrationRule, error)
	DeleteArrangement(ctx context.Context, tenantID string, arrID string) error

	// Decision log: append-only, never updated or deleted.
	SaveDecision(ctx context.Context, tenantID string, entry *DecisionLogEntry) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*DecisionLogEntry, error)
	ListDecisionsByProposal(ctx context.Context, tenantID string, proposalID string) ([]*DecisionLogEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
