package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaBusinessRules = `
CREATE TABLE IF NOT EXISTS business_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    field TEXT NOT NULL,
    operator TEXT NOT NULL,
    value TEXT NOT NULL,
    action TEXT NOT NULL,
    action_param TEXT,
    priority INTEGER NOT NULL DEFAULT 100,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_business_rules_tenant ON business_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_business_rules_active ON business_rules(tenant_id, is_active);
CREATE INDEX IF NOT EXISTS idx_business_rules_priority ON business_rules(tenant_id, priority);
`

const schemaCounterparties = `
CREATE TABLE IF NOT EXISTS counterparties (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    accepts_new_operations INTEGER NOT NULL DEFAULT 1,
    min_borrower_age INTEGER NOT NULL DEFAULT 0,
    max_borrower_age INTEGER NOT NULL DEFAULT 0,
    min_operation_amount REAL NOT NULL DEFAULT 0,
    max_operation_amount REAL NOT NULL DEFAULT 0,
    min_credit_score INTEGER,
    priority INTEGER NOT NULL DEFAULT 100,
    daily_capacity REAL,
    purchase_discount REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_counterparties_tenant ON counterparties(tenant_id);
CREATE INDEX IF NOT EXISTS idx_counterparties_active ON counterparties(tenant_id, is_active);
`

const schemaOrchestrationRules = `
CREATE TABLE IF NOT EXISTS orchestration_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    is_system_rule INTEGER NOT NULL DEFAULT 0,
    convenio_id TEXT,
    scd_partner TEXT,
    scope_expression TEXT,
    route_by TEXT NOT NULL,
    preferred_fidcs TEXT,
    priority INTEGER NOT NULL DEFAULT 100,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_orchestration_rules_tenant ON orchestration_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_orchestration_rules_priority ON orchestration_rules(tenant_id, priority);
`

// schemaDecisionLog is append-only: rows are inserted once and never
// updated or deleted, so there is no updated_at column and no upsert
// path anywhere in the repository.
const schemaDecisionLog = `
CREATE TABLE IF NOT EXISTS decision_log (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    proposal_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    triggered_rules TEXT NOT NULL,
    final_action TEXT NOT NULL,
    adjusted_fields TEXT,
    evaluated_counterparties TEXT,
    selected_counterparty_id TEXT,
    orchestration_result TEXT NOT NULL,
    execution_time_ms INTEGER NOT NULL DEFAULT 0,
    trace_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_decision_log_tenant ON decision_log(tenant_id);
CREATE INDEX IF NOT EXISTS idx_decision_log_proposal ON decision_log(tenant_id, proposal_id);
CREATE INDEX IF NOT EXISTS idx_decision_log_timestamp ON decision_log(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaBusinessRules,
		schemaCounterparties,
		schemaOrchestrationRules,
		schemaDecisionLog,
	}
}
