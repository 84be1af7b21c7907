// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule stores a business rule with tenant isolation.
// Upserts on (id, tenant_id) so edits replace the stored rule.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.BusinessRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	value, _ := json.Marshal(rule.Value)
	actionParam, _ := json.Marshal(rule.ActionParam)

	active := 0
	if rule.IsActive {
		active = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO business_rules (
			id, tenant_id, name, category, field, operator, value,
			action, action_param, priority, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			field = excluded.field,
			operator = excluded.operator,
			value = excluded.value,
			action = excluded.action,
			action_param = excluded.action_param,
			priority = excluded.priority,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Category,
		rule.Field, rule.Operator, string(value),
		rule.Action, string(actionParam), rule.Priority, active,
		now, now,
	)
	return err
}

// GetRule retrieves a business rule by ID with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.BusinessRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, category, field, operator, value,
			   action, action_param, priority, is_active, created_at, updated_at
		FROM business_rules
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all business rules for a tenant, ordered by
// evaluation priority.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.BusinessRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, category, field, operator, value,
			   action, action_param, priority, is_active, created_at, updated_at
		FROM business_rules
		WHERE tenant_id = ?
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.BusinessRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.BusinessRule, error) {
	var rule domain.BusinessRule
	var value, actionParam string
	var active int

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Category,
		&rule.Field, &rule.Operator, &value,
		&rule.Action, &actionParam, &rule.Priority, &active,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.IsActive = active == 1
	if err := json.Unmarshal([]byte(value), &rule.Value); err != nil {
		return nil, fmt.Errorf("failed to parse rule value for %s: %w", rule.ID, err)
	}
	if actionParam != "" {
		json.Unmarshal([]byte(actionParam), &rule.ActionParam)
	}

	return &rule, nil
}

// SaveCounterparty stores a counterparty with tenant isolation.
func (r *SQLRepository) SaveCounterparty(ctx context.Context, tenantID string, cp *domain.Counterparty) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	active := 0
	if cp.IsActive {
		active = 1
	}
	accepts := 0
	if cp.AcceptsNewOperation {
		accepts = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO counterparties (
			id, tenant_id, name, is_active, accepts_new_operations,
			min_borrower_age, max_borrower_age,
			min_operation_amount, max_operation_amount,
			min_credit_score, priority, daily_capacity, purchase_discount,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			accepts_new_operations = excluded.accepts_new_operations,
			min_borrower_age = excluded.min_borrower_age,
			max_borrower_age = excluded.max_borrower_age,
			min_operation_amount = excluded.min_operation_amount,
			max_operation_amount = excluded.max_operation_amount,
			min_credit_score = excluded.min_credit_score,
			priority = excluded.priority,
			daily_capacity = excluded.daily_capacity,
			purchase_discount = excluded.purchase_discount,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cp.ID, tenantID, cp.Name, active, accepts,
		cp.MinBorrowerAge, cp.MaxBorrowerAge,
		cp.MinOperationAmount, cp.MaxOperationAmount,
		cp.MinCreditScore, cp.Priority, cp.DailyCapacity, cp.PurchaseDiscount,
		now, now,
	)
	return err
}

// GetCounterparty retrieves a counterparty by ID with tenant isolation.
func (r *SQLRepository) GetCounterparty(ctx context.Context, tenantID string, cpID string) (*domain.Counterparty, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, is_active, accepts_new_operations,
			   min_borrower_age, max_borrower_age,
			   min_operation_amount, max_operation_amount,
			   min_credit_score, priority, daily_capacity, purchase_discount,
			   created_at, updated_at
		FROM counterparties
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, cpID)
	cp, err := scanCounterparty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cp, err
}

// ListCounterparties retrieves all counterparties for a tenant.
func (r *SQLRepository) ListCounterparties(ctx context.Context, tenantID string) ([]*domain.Counterparty, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, is_active, accepts_new_operations,
			   min_borrower_age, max_borrower_age,
			   min_operation_amount, max_operation_amount,
			   min_credit_score, priority, daily_capacity, purchase_discount,
			   created_at, updated_at
		FROM counterparties
		WHERE tenant_id = ?
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Counterparty
	for rows.Next() {
		cp, err := scanCounterparty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCounterparty(row rowScanner) (*domain.Counterparty, error) {
	var cp domain.Counterparty
	var active, accepts int
	var minScore sql.NullInt64
	var capacity sql.NullFloat64

	err := row.Scan(
		&cp.ID, &cp.TenantID, &cp.Name, &active, &accepts,
		&cp.MinBorrowerAge, &cp.MaxBorrowerAge,
		&cp.MinOperationAmount, &cp.MaxOperationAmount,
		&minScore, &cp.Priority, &capacity, &cp.PurchaseDiscount,
		&cp.CreatedAt, &cp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cp.IsActive = active == 1
	cp.AcceptsNewOperation = accepts == 1
	if minScore.Valid {
		v := int(minScore.Int64)
		cp.MinCreditScore = &v
	}
	if capacity.Valid {
		v := capacity.Float64
		cp.DailyCapacity = &v
	}

	return &cp, nil
}

// SaveArrangement stores an orchestration rule with tenant isolation.
func (r *SQLRepository) SaveArrangement(ctx context.Context, tenantID string, arr *domain.OrchestrationRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	preferred, _ := json.Marshal(arr.PreferredFIDCs)

	active := 0
	if arr.IsActive {
		active = 1
	}
	system := 0
	if arr.IsSystemRule {
		system = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO orchestration_rules (
			id, tenant_id, name, is_active, is_system_rule,
			convenio_id, scd_partner, scope_expression,
			route_by, preferred_fidcs, priority, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			is_system_rule = excluded.is_system_rule,
			convenio_id = excluded.convenio_id,
			scd_partner = excluded.scd_partner,
			scope_expression = excluded.scope_expression,
			route_by = excluded.route_by,
			preferred_fidcs = excluded.preferred_fidcs,
			priority = excluded.priority,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		arr.ID, tenantID, arr.Name, active, system,
		arr.ConvenioID, arr.SCDPartner, arr.ScopeExpression,
		arr.RouteBy, string(preferred), arr.Priority,
		now, now,
	)
	return err
}

// GetArrangement retrieves an orchestration rule by ID with tenant isolation.
func (r *SQLRepository) GetArrangement(ctx context.Context, tenantID string, arrID string) (*domain.OrchestrationRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, is_active, is_system_rule,
			   convenio_id, scd_partner, scope_expression,
			   route_by, preferred_fidcs, priority, created_at, updated_at
		FROM orchestration_rules
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, arrID)
	arr, err := scanArrangement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return arr, err
}

// ListArrangements retrieves all orchestration rules for a tenant,
// ordered by matching priority.
func (r *SQLRepository) ListArrangements(ctx context.Context, tenantID string) ([]*domain.OrchestrationRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, is_active, is_system_rule,
			   convenio_id, scd_partner, scope_expression,
			   route_by, preferred_fidcs, priority, created_at, updated_at
		FROM orchestration_rules
		WHERE tenant_id = ?
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.OrchestrationRule
	for rows.Next() {
		arr, err := scanArrangement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, arr)
	}
	return out, rows.Err()
}

func scanArrangement(row rowScanner) (*domain.OrchestrationRule, error) {
	var arr domain.OrchestrationRule
	var active, system int
	var convenio, scd, scope, preferred sql.NullString

	err := row.Scan(
		&arr.ID, &arr.TenantID, &arr.Name, &active, &system,
		&convenio, &scd, &scope,
		&arr.RouteBy, &preferred, &arr.Priority,
		&arr.CreatedAt, &arr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	arr.IsActive = active == 1
	arr.IsSystemRule = system == 1
	arr.ConvenioID = convenio.String
	arr.SCDPartner = scd.String
	arr.ScopeExpression = scope.String
	if preferred.String != "" {
		json.Unmarshal([]byte(preferred.String), &arr.PreferredFIDCs)
	}

	return &arr, nil
}

// DeleteArrangement removes an orchestration rule. System rules are
// refused at the handler layer before this is reached.
func (r *SQLRepository) DeleteArrangement(ctx context.Context, tenantID string, arrID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM orchestration_rules WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, arrID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveDecision appends a decision log entry. Strictly insert-only:
// there is no conflict clause, so replaying an ID fails rather than
// rewriting history.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, entry *domain.DecisionLogEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	triggered, _ := json.Marshal(entry.TriggeredRules)
	adjusted, _ := json.Marshal(entry.AdjustedFields)
	evaluated, _ := json.Marshal(entry.EvaluatedCounterparties)

	query := `
		INSERT INTO decision_log (
			id, tenant_id, proposal_id, timestamp,
			triggered_rules, final_action, adjusted_fields,
			evaluated_counterparties, selected_counterparty_id,
			orchestration_result, execution_time_ms, trace_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, tenantID, entry.ProposalID, entry.Timestamp,
		string(triggered), entry.FinalAction, string(adjusted),
		string(evaluated), entry.SelectedCounterpartyID,
		entry.OrchestrationResult, entry.ExecutionTimeMs, entry.TraceID,
	)
	return err
}

// GetDecision retrieves a decision log entry by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.DecisionLogEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, proposal_id, timestamp,
			   triggered_rules, final_action, adjusted_fields,
			   evaluated_counterparties, selected_counterparty_id,
			   orchestration_result, execution_time_ms, trace_id
		FROM decision_log
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID)
	entry, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// ListDecisionsByProposal retrieves every decision recorded for a
// proposal, oldest first, so retries show up as successive entries.
func (r *SQLRepository) ListDecisionsByProposal(ctx context.Context, tenantID string, proposalID string) ([]*domain.DecisionLogEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, proposal_id, timestamp,
			   triggered_rules, final_action, adjusted_fields,
			   evaluated_counterparties, selected_counterparty_id,
			   orchestration_result, execution_time_ms, trace_id
		FROM decision_log
		WHERE tenant_id = ? AND proposal_id = ?
		ORDER BY timestamp
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DecisionLogEntry
	for rows.Next() {
		entry, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanDecision(row rowScanner) (*domain.DecisionLogEntry, error) {
	var entry domain.DecisionLogEntry
	var triggered, adjusted, evaluated string
	var selected, traceID sql.NullString

	err := row.Scan(
		&entry.ID, &entry.TenantID, &entry.ProposalID, &entry.Timestamp,
		&triggered, &entry.FinalAction, &adjusted,
		&evaluated, &selected,
		&entry.OrchestrationResult, &entry.ExecutionTimeMs, &traceID,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(triggered), &entry.TriggeredRules)
	json.Unmarshal([]byte(adjusted), &entry.AdjustedFields)
	json.Unmarshal([]byte(evaluated), &entry.EvaluatedCounterparties)
	if selected.Valid {
		v := selected.String
		entry.SelectedCounterpartyID = &v
	}
	entry.TraceID = traceID.String

	return &entry, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
