package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	ledger    domain.Ledger
	evaluator *rules.Evaluator
	registry  *registry.Registry
	processor *decision.Processor
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, ledger domain.Ledger, evaluator *rules.Evaluator, reg *registry.Registry, processor *decision.Processor, version string) *Handler {
	return &Handler{
		repo:      repo,
		ledger:    ledger,
		evaluator: evaluator,
		registry:  reg,
		processor: processor,
		version:   version,
	}
}

// ProposalRequest is the request body for POST /evaluate.
type ProposalRequest struct {
	ProposalID          string         `json:"proposalId"`
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

// EvaluateResponse wraps the decision with evaluation accumulations.
type EvaluateResponse struct {
	*domain.DecisionResponse
	RequiredDocuments []string `json:"requiredDocuments,omitempty"`
	Flags             []string `json:"flags,omitempty"`

	// DecisionLogged is false when the audit write failed; the decision
	// itself still stands.
	DecisionLogged bool `json:"decisionLogged"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, false)
}

// EvaluatePreview handles POST /evaluate/preview requests: same
// pipeline, but no capacity reservation and no decision log entry.
func (h *Handler) EvaluatePreview(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, true)
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request, preview bool) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req ProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.BorrowerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "borrowerId is required",
		})
		return
	}
	if req.RequestedAmount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "requestedAmount must be positive",
		})
		return
	}
	if req.BorrowerAge <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "borrowerAge must be positive",
		})
		return
	}

	proposalID := req.ProposalID
	if proposalID == "" {
		proposalID = uuid.New().String()
	}

	now := time.Now().UTC()
	proposal := &domain.Proposal{
		ID:                  proposalID,
		TenantID:            tenantID,
		BorrowerID:          req.BorrowerID,
		ConvenioID:          req.ConvenioID,
		SCDPartner:          req.SCDPartner,
		Channel:             req.Channel,
		RequestedAmount:     req.RequestedAmount,
		InterestRate:        req.InterestRate,
		InstallmentCount:    req.InstallmentCount,
		BorrowerAge:         req.BorrowerAge,
		BorrowerCreditScore: req.BorrowerCreditScore,
		Timestamp:           now,
		CreatedAt:           now,
		Metadata:            req.Metadata,
	}

	out, err := h.processor.Process(ctx, decision.Input{
		TenantID: tenantID,
		Proposal: proposal,
		TraceID:  traceID,
		Preview:  preview,
	})
	if err != nil {
		slog.Error("proposal evaluation failed",
			"proposal_id", proposalID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "proposal evaluation failed",
		})
		return
	}

	resp := EvaluateResponse{
		DecisionResponse:  out.Entry.ToResponse(out.RulesEvaluated, h.version),
		RequiredDocuments: out.RequiredDocuments,
		Flags:             out.Flags,
		DecisionLogged:    !preview && out.LogErr == nil,
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetDecision retrieves a decision log entry by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	decisionID := chi.URLParam(r, "id")

	entry, err := h.repo.GetDecision(ctx, tenantID, decisionID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get decision", "id", decisionID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "decision not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// ListDecisions retrieves the decision history for a proposal.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	proposalID := r.URL.Query().Get("proposalId")

	if proposalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "proposalId query parameter is required",
		})
		return
	}

	entries, err := h.repo.ListDecisionsByProposal(ctx, tenantID, proposalID)
	if err != nil {
		slog.Error("failed to list decisions", "proposal_id", proposalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list decisions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": entries,
		"count":     len(entries),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.ledger != nil {
		if err := h.ledger.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all business rules loaded in the evaluator.
// Rules are loaded from the database at startup and can be reloaded via
// POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.evaluator.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule retrieves a business rule by ID from the loaded set.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.evaluator.Snapshot() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRule creates a business rule: validates it, loads it into the
// evaluator, and persists it for the tenant.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.BusinessRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	rule.TenantID = tenantID

	// Loading validates; an invalid rule never enters the hot set.
	if err := h.evaluator.LoadRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, rule)
}

// ReloadRules reloads all business rules from the database into the
// evaluator. This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	dbRules, err := h.repo.ListRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.evaluator.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// ListCounterparties returns all counterparties loaded in the registry.
func (h *Handler) ListCounterparties(w http.ResponseWriter, r *http.Request) {
	loaded := h.registry.Counterparties()

	writeJSON(w, http.StatusOK, map[string]any{
		"counterparties": loaded,
		"count":          len(loaded),
		"source":         "database",
	})
}

// GetCounterparty retrieves a counterparty by ID from the registry.
func (h *Handler) GetCounterparty(w http.ResponseWriter, r *http.Request) {
	cpID := chi.URLParam(r, "id")

	if cp := h.registry.Counterparty(cpID); cp != nil {
		writeJSON(w, http.StatusOK, cp)
		return
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "counterparty not found",
	})
}

// CreateCounterparty creates or updates a counterparty.
func (h *Handler) CreateCounterparty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var cp domain.Counterparty
	if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	cp.TenantID = tenantID

	if err := h.registry.LoadCounterparty(&cp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveCounterparty(ctx, tenantID, &cp); err != nil {
		slog.Error("failed to save counterparty", "id", cp.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save counterparty",
		})
		return
	}

	slog.Info("counterparty created", "id", cp.ID, "name", cp.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, cp)
}

// UpdateCounterparty replaces an existing counterparty.
func (h *Handler) UpdateCounterparty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	cpID := chi.URLParam(r, "id")

	if _, err := h.repo.GetCounterparty(ctx, tenantID, cpID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "counterparty not found",
		})
		return
	}

	var cp domain.Counterparty
	if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	cp.ID = cpID
	cp.TenantID = tenantID

	if err := h.registry.LoadCounterparty(&cp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveCounterparty(ctx, tenantID, &cp); err != nil {
		slog.Error("failed to update counterparty", "id", cpID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update counterparty",
		})
		return
	}

	slog.Info("counterparty updated", "id", cpID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, cp)
}

// ReloadCounterparties reloads all counterparties from the database
// into the registry.
func (h *Handler) ReloadCounterparties(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	cps, err := h.repo.ListCounterparties(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list counterparties from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load counterparties from database",
		})
		return
	}

	if err := h.registry.ReloadCounterparties(cps); err != nil {
		slog.Error("failed to reload counterparties", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload counterparties: " + err.Error(),
		})
		return
	}

	slog.Info("counterparties reloaded from database", "count", len(cps))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "counterparties reloaded successfully",
		"count":   len(cps),
	})
}

// ListArrangements returns all orchestration rules loaded in the
// registry.
func (h *Handler) ListArrangements(w http.ResponseWriter, r *http.Request) {
	loaded := h.registry.Arrangements()

	arrangements := make([]*domain.OrchestrationRule, len(loaded))
	for i, a := range loaded {
		arrangements[i] = a.Rule
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"arrangements": arrangements,
		"count":        len(arrangements),
		"source":       "database",
	})
}

// GetArrangement retrieves an orchestration rule by ID.
func (h *Handler) GetArrangement(w http.ResponseWriter, r *http.Request) {
	arrID := chi.URLParam(r, "id")

	for _, a := range h.registry.Arrangements() {
		if a.Rule.ID == arrID {
			writeJSON(w, http.StatusOK, a.Rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "arrangement not found",
	})
}

// CreateArrangement creates an orchestration rule. The scope expression
// is compiled at save time so a broken expression never reaches
// routing.
func (h *Handler) CreateArrangement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var arr domain.OrchestrationRule
	if err := json.NewDecoder(r.Body).Decode(&arr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	arr.TenantID = tenantID
	arr.IsSystemRule = false

	if err := h.registry.LoadArrangement(&arr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveArrangement(ctx, tenantID, &arr); err != nil {
		slog.Error("failed to save arrangement", "id", arr.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save arrangement",
		})
		return
	}

	slog.Info("arrangement created", "id", arr.ID, "name", arr.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, arr)
}

// UpdateArrangement replaces an orchestration rule. System rules are
// immutable through this path.
func (h *Handler) UpdateArrangement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	arrID := chi.URLParam(r, "id")

	existing, err := h.repo.GetArrangement(ctx, tenantID, arrID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "arrangement not found",
		})
		return
	}
	if existing.IsSystemRule {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "system arrangements cannot be modified",
		})
		return
	}

	var arr domain.OrchestrationRule
	if err := json.NewDecoder(r.Body).Decode(&arr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	arr.ID = arrID
	arr.TenantID = tenantID
	arr.IsSystemRule = false

	if err := h.registry.LoadArrangement(&arr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveArrangement(ctx, tenantID, &arr); err != nil {
		slog.Error("failed to update arrangement", "id", arrID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update arrangement",
		})
		return
	}

	slog.Info("arrangement updated", "id", arrID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, arr)
}

// DeleteArrangement removes an orchestration rule. System rules are
// refused.
func (h *Handler) DeleteArrangement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	arrID := chi.URLParam(r, "id")

	existing, err := h.repo.GetArrangement(ctx, tenantID, arrID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "arrangement not found",
		})
		return
	}
	if existing.IsSystemRule {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "system arrangements cannot be deleted",
		})
		return
	}

	if err := h.repo.DeleteArrangement(ctx, tenantID, arrID); err != nil {
		slog.Error("failed to delete arrangement", "id", arrID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete arrangement",
		})
		return
	}
	h.registry.RemoveArrangement(arrID)

	slog.Info("arrangement deleted", "id", arrID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "arrangement deleted",
	})
}

// ReloadArrangements reloads all orchestration rules from the database
// into the registry.
func (h *Handler) ReloadArrangements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	arrs, err := h.repo.ListArrangements(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list arrangements from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load arrangements from database",
		})
		return
	}

	if err := h.registry.ReloadArrangements(arrs); err != nil {
		slog.Error("failed to reload arrangements", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload arrangements: " + err.Error(),
		})
		return
	}

	slog.Info("arrangements reloaded from database", "count", len(arrs))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "arrangements reloaded successfully",
		"count":   len(arrs),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
