package rules

import (
	"reflect"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testProposal() *domain.Proposal {
	return &domain.Proposal{
		ID:                  "prop-001",
		TenantID:            "tenant-001",
		BorrowerID:          "borrower-001",
		ConvenioID:          "convenio-009",
		Channel:             "mobile",
		RequestedAmount:     5000.0,
		InterestRate:        2.1,
		BorrowerAge:         42,
		BorrowerCreditScore: 680,
	}
}

func TestEvaluateEmptyRuleSetApproves(t *testing.T) {
	res := EvaluateRules(testProposal(), nil)

	if res.Action != domain.ActionApprove {
		t.Errorf("expected approve, got %s", res.Action)
	}
	if len(res.TriggeredRules) != 0 {
		t.Errorf("expected no triggered rules, got %d", len(res.TriggeredRules))
	}
	if len(res.AdjustedFields) != 0 {
		t.Errorf("expected no adjustments, got %v", res.AdjustedFields)
	}
}

func TestEvaluateAgeWindowReject(t *testing.T) {
	// Scenario from the routing playbook: age outside [18, 70] rejects.
	rule := &domain.BusinessRule{
		ID:       "age-window-001",
		Name:     "Borrower age window",
		Category: domain.CategoryEligibility,
		Field:    "borrower_age",
		Operator: domain.OpGreaterThan,
		Value:    70.0,
		Action:   domain.ActionReject,
		Priority: 1,
		IsActive: true,
	}

	p := testProposal()
	p.BorrowerAge = 75

	res := EvaluateRules(p, []*domain.BusinessRule{rule})

	if res.Action != domain.ActionReject {
		t.Fatalf("expected reject, got %s", res.Action)
	}
	if len(res.TriggeredRules) != 1 || res.TriggeredRules[0].RuleID != "age-window-001" {
		t.Errorf("expected triggered rules [age-window-001], got %+v", res.TriggeredRules)
	}
}

func TestEvaluateBetweenInclusiveBounds(t *testing.T) {
	rule := &domain.BusinessRule{
		ID:       "age-between-001",
		Name:     "Age in lending window",
		Field:    "borrower_age",
		Operator: domain.OpBetween,
		Value:    []any{18.0, 70.0},
		Action:   domain.ActionFlag,
		Priority: 1,
		IsActive: true,
		// Flag here so the match is observable without terminating.
		ActionParam: "in-window",
	}

	for _, tc := range []struct {
		age  int
		want bool
	}{
		{17, false},
		{18, true}, // lower bound inclusive
		{44, true},
		{70, true}, // upper bound inclusive
		{71, false},
	} {
		p := testProposal()
		p.BorrowerAge = tc.age
		res := EvaluateRules(p, []*domain.BusinessRule{rule})
		got := len(res.TriggeredRules) == 1
		if got != tc.want {
			t.Errorf("age %d: expected match=%v, got %v", tc.age, tc.want, got)
		}
	}
}

func TestEvaluateFirstTerminalWins(t *testing.T) {
	rules := []*domain.BusinessRule{
		{
			ID: "flag-low", Name: "Low score flag", Field: "borrower_credit_score",
			Operator: domain.OpLessThan, Value: 700.0,
			Action: domain.ActionFlag, ActionParam: "low-score",
			Priority: 1, IsActive: true,
		},
		{
			ID: "reject-amount", Name: "Amount ceiling", Field: "requested_amount",
			Operator: domain.OpGreaterThan, Value: 1000.0,
			Action: domain.ActionReject,
			Priority: 2, IsActive: true,
		},
		{
			ID: "never-reached", Name: "Later rule", Field: "requested_amount",
			Operator: domain.OpGreaterThan, Value: 0.0,
			Action: domain.ActionManualReview,
			Priority: 3, IsActive: true,
		},
	}

	res := EvaluateRules(testProposal(), rules)

	if res.Action != domain.ActionReject {
		t.Fatalf("expected reject, got %s", res.Action)
	}
	if len(res.TriggeredRules) != 2 {
		t.Fatalf("expected 2 triggered rules (flag then reject), got %d", len(res.TriggeredRules))
	}
	if res.TriggeredRules[0].RuleID != "flag-low" || res.TriggeredRules[1].RuleID != "reject-amount" {
		t.Errorf("unexpected firing order: %+v", res.TriggeredRules)
	}
	if res.Flags[0] != "low-score" {
		t.Errorf("expected accumulated flag before termination, got %v", res.Flags)
	}
}

func TestEvaluateInactiveRulesSkipped(t *testing.T) {
	rule := &domain.BusinessRule{
		ID: "dormant", Name: "Dormant reject", Field: "requested_amount",
		Operator: domain.OpGreaterThan, Value: 0.0,
		Action: domain.ActionReject, Priority: 1, IsActive: false,
	}

	res := EvaluateRules(testProposal(), []*domain.BusinessRule{rule})

	if res.Action != domain.ActionApprove {
		t.Errorf("inactive rule must not fire, got %s", res.Action)
	}
	if res.RulesEvaluated != 0 {
		t.Errorf("expected 0 rules evaluated, got %d", res.RulesEvaluated)
	}
}

func TestEvaluateAbsentFieldIsNonMatch(t *testing.T) {
	rule := &domain.BusinessRule{
		ID: "missing-field", Name: "Checks a field the proposal lacks",
		Field:    "employment.months_employed",
		Operator: domain.OpLessThan, Value: 6.0,
		Action: domain.ActionReject, Priority: 1, IsActive: true,
	}

	res := EvaluateRules(testProposal(), []*domain.BusinessRule{rule})

	if res.Action != domain.ActionApprove {
		t.Errorf("absent field must be non-match, got %s", res.Action)
	}
}

func TestEvaluateNestedMetadataField(t *testing.T) {
	rule := &domain.BusinessRule{
		ID: "tenure", Name: "Minimum employment tenure",
		Field:    "employment.months_employed",
		Operator: domain.OpLessThan, Value: 6.0,
		Action: domain.ActionManualReview, Priority: 1, IsActive: true,
	}

	p := testProposal()
	p.Metadata = map[string]any{
		"employment": map[string]any{"months_employed": 3.0},
	}

	res := EvaluateRules(p, []*domain.BusinessRule{rule})

	if res.Action != domain.ActionManualReview {
		t.Errorf("expected manual_review from nested field match, got %s", res.Action)
	}
}

func TestEvaluateCumulativeActions(t *testing.T) {
	rules := []*domain.BusinessRule{
		{
			ID: "adjust-rate-1", Name: "Rate bump", Field: "borrower_credit_score",
			Operator: domain.OpLessThan, Value: 700.0,
			Action: domain.ActionAdjustRate, ActionParam: 2.8,
			Priority: 1, IsActive: true,
		},
		{
			ID: "adjust-rate-2", Name: "Rate bump override", Field: "borrower_credit_score",
			Operator: domain.OpLessThan, Value: 690.0,
			Action: domain.ActionAdjustRate, ActionParam: 3.2,
			Priority: 2, IsActive: true,
		},
		{
			ID: "doc-payslip", Name: "Payslip required", Field: "requested_amount",
			Operator: domain.OpGreaterOrEqual, Value: 5000.0,
			Action: domain.ActionRequireDocument, ActionParam: "payslip",
			Priority: 3, IsActive: true,
		},
	}

	res := EvaluateRules(testProposal(), rules)

	if res.Action != domain.ActionApprove {
		t.Fatalf("cumulative actions must not terminate, got %s", res.Action)
	}
	// Last triggered by priority order wins for the same adjusted field.
	if got := res.AdjustedFields[domain.AdjustedFieldRate]; got != 3.2 {
		t.Errorf("expected last adjustment 3.2 to win, got %v", got)
	}
	if !reflect.DeepEqual(res.RequiredDocuments, []string{"payslip"}) {
		t.Errorf("expected required documents [payslip], got %v", res.RequiredDocuments)
	}
}

func TestEvaluateManualReviewOutcome(t *testing.T) {
	rule := &domain.BusinessRule{
		ID: "review-channel", Name: "Review new channel", Field: "channel",
		Operator: domain.OpEquals, Value: "mobile",
		Action: domain.ActionManualReview, Priority: 1, IsActive: true,
	}

	res := EvaluateRules(testProposal(), []*domain.BusinessRule{rule})

	if res.Action != domain.ActionManualReview {
		t.Errorf("expected manual_review when a review rule fired without a terminal, got %s", res.Action)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	ev := NewEvaluator()
	rules := []*domain.BusinessRule{
		{ID: "r3", Name: "r3", Field: "borrower_age", Operator: domain.OpGreaterThan, Value: 10.0, Action: domain.ActionFlag, ActionParam: "f3", Priority: 3, IsActive: true},
		{ID: "r1", Name: "r1", Field: "borrower_age", Operator: domain.OpGreaterThan, Value: 10.0, Action: domain.ActionFlag, ActionParam: "f1", Priority: 1, IsActive: true},
		{ID: "r2", Name: "r2", Field: "borrower_age", Operator: domain.OpGreaterThan, Value: 10.0, Action: domain.ActionFlag, ActionParam: "f2", Priority: 2, IsActive: true},
	}
	if err := ev.LoadRules(rules); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	p := testProposal()
	first := ev.Evaluate(p)

	for i := 0; i < 10; i++ {
		again := ev.Evaluate(p)
		if !reflect.DeepEqual(first.TriggeredRules, again.TriggeredRules) {
			t.Fatalf("run %d: triggered sequence differs: %+v vs %+v", i, first.TriggeredRules, again.TriggeredRules)
		}
		if first.Action != again.Action {
			t.Fatalf("run %d: action differs: %s vs %s", i, first.Action, again.Action)
		}
	}

	want := []string{"r1", "r2", "r3"}
	for i, tr := range first.TriggeredRules {
		if tr.RuleID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], tr.RuleID)
		}
	}
}

func TestReloadRulesSwapsSnapshot(t *testing.T) {
	ev := NewEvaluator()
	err := ev.LoadRule(&domain.BusinessRule{
		ID: "old", Name: "old", Field: "borrower_age",
		Operator: domain.OpGreaterThan, Value: 0.0,
		Action: domain.ActionReject, Priority: 1, IsActive: true,
	})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	err = ev.ReloadRules([]*domain.BusinessRule{{
		ID: "new", Name: "new", Field: "borrower_age",
		Operator: domain.OpGreaterThan, Value: 200.0,
		Action: domain.ActionReject, Priority: 1, IsActive: true,
	}})
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}

	if ev.RulesCount() != 1 {
		t.Fatalf("expected 1 rule after reload, got %d", ev.RulesCount())
	}
	res := ev.Evaluate(testProposal())
	if res.Action != domain.ActionApprove {
		t.Errorf("old rule leaked through reload, got %s", res.Action)
	}
}
