package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/consistency"
	"github.com/pitabwire/waypoint/internal/flow"
	"github.com/pitabwire/waypoint/internal/idempotency"
	"github.com/pitabwire/waypoint/internal/lifecycle"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/phasegraph"
	"github.com/pitabwire/waypoint/internal/recovery"
	"github.com/pitabwire/waypoint/internal/routing"
	"github.com/pitabwire/waypoint/model"
)

const (
	staleWindow = 30 * time.Minute
	maxBatch    = 10
)

func testOrchestrator(t *testing.T) (*Orchestrator, *flow.MemoryStore) {
	t.Helper()
	store := flow.NewMemoryStore()
	graphs := phasegraph.NewRegistry()
	validator := consistency.NewValidator(graphs, store, staleWindow)
	audit := flow.NewStoreAuditSink(store)
	logger := zap.NewNop()
	recoveryEngine := recovery.NewEngine(store, store, graphs, validator, audit, logger)
	router := routing.NewRouter(store, graphs, validator, logger)
	manager := lifecycle.NewManager(store, store, graphs, recoveryEngine, audit, logger, maxBatch)

	o := New(Deps{
		Store:     store,
		Pointers:  store,
		Graphs:    graphs,
		Validator: validator,
		Recovery:  recoveryEngine,
		Router:    router,
		Lifecycle: manager,
		Audit:     audit,
		Metrics:   observability.InitMetrics(prometheus.NewRegistry()),
		Logger:    logger,
		Reports:   idempotency.NewMemoryStore(),
		ReportTTL: time.Hour,
	})
	return o, store
}

func testScope() model.Scope {
	return model.Scope{AccountID: "acct-1", EngagementID: "eng-1"}
}

func createFlow(t *testing.T, o *Orchestrator) model.Flow {
	t.Helper()
	f, err := o.CreateFlow(context.Background(), "tester", testScope(), CreateFlowInput{
		FlowType: "discovery",
		OwnerID:  "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateFlow: %v", err)
	}
	return f
}

// passingSummaries satisfy every phase's success criteria in the built-in
// discovery graph.
var passingSummaries = map[string]map[string]any{
	"data_import":         {"import_complete": true, "records_imported": 250},
	"field_mapping":       {"mapping_coverage": 0.95},
	"data_cleansing":      {"cleansing_pass_rate": 0.97},
	"asset_inventory":     {"assets_classified": true, "asset_count": 42},
	"dependency_analysis": {"dependencies_resolved": true},
	"tech_debt_analysis":  {"debt_scored": true},
	"completion":          {},
}

// reportPhase delivers a passing report under a per-phase idempotency key, so
// calling it twice for the same phase models an executor retry.
func reportPhase(t *testing.T, o *Orchestrator, flowID, phase string) model.ReportOutcome {
	t.Helper()
	outcome, err := o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID:   flowID,
		Phase:    phase,
		ReportID: "rpt-" + phase,
		Summary:  passingSummaries[phase],
	})
	if err != nil {
		t.Fatalf("ReportPhaseComplete(%s): %v", phase, err)
	}
	return outcome
}

func TestCreateFlow_recordsInitialDataArtifact(t *testing.T) {
	o, store := testOrchestrator(t)

	f, err := o.CreateFlow(context.Background(), "tester", testScope(), CreateFlowInput{
		FlowType:    "discovery",
		OwnerID:     "owner-1",
		InitialData: map[string]any{"source_system": "cmdb"},
	})
	if err != nil {
		t.Fatalf("CreateFlow: %v", err)
	}
	if f.CurrentPhase != "data_import" {
		t.Errorf("CurrentPhase = %q, want data_import", f.CurrentPhase)
	}
	if f.Status != model.FlowStatusInitializing {
		t.Errorf("Status = %q, want initializing", f.Status)
	}

	artifacts, err := store.ArtifactsFor(context.Background(), testScope(), f.ID)
	if err != nil {
		t.Fatalf("ArtifactsFor: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}
	if artifacts[0].Kind != flow.ArtifactRawInput {
		t.Errorf("artifact kind = %q, want %q", artifacts[0].Kind, flow.ArtifactRawInput)
	}
	if artifacts[0].Data["source_system"] != "cmdb" {
		t.Errorf("artifact data = %v", artifacts[0].Data)
	}
}

func TestCreateFlow_noInitialData(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)

	artifacts, _ := store.ArtifactsFor(context.Background(), testScope(), f.ID)
	if len(artifacts) != 0 {
		t.Errorf("artifacts = %d, want 0 without initial data", len(artifacts))
	}
}

func TestReportPhaseComplete_advancesFlow(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)

	outcome := reportPhase(t, o, f.ID, "data_import")
	if !outcome.Accepted {
		t.Fatalf("outcome = %+v, want accepted", outcome)
	}
	if outcome.State.CurrentPhase != "field_mapping" {
		t.Errorf("State.CurrentPhase = %q, want field_mapping", outcome.State.CurrentPhase)
	}

	got, err := store.Get(context.Background(), testScope(), f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhase != "field_mapping" {
		t.Errorf("CurrentPhase = %q, want field_mapping", got.CurrentPhase)
	}
	if got.Status != model.FlowStatusRunning {
		t.Errorf("Status = %q, want running (first report activates)", got.Status)
	}
	if !got.PhaseCompletion["data_import"] {
		t.Error("data_import should be marked complete")
	}
	if got.StartedAt == nil {
		t.Error("StartedAt should be set by the first report")
	}
	want := 1.0 / 7.0
	if got.Progress < want-0.001 || got.Progress > want+0.001 {
		t.Errorf("Progress = %v, want ~%v", got.Progress, want)
	}

	artifacts, _ := store.ArtifactsFor(context.Background(), testScope(), f.ID)
	if len(artifacts) != 1 || artifacts[0].Kind != flow.ArtifactPhaseOutput {
		t.Errorf("expected one phase_output artifact, got %+v", artifacts)
	}
}

func TestReportPhaseComplete_rejectedByCriteria(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)

	outcome, err := o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID:  f.ID,
		Phase:   "data_import",
		Summary: map[string]any{"import_complete": false, "records_imported": 0},
	})
	if err != nil {
		t.Fatalf("ReportPhaseComplete: %v", err)
	}
	if outcome.Accepted {
		t.Fatal("report failing criteria must not be accepted")
	}
	if len(outcome.FailedCriteria) == 0 {
		t.Error("FailedCriteria should name the failing criteria")
	}

	got, _ := store.Get(context.Background(), testScope(), f.ID)
	if got.CurrentPhase != "data_import" {
		t.Errorf("CurrentPhase = %q, rejected report must not advance", got.CurrentPhase)
	}
	if got.PhaseCompletion["data_import"] {
		t.Error("data_import must not be marked complete")
	}
	// The attempt is still recorded for diagnosis.
	if got.CriteriaResults["data_import"] == nil {
		t.Error("criteria results should record the rejected attempt")
	}
}

func TestReportPhaseComplete_duplicateReplaysOutcome(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)

	first := reportPhase(t, o, f.ID, "data_import")
	v1, _ := store.Get(context.Background(), testScope(), f.ID)

	second := reportPhase(t, o, f.ID, "data_import")
	if !second.Duplicate {
		t.Error("second delivery should be flagged as duplicate")
	}
	if second.Accepted != first.Accepted || second.State.CurrentPhase != first.State.CurrentPhase {
		t.Errorf("replayed outcome differs: first %+v, second %+v", first, second)
	}

	v2, _ := store.Get(context.Background(), testScope(), f.ID)
	if v2.Version != v1.Version {
		t.Errorf("Version = %d, duplicate must not write (was %d)", v2.Version, v1.Version)
	}
}

func TestReportPhaseComplete_payloadDriftConflicts(t *testing.T) {
	o, _ := testOrchestrator(t)
	f := createFlow(t, o)

	reportPhase(t, o, f.ID, "data_import")

	_, err := o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID:   f.ID,
		Phase:    "data_import",
		ReportID: "rpt-data_import",
		Summary:  map[string]any{"import_complete": true, "records_imported": 999},
	})
	if err == nil || model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("err = %v, want CONFLICT for changed payload under same key", err)
	}
}

func TestReportPhaseComplete_rejectionIsNotCached(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)

	outcome, err := o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID:   f.ID,
		Phase:    "data_import",
		ReportID: "rpt-1",
		Summary:  map[string]any{"import_complete": true, "records_imported": 0},
	})
	if err != nil {
		t.Fatalf("ReportPhaseComplete: %v", err)
	}
	if outcome.Accepted {
		t.Fatal("report failing criteria must not be accepted")
	}

	// The corrected re-report under the same key is processed fresh rather
	// than replaying or conflicting with the rejection.
	outcome, err = o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID:   f.ID,
		Phase:    "data_import",
		ReportID: "rpt-1",
		Summary:  passingSummaries["data_import"],
	})
	if err != nil {
		t.Fatalf("corrected ReportPhaseComplete: %v", err)
	}
	if !outcome.Accepted || outcome.Duplicate {
		t.Fatalf("outcome = %+v, want fresh acceptance", outcome)
	}

	got, _ := store.Get(context.Background(), testScope(), f.ID)
	if got.CurrentPhase != "field_mapping" {
		t.Errorf("CurrentPhase = %q, want field_mapping", got.CurrentPhase)
	}
}

func TestReportPhaseComplete_recompletesAfterRecovery(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)
	reportPhase(t, o, f.ID, "data_import")

	// The recorded results later turn out to be false: recovery unmarks the
	// phase and rolls the flow back onto it.
	got, _ := store.Get(context.Background(), testScope(), f.ID)
	got.CriteriaResults["data_import"] = map[string]any{"import_complete": false, "records_imported": 0}
	if err := store.Update(context.Background(), got); err != nil {
		t.Fatal(err)
	}
	result, err := o.Recover(context.Background(), "operator", testScope(), f.ID, false)
	if err != nil || !result.Success {
		t.Fatalf("Recover = %+v, %v", result, err)
	}

	// A fresh execution attempt reports under a new key and completes the
	// phase again.
	outcome, err := o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID:   f.ID,
		Phase:    "data_import",
		ReportID: "rpt-data_import-retry",
		Summary:  passingSummaries["data_import"],
	})
	if err != nil {
		t.Fatalf("ReportPhaseComplete after recovery: %v", err)
	}
	if !outcome.Accepted || outcome.Duplicate {
		t.Fatalf("outcome = %+v, want fresh acceptance", outcome)
	}

	got, _ = store.Get(context.Background(), testScope(), f.ID)
	if !got.PhaseCompletion["data_import"] {
		t.Error("data_import should be complete again")
	}
	if got.CurrentPhase != "field_mapping" {
		t.Errorf("CurrentPhase = %q, want field_mapping", got.CurrentPhase)
	}
}

func TestReportPhaseComplete_wrongPhase(t *testing.T) {
	o, _ := testOrchestrator(t)
	f := createFlow(t, o)

	_, err := o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID:  f.ID,
		Phase:   "field_mapping",
		Summary: passingSummaries["field_mapping"],
	})
	if err == nil || model.ErrorCode(err) != model.ErrIllegalTransition {
		t.Errorf("err = %v, want ILLEGAL_TRANSITION for non-current phase", err)
	}
}

func TestReportPhaseComplete_unknownPhase(t *testing.T) {
	o, _ := testOrchestrator(t)
	f := createFlow(t, o)

	_, err := o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID: f.ID,
		Phase:  "quantum_analysis",
	})
	if err == nil || model.ErrorCode(err) != model.ErrBadRequest {
		t.Errorf("err = %v, want BAD_REQUEST for unknown phase", err)
	}
}

func TestReportPhaseComplete_fullRunToCompletion(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)

	phases := []string{
		"data_import", "field_mapping", "data_cleansing", "asset_inventory",
		"dependency_analysis", "tech_debt_analysis", "completion",
	}
	for _, phase := range phases {
		outcome := reportPhase(t, o, f.ID, phase)
		if !outcome.Accepted {
			t.Fatalf("phase %s rejected: %+v", phase, outcome)
		}
	}

	got, err := store.Get(context.Background(), testScope(), f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.FlowStatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if got.Progress != 1.0 {
		t.Errorf("Progress = %v, want 1.0", got.Progress)
	}

	// Completion releases the engagement pointer.
	ptr, _ := store.CurrentFlowID(context.Background(), testScope())
	if ptr != "" {
		t.Errorf("pointer = %q, want cleared after completion", ptr)
	}

	// A retried delivery of the final report replays its cached outcome even
	// though the flow is terminal now.
	replayed := reportPhase(t, o, f.ID, "completion")
	if !replayed.Duplicate || !replayed.Accepted {
		t.Errorf("replayed = %+v, want accepted duplicate", replayed)
	}

	// A genuinely new report is refused.
	_, err = o.ReportPhaseComplete(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID:  f.ID,
		Phase:   "completion",
		Summary: map[string]any{"extra": true},
	})
	if err == nil || model.ErrorCode(err) != model.ErrFlowNotActive {
		t.Errorf("err = %v, want FLOW_NOT_ACTIVE for new report after completion", err)
	}
}

func TestReportPhaseFailed(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)
	reportPhase(t, o, f.ID, "data_import")

	got, err := o.ReportPhaseFailed(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID: f.ID,
		Phase:  "field_mapping",
		Error:  "mapping job crashed",
	})
	if err != nil {
		t.Fatalf("ReportPhaseFailed: %v", err)
	}
	if got.Status != model.FlowStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if len(got.Errors) != 1 || got.Errors[0].Message != "mapping job crashed" {
		t.Errorf("Errors = %+v", got.Errors)
	}
	if got.CurrentPhase != "field_mapping" {
		t.Errorf("CurrentPhase = %q, failure keeps position", got.CurrentPhase)
	}

	entries, _ := store.AuditFor(context.Background(), testScope(), f.ID)
	var found bool
	for _, e := range entries {
		if e.Action == flow.AuditActionPhaseFailed {
			found = true
		}
	}
	if !found {
		t.Error("expected a phase_failed audit entry")
	}
}

func TestReportPhaseFailed_terminalFlow(t *testing.T) {
	o, _ := testOrchestrator(t)
	f := createFlow(t, o)
	for _, phase := range []string{"data_import", "field_mapping", "data_cleansing", "asset_inventory",
		"dependency_analysis", "tech_debt_analysis", "completion"} {
		reportPhase(t, o, f.ID, phase)
	}

	_, err := o.ReportPhaseFailed(context.Background(), "executor", testScope(), model.PhaseReport{
		FlowID: f.ID, Phase: "completion", Error: "late failure",
	})
	if err == nil || model.ErrorCode(err) != model.ErrFlowNotActive {
		t.Errorf("err = %v, want FLOW_NOT_ACTIVE", err)
	}
}

func TestRequestTransition_allowedAppliesMove(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)
	reportPhase(t, o, f.ID, "data_import")
	reportPhase(t, o, f.ID, "field_mapping")
	reportPhase(t, o, f.ID, "data_cleansing")

	// An operator sends the flow back to re-run cleansing, then forward
	// again. The completion record supports both moves.
	back, err := o.RequestTransition(context.Background(), "tester", testScope(), f.ID,
		"asset_inventory", "data_cleansing", true)
	if err != nil {
		t.Fatalf("RequestTransition back: %v", err)
	}
	if !back.Allowed {
		t.Fatalf("back = %+v, want allowed", back)
	}

	result, err := o.RequestTransition(context.Background(), "tester", testScope(), f.ID,
		"data_cleansing", "asset_inventory", false)
	if err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("result = %+v, want allowed", result)
	}

	got, _ := store.Get(context.Background(), testScope(), f.ID)
	if got.CurrentPhase != "asset_inventory" {
		t.Errorf("CurrentPhase = %q, want asset_inventory", got.CurrentPhase)
	}

	entries, _ := store.AuditFor(context.Background(), testScope(), f.ID)
	var found bool
	for _, e := range entries {
		if e.Action == flow.AuditActionTransitioned {
			found = true
		}
	}
	if !found {
		t.Error("expected a phase_transitioned audit entry")
	}
}

func TestRequestTransition_skipRejectedWithoutOverride(t *testing.T) {
	o, _ := testOrchestrator(t)
	f := createFlow(t, o)

	_, err := o.RequestTransition(context.Background(), "tester", testScope(), f.ID,
		"data_import", "asset_inventory", false)
	if err == nil || model.ErrorCode(err) != model.ErrIllegalTransition {
		t.Errorf("err = %v, want ILLEGAL_TRANSITION for non-successor jump", err)
	}
}

func TestRequestTransition_interceptedRedirects(t *testing.T) {
	o, store := testOrchestrator(t)

	// Current phase asset_inventory with only data_import complete: the
	// successor request is edge-legal but the state does not support it.
	g := phasegraph.DefaultGraph()
	f := model.Flow{
		ID:              "flow-drift",
		AccountID:       "acct-1",
		EngagementID:    "eng-1",
		FlowType:        "discovery",
		GraphVersion:    phasegraph.DiscoveryV1,
		CurrentPhase:    "asset_inventory",
		PhaseCompletion: g.NewCompletion(),
		Status:          model.FlowStatusRunning,
		CriteriaResults: map[string]map[string]any{
			"data_import": passingSummaries["data_import"],
		},
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
		Version:        1,
	}
	f.PhaseCompletion["data_import"] = true
	if err := store.Create(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	store.SetCurrentFlowID(context.Background(), f.Scope(), f.ID)

	result, err := o.RequestTransition(context.Background(), "tester", testScope(), f.ID,
		"asset_inventory", "dependency_analysis", false)
	if err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}
	if result.Allowed || !result.Intercepted {
		t.Fatalf("result = %+v, want intercepted", result)
	}
	if result.RedirectedTo != "field_mapping" {
		t.Errorf("RedirectedTo = %q, want field_mapping", result.RedirectedTo)
	}

	got, _ := store.Get(context.Background(), testScope(), f.ID)
	if got.CurrentPhase != "field_mapping" {
		t.Errorf("CurrentPhase = %q, interception should land on the justified phase", got.CurrentPhase)
	}

	entries, _ := store.AuditFor(context.Background(), testScope(), f.ID)
	var found bool
	for _, e := range entries {
		if e.Action == flow.AuditActionIntercepted {
			found = true
		}
	}
	if !found {
		t.Error("expected a transition_intercepted audit entry")
	}
}

func TestValidate_reportsFindings(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)

	report, err := o.Validate(context.Background(), testScope(), f.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !report.IsConsistent {
		t.Errorf("fresh flow should be consistent, findings: %+v", report.Findings)
	}

	// Push the flow somewhere its completion record does not justify.
	got, _ := store.Get(context.Background(), testScope(), f.ID)
	got.CurrentPhase = "tech_debt_analysis"
	if err := store.Update(context.Background(), got); err != nil {
		t.Fatal(err)
	}

	report, err = o.Validate(context.Background(), testScope(), f.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.IsConsistent || !report.HasCritical() {
		t.Errorf("report = %+v, want critical premature entry finding", report)
	}
}

func TestRecover_delegates(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)

	got, _ := store.Get(context.Background(), testScope(), f.ID)
	got.CurrentPhase = "asset_inventory"
	if err := store.Update(context.Background(), got); err != nil {
		t.Fatal(err)
	}

	result, err := o.Recover(context.Background(), "operator", testScope(), f.ID, false)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !result.Success || result.Action != model.RecoveryActionPhaseRollback {
		t.Errorf("result = %+v, want phase_rollback success", result)
	}

	fixed, _ := store.Get(context.Background(), testScope(), f.ID)
	if fixed.CurrentPhase != "data_import" {
		t.Errorf("CurrentPhase = %q, want data_import (nothing complete)", fixed.CurrentPhase)
	}
}

func TestSystemWideAnalysis(t *testing.T) {
	o, store := testOrchestrator(t)

	healthy := createFlow(t, o)
	reportPhase(t, o, healthy.ID, "data_import")

	// A second flow with a critical inconsistency.
	g := phasegraph.DefaultGraph()
	broken := model.Flow{
		ID:              "flow-broken",
		AccountID:       "acct-1",
		EngagementID:    "eng-1",
		FlowType:        "discovery",
		GraphVersion:    phasegraph.DiscoveryV1,
		CurrentPhase:    "dependency_analysis",
		PhaseCompletion: g.NewCompletion(),
		Status:          model.FlowStatusRunning,
		CreatedAt:       time.Now().UTC(),
		LastActivityAt:  time.Now().UTC(),
		Version:         1,
	}
	if err := store.Create(context.Background(), broken); err != nil {
		t.Fatal(err)
	}

	// A terminal flow is skipped entirely.
	done := model.Flow{
		ID:              "flow-done",
		AccountID:       "acct-1",
		EngagementID:    "eng-1",
		FlowType:        "discovery",
		GraphVersion:    phasegraph.DiscoveryV1,
		CurrentPhase:    "completion",
		PhaseCompletion: g.NewCompletion(),
		Status:          model.FlowStatusCompleted,
		CreatedAt:       time.Now().UTC(),
		LastActivityAt:  time.Now().UTC(),
		Version:         1,
	}
	if err := store.Create(context.Background(), done); err != nil {
		t.Fatal(err)
	}

	analysis, err := o.SystemWideAnalysis(context.Background(), testScope())
	if err != nil {
		t.Fatalf("SystemWideAnalysis: %v", err)
	}
	if analysis.AnalyzedCount != 2 {
		t.Errorf("AnalyzedCount = %d, want 2 (terminal flow skipped)", analysis.AnalyzedCount)
	}
	if len(analysis.CriticalFlows) != 1 || analysis.CriticalFlows[0].FlowID != "flow-broken" {
		t.Errorf("CriticalFlows = %+v, want flow-broken", analysis.CriticalFlows)
	}
	if analysis.AnalyzedAt.IsZero() {
		t.Error("AnalyzedAt should be set")
	}
}

func TestLifecycleDelegation(t *testing.T) {
	o, store := testOrchestrator(t)
	f := createFlow(t, o)
	reportPhase(t, o, f.ID, "data_import")

	paused, err := o.PauseFlow(context.Background(), "tester", testScope(), f.ID, "maintenance")
	if err != nil {
		t.Fatalf("PauseFlow: %v", err)
	}
	if paused.Status != model.FlowStatusPaused {
		t.Errorf("Status = %q, want paused", paused.Status)
	}

	resumed, err := o.ResumeFlow(context.Background(), "tester", testScope(), f.ID)
	if err != nil {
		t.Fatalf("ResumeFlow: %v", err)
	}
	if resumed.Status != model.FlowStatusRunning {
		t.Errorf("Status = %q, want running", resumed.Status)
	}

	result := o.DeleteFlow(context.Background(), "tester", testScope(), f.ID, model.SoftDelete("cleanup"))
	if !result.Success {
		t.Fatalf("DeleteFlow: %+v", result)
	}
	got, err := store.Get(context.Background(), testScope(), f.ID)
	if err != nil {
		t.Fatalf("soft-deleted flow should stay readable: %v", err)
	}
	if !got.Deleted || got.Status != model.FlowStatusCancelled {
		t.Errorf("flow = %+v, want cancelled tombstone", got)
	}
}

func TestBulkDeleteDelegation(t *testing.T) {
	o, _ := testOrchestrator(t)
	a := createFlow(t, o)
	b := createFlow(t, o)

	result, err := o.BulkDeleteFlows(context.Background(), "tester", testScope(),
		[]string{a.ID, b.ID, "ghost"}, model.SoftDelete("sweep"))
	if err != nil {
		t.Fatalf("BulkDeleteFlows: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want 2 succeeded 1 failed", result)
	}
}

func TestRoutingRecommendationsDelegation(t *testing.T) {
	o, _ := testOrchestrator(t)
	f := createFlow(t, o)

	recs, err := o.RoutingRecommendations(context.Background(), testScope(), []string{f.ID})
	if err != nil {
		t.Fatalf("RoutingRecommendations: %v", err)
	}
	if len(recs) != 1 || recs[0].RecommendedPhase != "data_import" {
		t.Errorf("recs = %+v", recs)
	}
}
