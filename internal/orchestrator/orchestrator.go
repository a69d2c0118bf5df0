// Package orchestrator is the scope-bound entry point for everything the
// service does to a flow: phase reports, transition requests, validation,
// recovery, lifecycle calls, and the system-wide analysis view. Handlers talk
// to this package only; the packages underneath never see the wire.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
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

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store     flow.Store
	Pointers  flow.PointerStore
	Graphs    *phasegraph.Registry
	Validator *consistency.Validator
	Recovery  *recovery.Engine
	Router    *routing.Router
	Lifecycle *lifecycle.Manager
	Audit     flow.AuditSink
	Metrics   *observability.Metrics
	Logger    *zap.Logger

	// Reports is optional; a nil store disables report deduplication.
	Reports   idempotency.Store
	ReportTTL time.Duration
}

// Orchestrator coordinates the flow state machine.
type Orchestrator struct {
	store     flow.Store
	pointers  flow.PointerStore
	graphs    *phasegraph.Registry
	validator *consistency.Validator
	recovery  *recovery.Engine
	router    *routing.Router
	lifecycle *lifecycle.Manager
	audit     flow.AuditSink
	metrics   *observability.Metrics
	logger    *zap.Logger
	reports   idempotency.Store
	reportTTL time.Duration
	now       func() time.Time
}

// New creates an orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		store:     d.Store,
		pointers:  d.Pointers,
		graphs:    d.Graphs,
		validator: d.Validator,
		recovery:  d.Recovery,
		router:    d.Router,
		lifecycle: d.Lifecycle,
		audit:     d.Audit,
		metrics:   d.Metrics,
		logger:    d.Logger,
		reports:   d.Reports,
		reportTTL: d.ReportTTL,
		now:       time.Now,
	}
}

// CreateFlowInput carries the caller-supplied fields for a new flow.
// InitialData, when present, is preserved verbatim as a raw_input artifact.
type CreateFlowInput struct {
	FlowType     string
	OwnerID      string
	GraphVersion string
	InitialData  map[string]any
}

// CreateFlow starts a new flow and records the caller's initial payload.
func (o *Orchestrator) CreateFlow(ctx context.Context, actor string, scope model.Scope, input CreateFlowInput) (model.Flow, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.create_flow",
		observability.AttrFlowType.String(input.FlowType),
		observability.AttrAccountID.String(scope.AccountID),
		observability.AttrEngagementID.String(scope.EngagementID))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	f, err := o.lifecycle.Create(ctx, actor, scope, lifecycle.CreateInput{
		FlowType:     input.FlowType,
		OwnerID:      input.OwnerID,
		GraphVersion: input.GraphVersion,
	})
	if err != nil {
		return model.Flow{}, err
	}
	o.metrics.RecordFlowCreation(f.FlowType)

	if len(input.InitialData) > 0 {
		artifact := flow.Artifact{
			ID:        uuid.New().String(),
			FlowID:    f.ID,
			Phase:     f.CurrentPhase,
			Kind:      flow.ArtifactRawInput,
			Name:      "initial_data",
			Data:      input.InitialData,
			CreatedAt: o.now().UTC(),
		}
		if aerr := o.store.AddArtifact(ctx, artifact); aerr != nil {
			o.logger.Warn("initial data artifact write failed",
				zap.String("flow_id", f.ID), zap.Error(aerr))
		}
	}
	return f, nil
}

// GetFlow reads one flow within the scope.
func (o *Orchestrator) GetFlow(ctx context.Context, scope model.Scope, flowID string) (model.Flow, error) {
	return o.store.Get(ctx, scope, flowID)
}

// ListFlows lists flows within the scope.
func (o *Orchestrator) ListFlows(ctx context.Context, scope model.Scope, filters model.FlowFilters) ([]model.Flow, error) {
	return o.store.List(ctx, scope, filters)
}

// AuditTrail returns the flow's audit entries in chronological order.
func (o *Orchestrator) AuditTrail(ctx context.Context, scope model.Scope, flowID string) ([]flow.AuditEntry, error) {
	return o.store.AuditFor(ctx, scope, flowID)
}

// Artifacts returns the flow's recorded artifacts.
func (o *Orchestrator) Artifacts(ctx context.Context, scope model.Scope, flowID string) ([]flow.Artifact, error) {
	return o.store.ArtifactsFor(ctx, scope, flowID)
}

// PauseFlow suspends a live flow.
func (o *Orchestrator) PauseFlow(ctx context.Context, actor string, scope model.Scope, flowID, reason string) (model.Flow, error) {
	return o.lifecycle.Pause(ctx, actor, scope, flowID, reason)
}

// ResumeFlow reactivates a paused or failed flow after recovering it.
func (o *Orchestrator) ResumeFlow(ctx context.Context, actor string, scope model.Scope, flowID string) (model.Flow, error) {
	return o.lifecycle.Resume(ctx, actor, scope, flowID)
}

// DeleteFlow deletes one flow according to mode.
func (o *Orchestrator) DeleteFlow(ctx context.Context, actor string, scope model.Scope, flowID string, mode model.DeletionMode) model.DeleteResult {
	result := o.lifecycle.Delete(ctx, actor, scope, flowID, mode)
	o.metrics.RecordDeletion(mode.Kind(), deletionOutcome(result))
	return result
}

// BulkDeleteFlows deletes a capped batch of flows.
func (o *Orchestrator) BulkDeleteFlows(ctx context.Context, actor string, scope model.Scope, flowIDs []string, mode model.DeletionMode) (model.BulkDeleteResult, error) {
	result, err := o.lifecycle.BulkDelete(ctx, actor, scope, flowIDs, mode)
	if err != nil {
		return model.BulkDeleteResult{}, err
	}
	for _, r := range result.Results {
		o.metrics.RecordDeletion(mode.Kind(), deletionOutcome(r))
	}
	return result, nil
}

func deletionOutcome(r model.DeleteResult) string {
	if r.Success {
		return "success"
	}
	return "error"
}

// Validate runs the consistency checks over one flow, read-only.
func (o *Orchestrator) Validate(ctx context.Context, scope model.Scope, flowID string) (model.ConsistencyReport, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.validate",
		observability.AttrFlowID.String(flowID))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	f, err := o.store.Get(ctx, scope, flowID)
	if err != nil {
		return model.ConsistencyReport{}, err
	}
	report, err := o.validator.Check(ctx, &f)
	if err != nil {
		return model.ConsistencyReport{}, err
	}
	o.recordReportMetrics(report)
	return report, nil
}

// Recover validates the flow and repairs what it can. force lets the repair
// proceed on paused and approval-gated flows.
func (o *Orchestrator) Recover(ctx context.Context, actor string, scope model.Scope, flowID string, force bool) (model.RecoveryResult, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.recover",
		observability.AttrFlowID.String(flowID))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	result, err := o.recovery.Recover(ctx, actor, scope, flowID, force)
	if err != nil {
		o.metrics.RecordRecovery(model.RecoveryActionNone, "error")
		return model.RecoveryResult{}, err
	}
	span.SetAttributes(observability.AttrRecoveryAction.String(result.Action))

	outcome := "success"
	if result.RequiresManualIntervention {
		outcome = "manual"
	}
	o.metrics.RecordRecovery(result.Action, outcome)
	return result, nil
}

// InterceptTransition evaluates a proposed transition without applying it.
func (o *Orchestrator) InterceptTransition(ctx context.Context, scope model.Scope, flowID, from, to string, override bool) (model.InterceptionResult, error) {
	return o.router.Intercept(ctx, scope, flowID, from, to, override)
}

// RequestTransition evaluates a proposed transition and applies the outcome.
// An allowed transition moves the flow to the requested phase; an intercepted
// one moves it to the redirect target instead. Either way the flow ends up at
// a position its completion record justifies.
func (o *Orchestrator) RequestTransition(ctx context.Context, actor string, scope model.Scope, flowID, from, to string, override bool) (model.InterceptionResult, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.request_transition",
		observability.AttrFlowID.String(flowID),
		observability.AttrPhase.String(to))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	result, err := o.router.Intercept(ctx, scope, flowID, from, to, override)
	if err != nil {
		o.metrics.RecordInterception("rejected")
		return model.InterceptionResult{}, err
	}

	f, err := o.store.Get(ctx, scope, flowID)
	if err != nil {
		return model.InterceptionResult{}, err
	}
	before := f.Snapshot()

	if result.Allowed {
		f.CurrentPhase = to
		if f.Status == model.FlowStatusInitializing {
			f.Status = model.FlowStatusRunning
		}
		if err = o.store.Update(ctx, f); err != nil {
			return model.InterceptionResult{}, err
		}
		after := f.Snapshot()
		o.recordAudit(ctx, &f, actor, flow.AuditActionTransitioned, "", &before, &after)
		o.metrics.RecordInterception("allowed")
		return result, nil
	}

	// Intercepted: land on the justified phase instead of the requested one.
	o.metrics.RecordInterception("intercepted")
	if result.RedirectedTo != f.CurrentPhase {
		f.CurrentPhase = result.RedirectedTo
		if err = o.store.Update(ctx, f); err != nil {
			return model.InterceptionResult{}, err
		}
	}
	after := f.Snapshot()
	o.recordAudit(ctx, &f, actor, flow.AuditActionIntercepted, result.Reason, &before, &after)
	o.logger.Info("transition request intercepted",
		zap.String("flow_id", flowID),
		zap.String("requested", to),
		zap.String("redirected_to", result.RedirectedTo))
	return result, nil
}

// RoutingRecommendations runs the interception logic read-only over a batch.
func (o *Orchestrator) RoutingRecommendations(ctx context.Context, scope model.Scope, flowIDs []string) ([]model.Recommendation, error) {
	return o.router.Recommendations(ctx, scope, flowIDs)
}

// ReportPhaseComplete processes an executor's completion report for the
// flow's current phase. A report carrying a ReportID is idempotent per
// delivery: a retry under the same id replays the recorded outcome, and a
// changed payload under the same id conflicts. Only accepted outcomes are
// cached, so a rejected attempt can be corrected and re-sent, and a phase
// re-run after recovery dedupes under its own fresh id.
// A report whose summary fails the phase's success criteria is recorded but
// not accepted; the flow does not advance.
func (o *Orchestrator) ReportPhaseComplete(ctx context.Context, actor string, scope model.Scope, report model.PhaseReport) (model.ReportOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.report_phase",
		observability.AttrFlowID.String(report.FlowID),
		observability.AttrPhase.String(report.Phase))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	f, err := o.store.Get(ctx, scope, report.FlowID)
	if err != nil {
		return model.ReportOutcome{}, err
	}

	key := idempotency.FormatReportKey(report.FlowID, report.Phase, report.ReportID)
	hash := idempotency.HashReport(report)
	if o.reports != nil && report.ReportID != "" {
		cached, found, cerr := o.reports.Check(ctx, key, hash)
		if cerr != nil {
			err = cerr
			return model.ReportOutcome{}, err
		}
		if found {
			// Replay happens before the liveness guard: the first delivery may
			// itself have completed the flow.
			outcome := *cached
			outcome.Duplicate = true
			o.metrics.RecordPhaseReport(report.Phase, "duplicate")
			return outcome, nil
		}
	}

	if model.IsTerminalStatus(f.Status) || f.Deleted {
		err = model.NewFlowNotActiveError(
			fmt.Sprintf("flow %q is %s and accepts no phase reports", f.ID, f.Status))
		return model.ReportOutcome{}, err
	}

	g, gerr := o.graphs.Get(f.GraphVersion)
	if gerr != nil {
		err = model.NewInconsistentStateError(
			fmt.Sprintf("flow %q pins unknown graph version %q", f.ID, f.GraphVersion))
		return model.ReportOutcome{}, err
	}
	if !g.Has(report.Phase) {
		err = model.NewBadRequestError(
			fmt.Sprintf("phase %q is not in graph %s", report.Phase, f.GraphVersion))
		return model.ReportOutcome{}, err
	}
	if report.Phase != f.CurrentPhase {
		err = model.NewIllegalTransitionError(
			fmt.Sprintf("flow %q is in phase %q; completion reported for %q", f.ID, f.CurrentPhase, report.Phase))
		return model.ReportOutcome{}, err
	}

	before := f.Snapshot()
	now := o.now().UTC()
	phaseEnteredAt := f.LastActivityAt

	if f.StartedAt == nil {
		f.StartedAt = &now
	}
	if f.Status == model.FlowStatusInitializing {
		f.Status = model.FlowStatusRunning
	}
	if f.CriteriaResults == nil {
		f.CriteriaResults = make(map[string]map[string]any)
	}
	f.CriteriaResults[report.Phase] = report.Summary

	failed, cerr := g.EvaluateCriteria(report.Phase, report.Summary)
	if cerr != nil {
		err = cerr
		return model.ReportOutcome{}, err
	}

	outcome := model.ReportOutcome{FlowID: f.ID, Phase: report.Phase}

	if len(failed) > 0 {
		// The attempt is recorded for diagnosis, but the phase stays open.
		if err = o.store.Update(ctx, f); err != nil {
			return model.ReportOutcome{}, err
		}
		outcome.FailedCriteria = failed
		outcome.State = f.Snapshot()
		o.metrics.RecordPhaseReport(report.Phase, "rejected")
		o.logger.Info("phase report rejected by success criteria",
			zap.String("flow_id", f.ID),
			zap.String("phase", report.Phase),
			zap.Strings("failed_criteria", failed))
		// Rejections are never cached: the executor fixes the payload and
		// re-reports under the same id.
		return outcome, nil
	}

	f.PhaseCompletion[report.Phase] = true
	completedFlow := g.IsTerminal(report.Phase)
	if completedFlow {
		f.Status = model.FlowStatusCompleted
		f.CompletedAt = &now
	} else {
		next, _ := g.Successor(report.Phase)
		f.CurrentPhase = next
	}
	f.Progress = progressOf(g, f.PhaseCompletion)

	if err = o.store.Update(ctx, f); err != nil {
		return model.ReportOutcome{}, err
	}

	if completedFlow {
		o.releasePointer(ctx, &f)
		o.metrics.RecordFlowCompletion(f.FlowType, f.Status)
	}

	artifact := flow.Artifact{
		ID:        uuid.New().String(),
		FlowID:    f.ID,
		Phase:     report.Phase,
		Kind:      flow.ArtifactPhaseOutput,
		Name:      report.Phase,
		Data:      report.Summary,
		CreatedAt: now,
	}
	if aerr := o.store.AddArtifact(ctx, artifact); aerr != nil {
		o.logger.Warn("phase output artifact write failed",
			zap.String("flow_id", f.ID), zap.String("phase", report.Phase), zap.Error(aerr))
	}

	after := f.Snapshot()
	o.recordAudit(ctx, &f, actor, flow.AuditActionPhaseDone, "", &before, &after)
	o.metrics.RecordPhaseReport(report.Phase, "accepted")
	if !phaseEnteredAt.IsZero() {
		o.metrics.RecordPhaseDuration(report.Phase, now.Sub(phaseEnteredAt))
	}
	o.logger.Info("phase completed",
		zap.String("flow_id", f.ID),
		zap.String("phase", report.Phase),
		zap.String("current_phase", f.CurrentPhase),
		zap.String("status", f.Status))

	outcome.Accepted = true
	outcome.State = after
	if report.ReportID != "" {
		o.storeOutcome(ctx, key, hash, outcome)
	}
	return outcome, nil
}

// ReportPhaseFailed records an executor's failure report. The flow keeps its
// position and moves to failed; it can be resumed once the underlying issue
// is fixed.
func (o *Orchestrator) ReportPhaseFailed(ctx context.Context, actor string, scope model.Scope, report model.PhaseReport) (model.Flow, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.report_phase_failed",
		observability.AttrFlowID.String(report.FlowID),
		observability.AttrPhase.String(report.Phase))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	f, err := o.store.Get(ctx, scope, report.FlowID)
	if err != nil {
		return model.Flow{}, err
	}
	if model.IsTerminalStatus(f.Status) || f.Deleted {
		err = model.NewFlowNotActiveError(
			fmt.Sprintf("flow %q is %s and accepts no phase reports", f.ID, f.Status))
		return model.Flow{}, err
	}

	before := f.Snapshot()
	now := o.now().UTC()
	f.Errors = append(f.Errors, model.PhaseError{
		Phase:     report.Phase,
		Message:   report.Error,
		Timestamp: now,
		Details:   report.Summary,
	})
	f.Status = model.FlowStatusFailed

	if err = o.store.Update(ctx, f); err != nil {
		return model.Flow{}, err
	}
	after := f.Snapshot()
	o.recordAudit(ctx, &f, actor, flow.AuditActionPhaseFailed, report.Error, &before, &after)
	o.metrics.RecordPhaseReport(report.Phase, "failed")
	o.logger.Warn("phase failed",
		zap.String("flow_id", f.ID),
		zap.String("phase", report.Phase),
		zap.String("error", report.Error))

	f.Version++
	return f, nil
}

// SystemWideAnalysis validates every live flow in the scope and partitions
// the inconsistent ones by severity. Read-only.
func (o *Orchestrator) SystemWideAnalysis(ctx context.Context, scope model.Scope) (model.SystemAnalysis, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.system_analysis",
		observability.AttrAccountID.String(scope.AccountID),
		observability.AttrEngagementID.String(scope.EngagementID))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	all, err := o.store.List(ctx, scope, model.FlowFilters{})
	if err != nil {
		return model.SystemAnalysis{}, err
	}

	analysis := model.SystemAnalysis{AnalyzedAt: o.now().UTC()}
	for i := range all {
		f := &all[i]
		if model.IsTerminalStatus(f.Status) || f.Deleted {
			continue
		}
		analysis.AnalyzedCount++

		report, cerr := o.validator.Check(ctx, f)
		if cerr != nil {
			// A flow the validator cannot even parse is the worst case.
			report = model.ConsistencyReport{
				FlowID: f.ID,
				Findings: []model.Finding{{
					Code:     model.FindingPrematurePhaseEntry,
					Severity: model.SeverityCritical,
					Detail:   cerr.Error(),
				}},
				CheckedAt: o.now().UTC(),
			}
		}
		o.recordReportMetrics(report)

		switch {
		case report.HasCritical():
			analysis.CriticalFlows = append(analysis.CriticalFlows, report)
		case !report.IsConsistent:
			analysis.FlowsWithIssues = append(analysis.FlowsWithIssues, report)
		}
	}
	return analysis, nil
}

func (o *Orchestrator) recordReportMetrics(report model.ConsistencyReport) {
	if report.IsConsistent {
		o.metrics.RecordValidation("consistent")
		return
	}
	o.metrics.RecordValidation("inconsistent")
	for _, finding := range report.Findings {
		o.metrics.RecordFinding(finding.Code)
	}
}

// releasePointer clears the engagement pointer when it references f.
func (o *Orchestrator) releasePointer(ctx context.Context, f *model.Flow) {
	ptr, err := o.pointers.CurrentFlowID(ctx, f.Scope())
	if err != nil {
		o.logger.Warn("pointer read failed on completion",
			zap.String("flow_id", f.ID), zap.Error(err))
		return
	}
	if ptr != f.ID {
		return
	}
	if err := o.pointers.ClearCurrentFlowID(ctx, f.Scope()); err != nil {
		o.logger.Warn("pointer release failed on completion",
			zap.String("flow_id", f.ID), zap.Error(err))
	}
}

func (o *Orchestrator) storeOutcome(ctx context.Context, key, hash string, outcome model.ReportOutcome) {
	if o.reports == nil {
		return
	}
	if err := o.reports.Store(ctx, key, hash, outcome, o.reportTTL); err != nil {
		o.logger.Warn("report outcome cache write failed",
			zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) recordAudit(ctx context.Context, f *model.Flow, actor, action, reason string, before, after *model.StateSnapshot) {
	entry := flow.NewAuditEntry(f, actor, action, reason, before, after)
	if err := o.audit.Record(ctx, entry); err != nil {
		o.logger.Warn("audit write failed",
			zap.String("flow_id", f.ID), zap.String("action", action), zap.Error(err))
	}
}

func progressOf(g *phasegraph.Graph, completion map[string]bool) float64 {
	total := len(g.Phases())
	if total == 0 {
		return 0
	}
	done := 0
	for _, ok := range completion {
		if ok {
			done++
		}
	}
	return float64(done) / float64(total)
}
