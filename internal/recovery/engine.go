// Package recovery repairs the inconsistencies the consistency validator
// reports. Repairs are conservative: state only ever rolls back to the
// deepest position the completion record justifies, and nothing is ever
// marked complete on a flow's behalf.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/consistency"
	"github.com/pitabwire/waypoint/internal/flow"
	"github.com/pitabwire/waypoint/internal/phasegraph"
	"github.com/pitabwire/waypoint/model"
)

// Engine applies recovery actions for a validated flow.
type Engine struct {
	store     flow.Store
	pointers  flow.PointerStore
	graphs    *phasegraph.Registry
	validator *consistency.Validator
	audit     flow.AuditSink
	logger    *zap.Logger
}

// NewEngine creates a recovery engine.
func NewEngine(
	store flow.Store,
	pointers flow.PointerStore,
	graphs *phasegraph.Registry,
	validator *consistency.Validator,
	audit flow.AuditSink,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:     store,
		pointers:  pointers,
		graphs:    graphs,
		validator: validator,
		audit:     audit,
		logger:    logger,
	}
}

// Recover validates the flow and repairs what it can. The whole repair is
// saved with one optimistic-locked update; on a version conflict the engine
// re-reads and retries the full validate-repair sequence once before
// surfacing CONFLICT. Recovering a consistent flow is a no-op success.
//
// Flows that sit in paused or waiting_for_approval are owned by a person;
// repairs that would rewrite their state are deferred to the operator unless
// force is set. Stale flows are never auto-repaired, force or not.
func (e *Engine) Recover(ctx context.Context, actor string, scope model.Scope, flowID string, force bool) (model.RecoveryResult, error) {
	result, err := e.recoverOnce(ctx, actor, scope, flowID, force)
	if err != nil && model.IsConflict(err) {
		e.logger.Warn("recovery lost optimistic lock, retrying from fresh read",
			zap.String("flow_id", flowID))
		return e.recoverOnce(ctx, actor, scope, flowID, force)
	}
	return result, err
}

func (e *Engine) recoverOnce(ctx context.Context, actor string, scope model.Scope, flowID string, force bool) (model.RecoveryResult, error) {
	f, err := e.store.Get(ctx, scope, flowID)
	if err != nil {
		return model.RecoveryResult{}, err
	}

	report, err := e.validator.Check(ctx, &f)
	if err != nil {
		return model.RecoveryResult{}, err
	}

	before := f.Snapshot()

	if report.IsConsistent {
		return model.RecoveryResult{
			FlowID:    f.ID,
			Success:   true,
			Action:    model.RecoveryActionNone,
			FromState: before,
			ToState:   before,
			Message:   "flow is consistent, nothing to repair",
		}, nil
	}

	g, err := e.graphs.Get(f.GraphVersion)
	if err != nil {
		return model.RecoveryResult{}, model.NewInconsistentStateError(
			fmt.Sprintf("flow %q pins unknown graph version %q", f.ID, f.GraphVersion))
	}

	plan := e.buildPlan(g, &f, report)

	if plan.manualOnly() {
		// Stale flows are reported, never auto-mutated.
		return model.RecoveryResult{
			FlowID:                     f.ID,
			Success:                    false,
			Action:                     model.RecoveryActionManual,
			FromState:                  before,
			ToState:                    before,
			Message:                    plan.message(),
			RequiresManualIntervention: true,
		}, nil
	}

	if plan.mutatesFlow && !force && isHumanOwned(f.Status) {
		return model.RecoveryResult{
			FlowID:                     f.ID,
			Success:                    false,
			Action:                     model.RecoveryActionManual,
			FromState:                  before,
			ToState:                    before,
			Message:                    fmt.Sprintf("flow is %s; repair would rewrite its state, re-run with force", f.Status),
			RequiresManualIntervention: true,
		}, nil
	}

	if plan.mutatesFlow {
		if err := e.store.Update(ctx, f); err != nil {
			return model.RecoveryResult{}, err
		}
	}
	if err := plan.applyPointer(ctx, e.pointers, &f); err != nil {
		return model.RecoveryResult{}, err
	}

	after := f.Snapshot()
	entry := flow.NewAuditEntry(&f, actor, flow.AuditActionRecovered, plan.message(), &before, &after)
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Warn("recovery audit write failed",
			zap.String("flow_id", f.ID), zap.Error(err))
	}

	e.logger.Info("flow recovered",
		zap.String("flow_id", f.ID),
		zap.String("action", plan.primaryAction),
		zap.String("from_phase", before.CurrentPhase),
		zap.String("to_phase", after.CurrentPhase))

	return model.RecoveryResult{
		FlowID:                     f.ID,
		Success:                    true,
		Action:                     plan.primaryAction,
		FromState:                  before,
		ToState:                    after,
		Message:                    plan.message(),
		RequiresManualIntervention: plan.manual,
	}, nil
}

// plan accumulates the repairs for one pass. Mutations are applied to the
// flow value up front and persisted in a single update.
type plan struct {
	primaryAction string
	messages      []string
	mutatesFlow   bool
	manual        bool

	setPointer   bool
	clearPointer bool
}

func (p *plan) note(action, msg string) {
	if p.primaryAction == "" || p.primaryAction == model.RecoveryActionManual {
		p.primaryAction = action
	}
	p.messages = append(p.messages, msg)
}

func (p *plan) message() string {
	out := ""
	for i, m := range p.messages {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

func (p *plan) manualOnly() bool {
	return p.manual && !p.mutatesFlow && !p.setPointer && !p.clearPointer
}

func (p *plan) applyPointer(ctx context.Context, pointers flow.PointerStore, f *model.Flow) error {
	if p.setPointer {
		return pointers.SetCurrentFlowID(ctx, f.Scope(), f.ID)
	}
	if p.clearPointer {
		return pointers.ClearCurrentFlowID(ctx, f.Scope())
	}
	return nil
}

// buildPlan walks the findings in severity order and mutates f in place.
func (e *Engine) buildPlan(g *phasegraph.Graph, f *model.Flow, report model.ConsistencyReport) *plan {
	p := &plan{}

	for _, finding := range report.Findings {
		if finding.Code == model.FindingFalseCompletion {
			e.unmarkCompletion(g, f, finding.Phase, p)
		}
	}

	// Roll the current phase back after unmarking, so a cascade that
	// invalidated the current position is repaired in the same pass.
	if !g.AncestorsComplete(f.CurrentPhase, f.PhaseCompletion) || !g.Has(f.CurrentPhase) {
		target := g.DeepestValidPhase(f.CurrentPhase, f.PhaseCompletion)
		p.note(model.RecoveryActionPhaseRollback,
			fmt.Sprintf("rolled back from %q to %q", f.CurrentPhase, target))
		f.CurrentPhase = target
		p.mutatesFlow = true
	}

	if p.mutatesFlow {
		f.Progress = progressOf(g, f.PhaseCompletion)
		// completed always means every phase is complete. A repair that
		// unmarked phases on a completed flow reopens it.
		if f.Status == model.FlowStatusCompleted && !allPhasesComplete(f.PhaseCompletion) {
			f.Status = model.FlowStatusRunning
			f.CompletedAt = nil
			p.messages = append(p.messages,
				"reopened flow: phases are incomplete after repair")
		}
	}

	// The pointer repair runs last so it sees the flow's post-repair liveness.
	for _, finding := range report.Findings {
		switch finding.Code {
		case model.FindingStaleFlow:
			p.manual = true
			p.note(model.RecoveryActionManual,
				fmt.Sprintf("stale flow requires operator attention: %s", finding.Detail))
		case model.FindingOrphanedPointer:
			e.repairPointer(f, p)
		}
	}
	return p
}

func allPhasesComplete(completion map[string]bool) bool {
	for _, done := range completion {
		if !done {
			return false
		}
	}
	return true
}

// unmarkCompletion clears a falsely-completed phase and every phase that
// transitively depends on it.
func (e *Engine) unmarkCompletion(g *phasegraph.Graph, f *model.Flow, phase string, p *plan) {
	if !f.PhaseCompletion[phase] {
		return
	}
	f.PhaseCompletion[phase] = false
	unmarked := []string{phase}
	for _, dep := range g.Dependents(phase) {
		if f.PhaseCompletion[dep] {
			f.PhaseCompletion[dep] = false
			unmarked = append(unmarked, dep)
		}
	}
	p.mutatesFlow = true
	p.note(model.RecoveryActionUnmarkComplete,
		fmt.Sprintf("unmarked completion of %v (criteria not met)", unmarked))
}

func isHumanOwned(status string) bool {
	return status == model.FlowStatusPaused || status == model.FlowStatusWaitingForApproval
}

// repairPointer realigns the engagement pointer with the flow's liveness.
func (e *Engine) repairPointer(f *model.Flow, p *plan) {
	if !model.IsTerminalStatus(f.Status) && !f.Deleted {
		p.setPointer = true
		p.note(model.RecoveryActionRepointParent,
			fmt.Sprintf("repointed engagement at live flow %q", f.ID))
		return
	}
	p.clearPointer = true
	p.note(model.RecoveryActionRepointParent,
		fmt.Sprintf("cleared engagement pointer to finished flow %q", f.ID))
}

func progressOf(g *phasegraph.Graph, completion map[string]bool) float64 {
	total := len(g.Phases())
	if total == 0 {
		return 0
	}
	done := 0
	for _, p := range g.Phases() {
		if completion[p.Name] {
			done++
		}
	}
	return float64(done) / float64(total)
}
