// Package consistency validates persisted flow state against the pinned
// phase graph. Validation is strictly read-only: findings are values on the
// report, never errors, and the validator mutates nothing.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/waypoint/internal/flow"
	"github.com/pitabwire/waypoint/internal/phasegraph"
	"github.com/pitabwire/waypoint/model"
)

// Validator checks one flow snapshot for the four inconsistency classes, in
// severity order.
type Validator struct {
	graphs     *phasegraph.Registry
	pointers   flow.PointerStore
	staleAfter time.Duration
	now        func() time.Time
}

// NewValidator creates a validator. staleAfter is the inactivity window after
// which an in-progress flow is flagged stale; it has no default.
func NewValidator(graphs *phasegraph.Registry, pointers flow.PointerStore, staleAfter time.Duration) *Validator {
	return &Validator{
		graphs:     graphs,
		pointers:   pointers,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Check validates a flow and returns its consistency report. The returned
// error covers infrastructure failures only (unknown graph version, pointer
// store unavailable); an inconsistent flow is a normal report.
func (v *Validator) Check(ctx context.Context, f *model.Flow) (model.ConsistencyReport, error) {
	g, err := v.graphs.Get(f.GraphVersion)
	if err != nil {
		return model.ConsistencyReport{}, model.NewInconsistentStateError(
			fmt.Sprintf("flow %q pins unknown graph version %q", f.ID, f.GraphVersion))
	}

	var findings []model.Finding
	findings = append(findings, v.checkPrematureEntry(g, f)...)
	findings = append(findings, v.checkFalseCompletions(g, f)...)
	findings = append(findings, v.checkStaleness(f)...)

	pointerFindings, err := v.checkPointer(ctx, f)
	if err != nil {
		return model.ConsistencyReport{}, err
	}
	findings = append(findings, pointerFindings...)

	return model.ConsistencyReport{
		FlowID:       f.ID,
		IsConsistent: len(findings) == 0,
		Findings:     findings,
		CheckedAt:    v.now().UTC(),
	}, nil
}

// checkPrematureEntry flags a current phase whose ancestor chain is not fully
// complete.
func (v *Validator) checkPrematureEntry(g *phasegraph.Graph, f *model.Flow) []model.Finding {
	if !g.Has(f.CurrentPhase) {
		return []model.Finding{{
			Code:     model.FindingPrematurePhaseEntry,
			Severity: model.SeverityCritical,
			Phase:    f.CurrentPhase,
			Detail:   fmt.Sprintf("current phase %q is not declared in graph %s", f.CurrentPhase, g.Version()),
		}}
	}
	if g.AncestorsComplete(f.CurrentPhase, f.PhaseCompletion) {
		return nil
	}

	var missing []string
	for _, p := range g.Phases() {
		if p.Name != f.CurrentPhase && !f.PhaseCompletion[p.Name] && g.AncestorOf(p.Name, f.CurrentPhase) {
			missing = append(missing, p.Name)
		}
	}

	return []model.Finding{{
		Code:     model.FindingPrematurePhaseEntry,
		Severity: model.SeverityCritical,
		Phase:    f.CurrentPhase,
		Detail: fmt.Sprintf("flow is in phase %q with incomplete prerequisites: %s",
			f.CurrentPhase, strings.Join(missing, ", ")),
	}}
}

// checkFalseCompletions re-evaluates success criteria for every phase marked
// complete against the recorded output summaries.
func (v *Validator) checkFalseCompletions(g *phasegraph.Graph, f *model.Flow) []model.Finding {
	var done []string
	for name, complete := range f.PhaseCompletion {
		if complete && g.Has(name) {
			done = append(done, name)
		}
	}
	sort.Strings(done)

	var findings []model.Finding
	for _, name := range done {
		failed, err := g.EvaluateCriteria(name, f.CriteriaResults[name])
		if err != nil || len(failed) == 0 {
			continue
		}
		findings = append(findings, model.Finding{
			Code:     model.FindingFalseCompletion,
			Severity: model.SeverityHigh,
			Phase:    name,
			Detail: fmt.Sprintf("phase %q is marked complete but criteria failed: %s",
				name, strings.Join(failed, ", ")),
		})
	}
	return findings
}

// checkStaleness flags in-progress flows with no activity inside the window.
func (v *Validator) checkStaleness(f *model.Flow) []model.Finding {
	if !model.IsInProgress(f.Status) {
		return nil
	}
	idle := v.now().Sub(f.LastActivityAt)
	if idle <= v.staleAfter {
		return nil
	}
	return []model.Finding{{
		Code:     model.FindingStaleFlow,
		Severity: model.SeverityMedium,
		Phase:    f.CurrentPhase,
		Detail: fmt.Sprintf("flow has been inactive for %s (window %s)",
			idle.Truncate(time.Second), v.staleAfter),
	}}
}

// checkPointer compares the engagement's current-flow pointer with the flow's
// own liveness.
func (v *Validator) checkPointer(ctx context.Context, f *model.Flow) ([]model.Finding, error) {
	ptr, err := v.pointers.CurrentFlowID(ctx, f.Scope())
	if err != nil {
		return nil, model.NewStorageUnavailableError(fmt.Sprintf("read engagement pointer: %v", err))
	}

	// Paused and failed flows are resumable, so they keep the pointer.
	flowLive := !model.IsTerminalStatus(f.Status) && !f.Deleted

	switch {
	case ptr == f.ID && !flowLive:
		return []model.Finding{{
			Code:     model.FindingOrphanedPointer,
			Severity: model.SeverityMedium,
			Detail: fmt.Sprintf("engagement points at flow %q which is %s",
				f.ID, pointerTargetState(f)),
		}}, nil
	case ptr != f.ID && flowLive:
		detail := fmt.Sprintf("engagement does not reference live flow %q", f.ID)
		if ptr != "" {
			detail = fmt.Sprintf("engagement references %q instead of live flow %q", ptr, f.ID)
		}
		return []model.Finding{{
			Code:     model.FindingOrphanedPointer,
			Severity: model.SeverityMedium,
			Detail:   detail,
		}}, nil
	}
	return nil, nil
}

func pointerTargetState(f *model.Flow) string {
	if f.Deleted {
		return "deleted"
	}
	return f.Status
}
