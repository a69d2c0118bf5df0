// Package routing decides whether a proposed phase transition may proceed.
// The router is the gate every transition passes through: illegal jumps are
// rejected outright, and legal requests on an inconsistent flow are
// intercepted and redirected to the position the completion record supports.
package routing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/consistency"
	"github.com/pitabwire/waypoint/internal/flow"
	"github.com/pitabwire/waypoint/internal/phasegraph"
	"github.com/pitabwire/waypoint/model"
)

// Router validates proposed transitions against the pinned graph and the
// flow's consistency report.
type Router struct {
	store     flow.Store
	graphs    *phasegraph.Registry
	validator *consistency.Validator
	logger    *zap.Logger
}

// NewRouter creates a transition router.
func NewRouter(store flow.Store, graphs *phasegraph.Registry, validator *consistency.Validator, logger *zap.Logger) *Router {
	return &Router{store: store, graphs: graphs, validator: validator, logger: logger}
}

// Intercept evaluates a proposed transition without applying it.
//
// A transition that does not follow the graph's successor edge returns
// ILLEGAL_TRANSITION unless override is set. A legal request on a flow whose
// state does not support it is not an error: the result comes back with
// Intercepted set and RedirectedTo naming the justified position.
func (r *Router) Intercept(ctx context.Context, scope model.Scope, flowID, from, to string, override bool) (model.InterceptionResult, error) {
	f, err := r.store.Get(ctx, scope, flowID)
	if err != nil {
		return model.InterceptionResult{}, err
	}
	if model.IsTerminalStatus(f.Status) || f.Deleted {
		return model.InterceptionResult{}, model.NewFlowNotActiveError(
			fmt.Sprintf("flow %q is %s and accepts no transitions", flowID, f.Status))
	}

	g, err := r.graphs.Get(f.GraphVersion)
	if err != nil {
		return model.InterceptionResult{}, model.NewInconsistentStateError(
			fmt.Sprintf("flow %q pins unknown graph version %q", flowID, f.GraphVersion))
	}
	if !g.Has(from) || !g.Has(to) {
		return model.InterceptionResult{}, model.NewBadRequestError(
			fmt.Sprintf("transition %q -> %q names phases not in graph %s", from, to, f.GraphVersion))
	}
	if from != f.CurrentPhase {
		return model.InterceptionResult{}, model.NewIllegalTransitionError(
			fmt.Sprintf("flow %q is in phase %q, not %q", flowID, f.CurrentPhase, from))
	}

	if next, ok := g.Successor(from); !ok || next != to {
		if !override {
			return model.InterceptionResult{}, model.NewIllegalTransitionError(
				fmt.Sprintf("transition %q -> %q does not follow the phase graph", from, to))
		}
		r.logger.Warn("transition override in use",
			zap.String("flow_id", flowID),
			zap.String("from", from),
			zap.String("to", to))
	}

	report, err := r.validator.Check(ctx, &f)
	if err != nil {
		return model.InterceptionResult{}, err
	}

	result := model.InterceptionResult{
		FlowID:    flowID,
		FromPhase: from,
		ToPhase:   to,
	}

	if target, blocked := r.blockingRedirect(g, &f, report); blocked {
		result.Intercepted = true
		result.RedirectedTo = target
		result.Reason = fmt.Sprintf("flow state does not support entering %q, redirecting to %q", to, target)
		r.logger.Info("transition intercepted",
			zap.String("flow_id", flowID),
			zap.String("from", from),
			zap.String("to", to),
			zap.String("redirected_to", target))
		return result, nil
	}

	// Entry into a phase whose prerequisite chain is not complete is never
	// allowed, whatever the caller asked for. The current phase is usually the
	// unsatisfied prerequisite here: the executor requested the move before
	// reporting completion.
	if eff := effectiveCompletion(g, &f); !g.AncestorsComplete(to, eff) {
		target := g.DeepestValidPhase(to, eff)
		result.Intercepted = true
		result.RedirectedTo = target
		result.Reason = fmt.Sprintf("prerequisites of %q are not complete, redirecting to %q", to, target)
		r.logger.Info("transition intercepted",
			zap.String("flow_id", flowID),
			zap.String("from", from),
			zap.String("to", to),
			zap.String("redirected_to", target))
		return result, nil
	}

	result.Allowed = true
	return result, nil
}

// Recommendations runs the interception logic read-only over a batch of
// flows. With no ids given, every non-terminal flow in the scope is analyzed.
func (r *Router) Recommendations(ctx context.Context, scope model.Scope, flowIDs []string) ([]model.Recommendation, error) {
	flows, err := r.resolveFlows(ctx, scope, flowIDs)
	if err != nil {
		return nil, err
	}

	recs := make([]model.Recommendation, 0, len(flows))
	for i := range flows {
		f := &flows[i]

		rec := model.Recommendation{
			FlowID:           f.ID,
			CurrentPhase:     f.CurrentPhase,
			Status:           f.Status,
			RecommendedPhase: f.CurrentPhase,
		}

		g, err := r.graphs.Get(f.GraphVersion)
		if err != nil {
			rec.Findings = []model.Finding{{
				Code:     model.FindingPrematurePhaseEntry,
				Severity: model.SeverityCritical,
				Detail:   fmt.Sprintf("unknown graph version %q", f.GraphVersion),
			}}
			recs = append(recs, rec)
			continue
		}

		report, err := r.validator.Check(ctx, f)
		if err != nil {
			return nil, err
		}
		rec.Findings = report.Findings
		if target, blocked := r.blockingRedirect(g, f, report); blocked {
			rec.RecommendedPhase = target
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// blockingRedirect reports whether state findings block forward movement and,
// if so, the phase to land on. Staleness and pointer drift are advisory and
// never redirect.
func (r *Router) blockingRedirect(g *phasegraph.Graph, f *model.Flow, report model.ConsistencyReport) (string, bool) {
	blocked := false
	for _, finding := range report.Findings {
		if finding.Code == model.FindingPrematurePhaseEntry || finding.Code == model.FindingFalseCompletion {
			blocked = true
		}
	}
	if !blocked {
		return "", false
	}

	completion := effectiveCompletion(g, f)
	return g.DeepestValidPhase(f.CurrentPhase, completion), true
}

// effectiveCompletion is the completion record with falsely-completed phases
// and their dependents discounted, without mutating the flow.
func effectiveCompletion(g *phasegraph.Graph, f *model.Flow) map[string]bool {
	completion := make(map[string]bool, len(f.PhaseCompletion))
	for k, v := range f.PhaseCompletion {
		completion[k] = v
	}
	for name, done := range f.PhaseCompletion {
		if !done || !g.Has(name) {
			continue
		}
		failed, err := g.EvaluateCriteria(name, f.CriteriaResults[name])
		if err != nil || len(failed) == 0 {
			continue
		}
		completion[name] = false
		for _, dep := range g.Dependents(name) {
			completion[dep] = false
		}
	}
	return completion
}

func (r *Router) resolveFlows(ctx context.Context, scope model.Scope, flowIDs []string) ([]model.Flow, error) {
	if len(flowIDs) == 0 {
		all, err := r.store.List(ctx, scope, model.FlowFilters{})
		if err != nil {
			return nil, err
		}
		var live []model.Flow
		for _, f := range all {
			if !model.IsTerminalStatus(f.Status) && !f.Deleted {
				live = append(live, f)
			}
		}
		return live, nil
	}

	flows := make([]model.Flow, 0, len(flowIDs))
	for _, id := range flowIDs {
		f, err := r.store.Get(ctx, scope, id)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}
