// Package lifecycle creates, pauses, resumes, and deletes flows. Every
// mutation lands in the audit trail, and deletion is governed by an explicit
// mode so nothing destructive happens by default.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/flow"
	"github.com/pitabwire/waypoint/internal/phasegraph"
	"github.com/pitabwire/waypoint/internal/recovery"
	"github.com/pitabwire/waypoint/model"
)

// Manager owns flow lifecycle transitions.
type Manager struct {
	store    flow.Store
	pointers flow.PointerStore
	graphs   *phasegraph.Registry
	recovery *recovery.Engine
	audit    flow.AuditSink
	logger   *zap.Logger
	maxBatch int
	now      func() time.Time
}

// NewManager creates a lifecycle manager. maxBatch caps bulk deletion.
func NewManager(
	store flow.Store,
	pointers flow.PointerStore,
	graphs *phasegraph.Registry,
	recoveryEngine *recovery.Engine,
	audit flow.AuditSink,
	logger *zap.Logger,
	maxBatch int,
) *Manager {
	return &Manager{
		store:    store,
		pointers: pointers,
		graphs:   graphs,
		recovery: recoveryEngine,
		audit:    audit,
		logger:   logger,
		maxBatch: maxBatch,
		now:      time.Now,
	}
}

// CreateInput carries the caller-supplied fields for a new flow.
type CreateInput struct {
	FlowType     string
	OwnerID      string
	GraphVersion string // empty selects the registry default
}

// Create starts a new flow at the graph's initial phase and points the
// engagement at it. The graph version is pinned here and never migrates.
func (m *Manager) Create(ctx context.Context, actor string, scope model.Scope, input CreateInput) (model.Flow, error) {
	if err := scope.Validate(); err != nil {
		return model.Flow{}, err
	}
	if input.FlowType == "" {
		return model.Flow{}, model.NewValidationError([]model.FieldError{
			{Field: "flow_type", Code: "required", Message: "flow_type is required"},
		})
	}

	version := input.GraphVersion
	if version == "" {
		version = m.graphs.DefaultVersion()
	}
	g, err := m.graphs.Get(version)
	if err != nil {
		return model.Flow{}, model.NewValidationError([]model.FieldError{
			{Field: "graph_version", Code: "unknown", Message: fmt.Sprintf("unknown graph version %q", version)},
		})
	}

	now := m.now().UTC()
	f := model.Flow{
		ID:              uuid.New().String(),
		AccountID:       scope.AccountID,
		EngagementID:    scope.EngagementID,
		OwnerID:         input.OwnerID,
		FlowType:        input.FlowType,
		GraphVersion:    g.Version(),
		CurrentPhase:    g.InitialPhase(),
		PhaseCompletion: g.NewCompletion(),
		Status:          model.FlowStatusInitializing,
		CreatedAt:       now,
		LastActivityAt:  now,
		Version:         1,
	}

	if err := m.store.Create(ctx, f); err != nil {
		return model.Flow{}, err
	}
	if err := m.pointers.SetCurrentFlowID(ctx, scope, f.ID); err != nil {
		return model.Flow{}, err
	}

	after := f.Snapshot()
	m.recordAudit(ctx, &f, actor, flow.AuditActionCreated, "", nil, &after)

	m.logger.Info("flow created",
		zap.String("flow_id", f.ID),
		zap.String("flow_type", f.FlowType),
		zap.String("graph_version", f.GraphVersion),
		zap.String("account_id", f.AccountID),
		zap.String("engagement_id", f.EngagementID))

	return f, nil
}

// Pause suspends a live flow. Only running and waiting_for_approval flows can
// pause.
func (m *Manager) Pause(ctx context.Context, actor string, scope model.Scope, flowID, reason string) (model.Flow, error) {
	f, err := m.store.Get(ctx, scope, flowID)
	if err != nil {
		return model.Flow{}, err
	}
	if f.Status != model.FlowStatusRunning && f.Status != model.FlowStatusWaitingForApproval {
		return model.Flow{}, model.NewFlowNotActiveError(
			fmt.Sprintf("flow %q is %s and cannot be paused", flowID, f.Status))
	}

	before := f.Snapshot()
	now := m.now().UTC()
	f.Status = model.FlowStatusPaused
	f.PausedAt = &now
	f.PauseReason = reason

	if err := m.store.Update(ctx, f); err != nil {
		return model.Flow{}, err
	}
	after := f.Snapshot()
	m.recordAudit(ctx, &f, actor, flow.AuditActionPaused, reason, &before, &after)

	m.logger.Info("flow paused", zap.String("flow_id", f.ID), zap.String("reason", reason))
	f.Version++
	return f, nil
}

// Resume reactivates a paused or failed flow. The flow is validated and
// recovered first, so it always resumes from a position its completion
// record justifies.
func (m *Manager) Resume(ctx context.Context, actor string, scope model.Scope, flowID string) (model.Flow, error) {
	f, err := m.store.Get(ctx, scope, flowID)
	if err != nil {
		return model.Flow{}, err
	}
	if f.Status != model.FlowStatusPaused && f.Status != model.FlowStatusFailed {
		return model.Flow{}, model.NewFlowNotActiveError(
			fmt.Sprintf("flow %q is %s and cannot be resumed", flowID, f.Status))
	}

	// The operator asked for the resume, so repairs on the paused flow are
	// authorized.
	result, err := m.recovery.Recover(ctx, actor, scope, flowID, true)
	if err != nil {
		return model.Flow{}, err
	}
	if result.RequiresManualIntervention {
		m.logger.Warn("resuming flow that still needs operator attention",
			zap.String("flow_id", flowID), zap.String("message", result.Message))
	}

	// Recovery may have advanced the version; work from a fresh read.
	f, err = m.store.Get(ctx, scope, flowID)
	if err != nil {
		return model.Flow{}, err
	}

	before := f.Snapshot()
	now := m.now().UTC()
	f.Status = model.FlowStatusRunning
	f.ResumedAt = &now
	f.PauseReason = ""

	if err := m.store.Update(ctx, f); err != nil {
		return model.Flow{}, err
	}
	after := f.Snapshot()
	m.recordAudit(ctx, &f, actor, flow.AuditActionResumed, "", &before, &after)

	m.logger.Info("flow resumed", zap.String("flow_id", f.ID))
	f.Version++
	return f, nil
}

// Delete removes a flow according to mode. Soft deletion tombstones the flow
// and releases the engagement pointer; hard deletion cascades over child
// records and refuses in-progress flows unless the mode overrides that.
func (m *Manager) Delete(ctx context.Context, actor string, scope model.Scope, flowID string, mode model.DeletionMode) model.DeleteResult {
	f, err := m.store.Get(ctx, scope, flowID)
	if err != nil {
		return model.DeleteResult{FlowID: flowID, Mode: mode.Kind(), Message: err.Error()}
	}

	if mode.IsHard() {
		return m.hardDelete(ctx, actor, &f, mode)
	}
	return m.softDelete(ctx, actor, &f, mode)
}

func (m *Manager) softDelete(ctx context.Context, actor string, f *model.Flow, mode model.DeletionMode) model.DeleteResult {
	if f.Deleted {
		// Tombstoning twice is a no-op success.
		return model.DeleteResult{FlowID: f.ID, Success: true, Mode: mode.Kind(), Message: "already deleted"}
	}

	before := f.Snapshot()
	f.Deleted = true
	f.Status = model.FlowStatusCancelled

	if err := m.store.Update(ctx, *f); err != nil {
		return model.DeleteResult{FlowID: f.ID, Mode: mode.Kind(), Message: err.Error()}
	}
	if err := m.releasePointer(ctx, f); err != nil {
		return model.DeleteResult{FlowID: f.ID, Mode: mode.Kind(), Message: err.Error()}
	}

	after := f.Snapshot()
	m.recordAudit(ctx, f, actor, flow.AuditActionSoftDeleted, mode.Reason(), &before, &after)
	m.logger.Info("flow soft-deleted", zap.String("flow_id", f.ID), zap.String("reason", mode.Reason()))

	return model.DeleteResult{FlowID: f.ID, Success: true, Mode: mode.Kind()}
}

func (m *Manager) hardDelete(ctx context.Context, actor string, f *model.Flow, mode model.DeletionMode) model.DeleteResult {
	if model.IsInProgress(f.Status) && !mode.OverrideActive() {
		err := model.NewDeleteRefusedError(
			fmt.Sprintf("flow %q is %s; hard deletion requires override_active", f.ID, f.Status))
		return model.DeleteResult{FlowID: f.ID, Mode: mode.Kind(), Message: err.Error()}
	}

	before := f.Snapshot()
	// Audit before the rows disappear: hard deletion removes the trail with
	// the flow, so the action itself is only observable in logs afterwards.
	m.recordAudit(ctx, f, actor, flow.AuditActionHardDeleted, mode.Reason(), &before, nil)

	if err := m.store.Delete(ctx, f.Scope(), f.ID, true); err != nil {
		return model.DeleteResult{FlowID: f.ID, Mode: mode.Kind(), Message: err.Error()}
	}

	m.logger.Info("flow hard-deleted",
		zap.String("flow_id", f.ID),
		zap.String("reason", mode.Reason()),
		zap.Bool("override_active", mode.OverrideActive()))

	return model.DeleteResult{FlowID: f.ID, Success: true, Mode: mode.Kind()}
}

// BulkDelete deletes up to maxBatch flows sequentially. One id's failure
// never aborts the rest; the batch itself only fails on the size cap, which
// is enforced before any work starts.
func (m *Manager) BulkDelete(ctx context.Context, actor string, scope model.Scope, flowIDs []string, mode model.DeletionMode) (model.BulkDeleteResult, error) {
	if len(flowIDs) == 0 {
		return model.BulkDeleteResult{}, model.NewValidationError([]model.FieldError{
			{Field: "flow_ids", Code: "required", Message: "at least one flow id is required"},
		})
	}
	if len(flowIDs) > m.maxBatch {
		return model.BulkDeleteResult{}, model.NewBatchLimitError(
			fmt.Sprintf("batch of %d exceeds the limit of %d", len(flowIDs), m.maxBatch))
	}

	result := model.BulkDeleteResult{Results: make([]model.DeleteResult, 0, len(flowIDs))}
	for _, id := range flowIDs {
		r := m.Delete(ctx, actor, scope, id, mode)
		if r.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Results = append(result.Results, r)
	}
	return result, nil
}

// releasePointer clears the engagement pointer when it references f.
func (m *Manager) releasePointer(ctx context.Context, f *model.Flow) error {
	ptr, err := m.pointers.CurrentFlowID(ctx, f.Scope())
	if err != nil {
		return err
	}
	if ptr == f.ID {
		return m.pointers.ClearCurrentFlowID(ctx, f.Scope())
	}
	return nil
}

func (m *Manager) recordAudit(ctx context.Context, f *model.Flow, actor, action, reason string, before, after *model.StateSnapshot) {
	entry := flow.NewAuditEntry(f, actor, action, reason, before, after)
	if err := m.audit.Record(ctx, entry); err != nil {
		m.logger.Warn("audit write failed",
			zap.String("flow_id", f.ID), zap.String("action", action), zap.Error(err))
	}
}
