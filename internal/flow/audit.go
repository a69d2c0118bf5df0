package flow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/waypoint/model"
)

// Audit actions recorded by the core.
const (
	AuditActionCreated      = "flow_created"
	AuditActionPaused       = "flow_paused"
	AuditActionResumed      = "flow_resumed"
	AuditActionSoftDeleted  = "flow_soft_deleted"
	AuditActionHardDeleted  = "flow_hard_deleted"
	AuditActionRecovered    = "flow_recovered"
	AuditActionIntercepted  = "transition_intercepted"
	AuditActionTransitioned = "phase_transitioned"
	AuditActionPhaseDone    = "phase_completed"
	AuditActionPhaseFailed  = "phase_failed"
)

// AuditEntry records one recovery action, interception, or lifecycle
// mutation against a flow.
type AuditEntry struct {
	ID           string               `json:"id"`
	FlowID       string               `json:"flow_id"`
	AccountID    string               `json:"account_id"`
	EngagementID string               `json:"engagement_id"`
	Actor        string               `json:"actor"`
	Action       string               `json:"action"`
	Before       *model.StateSnapshot `json:"before,omitempty"`
	After        *model.StateSnapshot `json:"after,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

// AuditSink receives audit entries. It is write-only from the core's point
// of view.
type AuditSink interface {
	Record(ctx context.Context, e AuditEntry) error
}

// NewAuditEntry builds an entry with a fresh id and timestamp.
func NewAuditEntry(f *model.Flow, actor, action, reason string, before, after *model.StateSnapshot) AuditEntry {
	return AuditEntry{
		ID:           uuid.New().String(),
		FlowID:       f.ID,
		AccountID:    f.AccountID,
		EngagementID: f.EngagementID,
		Actor:        actor,
		Action:       action,
		Before:       before,
		After:        after,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
}

// StoreAuditSink persists audit entries through the flow store, so they live
// in the same database and are cascade-deleted with the flow.
type StoreAuditSink struct {
	store Store
}

// NewStoreAuditSink creates an AuditSink backed by the given store.
func NewStoreAuditSink(store Store) *StoreAuditSink {
	return &StoreAuditSink{store: store}
}

// Record appends the entry to the store's audit trail.
func (s *StoreAuditSink) Record(ctx context.Context, e AuditEntry) error {
	return s.store.AppendAudit(ctx, e)
}
