// Package flow persists flow records, their child records, and the audit
// trail. Two implementations are provided: an in-memory store for tests and
// single-instance use, and a PostgreSQL store for production.
package flow

import (
	"context"
	"time"

	"github.com/pitabwire/waypoint/model"
)

// Store persists flows, artifacts, and audit entries.
//
// Every read and mutation is filtered by tenant scope at the storage
// boundary: a flow id belonging to another scope yields NOT_FOUND, identical
// to a truly absent id. Update uses optimistic locking on Flow.Version and
// returns CONFLICT when the version has moved.
type Store interface {
	// Create persists a new flow.
	Create(ctx context.Context, f model.Flow) error

	// Get retrieves a flow by id, scoped to a tenant.
	Get(ctx context.Context, scope model.Scope, flowID string) (model.Flow, error)

	// Update persists a changed flow. The flow's version must match the
	// stored version; the store increments it on success.
	Update(ctx context.Context, f model.Flow) error

	// List returns flows for a tenant, optionally filtered.
	List(ctx context.Context, scope model.Scope, filters model.FlowFilters) ([]model.Flow, error)

	// Delete hard-removes a flow. With cascade, all child records (artifacts,
	// audit entries) are removed in dependency order inside one transaction.
	Delete(ctx context.Context, scope model.Scope, flowID string, cascade bool) error

	// AppendAudit adds an entry to the audit trail.
	AppendAudit(ctx context.Context, e AuditEntry) error

	// AuditFor retrieves the audit trail for a flow, scoped to a tenant,
	// ordered by timestamp.
	AuditFor(ctx context.Context, scope model.Scope, flowID string) ([]AuditEntry, error)

	// AddArtifact attaches a child artifact record to a flow.
	AddArtifact(ctx context.Context, a Artifact) error

	// ArtifactsFor retrieves a flow's artifacts, scoped to a tenant.
	ArtifactsFor(ctx context.Context, scope model.Scope, flowID string) ([]Artifact, error)
}

// LiveLister enumerates non-terminal, non-deleted flows across every tenant.
// It exists for the background consistency sweeper, which is the only
// component that reads outside a tenant scope.
type LiveLister interface {
	ListLive(ctx context.Context) ([]model.Flow, error)
}

// PointerStore is the narrow accessor for a parent engagement's "current
// flow" pointer. It exists only for ORPHANED_POINTER detection and repair.
type PointerStore interface {
	// CurrentFlowID returns the engagement's current flow pointer, or ""
	// when unset.
	CurrentFlowID(ctx context.Context, scope model.Scope) (string, error)

	// SetCurrentFlowID points the engagement at a flow.
	SetCurrentFlowID(ctx context.Context, scope model.Scope, flowID string) error

	// ClearCurrentFlowID unsets the engagement's pointer.
	ClearCurrentFlowID(ctx context.Context, scope model.Scope) error
}

// Artifact is a per-flow child record: a raw input or a per-phase output.
// Hard deletion cascades over these.
type Artifact struct {
	ID        string         `json:"id"`
	FlowID    string         `json:"flow_id"`
	Phase     string         `json:"phase,omitempty"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Artifact kinds.
const (
	ArtifactRawInput    = "raw_input"
	ArtifactPhaseOutput = "phase_output"
)
