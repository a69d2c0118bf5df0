package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/waypoint/model"
)

// MemoryStore is an in-memory Store and PointerStore for testing and
// single-instance deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	flows     map[string]model.Flow   // key: flow ID
	audits    map[string][]AuditEntry // key: flow ID
	artifacts map[string][]Artifact   // key: flow ID
	pointers  map[model.Scope]string  // engagement current-flow pointer
}

// NewMemoryStore creates a new in-memory flow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:     make(map[string]model.Flow),
		audits:    make(map[string][]AuditEntry),
		artifacts: make(map[string][]Artifact),
		pointers:  make(map[model.Scope]string),
	}
}

// cloneFlow deep-copies the flow's map and slice fields so callers never
// share mutable state with the store.
func cloneFlow(f model.Flow) model.Flow {
	out := f
	if f.PhaseCompletion != nil {
		out.PhaseCompletion = make(map[string]bool, len(f.PhaseCompletion))
		for k, v := range f.PhaseCompletion {
			out.PhaseCompletion[k] = v
		}
	}
	if f.CriteriaResults != nil {
		out.CriteriaResults = make(map[string]map[string]any, len(f.CriteriaResults))
		for phase, summary := range f.CriteriaResults {
			inner := make(map[string]any, len(summary))
			for k, v := range summary {
				inner[k] = v
			}
			out.CriteriaResults[phase] = inner
		}
	}
	if f.Errors != nil {
		out.Errors = append([]model.PhaseError(nil), f.Errors...)
	}
	if f.Warnings != nil {
		out.Warnings = append([]string(nil), f.Warnings...)
	}
	return out
}

// Create persists a new flow.
func (s *MemoryStore) Create(_ context.Context, f model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[f.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("flow %q already exists", f.ID))
	}

	s.flows[f.ID] = cloneFlow(f)
	return nil
}

// Get retrieves a flow by id, scoped to a tenant.
func (s *MemoryStore) Get(_ context.Context, scope model.Scope, flowID string) (model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.flows[flowID]
	if !exists || f.Scope() != scope {
		return model.Flow{}, model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}
	return cloneFlow(f), nil
}

// Update persists a changed flow with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, f model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.flows[f.ID]
	if !exists || existing.Scope() != f.Scope() {
		return model.NewNotFoundError(fmt.Sprintf("flow %q not found", f.ID))
	}

	// Optimistic lock check.
	if existing.Version != f.Version {
		return model.NewConflictError(fmt.Sprintf(
			"flow %q version conflict (expected %d, got %d)", f.ID, f.Version, existing.Version))
	}

	stored := cloneFlow(f)
	stored.Version++
	stored.LastActivityAt = time.Now().UTC()
	s.flows[f.ID] = stored
	return nil
}

// List returns flows for a tenant, optionally filtered.
func (s *MemoryStore) List(_ context.Context, scope model.Scope, filters model.FlowFilters) ([]model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statusIn := make(map[string]bool, len(filters.StatusIn))
	for _, st := range filters.StatusIn {
		statusIn[st] = true
	}

	var result []model.Flow
	for _, f := range s.flows {
		if f.Scope() != scope {
			continue
		}
		if len(statusIn) > 0 && !statusIn[f.Status] {
			continue
		}
		if filters.FlowType != "" && f.FlowType != filters.FlowType {
			continue
		}
		result = append(result, cloneFlow(f))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Flow{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Delete hard-removes a flow and, with cascade, its child records.
func (s *MemoryStore) Delete(_ context.Context, scope model.Scope, flowID string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, exists := s.flows[flowID]
	if !exists || f.Scope() != scope {
		return model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}

	delete(s.flows, flowID)
	if cascade {
		delete(s.audits, flowID)
		delete(s.artifacts, flowID)
		if s.pointers[scope] == flowID {
			delete(s.pointers, scope)
		}
	}
	return nil
}

// AppendAudit adds an entry to the audit trail.
func (s *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audits[e.FlowID] = append(s.audits[e.FlowID], e)
	return nil
}

// AuditFor retrieves the audit trail for a flow, ordered by timestamp.
func (s *MemoryStore) AuditFor(_ context.Context, scope model.Scope, flowID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.flows[flowID]
	if !exists || f.Scope() != scope {
		return nil, model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}

	entries := s.audits[flowID]
	result := make([]AuditEntry, len(entries))
	copy(result, entries)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// AddArtifact attaches a child artifact record to a flow.
func (s *MemoryStore) AddArtifact(_ context.Context, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.artifacts[a.FlowID] = append(s.artifacts[a.FlowID], a)
	return nil
}

// ArtifactsFor retrieves a flow's artifacts, scoped to a tenant.
func (s *MemoryStore) ArtifactsFor(_ context.Context, scope model.Scope, flowID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.flows[flowID]
	if !exists || f.Scope() != scope {
		return nil, model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}

	result := make([]Artifact, len(s.artifacts[flowID]))
	copy(result, s.artifacts[flowID])
	return result, nil
}

// CurrentFlowID returns the engagement's current flow pointer, or "".
func (s *MemoryStore) CurrentFlowID(_ context.Context, scope model.Scope) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pointers[scope], nil
}

// SetCurrentFlowID points the engagement at a flow.
func (s *MemoryStore) SetCurrentFlowID(_ context.Context, scope model.Scope, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[scope] = flowID
	return nil
}

// ClearCurrentFlowID unsets the engagement's pointer.
func (s *MemoryStore) ClearCurrentFlowID(_ context.Context, scope model.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pointers, scope)
	return nil
}

// ListLive returns every non-terminal, non-deleted flow across all tenants.
func (s *MemoryStore) ListLive(_ context.Context) ([]model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Flow
	for _, f := range s.flows {
		if model.IsTerminalStatus(f.Status) || f.Deleted {
			continue
		}
		result = append(result, cloneFlow(f))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// HealthCheck reports store health. The in-memory store is always healthy.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of flows. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows)
}
