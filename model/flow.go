package model

import "time"

// Flow status constants.
const (
	FlowStatusInitializing       = "initializing"
	FlowStatusRunning            = "running"
	FlowStatusPaused             = "paused"
	FlowStatusWaitingForApproval = "waiting_for_approval"
	FlowStatusCompleted          = "completed"
	FlowStatusFailed             = "failed"
	FlowStatusCancelled          = "cancelled"
)

// InProgressStatuses are the statuses under which a flow is considered live
// for staleness detection and system-wide analysis.
var InProgressStatuses = []string{
	FlowStatusInitializing,
	FlowStatusRunning,
	FlowStatusWaitingForApproval,
}

// IsInProgress reports whether status is one of the live statuses.
func IsInProgress(status string) bool {
	for _, s := range InProgressStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether status is one a flow never leaves on its
// own. Paused and failed flows can still be resumed and are not terminal.
func IsTerminalStatus(status string) bool {
	return status == FlowStatusCompleted || status == FlowStatusCancelled
}

// Flow is one run of the multi-phase discovery pipeline for a tenant.
//
// PhaseCompletion is keyed by phase names declared in the pinned graph
// version; construction goes through phasegraph so an unknown phase name is
// rejected before it can reach storage. Version implements optimistic
// locking: every store update must present the version it read.
type Flow struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	EngagementID string `json:"engagement_id"`
	OwnerID      string `json:"owner_id"`
	FlowType     string `json:"flow_type"`
	GraphVersion string `json:"graph_version"`

	CurrentPhase    string                    `json:"current_phase"`
	PhaseCompletion map[string]bool           `json:"phase_completion"`
	Status          string                    `json:"status"`
	Progress        float64                   `json:"progress"`
	CriteriaResults map[string]map[string]any `json:"criteria_results,omitempty"`

	Errors   []PhaseError `json:"errors,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	ResumedAt      *time.Time `json:"resumed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`

	PauseReason string `json:"pause_reason,omitempty"`
	Deleted     bool   `json:"deleted"`
	Version     int    `json:"version"`
}

// PhaseError is one entry in a flow's ordered error log.
type PhaseError struct {
	Phase     string         `json:"phase"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Scope returns the tenant scope the flow belongs to.
func (f *Flow) Scope() Scope {
	return Scope{AccountID: f.AccountID, EngagementID: f.EngagementID}
}

// CompletedPhases returns the number of phases marked complete.
func (f *Flow) CompletedPhases() int {
	n := 0
	for _, done := range f.PhaseCompletion {
		if done {
			n++
		}
	}
	return n
}

// StateSnapshot captures the orchestration-relevant part of a flow for
// before/after reporting on recovery and audit records.
type StateSnapshot struct {
	CurrentPhase    string          `json:"current_phase"`
	Status          string          `json:"status"`
	Progress        float64         `json:"progress"`
	PhaseCompletion map[string]bool `json:"phase_completion"`
}

// Snapshot returns a copy of the flow's orchestration state.
func (f *Flow) Snapshot() StateSnapshot {
	completion := make(map[string]bool, len(f.PhaseCompletion))
	for k, v := range f.PhaseCompletion {
		completion[k] = v
	}
	return StateSnapshot{
		CurrentPhase:    f.CurrentPhase,
		Status:          f.Status,
		Progress:        f.Progress,
		PhaseCompletion: completion,
	}
}

// FlowSummary is a lightweight representation of a flow used in list views.
type FlowSummary struct {
	ID           string    `json:"id"`
	FlowType     string    `json:"flow_type"`
	CurrentPhase string    `json:"current_phase"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	OwnerID      string    `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FlowFilters are optional filters for listing flows.
type FlowFilters struct {
	FlowType string
	StatusIn []string
	Limit    int
	Offset   int
}
