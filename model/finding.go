package model

import "time"

// Finding codes emitted by the consistency validator, in check order.
const (
	FindingPrematurePhaseEntry = "PREMATURE_PHASE_ENTRY"
	FindingFalseCompletion     = "FALSE_COMPLETION"
	FindingStaleFlow           = "STALE_FLOW"
	FindingOrphanedPointer     = "ORPHANED_POINTER"
)

// Finding severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// Finding is a structured diagnostic showing that persisted flow state
// disagrees with what the phase graph or success criteria imply.
type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Phase    string `json:"phase,omitempty"`
	Detail   string `json:"detail"`
}

// ConsistencyReport is the result of validating one flow snapshot.
// It is always a value, never an error: an inconsistent flow is a normal
// outcome for the validator.
type ConsistencyReport struct {
	FlowID       string    `json:"flow_id"`
	IsConsistent bool      `json:"is_consistent"`
	Findings     []Finding `json:"findings,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// HasCritical reports whether the report contains at least one critical
// finding.
func (r ConsistencyReport) HasCritical() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Recovery actions.
const (
	RecoveryActionNone           = "none"
	RecoveryActionPhaseRollback  = "phase_rollback"
	RecoveryActionUnmarkComplete = "unmark_completion"
	RecoveryActionRepointParent  = "repoint_parent"
	RecoveryActionManual         = "manual_intervention"
)

// RecoveryResult describes one recovery pass over a flow.
type RecoveryResult struct {
	FlowID                     string        `json:"flow_id"`
	Success                    bool          `json:"success"`
	Action                     string        `json:"action"`
	FromState                  StateSnapshot `json:"from_state"`
	ToState                    StateSnapshot `json:"to_state"`
	Message                    string        `json:"message"`
	RequiresManualIntervention bool          `json:"requires_manual_intervention"`
}

// InterceptionResult describes the router's decision on a proposed phase
// transition.
type InterceptionResult struct {
	FlowID       string `json:"flow_id"`
	Allowed      bool   `json:"allowed"`
	Intercepted  bool   `json:"intercepted"`
	FromPhase    string `json:"from_phase"`
	ToPhase      string `json:"to_phase"`
	RedirectedTo string `json:"redirected_to,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Recommendation is the read-only batch form of interception, used by
// operator tooling. Same logic as interception, no mutation.
type Recommendation struct {
	FlowID           string    `json:"flow_id"`
	CurrentPhase     string    `json:"current_phase"`
	Status           string    `json:"status"`
	RecommendedPhase string    `json:"recommended_phase"`
	Findings         []Finding `json:"findings,omitempty"`
}

// DeleteResult is the per-flow outcome of a delete or bulk-delete call.
type DeleteResult struct {
	FlowID  string `json:"flow_id"`
	Success bool   `json:"success"`
	Mode    string `json:"mode"`
	Message string `json:"message,omitempty"`
}

// BulkDeleteResult aggregates per-id delete outcomes. One id's failure never
// aborts the others; the batch call itself never fails wholesale.
type BulkDeleteResult struct {
	Results   []DeleteResult `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// SystemAnalysis partitions the non-terminal flows of one scope by finding
// severity. It backs the operator "blocking flows" view.
type SystemAnalysis struct {
	CriticalFlows   []ConsistencyReport `json:"critical_flows"`
	FlowsWithIssues []ConsistencyReport `json:"flows_with_issues"`
	AnalyzedCount   int                 `json:"analyzed_count"`
	AnalyzedAt      time.Time           `json:"analyzed_at"`
}

// PhaseReport is an executor's completion or failure report for one phase.
// Summary carries the recorded phase output that success criteria are
// evaluated against. ReportID is the executor's idempotency key for this
// delivery: retries reuse it, and a fresh execution attempt of the same phase
// sends a new one.
type PhaseReport struct {
	FlowID   string         `json:"flow_id"`
	Phase    string         `json:"phase"`
	ReportID string         `json:"report_id,omitempty"`
	Summary  map[string]any `json:"summary,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ReportOutcome is the recorded result of processing a phase report. Repeat
// deliveries of the same report replay this outcome instead of re-running the
// state machine.
type ReportOutcome struct {
	FlowID         string        `json:"flow_id"`
	Phase          string        `json:"phase"`
	Accepted       bool          `json:"accepted"`
	FailedCriteria []string      `json:"failed_criteria,omitempty"`
	State          StateSnapshot `json:"state"`
	Duplicate      bool          `json:"duplicate,omitempty"`
}
