package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/waypoint/model"
)

// PgStore is a PostgreSQL-backed Store and PointerStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL flow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const flowColumns = `id, account_id, engagement_id, owner_id, flow_type, graph_version,
       current_phase, phase_completion, status, progress, criteria_results,
       errors, warnings,
       created_at, started_at, paused_at, resumed_at, completed_at, last_activity_at,
       pause_reason, deleted, version`

// Create inserts a new flow.
func (s *PgStore) Create(ctx context.Context, f model.Flow) error {
	completionJSON, criteriaJSON, errorsJSON, warningsJSON, err := marshalFlowState(f)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flows (
			id, account_id, engagement_id, owner_id, flow_type, graph_version,
			current_phase, phase_completion, status, progress, criteria_results,
			errors, warnings,
			created_at, started_at, paused_at, resumed_at, completed_at, last_activity_at,
			pause_reason, deleted, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21, $22
		)`,
		f.ID, f.AccountID, f.EngagementID, f.OwnerID, f.FlowType, f.GraphVersion,
		f.CurrentPhase, completionJSON, f.Status, f.Progress, criteriaJSON,
		errorsJSON, warningsJSON,
		f.CreatedAt, f.StartedAt, f.PausedAt, f.ResumedAt, f.CompletedAt, f.LastActivityAt,
		f.PauseReason, f.Deleted, f.Version,
	)
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

// Get retrieves a flow by id, scoped to a tenant.
func (s *PgStore) Get(ctx context.Context, scope model.Scope, flowID string) (model.Flow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = $1 AND account_id = $2 AND engagement_id = $3`,
		flowID, scope.AccountID, scope.EngagementID,
	)

	f, err := scanFlow(row)
	if err == pgx.ErrNoRows {
		return model.Flow{}, model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}
	if err != nil {
		return model.Flow{}, fmt.Errorf("query flow: %w", err)
	}
	return f, nil
}

// Update persists a changed flow with optimistic locking.
func (s *PgStore) Update(ctx context.Context, f model.Flow) error {
	completionJSON, criteriaJSON, errorsJSON, warningsJSON, err := marshalFlowState(f)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE flows SET
			current_phase = $1,
			phase_completion = $2,
			status = $3,
			progress = $4,
			criteria_results = $5,
			errors = $6,
			warnings = $7,
			started_at = $8,
			paused_at = $9,
			resumed_at = $10,
			completed_at = $11,
			last_activity_at = $12,
			pause_reason = $13,
			deleted = $14,
			version = $15
		WHERE id = $16 AND account_id = $17 AND engagement_id = $18 AND version = $19`,
		f.CurrentPhase, completionJSON, f.Status, f.Progress, criteriaJSON,
		errorsJSON, warningsJSON,
		f.StartedAt, f.PausedAt, f.ResumedAt, f.CompletedAt, time.Now().UTC(),
		f.PauseReason, f.Deleted, f.Version+1,
		f.ID, f.AccountID, f.EngagementID, f.Version,
	)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("flow %q version conflict (expected %d)", f.ID, f.Version),
		)
	}
	return nil
}

// List returns flows for a tenant, optionally filtered.
func (s *PgStore) List(ctx context.Context, scope model.Scope, filters model.FlowFilters) ([]model.Flow, error) {
	query := `SELECT ` + flowColumns + `
	          FROM flows
	          WHERE account_id = $1 AND engagement_id = $2`
	args := []any{scope.AccountID, scope.EngagementID}
	argIdx := 3

	if len(filters.StatusIn) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, filters.StatusIn)
		argIdx++
	}
	if filters.FlowType != "" {
		query += fmt.Sprintf(" AND flow_type = $%d", argIdx)
		args = append(args, filters.FlowType)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	var flows []model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// Delete hard-removes a flow. With cascade, child records and the engagement
// pointer are removed in the same transaction.
func (s *PgStore) Delete(ctx context.Context, scope model.Scope, flowID string, cascade bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if cascade {
		// Child records first (foreign keys), then the parent pointer.
		if _, err := tx.Exec(ctx, `DELETE FROM flow_artifacts WHERE flow_id = $1`, flowID); err != nil {
			return fmt.Errorf("delete flow artifacts: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM flow_audit WHERE flow_id = $1`, flowID); err != nil {
			return fmt.Errorf("delete flow audit: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE engagements SET current_flow_id = NULL
			WHERE account_id = $1 AND engagement_id = $2 AND current_flow_id = $3`,
			scope.AccountID, scope.EngagementID, flowID,
		); err != nil {
			return fmt.Errorf("clear engagement pointer: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM flows
		WHERE id = $1 AND account_id = $2 AND engagement_id = $3`,
		flowID, scope.AccountID, scope.EngagementID,
	)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}

	return tx.Commit(ctx)
}

// AppendAudit adds an entry to the audit trail.
func (s *PgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	beforeJSON, err := marshalSnapshot(e.Before)
	if err != nil {
		return err
	}
	afterJSON, err := marshalSnapshot(e.After)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flow_audit (
			id, flow_id, account_id, engagement_id, actor, action,
			before_state, after_state, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.FlowID, e.AccountID, e.EngagementID, e.Actor, e.Action,
		beforeJSON, afterJSON, e.Reason, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditFor retrieves the audit trail for a flow, ordered by timestamp.
func (s *PgStore) AuditFor(ctx context.Context, scope model.Scope, flowID string) ([]AuditEntry, error) {
	// Verify tenant access.
	if _, err := s.Get(ctx, scope, flowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, flow_id, account_id, engagement_id, actor, action,
		       before_state, after_state, reason, created_at
		FROM flow_audit
		WHERE flow_id = $1
		ORDER BY created_at ASC`,
		flowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var beforeJSON, afterJSON []byte
		if err := rows.Scan(
			&e.ID, &e.FlowID, &e.AccountID, &e.EngagementID, &e.Actor, &e.Action,
			&beforeJSON, &afterJSON, &e.Reason, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if beforeJSON != nil {
			_ = json.Unmarshal(beforeJSON, &e.Before)
		}
		if afterJSON != nil {
			_ = json.Unmarshal(afterJSON, &e.After)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddArtifact attaches a child artifact record to a flow.
func (s *PgStore) AddArtifact(ctx context.Context, a Artifact) error {
	dataJSON, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("marshal artifact data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flow_artifacts (id, flow_id, phase, kind, name, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.FlowID, a.Phase, a.Kind, a.Name, dataJSON, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ArtifactsFor retrieves a flow's artifacts, scoped to a tenant.
func (s *PgStore) ArtifactsFor(ctx context.Context, scope model.Scope, flowID string) ([]Artifact, error) {
	// Verify tenant access.
	if _, err := s.Get(ctx, scope, flowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, flow_id, phase, kind, name, data, created_at
		FROM flow_artifacts
		WHERE flow_id = $1
		ORDER BY created_at ASC`,
		flowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var dataJSON []byte
		if err := rows.Scan(&a.ID, &a.FlowID, &a.Phase, &a.Kind, &a.Name, &dataJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &a.Data)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// CurrentFlowID returns the engagement's current flow pointer, or "".
func (s *PgStore) CurrentFlowID(ctx context.Context, scope model.Scope) (string, error) {
	var ptr *string
	err := s.pool.QueryRow(ctx, `
		SELECT current_flow_id FROM engagements
		WHERE account_id = $1 AND engagement_id = $2`,
		scope.AccountID, scope.EngagementID,
	).Scan(&ptr)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query engagement pointer: %w", err)
	}
	if ptr == nil {
		return "", nil
	}
	return *ptr, nil
}

// SetCurrentFlowID points the engagement at a flow.
func (s *PgStore) SetCurrentFlowID(ctx context.Context, scope model.Scope, flowID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO engagements (account_id, engagement_id, current_flow_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, engagement_id)
		DO UPDATE SET current_flow_id = $3, updated_at = $4`,
		scope.AccountID, scope.EngagementID, flowID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set engagement pointer: %w", err)
	}
	return nil
}

// ClearCurrentFlowID unsets the engagement's pointer.
func (s *PgStore) ClearCurrentFlowID(ctx context.Context, scope model.Scope) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE engagements SET current_flow_id = NULL, updated_at = $1
		WHERE account_id = $2 AND engagement_id = $3`,
		time.Now().UTC(), scope.AccountID, scope.EngagementID,
	)
	if err != nil {
		return fmt.Errorf("clear engagement pointer: %w", err)
	}
	return nil
}

// ListLive returns every non-terminal, non-deleted flow across all tenants.
func (s *PgStore) ListLive(ctx context.Context) ([]model.Flow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE deleted = FALSE AND status NOT IN ($1, $2)
		ORDER BY created_at ASC`,
		model.FlowStatusCompleted, model.FlowStatusCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("query live flows: %w", err)
	}
	defer rows.Close()

	var flows []model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalFlowState(f model.Flow) (completion, criteria, errs, warnings []byte, err error) {
	if completion, err = json.Marshal(f.PhaseCompletion); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal phase completion: %w", err)
	}
	if criteria, err = json.Marshal(f.CriteriaResults); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal criteria results: %w", err)
	}
	if errs, err = json.Marshal(f.Errors); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal errors: %w", err)
	}
	if warnings, err = json.Marshal(f.Warnings); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal warnings: %w", err)
	}
	return completion, criteria, errs, warnings, nil
}

func marshalSnapshot(s *model.StateSnapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state snapshot: %w", err)
	}
	return b, nil
}

// scanFlow reads one flow row from a QueryRow or Query result.
func scanFlow(row pgx.Row) (model.Flow, error) {
	var f model.Flow
	var completionJSON, criteriaJSON, errorsJSON, warningsJSON []byte

	err := row.Scan(
		&f.ID, &f.AccountID, &f.EngagementID, &f.OwnerID, &f.FlowType, &f.GraphVersion,
		&f.CurrentPhase, &completionJSON, &f.Status, &f.Progress, &criteriaJSON,
		&errorsJSON, &warningsJSON,
		&f.CreatedAt, &f.StartedAt, &f.PausedAt, &f.ResumedAt, &f.CompletedAt, &f.LastActivityAt,
		&f.PauseReason, &f.Deleted, &f.Version,
	)
	if err != nil {
		return model.Flow{}, err
	}

	if completionJSON != nil {
		if err := json.Unmarshal(completionJSON, &f.PhaseCompletion); err != nil {
			return model.Flow{}, fmt.Errorf("unmarshal phase completion: %w", err)
		}
	}
	if criteriaJSON != nil {
		_ = json.Unmarshal(criteriaJSON, &f.CriteriaResults)
	}
	if errorsJSON != nil {
		_ = json.Unmarshal(errorsJSON, &f.Errors)
	}
	if warningsJSON != nil {
		_ = json.Unmarshal(warningsJSON, &f.Warnings)
	}
	return f, nil
}
