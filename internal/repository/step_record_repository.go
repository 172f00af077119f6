package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/errors"
)

// StepRecordRepository handles reads and decision updates on step records.
// Step-record creation is handled by ApprovalRequestRepository.CreateTx so
// the request and its steps always land together.
type StepRecordRepository struct {
	db *database.DB
}

// NewStepRecordRepository creates a new StepRecordRepository.
func NewStepRecordRepository(db *database.DB) *StepRecordRepository {
	return &StepRecordRepository{db: db}
}

// GetByRequestID returns all step records of a request ordered by
// step_order, with user approvers resolved to display names.
func (r *StepRecordRepository) GetByRequestID(ctx context.Context, requestID string) ([]*StepRecord, error) {
	query := selectStep + `
		WHERE s.request_id = $1 AND s.is_deleted = FALSE
		ORDER BY s.step_order ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step records")
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step record")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetByID retrieves one step record.
func (r *StepRecordRepository) GetByID(ctx context.Context, id string) (*StepRecord, error) {
	query := selectStep + ` WHERE s.id = $1 AND s.is_deleted = FALSE`

	step, err := scanStep(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("step_record", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step record")
	}
	return step, nil
}

// DecideTx records a decision on a step. The update is a compare-and-swap:
// it only applies while the step is still PENDING, so concurrent decisions
// against the same step cannot both win. Returns false when the step was
// already decided by someone else.
func (r *StepRecordRepository) DecideTx(ctx context.Context, q database.Querier, id string, status StepStatus, decidedAt time.Time, comments *string) (bool, error) {
	var approvedAt, rejectedAt *time.Time
	switch status {
	case StepRejected:
		rejectedAt = &decidedAt
	default:
		approvedAt = &decidedAt
	}

	query := `
		UPDATE approval_request_steps
		SET status      = $2::approval_step_status,
		    approved_at = $3,
		    rejected_at = $4,
		    comments    = COALESCE($5, comments),
		    updated_at  = NOW()
		WHERE id = $1
		  AND status = 'PENDING'
		  AND is_deleted = FALSE
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id, status, approvedAt, rejectedAt, comments).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to record step decision")
	}
	return true, nil
}

// CancelPendingTx marks all still-pending steps of a request CANCELLED.
func (r *StepRecordRepository) CancelPendingTx(ctx context.Context, q database.Querier, requestID string) error {
	query := `
		UPDATE approval_request_steps
		SET status     = 'CANCELLED'::approval_step_status,
		    updated_at = NOW()
		WHERE request_id = $1
		  AND status = 'PENDING'
		  AND is_deleted = FALSE
	`

	if _, err := q.Exec(ctx, query, requestID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel pending steps")
	}
	return nil
}

// GetActionableForUser returns the pending steps a user can act on right
// now: the user is active and matches the frozen approver (directly, by
// role, or by department), the owning request is still active, and every
// lower-ordered step has already been approved or skipped.
func (r *StepRecordRepository) GetActionableForUser(ctx context.Context, userID string) ([]*PendingTask, error) {
	query := `
		SELECT s.id, s.request_id, s.step_order,
		       req.target_type, req.target_id,
		       req.requested_by,
		       COALESCE(u.display_name, req.requested_by) AS requester_name,
		       req.requested_at, req.notes
		FROM approval_request_steps s
		JOIN approval_requests req ON req.id = s.request_id
		LEFT JOIN user_profiles u ON u.id::text = req.requested_by
		WHERE s.status = 'PENDING'
		  AND s.is_deleted = FALSE
		  AND req.status IN ('PENDING', 'IN_PROGRESS')
		  AND req.is_deleted = FALSE
		  AND (
		        (s.approver_type = 'USER' AND s.approver_id = $1 AND EXISTS (
		            SELECT 1 FROM user_profiles m
		            WHERE m.id::text = $1 AND m.is_active = TRUE))
		     OR (s.approver_type = 'ROLE' AND EXISTS (
		            SELECT 1 FROM user_profiles m
		            WHERE m.id::text = $1 AND m.role = s.approver_id AND m.is_active = TRUE))
		     OR (s.approver_type = 'DEPARTMENT' AND EXISTS (
		            SELECT 1 FROM user_profiles m
		            WHERE m.id::text = $1 AND m.department = s.approver_id AND m.is_active = TRUE))
		  )
		  AND NOT EXISTS (
		        SELECT 1 FROM approval_request_steps prior
		        WHERE prior.request_id = s.request_id
		          AND prior.step_order < s.step_order
		          AND prior.status NOT IN ('APPROVED', 'SKIPPED')
		          AND prior.is_deleted = FALSE
		  )
		ORDER BY req.requested_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending tasks")
	}
	defer rows.Close()

	var tasks []*PendingTask
	for rows.Next() {
		task := &PendingTask{}
		err := rows.Scan(
			&task.StepID,
			&task.RequestID,
			&task.StepOrder,
			&task.TargetType,
			&task.TargetID,
			&task.RequestedBy,
			&task.RequesterName,
			&task.RequestedAt,
			&task.Notes,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectStep = `
	SELECT s.id, s.request_id, s.step_order, s.step_name,
	       s.approver_type, s.approver_id,
	       COALESCE(u.display_name, s.approver_id) AS approver_name,
	       s.is_skippable, s.status,
	       s.approved_at, s.rejected_at, s.comments,
	       s.is_deleted, s.created_at, s.updated_at
	FROM approval_request_steps s
	LEFT JOIN user_profiles u
	       ON s.approver_type = 'USER' AND u.id::text = s.approver_id`

func scanStep(row rowScanner) (*StepRecord, error) {
	step := &StepRecord{}
	err := row.Scan(
		&step.ID,
		&step.RequestID,
		&step.StepOrder,
		&step.StepName,
		&step.ApproverType,
		&step.ApproverID,
		&step.ApproverName,
		&step.IsSkippable,
		&step.Status,
		&step.ApprovedAt,
		&step.RejectedAt,
		&step.Comments,
		&step.IsDeleted,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return step, nil
}
