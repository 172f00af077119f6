package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/errors"
)

// ApprovalRequestRepository manages approval request rows. Creation of a
// request together with its frozen step records runs inside a caller-owned
// transaction so that the target-document status update lands in the same
// unit of work.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

// CreateTx inserts the request and one step record per template step. The
// step records carry frozen copies of step_order, step_name, the approver
// reference and is_skippable; template edits after this point never affect
// them.
func (r *ApprovalRequestRepository) CreateTx(ctx context.Context, q database.Querier, req *ApprovalRequest, steps []*StepRecord) error {
	req.ID = uuid.NewString()

	reqQuery := `
		INSERT INTO approval_requests
		    (id, template_id, target_type, target_id, status,
		     requested_by, notes)
		VALUES ($1, $2, $3::approval_target_type, $4, $5::approval_request_status, $6, $7)
		RETURNING requested_at, created_at, updated_at
	`

	err := q.QueryRow(ctx, reqQuery,
		req.ID,
		req.TemplateID,
		req.TargetType,
		req.TargetID,
		req.Status,
		req.RequestedBy,
		req.Notes,
	).Scan(&req.RequestedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}

	stepQuery := `
		INSERT INTO approval_request_steps
		    (id, request_id, step_order, step_name,
		     approver_type, approver_id, is_skippable, status)
		VALUES ($1, $2, $3, $4, $5::approver_type, $6, $7, $8::approval_step_status)
		RETURNING created_at, updated_at
	`

	for _, step := range steps {
		step.ID = uuid.NewString()
		step.RequestID = req.ID

		err := q.QueryRow(ctx, stepQuery,
			step.ID,
			step.RequestID,
			step.StepOrder,
			step.StepName,
			step.ApproverType,
			step.ApproverID,
			step.IsSkippable,
			step.Status,
		).Scan(&step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create step record")
		}
	}
	return nil
}

// GetByID retrieves a request by its primary key.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := selectRequest + ` WHERE id = $1 AND is_deleted = FALSE`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// GetActiveByTarget returns the non-terminal request gating a document, or
// nil when none exists. At most one such request exists per document.
func (r *ApprovalRequestRepository) GetActiveByTarget(ctx context.Context, target TargetRef) (*ApprovalRequest, error) {
	query := selectRequest + `
		WHERE target_type = $1::approval_target_type
		  AND target_id = $2
		  AND status IN ('PENDING', 'IN_PROGRESS')
		  AND is_deleted = FALSE
		ORDER BY requested_at DESC
		LIMIT 1
	`

	req, err := scanRequest(r.db.QueryRow(ctx, query, target.Type, target.ID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get active approval request")
	}
	return req, nil
}

// UpdateStatusTx sets the request status, optionally stamping completed_at.
// The update is a compare-and-swap against the non-terminal statuses:
// terminal requests never transition again, so a caller whose pre-read went
// stale (a cancel racing the final approval) loses here with CONFLICT
// instead of overwriting the outcome.
func (r *ApprovalRequestRepository) UpdateStatusTx(ctx context.Context, q database.Querier, id string, status RequestStatus, completedAt *time.Time) error {
	query := `
		UPDATE approval_requests
		SET status       = $2::approval_request_status,
		    completed_at = COALESCE($3, completed_at),
		    updated_at   = NOW()
		WHERE id = $1
		  AND status IN ('PENDING', 'IN_PROGRESS')
		  AND is_deleted = FALSE
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval request %s is already finalized", id))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request status")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectRequest = `
	SELECT id, template_id, target_type, target_id, status,
	       requested_by, requested_at, completed_at, notes,
	       is_deleted, created_at, updated_at
	FROM approval_requests`

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.TemplateID,
		&req.TargetType,
		&req.TargetID,
		&req.Status,
		&req.RequestedBy,
		&req.RequestedAt,
		&req.CompletedAt,
		&req.Notes,
		&req.IsDeleted,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}
