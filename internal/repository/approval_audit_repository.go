package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable audit log entries.
// Append is the only mutation; the table is never updated or deleted from.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	entry.ID = uuid.NewString()

	query := `
		INSERT INTO approval_audit_log
		    (id, request_id, step_id, target_type, target_id,
		     action, performed_by,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4::approval_target_type, $5,
		        $6, $7, $8, $9, $10)
		RETURNING performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.StepID,
		entry.TargetType,
		entry.TargetID,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.PerformedAt)
}

// GetByRequestID returns the audit trail of a request oldest-first.
func (r *ApprovalAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, step_id, target_type, target_id,
		       action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.StepID,
			&entry.TargetType,
			&entry.TargetID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.PerformedAt,
			&entry.StatusBefore,
			&entry.StatusAfter,
			&metadataJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
