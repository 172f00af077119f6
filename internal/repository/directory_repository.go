package repository

import (
	"context"

	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/errors"
)

// DirectoryRepository answers identity questions against user_profiles.
// Authentication happens elsewhere; this only resolves names and group
// membership for already-authenticated user ids.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// IsApprover reports whether userID satisfies a frozen approver reference:
// directly for USER steps, by role or department membership otherwise.
// Deactivated users never qualify, including as direct approvers.
func (r *DirectoryRepository) IsApprover(ctx context.Context, userID string, approverType ApproverType, approverID string) (bool, error) {
	var query string
	args := []any{userID}

	switch approverType {
	case ApproverUser:
		if userID != approverID {
			return false, nil
		}
		query = `
			SELECT EXISTS (
				SELECT 1 FROM user_profiles
				WHERE id::text = $1 AND is_active = TRUE
			)
		`
	case ApproverRole:
		query = `
			SELECT EXISTS (
				SELECT 1 FROM user_profiles
				WHERE id::text = $1 AND role = $2 AND is_active = TRUE
			)
		`
		args = append(args, approverID)
	case ApproverDepartment:
		query = `
			SELECT EXISTS (
				SELECT 1 FROM user_profiles
				WHERE id::text = $1 AND department = $2 AND is_active = TRUE
			)
		`
		args = append(args, approverID)
	default:
		return false, errors.InvalidInput("approver_type", "unknown approver type "+string(approverType))
	}

	var member bool
	if err := r.db.QueryRow(ctx, query, args...).Scan(&member); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check approver membership")
	}
	return member, nil
}
