package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/errors"
)

// FlowTemplateRepository handles CRUD for approval flow templates and their
// steps. Template + step writes always happen together in one transaction;
// step sets are replaced wholesale, never merged.
type FlowTemplateRepository struct {
	db *database.DB
}

// NewFlowTemplateRepository creates a new FlowTemplateRepository.
func NewFlowTemplateRepository(db *database.DB) *FlowTemplateRepository {
	return &FlowTemplateRepository{db: db}
}

// Create inserts a template and its steps in one transaction.
func (r *FlowTemplateRepository) Create(ctx context.Context, tpl *FlowTemplate, steps []*FlowStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tpl.ID = uuid.NewString()

		tplQuery := `
			INSERT INTO approval_flow_templates
			    (id, template_code, template_name, description, target_type,
			     is_active, created_by, updated_by)
			VALUES ($1, $2, $3, $4, $5::approval_target_type, $6, $7, $7)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, tplQuery,
			tpl.ID,
			tpl.TemplateCode,
			tpl.TemplateName,
			tpl.Description,
			tpl.TargetType,
			tpl.IsActive,
			tpl.CreatedBy,
		).Scan(&tpl.CreatedAt, &tpl.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create flow template")
		}

		return r.insertSteps(ctx, tx, tpl, steps)
	})
}

// Update rewrites the template row and replaces its step set: existing steps
// are soft-deleted and the new set inserted, in one transaction. In-flight
// approval requests are unaffected because their step records are frozen
// copies.
func (r *FlowTemplateRepository) Update(ctx context.Context, tpl *FlowTemplate, steps []*FlowStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tplQuery := `
			UPDATE approval_flow_templates
			SET template_code = $2,
			    template_name = $3,
			    description   = $4,
			    target_type   = $5::approval_target_type,
			    is_active     = $6,
			    updated_by    = $7,
			    updated_at    = NOW()
			WHERE id = $1 AND is_deleted = FALSE
			RETURNING updated_at
		`

		err := tx.QueryRow(ctx, tplQuery,
			tpl.ID,
			tpl.TemplateCode,
			tpl.TemplateName,
			tpl.Description,
			tpl.TargetType,
			tpl.IsActive,
			tpl.UpdatedBy,
		).Scan(&tpl.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.NotFound("flow_template", tpl.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update flow template")
		}

		retireQuery := `
			UPDATE approval_flow_steps
			SET is_deleted = TRUE,
			    updated_by = $2,
			    updated_at = NOW()
			WHERE template_id = $1 AND is_deleted = FALSE
		`
		if _, err := tx.Exec(ctx, retireQuery, tpl.ID, tpl.UpdatedBy); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to retire flow steps")
		}

		return r.insertSteps(ctx, tx, tpl, steps)
	})
}

// insertSteps inserts the given steps for a template inside tx.
func (r *FlowTemplateRepository) insertSteps(ctx context.Context, tx pgx.Tx, tpl *FlowTemplate, steps []*FlowStep) error {
	stepQuery := `
		INSERT INTO approval_flow_steps
		    (id, template_id, step_order, step_name,
		     approver_type, approver_id, is_skippable,
		     is_active, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5::approver_type, $6, $7, $8, $9, $9)
		RETURNING created_at, updated_at
	`

	for _, step := range steps {
		step.ID = uuid.NewString()
		step.TemplateID = tpl.ID

		err := tx.QueryRow(ctx, stepQuery,
			step.ID,
			step.TemplateID,
			step.StepOrder,
			step.StepName,
			step.ApproverType,
			step.ApproverID,
			step.IsSkippable,
			step.IsActive,
			tpl.UpdatedBy,
		).Scan(&step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create flow step")
		}
	}
	return nil
}

// List returns active, non-deleted templates ordered by code then name,
// optionally filtered by target type.
func (r *FlowTemplateRepository) List(ctx context.Context, targetType *TargetType) ([]*FlowTemplate, error) {
	query := `
		SELECT id, template_code, template_name, description, target_type,
		       is_active, is_deleted,
		       created_by, created_at, updated_by, updated_at
		FROM approval_flow_templates
		WHERE is_deleted = FALSE
		  AND is_active = TRUE
	`
	args := []any{}
	if targetType != nil {
		query += " AND target_type = $1::approval_target_type"
		args = append(args, *targetType)
	}
	query += " ORDER BY template_code ASC, template_name ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list flow templates")
	}
	defer rows.Close()

	var templates []*FlowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan flow template")
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// GetWithSteps returns a template and its live steps ordered by step_order,
// with user approvers resolved to display names.
func (r *FlowTemplateRepository) GetWithSteps(ctx context.Context, id string) (*FlowTemplate, []*FlowStep, error) {
	tplQuery := `
		SELECT id, template_code, template_name, description, target_type,
		       is_active, is_deleted,
		       created_by, created_at, updated_by, updated_at
		FROM approval_flow_templates
		WHERE id = $1 AND is_deleted = FALSE
	`

	tpl, err := scanTemplate(r.db.QueryRow(ctx, tplQuery, id))
	if err == pgx.ErrNoRows {
		return nil, nil, errors.NotFound("flow_template", id)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get flow template")
	}

	steps, err := r.GetActiveSteps(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return tpl, steps, nil
}

// GetActiveSteps returns the live steps of a template ordered by step_order.
func (r *FlowTemplateRepository) GetActiveSteps(ctx context.Context, templateID string) ([]*FlowStep, error) {
	query := `
		SELECT s.id, s.template_id, s.step_order, s.step_name,
		       s.approver_type, s.approver_id,
		       COALESCE(u.display_name, s.approver_id) AS approver_name,
		       s.is_skippable, s.is_active, s.is_deleted,
		       s.created_by, s.created_at, s.updated_by, s.updated_at
		FROM approval_flow_steps s
		LEFT JOIN user_profiles u
		       ON s.approver_type = 'USER' AND u.id::text = s.approver_id
		WHERE s.template_id = $1
		  AND s.is_deleted = FALSE
		  AND s.is_active = TRUE
		ORDER BY s.step_order ASC
	`

	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get flow steps")
	}
	defer rows.Close()

	var steps []*FlowStep
	for rows.Next() {
		step := &FlowStep{}
		err := rows.Scan(
			&step.ID,
			&step.TemplateID,
			&step.StepOrder,
			&step.StepName,
			&step.ApproverType,
			&step.ApproverID,
			&step.ApproverName,
			&step.IsSkippable,
			&step.IsActive,
			&step.IsDeleted,
			&step.CreatedBy,
			&step.CreatedAt,
			&step.UpdatedBy,
			&step.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan flow step")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// SoftDelete marks a template and its steps deleted. Existing approval
// requests keep their frozen step records and are not touched.
func (r *FlowTemplateRepository) SoftDelete(ctx context.Context, id, deletedBy string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tplQuery := `
			UPDATE approval_flow_templates
			SET is_deleted = TRUE,
			    updated_by = $2,
			    updated_at = NOW()
			WHERE id = $1 AND is_deleted = FALSE
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, tplQuery, id, deletedBy).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("flow_template", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete flow template")
		}

		stepQuery := `
			UPDATE approval_flow_steps
			SET is_deleted = TRUE,
			    updated_by = $2,
			    updated_at = NOW()
			WHERE template_id = $1 AND is_deleted = FALSE
		`
		if _, err := tx.Exec(ctx, stepQuery, id, deletedBy); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete flow steps")
		}
		return nil
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*FlowTemplate, error) {
	tpl := &FlowTemplate{}
	err := row.Scan(
		&tpl.ID,
		&tpl.TemplateCode,
		&tpl.TemplateName,
		&tpl.Description,
		&tpl.TargetType,
		&tpl.IsActive,
		&tpl.IsDeleted,
		&tpl.CreatedBy,
		&tpl.CreatedAt,
		&tpl.UpdatedBy,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tpl, nil
}
