package service

import (
	"context"
	"fmt"

	"github.com/salesops/be-approvals/internal/errors"
	"github.com/salesops/be-approvals/internal/logger"
	"github.com/salesops/be-approvals/internal/repository"
)

// TemplateStore persists flow templates and their step definitions.
type TemplateStore interface {
	Create(ctx context.Context, tpl *repository.FlowTemplate, steps []*repository.FlowStep) error
	Update(ctx context.Context, tpl *repository.FlowTemplate, steps []*repository.FlowStep) error
	List(ctx context.Context, targetType *repository.TargetType) ([]*repository.FlowTemplate, error)
	GetWithSteps(ctx context.Context, id string) (*repository.FlowTemplate, []*repository.FlowStep, error)
	GetActiveSteps(ctx context.Context, templateID string) ([]*repository.FlowStep, error)
	SoftDelete(ctx context.Context, id, deletedBy string) error
}

// StepInput is one approver step as supplied by a template author. Order is
// positional: the slice index determines step_order.
type StepInput struct {
	StepName     string
	ApproverType repository.ApproverType
	ApproverID   string
	IsSkippable  bool
}

// TemplateInput carries the parameters of a template create or update.
type TemplateInput struct {
	TemplateCode string
	TemplateName string
	Description  *string
	TargetType   repository.TargetType
	Steps        []StepInput
}

// TemplateService manages approval flow templates. Template changes never
// touch in-flight requests; those carry frozen copies of the steps they were
// submitted with.
type TemplateService struct {
	templates TemplateStore
	log       *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(templates TemplateStore, log *logger.Logger) *TemplateService {
	return &TemplateService{templates: templates, log: log}
}

// Create validates and persists a new template with its steps.
func (s *TemplateService) Create(ctx context.Context, in TemplateInput, createdBy string) (*repository.FlowTemplate, error) {
	if err := validateTemplateInput(in); err != nil {
		return nil, err
	}

	tpl := &repository.FlowTemplate{
		TemplateCode: in.TemplateCode,
		TemplateName: in.TemplateName,
		Description:  in.Description,
		TargetType:   in.TargetType,
		IsActive:     true,
		CreatedBy:    createdBy,
		UpdatedBy:    createdBy,
	}
	steps := buildSteps(in.Steps)

	if err := s.templates.Create(ctx, tpl, steps); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", tpl.ID).
		Str("template_code", tpl.TemplateCode).
		Str("target_type", string(tpl.TargetType)).
		Int("step_count", len(steps)).
		Msg("Flow template created")

	return tpl, nil
}

// Update replaces a template's definition and steps. Existing steps are
// soft-deleted and the new list takes their place with orders 1..N.
func (s *TemplateService) Update(ctx context.Context, id string, in TemplateInput, updatedBy string) (*repository.FlowTemplate, error) {
	if id == "" {
		return nil, errors.InvalidInput("id", "template id is required")
	}
	if err := validateTemplateInput(in); err != nil {
		return nil, err
	}

	tpl := &repository.FlowTemplate{
		ID:           id,
		TemplateCode: in.TemplateCode,
		TemplateName: in.TemplateName,
		Description:  in.Description,
		TargetType:   in.TargetType,
		IsActive:     true,
		UpdatedBy:    updatedBy,
	}
	steps := buildSteps(in.Steps)

	if err := s.templates.Update(ctx, tpl, steps); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", id).
		Str("template_code", tpl.TemplateCode).
		Int("step_count", len(steps)).
		Msg("Flow template updated")

	return tpl, nil
}

// List returns active templates, optionally filtered by target type.
func (s *TemplateService) List(ctx context.Context, targetType *repository.TargetType) ([]*repository.FlowTemplate, error) {
	if targetType != nil && !targetType.Valid() {
		return nil, errors.InvalidInput("target_type", "must be QUOTE or PURCHASE_ORDER")
	}
	return s.templates.List(ctx, targetType)
}

// Get returns one template with its active steps in order.
func (s *TemplateService) Get(ctx context.Context, id string) (*repository.FlowTemplate, []*repository.FlowStep, error) {
	return s.templates.GetWithSteps(ctx, id)
}

// Delete soft-deletes a template and its steps. In-flight requests keep
// their frozen step copies and are unaffected.
func (s *TemplateService) Delete(ctx context.Context, id, deletedBy string) error {
	if err := s.templates.SoftDelete(ctx, id, deletedBy); err != nil {
		return err
	}
	s.log.Info().
		Str("template_id", id).
		Str("deleted_by", deletedBy).
		Msg("Flow template deleted")
	return nil
}

// ── Step list editing ─────────────────────────────────────────────────────────
//
// Template authoring UIs edit the step list in memory and save the whole
// template at once. These helpers keep the positional ordering consistent.

// MoveStep moves the step at index from to index to, shifting the others.
func MoveStep(steps []StepInput, from, to int) ([]StepInput, error) {
	if from < 0 || from >= len(steps) {
		return nil, errors.InvalidInput("from", fmt.Sprintf("index %d out of range", from))
	}
	if to < 0 || to >= len(steps) {
		return nil, errors.InvalidInput("to", fmt.Sprintf("index %d out of range", to))
	}
	out := make([]StepInput, 0, len(steps))
	out = append(out, steps[:from]...)
	out = append(out, steps[from+1:]...)
	moved := steps[from]
	out = append(out[:to], append([]StepInput{moved}, out[to:]...)...)
	return out, nil
}

// DuplicateStep inserts a copy of the step at index directly after it.
func DuplicateStep(steps []StepInput, index int) ([]StepInput, error) {
	if index < 0 || index >= len(steps) {
		return nil, errors.InvalidInput("index", fmt.Sprintf("index %d out of range", index))
	}
	out := make([]StepInput, 0, len(steps)+1)
	out = append(out, steps[:index+1]...)
	out = append(out, steps[index])
	out = append(out, steps[index+1:]...)
	return out, nil
}

// RemoveStep deletes the step at index; the remainder closes the gap.
func RemoveStep(steps []StepInput, index int) ([]StepInput, error) {
	if index < 0 || index >= len(steps) {
		return nil, errors.InvalidInput("index", fmt.Sprintf("index %d out of range", index))
	}
	out := make([]StepInput, 0, len(steps)-1)
	out = append(out, steps[:index]...)
	out = append(out, steps[index+1:]...)
	return out, nil
}

// ── Validation ────────────────────────────────────────────────────────────────

func validateTemplateInput(in TemplateInput) error {
	if in.TemplateCode == "" {
		return errors.InvalidInput("template_code", "template code is required")
	}
	if in.TemplateName == "" {
		return errors.InvalidInput("template_name", "template name is required")
	}
	if !in.TargetType.Valid() {
		return errors.InvalidInput("target_type", "must be QUOTE or PURCHASE_ORDER")
	}
	if len(in.Steps) == 0 {
		return errors.InvalidInput("steps", "at least one approver step is required")
	}
	for i, step := range in.Steps {
		if step.StepName == "" {
			return errors.InvalidInput("steps", fmt.Sprintf("step %d is missing a name", i+1))
		}
		if !step.ApproverType.Valid() {
			return errors.InvalidInput("steps", fmt.Sprintf("step %d has an invalid approver type", i+1))
		}
		if step.ApproverID == "" {
			return errors.InvalidInput("steps", fmt.Sprintf("step %d is missing an approver", i+1))
		}
	}
	return nil
}

// buildSteps converts positional inputs to FlowSteps with orders 1..N.
func buildSteps(in []StepInput) []*repository.FlowStep {
	steps := make([]*repository.FlowStep, 0, len(in))
	for i, s := range in {
		steps = append(steps, &repository.FlowStep{
			StepOrder:    i + 1,
			StepName:     s.StepName,
			ApproverType: s.ApproverType,
			ApproverID:   s.ApproverID,
			IsSkippable:  s.IsSkippable,
			IsActive:     true,
		})
	}
	return steps
}
