package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/salesops/be-approvals/internal/client"
	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/errors"
	"github.com/salesops/be-approvals/internal/logger"
	"github.com/salesops/be-approvals/internal/repository"
)

// Decision is an approver's verdict on a step.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
	// DecisionSkip is accepted only on steps whose frozen is_skippable flag
	// is set; it advances the flow exactly like an approval.
	DecisionSkip Decision = "SKIP"
)

// TxRunner runs a function inside a storage transaction.
type TxRunner interface {
	InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// RequestStore persists approval requests.
type RequestStore interface {
	CreateTx(ctx context.Context, q database.Querier, req *repository.ApprovalRequest, steps []*repository.StepRecord) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	GetActiveByTarget(ctx context.Context, target repository.TargetRef) (*repository.ApprovalRequest, error)
	UpdateStatusTx(ctx context.Context, q database.Querier, id string, status repository.RequestStatus, completedAt *time.Time) error
}

// StepStore persists step records.
type StepStore interface {
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.StepRecord, error)
	GetByID(ctx context.Context, id string) (*repository.StepRecord, error)
	DecideTx(ctx context.Context, q database.Querier, id string, status repository.StepStatus, decidedAt time.Time, comments *string) (bool, error)
	CancelPendingTx(ctx context.Context, q database.Querier, requestID string) error
	GetActionableForUser(ctx context.Context, userID string) ([]*repository.PendingTask, error)
}

// DocumentStore is the target document adapter.
type DocumentStore interface {
	SetStatusTx(ctx context.Context, q database.Querier, target repository.TargetRef, status repository.DocumentStatus, updatedBy string) error
	GetSummary(ctx context.Context, target repository.TargetRef) (*repository.DocumentSummary, error)
}

// Directory resolves approver membership.
type Directory interface {
	IsApprover(ctx context.Context, userID string, approverType repository.ApproverType, approverID string) (bool, error)
}

// AuditLog records immutable workflow history.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// Notifier delivers best-effort notifications. Implementations never return
// errors; delivery failure must not affect the decision that triggered it.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType, recipient, actorID string, target repository.TargetRef, requestID, title, message string)
}

// WorkflowService is the approval workflow engine. It instantiates requests
// from templates, enforces strict sequential approval, terminates flows on
// rejection, detects completion, and propagates outcomes to the target
// document.
//
// Every multi-entity write (request + steps + document status, or step
// decision + request status + document status) runs in a single transaction.
type WorkflowService struct {
	tx        TxRunner
	templates TemplateStore
	requests  RequestStore
	steps     StepStore
	documents DocumentStore
	directory Directory
	audit     AuditLog
	notifier  Notifier
	log       *logger.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	tx TxRunner,
	templates TemplateStore,
	requests RequestStore,
	steps StepStore,
	documents DocumentStore,
	directory Directory,
	audit AuditLog,
	notifier Notifier,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		tx:        tx,
		templates: templates,
		requests:  requests,
		steps:     steps,
		documents: documents,
		directory: directory,
		audit:     audit,
		notifier:  notifier,
		log:       log,
	}
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitInput carries the parameters of a submission.
type SubmitInput struct {
	TemplateID  string
	TargetType  repository.TargetType
	TargetID    string
	RequestedBy string
	Notes       *string
}

// SubmitForApproval instantiates a template against a document: it creates
// the request, one frozen step record per template step, and moves the
// document to PENDING — all in one transaction.
func (s *WorkflowService) SubmitForApproval(ctx context.Context, in SubmitInput) (*repository.ApprovalRequest, error) {
	if in.TemplateID == "" {
		return nil, errors.InvalidInput("template_id", "template id is required")
	}
	if !in.TargetType.Valid() {
		return nil, errors.InvalidInput("target_type", "must be QUOTE or PURCHASE_ORDER")
	}
	if in.TargetID == "" {
		return nil, errors.InvalidInput("target_id", "target id is required")
	}
	if in.RequestedBy == "" {
		return nil, errors.InvalidInput("requested_by", "requesting user is required")
	}

	target := repository.TargetRef{Type: in.TargetType, ID: in.TargetID}

	// Fail fast when the document is already gone.
	if _, err := s.documents.GetSummary(ctx, target); err != nil {
		return nil, err
	}

	active, err := s.requests.GetActiveByTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("target already has an active approval request (%s)", active.ID))
	}

	tplSteps, err := s.templates.GetActiveSteps(ctx, in.TemplateID)
	if err != nil {
		return nil, err
	}
	if len(tplSteps) == 0 {
		return nil, errors.InvalidInput("template_id", "template has no active steps")
	}

	req := &repository.ApprovalRequest{
		TemplateID:  in.TemplateID,
		TargetType:  in.TargetType,
		TargetID:    in.TargetID,
		Status:      repository.RequestPending,
		RequestedBy: in.RequestedBy,
		Notes:       in.Notes,
	}

	records := make([]*repository.StepRecord, 0, len(tplSteps))
	for i, tplStep := range tplSteps {
		if tplStep.StepOrder != i+1 {
			return nil, errors.New(errors.ErrCodeInternal,
				fmt.Sprintf("template %s has non-contiguous step orders", in.TemplateID))
		}
		records = append(records, &repository.StepRecord{
			StepOrder:    tplStep.StepOrder,
			StepName:     tplStep.StepName,
			ApproverType: tplStep.ApproverType,
			ApproverID:   tplStep.ApproverID,
			IsSkippable:  tplStep.IsSkippable,
			Status:       repository.StepPending,
		})
	}

	err = s.tx.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.requests.CreateTx(ctx, tx, req, records); err != nil {
			return err
		}
		return s.documents.SetStatusTx(ctx, tx, target, repository.DocumentPending, in.RequestedBy)
	})
	if err != nil {
		// The transaction rolled back; no partial state remains, but this is
		// still the operation's principal failure path. Log with full context.
		s.log.Error().Err(err).
			Str("template_id", in.TemplateID).
			Str("target_type", string(in.TargetType)).
			Str("target_id", in.TargetID).
			Msg("Approval submission failed")
		return nil, err
	}

	before, after := string(repository.DocumentDraft), string(repository.DocumentPending)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		TargetType:   req.TargetType,
		TargetID:     req.TargetID,
		Action:       "submitted",
		PerformedBy:  in.RequestedBy,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     map[string]any{"template_id": in.TemplateID, "step_count": len(records)},
	})

	// Tell the first approver there is work waiting, when the step names a
	// concrete user. Role and department steps are surfaced by the task list.
	if first := records[0]; first.ApproverType == repository.ApproverUser {
		s.notifier.PublishApprovalEvent(ctx, client.EventApprovalRequested, first.ApproverID, in.RequestedBy,
			target, req.ID, "Approval requested", "A document is waiting for your approval")
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("template_id", in.TemplateID).
		Str("target_type", string(in.TargetType)).
		Str("target_id", in.TargetID).
		Int("step_count", len(records)).
		Msg("Approval request created")

	return req, nil
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// DecideInput carries the parameters of a step decision.
type DecideInput struct {
	RequestID    string
	StepID       string
	ActingUserID string
	Decision     Decision
	Comments     *string
}

// Decide records one approver's verdict on the current actionable step.
//
// Sequential approval is enforced here regardless of what the task list
// showed: the step must be PENDING and every lower-ordered step must already
// be approved or skipped, otherwise the call fails with OUT_OF_SEQUENCE.
func (s *WorkflowService) Decide(ctx context.Context, in DecideInput) (*repository.ApprovalRequest, error) {
	if in.ActingUserID == "" {
		return nil, errors.InvalidInput("acting_user_id", "acting user is required")
	}

	req, err := s.requests.GetByID(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("request is already %s; no further decisions are possible", req.Status))
	}

	steps, err := s.steps.GetByRequestID(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	var step *repository.StepRecord
	for _, candidate := range steps {
		if candidate.ID == in.StepID {
			step = candidate
			break
		}
	}
	if step == nil {
		return nil, errors.NotFound("step_record", in.StepID)
	}
	if step.Status != repository.StepPending {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("step %d has already been decided (%s)", step.StepOrder, step.Status))
	}

	for _, prior := range steps {
		if prior.StepOrder < step.StepOrder && !prior.Status.Cleared() {
			return nil, errors.OutOfSequence(fmt.Sprintf(
				"step %d cannot be decided while step %d is %s",
				step.StepOrder, prior.StepOrder, prior.Status))
		}
	}

	canAct, err := s.directory.IsApprover(ctx, in.ActingUserID, step.ApproverType, step.ApproverID)
	if err != nil {
		return nil, err
	}
	if !canAct {
		return nil, errors.New(errors.ErrCodeUnauthorized,
			"user is not the designated approver for this step")
	}

	switch in.Decision {
	case DecisionReject:
		err = s.reject(ctx, req, step, in)
	case DecisionApprove, DecisionSkip:
		err = s.advance(ctx, req, steps, step, in)
	default:
		return nil, errors.InvalidInput("decision", "must be APPROVE, REJECT or SKIP")
	}
	if err != nil {
		return nil, err
	}

	return s.requests.GetByID(ctx, req.ID)
}

// reject terminates the flow: step REJECTED, request REJECTED, document
// REJECTED, all in one transaction. Earlier approved steps are not reverted.
func (s *WorkflowService) reject(ctx context.Context, req *repository.ApprovalRequest, step *repository.StepRecord, in DecideInput) error {
	if in.Comments == nil || *in.Comments == "" {
		return errors.InvalidInput("comments", "a rejection reason is required")
	}

	now := time.Now().UTC()
	err := s.tx.InTransaction(ctx, func(tx pgx.Tx) error {
		applied, err := s.steps.DecideTx(ctx, tx, step.ID, repository.StepRejected, now, in.Comments)
		if err != nil {
			return err
		}
		if !applied {
			return errors.New(errors.ErrCodeConflict,
				fmt.Sprintf("step %d was decided concurrently", step.StepOrder))
		}
		if err := s.requests.UpdateStatusTx(ctx, tx, req.ID, repository.RequestRejected, &now); err != nil {
			return err
		}
		return s.documents.SetStatusTx(ctx, tx, req.Target(), repository.DocumentRejected, in.ActingUserID)
	})
	if err != nil {
		s.logDecisionFailure(err, req, step, in)
		return err
	}

	before, after := string(repository.DocumentPending), string(repository.DocumentRejected)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		StepID:       &step.ID,
		TargetType:   req.TargetType,
		TargetID:     req.TargetID,
		Action:       "rejected",
		PerformedBy:  in.ActingUserID,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     map[string]any{"step_order": step.StepOrder, "reason": *in.Comments},
	})

	s.notifier.PublishApprovalEvent(ctx, client.EventApprovalRejected, req.RequestedBy, in.ActingUserID,
		req.Target(), req.ID, "Approval rejected", *in.Comments)

	s.log.Info().
		Str("request_id", req.ID).
		Int("step_order", step.StepOrder).
		Str("rejected_by", in.ActingUserID).
		Msg("Approval request rejected")

	return nil
}

// advance records an approval (or skip) and completes the request when no
// pending steps remain.
func (s *WorkflowService) advance(ctx context.Context, req *repository.ApprovalRequest, steps []*repository.StepRecord, step *repository.StepRecord, in DecideInput) error {
	newStatus := repository.StepApproved
	action := "approved"
	if in.Decision == DecisionSkip {
		if !step.IsSkippable {
			return errors.InvalidInput("decision", fmt.Sprintf("step %d is not skippable", step.StepOrder))
		}
		newStatus = repository.StepSkipped
		action = "skipped"
	}

	// The request is complete when every other step has already cleared.
	complete := true
	for _, other := range steps {
		if other.ID != step.ID && !other.Status.Cleared() {
			complete = false
			break
		}
	}

	now := time.Now().UTC()
	err := s.tx.InTransaction(ctx, func(tx pgx.Tx) error {
		applied, err := s.steps.DecideTx(ctx, tx, step.ID, newStatus, now, in.Comments)
		if err != nil {
			return err
		}
		if !applied {
			return errors.New(errors.ErrCodeConflict,
				fmt.Sprintf("step %d was decided concurrently", step.StepOrder))
		}

		if complete {
			if err := s.requests.UpdateStatusTx(ctx, tx, req.ID, repository.RequestApproved, &now); err != nil {
				return err
			}
			return s.documents.SetStatusTx(ctx, tx, req.Target(), repository.DocumentApproved, in.ActingUserID)
		}
		return s.requests.UpdateStatusTx(ctx, tx, req.ID, repository.RequestInProgress, nil)
	})
	if err != nil {
		s.logDecisionFailure(err, req, step, in)
		return err
	}

	before := string(repository.DocumentPending)
	after := before
	if complete {
		after = string(repository.DocumentApproved)
	}
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		StepID:       &step.ID,
		TargetType:   req.TargetType,
		TargetID:     req.TargetID,
		Action:       action,
		PerformedBy:  in.ActingUserID,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     map[string]any{"step_order": step.StepOrder},
	})

	if complete {
		s.notifier.PublishApprovalEvent(ctx, client.EventApprovalCompleted, req.RequestedBy, in.ActingUserID,
			req.Target(), req.ID, "Approval completed", "All approval steps have been completed")
	}

	s.log.Info().
		Str("request_id", req.ID).
		Int("step_order", step.StepOrder).
		Str("decided_by", in.ActingUserID).
		Str("decision", string(in.Decision)).
		Bool("complete", complete).
		Msg("Approval step decided")

	return nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// Cancel withdraws an in-flight request. Only the original requester may
// cancel; the document returns to DRAFT so it can be edited and resubmitted.
func (s *WorkflowService) Cancel(ctx context.Context, requestID, actingUserID string) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.RequestedBy != actingUserID {
		return errors.New(errors.ErrCodeUnauthorized, "only the requester can cancel an approval request")
	}
	if req.Status.Terminal() {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("request cannot be cancelled from status %s", req.Status))
	}

	now := time.Now().UTC()
	err = s.tx.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.steps.CancelPendingTx(ctx, tx, req.ID); err != nil {
			return err
		}
		if err := s.requests.UpdateStatusTx(ctx, tx, req.ID, repository.RequestCancelled, &now); err != nil {
			return err
		}
		return s.documents.SetStatusTx(ctx, tx, req.Target(), repository.DocumentDraft, actingUserID)
	})
	if err != nil {
		return err
	}

	before, after := string(repository.DocumentPending), string(repository.DocumentDraft)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		TargetType:   req.TargetType,
		TargetID:     req.TargetID,
		Action:       "cancelled",
		PerformedBy:  actingUserID,
		StatusBefore: &before,
		StatusAfter:  &after,
	})

	s.log.Info().
		Str("request_id", req.ID).
		Str("cancelled_by", actingUserID).
		Msg("Approval request cancelled")

	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetPendingTasks returns the steps a user can act on right now, annotated
// with target-document display fields. A document that disappeared mid-flow
// leaves its task in place with empty display fields.
func (s *WorkflowService) GetPendingTasks(ctx context.Context, userID string) ([]*repository.PendingTask, error) {
	tasks, err := s.steps.GetActionableForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, task := range tasks {
		summary, err := s.documents.GetSummary(ctx, repository.TargetRef{Type: task.TargetType, ID: task.TargetID})
		if err != nil {
			s.log.Warn().Err(err).
				Str("request_id", task.RequestID).
				Str("target_id", task.TargetID).
				Msg("Could not load target document for pending task")
			continue
		}
		task.DocumentNumber = summary.Number
		task.TotalAmount = summary.TotalAmount
	}
	return tasks, nil
}

// GetHistory returns all step records of a request ordered by step_order,
// with approver display names, for audit display.
func (s *WorkflowService) GetHistory(ctx context.Context, requestID string) ([]*repository.StepRecord, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.steps.GetByRequestID(ctx, requestID)
}

// GetRequest returns one request with its step records.
func (s *WorkflowService) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, []*repository.StepRecord, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.steps.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return req, steps, nil
}

// GetActiveRequestForTarget returns the active request gating a document, or
// nil when the document is not under approval.
func (s *WorkflowService) GetActiveRequestForTarget(ctx context.Context, target repository.TargetRef) (*repository.ApprovalRequest, error) {
	return s.requests.GetActiveByTarget(ctx, target)
}

// GetAuditTrail returns the immutable audit log of a request oldest-first.
func (s *WorkflowService) GetAuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return s.audit.GetByRequestID(ctx, requestID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes an audit entry, logging a warning on failure. The audit
// log never blocks a decision.
func (s *WorkflowService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func (s *WorkflowService) logDecisionFailure(err error, req *repository.ApprovalRequest, step *repository.StepRecord, in DecideInput) {
	s.log.Error().Err(err).
		Str("request_id", req.ID).
		Str("step_id", step.ID).
		Int("step_order", step.StepOrder).
		Str("decision", string(in.Decision)).
		Str("acting_user_id", in.ActingUserID).
		Msg("Decision transaction failed")
}
