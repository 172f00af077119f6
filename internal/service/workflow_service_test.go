package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/errors"
	"github.com/salesops/be-approvals/internal/logger"
	"github.com/salesops/be-approvals/internal/repository"
)

// ── In-memory fakes ───────────────────────────────────────────────────────────

// fakeTx runs the transaction body directly. before, when set, runs first —
// tests use it to commit a competing write inside the window between a
// service method's pre-read and its transaction.
type fakeTx struct {
	before func()
}

func (f *fakeTx) InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if f.before != nil {
		f.before()
	}
	return fn(nil)
}

type fakeTemplates struct {
	steps map[string][]*repository.FlowStep
}

func (f *fakeTemplates) Create(ctx context.Context, tpl *repository.FlowTemplate, steps []*repository.FlowStep) error {
	return nil
}
func (f *fakeTemplates) Update(ctx context.Context, tpl *repository.FlowTemplate, steps []*repository.FlowStep) error {
	return nil
}
func (f *fakeTemplates) List(ctx context.Context, targetType *repository.TargetType) ([]*repository.FlowTemplate, error) {
	return nil, nil
}
func (f *fakeTemplates) GetWithSteps(ctx context.Context, id string) (*repository.FlowTemplate, []*repository.FlowStep, error) {
	return nil, nil, errors.NotFound("flow_template", id)
}
func (f *fakeTemplates) GetActiveSteps(ctx context.Context, templateID string) ([]*repository.FlowStep, error) {
	return f.steps[templateID], nil
}
func (f *fakeTemplates) SoftDelete(ctx context.Context, id, deletedBy string) error { return nil }

type fakeRequests struct {
	byID   map[string]*repository.ApprovalRequest
	steps  *fakeSteps
	nextID int
}

func newFakeRequests(steps *fakeSteps) *fakeRequests {
	return &fakeRequests{byID: map[string]*repository.ApprovalRequest{}, steps: steps}
}

func (f *fakeRequests) CreateTx(ctx context.Context, q database.Querier, req *repository.ApprovalRequest, steps []*repository.StepRecord) error {
	f.nextID++
	req.ID = fmt.Sprintf("req-%d", f.nextID)
	req.RequestedAt = time.Now().UTC()
	for i, s := range steps {
		s.ID = fmt.Sprintf("%s-step-%d", req.ID, i+1)
		s.RequestID = req.ID
	}
	f.byID[req.ID] = req
	f.steps.add(steps)
	return nil
}

func (f *fakeRequests) GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	req, ok := f.byID[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	cp := *req
	return &cp, nil
}

func (f *fakeRequests) GetActiveByTarget(ctx context.Context, target repository.TargetRef) (*repository.ApprovalRequest, error) {
	for _, req := range f.byID {
		if req.Target() == target && !req.Status.Terminal() {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRequests) UpdateStatusTx(ctx context.Context, q database.Querier, id string, status repository.RequestStatus, completedAt *time.Time) error {
	req, ok := f.byID[id]
	if !ok || req.Status.Terminal() {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval request %s is already finalized", id))
	}
	req.Status = status
	if completedAt != nil {
		req.CompletedAt = completedAt
	}
	return nil
}

type fakeSteps struct {
	byRequest map[string][]*repository.StepRecord
	requests  *fakeRequests
	// decideFails forces DecideTx to report a lost compare-and-swap.
	decideFails bool
}

func newFakeSteps() *fakeSteps {
	return &fakeSteps{byRequest: map[string][]*repository.StepRecord{}}
}

func (f *fakeSteps) add(steps []*repository.StepRecord) {
	for _, s := range steps {
		f.byRequest[s.RequestID] = append(f.byRequest[s.RequestID], s)
	}
}

func (f *fakeSteps) GetByRequestID(ctx context.Context, requestID string) ([]*repository.StepRecord, error) {
	out := make([]*repository.StepRecord, 0, len(f.byRequest[requestID]))
	for _, s := range f.byRequest[requestID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSteps) GetByID(ctx context.Context, id string) (*repository.StepRecord, error) {
	for _, steps := range f.byRequest {
		for _, s := range steps {
			if s.ID == id {
				cp := *s
				return &cp, nil
			}
		}
	}
	return nil, errors.NotFound("step_record", id)
}

func (f *fakeSteps) DecideTx(ctx context.Context, q database.Querier, id string, status repository.StepStatus, decidedAt time.Time, comments *string) (bool, error) {
	if f.decideFails {
		return false, nil
	}
	for _, steps := range f.byRequest {
		for _, s := range steps {
			if s.ID != id {
				continue
			}
			if s.Status != repository.StepPending {
				return false, nil
			}
			s.Status = status
			s.Comments = comments
			if status == repository.StepRejected {
				s.RejectedAt = &decidedAt
			} else {
				s.ApprovedAt = &decidedAt
			}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSteps) CancelPendingTx(ctx context.Context, q database.Querier, requestID string) error {
	for _, s := range f.byRequest[requestID] {
		if s.Status == repository.StepPending {
			s.Status = repository.StepCancelled
		}
	}
	return nil
}

func (f *fakeSteps) GetActionableForUser(ctx context.Context, userID string) ([]*repository.PendingTask, error) {
	var out []*repository.PendingTask
	for reqID, steps := range f.byRequest {
		for _, s := range steps {
			if s.Status != repository.StepPending || s.ApproverID != userID {
				continue
			}
			blocked := false
			for _, prior := range steps {
				if prior.StepOrder < s.StepOrder && !prior.Status.Cleared() {
					blocked = true
					break
				}
			}
			if !blocked {
				task := &repository.PendingTask{
					StepID:    s.ID,
					RequestID: reqID,
					StepOrder: s.StepOrder,
				}
				if req, ok := f.requests.byID[reqID]; ok {
					task.TargetType = req.TargetType
					task.TargetID = req.TargetID
					task.RequestedBy = req.RequestedBy
					task.RequestedAt = req.RequestedAt
					task.Notes = req.Notes
				}
				out = append(out, task)
			}
		}
	}
	return out, nil
}

type fakeDocuments struct {
	summaries map[repository.TargetRef]*repository.DocumentSummary
	statuses  map[repository.TargetRef]repository.DocumentStatus
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{
		summaries: map[repository.TargetRef]*repository.DocumentSummary{},
		statuses:  map[repository.TargetRef]repository.DocumentStatus{},
	}
}

func (f *fakeDocuments) SetStatusTx(ctx context.Context, q database.Querier, target repository.TargetRef, status repository.DocumentStatus, updatedBy string) error {
	if _, ok := f.summaries[target]; !ok {
		return errors.NotFound(string(target.Type), target.ID)
	}
	f.statuses[target] = status
	return nil
}

func (f *fakeDocuments) GetSummary(ctx context.Context, target repository.TargetRef) (*repository.DocumentSummary, error) {
	summary, ok := f.summaries[target]
	if !ok {
		return nil, errors.NotFound(string(target.Type), target.ID)
	}
	return summary, nil
}

// fakeDirectory treats USER approvers as direct matches and resolves roles
// from a static membership table. Deactivated users never qualify,
// mirroring the uniform is_active rule of the real directory.
type fakeDirectory struct {
	roles    map[string][]string // role -> member user ids
	inactive map[string]bool
}

func (f *fakeDirectory) IsApprover(ctx context.Context, userID string, approverType repository.ApproverType, approverID string) (bool, error) {
	if f.inactive[userID] {
		return false, nil
	}
	switch approverType {
	case repository.ApproverUser:
		return userID == approverID, nil
	case repository.ApproverRole, repository.ApproverDepartment:
		for _, member := range f.roles[approverID] {
			if member == userID {
				return true, nil
			}
		}
	}
	return false, nil
}

type fakeAudit struct {
	entries []*repository.AuditEntry
}

func (f *fakeAudit) Append(ctx context.Context, entry *repository.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

type notifierCall struct {
	eventType string
	recipient string
	requestID string
}

type fakeNotifier struct {
	calls []notifierCall
}

func (f *fakeNotifier) PublishApprovalEvent(ctx context.Context, eventType, recipient, actorID string, target repository.TargetRef, requestID, title, message string) {
	f.calls = append(f.calls, notifierCall{eventType: eventType, recipient: recipient, requestID: requestID})
}

// ── Fixture ───────────────────────────────────────────────────────────────────

type workflowFixture struct {
	svc       *WorkflowService
	tx        *fakeTx
	templates *fakeTemplates
	requests  *fakeRequests
	steps     *fakeSteps
	documents *fakeDocuments
	directory *fakeDirectory
	audit     *fakeAudit
	notifier  *fakeNotifier
}

func newWorkflowFixture() *workflowFixture {
	steps := newFakeSteps()
	f := &workflowFixture{
		tx:        &fakeTx{},
		templates: &fakeTemplates{steps: map[string][]*repository.FlowStep{}},
		requests:  newFakeRequests(steps),
		steps:     steps,
		documents: newFakeDocuments(),
		directory: &fakeDirectory{roles: map[string][]string{}, inactive: map[string]bool{}},
		audit:     &fakeAudit{},
		notifier:  &fakeNotifier{},
	}
	steps.requests = f.requests
	log := logger.New(logger.Config{Level: "error", ServiceName: "approvals-test"})
	f.svc = NewWorkflowService(f.tx, f.templates, f.requests, f.steps, f.documents, f.directory, f.audit, f.notifier, log)
	return f
}

func (f *workflowFixture) addTemplate(id string, steps ...*repository.FlowStep) {
	f.templates.steps[id] = steps
}

func (f *workflowFixture) addQuote(id, number string, amount int64) repository.TargetRef {
	target := repository.TargetRef{Type: repository.TargetQuote, ID: id}
	f.documents.summaries[target] = &repository.DocumentSummary{Number: number, TotalAmount: amount}
	return target
}

func userStep(order int, approverID string) *repository.FlowStep {
	return &repository.FlowStep{
		StepOrder:    order,
		StepName:     fmt.Sprintf("Step %d", order),
		ApproverType: repository.ApproverUser,
		ApproverID:   approverID,
	}
}

// submitFlow submits and returns the request with its frozen step records.
func submitFlow(t *testing.T, f *workflowFixture, templateID string, target repository.TargetRef) (*repository.ApprovalRequest, []*repository.StepRecord) {
	t.Helper()
	req, err := f.svc.SubmitForApproval(context.Background(), SubmitInput{
		TemplateID:  templateID,
		TargetType:  target.Type,
		TargetID:    target.ID,
		RequestedBy: "requester",
	})
	require.NoError(t, err)

	records := f.steps.byRequest[req.ID]
	require.NotEmpty(t, records)
	return req, records
}

// ── Submission ────────────────────────────────────────────────────────────────

func TestSubmitForApproval_CreatesRequestAndFreezesSteps(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"), userStep(2, "bob"))
	target := f.addQuote("q-1", "Q-2026-001", 125000)

	req, err := f.svc.SubmitForApproval(context.Background(), SubmitInput{
		TemplateID:  "tpl-1",
		TargetType:  target.Type,
		TargetID:    target.ID,
		RequestedBy: "requester",
	})
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
	assert.Equal(t, repository.RequestPending, req.Status)
	assert.Equal(t, "requester", req.RequestedBy)

	assert.Equal(t, repository.DocumentPending, f.documents.statuses[target])

	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, "approval_requested", f.notifier.calls[0].eventType)
	assert.Equal(t, "alice", f.notifier.calls[0].recipient)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "submitted", f.audit.entries[0].Action)
}

func TestSubmitForApproval_RejectsSecondActiveRequest(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)

	_, err := f.svc.SubmitForApproval(context.Background(), SubmitInput{
		TemplateID: "tpl-1", TargetType: target.Type, TargetID: target.ID, RequestedBy: "requester",
	})
	require.NoError(t, err)

	_, err = f.svc.SubmitForApproval(context.Background(), SubmitInput{
		TemplateID: "tpl-1", TargetType: target.Type, TargetID: target.ID, RequestedBy: "requester",
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestSubmitForApproval_RejectsEmptyTemplate(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-empty")
	target := f.addQuote("q-1", "Q-2026-001", 1000)

	_, err := f.svc.SubmitForApproval(context.Background(), SubmitInput{
		TemplateID: "tpl-empty", TargetType: target.Type, TargetID: target.ID, RequestedBy: "requester",
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestSubmitForApproval_RejectsMissingDocument(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))

	_, err := f.svc.SubmitForApproval(context.Background(), SubmitInput{
		TemplateID: "tpl-1", TargetType: repository.TargetQuote, TargetID: "missing", RequestedBy: "requester",
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

// ── Decisions ─────────────────────────────────────────────────────────────────

func TestDecide_OutOfOrderStepFails(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"), userStep(2, "bob"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[1].ID, ActingUserID: "bob", Decision: DecisionApprove,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeOutOfSequence))
}

func TestDecide_ApproveAdvancesToInProgress(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"), userStep(2, "bob"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	updated, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestInProgress, updated.Status)
	assert.Nil(t, updated.CompletedAt)

	// Document stays PENDING until the flow completes.
	assert.Equal(t, repository.DocumentPending, f.documents.statuses[target])

	steps, err := f.svc.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepApproved, steps[0].Status)
	require.NotNil(t, steps[0].ApprovedAt)
	assert.Equal(t, repository.StepPending, steps[1].Status)
}

func TestDecide_FinalApprovalCompletesAndPropagates(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"), userStep(2, "bob"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
	})
	require.NoError(t, err)

	updated, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[1].ID, ActingUserID: "bob", Decision: DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	assert.Equal(t, repository.DocumentApproved, f.documents.statuses[target])

	// Requester is told the flow completed.
	last := f.notifier.calls[len(f.notifier.calls)-1]
	assert.Equal(t, "approval_completed", last.eventType)
	assert.Equal(t, "requester", last.recipient)
}

func TestDecide_RejectRequiresComment(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionReject,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestDecide_RejectShortCircuitsFlow(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"), userStep(2, "bob"), userStep(3, "carol"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
	})
	require.NoError(t, err)

	reason := "budget exceeded"
	updated, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[1].ID, ActingUserID: "bob", Decision: DecisionReject, Comments: &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestRejected, updated.Status)
	assert.Equal(t, repository.DocumentRejected, f.documents.statuses[target])

	// The first approval stands; the third step never gets a turn.
	steps, err := f.svc.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepApproved, steps[0].Status)
	assert.Equal(t, repository.StepRejected, steps[1].Status)
	require.NotNil(t, steps[1].RejectedAt)
	assert.Equal(t, repository.StepPending, steps[2].Status)

	_, err = f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[2].ID, ActingUserID: "carol", Decision: DecisionApprove,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestDecide_WrongUserIsUnauthorized(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "mallory", Decision: DecisionApprove,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestDecide_DeactivatedDirectApproverIsUnauthorized(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	f.directory.inactive["alice"] = true
	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestDecide_RoleApproverResolvedThroughDirectory(t *testing.T) {
	f := newWorkflowFixture()
	f.directory.roles["sales-manager"] = []string{"dave"}
	f.addTemplate("tpl-1", &repository.FlowStep{
		StepOrder:    1,
		StepName:     "Manager sign-off",
		ApproverType: repository.ApproverRole,
		ApproverID:   "sales-manager",
	})
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	updated, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "dave", Decision: DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, updated.Status)
}

func TestDecide_SkipOnlyWhenSkippable(t *testing.T) {
	f := newWorkflowFixture()
	skippable := userStep(1, "alice")
	skippable.IsSkippable = true
	f.addTemplate("tpl-1", skippable, userStep(2, "bob"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionSkip,
	})
	require.NoError(t, err)

	// The second step is not skippable.
	_, err = f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[1].ID, ActingUserID: "bob", Decision: DecisionSkip,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	// A skipped step clears the sequence like an approval.
	updated, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[1].ID, ActingUserID: "bob", Decision: DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, updated.Status)
}

func TestDecide_TerminalRequestIsImmutable(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
	})
	require.NoError(t, err)

	_, err = f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestDecide_LostRaceSurfacesConflict(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	f.steps.decideFails = true
	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestDecide_UnknownStepIsNotFound(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, _ := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: "nope", ActingUserID: "alice", Decision: DecisionApprove,
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

// ── Cancellation ──────────────────────────────────────────────────────────────

func TestCancel_RequesterOnly(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, _ := submitFlow(t, f, "tpl-1", target)

	err := f.svc.Cancel(context.Background(), req.ID, "mallory")
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))

	err = f.svc.Cancel(context.Background(), req.ID, "requester")
	require.NoError(t, err)

	got, err := f.svc.GetActiveRequestForTarget(context.Background(), target)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The document went back to draft and all pending steps were closed.
	assert.Equal(t, repository.DocumentDraft, f.documents.statuses[target])
	steps, err := f.steps.GetByRequestID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepCancelled, steps[0].Status)
}

func TestCancel_LosesRaceAgainstFinalApproval(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	// The final approval commits inside the window between Cancel's
	// pre-read (which saw PENDING) and Cancel's own transaction.
	f.tx.before = func() {
		f.tx.before = nil
		_, err := f.svc.Decide(context.Background(), DecideInput{
			RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
		})
		require.NoError(t, err)
	}

	err := f.svc.Cancel(context.Background(), req.ID, "requester")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	// The approved outcome stands: terminal statuses never transition.
	final, err := f.svc.GetActiveRequestForTarget(context.Background(), target)
	require.NoError(t, err)
	assert.Nil(t, final)
	got, err := f.requests.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, got.Status)
	assert.Equal(t, repository.DocumentApproved, f.documents.statuses[target])
}

func TestCancel_TerminalRequestFails(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	_, err := f.svc.Decide(context.Background(), DecideInput{
		RequestID: req.ID, StepID: records[0].ID, ActingUserID: "alice", Decision: DecisionApprove,
	})
	require.NoError(t, err)

	err = f.svc.Cancel(context.Background(), req.ID, "requester")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

// ── Queries ───────────────────────────────────────────────────────────────────

func TestGetPendingTasks_AnnotatesDocumentFields(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"), userStep(2, "bob"))
	target := f.addQuote("q-1", "Q-2026-001", 250000)
	_, _ = submitFlow(t, f, "tpl-1", target)

	tasks, err := f.svc.GetPendingTasks(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Q-2026-001", tasks[0].DocumentNumber)
	assert.Equal(t, int64(250000), tasks[0].TotalAmount)

	// bob's step is blocked behind alice's.
	tasks, err = f.svc.GetPendingTasks(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestGetHistory_UnknownRequestIsNotFound(t *testing.T) {
	f := newWorkflowFixture()
	_, err := f.svc.GetHistory(context.Background(), "nope")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestSnapshotIsolation_TemplateEditsDoNotTouchRecords(t *testing.T) {
	f := newWorkflowFixture()
	f.addTemplate("tpl-1", userStep(1, "alice"))
	target := f.addQuote("q-1", "Q-2026-001", 1000)
	req, records := submitFlow(t, f, "tpl-1", target)

	// Rewrite the template after submission.
	f.addTemplate("tpl-1", userStep(1, "someone-else"), userStep(2, "another"))

	steps, err := f.svc.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "alice", steps[0].ApproverID)
	assert.Equal(t, records[0].StepName, steps[0].StepName)
}
