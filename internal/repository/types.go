package repository

import "time"

// ── Enumerations ──────────────────────────────────────────────────────────────

// TargetType discriminates the document an approval flow gates.
type TargetType string

const (
	TargetQuote         TargetType = "QUOTE"
	TargetPurchaseOrder TargetType = "PURCHASE_ORDER"
)

// Valid reports whether t is a known target type.
func (t TargetType) Valid() bool {
	return t == TargetQuote || t == TargetPurchaseOrder
}

// ApproverType describes how a flow step designates its approver.
type ApproverType string

const (
	ApproverUser       ApproverType = "USER"
	ApproverRole       ApproverType = "ROLE"
	ApproverDepartment ApproverType = "DEPARTMENT"
)

// Valid reports whether a is a known approver type.
func (a ApproverType) Valid() bool {
	return a == ApproverUser || a == ApproverRole || a == ApproverDepartment
}

// RequestStatus is the overall state of an approval request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestApproved   RequestStatus = "APPROVED"
	RequestRejected   RequestStatus = "REJECTED"
	RequestCancelled  RequestStatus = "CANCELLED"
)

// Terminal reports whether no further step decisions are possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected || s == RequestCancelled
}

// StepStatus is the state of one step record. A step transitions out of
// PENDING exactly once and never reverts.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Cleared reports whether the step no longer blocks later steps.
func (s StepStatus) Cleared() bool {
	return s == StepApproved || s == StepSkipped
}

// DocumentStatus values the adapter writes to target documents.
type DocumentStatus string

const (
	DocumentDraft    DocumentStatus = "DRAFT"
	DocumentPending  DocumentStatus = "PENDING"
	DocumentApproved DocumentStatus = "APPROVED"
	DocumentRejected DocumentStatus = "REJECTED"
)

// ── Flow templates ────────────────────────────────────────────────────────────

// FlowTemplate is a reusable, named definition of an ordered approver
// sequence for one document type.
type FlowTemplate struct {
	ID           string
	TemplateCode string
	TemplateName string
	Description  *string
	TargetType   TargetType
	IsActive     bool
	IsDeleted    bool
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedBy    string
	UpdatedAt    time.Time
}

// FlowStep is one approver slot in a template. step_order values within a
// template are unique and contiguous starting at 1.
type FlowStep struct {
	ID           string
	TemplateID   string
	StepOrder    int
	StepName     string
	ApproverType ApproverType
	ApproverID   string
	ApproverName string // resolved display name, read-only
	IsSkippable  bool
	IsActive     bool
	IsDeleted    bool
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedBy    string
	UpdatedAt    time.Time
}

// ── Approval requests ─────────────────────────────────────────────────────────

// TargetRef identifies the document an approval request gates.
type TargetRef struct {
	Type TargetType
	ID   string
}

// ApprovalRequest is one instantiation of a template against one document.
// Immutable after creation except for Status/CompletedAt and its step records.
type ApprovalRequest struct {
	ID          string
	TemplateID  string
	TargetType  TargetType
	TargetID    string
	Status      RequestStatus
	RequestedBy string
	RequestedAt time.Time
	CompletedAt *time.Time
	Notes       *string
	IsDeleted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Target returns the document reference of the request.
func (r *ApprovalRequest) Target() TargetRef {
	return TargetRef{Type: r.TargetType, ID: r.TargetID}
}

// StepRecord is one approver's decision slot within a request. StepOrder,
// StepName, the approver reference and IsSkippable are frozen copies taken
// from the template at creation time; later template edits never touch them.
type StepRecord struct {
	ID           string
	RequestID    string
	StepOrder    int
	StepName     string
	ApproverType ApproverType
	ApproverID   string
	ApproverName string // resolved display name, read-only
	IsSkippable  bool
	Status       StepStatus
	ApprovedAt   *time.Time
	RejectedAt   *time.Time
	Comments     *string
	IsDeleted    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ── Views ─────────────────────────────────────────────────────────────────────

// DocumentSummary carries the display fields the task list shows for a
// target document.
type DocumentSummary struct {
	Number      string
	TotalAmount int64
}

// PendingTask is one actionable step record joined with its request, as
// surfaced in an approver's task list. DocumentNumber and TotalAmount are
// filled from the target document when it still exists.
type PendingTask struct {
	StepID         string
	RequestID      string
	StepOrder      int
	TargetType     TargetType
	TargetID       string
	RequestedBy    string
	RequesterName  string
	RequestedAt    time.Time
	Notes          *string
	DocumentNumber string
	TotalAmount    int64
}

// ── Audit trail ───────────────────────────────────────────────────────────────

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID           string
	RequestID    string
	StepID       *string
	TargetType   TargetType
	TargetID     string
	Action       string // submitted | approved | rejected | skipped | cancelled
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]any
}
