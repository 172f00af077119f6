package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/salesops/be-approvals/internal/errors"
	"github.com/salesops/be-approvals/internal/logger"
	"github.com/salesops/be-approvals/internal/repository"
	"github.com/salesops/be-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	templates *service.TemplateService
	workflow  *service.WorkflowService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(templates *service.TemplateService, workflow *service.WorkflowService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		templates: templates,
		workflow:  workflow,
		log:       log,
	}
}

// ── Wire types ────────────────────────────────────────────────────────────────

type stepPayload struct {
	StepName     string `json:"step_name"`
	ApproverType string `json:"approver_type"`
	ApproverID   string `json:"approver_id"`
	ApproverName string `json:"approver_name,omitempty"`
	IsSkippable  bool   `json:"is_skippable"`
}

type templatePayload struct {
	TemplateCode string        `json:"template_code"`
	TemplateName string        `json:"template_name"`
	Description  *string       `json:"description,omitempty"`
	TargetType   string        `json:"target_type"`
	Steps        []stepPayload `json:"steps"`
	UserID       string        `json:"user_id"`
}

type templateResponse struct {
	ID           string         `json:"id"`
	TemplateCode string         `json:"template_code"`
	TemplateName string         `json:"template_name"`
	Description  *string        `json:"description,omitempty"`
	TargetType   string         `json:"target_type"`
	IsActive     bool           `json:"is_active"`
	Steps        []stepResponse `json:"steps,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type stepResponse struct {
	ID           string     `json:"id"`
	StepOrder    int        `json:"step_order"`
	StepName     string     `json:"step_name"`
	ApproverType string     `json:"approver_type"`
	ApproverID   string     `json:"approver_id"`
	ApproverName string     `json:"approver_name,omitempty"`
	IsSkippable  bool       `json:"is_skippable"`
	Status       string     `json:"status,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	Comments     *string    `json:"comments,omitempty"`
}

type submitPayload struct {
	TemplateID string  `json:"template_id"`
	TargetType string  `json:"target_type"`
	TargetID   string  `json:"target_id"`
	UserID     string  `json:"user_id"`
	Notes      *string `json:"notes,omitempty"`
}

type decidePayload struct {
	RequestID string  `json:"request_id"`
	StepID    string  `json:"step_id"`
	UserID    string  `json:"user_id"`
	Decision  string  `json:"decision"`
	Comments  *string `json:"comments,omitempty"`
}

type cancelPayload struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

type requestResponse struct {
	ID          string         `json:"id"`
	TemplateID  string         `json:"template_id"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id"`
	Status      string         `json:"status"`
	RequestedBy string         `json:"requested_by"`
	RequestedAt time.Time      `json:"requested_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Notes       *string        `json:"notes,omitempty"`
	Steps       []stepResponse `json:"steps,omitempty"`
}

type auditEntryResponse struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	StepID       *string        `json:"step_id,omitempty"`
	TargetType   string         `json:"target_type"`
	TargetID     string         `json:"target_id"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type pendingTaskResponse struct {
	StepID         string    `json:"step_id"`
	RequestID      string    `json:"request_id"`
	StepOrder      int       `json:"step_order"`
	TargetType     string    `json:"target_type"`
	TargetID       string    `json:"target_id"`
	DocumentNumber string    `json:"document_number,omitempty"`
	TotalAmount    int64     `json:"total_amount"`
	RequestedBy    string    `json:"requested_by"`
	RequesterName  string    `json:"requester_name,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
	Notes          *string   `json:"notes,omitempty"`
}

// ── Templates ─────────────────────────────────────────────────────────────────

// ListTemplates handles list template HTTP requests
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	var targetType *repository.TargetType
	if v := r.URL.Query().Get("target_type"); v != "" {
		tt := repository.TargetType(v)
		targetType = &tt
	}

	templates, err := h.templates.List(r.Context(), targetType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]templateResponse, 0, len(templates))
	for _, tpl := range templates {
		out = append(out, toTemplateResponse(tpl, nil))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": out, "total": len(out)})
}

// GetTemplate handles get template HTTP requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}

	tpl, steps, err := h.templates.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTemplateResponse(tpl, steps))
}

// CreateTemplate handles create template HTTP requests
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tpl, err := h.templates.Create(r.Context(), toTemplateInput(req), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toTemplateResponse(tpl, nil))
}

// UpdateTemplate handles update template HTTP requests
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}

	var req templatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tpl, err := h.templates.Update(r.Context(), id, toTemplateInput(req), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTemplateResponse(tpl, nil))
}

// DeleteTemplate handles delete template HTTP requests
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}

	if err := h.templates.Delete(r.Context(), id, r.URL.Query().Get("user_id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// ── Approval requests ─────────────────────────────────────────────────────────

// SubmitForApproval handles submit HTTP requests
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.workflow.SubmitForApproval(r.Context(), service.SubmitInput{
		TemplateID:  req.TemplateID,
		TargetType:  repository.TargetType(req.TargetType),
		TargetID:    req.TargetID,
		RequestedBy: req.UserID,
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toRequestResponse(created, nil))
}

// Decide handles step decision HTTP requests
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req decidePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.workflow.Decide(r.Context(), service.DecideInput{
		RequestID:    req.RequestID,
		StepID:       req.StepID,
		ActingUserID: req.UserID,
		Decision:     service.Decision(req.Decision),
		Comments:     req.Comments,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRequestResponse(updated, nil))
}

// Cancel handles cancellation HTTP requests
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.workflow.Cancel(r.Context(), req.RequestID, req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// GetRequest handles get request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	req, steps, err := h.workflow.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRequestResponse(req, steps))
}

// GetActiveRequest handles active-request lookup HTTP requests
func (h *HTTPHandler) GetActiveRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	targetType := repository.TargetType(r.URL.Query().Get("target_type"))
	targetID := r.URL.Query().Get("target_id")
	if !targetType.Valid() || targetID == "" {
		http.Error(w, "Target type and target ID are required", http.StatusBadRequest)
		return
	}

	req, err := h.workflow.GetActiveRequestForTarget(r.Context(), repository.TargetRef{Type: targetType, ID: targetID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"request": nil})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"request": toRequestResponse(req, nil)})
}

// GetPendingTasks handles task list HTTP requests
func (h *HTTPHandler) GetPendingTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	tasks, err := h.workflow.GetPendingTasks(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]pendingTaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, pendingTaskResponse{
			StepID:         t.StepID,
			RequestID:      t.RequestID,
			StepOrder:      t.StepOrder,
			TargetType:     string(t.TargetType),
			TargetID:       t.TargetID,
			DocumentNumber: t.DocumentNumber,
			TotalAmount:    t.TotalAmount,
			RequestedBy:    t.RequestedBy,
			RequesterName:  t.RequesterName,
			RequestedAt:    t.RequestedAt,
			Notes:          t.Notes,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "total": len(out)})
}

// GetHistory handles approval history HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	steps, err := h.workflow.GetHistory(r.Context(), requestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]stepResponse, 0, len(steps))
	for _, s := range steps {
		out = append(out, toStepResponse(s))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"steps": out, "total": len(out)})
}

// GetAuditTrail handles audit trail HTTP requests
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.workflow.GetAuditTrail(r.Context(), requestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:           e.ID,
			RequestID:    e.RequestID,
			StepID:       e.StepID,
			TargetType:   string(e.TargetType),
			TargetID:     e.TargetID,
			Action:       e.Action,
			PerformedBy:  e.PerformedBy,
			PerformedAt:  e.PerformedAt,
			StatusBefore: e.StatusBefore,
			StatusAfter:  e.StatusAfter,
			Metadata:     e.Metadata,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": out, "total": len(out)})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func toTemplateInput(req templatePayload) service.TemplateInput {
	steps := make([]service.StepInput, 0, len(req.Steps))
	for _, s := range req.Steps {
		steps = append(steps, service.StepInput{
			StepName:     s.StepName,
			ApproverType: repository.ApproverType(s.ApproverType),
			ApproverID:   s.ApproverID,
			IsSkippable:  s.IsSkippable,
		})
	}
	return service.TemplateInput{
		TemplateCode: req.TemplateCode,
		TemplateName: req.TemplateName,
		Description:  req.Description,
		TargetType:   repository.TargetType(req.TargetType),
		Steps:        steps,
	}
}

func toTemplateResponse(tpl *repository.FlowTemplate, steps []*repository.FlowStep) templateResponse {
	out := templateResponse{
		ID:           tpl.ID,
		TemplateCode: tpl.TemplateCode,
		TemplateName: tpl.TemplateName,
		Description:  tpl.Description,
		TargetType:   string(tpl.TargetType),
		IsActive:     tpl.IsActive,
		CreatedAt:    tpl.CreatedAt,
		UpdatedAt:    tpl.UpdatedAt,
	}
	for _, s := range steps {
		out.Steps = append(out.Steps, stepResponse{
			ID:           s.ID,
			StepOrder:    s.StepOrder,
			StepName:     s.StepName,
			ApproverType: string(s.ApproverType),
			ApproverID:   s.ApproverID,
			ApproverName: s.ApproverName,
			IsSkippable:  s.IsSkippable,
		})
	}
	return out
}

func toStepResponse(s *repository.StepRecord) stepResponse {
	return stepResponse{
		ID:           s.ID,
		StepOrder:    s.StepOrder,
		StepName:     s.StepName,
		ApproverType: string(s.ApproverType),
		ApproverID:   s.ApproverID,
		ApproverName: s.ApproverName,
		IsSkippable:  s.IsSkippable,
		Status:       string(s.Status),
		ApprovedAt:   s.ApprovedAt,
		RejectedAt:   s.RejectedAt,
		Comments:     s.Comments,
	}
}

func toRequestResponse(req *repository.ApprovalRequest, steps []*repository.StepRecord) requestResponse {
	out := requestResponse{
		ID:          req.ID,
		TemplateID:  req.TemplateID,
		TargetType:  string(req.TargetType),
		TargetID:    req.TargetID,
		Status:      string(req.Status),
		RequestedBy: req.RequestedBy,
		RequestedAt: req.RequestedAt,
		CompletedAt: req.CompletedAt,
		Notes:       req.Notes,
	}
	for _, s := range steps {
		out.Steps = append(out.Steps, toStepResponse(s))
	}
	return out
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response body")
	}
}

// writeError maps application error codes to HTTP statuses.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)

	var status int
	switch code {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeOutOfSequence:
		status = http.StatusConflict
	case errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	default:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": err.Error(),
	}); encErr != nil {
		h.log.Error().Err(encErr).Msg("Failed to encode error response body")
	}
}
