package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/litreview-api/internal/dto"
	"github.com/noah-isme/litreview-api/internal/models"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
	"github.com/noah-isme/litreview-api/pkg/response"
)

type allocationService interface {
	AllocateBatch(ctx context.Context, actor models.Actor, req dto.AllocateBatchRequest) (*models.Batch, error)
	AllocateNoCaseBatch(ctx context.Context, actor models.Actor, req dto.AllocateBatchRequest) (*models.Batch, error)
	ReleaseBatch(ctx context.Context, actor models.Actor) (int, error)
	CurrentBatch(ctx context.Context, actor models.Actor) (*models.Batch, error)
}

type reviewService interface {
	Get(ctx context.Context, actor models.Actor, caseID string) (*models.Case, error)
	Suggest(ctx context.Context, actor models.Actor, caseID string) (*dto.SuggestionResponse, error)
	AuditTrail(ctx context.Context, actor models.Actor, caseID string) ([]models.AuditRecord, error)
	Classify(ctx context.Context, actor models.Actor, caseID string, req dto.ClassifyRequest) (*models.Case, error)
	Approve(ctx context.Context, actor models.Actor, caseID string, req dto.DecisionRequest) (*models.Case, error)
	Reject(ctx context.Context, actor models.Actor, caseID string, req dto.DecisionRequest) (*models.Case, error)
	Revoke(ctx context.Context, actor models.Actor, caseID string, req dto.DecisionRequest) (*models.Case, error)
	StartDataEntry(ctx context.Context, actor models.Actor, caseID string) (*models.Case, error)
	CompleteDataEntry(ctx context.Context, actor models.Actor, caseID string, req dto.NotesRequest) (*models.Case, error)
	SubmitMedicalReview(ctx context.Context, actor models.Actor, caseID string, req dto.NotesRequest) (*models.Case, error)
	FinalizeReport(ctx context.Context, actor models.Actor, caseID string, req dto.NotesRequest) (*models.Case, error)
}

// CaseHandler exposes allocation and review endpoints.
type CaseHandler struct {
	allocation allocationService
	review     reviewService
}

// NewCaseHandler constructs the handler.
func NewCaseHandler(allocation allocationService, review reviewService) *CaseHandler {
	return &CaseHandler{allocation: allocation, review: review}
}

// Allocate godoc
// @Summary Allocate a batch from the triage queue
// @Tags Allocation
// @Accept json
// @Produce json
// @Param payload body dto.AllocateBatchRequest true "Batch size and optional clients"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /cases/allocate [post]
func (h *CaseHandler) Allocate(c *gin.Context) {
	h.allocate(c, h.allocation.AllocateBatch)
}

// AllocateNoCase godoc
// @Summary Allocate a batch from the no-case confirmation queue
// @Tags Allocation
// @Accept json
// @Produce json
// @Param payload body dto.AllocateBatchRequest true "Batch size"
// @Success 200 {object} response.Envelope
// @Router /cases/no-case/allocate [post]
func (h *CaseHandler) AllocateNoCase(c *gin.Context) {
	h.allocate(c, h.allocation.AllocateNoCaseBatch)
}

func (h *CaseHandler) allocate(c *gin.Context, fn func(context.Context, models.Actor, dto.AllocateBatchRequest) (*models.Batch, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.AllocateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid allocation payload"))
		return
	}
	batch, err := fn(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, batchResponse(batch), map[string]interface{}{"requested": req.Size})
}

// Release godoc
// @Summary Release every case locked to the caller
// @Tags Allocation
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /cases/release [post]
func (h *CaseHandler) Release(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	released, err := h.allocation.ReleaseBatch(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.ReleaseBatchResponse{Released: released})
}

// CurrentBatch godoc
// @Summary List cases currently locked to the caller
// @Tags Allocation
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /cases/batch [get]
func (h *CaseHandler) CurrentBatch(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	batch, err := h.allocation.CurrentBatch(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, batchResponse(batch))
}

// Get godoc
// @Summary Get a case
// @Tags Cases
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /cases/{id} [get]
func (h *CaseHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	found, err := h.review.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, found)
}

// Suggestion godoc
// @Summary Resolver suggestion for a case
// @Tags Cases
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/suggestion [get]
func (h *CaseHandler) Suggestion(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	suggestion, err := h.review.Suggest(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, suggestion)
}

// Audit godoc
// @Summary Audit trail of a case
// @Tags Cases
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/audit [get]
func (h *CaseHandler) Audit(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	records, err := h.review.AuditTrail(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	response.OK(c, records, map[string]interface{}{"count": len(records)})
}

// Classify godoc
// @Summary Classify a case during triage
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.ClassifyRequest false "Reviewer tag"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /cases/{id}/classify [post]
func (h *CaseHandler) Classify(c *gin.Context) {
	var req dto.ClassifyRequest
	if !bindOptional(c, &req) {
		return
	}
	h.transition(c, func(ctx context.Context, actor models.Actor, id string) (*models.Case, error) {
		return h.review.Classify(ctx, actor, id, req)
	})
}

// Approve godoc
// @Summary Approve a triage decision
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.DecisionRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/approve [post]
func (h *CaseHandler) Approve(c *gin.Context) {
	h.decision(c, h.review.Approve)
}

// Reject godoc
// @Summary Reject a triage decision
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.DecisionRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/reject [post]
func (h *CaseHandler) Reject(c *gin.Context) {
	h.decision(c, h.review.Reject)
}

// Revoke godoc
// @Summary Revoke a downstream decision
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.DecisionRequest true "Reason"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/revoke [post]
func (h *CaseHandler) Revoke(c *gin.Context) {
	h.decision(c, h.review.Revoke)
}

// StartDataEntry godoc
// @Summary Start data entry on an approved ICSR case
// @Tags Review
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/data-entry/start [post]
func (h *CaseHandler) StartDataEntry(c *gin.Context) {
	h.transition(c, h.review.StartDataEntry)
}

// CompleteDataEntry godoc
// @Summary Complete data entry
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.NotesRequest false "Notes"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/data-entry/complete [post]
func (h *CaseHandler) CompleteDataEntry(c *gin.Context) {
	h.notes(c, h.review.CompleteDataEntry)
}

// SubmitMedicalReview godoc
// @Summary Submit a completed case for medical review
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.NotesRequest false "Notes"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/medical-review [post]
func (h *CaseHandler) SubmitMedicalReview(c *gin.Context) {
	h.notes(c, h.review.SubmitMedicalReview)
}

// FinalizeReport godoc
// @Summary Mark a reviewed case as reported
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.NotesRequest false "Notes"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/finalize [post]
func (h *CaseHandler) FinalizeReport(c *gin.Context) {
	h.notes(c, h.review.FinalizeReport)
}

func (h *CaseHandler) decision(c *gin.Context, fn func(context.Context, models.Actor, string, dto.DecisionRequest) (*models.Case, error)) {
	var req dto.DecisionRequest
	if !bindOptional(c, &req) {
		return
	}
	h.transition(c, func(ctx context.Context, actor models.Actor, id string) (*models.Case, error) {
		return fn(ctx, actor, id, req)
	})
}

func (h *CaseHandler) notes(c *gin.Context, fn func(context.Context, models.Actor, string, dto.NotesRequest) (*models.Case, error)) {
	var req dto.NotesRequest
	if !bindOptional(c, &req) {
		return
	}
	h.transition(c, func(ctx context.Context, actor models.Actor, id string) (*models.Case, error) {
		return fn(ctx, actor, id, req)
	})
}

func (h *CaseHandler) transition(c *gin.Context, fn func(context.Context, models.Actor, string) (*models.Case, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	updated, err := fn(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated)
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, dest interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payload"))
		return false
	}
	return true
}

func batchResponse(batch *models.Batch) dto.BatchResponse {
	cases := batch.Cases
	if cases == nil {
		cases = []models.Case{}
	}
	return dto.BatchResponse{AllocatedAt: batch.AllocatedAt, Count: len(cases), Cases: cases}
}
