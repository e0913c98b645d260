package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/pkg/response"
)

type dealWorkflow interface {
	RegisterDeal(ctx context.Context, req dto.RegisterDealRequest, actor models.Actor) (*dto.TransitionResult, error)
	GetDeal(ctx context.Context, id string, actor models.Actor) (*dto.DealDetail, error)
	ListDeals(ctx context.Context, query dto.DealQuery, actor models.Actor) ([]models.Deal, *models.Pagination, error)
	AdvanceDealStage(ctx context.Context, id string, req dto.AdvanceDealRequest, actor models.Actor) (*dto.TransitionResult, error)
	RejectDeal(ctx context.Context, id string, req dto.RejectDealRequest, actor models.Actor) (*dto.TransitionResult, error)
	ResubmitDeal(ctx context.Context, id string, req dto.ResubmitDealRequest, actor models.Actor) (*dto.TransitionResult, error)
	DecideGate(ctx context.Context, id, gate string, req dto.GateDecisionRequest, actor models.Actor) (*dto.TransitionResult, error)
	CloseDeal(ctx context.Context, id string, req dto.CloseDealRequest, actor models.Actor) (*dto.TransitionResult, error)
	OverrideStage(ctx context.Context, id string, req dto.OverrideStageRequest, actor models.Actor) (*dto.TransitionResult, error)
}

// DealHandler exposes the deal lifecycle endpoints.
type DealHandler struct {
	workflow dealWorkflow
}

// NewDealHandler constructs the handler.
func NewDealHandler(workflow dealWorkflow) *DealHandler {
	return &DealHandler{workflow: workflow}
}

// Register godoc
// @Summary Register a deal
// @Tags Deals
// @Accept json
// @Produce json
// @Param payload body dto.RegisterDealRequest true "Deal registration"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /deals [post]
func (h *DealHandler) Register(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.RegisterDealRequest
	if !bindJSON(c, &req, "deal") {
		return
	}
	result, err := h.workflow.RegisterDeal(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List godoc
// @Summary List deals
// @Tags Deals
// @Produce json
// @Param partnerId query string false "Partner filter (ignored for partners)"
// @Param stage query string false "Comma separated stages"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /deals [get]
func (h *DealHandler) List(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	query := dto.DealQuery{PartnerID: c.Query("partnerId")}
	for _, stage := range splitList(c.Query("stage")) {
		query.Stages = append(query.Stages, models.DealStage(stage))
	}
	query.Page, query.PageSize = pageParams(c)

	deals, pagination, err := h.workflow.ListDeals(c.Request.Context(), query, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, deals, pagination)
}

// Get godoc
// @Summary Get a deal with its approval gates
// @Tags Deals
// @Produce json
// @Param id path string true "Deal ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /deals/{id} [get]
func (h *DealHandler) Get(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	deal, err := h.workflow.GetDeal(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, deal, nil)
}

// Advance godoc
// @Summary Move a deal to another stage
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Deal ID"
// @Param payload body dto.AdvanceDealRequest true "Target stage"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 423 {object} response.Envelope
// @Router /deals/{id}/advance [post]
func (h *DealHandler) Advance(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.AdvanceDealRequest
	if !bindJSON(c, &req, "advance") {
		return
	}
	h.respond(c)(h.workflow.AdvanceDealStage(c.Request.Context(), c.Param("id"), req, actor))
}

// Reject godoc
// @Summary Reject a deal
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Deal ID"
// @Param payload body dto.RejectDealRequest true "Rejection"
// @Success 200 {object} response.Envelope
// @Router /deals/{id}/reject [post]
func (h *DealHandler) Reject(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.RejectDealRequest
	if !bindJSON(c, &req, "reject") {
		return
	}
	h.respond(c)(h.workflow.RejectDeal(c.Request.Context(), c.Param("id"), req, actor))
}

// Resubmit godoc
// @Summary Resubmit a rejected deal
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Deal ID"
// @Param payload body dto.ResubmitDealRequest false "Expected version"
// @Success 200 {object} response.Envelope
// @Router /deals/{id}/resubmit [post]
func (h *DealHandler) Resubmit(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.ResubmitDealRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req, "resubmit") {
		return
	}
	h.respond(c)(h.workflow.ResubmitDeal(c.Request.Context(), c.Param("id"), req, actor))
}

// DecideGate godoc
// @Summary Record an approval gate decision
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Deal ID"
// @Param gate path string true "MANAGER_REVIEW, COMPLIANCE_CHECK or EXECUTIVE_APPROVAL"
// @Param payload body dto.GateDecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Router /deals/{id}/gates/{gate} [post]
func (h *DealHandler) DecideGate(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.GateDecisionRequest
	if !bindJSON(c, &req, "gate decision") {
		return
	}
	h.respond(c)(h.workflow.DecideGate(c.Request.Context(), c.Param("id"), c.Param("gate"), req, actor))
}

// Close godoc
// @Summary Close a deal as won (approved deals only) or lost; partners may withdraw their own deals
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Deal ID"
// @Param payload body dto.CloseDealRequest true "Outcome"
// @Success 200 {object} response.Envelope
// @Router /deals/{id}/close [post]
func (h *DealHandler) Close(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.CloseDealRequest
	if !bindJSON(c, &req, "close") {
		return
	}
	h.respond(c)(h.workflow.CloseDeal(c.Request.Context(), c.Param("id"), req, actor))
}

// Override godoc
// @Summary Force a deal into a stage (administrators)
// @Tags Deals
// @Accept json
// @Produce json
// @Param id path string true "Deal ID"
// @Param payload body dto.OverrideStageRequest true "Override"
// @Success 200 {object} response.Envelope
// @Router /deals/{id}/override [post]
func (h *DealHandler) Override(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.OverrideStageRequest
	if !bindJSON(c, &req, "override") {
		return
	}
	h.respond(c)(h.workflow.OverrideStage(c.Request.Context(), c.Param("id"), req, actor))
}

func (h *DealHandler) respond(c *gin.Context) func(*dto.TransitionResult, error) {
	return func(result *dto.TransitionResult, err error) {
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, http.StatusOK, result, nil)
	}
}
