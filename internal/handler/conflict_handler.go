package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/internal/service"
	"github.com/noah-isme/prm-deal-api/pkg/response"
)

type conflictService interface {
	List(ctx context.Context, filter models.ConflictFilter) ([]models.ConflictRecord, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.ConflictRecord, error)
	Resolve(ctx context.Context, id string, strategy *models.ResolutionStrategy, actor models.Actor) (*service.Resolution, error)
	ResolveManually(ctx context.Context, id, winningDealID, notes string, actor models.Actor) (*service.Resolution, error)
	Report(ctx context.Context, filter models.ConflictFilter, format string) (*dto.RenderedFile, error)
}

// ConflictHandler exposes conflict listing and resolution.
type ConflictHandler struct {
	conflicts conflictService
}

// NewConflictHandler constructs the handler.
func NewConflictHandler(conflicts conflictService) *ConflictHandler {
	return &ConflictHandler{conflicts: conflicts}
}

// List godoc
// @Summary List conflicts
// @Tags Conflicts
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param type query string false "CHANNEL, TERRITORY or CUSTOMER_OVERLAP"
// @Param severity query string false "LOW, MEDIUM or HIGH"
// @Param dealId query string false "Only conflicts involving this deal"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /conflicts [get]
func (h *ConflictHandler) List(c *gin.Context) {
	filter := conflictFilter(c)
	page, size := pageParams(c)
	filter.Limit = size
	filter.Offset = (page - 1) * size

	records, pagination, err := h.conflicts.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, pagination)
}

// Export godoc
// @Summary Download matching conflicts as a report
// @Tags Conflicts
// @Produce text/csv
// @Produce application/pdf
// @Param status query string false "Comma separated statuses"
// @Param type query string false "CHANNEL, TERRITORY or CUSTOMER_OVERLAP"
// @Param severity query string false "LOW, MEDIUM or HIGH"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Router /conflicts/export [get]
func (h *ConflictHandler) Export(c *gin.Context) {
	report, err := h.conflicts.Report(c.Request.Context(), conflictFilter(c), c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, report.Filename, report.ContentType, report.Body)
}

// Get godoc
// @Summary Get a conflict
// @Tags Conflicts
// @Produce json
// @Param id path string true "Conflict ID"
// @Success 200 {object} response.Envelope
// @Router /conflicts/{id} [get]
func (h *ConflictHandler) Get(c *gin.Context) {
	record, err := h.conflicts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Resolve godoc
// @Summary Resolve a conflict with a strategy
// @Tags Conflicts
// @Accept json
// @Produce json
// @Param id path string true "Conflict ID"
// @Param payload body dto.ResolveConflictRequest false "Strategy, defaults to the configured policy"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /conflicts/{id}/resolve [post]
func (h *ConflictHandler) Resolve(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.ResolveConflictRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req, "resolve") {
		return
	}
	var strategy *models.ResolutionStrategy
	if s := strings.ToUpper(strings.TrimSpace(req.Strategy)); s != "" {
		typed := models.ResolutionStrategy(s)
		strategy = &typed
	}
	resolution, err := h.conflicts.Resolve(c.Request.Context(), c.Param("id"), strategy, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resolution, nil)
}

// Decide godoc
// @Summary Pick the winner of an escalated conflict (administrators)
// @Tags Conflicts
// @Accept json
// @Produce json
// @Param id path string true "Conflict ID"
// @Param payload body dto.DecideConflictRequest true "Winner"
// @Success 200 {object} response.Envelope
// @Router /conflicts/{id}/decide [post]
func (h *ConflictHandler) Decide(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.DecideConflictRequest
	if !bindJSON(c, &req, "decision") {
		return
	}
	resolution, err := h.conflicts.ResolveManually(c.Request.Context(), c.Param("id"), req.WinningDealID, req.Notes, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resolution, nil)
}

func conflictFilter(c *gin.Context) models.ConflictFilter {
	filter := models.ConflictFilter{
		Type:     models.ConflictType(strings.ToUpper(c.Query("type"))),
		Severity: models.Severity(strings.ToUpper(c.Query("severity"))),
		DealID:   c.Query("dealId"),
	}
	for _, status := range splitList(c.Query("status")) {
		filter.Status = append(filter.Status, models.ConflictStatus(status))
	}
	return filter
}
