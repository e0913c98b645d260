package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
	"github.com/noah-isme/prm-deal-api/pkg/response"
)

type auditLister interface {
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, *models.Pagination, error)
}

type dealGetter interface {
	GetDeal(ctx context.Context, id string, actor models.Actor) (*dto.DealDetail, error)
}

// AuditHandler exposes the append-only audit log.
type AuditHandler struct {
	audit auditLister
	deals dealGetter
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(audit auditLister, deals dealGetter) *AuditHandler {
	return &AuditHandler{audit: audit, deals: deals}
}

// DealTrail godoc
// @Summary Audit trail of one deal
// @Tags Audit
// @Produce json
// @Param id path string true "Deal ID"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /deals/{id}/audit [get]
func (h *AuditHandler) DealTrail(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	dealID := c.Param("id")
	// partners may only read the trail of deals they can see
	if _, err := h.deals.GetDeal(c.Request.Context(), dealID, actor); err != nil {
		response.Error(c, err)
		return
	}
	filter := models.AuditFilter{EntityType: models.AuditEntityDeal, EntityID: dealID}
	page, size := pageParams(c)
	filter.Limit = size
	filter.Offset = (page - 1) * size

	entries, pagination, err := h.audit.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

// List godoc
// @Summary Search the audit log (compliance and administrators)
// @Tags Audit
// @Produce json
// @Param entityType query string false "DEAL, CONFLICT or RULE_SET"
// @Param entityId query string false "Entity ID"
// @Param actorId query string false "Actor ID"
// @Param action query string false "Comma separated action types"
// @Param outcome query string false "SUCCESS or FAILURE"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Success 200 {object} response.Envelope
// @Router /audit [get]
func (h *AuditHandler) List(c *gin.Context) {
	filter, err := parseAuditFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	entries, pagination, err := h.audit.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

func parseAuditFilter(c *gin.Context) (models.AuditFilter, error) {
	filter := models.AuditFilter{
		EntityType: models.AuditEntityType(strings.ToUpper(c.Query("entityType"))),
		EntityID:   c.Query("entityId"),
		ActorID:    c.Query("actorId"),
		Outcome:    models.AuditOutcome(strings.ToUpper(c.Query("outcome"))),
	}
	for _, action := range splitList(c.Query("action")) {
		filter.Actions = append(filter.Actions, models.AuditAction(action))
	}
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrValidation, "invalid from parameter")
		}
		filter.From = &parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrValidation, "invalid to parameter")
		}
		filter.To = &parsed
	}
	page, size := pageParams(c)
	filter.Limit = size
	filter.Offset = (page - 1) * size
	return filter, nil
}
