package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
	"github.com/noah-isme/prm-deal-api/pkg/response"
)

type commissionStatementService interface {
	Statement(ctx context.Context, partnerID string, query dto.CommissionStatementQuery, actor models.Actor) (*dto.RenderedFile, error)
}

// CommissionHandler streams commission statements.
type CommissionHandler struct {
	statements commissionStatementService
}

// NewCommissionHandler constructs the handler.
func NewCommissionHandler(statements commissionStatementService) *CommissionHandler {
	return &CommissionHandler{statements: statements}
}

// Statement godoc
// @Summary Download a partner commission statement
// @Tags Commission
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Partner ID"
// @Param from query string false "First close date (YYYY-MM-DD), defaults to the start of this month"
// @Param to query string false "Last close date (YYYY-MM-DD), inclusive"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Router /partners/{id}/commission-statement [get]
func (h *CommissionHandler) Statement(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var query dto.CommissionStatementQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid statement query"))
		return
	}
	statement, err := h.statements.Statement(c.Request.Context(), c.Param("id"), query, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, statement.Filename, statement.ContentType, statement.Body)
}
