package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/prm-deal-api/internal/middleware"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
	"github.com/noah-isme/prm-deal-api/pkg/response"
)

type pipelineService interface {
	Overview(ctx context.Context) (*models.PipelineOverview, bool, error)
}

// PipelineHandler serves the pipeline overview.
type PipelineHandler struct {
	service pipelineService
}

// NewPipelineHandler constructs the handler.
func NewPipelineHandler(service pipelineService) *PipelineHandler {
	return &PipelineHandler{service: service}
}

// Overview godoc
// @Summary Deal count and total value per stage
// @Tags Pipeline
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /pipeline [get]
func (h *PipelineHandler) Overview(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	overview, cacheHit, err := h.service.Overview(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	middleware.SetMeta(c, "generated_at", overview.GeneratedAt)
	response.JSON(c, http.StatusOK, overview, nil, middleware.ExtractMeta(c))
}
