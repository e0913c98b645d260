package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
	"github.com/noah-isme/prm-deal-api/pkg/response"
)

type ruleSetService interface {
	Active(ctx context.Context) (*models.RuleSet, error)
	Version(ctx context.Context, version int) (*models.RuleSet, error)
	Publish(ctx context.Context, req dto.PublishRuleSetRequest, actor models.Actor) (*models.RuleSet, error)
}

// ScoringHandler manages versioned scoring rule sets.
type ScoringHandler struct {
	rules ruleSetService
}

// NewScoringHandler constructs the handler.
func NewScoringHandler(rules ruleSetService) *ScoringHandler {
	return &ScoringHandler{rules: rules}
}

// Active godoc
// @Summary Active scoring rule set
// @Tags Scoring
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /scoring/rules [get]
func (h *ScoringHandler) Active(c *gin.Context) {
	set, err := h.rules.Active(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, set, nil)
}

// Version godoc
// @Summary Scoring rule set by version
// @Tags Scoring
// @Produce json
// @Param version path int true "Rule set version"
// @Success 200 {object} response.Envelope
// @Router /scoring/rules/{version} [get]
func (h *ScoringHandler) Version(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "version must be an integer"))
		return
	}
	set, err := h.rules.Version(c.Request.Context(), version)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, set, nil)
}

// Publish godoc
// @Summary Publish a new scoring rule set version (administrators)
// @Tags Scoring
// @Accept json
// @Produce json
// @Param payload body dto.PublishRuleSetRequest true "Rules"
// @Success 201 {object} response.Envelope
// @Router /scoring/rules [post]
func (h *ScoringHandler) Publish(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req dto.PublishRuleSetRequest
	if !bindJSON(c, &req, "rule set") {
		return
	}
	set, err := h.rules.Publish(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, set)
}
