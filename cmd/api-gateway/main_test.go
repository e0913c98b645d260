package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/handler"
	"github.com/noah-isme/prm-deal-api/internal/models"
)

type tokenTable map[string]*models.JWTClaims

func (t tokenTable) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := t[token]; ok {
		return claims, nil
	}
	return nil, errors.New("unknown token")
}

type workflowAPI interface {
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

// closingWorkflow only implements CloseDeal; reaching any other method panics.
type closingWorkflow struct {
	workflowAPI
	closedBy []models.Actor
	outcome  string
}

func (w *closingWorkflow) CloseDeal(_ context.Context, id string, req dto.CloseDealRequest, actor models.Actor) (*dto.TransitionResult, error) {
	w.closedBy = append(w.closedBy, actor)
	w.outcome = req.Outcome
	return &dto.TransitionResult{Deal: &models.Deal{ID: id, Stage: models.StageLost}}, nil
}

func TestPartnersCanReachDealClose(t *testing.T) {
	gin.SetMode(gin.TestMode)
	wf := &closingWorkflow{}
	r := gin.New()
	registerRoutes(r.Group("/api/v1"), routeDeps{
		auth: tokenTable{
			"partner": {UserID: "usr-1", Role: models.RolePartner, PartnerID: "p-bronze"},
		},
		deals: handler.NewDealHandler(wf),
	})

	call := func(path, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer partner")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("/api/v1/deals/deal-1/close", `{"outcome":"LOST","reason":"withdrawn"}`))
	require.Len(t, wf.closedBy, 1)
	assert.Equal(t, models.Actor{ID: "usr-1", Role: models.RolePartner, PartnerID: "p-bronze"}, wf.closedBy[0])
	assert.Equal(t, "LOST", wf.outcome)

	assert.Equal(t, http.StatusForbidden, call("/api/v1/deals/deal-1/gates/MANAGER_REVIEW", `{"decision":"APPROVED"}`))
	assert.Equal(t, http.StatusForbidden, call("/api/v1/deals/deal-1/override", `{"targetStage":"WON","reason":"x"}`))
	assert.Len(t, wf.closedBy, 1)
}
