package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/prm-deal-api/internal/middleware"
	"github.com/noah-isme/prm-deal-api/internal/models"
)

type fakePipeline struct {
	hit bool
	err error
}

func (f fakePipeline) Overview(context.Context) (*models.PipelineOverview, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return &models.PipelineOverview{Stages: map[models.DealStage]models.StageSummary{
		models.StageWon: {Stage: models.StageWon, Count: 2, TotalValue: decimal.NewFromInt(700)},
	}}, f.hit, nil
}

func TestPipelineHandlerOverview(t *testing.T) {
	r := newRouter(managerClaims)
	r.Use(middleware.WithResponseMeta())
	r.GET("/pipeline", NewPipelineHandler(fakePipeline{hit: true}).Overview)

	rec, env := perform(t, r, http.MethodGet, "/pipeline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, env.Meta["cache_hit"])
	assert.Contains(t, env.Meta, "processing_time_ms")

	var overview models.PipelineOverview
	require.NoError(t, json.Unmarshal(env.Data, &overview))
	assert.Equal(t, 2, overview.Stages[models.StageWon].Count)
}

func TestPipelineHandlerWithoutService(t *testing.T) {
	r := newRouter(managerClaims)
	r.GET("/pipeline", NewPipelineHandler(nil).Overview)
	rec, _ := perform(t, r, http.MethodGet, "/pipeline", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
