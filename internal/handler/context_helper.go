package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/prm-deal-api/internal/middleware"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
	"github.com/noah-isme/prm-deal-api/pkg/response"
)

// currentActor resolves the authenticated actor, answering 401 when the
// request carries no claims.
func currentActor(c *gin.Context) (models.Actor, bool) {
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.Actor{}, false
	}
	return claims.Actor(), true
}

// bindJSON decodes the request body, answering 400 on malformed input.
func bindJSON(c *gin.Context, dest interface{}, what string) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid "+what+" payload"))
		return false
	}
	return true
}

func pageParams(c *gin.Context) (page, size int) {
	page, size = 1, 50
	if v, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && v > 0 {
		size = v
	}
	return page, size
}

// splitList reads a comma separated query value, upper-casing each element.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
