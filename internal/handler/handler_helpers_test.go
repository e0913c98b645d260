package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/prm-deal-api/internal/middleware"
	"github.com/noah-isme/prm-deal-api/internal/models"
)

type envelope struct {
	Data       json.RawMessage        `json:"data"`
	Error      *struct{ Code string } `json:"error"`
	Pagination *models.Pagination     `json:"pagination"`
	Meta       map[string]interface{} `json:"meta"`
}

// asUser injects claims the way the JWT middleware would.
func asUser(claims *models.JWTClaims) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims != nil {
			c.Set(middleware.ContextUserKey, claims)
		}
		c.Next()
	}
}

func newRouter(claims *models.JWTClaims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(asUser(claims))
	return r
}

func perform(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

var (
	partnerClaims = &models.JWTClaims{UserID: "usr-1", Role: models.RolePartner, PartnerID: "p-gold"}
	managerClaims = &models.JWTClaims{UserID: "mgr-1", Role: models.RoleManager}
	adminClaims   = &models.JWTClaims{UserID: "adm-1", Role: models.RoleAdmin}
)
