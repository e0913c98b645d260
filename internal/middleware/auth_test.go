package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/internal/service"
	"github.com/noah-isme/prm-deal-api/pkg/logger"
)

const secret = "middleware-secret"

func bearer(t *testing.T, userID string, role models.UserRole, partnerID string) string {
	t.Helper()
	claims := models.JWTClaims{
		UserID:    userID,
		Role:      role,
		PartnerID: partnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + token
}

func protectedRouter(roles ...models.UserRole) *gin.Engine {
	gin.SetMode(gin.TestMode)
	auth := service.NewAuthService(nil, service.AuthConfig{AccessTokenSecret: secret})
	router := gin.New()
	router.GET("/deals", JWT(auth), RequireRoles(roles...), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": c.GetString(logger.ActorKey), "partner": Claims(c).PartnerID})
	})
	return router
}

func TestJWTAndRoles(t *testing.T) {
	router := protectedRouter(models.RolePartner, models.RoleManager)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"role not allowed", bearer(t, "exe-1", models.RoleExecutive, ""), http.StatusForbidden},
		{"partner without partner id", bearer(t, "usr-1", models.RolePartner, ""), http.StatusUnauthorized},
		{"manager", bearer(t, "mgr-1", models.RoleManager, ""), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/deals", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestJWTExposesActor(t *testing.T) {
	router := protectedRouter(models.RolePartner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/deals", nil)
	req.Header.Set("Authorization", bearer(t, "usr-9", models.RolePartner, "p-gold"))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "usr-9", body["actor"])
	assert.Equal(t, "p-gold", body["partner"])
}

func TestRequireRolesWithoutClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", RequireRoles(models.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
