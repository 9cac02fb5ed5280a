package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newAuthRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Authentication(token))
	router.GET("/read", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/write", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestAuthentication(t *testing.T) {
	do := func(router *gin.Engine, method, path, auth string) int {
		req := httptest.NewRequest(method, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("NoTokenConfigured", func(t *testing.T) {
		router := newAuthRouter("")
		assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/read", ""))
		assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/write", ""))
	})

	t.Run("ReadsPassUnauthenticated", func(t *testing.T) {
		router := newAuthRouter("secret")
		assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/read", ""))
	})

	t.Run("WritesNeedBearerToken", func(t *testing.T) {
		router := newAuthRouter("secret")
		assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodPost, "/write", ""))
		assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodPost, "/write", "Bearer wrong"))
		assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/write", "Bearer secret"))
	})
}
