package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"peerlink/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func rateLimitRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doGet(router *gin.Engine, forwardedFor string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitDisabledPassesAll(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := rateLimitRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, doGet(router, ""))
	}
}

func TestRateLimitThrottlesBurst(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := rateLimitRouter(cfg)

	assert.Equal(t, http.StatusOK, doGet(router, ""))
	assert.Equal(t, http.StatusTooManyRequests, doGet(router, ""))
}

func TestRateLimitIsPerClientIP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := rateLimitRouter(cfg)

	assert.Equal(t, http.StatusOK, doGet(router, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, doGet(router, "10.0.0.1"))

	// A different client keeps its own bucket.
	assert.Equal(t, http.StatusOK, doGet(router, "10.0.0.2"))
}
