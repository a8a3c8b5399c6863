package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func hit(router http.Handler, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = ip + ":12345"
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		requestCount   int
		rateLimit      rate.Limit
		burst          int
		expectedStatus int
	}{
		{"under limit", 5, rate.Limit(10), 10, http.StatusOK},
		{"at burst limit", 10, rate.Limit(1), 10, http.StatusOK},
		{"over limit", 15, rate.Limit(1), 10, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := limitedRouter(NewRateLimiter(tt.rateLimit, tt.burst))

			var lastStatus int
			for i := 0; i < tt.requestCount; i++ {
				lastStatus = hit(router, "192.168.1.100").Code
			}
			if lastStatus != tt.expectedStatus {
				t.Errorf("Expected final status %d, got %d", tt.expectedStatus, lastStatus)
			}
		})
	}
}

func TestRateLimitMiddlewareErrorResponse(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := hit(router, "192.168.1.100"); w.Code != http.StatusOK {
		t.Errorf("First request should succeed, got status %d", w.Code)
	}
	w := hit(router, "192.168.1.100")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be rate limited, got status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Rate limit exceeded") {
		t.Errorf("Expected rate limit error message, got: %s", w.Body.String())
	}
}

func TestRateLimitMiddlewareDifferentIPs(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := hit(router, "192.168.1.1"); w.Code != http.StatusOK {
		t.Errorf("First IP should succeed, got status %d", w.Code)
	}
	if w := hit(router, "192.168.1.2"); w.Code != http.StatusOK {
		t.Errorf("Second IP should succeed, got status %d", w.Code)
	}
}

func TestPruneDropsIdleLimiters(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(rate.Limit(10), 20)
	rl.now = func() time.Time { return now }

	rl.allow("10.0.0.1")
	now = now.Add(20 * time.Minute)
	rl.allow("10.0.0.2")

	if left := rl.prune(limiterIdle); left != 1 {
		t.Fatalf("Expected 1 limiter after prune, got %d", left)
	}
	if _, ok := rl.limiters["10.0.0.2"]; !ok {
		t.Error("Recently used limiter should survive the prune")
	}
}
