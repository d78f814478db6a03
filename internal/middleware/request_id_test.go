package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"gateway/internal/logger"

	"github.com/gin-gonic/gin"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())

	var ctxID, ginID, logTraceID string
	r.GET("/ping", func(c *gin.Context) {
		ctxID = GetRequestID(c.Request.Context())
		ginID = GetRequestIDFromGin(c)
		logTraceID = logger.GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ping", nil))

	headerID := resp.Header().Get(HeaderRequestID)
	if headerID == "" {
		t.Fatal("expected X-Request-ID response header")
	}
	if ctxID != headerID || ginID != headerID {
		t.Fatalf("request id mismatch: header=%s ctx=%s gin=%s", headerID, ctxID, ginID)
	}
	if logTraceID != headerID {
		t.Fatalf("expected logger trace id %s, got %s", headerID, logTraceID)
	}
}

func TestRequestIDMiddlewarePropagatesIncoming(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "req-upstream-42")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if got := resp.Header().Get(HeaderRequestID); got != "req-upstream-42" {
		t.Fatalf("expected propagated request id, got %s", got)
	}
}
