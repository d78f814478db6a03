package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"gateway/internal/auth"
	"gateway/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", "console", "stderr"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newMemoryLimiter(t *testing.T, rpm, burst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	}, nil)
	t.Cleanup(rl.Stop)
	return rl
}

func TestMemoryLimiterExhaustsBurst(t *testing.T) {
	rl := newMemoryLimiter(t, 300, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if allowed, _ := rl.Allow(ctx, "client-1"); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if allowed, _ := rl.Allow(ctx, "client-1"); allowed {
		t.Fatal("request beyond burst should be denied")
	}
}

func TestMemoryLimiterMinuteCap(t *testing.T) {
	rl := newMemoryLimiter(t, 2, 100)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, _ := rl.Allow(ctx, "client-1"); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if allowed, _ := rl.Allow(ctx, "client-1"); allowed {
		t.Fatal("request beyond minute cap should be denied")
	}
}

func TestMemoryLimiterIsolatesKeys(t *testing.T) {
	rl := newMemoryLimiter(t, 300, 1)
	ctx := context.Background()

	if allowed, _ := rl.Allow(ctx, "client-a"); !allowed {
		t.Fatal("first request for client-a should be allowed")
	}
	if allowed, _ := rl.Allow(ctx, "client-b"); !allowed {
		t.Fatal("first request for client-b should be allowed")
	}
}

func TestRedisFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerMinute: 3,
		BurstSize:         100,
		CleanupInterval:   time.Minute,
	}, client)
	defer rl.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		allowed, _ := rl.Allow(ctx, "owner-1")
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, retryAfter := rl.Allow(ctx, "owner-1")
	if allowed {
		t.Fatal("request beyond window limit should be denied")
	}
	if retryAfter <= 0 || retryAfter > 61 {
		t.Fatalf("unexpected retry_after %d", retryAfter)
	}

	// 窗口过期后计数重置
	mr.FastForward(61 * time.Second)
	if allowed, _ := rl.Allow(ctx, "owner-1"); !allowed {
		t.Fatal("request in fresh window should be allowed")
	}
}

func TestRedisDownFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerMinute: 300,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	}, client)
	defer rl.Stop()

	ctx := context.Background()
	if allowed, _ := rl.Allow(ctx, "owner-1"); !allowed {
		t.Fatal("fallback path should allow first request")
	}
	if allowed, _ := rl.Allow(ctx, "owner-1"); !allowed {
		t.Fatal("fallback path should allow request within burst")
	}
	if allowed, _ := rl.Allow(ctx, "owner-1"); allowed {
		t.Fatal("fallback path should deny request beyond burst")
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newMemoryLimiter(t, 300, 1)

	r := gin.New()
	r.Use(RateLimitMiddleware(rl))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", second.Code)
	}
}

func TestRateLimitMiddlewareKeysByOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newMemoryLimiter(t, 300, 1)

	owner := "owner-a"
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(string(auth.PrincipalContextKey), &auth.Principal{OwnerID: owner, Role: "caller"})
		c.Next()
	})
	r.Use(RateLimitMiddleware(rl))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected status 200 for owner-a, got %d", first.Code)
	}

	// 不同 owner 各自计数
	owner = "owner-b"
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if second.Code != http.StatusOK {
		t.Fatalf("expected status 200 for owner-b, got %d", second.Code)
	}

	third := httptest.NewRecorder()
	r.ServeHTTP(third, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for owner-b second request, got %d", third.Code)
	}
}
