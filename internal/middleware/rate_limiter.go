package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gateway/internal/auth"
	"gateway/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiterConfig 限流配置
type RateLimiterConfig struct {
	RequestsPerMinute int           // 每分钟请求数
	BurstSize         int           // 内存降级路径的突发容量
	CleanupInterval   time.Duration // 内存状态清理间隔
}

// DefaultRateLimiterConfig 默认配置
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerMinute: 300,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// clientState 内存降级路径的客户端状态
type clientState struct {
	tokens      float64
	lastUpdate  time.Time
	requests    int64     // 分钟内请求数
	minuteStart time.Time // 分钟计数开始时间
}

// RateLimiter HTTP 层限流器
// 首选 Redis 固定窗口（INCR+EXPIRE），多实例部署共享计数；
// Redis 缺失或故障时降级为进程内令牌桶，保证限流自身不拖垮服务。
type RateLimiter struct {
	config   *RateLimiterConfig
	rdb      redis.UniversalClient // 可为 nil
	clients  map[string]*clientState
	mu       sync.RWMutex
	stopCh   chan struct{}
	warnOnce sync.Once
}

// NewRateLimiter 创建限流器
func NewRateLimiter(config *RateLimiterConfig, rdb redis.UniversalClient) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}

	rl := &RateLimiter{
		config:  config,
		rdb:     rdb,
		clients: make(map[string]*clientState),
		stopCh:  make(chan struct{}),
	}

	// 启动清理协程
	go rl.cleanup()

	return rl
}

// Allow 检查是否允许请求
// 返回是否放行与建议的重试等待秒数。
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int) {
	if rl.rdb != nil {
		allowed, retryAfter, err := rl.allowRedis(ctx, key)
		if err == nil {
			return allowed, retryAfter
		}
		rl.warnOnce.Do(func() {
			logger.Warn("限流器降级为内存模式", zap.Error(err))
		})
	}
	return rl.allowMemory(key), 1
}

// allowRedis Redis 固定窗口计数
func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, int, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := rl.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := rl.rdb.Expire(ctx, redisKey, time.Minute).Err(); err != nil {
			return false, 0, err
		}
	}

	if count > int64(rl.config.RequestsPerMinute) {
		retryAfter := 1
		if ttl, err := rl.rdb.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
			retryAfter = int(ttl.Seconds()) + 1
		}
		return false, retryAfter, nil
	}

	return true, 0, nil
}

// allowMemory 进程内令牌桶 + 分钟计数
func (rl *RateLimiter) allowMemory(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	state, exists := rl.clients[key]

	if !exists {
		rl.clients[key] = &clientState{
			tokens:      float64(rl.config.BurstSize - 1),
			lastUpdate:  now,
			requests:    1,
			minuteStart: now,
		}
		return true
	}

	// 令牌桶：按分钟速率折算补充令牌
	ratePerSecond := float64(rl.config.RequestsPerMinute) / 60.0
	elapsed := now.Sub(state.lastUpdate).Seconds()
	state.tokens += elapsed * ratePerSecond
	if state.tokens > float64(rl.config.BurstSize) {
		state.tokens = float64(rl.config.BurstSize)
	}
	state.lastUpdate = now

	// 分钟计数窗口滚动
	if now.Sub(state.minuteStart) > time.Minute {
		state.requests = 0
		state.minuteStart = now
	}

	if rl.config.RequestsPerMinute > 0 && state.requests >= int64(rl.config.RequestsPerMinute) {
		return false
	}

	if state.tokens < 1 {
		return false
	}

	state.tokens--
	state.requests++
	return true
}

// cleanup 定期清理过期的内存状态
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, state := range rl.clients {
				if now.Sub(state.lastUpdate) > 10*time.Minute {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop 停止限流器
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// RateLimitMiddleware 限流中间件
// 已认证请求按 owner 维度计数，未认证请求退回客户端 IP。
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if principal, ok := auth.GetPrincipal(c); ok {
			key = principal.OwnerID
		}

		allowed, retryAfter := limiter.Allow(c.Request.Context(), key)
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "请求过于频繁，请稍后重试",
				"code":        "RATE_LIMIT_EXCEEDED",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
