package quota

import (
	"context"
	"errors"
	"time"

	"gateway/internal/infra"
	"gateway/internal/vault"

	"gorm.io/gorm"
)

// DenyReason 拒绝原因
type DenyReason string

const (
	DenyReasonQuotaExhausted DenyReason = "quota_exhausted" // 累计配额耗尽
	DenyReasonRateLimited    DenyReason = "rate_limited"    // 窗口限频
)

// Decision 配额判定结果
type Decision struct {
	Allowed   bool       `json:"allowed"`
	Reason    DenyReason `json:"reason,omitempty"`
	Remaining int64      `json:"remaining"`         // 剩余累计配额，-1 表示不限
	ResetAt   time.Time  `json:"resetAt,omitempty"` // 限频拒绝时的窗口终点
}

// TokenQuotaStatus 凭据配额视图（管理端只读）
type TokenQuotaStatus struct {
	TokenID     string    `json:"tokenId"`
	UsageCount  int64     `json:"usageCount"`
	Quota       int64     `json:"quota"`
	Remaining   int64     `json:"remaining"`
	RateLimit   int       `json:"rateLimit"`
	WindowCount int       `json:"windowCount"`
	WindowEnd   time.Time `json:"windowEnd,omitempty"`
}

// Enforcer 配额与限频执行器
// 判定与消耗在同一数据库事务、同一行锁内完成：
// 并发调用绝不会同时越过最后一个配额单位，拒绝不消耗配额。
type Enforcer struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time
}

// NewEnforcer 创建执行器
// window 为固定限频窗口尺寸，窗口起点对齐墙钟边界。
func NewEnforcer(db *gorm.DB, window time.Duration) *Enforcer {
	if window <= 0 {
		window = time.Minute
	}
	return &Enforcer{db: db, window: window, now: time.Now}
}

// CheckAndConsume 原子判定并消耗一次调用
// 通过时累计用量与窗口计数同事务提交；凭据不存在/已吊销/已过期按错误上抛。
func (e *Enforcer) CheckAndConsume(ctx context.Context, tokenID string) (*Decision, error) {
	var decision *Decision
	err := e.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var token vault.ProviderToken
		if err := infra.LockForUpdate(db).Where("id = ?", tokenID).First(&token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return vault.ErrTokenNotFound
			}
			return err
		}

		now := e.now().UTC()
		if token.Status == vault.TokenStatusRevoked {
			return vault.ErrTokenRevoked
		}
		if token.IsExpired(now) {
			return vault.ErrTokenExpired
		}

		// 累计配额判定
		if token.Quota > 0 && token.UsageCount >= token.Quota {
			decision = &Decision{Allowed: false, Reason: DenyReasonQuotaExhausted, Remaining: 0}
			return nil
		}

		// 固定窗口限频判定
		windowStart := now.Truncate(e.window)
		windowCount := token.WindowCount
		if token.WindowStart == nil || !token.WindowStart.Equal(windowStart) {
			windowCount = 0 // 新窗口，计数归零
		}
		if token.RateLimit > 0 && windowCount >= token.RateLimit {
			decision = &Decision{
				Allowed:   false,
				Reason:    DenyReasonRateLimited,
				Remaining: remaining(token.Quota, token.UsageCount),
				ResetAt:   windowStart.Add(e.window),
			}
			return nil
		}

		if err := db.Model(&token).Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"window_start": windowStart,
			"window_count": windowCount + 1,
		}).Error; err != nil {
			return err
		}

		decision = &Decision{
			Allowed:   true,
			Remaining: remaining(token.Quota, token.UsageCount+1),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Status 查询凭据配额视图（不消耗）
func (e *Enforcer) Status(ctx context.Context, tokenID string) (*TokenQuotaStatus, error) {
	var token vault.ProviderToken
	if err := e.db.WithContext(ctx).Where("id = ?", tokenID).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrTokenNotFound
		}
		return nil, err
	}

	status := &TokenQuotaStatus{
		TokenID:    token.ID,
		UsageCount: token.UsageCount,
		Quota:      token.Quota,
		Remaining:  remaining(token.Quota, token.UsageCount),
		RateLimit:  token.RateLimit,
	}

	// 只呈现仍然生效的窗口计数
	windowStart := e.now().UTC().Truncate(e.window)
	if token.WindowStart != nil && token.WindowStart.Equal(windowStart) {
		status.WindowCount = token.WindowCount
		status.WindowEnd = windowStart.Add(e.window)
	}
	return status, nil
}

func remaining(quota, used int64) int64 {
	if quota <= 0 {
		return -1
	}
	r := quota - used
	if r < 0 {
		r = 0
	}
	return r
}
