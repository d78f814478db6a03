package vault

import "time"

// TokenStatus 凭据状态
// expired 不是落盘状态，由 ExpiresAt 推导。
type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "active"  // 当前派发使用的凭据（同一部署语境至多一行）
	TokenStatusStandby TokenStatus = "standby" // 已入库但未启用
	TokenStatusRevoked TokenStatus = "revoked" // 已吊销
)

// StatusExpired 对外呈现的推导状态
const StatusExpired = "expired"

// ProviderToken 上游凭据（密文形态）
// 明文只在入库加密与派发前解密的瞬间存在于进程内存。
// 配额与限频窗口和凭据同行存储，保证消耗判定在单事务内完成。
type ProviderToken struct {
	ID      string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID string `json:"ownerId" gorm:"type:uuid;index;not null"`

	Ciphertext []byte `json:"-" gorm:"not null"`
	Nonce      []byte `json:"-" gorm:"not null"`
	AuthTag    []byte `json:"-" gorm:"not null"`

	Status        TokenStatus `json:"status" gorm:"size:32;not null;default:standby;index"`
	ExpiresAt     *time.Time  `json:"expiresAt,omitempty"`
	LastRotatedAt *time.Time  `json:"lastRotatedAt,omitempty"`

	UsageCount int64 `json:"usageCount" gorm:"not null;default:0"` // 累计已用调用数（跨轮换累计）
	Quota      int64 `json:"quota" gorm:"not null;default:0"`      // 累计调用配额，0 表示不限
	RateLimit  int   `json:"rateLimit" gorm:"not null;default:0"`  // 每窗口调用上限，0 表示不限

	// 固定限频窗口状态
	WindowStart *time.Time `json:"-"`
	WindowCount int        `json:"-" gorm:"not null;default:0"`

	Metadata  map[string]string `json:"metadata,omitempty" gorm:"type:jsonb;default:'{}';serializer:json"`
	CreatedAt time.Time         `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time         `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (ProviderToken) TableName() string {
	return "provider_tokens"
}

// IsExpired 是否已过期
func (t *ProviderToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// EffectiveStatus 对外呈现的状态（含推导的 expired）
func (t *ProviderToken) EffectiveStatus(now time.Time) string {
	if t.Status != TokenStatusRevoked && t.IsExpired(now) {
		return StatusExpired
	}
	return string(t.Status)
}

// ActiveToken 解密后的活动凭据
// Key 为明文，调用方用完即弃，绝不写日志、落盘或进入响应。
type ActiveToken struct {
	ID      string
	OwnerID string
	Key     string
}
