package vault

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gateway/internal/infra"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrTokenNotFound = errors.New("凭据不存在")
	ErrTokenRevoked  = errors.New("凭据已吊销")
	ErrTokenExpired  = errors.New("凭据已过期")
	ErrNoActiveToken = errors.New("没有可用的活动凭据")
)

// 轮换失败后建议的重试间隔
const rotateRetryAfter = 2 * time.Second

// RotateError 轮换失败
// 旧密文保持可用，RetryAfter 告知调用方多久后重试。
type RotateError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RotateError) Error() string {
	return fmt.Sprintf("凭据轮换失败（%s 后可重试）: %v", e.RetryAfter, e.Err)
}

func (e *RotateError) Unwrap() error {
	return e.Err
}

// StoreInput 凭据入库参数
type StoreInput struct {
	Plaintext string            // 明文凭据，仅在加密瞬间存在
	OwnerID   string            // 归属主体
	Quota     int64             // 累计调用配额，0 不限
	RateLimit int               // 每窗口调用上限，0 不限
	ExpiresAt *time.Time        // 过期时间，nil 不过期
	Metadata  map[string]string // 附加信息
	Activate  bool              // 入库后立即设为活动凭据
}

// Service 凭据保险库
// 密文进出均经 Cipher；任何方法都不会把明文写进日志或错误消息。
type Service struct {
	db     *gorm.DB
	cipher *Cipher

	// 轮换代数：活动凭据每次变更（轮换/吊销/切换）自增，
	// 派发器据此感知调用中途的凭据更替。
	generation atomic.Int64
}

// NewService 创建保险库服务
func NewService(db *gorm.DB, cipher *Cipher) *Service {
	return &Service{db: db, cipher: cipher}
}

// Generation 当前轮换代数
func (s *Service) Generation() int64 {
	return s.generation.Load()
}

// Store 加密入库
// Activate 为真时在同一事务内完成旧活动凭据降级与新凭据启用。
func (s *Service) Store(ctx context.Context, input *StoreInput) (*ProviderToken, error) {
	if input.OwnerID == "" {
		return nil, errors.New("凭据归属主体不能为空")
	}

	ciphertext, nonce, authTag, err := s.cipher.Encrypt(input.Plaintext)
	if err != nil {
		return nil, err
	}

	token := &ProviderToken{
		ID:         uuid.New().String(),
		OwnerID:    input.OwnerID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		AuthTag:    authTag,
		Status:     TokenStatusStandby,
		ExpiresAt:  input.ExpiresAt,
		Quota:      input.Quota,
		RateLimit:  input.RateLimit,
		Metadata:   input.Metadata,
	}

	if !input.Activate {
		if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
			return nil, fmt.Errorf("凭据入库失败: %w", err)
		}
		return sanitize(token), nil
	}

	token.Status = TokenStatusActive
	err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := demoteActive(db); err != nil {
			return err
		}
		return db.Create(token).Error
	})
	if err != nil {
		return nil, fmt.Errorf("凭据入库失败: %w", err)
	}

	s.generation.Add(1)
	return sanitize(token), nil
}

// Get 查询凭据元数据（不解密，密文字段已抹除）
func (s *Service) Get(ctx context.Context, id string) (*ProviderToken, error) {
	var token ProviderToken
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return sanitize(&token), nil
}

// List 列出全部凭据（密文字段已抹除）
func (s *Service) List(ctx context.Context) ([]ProviderToken, error) {
	var tokens []ProviderToken
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&tokens).Error; err != nil {
		return nil, err
	}
	for i := range tokens {
		sanitize(&tokens[i])
	}
	return tokens, nil
}

// Rotate 原子替换凭据密文
// 目标不存在时直接报错，绝不隐式创建；累计用量不随轮换清零。
func (s *Service) Rotate(ctx context.Context, id, newPlain string) (*ProviderToken, error) {
	ciphertext, nonce, authTag, err := s.cipher.Encrypt(newPlain)
	if err != nil {
		return nil, err
	}

	var rotated ProviderToken
	err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var token ProviderToken
		if err := infra.LockForUpdate(db).Where("id = ?", id).First(&token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotFound
			}
			return err
		}
		if token.Status == TokenStatusRevoked {
			return ErrTokenRevoked
		}

		now := time.Now().UTC()
		if err := db.Model(&token).Updates(map[string]interface{}{
			"ciphertext":      ciphertext,
			"nonce":           nonce,
			"auth_tag":        authTag,
			"last_rotated_at": now,
		}).Error; err != nil {
			return err
		}

		rotated = token
		rotated.LastRotatedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenRevoked) {
			return nil, err
		}
		// 存储层故障：旧密文仍然有效，带退避提示上抛
		return nil, &RotateError{RetryAfter: rotateRetryAfter, Err: err}
	}

	s.generation.Add(1)
	return sanitize(&rotated), nil
}

// Revoke 吊销凭据（幂等）
func (s *Service) Revoke(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var token ProviderToken
		if err := infra.LockForUpdate(db).Where("id = ?", id).First(&token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotFound
			}
			return err
		}
		if token.Status == TokenStatusRevoked {
			return nil // 重复吊销不报错
		}
		return db.Model(&token).Update("status", TokenStatusRevoked).Error
	})
	if err != nil {
		return err
	}

	s.generation.Add(1)
	return nil
}

// Restore 恢复已吊销的凭据为待命状态
// 恢复不会直接启用，需再经 Activate 切换。
func (s *Service) Restore(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&ProviderToken{}).
		Where("id = ? AND status = ?", id, TokenStatusRevoked).
		Update("status", TokenStatusStandby)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// Activate 切换活动凭据
// 单事务内完成旧活动凭据降级与目标凭据启用，保证活动凭据至多一行。
func (s *Service) Activate(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var token ProviderToken
		if err := infra.LockForUpdate(db).Where("id = ?", id).First(&token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotFound
			}
			return err
		}
		if token.Status == TokenStatusRevoked {
			return ErrTokenRevoked
		}
		if token.IsExpired(time.Now().UTC()) {
			return ErrTokenExpired
		}
		if token.Status == TokenStatusActive {
			return nil
		}

		if err := demoteActive(db); err != nil {
			return err
		}
		return db.Model(&token).Update("status", TokenStatusActive).Error
	})
	if err != nil {
		return err
	}

	s.generation.Add(1)
	return nil
}

// ActiveID 解析活动凭据的标识（不解密）
// 配额检查只需要标识，解密推迟到派发器实际发起调用时。
func (s *Service) ActiveID(ctx context.Context) (string, error) {
	var token ProviderToken
	err := s.db.WithContext(ctx).
		Select("id", "status", "expires_at").
		Where("status = ?", TokenStatusActive).
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoActiveToken
	}
	if err != nil {
		return "", err
	}
	if token.IsExpired(time.Now().UTC()) {
		return "", fmt.Errorf("%w: token=%s", ErrTokenExpired, token.ID)
	}
	return token.ID, nil
}

// GetActive 查找活动凭据并解密
// 找不到、已吊销、已过期、解密失败一律响亮报错，绝不返回空凭据。
func (s *Service) GetActive(ctx context.Context) (*ActiveToken, error) {
	var token ProviderToken
	err := s.db.WithContext(ctx).
		Where("status = ?", TokenStatusActive).
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveToken
	}
	if err != nil {
		return nil, err
	}

	if token.IsExpired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: token=%s", ErrTokenExpired, token.ID)
	}

	plain, err := s.cipher.Decrypt(token.Ciphertext, token.Nonce, token.AuthTag)
	if err != nil {
		return nil, err
	}

	return &ActiveToken{ID: token.ID, OwnerID: token.OwnerID, Key: plain}, nil
}

// ListExpiring 列出窗口内将到期的未吊销凭据（到期巡检用，不解密）
func (s *Service) ListExpiring(ctx context.Context, within time.Duration) ([]ProviderToken, error) {
	cutoff := time.Now().UTC().Add(within)
	var tokens []ProviderToken
	err := s.db.WithContext(ctx).
		Where("status <> ?", TokenStatusRevoked).
		Where("expires_at IS NOT NULL AND expires_at <= ?", cutoff).
		Order("expires_at ASC").
		Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	for i := range tokens {
		sanitize(&tokens[i])
	}
	return tokens, nil
}

// ResetUsage 显式清零累计用量（管理操作，轮换本身不触发）
func (s *Service) ResetUsage(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&ProviderToken{}).
		Where("id = ?", id).
		Update("usage_count", 0)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// demoteActive 把当前活动凭据降为待命
func demoteActive(db *gorm.DB) error {
	return db.Model(&ProviderToken{}).
		Where("status = ?", TokenStatusActive).
		Update("status", TokenStatusStandby).Error
}

// sanitize 抹除密文字段，供对外返回
func sanitize(t *ProviderToken) *ProviderToken {
	t.Ciphertext = nil
	t.Nonce = nil
	t.AuthTag = nil
	return t
}
