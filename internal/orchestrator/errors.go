package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// ErrRequestNotFound 审计记录不存在
var ErrRequestNotFound = errors.New("推理请求不存在")

// ErrorKind 网关对外错误类别（封闭集合）
type ErrorKind string

const (
	// KindConfiguration 主密钥或活动凭据缺失，不应继续服务
	KindConfiguration ErrorKind = "configuration_error"
	// KindValidation 请求描述不合法，未触达任何下游
	KindValidation ErrorKind = "validation_error"
	// KindInsufficientBalance 余额或日额度不足，未触达上游
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	// KindQuotaExceeded 凭据累计配额耗尽
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	// KindRateLimited 凭据窗口内调用数超限
	KindRateLimited ErrorKind = "rate_limited"
	// KindUpstreamTransient 上游瞬时故障且重试耗尽
	KindUpstreamTransient ErrorKind = "upstream_transient"
	// KindUpstreamPermanent 上游 4xx 类终态错误，不重试
	KindUpstreamPermanent ErrorKind = "upstream_permanent"
	// KindLedgerIntegrity 上游已履约但扣费落账失败，需对账跟进
	KindLedgerIntegrity ErrorKind = "ledger_integrity"
	// KindInternal 网关内部故障
	KindInternal ErrorKind = "internal_error"
)

// GatewayError 网关统一错误
// 下层的结构化错误在编排器翻译为本类型，对外不暴露存储与加密细节。
type GatewayError struct {
	Kind    ErrorKind  `json:"kind"`
	Message string     `json:"message"`
	ResetAt *time.Time `json:"resetAt,omitempty"` // 配额/限流/日额度拒绝时的窗口边界
	Err     error      `json:"-"`
}

// Error 实现 error 接口
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap 返回原始错误
func (e *GatewayError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}
