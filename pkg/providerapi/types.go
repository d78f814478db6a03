package providerapi

import (
	"context"
	"fmt"
)

// Category 推理请求类别（封闭集合，计费费率按类别区分）
type Category string

const (
	CategoryText  Category = "text"  // 文本生成
	CategoryImage Category = "image" // 图像生成
	CategoryCode  Category = "code"  // 代码生成
)

// ParseCategory 校验并解析类别标签
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryText, CategoryImage, CategoryCode:
		return Category(s), nil
	default:
		return "", fmt.Errorf("不支持的推理类别: %q (可选: text, image, code)", s)
	}
}

// RequestSpec 调用方提交的推理请求描述
type RequestSpec struct {
	Category   string            `json:"category"`              // text, image, code
	Model      string            `json:"model,omitempty"`       // 目标模型，缺省使用网关默认值
	Prompt     string            `json:"prompt"`                // 提示词
	MaxTokens  int               `json:"max_tokens,omitempty"`  // 生成 Token 上限（text/code）
	ImageCount int               `json:"image_count,omitempty"` // 出图张数（image，默认 1）
	ImageSize  string            `json:"image_size,omitempty"`  // 图像尺寸（image，默认 1024x1024）
	Metadata   map[string]string `json:"metadata,omitempty"`    // 调用方附加信息
}

// InvocationRequest 派发到上游的归一化请求
type InvocationRequest struct {
	Category   Category `json:"category"`
	Model      string   `json:"model"`
	Prompt     string   `json:"prompt"`
	MaxTokens  int      `json:"max_tokens,omitempty"`
	ImageCount int      `json:"image_count,omitempty"`
	ImageSize  string   `json:"image_size,omitempty"`
}

// InvocationResponse 上游响应
type InvocationResponse struct {
	ID        string   `json:"id"`                   // 上游响应 ID
	Model     string   `json:"model"`                // 实际使用的模型
	Content   string   `json:"content,omitempty"`    // 生成内容（text/code）
	ImageURLs []string `json:"image_urls,omitempty"` // 图像地址（image）
	Usage     Usage    `json:"usage"`                // Token 使用情况
}

// Usage Token 使用情况
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`     // 输入 Token 数
	CompletionTokens int `json:"completion_tokens"` // 输出 Token 数
	TotalTokens      int `json:"total_tokens"`      // 总 Token 数
}

// Client 上游推理客户端统一接口
type Client interface {
	// Invoke 执行一次上游调用（按类别路由到补全或出图端点）
	Invoke(ctx context.Context, req *InvocationRequest) (*InvocationResponse, error)

	// Name 返回客户端名称（如 "openai"）
	Name() string

	// Close 关闭客户端连接
	Close() error
}

// ClientConfig 客户端配置
type ClientConfig struct {
	APIKey  string // 上游凭据（来自保险库，仅存活于进程内存）
	BaseURL string // 基础 URL
	OrgID   string // 组织 ID（OpenAI）
}

// ClientFactory 上游客户端工厂
// 派发器在凭据轮换后用新密钥重建客户端。
type ClientFactory interface {
	// CreateClient 根据配置创建上游客户端
	CreateClient(config *ClientConfig) (Client, error)
}

// ErrorType 错误类型
type ErrorType string

const (
	ErrorTypeAuth          ErrorType = "auth"           // 认证错误
	ErrorTypeRateLimit     ErrorType = "rate_limit"     // 速率限制
	ErrorTypeInvalidParams ErrorType = "invalid_params" // 参数错误
	ErrorTypeServerError   ErrorType = "server_error"   // 服务器错误
	ErrorTypeNetwork       ErrorType = "network"        // 网络错误
	ErrorTypeTimeout       ErrorType = "timeout"        // 单次尝试超时
	ErrorTypeUnknown       ErrorType = "unknown"        // 未知错误
)

// ClientError 客户端错误
type ClientError struct {
	Type    ErrorType // 错误类型
	Message string    // 错误消息
	Err     error     // 原始错误
}

// Error 实现error接口
func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 返回原始错误
func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否可重试
// 网络抖动、超时与上游 5xx/限流可重试；认证与参数错误为终态。
func (e *ClientError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeServerError, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}
