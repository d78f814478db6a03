package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"gateway/pkg/providerapi"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient OpenAI 客户端适配器
// 只做单次调用与错误分类，重试策略由派发器统一控制。
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient 创建 OpenAI 客户端
func NewOpenAIClient(config *providerapi.ClientConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, &providerapi.ClientError{
			Type:    providerapi.ErrorTypeAuth,
			Message: "OpenAI API Key 不能为空",
		}
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &OpenAIClient{client: openai.NewClientWithConfig(clientConfig)}, nil
}

// Invoke 执行一次上游调用，按类别路由到补全或出图端点
func (c *OpenAIClient) Invoke(ctx context.Context, req *providerapi.InvocationRequest) (*providerapi.InvocationResponse, error) {
	switch req.Category {
	case providerapi.CategoryImage:
		return c.createImage(ctx, req)
	default:
		return c.createCompletion(ctx, req)
	}
}

func (c *OpenAIClient) createCompletion(ctx context.Context, req *providerapi.InvocationRequest) (*providerapi.InvocationResponse, error) {
	openaiReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens: req.MaxTokens,
	}

	resp, err := c.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &providerapi.ClientError{
			Type:    providerapi.ErrorTypeServerError,
			Message: "API 返回空响应",
		}
	}

	return &providerapi.InvocationResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: resp.Choices[0].Message.Content,
		Usage: providerapi.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *OpenAIClient) createImage(ctx context.Context, req *providerapi.InvocationRequest) (*providerapi.InvocationResponse, error) {
	n := req.ImageCount
	if n <= 0 {
		n = 1
	}
	size := req.ImageSize
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}

	resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		N:              n,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Data) == 0 {
		return nil, &providerapi.ClientError{
			Type:    providerapi.ErrorTypeServerError,
			Message: "API 返回空图像列表",
		}
	}

	urls := make([]string, 0, len(resp.Data))
	for _, item := range resp.Data {
		urls = append(urls, item.URL)
	}
	return &providerapi.InvocationResponse{
		Model:     req.Model,
		ImageURLs: urls,
	}, nil
}

// Name 返回客户端名称
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Close 关闭客户端
func (c *OpenAIClient) Close() error {
	// OpenAI 客户端无需显式关闭
	return nil
}

// OpenAIFactory OpenAI 客户端工厂
type OpenAIFactory struct{}

// CreateClient 根据配置创建客户端
func (OpenAIFactory) CreateClient(config *providerapi.ClientConfig) (providerapi.Client, error) {
	return NewOpenAIClient(config)
}

// wrapError 包装错误并分类
// 优先按 API 响应状态码判定，非 API 错误按网络语义与消息内容兜底。
func wrapError(err error) *providerapi.ClientError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		var errType providerapi.ErrorType
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			errType = providerapi.ErrorTypeAuth
		case apiErr.HTTPStatusCode == 429:
			errType = providerapi.ErrorTypeRateLimit
		case apiErr.HTTPStatusCode >= 500:
			errType = providerapi.ErrorTypeServerError
		case apiErr.HTTPStatusCode >= 400:
			errType = providerapi.ErrorTypeInvalidParams
		default:
			errType = providerapi.ErrorTypeUnknown
		}
		return &providerapi.ClientError{
			Type:    errType,
			Message: fmt.Sprintf("OpenAI API 错误 (HTTP %d)", apiErr.HTTPStatusCode),
			Err:     err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &providerapi.ClientError{
			Type:    providerapi.ErrorTypeTimeout,
			Message: "上游调用超时",
			Err:     err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &providerapi.ClientError{
			Type:    providerapi.ErrorTypeUnknown,
			Message: "上游调用被取消",
			Err:     err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &providerapi.ClientError{
				Type:    providerapi.ErrorTypeTimeout,
				Message: "上游网络超时",
				Err:     err,
			}
		}
		return &providerapi.ClientError{
			Type:    providerapi.ErrorTypeNetwork,
			Message: "上游网络错误",
			Err:     err,
		}
	}

	msg := strings.ToLower(err.Error())
	var errType providerapi.ErrorType
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		errType = providerapi.ErrorTypeRateLimit
	case strings.Contains(msg, "timeout"):
		errType = providerapi.ErrorTypeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "reset"):
		errType = providerapi.ErrorTypeNetwork
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		errType = providerapi.ErrorTypeServerError
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		errType = providerapi.ErrorTypeAuth
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		errType = providerapi.ErrorTypeInvalidParams
	default:
		errType = providerapi.ErrorTypeUnknown
	}

	return &providerapi.ClientError{
		Type:    errType,
		Message: "OpenAI API 错误",
		Err:     err,
	}
}
