package upstream

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"gateway/internal/metrics"
	"gateway/internal/vault"
	"gateway/pkg/providerapi"
)

// DispatchState 派发状态
type DispatchState string

const (
	// StateIdle 尚未发起任何尝试
	StateIdle DispatchState = "idle"
	// StateSending 正在调用上游
	StateSending DispatchState = "sending"
	// StateRetryPending 等待退避后重试
	StateRetryPending DispatchState = "retry_pending"
	// StateSucceeded 调用成功
	StateSucceeded DispatchState = "succeeded"
	// StateFailed 调用终态失败
	StateFailed DispatchState = "failed"
)

// ErrConcurrencyLimit 并发闸等待被取消
var ErrConcurrencyLimit = errors.New("等待上游并发闸时被取消")

// TokenSource 活动凭据来源
// Generation 返回值变化表示活动凭据被轮换或更替，重试前需要重新取用。
type TokenSource interface {
	GetActive(ctx context.Context) (*vault.ActiveToken, error)
	Generation() int64
}

// Result 派发结果
type Result struct {
	Response *providerapi.InvocationResponse
	State    DispatchState
	Attempts int
	TokenID  string
}

// Options 派发器配置
type Options struct {
	MaxConcurrent int
	MaxRetries    int
	Timeout       time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BaseURL       string
	OrgID         string
}

// Dispatcher 上游派发器
// 持有有界并发信号量，对可重试错误做指数退避重试，
// 并在重试前感知凭据轮换、换用新凭据重建客户端。
type Dispatcher struct {
	factory providerapi.ClientFactory
	tokens  TokenSource

	baseURL string
	orgID   string

	sem         chan struct{}
	maxRetries  int
	timeout     time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration

	// sleep 可注入，测试中替换为零延时实现
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher 创建上游派发器
func NewDispatcher(factory providerapi.ClientFactory, tokens TokenSource, opts Options) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxRetries > 3 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Second
	}

	return &Dispatcher{
		factory:     factory,
		tokens:      tokens,
		baseURL:     opts.BaseURL,
		orgID:       opts.OrgID,
		sem:         make(chan struct{}, opts.MaxConcurrent),
		maxRetries:  opts.MaxRetries,
		timeout:     opts.Timeout,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		sleep:       sleepWithContext,
	}
}

// Dispatch 派发一次推理调用
// 失败时返回的 Result 仍携带已消耗的尝试次数与最终状态，供上层记账与审计。
func (d *Dispatcher) Dispatch(ctx context.Context, req *providerapi.InvocationRequest) (*Result, error) {
	gen := d.tokens.Generation()
	tok, err := d.tokens.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	client, err := d.buildClient(tok.Key)
	if err != nil {
		return nil, err
	}

	result := &Result{State: StateIdle, TokenID: tok.ID}
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		// 重试前感知轮换：代数变化则重新取活动凭据并重建客户端
		if attempt > 0 {
			metrics.UpstreamRetriesTotal.WithLabelValues(client.Name()).Inc()
			if g := d.tokens.Generation(); g != gen {
				gen = g
				fresh, err := d.tokens.GetActive(ctx)
				if err != nil {
					result.State = StateFailed
					return result, err
				}
				tok = fresh
				result.TokenID = tok.ID
				client, err = d.buildClient(tok.Key)
				if err != nil {
					result.State = StateFailed
					return result, err
				}
			}
		}

		result.State = StateSending
		result.Attempts = attempt + 1

		resp, err := d.invokeOnce(ctx, client, req)
		if err == nil {
			result.State = StateSucceeded
			result.Response = resp
			return result, nil
		}
		lastErr = err

		var clientErr *providerapi.ClientError
		if !errors.As(err, &clientErr) {
			clientErr = &providerapi.ClientError{
				Type:    providerapi.ErrorTypeUnknown,
				Message: "上游调用失败",
				Err:     err,
			}
			lastErr = clientErr
		}

		// 终态错误（参数、鉴权等 4xx 类）不重试
		if !clientErr.IsRetryable() {
			result.State = StateFailed
			return result, lastErr
		}
		if attempt == d.maxRetries {
			break
		}

		result.State = StateRetryPending
		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			result.State = StateFailed
			return result, lastErr
		}
	}

	result.State = StateFailed
	return result, lastErr
}

// invokeOnce 执行单次上游调用，持并发闸、限单次超时
func (d *Dispatcher) invokeOnce(ctx context.Context, client providerapi.Client, req *providerapi.InvocationRequest) (*providerapi.InvocationResponse, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &providerapi.ClientError{
			Type:    providerapi.ErrorTypeTimeout,
			Message: ErrConcurrencyLimit.Error(),
			Err:     ctx.Err(),
		}
	}
	defer func() { <-d.sem }()

	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var resp *providerapi.InvocationResponse
	err := metrics.RecordUpstreamCall(client.Name(), req.Model, func() error {
		var invokeErr error
		resp, invokeErr = client.Invoke(attemptCtx, req)
		return invokeErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) buildClient(key string) (providerapi.Client, error) {
	return d.factory.CreateClient(&providerapi.ClientConfig{
		APIKey:  key,
		BaseURL: d.baseURL,
		OrgID:   d.orgID,
	})
}

// backoff 计算第 attempt 次失败后的退避时长（指数增长，带随机抖动，封顶）
func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.backoffBase << uint(attempt)
	if backoff > d.backoffMax || backoff <= 0 {
		backoff = d.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	return backoff/2 + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
