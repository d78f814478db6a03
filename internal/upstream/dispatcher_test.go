package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gateway/internal/vault"
	"gateway/pkg/providerapi"
)

// fakeTokenSource 内存凭据源，rotate 模拟保险库轮换
type fakeTokenSource struct {
	mu         sync.Mutex
	token      vault.ActiveToken
	getErr     error
	generation atomic.Int64
}

func (f *fakeTokenSource) GetActive(ctx context.Context) (*vault.ActiveToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	tok := f.token
	return &tok, nil
}

func (f *fakeTokenSource) Generation() int64 {
	return f.generation.Load()
}

func (f *fakeTokenSource) rotate(id, key string) {
	f.mu.Lock()
	f.token = vault.ActiveToken{ID: id, OwnerID: f.token.OwnerID, Key: key}
	f.mu.Unlock()
	f.generation.Add(1)
}

// fakeFactory 按脚本回应的客户端工厂
// invoke 以全局调用序号驱动脚本，created 记录每次建客户端用到的 APIKey。
type fakeFactory struct {
	mu      sync.Mutex
	created []string
	calls   atomic.Int64
	invoke  func(ctx context.Context, key string, call int) (*providerapi.InvocationResponse, error)
}

func (f *fakeFactory) CreateClient(config *providerapi.ClientConfig) (providerapi.Client, error) {
	f.mu.Lock()
	f.created = append(f.created, config.APIKey)
	f.mu.Unlock()
	return &fakeClient{factory: f, key: config.APIKey}, nil
}

func (f *fakeFactory) createdKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.created))
	copy(out, f.created)
	return out
}

type fakeClient struct {
	factory *fakeFactory
	key     string
}

func (c *fakeClient) Invoke(ctx context.Context, req *providerapi.InvocationRequest) (*providerapi.InvocationResponse, error) {
	call := int(c.factory.calls.Add(1)) - 1
	return c.factory.invoke(ctx, c.key, call)
}

func (c *fakeClient) Name() string { return "fake" }
func (c *fakeClient) Close() error { return nil }

func okResponse() *providerapi.InvocationResponse {
	return &providerapi.InvocationResponse{
		ID:      "resp-1",
		Model:   "gpt-4o-mini",
		Content: "hello",
		Usage:   providerapi.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

func transientError() *providerapi.ClientError {
	return &providerapi.ClientError{Type: providerapi.ErrorTypeServerError, Message: "上游 500"}
}

func newTestDispatcher(factory *fakeFactory, tokens TokenSource, opts Options) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(factory, tokens, opts)
	var mu sync.Mutex
	sleeps := make([]time.Duration, 0, 4)
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, dur)
		mu.Unlock()
		return ctx.Err()
	}
	return d, &sleeps
}

func TestDispatchSucceedsFirstAttempt(t *testing.T) {
	tokens := &fakeTokenSource{token: vault.ActiveToken{ID: "tok-1", OwnerID: "owner-1", Key: "sk-test"}}
	factory := &fakeFactory{
		invoke: func(ctx context.Context, key string, call int) (*providerapi.InvocationResponse, error) {
			return okResponse(), nil
		},
	}
	d, sleeps := newTestDispatcher(factory, tokens, Options{})

	result, err := d.Dispatch(context.Background(), &providerapi.InvocationRequest{
		Category: providerapi.CategoryText,
		Model:    "gpt-4o-mini",
		Prompt:   "hi",
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.State != StateSucceeded {
		t.Fatalf("expected state %s, got %s", StateSucceeded, result.State)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.TokenID != "tok-1" {
		t.Fatalf("expected token tok-1, got %s", result.TokenID)
	}
	if result.Response == nil || result.Response.Content != "hello" {
		t.Fatalf("unexpected response: %+v", result.Response)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("expected no backoff sleeps, got %d", len(*sleeps))
	}
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	tokens := &fakeTokenSource{token: vault.ActiveToken{ID: "tok-1", Key: "sk-test"}}
	factory := &fakeFactory{
		invoke: func(ctx context.Context, key string, call int) (*providerapi.InvocationResponse, error) {
			if call < 2 {
				return nil, transientError()
			}
			return okResponse(), nil
		},
	}
	d, sleeps := newTestDispatcher(factory, tokens, Options{MaxRetries: 3})

	result, err := d.Dispatch(context.Background(), &providerapi.InvocationRequest{Model: "gpt-4o-mini", Prompt: "hi"})
	if err != nil {
		t.Fatalf("dispatch failed after retries: %v", err)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*sleeps))
	}
}

func TestDispatchStopsOnTerminalError(t *testing.T) {
	tokens := &fakeTokenSource{token: vault.ActiveToken{ID: "tok-1", Key: "sk-test"}}
	factory := &fakeFactory{
		invoke: func(ctx context.Context, key string, call int) (*providerapi.InvocationResponse, error) {
			return nil, &providerapi.ClientError{Type: providerapi.ErrorTypeInvalidParams, Message: "参数错误"}
		},
	}
	d, sleeps := newTestDispatcher(factory, tokens, Options{MaxRetries: 3})

	result, err := d.Dispatch(context.Background(), &providerapi.InvocationRequest{Model: "gpt-4o-mini", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	var clientErr *providerapi.ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != providerapi.ErrorTypeInvalidParams {
		t.Fatalf("expected invalid_params error, got %v", err)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt for terminal error, got %d", result.Attempts)
	}
	if result.State != StateFailed {
		t.Fatalf("expected state %s, got %s", StateFailed, result.State)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("terminal error must not trigger backoff, got %d sleeps", len(*sleeps))
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	tokens := &fakeTokenSource{token: vault.ActiveToken{ID: "tok-1", Key: "sk-test"}}
	factory := &fakeFactory{
		invoke: func(ctx context.Context, key string, call int) (*providerapi.InvocationResponse, error) {
			return nil, &providerapi.ClientError{Type: providerapi.ErrorTypeRateLimit, Message: "限流"}
		},
	}
	d, sleeps := newTestDispatcher(factory, tokens, Options{MaxRetries: 3})

	result, err := d.Dispatch(context.Background(), &providerapi.InvocationRequest{Model: "gpt-4o-mini", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	var clientErr *providerapi.ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != providerapi.ErrorTypeRateLimit {
		t.Fatalf("expected rate_limit error, got %v", err)
	}
	if result.Attempts != 4 {
		t.Fatalf("expected 4 attempts (1 + 3 retries), got %d", result.Attempts)
	}
	if len(*sleeps) != 3 {
		t.Fatalf("expected 3 backoff sleeps, got %d", len(*sleeps))
	}
	if result.State != StateFailed {
		t.Fatalf("expected state %s, got %s", StateFailed, result.State)
	}
}

func TestDispatchRefetchesTokenAfterRotation(t *testing.T) {
	tokens := &fakeTokenSource{token: vault.ActiveToken{ID: "tok-old", Key: "sk-old"}}
	factory := &fakeFactory{}
	factory.invoke = func(ctx context.Context, key string, call int) (*providerapi.InvocationResponse, error) {
		if call == 0 {
			// 首次调用失败，随即发生轮换
			tokens.rotate("tok-new", "sk-new")
			return nil, transientError()
		}
		if key != "sk-new" {
			return nil, &providerapi.ClientError{Type: providerapi.ErrorTypeAuth, Message: "旧凭据已失效"}
		}
		return okResponse(), nil
	}
	d, _ := newTestDispatcher(factory, tokens, Options{MaxRetries: 3})

	result, err := d.Dispatch(context.Background(), &providerapi.InvocationRequest{Model: "gpt-4o-mini", Prompt: "hi"})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.Attempts)
	}
	if result.TokenID != "tok-new" {
		t.Fatalf("expected rotated token tok-new, got %s", result.TokenID)
	}
	keys := factory.createdKeys()
	if len(keys) != 2 || keys[0] != "sk-old" || keys[1] != "sk-new" {
		t.Fatalf("expected client rebuilt with rotated key, created=%v", keys)
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	tokens := &fakeTokenSource{token: vault.ActiveToken{ID: "tok-1", Key: "sk-test"}}

	gate := make(chan struct{})
	var inFlight, maxInFlight atomic.Int64
	factory := &fakeFactory{
		invoke: func(ctx context.Context, key string, call int) (*providerapi.InvocationResponse, error) {
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			defer inFlight.Add(-1)
			select {
			case <-gate:
				return okResponse(), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	d, _ := newTestDispatcher(factory, tokens, Options{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(context.Background(), &providerapi.InvocationRequest{Model: "gpt-4o-mini", Prompt: "hi"}); err != nil {
				t.Errorf("dispatch failed: %v", err)
			}
		}()
	}

	// 等待前两个调用进入，再放行全部
	deadline := time.After(2 * time.Second)
	for inFlight.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatches to start")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(gate)
	wg.Wait()

	if got := maxInFlight.Load(); got > 2 {
		t.Fatalf("concurrency cap violated: observed %d in-flight calls", got)
	}
	if factory.calls.Load() != 5 {
		t.Fatalf("expected 5 upstream calls, got %d", factory.calls.Load())
	}
}

func TestDispatchSurfacesVaultErrors(t *testing.T) {
	tokens := &fakeTokenSource{getErr: vault.ErrNoActiveToken}
	factory := &fakeFactory{
		invoke: func(ctx context.Context, key string, call int) (*providerapi.InvocationResponse, error) {
			t.Fatal("upstream must not be called without an active token")
			return nil, nil
		},
	}
	d, _ := newTestDispatcher(factory, tokens, Options{})

	_, err := d.Dispatch(context.Background(), &providerapi.InvocationRequest{Model: "gpt-4o-mini", Prompt: "hi"})
	if !errors.Is(err, vault.ErrNoActiveToken) {
		t.Fatalf("expected ErrNoActiveToken, got %v", err)
	}
}

func TestDispatchStopsWhenCanceledDuringBackoff(t *testing.T) {
	tokens := &fakeTokenSource{token: vault.ActiveToken{ID: "tok-1", Key: "sk-test"}}
	ctx, cancel := context.WithCancel(context.Background())
	factory := &fakeFactory{
		invoke: func(innerCtx context.Context, key string, call int) (*providerapi.InvocationResponse, error) {
			cancel()
			return nil, transientError()
		},
	}
	d, _ := newTestDispatcher(factory, tokens, Options{MaxRetries: 3})

	result, err := d.Dispatch(ctx, &providerapi.InvocationRequest{Model: "gpt-4o-mini", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if result == nil || result.Attempts != 1 {
		t.Fatalf("expected exactly 1 attempt before cancellation, got %+v", result)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	d := NewDispatcher(&fakeFactory{}, &fakeTokenSource{}, Options{
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  5 * time.Second,
	})

	for i := 0; i < 20; i++ {
		first := d.backoff(0)
		if first < 100*time.Millisecond || first > 200*time.Millisecond {
			t.Fatalf("backoff(0) out of range: %v", first)
		}
		capped := d.backoff(10)
		if capped < 2500*time.Millisecond || capped > 5*time.Second {
			t.Fatalf("backoff(10) must cap at max: %v", capped)
		}
	}

	if d.backoff(1) < d.backoffBase/2 {
		t.Fatalf("backoff(1) below floor: %v", d.backoff(1))
	}
}
