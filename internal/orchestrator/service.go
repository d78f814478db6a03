package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"gateway/internal/ledger"
	"gateway/internal/logger"
	"gateway/internal/metrics"
	"gateway/internal/quota"
	"gateway/internal/upstream"
	"gateway/internal/vault"
	"gateway/pkg/providerapi"

	"github.com/google/uuid"
)

// Dispatcher 上游派发接口
type Dispatcher interface {
	Dispatch(ctx context.Context, req *providerapi.InvocationRequest) (*upstream.Result, error)
}

// InferenceResult 推理结果
// BillingError 仅在上游成功但落账失败时出现，对账任务据此补扣。
type InferenceResult struct {
	Success       bool                            `json:"success"`
	CorrelationID string                          `json:"correlationId"`
	Cost          int64                           `json:"cost"`
	Data          *providerapi.InvocationResponse `json:"data,omitempty"`
	Attempts      int                             `json:"attempts,omitempty"`
	BillingError  *GatewayError                   `json:"billingError,omitempty"`
}

// Service 推理编排器
// 自身不持有业务状态，只固定各组件之间的调用顺序：
// 定价 → 余额预检 → 凭据解析 → 配额消耗 → 派发 → 扣费。
type Service struct {
	db         *gorm.DB
	pricer     *ledger.Pricer
	ledger     *ledger.Service
	vault      *vault.Service
	quota      *quota.Enforcer
	dispatcher Dispatcher

	defaultModel string
	tracer       trace.Tracer
}

// NewService 创建编排器
func NewService(db *gorm.DB, pricer *ledger.Pricer, ledgerSvc *ledger.Service, vaultSvc *vault.Service, enforcer *quota.Enforcer, dispatcher Dispatcher, defaultModel string) *Service {
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &Service{
		db:           db,
		pricer:       pricer,
		ledger:       ledgerSvc,
		vault:        vaultSvc,
		quota:        enforcer,
		dispatcher:   dispatcher,
		defaultModel: defaultModel,
		tracer:       otel.Tracer("gateway/internal/orchestrator"),
	}
}

// EstimateCost 预估请求成本
// 纯函数语义：同一请求描述的预估值就是 RunInference 实际扣费值。
func (s *Service) EstimateCost(spec *providerapi.RequestSpec) (int64, error) {
	normalized, err := s.normalizeSpec(spec)
	if err != nil {
		return 0, newError(KindValidation, err.Error(), nil)
	}
	cost, err := s.pricer.Price(normalized)
	if err != nil {
		return 0, newError(KindValidation, err.Error(), nil)
	}
	return cost, nil
}

// GetBalance 余额看板投影
func (s *Service) GetBalance(ctx context.Context, ownerID string) (*ledger.BalanceSnapshot, error) {
	if ownerID == "" {
		return nil, newError(KindValidation, "缺少调用方标识", nil)
	}
	snapshot, err := s.ledger.GetBalance(ctx, ownerID)
	if err != nil {
		return nil, newError(KindInternal, "余额查询失败", err)
	}
	return snapshot, nil
}

// RunInference 执行一次推理
// 任何拒绝都发生在触达上游之前，失败路径一律零扣费；
// 唯一例外是上游成功后落账失败：对外仍返回成功并带上对账标记。
func (s *Service) RunInference(ctx context.Context, ownerID string, spec *providerapi.RequestSpec) (*InferenceResult, error) {
	ctx, span := s.tracer.Start(ctx, "Orchestrator.RunInference")
	defer span.End()
	start := time.Now()

	if ownerID == "" {
		return nil, newError(KindValidation, "缺少调用方标识", nil)
	}

	normalized, err := s.normalizeSpec(spec)
	if err != nil {
		return nil, newError(KindValidation, err.Error(), nil)
	}
	category := providerapi.Category(normalized.Category)

	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("category", normalized.Category),
		attribute.String("model", normalized.Model),
	)

	// 定价与预估共用同一条路径，预估值即扣费值
	cost, err := s.pricer.Price(normalized)
	if err != nil {
		return nil, newError(KindValidation, err.Error(), nil)
	}
	span.SetAttributes(attribute.Int64("cost", cost))

	// 余额预检：不足则拒绝，上游零成本
	_, balanceSpan := s.tracer.Start(ctx, "Ledger.CheckBalance")
	decision, err := s.ledger.CheckBalance(ctx, ownerID, cost)
	balanceSpan.End()
	if err != nil {
		return nil, newError(KindInternal, "余额检查失败", err)
	}
	if !decision.Sufficient {
		gerr := balanceDenied(decision)
		metrics.BalanceDenialsTotal.WithLabelValues(string(decision.Reason)).Inc()
		observeInference(category, normalized.Model, "denied", start)
		return nil, gerr
	}

	// 活动凭据解析（不解密），配额检查据此定位计数行
	tokenID, err := s.vault.ActiveID(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "No active token")
		return nil, newError(KindConfiguration, "没有可用的上游凭据", err)
	}

	// 配额与窗口限流：单事务内判定并消耗
	_, quotaSpan := s.tracer.Start(ctx, "Quota.CheckAndConsume")
	qd, err := s.quota.CheckAndConsume(ctx, tokenID)
	quotaSpan.End()
	if err != nil {
		return nil, translateQuotaError(err)
	}
	if !qd.Allowed {
		gerr := quotaDenied(qd)
		metrics.QuotaDenialsTotal.WithLabelValues(string(qd.Reason)).Inc()
		observeInference(category, normalized.Model, "denied", start)
		return nil, gerr
	}

	// 审计记录先建后派发，一次逻辑请求只对应一次编排
	request := &InferenceRequest{
		ID:       uuid.New().String(),
		OwnerID:  ownerID,
		Category: normalized.Category,
		Model:    normalized.Model,
		Prompt:   normalized.Prompt,
		Cost:     cost,
		Status:   StatusProcessing,
		TokenID:  tokenID,
	}
	if err := s.db.WithContext(ctx).Create(request).Error; err != nil {
		return nil, newError(KindInternal, "审计记录创建失败", err)
	}

	dispatchCtx, dispatchSpan := s.tracer.Start(ctx, "Dispatcher.Dispatch")
	result, err := s.dispatcher.Dispatch(dispatchCtx, toInvocation(normalized))
	dispatchSpan.End()
	if err != nil {
		gerr := translateDispatchError(err)
		s.finalizeFailure(ctx, request, result, gerr)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Dispatch failed")
		observeInference(category, normalized.Model, "failed", start)
		return nil, gerr
	}

	out := &InferenceResult{
		Success:       true,
		CorrelationID: request.ID,
		Cost:          cost,
		Data:          result.Response,
		Attempts:      result.Attempts,
	}

	// 上游成功后才扣费；失败在此前已经短路，绝不产生扣费流水
	_, debitSpan := s.tracer.Start(ctx, "Ledger.Debit")
	_, debitErr := s.ledger.Debit(ctx, &ledger.DebitInput{
		OwnerID:       ownerID,
		Amount:        cost,
		CorrelationID: request.ID,
		Description:   "推理扣费: " + normalized.Category + "/" + normalized.Model,
	})
	debitSpan.End()
	if debitErr != nil {
		// 上游已履约但落账失败：对外仍视为成功，响亮记录供对账补扣
		out.BillingError = newError(KindLedgerIntegrity, "扣费落账失败，待对账补扣", debitErr)
		metrics.LedgerIntegrityFailures.Inc()
		logger.WithContext(ctx).Error("ledger integrity failure",
			zap.String("correlationId", request.ID),
			zap.String("ownerId", ownerID),
			zap.Int64("cost", cost),
			zap.Error(debitErr),
		)
		span.RecordError(debitErr)
		span.SetStatus(codes.Error, "Debit failed after successful dispatch")
	} else {
		metrics.InferenceCreditsCharged.WithLabelValues(normalized.Category).Add(float64(cost))
	}

	s.finalizeSuccess(ctx, request, result)
	observeInference(category, normalized.Model, "completed", start)

	if result.Response != nil {
		metrics.InferenceTokens.WithLabelValues(normalized.Model, "prompt").Add(float64(result.Response.Usage.PromptTokens))
		metrics.InferenceTokens.WithLabelValues(normalized.Model, "completion").Add(float64(result.Response.Usage.CompletionTokens))
	}
	return out, nil
}

// GetRequest 查询审计记录
func (s *Service) GetRequest(ctx context.Context, ownerID, id string) (*InferenceRequest, error) {
	var request InferenceRequest
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, newError(KindInternal, "审计记录查询失败", err)
	}
	return &request, nil
}

// ListRequests 按条件列出审计记录
func (s *Service) ListRequests(ctx context.Context, query *RequestQuery) ([]InferenceRequest, int64, error) {
	db := s.db.WithContext(ctx).Model(&InferenceRequest{})
	if query.OwnerID != "" {
		db = db.Where("owner_id = ?", query.OwnerID)
	}
	if query.Status != "" {
		db = db.Where("status = ?", query.Status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var requests []InferenceRequest
	err := db.Order("created_at DESC").Limit(limit).Offset(query.Offset).Find(&requests).Error
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// SweepStale 把滞留的 processing 审计行收敛为 failed
// 进程崩溃会留下永远停在 processing 的请求，巡检任务定期清理；
// 返回本次标记的行数。
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&InferenceRequest{}).
		Where("status = ? AND created_at < ?", StatusProcessing, cutoff).
		Updates(map[string]any{
			"status":        StatusFailed,
			"cost":          0,
			"error_kind":    string(KindInternal),
			"error_message": "请求滞留超时，由巡检任务标记失败",
			"completed_at":  now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// normalizeSpec 校验并补全请求描述
// 返回归一化副本，估价与执行共用，保证两者看到完全一致的形状。
func (s *Service) normalizeSpec(spec *providerapi.RequestSpec) (*providerapi.RequestSpec, error) {
	if spec == nil {
		return nil, errors.New("请求不能为空")
	}
	if _, err := providerapi.ParseCategory(spec.Category); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Prompt) == "" {
		return nil, errors.New("提示词不能为空")
	}

	normalized := *spec
	if normalized.Model == "" {
		normalized.Model = s.defaultModel
	}

	switch providerapi.Category(normalized.Category) {
	case providerapi.CategoryImage:
		if normalized.ImageCount <= 0 {
			normalized.ImageCount = 1
		}
		if normalized.ImageCount > 10 {
			return nil, errors.New("出图张数不能超过 10")
		}
		if normalized.ImageSize == "" {
			normalized.ImageSize = "1024x1024"
		}
	default:
		if normalized.MaxTokens <= 0 {
			normalized.MaxTokens = 1024
		}
	}
	return &normalized, nil
}

// toInvocation 把归一化的请求描述转为派发请求
func toInvocation(spec *providerapi.RequestSpec) *providerapi.InvocationRequest {
	return &providerapi.InvocationRequest{
		Category:   providerapi.Category(spec.Category),
		Model:      spec.Model,
		Prompt:     spec.Prompt,
		MaxTokens:  spec.MaxTokens,
		ImageCount: spec.ImageCount,
		ImageSize:  spec.ImageSize,
	}
}

// finalizeSuccess 收尾更新审计记录（记录本身非权威，更新失败仅告警）
func (s *Service) finalizeSuccess(ctx context.Context, request *InferenceRequest, result *upstream.Result) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       StatusCompleted,
		"attempts":     result.Attempts,
		"token_id":     result.TokenID,
		"completed_at": now,
	}
	if result.Response != nil {
		updates["prompt_tokens"] = result.Response.Usage.PromptTokens
		updates["completion_tokens"] = result.Response.Usage.CompletionTokens
	}
	if err := s.db.WithContext(ctx).Model(request).Updates(updates).Error; err != nil {
		logger.WithContext(ctx).Warn("inference audit update failed",
			zap.String("correlationId", request.ID), zap.Error(err))
	}
}

func (s *Service) finalizeFailure(ctx context.Context, request *InferenceRequest, result *upstream.Result, gerr *GatewayError) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":        StatusFailed,
		"cost":          0,
		"error_kind":    string(gerr.Kind),
		"error_message": gerr.Message,
		"completed_at":  now,
	}
	if result != nil {
		updates["attempts"] = result.Attempts
		if result.TokenID != "" {
			updates["token_id"] = result.TokenID
		}
	}
	if err := s.db.WithContext(ctx).Model(request).Updates(updates).Error; err != nil {
		logger.WithContext(ctx).Warn("inference audit update failed",
			zap.String("correlationId", request.ID), zap.Error(err))
	}
}

// balanceDenied 余额预检拒绝翻译
func balanceDenied(decision *ledger.BalanceDecision) *GatewayError {
	if decision.Reason == ledger.DenyReasonDailyLimit {
		resetAt := decision.ResetAt
		return &GatewayError{
			Kind:    KindInsufficientBalance,
			Message: "今日消费额度已用完",
			ResetAt: &resetAt,
		}
	}
	return newError(KindInsufficientBalance, "余额不足", nil)
}

// quotaDenied 配额拒绝翻译
func quotaDenied(decision *quota.Decision) *GatewayError {
	if decision.Reason == quota.DenyReasonRateLimited {
		resetAt := decision.ResetAt
		return &GatewayError{
			Kind:    KindRateLimited,
			Message: "当前窗口调用数已达上限",
			ResetAt: &resetAt,
		}
	}
	return newError(KindQuotaExceeded, "凭据配额已耗尽", nil)
}

// translateQuotaError 配额检查错误翻译
func translateQuotaError(err error) *GatewayError {
	switch {
	case errors.Is(err, vault.ErrTokenNotFound),
		errors.Is(err, vault.ErrTokenRevoked),
		errors.Is(err, vault.ErrTokenExpired),
		errors.Is(err, vault.ErrNoActiveToken):
		return newError(KindConfiguration, "上游凭据不可用", err)
	default:
		return newError(KindInternal, "配额检查失败", err)
	}
}

// translateDispatchError 派发错误翻译
func translateDispatchError(err error) *GatewayError {
	switch {
	case errors.Is(err, vault.ErrNoActiveToken),
		errors.Is(err, vault.ErrTokenExpired),
		errors.Is(err, vault.ErrTokenRevoked):
		return newError(KindConfiguration, "上游凭据不可用", err)
	}

	var clientErr *providerapi.ClientError
	if errors.As(err, &clientErr) {
		if clientErr.IsRetryable() {
			return newError(KindUpstreamTransient, "上游暂时不可用，请稍后重试", err)
		}
		return newError(KindUpstreamPermanent, clientErr.Message, err)
	}
	return newError(KindInternal, "上游派发失败", err)
}

func observeInference(category providerapi.Category, model, status string, start time.Time) {
	metrics.InferenceRequestsTotal.WithLabelValues(string(category), model, status).Inc()
	metrics.InferenceDuration.WithLabelValues(string(category), model).Observe(time.Since(start).Seconds())
}
