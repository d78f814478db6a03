package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gateway/internal/ledger"
	"gateway/internal/metrics"
	"gateway/internal/vault"
	"gateway/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// LedgerAuditor 账本巡检抽象，便于注入 mock
type LedgerAuditor interface {
	ListOwnerIDs(ctx context.Context) ([]string, error)
	VerifyChain(ctx context.Context, ownerID string) (*ledger.ChainReport, error)
}

// RequestSweeper 滞留请求清理抽象
type RequestSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TokenInspector 凭据到期巡检抽象
type TokenInspector interface {
	ListExpiring(ctx context.Context, within time.Duration) ([]vault.ProviderToken, error)
}

// MaintenanceHandler 维护队列任务处理器
type MaintenanceHandler struct {
	auditor LedgerAuditor
	sweeper RequestSweeper
	tokens  TokenInspector
	logger  *zap.Logger
}

func NewMaintenanceHandler(auditor LedgerAuditor, sweeper RequestSweeper, tokens TokenInspector, logger *zap.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		auditor: auditor,
		sweeper: sweeper,
		tokens:  tokens,
		logger:  logger,
	}
}

// HandleLedgerVerify 账本链完整性巡检
// 链断裂不返回错误（重试无意义），以 Error 日志与计数器上报；
// 基础设施错误返回 error 交给 asynq 重试。
func (h *MaintenanceHandler) HandleLedgerVerify(ctx context.Context, t *asynq.Task) error {
	var p tasks.LedgerVerifyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	owners := []string{p.OwnerID}
	if p.OwnerID == "" {
		var err error
		owners, err = h.auditor.ListOwnerIDs(ctx)
		if err != nil {
			return fmt.Errorf("列出账本主体失败: %w", err)
		}
	}

	var broken, scanErrs int
	for _, owner := range owners {
		report, err := h.auditor.VerifyChain(ctx, owner)
		if err != nil {
			scanErrs++
			h.logger.Error("账本链校验执行失败",
				zap.String("owner_id", owner),
				zap.Error(err),
			)
			continue
		}
		if !report.OK {
			broken++
			metrics.LedgerChainChecksTotal.WithLabelValues("broken").Inc()
			h.logger.Error("账本链断裂",
				zap.String("owner_id", owner),
				zap.String("broken_tx_id", report.BrokenTxID),
				zap.String("detail", report.Detail),
				zap.Int("checked", report.Checked),
			)
			continue
		}
		metrics.LedgerChainChecksTotal.WithLabelValues("ok").Inc()
	}

	h.logger.Info("账本链巡检完成",
		zap.Int("owners", len(owners)),
		zap.Int("broken", broken),
		zap.Int("scan_errors", scanErrs),
	)

	if scanErrs > 0 {
		return fmt.Errorf("账本链巡检有 %d 个主体未完成校验", scanErrs)
	}
	return nil
}

// HandleStaleSweep 清理滞留的 processing 推理请求
func (h *MaintenanceHandler) HandleStaleSweep(ctx context.Context, t *asynq.Task) error {
	var p tasks.StaleSweepPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	olderThan := time.Duration(p.StaleAfterMinutes) * time.Minute
	if olderThan <= 0 {
		olderThan = 30 * time.Minute
	}

	n, err := h.sweeper.SweepStale(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("清理滞留请求失败: %w", err)
	}

	if n > 0 {
		h.logger.Warn("滞留请求已标记失败", zap.Int64("count", n))
	} else {
		h.logger.Info("无滞留请求")
	}
	return nil
}

// HandleTokenExpiryScan 凭据到期巡检
// 只读取标识与到期时间，绝不接触明文。
func (h *MaintenanceHandler) HandleTokenExpiryScan(ctx context.Context, t *asynq.Task) error {
	var p tasks.TokenExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	within := time.Duration(p.WarnWithinHours) * time.Hour
	if within <= 0 {
		within = 24 * time.Hour
	}

	expiring, err := h.tokens.ListExpiring(ctx, within)
	if err != nil {
		return fmt.Errorf("凭据到期巡检失败: %w", err)
	}

	metrics.VaultTokensExpiring.Set(float64(len(expiring)))

	now := time.Now().UTC()
	for i := range expiring {
		token := &expiring[i]
		h.logger.Warn("凭据即将到期",
			zap.String("token_id", token.ID),
			zap.String("status", token.EffectiveStatus(now)),
			zap.Timep("expires_at", token.ExpiresAt),
		)
	}

	if len(expiring) == 0 {
		h.logger.Info("巡检窗口内无将到期凭据")
	}
	return nil
}
