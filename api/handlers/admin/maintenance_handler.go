package admin

import (
	"net/http"

	response "gateway/api/handlers/common"
	"gateway/internal/infra/queue"
	"gateway/internal/worker/tasks"

	"github.com/gin-gonic/gin"
)

// MaintenanceHandler 维护任务手动触发入口
// 周期调度之外的应急触发通道，入队即返回，执行情况看日志与指标。
type MaintenanceHandler struct {
	queue queue.Client
}

// NewMaintenanceHandler 创建处理器
func NewMaintenanceHandler(queueClient queue.Client) *MaintenanceHandler {
	return &MaintenanceHandler{queue: queueClient}
}

type ledgerVerifyDTO struct {
	OwnerID string `json:"ownerId"` // 为空表示全量巡检
}

// TriggerLedgerVerify 触发账本链校验
// @Summary 触发账本链校验任务
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body ledgerVerifyDTO false "校验范围"
// @Success 202 {object} response.APIResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/admin/maintenance/ledger-verify [post]
func (h *MaintenanceHandler) TriggerLedgerVerify(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "任务队列未启用"})
		return
	}

	var dto ledgerVerifyDTO
	_ = c.ShouldBindJSON(&dto) // 空请求体等同全量巡检

	if err := h.queue.EnqueueLedgerVerify(tasks.LedgerVerifyPayload{OwnerID: dto.OwnerID}); err != nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "任务入队失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Message: "账本链校验任务已入队"})
}

type staleSweepDTO struct {
	StaleAfterMinutes int `json:"staleAfterMinutes" binding:"gte=0"`
}

// TriggerStaleSweep 触发滞留请求清理
// @Summary 触发滞留请求清理任务
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body staleSweepDTO false "清理窗口"
// @Success 202 {object} response.APIResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/admin/maintenance/stale-sweep [post]
func (h *MaintenanceHandler) TriggerStaleSweep(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "任务队列未启用"})
		return
	}

	var dto staleSweepDTO
	_ = c.ShouldBindJSON(&dto)

	if err := h.queue.EnqueueStaleSweep(tasks.StaleSweepPayload{StaleAfterMinutes: dto.StaleAfterMinutes}); err != nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "任务入队失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Message: "滞留请求清理任务已入队"})
}

type expiryScanDTO struct {
	WarnWithinHours int `json:"warnWithinHours" binding:"gte=0"`
}

// TriggerTokenExpiryScan 触发凭据到期巡检
// @Summary 触发凭据到期巡检任务
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body expiryScanDTO false "预警窗口"
// @Success 202 {object} response.APIResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/admin/maintenance/token-expiry-scan [post]
func (h *MaintenanceHandler) TriggerTokenExpiryScan(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "任务队列未启用"})
		return
	}

	var dto expiryScanDTO
	_ = c.ShouldBindJSON(&dto)

	if err := h.queue.EnqueueTokenExpiryScan(tasks.TokenExpiryScanPayload{WarnWithinHours: dto.WarnWithinHours}); err != nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "任务入队失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Message: "凭据到期巡检任务已入队"})
}
