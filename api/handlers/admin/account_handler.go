package admin

import (
	"errors"
	"net/http"
	"strconv"

	response "gateway/api/handlers/common"
	auditSvc "gateway/internal/audit"
	"gateway/internal/auth"
	"gateway/internal/cache"
	ledgerSvc "gateway/internal/ledger"

	"github.com/gin-gonic/gin"
)

// AccountHandler 账户管理处理器
// 发放与退款是仅有的两类管理端余额变动，全部落审计行。
type AccountHandler struct {
	ledger       *ledgerSvc.Service
	audit        *auditSvc.Logger
	balanceCache *cache.TTLCache
}

// NewAccountHandler 创建处理器
func NewAccountHandler(ledger *ledgerSvc.Service, auditLogger *auditSvc.Logger, balanceCache *cache.TTLCache) *AccountHandler {
	return &AccountHandler{ledger: ledger, audit: auditLogger, balanceCache: balanceCache}
}

// GetBalance 查询指定主体余额（管理员）
// @Summary 查询指定主体积分余额
// @Tags Admin
// @Security BearerAuth
// @Param ownerId path string true "主体 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/admin/accounts/{ownerId}/balance [get]
func (h *AccountHandler) GetBalance(c *gin.Context) {
	snapshot, err := h.ledger.GetBalance(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: snapshot})
}

type allocateDTO struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
}

// Allocate 为主体发放积分
// @Summary 发放积分
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param ownerId path string true "主体 ID"
// @Param body body allocateDTO true "发放参数"
// @Success 200 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/admin/accounts/{ownerId}/allocate [post]
func (h *AccountHandler) Allocate(c *gin.Context) {
	var dto allocateDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	ownerID := c.Param("ownerId")
	operatorID := h.actorID(c)
	tx, err := h.ledger.Allocate(c.Request.Context(), &ledgerSvc.AllocationInput{
		OwnerID:     ownerID,
		Amount:      dto.Amount,
		Description: dto.Description,
		OperatorID:  operatorID,
	})
	if errors.Is(err, ledgerSvc.ErrInvalidAmount) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "发放金额必须为正数"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "发放失败: " + err.Error()})
		return
	}

	h.invalidateBalance(ownerID)
	h.recordAudit(c, auditSvc.EventCreditAllocate, ownerID, gin.H{"amount": dto.Amount, "transactionId": tx.ID})
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: tx, Message: "发放成功"})
}

type refundDTO struct {
	Amount        int64  `json:"amount" binding:"required,gt=0"`
	CorrelationID string `json:"correlationId" binding:"required"`
	Description   string `json:"description"`
}

// Refund 人工退款
// 同一关联号只生效一次，重复提交返回已有流水。
// @Summary 人工退款
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param ownerId path string true "主体 ID"
// @Param body body refundDTO true "退款参数"
// @Success 200 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/admin/accounts/{ownerId}/refund [post]
func (h *AccountHandler) Refund(c *gin.Context) {
	var dto refundDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	ownerID := c.Param("ownerId")
	tx, err := h.ledger.Refund(c.Request.Context(), &ledgerSvc.RefundInput{
		OwnerID:       ownerID,
		Amount:        dto.Amount,
		CorrelationID: dto.CorrelationID,
		Description:   dto.Description,
	})
	if errors.Is(err, ledgerSvc.ErrInvalidAmount) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "退款金额必须为正数"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "退款失败: " + err.Error()})
		return
	}

	h.invalidateBalance(ownerID)
	h.recordAudit(c, auditSvc.EventCreditRefund, ownerID, gin.H{
		"amount":        dto.Amount,
		"correlationId": dto.CorrelationID,
		"transactionId": tx.ID,
	})
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: tx, Message: "退款成功"})
}

type dailyLimitDTO struct {
	Limit *int64 `json:"limit" binding:"required,gte=0"`
}

// SetDailyLimit 调整单日消费上限（0 表示不限）
// @Summary 调整单日消费上限
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param ownerId path string true "主体 ID"
// @Param body body dailyLimitDTO true "上限参数"
// @Success 200 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/admin/accounts/{ownerId}/daily-limit [put]
func (h *AccountHandler) SetDailyLimit(c *gin.Context) {
	var dto dailyLimitDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	ownerID := c.Param("ownerId")
	if err := h.ledger.SetDailyLimit(c.Request.Context(), ownerID, *dto.Limit); err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "更新失败: " + err.Error()})
		return
	}

	h.invalidateBalance(ownerID)
	h.recordAudit(c, auditSvc.EventDailyLimitUpdate, ownerID, gin.H{"limit": *dto.Limit})
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "单日上限已更新"})
}

// VerifyChain 同步校验主体流水链
// @Summary 校验积分流水链
// @Tags Admin
// @Security BearerAuth
// @Param ownerId path string true "主体 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/admin/accounts/{ownerId}/chain [get]
func (h *AccountHandler) VerifyChain(c *gin.Context) {
	report, err := h.ledger.VerifyChain(c.Request.Context(), c.Param("ownerId"))
	if errors.Is(err, ledgerSvc.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "积分账户不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "校验失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: report})
}

// ListTransactions 查询指定主体的流水（管理员）
// @Summary 查询指定主体积分流水
// @Tags Admin
// @Security BearerAuth
// @Param ownerId path string true "主体 ID"
// @Param type query string false "交易类型"
// @Param limit query int false "每页数量"
// @Param offset query int false "偏移量"
// @Produce json
// @Success 200 {object} response.ListResponse
// @Router /api/admin/accounts/{ownerId}/transactions [get]
func (h *AccountHandler) ListTransactions(c *gin.Context) {
	query := &ledgerSvc.TransactionQuery{OwnerID: c.Param("ownerId")}
	if t := c.Query("type"); t != "" {
		query.Type = ledgerSvc.TransactionType(t)
	}
	if limit, _ := strconv.Atoi(c.Query("limit")); limit > 0 {
		query.Limit = limit
	}
	if offset, _ := strconv.Atoi(c.Query("offset")); offset > 0 {
		query.Offset = offset
	}

	transactions, total, err := h.ledger.ListTransactions(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.ListResponse{
		Items:      transactions,
		Pagination: response.PaginationMeta{Total: total, Limit: query.Limit, Offset: query.Offset},
	})
}

func (h *AccountHandler) actorID(c *gin.Context) string {
	if principal, ok := auth.GetPrincipal(c); ok {
		return principal.OwnerID
	}
	return ""
}

func (h *AccountHandler) invalidateBalance(ownerID string) {
	if h.balanceCache != nil {
		h.balanceCache.Delete(response.BalanceCacheKey(ownerID))
	}
}

func (h *AccountHandler) recordAudit(c *gin.Context, event auditSvc.EventType, ownerID string, details any) {
	if h.audit == nil {
		return
	}
	h.audit.Record(c.Request.Context(), h.actorID(c), event, "account:"+ownerID, details)
}
