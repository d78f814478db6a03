package credits

import (
	"net/http"
	"strconv"
	"time"

	response "gateway/api/handlers/common"
	"gateway/internal/auth"
	"gateway/internal/cache"
	ledgerSvc "gateway/internal/ledger"
	"gateway/internal/orchestrator"

	"github.com/gin-gonic/gin"
)

// Handler 积分查询处理器
// 余额走编排器的看板投影（带进程内缓存），流水与导出直连账本。
type Handler struct {
	orch         *orchestrator.Service
	ledger       *ledgerSvc.Service
	balanceCache *cache.TTLCache
}

// NewHandler 创建处理器
func NewHandler(orch *orchestrator.Service, ledger *ledgerSvc.Service, balanceCache *cache.TTLCache) *Handler {
	return &Handler{orch: orch, ledger: ledger, balanceCache: balanceCache}
}

// GetBalance 获取当前主体余额
// @Summary 获取积分余额
// @Tags Credits
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/credits/balance [get]
func (h *Handler) GetBalance(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return
	}

	key := response.BalanceCacheKey(principal.OwnerID)
	if h.balanceCache != nil {
		if cached, ok := h.balanceCache.Get(key); ok {
			c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: cached})
			return
		}
	}

	snapshot, err := h.orch.GetBalance(c.Request.Context(), principal.OwnerID)
	if err != nil {
		response.RespondGatewayError(c, err)
		return
	}
	if h.balanceCache != nil {
		h.balanceCache.Set(key, snapshot)
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: snapshot})
}

// ListTransactions 查询当前主体的积分流水
// @Summary 查询积分流水
// @Tags Credits
// @Security BearerAuth
// @Param type query string false "交易类型 (deduction/refund/allocation)"
// @Param startTime query string false "开始日期 YYYY-MM-DD"
// @Param endTime query string false "结束日期 YYYY-MM-DD"
// @Param limit query int false "每页数量"
// @Param offset query int false "偏移量"
// @Produce json
// @Success 200 {object} response.ListResponse
// @Router /api/credits/transactions [get]
func (h *Handler) ListTransactions(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return
	}

	query := buildTransactionQuery(c)
	query.OwnerID = principal.OwnerID

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

// ExportTransactions 导出当前主体的流水 CSV
// @Summary 导出积分流水为 CSV
// @Tags Credits
// @Security BearerAuth
// @Param type query string false "交易类型"
// @Param startTime query string false "开始日期 YYYY-MM-DD"
// @Param endTime query string false "结束日期 YYYY-MM-DD"
// @Produce text/csv
// @Success 200 {string} string "CSV内容"
// @Router /api/credits/transactions/export [get]
func (h *Handler) ExportTransactions(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return
	}

	query := buildTransactionQuery(c)
	query.OwnerID = principal.OwnerID
	query.Limit = 0 // 导出不分页，服务层分批拉取全量

	csvContent, err := h.ledger.ExportTransactionsCSV(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "导出失败: " + err.Error()})
		return
	}

	filename := "credits_" + time.Now().Format("20060102150405") + ".csv"
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	// 添加 BOM 以支持 Excel 打开
	c.Writer.Write([]byte{0xEF, 0xBB, 0xBF})
	c.Writer.Write(csvContent)
}

// buildTransactionQuery 从查询串构造流水查询条件（不含归属主体）
func buildTransactionQuery(c *gin.Context) *ledgerSvc.TransactionQuery {
	query := &ledgerSvc.TransactionQuery{}

	if t := c.Query("type"); t != "" {
		query.Type = ledgerSvc.TransactionType(t)
	}
	if startStr := c.Query("startTime"); startStr != "" {
		if t, err := time.Parse("2006-01-02", startStr); err == nil {
			query.StartTime = &t
		}
	}
	if endStr := c.Query("endTime"); endStr != "" {
		if t, err := time.Parse("2006-01-02", endStr); err == nil {
			end := t.AddDate(0, 0, 1)
			query.EndTime = &end
		}
	}
	if limit, _ := strconv.Atoi(c.Query("limit")); limit > 0 {
		query.Limit = limit
	}
	if offset, _ := strconv.Atoi(c.Query("offset")); offset > 0 {
		query.Offset = offset
	}
	return query
}
