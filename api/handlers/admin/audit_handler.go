package admin

import (
	"net/http"
	"strconv"
	"time"

	response "gateway/api/handlers/common"
	auditSvc "gateway/internal/audit"

	"github.com/gin-gonic/gin"
)

// AuditHandler 审计日志查询处理器
type AuditHandler struct {
	audit *auditSvc.Logger
}

// NewAuditHandler 创建处理器
func NewAuditHandler(auditLogger *auditSvc.Logger) *AuditHandler {
	return &AuditHandler{audit: auditLogger}
}

// Query 查询管理操作审计日志
// @Summary 查询审计日志
// @Tags Admin
// @Security BearerAuth
// @Param actorId query string false "操作者 ID"
// @Param action query string false "事件类型"
// @Param resource query string false "资源标识"
// @Param from query string false "开始时间 RFC3339"
// @Param to query string false "结束时间 RFC3339"
// @Param limit query int false "每页数量"
// @Param offset query int false "偏移量"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/admin/audit-logs [get]
func (h *AuditHandler) Query(c *gin.Context) {
	filter := auditSvc.Filter{
		ActorID:  c.Query("actorId"),
		Action:   c.Query("action"),
		Resource: c.Query("resource"),
	}
	if fromStr := c.Query("from"); fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			filter.From = &t
		}
	}
	if toStr := c.Query("to"); toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			filter.To = &t
		}
	}
	if limit, _ := strconv.Atoi(c.Query("limit")); limit > 0 {
		filter.Limit = limit
	}
	if offset, _ := strconv.Atoi(c.Query("offset")); offset > 0 {
		filter.Offset = offset
	}

	entries, err := h.audit.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: gin.H{"items": entries, "count": len(entries)}})
}
