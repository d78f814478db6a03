package inference

import (
	"errors"
	"net/http"
	"strconv"

	response "gateway/api/handlers/common"
	"gateway/internal/auth"
	"gateway/internal/cache"
	"gateway/internal/orchestrator"
	"gateway/pkg/providerapi"

	"github.com/gin-gonic/gin"
)

// Handler 推理入口处理器
type Handler struct {
	orch         *orchestrator.Service
	balanceCache *cache.TTLCache
}

// NewHandler 创建处理器
func NewHandler(orch *orchestrator.Service, balanceCache *cache.TTLCache) *Handler {
	return &Handler{orch: orch, balanceCache: balanceCache}
}

// Run 执行一次推理
// @Summary 执行推理并按成本扣费
// @Tags Inference
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body providerapi.RequestSpec true "推理请求描述"
// @Success 200 {object} orchestrator.InferenceResult
// @Failure 400 {object} response.FailureResponse
// @Failure 402 {object} response.FailureResponse
// @Failure 429 {object} response.FailureResponse
// @Router /api/inference/run [post]
func (h *Handler) Run(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return
	}

	var spec providerapi.RequestSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		response.RespondGatewayError(c, &orchestrator.GatewayError{
			Kind:    orchestrator.KindValidation,
			Message: "请求体不合法: " + err.Error(),
		})
		return
	}

	result, err := h.orch.RunInference(c.Request.Context(), principal.OwnerID, &spec)
	if err != nil {
		response.RespondGatewayError(c, err)
		return
	}

	// 成功即意味着余额发生变动，失效余额投影
	if h.balanceCache != nil {
		h.balanceCache.Delete(response.BalanceCacheKey(principal.OwnerID))
	}
	c.JSON(http.StatusOK, result)
}

// Estimate 预估请求成本
// 与 Run 共享同一套归一化与定价逻辑，预估值就是实际扣费值。
// @Summary 预估推理成本
// @Tags Inference
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body providerapi.RequestSpec true "推理请求描述"
// @Success 200 {object} response.APIResponse
// @Failure 400 {object} response.FailureResponse
// @Router /api/inference/estimate [post]
func (h *Handler) Estimate(c *gin.Context) {
	var spec providerapi.RequestSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		response.RespondGatewayError(c, &orchestrator.GatewayError{
			Kind:    orchestrator.KindValidation,
			Message: "请求体不合法: " + err.Error(),
		})
		return
	}

	cost, err := h.orch.EstimateCost(&spec)
	if err != nil {
		response.RespondGatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: gin.H{"cost": cost}})
}

// GetRequest 按关联 ID 回查审计记录
// @Summary 查询推理请求审计记录
// @Tags Inference
// @Security BearerAuth
// @Param id path string true "请求 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/inference/requests/{id} [get]
func (h *Handler) GetRequest(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return
	}

	request, err := h.orch.GetRequest(c.Request.Context(), principal.OwnerID, c.Param("id"))
	if errors.Is(err, orchestrator.ErrRequestNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "推理请求不存在"})
		return
	}
	if err != nil {
		response.RespondGatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: request})
}

// ListRequests 列出当前主体的审计记录
// @Summary 查询推理请求列表
// @Tags Inference
// @Security BearerAuth
// @Param status query string false "状态过滤"
// @Param limit query int false "每页数量"
// @Param offset query int false "偏移量"
// @Produce json
// @Success 200 {object} response.ListResponse
// @Router /api/inference/requests [get]
func (h *Handler) ListRequests(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.ErrorResponse{Success: false, Message: "未认证"})
		return
	}

	query := &orchestrator.RequestQuery{OwnerID: principal.OwnerID}
	if status := c.Query("status"); status != "" {
		query.Status = orchestrator.RequestStatus(status)
	}
	if limit, _ := strconv.Atoi(c.Query("limit")); limit > 0 {
		query.Limit = limit
	}
	if offset, _ := strconv.Atoi(c.Query("offset")); offset > 0 {
		query.Offset = offset
	}
	// 与服务层的截断保持一致，让分页元信息如实反映生效值
	if query.Limit <= 0 {
		query.Limit = 20
	}
	if query.Limit > 100 {
		query.Limit = 100
	}

	requests, total, err := h.orch.ListRequests(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.ListResponse{
		Items:      requests,
		Pagination: response.PaginationMeta{Total: total, Limit: query.Limit, Offset: query.Offset},
	})
}
