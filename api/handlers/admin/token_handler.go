package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	response "gateway/api/handlers/common"
	auditSvc "gateway/internal/audit"
	"gateway/internal/auth"
	"gateway/internal/quota"
	"gateway/internal/vault"

	"github.com/gin-gonic/gin"
)

// TokenHandler 凭据管理处理器
// 所有变更操作都落审计行；明文凭据只在请求体与保险库之间流转，
// 不进审计详情，不进日志，不进响应。
type TokenHandler struct {
	vault *vault.Service
	quota *quota.Enforcer
	audit *auditSvc.Logger
}

// NewTokenHandler 创建处理器
func NewTokenHandler(vaultSvc *vault.Service, enforcer *quota.Enforcer, auditLogger *auditSvc.Logger) *TokenHandler {
	return &TokenHandler{vault: vaultSvc, quota: enforcer, audit: auditLogger}
}

// tokenView 凭据对外视图，附带推导后的生效状态
type tokenView struct {
	vault.ProviderToken
	EffectiveStatus string `json:"effectiveStatus"`
}

func newTokenView(token *vault.ProviderToken, now time.Time) tokenView {
	return tokenView{ProviderToken: *token, EffectiveStatus: token.EffectiveStatus(now)}
}

type provisionDTO struct {
	Value     string            `json:"value" binding:"required"`
	OwnerID   string            `json:"ownerId" binding:"required"`
	Quota     int64             `json:"quota" binding:"gte=0"`
	RateLimit int               `json:"rateLimit" binding:"gte=0"`
	ExpiresAt *time.Time        `json:"expiresAt"`
	Metadata  map[string]string `json:"metadata"`
	Activate  bool              `json:"activate"`
}

// Provision 录入新凭据
// @Summary 录入上游凭据
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body provisionDTO true "凭据参数"
// @Success 201 {object} response.APIResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/admin/tokens [post]
func (h *TokenHandler) Provision(c *gin.Context) {
	var dto provisionDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	token, err := h.vault.Store(c.Request.Context(), &vault.StoreInput{
		Plaintext: dto.Value,
		OwnerID:   dto.OwnerID,
		Quota:     dto.Quota,
		RateLimit: dto.RateLimit,
		ExpiresAt: dto.ExpiresAt,
		Metadata:  dto.Metadata,
		Activate:  dto.Activate,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "凭据录入失败: " + err.Error()})
		return
	}

	h.recordAudit(c, auditSvc.EventTokenProvision, token.ID, gin.H{
		"ownerId":   dto.OwnerID,
		"quota":     dto.Quota,
		"rateLimit": dto.RateLimit,
		"activate":  dto.Activate,
	})
	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: newTokenView(token, time.Now().UTC()), Message: "凭据已录入"})
}

// List 列出全部凭据（密文字段已抹除）
// @Summary 列出上游凭据
// @Tags Admin
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.APIResponse
// @Router /api/admin/tokens [get]
func (h *TokenHandler) List(c *gin.Context) {
	tokens, err := h.vault.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	now := time.Now().UTC()
	views := make([]tokenView, 0, len(tokens))
	for i := range tokens {
		views = append(views, newTokenView(&tokens[i], now))
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: gin.H{"items": views, "total": len(views)}})
}

// Get 查询单个凭据元数据
// @Summary 查询凭据详情
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "凭据 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/admin/tokens/{id} [get]
func (h *TokenHandler) Get(c *gin.Context) {
	token, err := h.vault.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, vault.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "凭据不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: newTokenView(token, time.Now().UTC())})
}

type rotateDTO struct {
	Value string `json:"value" binding:"required"`
}

// Rotate 轮换凭据
// 轮换不清零累计用量；存储层故障时旧密文保持可用并提示重试间隔。
// @Summary 轮换上游凭据
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "凭据 ID"
// @Param body body rotateDTO true "新凭据值"
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/admin/tokens/{id}/rotate [post]
func (h *TokenHandler) Rotate(c *gin.Context) {
	var dto rotateDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	id := c.Param("id")
	token, err := h.vault.Rotate(c.Request.Context(), id, dto.Value)
	if err != nil {
		var rotateErr *vault.RotateError
		switch {
		case errors.Is(err, vault.ErrTokenNotFound):
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "凭据不存在"})
		case errors.Is(err, vault.ErrTokenRevoked):
			c.JSON(http.StatusConflict, response.ErrorResponse{Success: false, Message: "已吊销的凭据不能轮换"})
		case errors.As(err, &rotateErr):
			c.Header("Retry-After", strconv.Itoa(int(rotateErr.RetryAfter.Seconds())))
			c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "凭据轮换失败，旧凭据仍然有效，请稍后重试"})
		default:
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "凭据轮换失败: " + err.Error()})
		}
		return
	}

	h.recordAudit(c, auditSvc.EventTokenRotate, id, nil)
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: newTokenView(token, time.Now().UTC()), Message: "凭据已轮换"})
}

// Revoke 吊销凭据（幂等）
// @Summary 吊销上游凭据
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "凭据 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/admin/tokens/{id}/revoke [post]
func (h *TokenHandler) Revoke(c *gin.Context) {
	id := c.Param("id")
	err := h.vault.Revoke(c.Request.Context(), id)
	if errors.Is(err, vault.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "凭据不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "吊销失败: " + err.Error()})
		return
	}

	h.recordAudit(c, auditSvc.EventTokenRevoke, id, nil)
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "凭据已吊销"})
}

// Restore 恢复已吊销凭据为待命状态
// 恢复不会直接启用，需再经 Activate 切换。
// @Summary 恢复已吊销凭据
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "凭据 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/admin/tokens/{id}/restore [post]
func (h *TokenHandler) Restore(c *gin.Context) {
	id := c.Param("id")
	err := h.vault.Restore(c.Request.Context(), id)
	if errors.Is(err, vault.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "凭据不存在或不处于吊销状态"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "恢复失败: " + err.Error()})
		return
	}

	h.recordAudit(c, auditSvc.EventTokenRestore, id, nil)
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "凭据已恢复为待命状态"})
}

// Activate 切换活动凭据
// @Summary 切换活动凭据
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "凭据 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /api/admin/tokens/{id}/activate [post]
func (h *TokenHandler) Activate(c *gin.Context) {
	id := c.Param("id")
	err := h.vault.Activate(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrTokenNotFound):
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "凭据不存在"})
		case errors.Is(err, vault.ErrTokenRevoked):
			c.JSON(http.StatusConflict, response.ErrorResponse{Success: false, Message: "已吊销的凭据不能启用"})
		case errors.Is(err, vault.ErrTokenExpired):
			c.JSON(http.StatusConflict, response.ErrorResponse{Success: false, Message: "已过期的凭据不能启用"})
		default:
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "启用失败: " + err.Error()})
		}
		return
	}

	h.recordAudit(c, auditSvc.EventTokenActivate, id, nil)
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "活动凭据已切换"})
}

// ResetUsage 清零累计用量（显式管理操作，轮换不触发）
// @Summary 清零凭据累计用量
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "凭据 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/admin/tokens/{id}/reset-usage [post]
func (h *TokenHandler) ResetUsage(c *gin.Context) {
	id := c.Param("id")
	err := h.vault.ResetUsage(c.Request.Context(), id)
	if errors.Is(err, vault.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "凭据不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "清零失败: " + err.Error()})
		return
	}

	h.recordAudit(c, auditSvc.EventTokenResetUsage, id, nil)
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "累计用量已清零"})
}

// QuotaStatus 查询凭据配额视图（只读，不消耗）
// @Summary 查询凭据配额状态
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "凭据 ID"
// @Produce json
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/admin/tokens/{id}/quota [get]
func (h *TokenHandler) QuotaStatus(c *gin.Context) {
	status, err := h.quota.Status(c.Request.Context(), c.Param("id"))
	if errors.Is(err, vault.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "凭据不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: status})
}

// recordAudit 以当前管理员身份落一条审计行
func (h *TokenHandler) recordAudit(c *gin.Context, event auditSvc.EventType, resource string, details any) {
	if h.audit == nil {
		return
	}
	actorID := ""
	if principal, ok := auth.GetPrincipal(c); ok {
		actorID = principal.OwnerID
	}
	h.audit.Record(c.Request.Context(), actorID, event, "token:"+resource, details)
}
