package api

import (
	"gateway/internal/auth"
	middlewarepkg "gateway/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, container *AppContainer, handlers *Handlers) {
	// 主 API 组
	api := router.Group("/api")
	attachAuthedMiddleware(api, container)
	registerAPIRoutes(api, container, handlers)

	// 版本化 API 组（向后兼容）
	apiV1 := router.Group("/api/v1")
	attachAuthedMiddleware(apiV1, container)
	registerAPIRoutes(apiV1, container, handlers)
}

// attachAuthedMiddleware 挂载认证后链路的中间件
func attachAuthedMiddleware(group *gin.RouterGroup, c *AppContainer) {
	group.Use(auth.RequireOwner(c.JWTService))
	if c.RateLimiter != nil {
		// 限流在认证之后，按 owner 维度计数
		group.Use(middlewarepkg.RateLimitMiddleware(c.RateLimiter))
	}
}

// registerAPIRoutes 注册需要认证的 API 路由
func registerAPIRoutes(apiGroup *gin.RouterGroup, c *AppContainer, h *Handlers) {
	adminGuard := auth.RequireAdmin(c.Config.Auth.AdminRole)

	// 推理入口
	registerInferenceRoutes(apiGroup, h)

	// 积分账本（调用方视角）
	registerCreditsRoutes(apiGroup, h)

	// 管理面
	registerAdminRoutes(apiGroup, h, adminGuard)
}

func registerInferenceRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	inference := apiGroup.Group("/inference")
	{
		inference.POST("/run", h.Inference.Run)
		inference.POST("/estimate", h.Inference.Estimate)
		inference.GET("/requests", h.Inference.ListRequests)
		inference.GET("/requests/:id", h.Inference.GetRequest)
	}
}

func registerCreditsRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	credits := apiGroup.Group("/credits")
	{
		credits.GET("/balance", h.Credits.GetBalance)
		credits.GET("/transactions", h.Credits.ListTransactions)
		credits.GET("/transactions/export", h.Credits.ExportTransactions)
	}
}

func registerAdminRoutes(apiGroup *gin.RouterGroup, h *Handlers, adminGuard gin.HandlerFunc) {
	admin := apiGroup.Group("/admin")
	admin.Use(adminGuard)

	// 上游凭据保险库
	tokens := admin.Group("/tokens")
	{
		tokens.POST("", h.Token.Provision)
		tokens.GET("", h.Token.List)
		tokens.GET("/:id", h.Token.Get)
		tokens.POST("/:id/rotate", h.Token.Rotate)
		tokens.POST("/:id/revoke", h.Token.Revoke)
		tokens.POST("/:id/restore", h.Token.Restore)
		tokens.POST("/:id/activate", h.Token.Activate)
		tokens.POST("/:id/reset-usage", h.Token.ResetUsage)
		tokens.GET("/:id/quota", h.Token.QuotaStatus)
	}

	// 积分账户管理
	accounts := admin.Group("/accounts")
	{
		accounts.GET("/:ownerId/balance", h.Account.GetBalance)
		accounts.POST("/:ownerId/allocate", h.Account.Allocate)
		accounts.POST("/:ownerId/refund", h.Account.Refund)
		accounts.PUT("/:ownerId/daily-limit", h.Account.SetDailyLimit)
		accounts.GET("/:ownerId/chain", h.Account.VerifyChain)
		accounts.GET("/:ownerId/transactions", h.Account.ListTransactions)
	}

	// 维护任务应急触发
	maintenance := admin.Group("/maintenance")
	{
		maintenance.POST("/ledger-verify", h.Maintenance.TriggerLedgerVerify)
		maintenance.POST("/stale-sweep", h.Maintenance.TriggerStaleSweep)
		maintenance.POST("/token-expiry-scan", h.Maintenance.TriggerTokenExpiryScan)
	}

	// 审计日志查询
	admin.GET("/audit-logs", h.Audit.Query)
}
