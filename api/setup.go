package api

import (
	_ "gateway/api/docs"
	"gateway/internal/config"
	"gateway/internal/metrics"
	middlewarepkg "gateway/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"
)

// SetupRouter 设置并返回 Gin 路由与应用容器
// 容器交给调用方管理生命周期（Worker 启动、优雅关闭）。
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *AppContainer) {
	router := gin.New()

	container := BuildContainer(db, cfg)

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())

	// Prometheus 指标收集中间件
	router.Use(metrics.PrometheusMiddleware())

	// 公开端点（不需要认证）
	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck())

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 业务路由
	handlers := BuildHandlers(container)
	RegisterRoutes(router, container, handlers)

	return router, container
}
