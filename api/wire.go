package api

import (
	"context"
	"os"
	"strings"
	"time"

	adminHandlers "gateway/api/handlers/admin"
	creditsHandlers "gateway/api/handlers/credits"
	inferenceHandlers "gateway/api/handlers/inference"

	auditpkg "gateway/internal/audit"
	"gateway/internal/auth"
	"gateway/internal/cache"
	"gateway/internal/config"
	"gateway/internal/infra"
	"gateway/internal/infra/queue"
	"gateway/internal/ledger"
	"gateway/internal/logger"
	middlewarepkg "gateway/internal/middleware"
	"gateway/internal/orchestrator"
	"gateway/internal/quota"
	"gateway/internal/upstream"
	"gateway/internal/vault"
	"gateway/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppContainer 应用容器，集中管理所有服务依赖
type AppContainer struct {
	// 基础设施
	DB          *gorm.DB
	Config      *config.Config
	RedisClient redis.UniversalClient
	QueueClient queue.Client

	// 认证与限流
	JWTService  *auth.JWTService
	RateLimiter *middlewarepkg.RateLimiter

	// 核心服务
	VaultService  *vault.Service
	LedgerService *ledger.Service
	Enforcer      *quota.Enforcer
	Pricer        *ledger.Pricer
	Dispatcher    *upstream.Dispatcher
	Orchestrator  *orchestrator.Service
	AuditLogger   *auditpkg.Logger

	// 余额投影缓存（推理扣费与管理端记账共同失效）
	BalanceCache *cache.TTLCache

	// Worker
	WorkerServer *worker.Server
	Scheduler    *worker.Scheduler
}

// Handlers HTTP 处理器集合
type Handlers struct {
	Inference   *inferenceHandlers.Handler
	Credits     *creditsHandlers.Handler
	Token       *adminHandlers.TokenHandler
	Account     *adminHandlers.AccountHandler
	Maintenance *adminHandlers.MaintenanceHandler
	Audit       *adminHandlers.AuditHandler
}

// BuildContainer 构建应用容器
// 所有初始化失败都在这里 Fatal：带病启动的网关会把配置缺陷放大成计费事故。
func BuildContainer(db *gorm.DB, cfg *config.Config) *AppContainer {
	// 统一归一化 Redis 配置，优先使用 cfg.Redis，再回退到环境变量
	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	// 初始化队列客户端（维护任务入队）
	queueClient := queue.NewClient(redisCfg)

	// 初始化 Redis 客户端（JWT 黑名单、HTTP 限流计数）
	redisClient, err := infra.InitRedis(&redisCfg)
	if err != nil {
		logger.Warn("Redis 不可用，JWT 黑名单停用、限流退回进程内令牌桶", zap.Error(err))
		redisClient = nil
	}

	// 初始化认证服务
	jwtService := auth.NewJWTService(resolveJWTSecret(cfg), issuerOrDefault(cfg), redisClient)

	// 初始化限流器
	var rateLimiter *middlewarepkg.RateLimiter
	if cfg.RateLimit.Enabled {
		limiterCfg := middlewarepkg.DefaultRateLimiterConfig()
		if cfg.RateLimit.RequestsPerMinute > 0 {
			limiterCfg.RequestsPerMinute = cfg.RateLimit.RequestsPerMinute
		}
		rateLimiter = middlewarepkg.NewRateLimiter(limiterCfg, redisClient)
	}

	// 初始化凭据保险库
	cipher, err := vault.NewCipher(resolveMasterKey(cfg))
	if err != nil {
		logger.Fatal("初始化凭据加密失败", zap.Error(err))
	}
	vaultService := vault.NewService(db, cipher)

	// 初始化账本与计价
	ledgerService := ledger.NewService(db, cfg.Pricing.InitialBalance, cfg.Pricing.DefaultDailyLimit)
	rateTable, err := ledger.LoadRateTable(cfg.Pricing.TablePath)
	if err != nil {
		logger.Fatal("加载费率表失败", zap.Error(err))
	}
	pricer := ledger.NewPricer(rateTable, nil)

	// 初始化令牌配额执行器
	enforcer := quota.NewEnforcer(db, cfg.Quota.Window())

	// 初始化上游派发器
	dispatcher := upstream.NewDispatcher(upstream.OpenAIFactory{}, vaultService, upstream.Options{
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		Timeout:       cfg.Dispatch.Timeout(),
		BackoffBase:   cfg.Dispatch.BackoffBase(),
		BackoffMax:    cfg.Dispatch.BackoffMax(),
		BaseURL:       cfg.Upstream.BaseURL,
		OrgID:         cfg.Upstream.OrgID,
	})

	// 初始化推理编排服务
	orchService := orchestrator.NewService(
		db, pricer, ledgerService, vaultService, enforcer, dispatcher, cfg.Upstream.DefaultModel,
	)

	// 初始化审计日志
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层数据库连接失败", zap.Error(err))
	}
	auditLogger := auditpkg.NewLogger(sqlDB)
	if cfg.Database.AutoMigrate {
		if err := auditLogger.EnsureSchema(context.Background()); err != nil {
			logger.Fatal("初始化审计表失败", zap.Error(err))
		}
	}

	// 余额投影缓存
	balanceCache := cache.NewTTLCache("balance_projection", cfg.Cache.Capacity, cfg.Cache.TTL())

	container := &AppContainer{
		DB:            db,
		Config:        cfg,
		RedisClient:   redisClient,
		QueueClient:   queueClient,
		JWTService:    jwtService,
		RateLimiter:   rateLimiter,
		VaultService:  vaultService,
		LedgerService: ledgerService,
		Enforcer:      enforcer,
		Pricer:        pricer,
		Dispatcher:    dispatcher,
		Orchestrator:  orchService,
		AuditLogger:   auditLogger,
		BalanceCache:  balanceCache,
	}

	// Worker 与调度器按配置启用；多实例部署时调度器只应随单个实例运行
	if cfg.Worker.Enabled {
		container.WorkerServer = worker.NewServer(
			redisCfg, cfg.Worker, ledgerService, orchService, vaultService, logger.Get(),
		)
		scheduler, err := worker.NewScheduler(redisCfg, cfg.Worker, logger.Get())
		if err != nil {
			logger.Fatal("初始化周期任务调度器失败", zap.Error(err))
		}
		container.Scheduler = scheduler
	}

	// 首次启动可从环境变量导入初始上游凭据
	bootstrapProviderToken(container)

	return container
}

// BuildHandlers 构建 HTTP 处理器
func BuildHandlers(c *AppContainer) *Handlers {
	return &Handlers{
		Inference:   inferenceHandlers.NewHandler(c.Orchestrator, c.BalanceCache),
		Credits:     creditsHandlers.NewHandler(c.Orchestrator, c.LedgerService, c.BalanceCache),
		Token:       adminHandlers.NewTokenHandler(c.VaultService, c.Enforcer, c.AuditLogger),
		Account:     adminHandlers.NewAccountHandler(c.LedgerService, c.AuditLogger, c.BalanceCache),
		Maintenance: adminHandlers.NewMaintenanceHandler(c.QueueClient),
		Audit:       adminHandlers.NewAuditHandler(c.AuditLogger),
	}
}

// Shutdown 释放容器持有的资源
func (c *AppContainer) Shutdown() {
	if c.Scheduler != nil {
		c.Scheduler.Shutdown()
	}
	if c.WorkerServer != nil {
		c.WorkerServer.Shutdown()
	}
	if c.RateLimiter != nil {
		c.RateLimiter.Stop()
	}
	if c.BalanceCache != nil {
		c.BalanceCache.Stop()
	}
	if c.QueueClient != nil {
		if err := c.QueueClient.Close(); err != nil {
			logger.Error("关闭队列客户端异常", zap.Error(err))
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			logger.Error("关闭 Redis 客户端异常", zap.Error(err))
		}
	}
}

// resolveJWTSecret 解析 JWT 签名密钥
// 生产模式必须显式配置密钥，防止使用弱默认值。
func resolveJWTSecret(cfg *config.Config) string {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	if secret == "" {
		secret = strings.TrimSpace(cfg.Auth.JWTSecret)
	}
	if secret == "" {
		if isReleaseMode(cfg) {
			logger.Fatal("JWT_SECRET_KEY 未配置，生产环境禁止使用默认密钥")
		}
		secret = "default_jwt_secret_key_change_in_production" // 本地/测试默认值，需明确提示
		logger.Warn("JWT_SECRET_KEY 未配置，已回退为开发默认值，请在生产环境设置强随机密钥")
	}
	return secret
}

// resolveMasterKey 解析保险库主密钥
// 主密钥只经环境变量注入，绝不写入配置文件。
func resolveMasterKey(cfg *config.Config) string {
	key := strings.TrimSpace(os.Getenv("VAULT_MASTER_KEY"))
	if key == "" {
		if isReleaseMode(cfg) {
			logger.Fatal("VAULT_MASTER_KEY 未配置，生产环境禁止使用默认主密钥")
		}
		key = "default_vault_master_key_change_in_production"
		logger.Warn("VAULT_MASTER_KEY 未配置，已回退为开发默认值，凭据密文不可跨环境迁移")
	}
	return key
}

func issuerOrDefault(cfg *config.Config) string {
	if issuer := strings.TrimSpace(cfg.Auth.Issuer); issuer != "" {
		return issuer
	}
	return "credit-gateway"
}

func isReleaseMode(cfg *config.Config) bool {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	return strings.EqualFold(cfg.Server.Mode, "release") ||
		strings.EqualFold(appEnv, "prod") || strings.EqualFold(appEnv, "production")
}

// bootstrapProviderToken 从环境变量导入初始上游凭据
// 空库部署时省去一次手工 Provision；已有凭据则跳过，保证幂等。
func bootstrapProviderToken(c *AppContainer) {
	if !c.Config.Vault.BootstrapFromEnv {
		return
	}
	plaintext := strings.TrimSpace(os.Getenv("BOOTSTRAP_PROVIDER_TOKEN"))
	if plaintext == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	existing, err := c.VaultService.List(ctx)
	if err != nil {
		logger.Error("检查已有凭据失败，跳过初始凭据导入", zap.Error(err))
		return
	}
	if len(existing) > 0 {
		return
	}

	vaultCfg := c.Config.Vault
	var expiresAt *time.Time
	if vaultCfg.BootstrapTTLHours > 0 {
		t := time.Now().UTC().Add(time.Duration(vaultCfg.BootstrapTTLHours) * time.Hour)
		expiresAt = &t
	}

	token, err := c.VaultService.Store(ctx, &vault.StoreInput{
		Plaintext: plaintext,
		OwnerID:   "system",
		Quota:     vaultCfg.BootstrapQuota,
		RateLimit: vaultCfg.BootstrapRateLimit,
		ExpiresAt: expiresAt,
		Metadata:  map[string]string{"source": "bootstrap_env"},
		Activate:  true,
	})
	if err != nil {
		logger.Error("初始凭据导入失败", zap.Error(err))
		return
	}
	logger.Info("已从环境变量导入初始上游凭据", zap.String("token_id", token.ID))
}
