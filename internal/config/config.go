package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
// Driver 为 postgres 时使用 Host/Port/User 等字段拼接 DSN；
// 为 sqlite 时仅使用 Path（开发模式，纯 Go 驱动，无 cgo）。
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	Path            string `mapstructure:"path"` // sqlite 数据库文件路径
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	// 单节点模式配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 哨兵模式配置
	MasterName       string   `mapstructure:"master_name"`       // 主节点名称
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`    // 哨兵地址列表
	SentinelPassword string   `mapstructure:"sentinel_password"` // 哨兵密码（可选）

	// 集群模式配置
	ClusterAddrs []string `mapstructure:"cluster_addrs"` // 集群节点地址列表

	// 通用配置
	PoolSize     int `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int `mapstructure:"min_idle_conns"` // 最小空闲连接数
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// AuthConfig 鉴权配置
// 网关不管理用户体系，只验证外部签发的 JWT 并从中解析主体。
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	// 管理接口要求的角色名
	AdminRole string `mapstructure:"admin_role"`
}

// VaultConfig 凭据保险库配置
// 主密钥只经环境变量 VAULT_MASTER_KEY 注入，绝不写入配置文件。
type VaultConfig struct {
	// 首次启动时从环境变量 BOOTSTRAP_PROVIDER_TOKEN 导入初始令牌（可选）
	BootstrapFromEnv bool `mapstructure:"bootstrap_from_env"`
	// 导入令牌的默认配额与限频
	BootstrapQuota     int64 `mapstructure:"bootstrap_quota"`
	BootstrapRateLimit int   `mapstructure:"bootstrap_rate_limit"`
	// 导入令牌的有效期（小时），0 表示不过期
	BootstrapTTLHours int `mapstructure:"bootstrap_ttl_hours"`
}

// UpstreamConfig 上游推理服务配置
type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	OrgID   string `mapstructure:"org_id"`
	// 默认模型（请求未指定时使用）
	DefaultModel string `mapstructure:"default_model"`
}

// DispatchConfig 派发器配置
type DispatchConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"` // 同时在途的上游调用上限
	MaxRetries    int `mapstructure:"max_retries"`    // 首次之外的最大重试次数
	TimeoutMS     int `mapstructure:"timeout_ms"`     // 单次尝试超时（毫秒）
	BackoffBaseMS int `mapstructure:"backoff_base_ms"`
	BackoffMaxMS  int `mapstructure:"backoff_max_ms"`
}

// Timeout 单次尝试超时
func (c *DispatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// BackoffBase 退避基准
func (c *DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax 退避上限
func (c *DispatchConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// PricingConfig 计费配置
type PricingConfig struct {
	// 费率表文件路径（yaml），为空时使用内置默认费率
	TablePath string `mapstructure:"table_path"`
	// 新账户初始余额
	InitialBalance int64 `mapstructure:"initial_balance"`
	// 新账户默认单日额度
	DefaultDailyLimit int64 `mapstructure:"default_daily_limit"`
}

// QuotaConfig 令牌配额配置
type QuotaConfig struct {
	// 固定限频窗口尺寸（秒），默认 60
	WindowSeconds int `mapstructure:"window_seconds"`
}

// Window 限频窗口尺寸
func (c *QuotaConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// RateLimitConfig HTTP 层限流配置
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

// CacheConfig 内存缓存配置（余额看板投影等只读热点）
type CacheConfig struct {
	Capacity   int `mapstructure:"capacity"`    // 最大条目数
	TTLSeconds int `mapstructure:"ttl_seconds"` // 条目存活时间
}

// TTL 缓存条目存活时间
func (c *CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// WorkerConfig 后台任务配置
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
	// 滞留 processing 请求的判定阈值（分钟）
	StaleAfterMinutes int `mapstructure:"stale_after_minutes"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// applyDefaults 填充未配置项的默认值
func (c *Config) applyDefaults() {
	if c.Dispatch.MaxConcurrent <= 0 {
		c.Dispatch.MaxConcurrent = 8
	}
	if c.Dispatch.MaxRetries < 0 || c.Dispatch.MaxRetries > 3 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.TimeoutMS <= 0 {
		c.Dispatch.TimeoutMS = 30000
	}
	if c.Dispatch.BackoffBaseMS <= 0 {
		c.Dispatch.BackoffBaseMS = 200
	}
	if c.Dispatch.BackoffMaxMS <= 0 {
		c.Dispatch.BackoffMaxMS = 5000
	}
	if c.Quota.WindowSeconds <= 0 {
		c.Quota.WindowSeconds = 60
	}
	if c.Pricing.InitialBalance <= 0 {
		c.Pricing.InitialBalance = 1000
	}
	if c.Pricing.DefaultDailyLimit <= 0 {
		c.Pricing.DefaultDailyLimit = 500
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 1024
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.StaleAfterMinutes <= 0 {
		c.Worker.StaleAfterMinutes = 30
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "admin"
	}
	if c.Upstream.DefaultModel == "" {
		c.Upstream.DefaultModel = "gpt-4o-mini"
	}
}

// Validate 启动期配置校验
// 配置缺陷属于致命错误：进程应当拒绝服务而不是带病运行。
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("配置校验失败: 不支持的数据库驱动 %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("配置校验失败: 非法端口 %d", c.Server.Port)
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
