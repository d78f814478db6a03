package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets, // 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
		},
		[]string{"method", "path"},
	)
)

// 推理请求指标
var (
	// InferenceRequestsTotal 推理请求总数
	InferenceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_inference_requests_total",
			Help: "推理请求总数",
		},
		[]string{"category", "model", "status"},
	)

	// InferenceDuration 推理请求端到端耗时（秒）
	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_inference_duration_seconds",
			Help:    "推理请求端到端耗时分布",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"category", "model"},
	)

	// InferenceCreditsCharged 推理扣费积分总数
	InferenceCreditsCharged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_inference_credits_charged_total",
			Help: "推理扣费积分总数",
		},
		[]string{"category"},
	)

	// InferenceTokens 推理 Token 数量
	InferenceTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_inference_tokens_total",
			Help: "推理 Token 总数",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)
)

// 上游派发指标
var (
	// UpstreamAttemptsTotal 上游调用尝试总数
	UpstreamAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "上游调用尝试总数",
		},
		[]string{"provider", "status"},
	)

	// UpstreamRetriesTotal 上游重试总数
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "上游重试总数",
		},
		[]string{"provider"},
	)

	// UpstreamInFlight 进行中的上游调用数量
	UpstreamInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_upstream_in_flight",
			Help: "进行中的上游调用数量",
		},
		[]string{"provider"},
	)

	// UpstreamCallDuration 上游单次调用耗时（秒）
	UpstreamCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_call_duration_seconds",
			Help:    "上游单次调用耗时分布",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "model"},
	)
)

// 配额与余额指标
var (
	// QuotaDenialsTotal 配额拒绝总数
	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_quota_denials_total",
			Help: "配额拒绝总数",
		},
		[]string{"reason"}, // reason: quota_exhausted, rate_limited
	)

	// BalanceDenialsTotal 余额拒绝总数
	BalanceDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_balance_denials_total",
			Help: "余额拒绝总数",
		},
		[]string{"reason"}, // reason: insufficient_balance, daily_limit_exceeded
	)
)

// 账本指标
var (
	// LedgerIntegrityFailures 扣费落账失败总数
	LedgerIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_ledger_integrity_failures_total",
			Help: "推理成功但扣费落账失败的总数",
		},
	)

	// LedgerRefundsTotal 退款总数
	LedgerRefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ledger_refunds_total",
			Help: "退款总数",
		},
		[]string{"status"}, // status: applied, duplicate
	)

	// LedgerChainChecksTotal 账本链校验总数
	LedgerChainChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ledger_chain_checks_total",
			Help: "账本链校验总数",
		},
		[]string{"status"}, // status: ok, broken
	)
)

// 保险库指标
var (
	// VaultRotationsTotal 凭据轮换总数
	VaultRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_vault_rotations_total",
			Help: "凭据轮换总数",
		},
		[]string{"status"}, // status: success, failed
	)

	// VaultGeneration 当前凭据代数
	VaultGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_vault_generation",
			Help: "当前凭据代数，轮换或吊销时递增",
		},
	)

	// VaultTokensExpiring 巡检窗口内将到期的凭据数
	VaultTokensExpiring = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_vault_tokens_expiring",
			Help: "到期巡检窗口内将到期的凭据数",
		},
	)
)

// 缓存指标
var (
	// CacheHitsTotal 缓存命中数
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "缓存命中总数",
		},
		[]string{"cache_type"},
	)

	// CacheMissesTotal 缓存未命中数
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "缓存未命中总数",
		},
		[]string{"cache_type"},
	)
)

// 数据库指标
var (
	// DBConnections 数据库连接数
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_db_connections",
			Help: "数据库连接数",
		},
		[]string{"state"}, // state: open, in_use, idle
	)
)

// 系统指标
var (
	// BuildInfo 构建信息
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "网关构建信息",
		},
		[]string{"version", "go_version", "commit"},
	)
)

// RecordBuildInfo 记录构建信息
func RecordBuildInfo(version, goVersion, commit string) {
	BuildInfo.WithLabelValues(version, goVersion, commit).Set(1)
}

// RecordUpstreamCall 包裹一次上游调用，统一记录尝试数、在途数与耗时
func RecordUpstreamCall(provider, model string, fn func() error) error {
	UpstreamInFlight.WithLabelValues(provider).Inc()
	start := time.Now()

	err := fn()

	UpstreamInFlight.WithLabelValues(provider).Dec()
	UpstreamCallDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	UpstreamAttemptsTotal.WithLabelValues(provider, status).Inc()
	return err
}
