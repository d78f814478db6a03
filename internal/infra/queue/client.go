package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"gateway/internal/config"
	"gateway/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// QueueMaintenance 维护任务队列名
const QueueMaintenance = "maintenance"

// RedisConnOpt 由 Redis 配置构造 asynq 连接参数
// 与 infra.InitRedis 支持同一组部署模式。
func RedisConnOpt(cfg config.RedisConfig) asynq.RedisConnOpt {
	switch cfg.Mode {
	case "sentinel":
		return asynq.RedisFailoverClientOpt{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
		}
	case "cluster":
		return asynq.RedisClusterClientOpt{
			Addrs:    cfg.ClusterAddrs,
			Password: cfg.Password,
		}
	default:
		return asynq.RedisClientOpt{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
}

// Client 任务队列客户端接口
// 管理端点经由它手工触发巡检，周期触发由 worker.Scheduler 负责。
type Client interface {
	EnqueueLedgerVerify(payload tasks.LedgerVerifyPayload) error
	EnqueueStaleSweep(payload tasks.StaleSweepPayload) error
	EnqueueTokenExpiryScan(payload tasks.TokenExpiryScanPayload) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	return &asynqClient{client: asynq.NewClient(RedisConnOpt(cfg))}
}

func (c *asynqClient) EnqueueLedgerVerify(payload tasks.LedgerVerifyPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	// 全量巡检可能较慢，给足超时
	_, err = c.client.Enqueue(asynq.NewTask(tasks.TypeLedgerVerify, data),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(QueueMaintenance),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueStaleSweep(payload tasks.StaleSweepPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	_, err = c.client.Enqueue(asynq.NewTask(tasks.TypeStaleSweep, data),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue(QueueMaintenance),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueTokenExpiryScan(payload tasks.TokenExpiryScanPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	_, err = c.client.Enqueue(asynq.NewTask(tasks.TypeTokenExpiryScan, data),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue(QueueMaintenance),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
