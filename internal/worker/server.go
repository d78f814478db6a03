package worker

import (
	"context"
	"encoding/json"

	"gateway/internal/config"
	"gateway/internal/infra/queue"
	"gateway/internal/ledger"
	"gateway/internal/orchestrator"
	"gateway/internal/vault"
	"gateway/internal/worker/handlers"
	"gateway/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server 维护任务 worker
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(
	cfg config.RedisConfig,
	workerCfg config.WorkerConfig,
	ledgerSvc *ledger.Service,
	orchSvc *orchestrator.Service,
	vaultSvc *vault.Service,
	logger *zap.Logger,
) *Server {
	srv := asynq.NewServer(
		queue.RedisConnOpt(cfg),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queue.QueueMaintenance: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	h := handlers.NewMaintenanceHandler(ledgerSvc, orchSvc, vaultSvc, logger)
	mux.HandleFunc(tasks.TypeLedgerVerify, h.HandleLedgerVerify)
	mux.HandleFunc(tasks.TypeStaleSweep, h.HandleStaleSweep)
	mux.HandleFunc(tasks.TypeTokenExpiryScan, h.HandleTokenExpiryScan)

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}

// Scheduler 周期任务调度器
// 多实例部署时只应运行一个调度器实例，避免重复入队。
type Scheduler struct {
	scheduler *asynq.Scheduler
	logger    *zap.Logger
}

func NewScheduler(cfg config.RedisConfig, workerCfg config.WorkerConfig, logger *zap.Logger) (*Scheduler, error) {
	s := asynq.NewScheduler(
		queue.RedisConnOpt(cfg),
		&asynq.SchedulerOpts{
			EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
				logger.Error("周期任务入队失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			},
		},
	)

	entries := []struct {
		spec    string
		typ     string
		payload any
	}{
		{"@every 1h", tasks.TypeLedgerVerify, tasks.LedgerVerifyPayload{}},
		{"@every 10m", tasks.TypeStaleSweep, tasks.StaleSweepPayload{StaleAfterMinutes: workerCfg.StaleAfterMinutes}},
		{"@every 1h", tasks.TypeTokenExpiryScan, tasks.TokenExpiryScanPayload{WarnWithinHours: 24}},
	}
	for _, e := range entries {
		data, err := json.Marshal(e.payload)
		if err != nil {
			return nil, err
		}
		if _, err := s.Register(e.spec, asynq.NewTask(e.typ, data), asynq.Queue(queue.QueueMaintenance)); err != nil {
			return nil, err
		}
	}

	return &Scheduler{scheduler: s, logger: logger}, nil
}

// Start 非阻塞启动调度器
func (s *Scheduler) Start() error {
	s.logger.Info("周期任务调度器启动中...")
	return s.scheduler.Start()
}

// Shutdown 停止调度器
func (s *Scheduler) Shutdown() {
	s.logger.Info("周期任务调度器停止中...")
	s.scheduler.Shutdown()
}
