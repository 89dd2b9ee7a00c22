package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/invoicedesk/invoicedesk/internal/app"
	"github.com/invoicedesk/invoicedesk/internal/erp"
	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/invoices"
	jobmetrics "github.com/invoicedesk/invoicedesk/internal/jobs"
	"github.com/invoicedesk/invoicedesk/internal/platform/cache"
	"github.com/invoicedesk/invoicedesk/internal/platform/db"
	"github.com/invoicedesk/invoicedesk/internal/session"
	"github.com/invoicedesk/invoicedesk/jobs"
)

// persistedToken reads the operator token the API process saved, so a
// login or logout there is seen by the next task.
type persistedToken struct {
	persist *session.RedisPersister
	logger  *slog.Logger
}

func (p persistedToken) Token() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := p.persist.LoadUserSession(ctx)
	if err != nil {
		p.logger.Warn("load user session", slog.Any("error", err))
		return ""
	}
	if sess == nil {
		return ""
	}
	return sess.Token
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	ledger := erp.NewPGSyncLedger(pool, cfg.DeskProfile)
	if err := ledger.EnsureSchema(ctx); err != nil {
		logger.Error("ensure status sync ledger", slog.Any("error", err))
		os.Exit(1)
	}

	client := gateway.New(gateway.Config{
		BaseURL:    cfg.BackendURL,
		HTTPClient: &http.Client{Timeout: cfg.BackendTimeout},
		Tokens:     persistedToken{persist: session.NewRedisPersister(redisClient, cfg.DeskProfile), logger: logger},
		GuardReset: cfg.UnauthorizedGuardReset,
		Logger:     logger,
	})
	syncer := erp.NewStatusSyncer(invoices.NewAPIBackend(client), ledger, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(redisOpts, cfg.StatusSyncMaxRetry)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	statusJob := jobs.NewStatusSyncJob(syncer, jobClient, logger, jobmetrics.NewMetrics(nil))

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStatusSync, Handler: statusJob.Handle},
			{Type: jobs.TaskStatusSyncSweep, Handler: statusJob.HandleSweep},
		},
		Cron: []jobs.CronRegistration{
			{Spec: jobs.StatusSyncSweepCron, Task: jobs.NewStatusSyncSweepTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
