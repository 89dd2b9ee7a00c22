package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/invoicedesk/invoicedesk/internal/activity"
	"github.com/invoicedesk/invoicedesk/internal/app"
	"github.com/invoicedesk/invoicedesk/internal/auth"
	"github.com/invoicedesk/invoicedesk/internal/erp"
	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/invoices"
	"github.com/invoicedesk/invoicedesk/internal/notify"
	"github.com/invoicedesk/invoicedesk/internal/observability"
	"github.com/invoicedesk/invoicedesk/internal/platform/cache"
	"github.com/invoicedesk/invoicedesk/internal/platform/db"
	"github.com/invoicedesk/invoicedesk/internal/session"
	"github.com/invoicedesk/invoicedesk/internal/users"
	"github.com/invoicedesk/invoicedesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 4})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()
	center := notify.NewCenter(cfg.NotifyTTL, logger)

	sessions := session.NewStore(
		session.NewRedisPersister(redisClient, cfg.DeskProfile),
		session.WithERPWindow(cfg.ERPSessionTTL, cfg.ERPFreshness),
		session.WithLogger(logger),
	)
	if err := sessions.Restore(ctx); err != nil {
		logger.Warn("restore user session", slog.Any("error", err))
	}

	client := gateway.New(gateway.Config{
		BaseURL:    cfg.BackendURL,
		HTTPClient: &http.Client{Timeout: cfg.BackendTimeout},
		Tokens:     sessions,
		GuardReset: cfg.UnauthorizedGuardReset,
		Logger:     logger,
	})

	activityLog := activity.NewRedisLog(redisClient, cfg.DeskProfile, cfg.ActivityLimit)
	recorder := activity.NewRecorder(activityLog, sessions, logger)

	authService := auth.NewService(auth.ServiceConfig{
		Client:   client,
		Sessions: sessions,
		Activity: recorder,
		Demo:     auth.DemoAccounts(cfg.DemoAccounts),
		Metrics:  metrics,
		Logger:   logger,
	})
	client.SetUnauthorizedHandler(authService.Expire)

	ledger := erp.NewPGSyncLedger(dbpool, cfg.DeskProfile)
	if err := ledger.EnsureSchema(ctx); err != nil {
		logger.Error("ensure status sync ledger", slog.Any("error", err))
		os.Exit(1)
	}

	invoiceBackend := invoices.NewAPIBackend(client)
	syncer := erp.NewStatusSyncer(invoiceBackend, ledger, logger)
	controller := invoices.NewController(invoices.ControllerConfig{
		Backend:  invoiceBackend,
		Notifier: center,
		Markers:  syncer,
		Metrics:  metrics,
		Logger:   logger,
	})

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

	protocol := erp.NewProtocol(erp.ProtocolConfig{
		Backend:   erp.NewAPIBackend(client),
		Invoices:  controller,
		Status:    invoiceBackend,
		Sessions:  sessions,
		Ledger:    ledger,
		Scheduler: jobClient,
		Notifier:  center,
		Metrics:   metrics,
		Logger:    logger,
	})

	usersService := users.NewService(users.NewAPIRepository(client), sessions, center, recorder, logger)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	hub := notify.NewHub(center, func(origin string) bool {
		return slices.Contains(cfg.CORSOrigins, origin)
	}, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Sessions:            sessions,
		Metrics:             metrics,
		AuthHandler:         auth.NewHandler(logger, authService),
		InvoicesHandler:     invoices.NewHandler(logger, controller),
		ERPHandler:          erp.NewHandler(logger, protocol, sessions, ledger),
		UsersHandler:        users.NewHandler(logger, usersService),
		ActivityHandler:     activity.NewHandler(logger, recorder),
		NotificationHandler: notify.NewHandler(center, hub),
		JobHandler:          jobs.NewHandler(inspector, logger),
	})

	if _, ok := sessions.UserSession(); ok {
		if err := controller.Load(ctx); err != nil {
			logger.Warn("initial invoice load", slog.Any("error", err))
		}
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
