package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/matflow/internal/app"
	"github.com/odyssey-erp/matflow/internal/masterdata"
	"github.com/odyssey-erp/matflow/internal/observability"
	"github.com/odyssey-erp/matflow/internal/platform/cache"
	"github.com/odyssey-erp/matflow/internal/platform/db"
	"github.com/odyssey-erp/matflow/internal/procurement"
	"github.com/odyssey-erp/matflow/internal/shared"
	"github.com/odyssey-erp/matflow/jobs"
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
	slog.SetDefault(logger)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.Redis()); err != nil {
		logger.Warn("redis unavailable, directory cache and inbox disabled", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	directory := masterdata.NewDirectory(
		masterdata.NewRepository(dbpool),
		masterdata.NewCache(redisClient, cfg.DirectoryCacheTTL),
		logger,
	)

	redisOpts := cfg.Redis().AsynqOpt()
	queue := jobs.NewClient(redisOpts)
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	procurementService := procurement.NewService(procurement.NewRepository(dbpool), directory, procurement.Options{
		Policy:             cfg.Policy(),
		History:            shared.NewApprovalRecorder(dbpool, logger),
		Audit:              shared.NewAuditLogger(dbpool),
		Idempotency:        shared.NewIdempotencyStore(dbpool),
		Notifier:           jobs.NewTransitionNotifier(queue),
		Metrics:            metrics,
		Logger:             logger,
		MaxAttachmentBytes: cfg.AttachmentMaxBytes,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	var inbox *jobs.Inbox
	if redisClient != nil {
		inbox = jobs.NewInbox(redisClient)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		MasterDataHandler:  masterdata.NewHandler(logger, directory),
		JobHandler:         jobs.NewHandler(inspector, inbox, logger),
		Metrics:            metrics,
		AccessLog:          !cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
