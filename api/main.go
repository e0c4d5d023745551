package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"kiln/api/builder"
	"kiln/api/config"
	kcron "kiln/api/cron"
	"kiln/api/handler"
	"kiln/api/health"
	"kiln/api/hooks"
	"kiln/api/hub"
	"kiln/api/lock"
	"kiln/api/logging"
	"kiln/api/metrics"
	"kiln/api/pipeline"
	"kiln/api/runtime"
	"kiln/api/storage"
	"kiln/api/store"
	"kiln/api/tracing"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	cfg := config.Load()
	logger := logging.New(logging.ModeJSON, os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("kiln agent", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	layout := config.NewLayout(cfg.Root)
	if err := layout.Ensure(); err != nil {
		return err
	}
	settings, err := config.LoadSettings(os.Environ(), cfg.SettingsFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	lockOpts := []lock.Option{lock.WithLogger(logger)}
	deployLock := lock.New(layout.Locks(), lock.NameDeployment, lockOpts...)
	statusLock := lock.New(layout.Locks(), lock.NameStatus, lockOpts...)
	hooksLock := lock.New(layout.Locks(), lock.NameHooks, lockOpts...)
	swapLock := lock.New(layout.Locks(), lock.NameAutoSwap, lockOpts...)

	status := store.NewStatusManager(layout, statusLock, store.Options{
		SiteName: cfg.SiteName,
		Logger:   logger,
	})

	var s3Client *storage.Client
	var uploader storage.Uploader
	if cfg.S3Endpoint != "" {
		s3Client, err = storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		}, logger)
		if err != nil {
			logger.Warn("S3 storage unavailable", "error", err)
		} else {
			uploader = s3Client
			logger.Info("S3 storage configured", "endpoint", cfg.S3Endpoint)
			if bucket := settings.Get(config.KeyArtifactBucket); bucket != "" {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := s3Client.EnsureBucket(ctx, bucket); err != nil {
					logger.Warn("ensure artifact bucket", "bucket", bucket, "error", err)
				}
				cancel()
			}
		}
	}

	// Parse allowed origins: always include localhost, plus configured extras.
	allowedOrigins := []string{"http://localhost:5173", "http://localhost:3000"}
	if cfg.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ws := hub.New(allowedOrigins, logger)
	go ws.Run(ctx)

	hookStore := hooks.NewManager(layout.HooksFile(), hooksLock)
	manager := &pipeline.Manager{
		Settings:     settings,
		Layout:       layout,
		Lock:         deployLock,
		AutoSwapLock: swapLock,
		Status:       status,
		Builders: &builder.Factory{
			Settings: settings,
			Layout:   layout,
			Runner:   runtime.NewProcessRunner(),
			Uploader: uploader,
			Metrics:  rec,
			Logger:   logger,
		},
		Hooks:        hooks.NewPublisher(hookStore, logger),
		Swapper:      &pipeline.FileSwapper{Dir: layout.AutoSwap()},
		Hub:          ws,
		Metrics:      rec,
		Tracer:       tracing.New(nil),
		Logger:       logger,
		LockWait:     cfg.LockWait,
		BuildTimeout: cfg.BuildTimeout,
	}

	if n, err := manager.Recover(ctx); err != nil {
		logger.Warn("recover unfinished deployments", "error", err)
	} else if n > 0 {
		logger.Info("failed unfinished deployments", "count", n)
	}

	scheduler := kcron.New(logger)
	if err := scheduler.Add("pending", cfg.PendingPoll, func(ctx context.Context) error {
		_, err := manager.RunPending(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.Add("prune", cfg.PruneSchedule, func(ctx context.Context) error {
		removed, err := manager.PruneHistory(ctx)
		if len(removed) > 0 {
			logger.Info("pruned deployment history", "count", len(removed))
		}
		return err
	}); err != nil {
		return err
	}
	scheduler.Start()

	locks := []*lock.Lock{deployLock, statusLock, hooksLock, swapLock}
	poller := &health.Poller{
		Locks:    locks,
		WS:       ws,
		SiteURL:  cfg.SiteProbeURL,
		Interval: cfg.HealthInterval,
		Logger:   logger,
	}
	go poller.Run(ctx)

	byName := make(map[string]*lock.Lock, len(locks))
	for _, l := range locks {
		byName[l.Name()] = l
	}
	h := handler.New(handler.Deps{
		Manager:   manager,
		Status:    status,
		Hooks:     hookStore,
		Locks:     byName,
		Hub:       ws,
		Metrics:   rec,
		Config:    cfg,
		Layout:    layout,
		Scheduler: scheduler,
		Storage:   s3Client,
		Version:   Version,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           h.Router(allowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("kiln listening", "version", Version, "addr", srv.Addr, "root", cfg.Root)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	logger.Info("shutting down")
	scheduler.Stop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Background deployments hold the deployment lock; let them finish so
	// the lock is released rather than left to expire.
	manager.Wait()
	return nil
}
