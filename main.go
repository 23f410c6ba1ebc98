package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/account"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/auth"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/checkpoint"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/config"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/credential"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/dedupe"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/dispatch"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/filter"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/httpapi"
	natsjs "github.com/Cobalt-dev/mail-dispatch-infra/internal/nats"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/pipeline"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/providers/gmail"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/providers/outlook"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/sync"
)

// Platform ids assigned by the onboarding service.
const (
	platformGmail   = "gmail"
	platformOutlook = "outlook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mail dispatch service", "addr", cfg.HTTPAddr)

	ctx := context.Background()

	// Account store (read-only, owned by onboarding)
	accounts, err := account.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to account store", "error", err)
		os.Exit(1)
	}
	defer accounts.Close()

	// Checkpoint store (the only durable state this service owns)
	checkpoints, err := checkpoint.Open(cfg.CheckpointDBPath)
	if err != nil {
		logger.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer checkpoints.Close()

	// Queue
	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	if err := publisher.EnsureStream(ctx); err != nil {
		logger.Error("failed to ensure task stream", "error", err)
		os.Exit(1)
	}

	// Optional publish-side dedupe
	var deduper *dedupe.Deduper
	if cfg.DedupeEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		deduper = dedupe.New(rdb, cfg.DedupeTTL, logger)
		logger.Info("publish-side dedupe enabled", "addr", cfg.RedisAddr)
	}

	// Optional operator auth on the manual endpoint
	var verifier *auth.Verifier
	if cfg.ManualAuthEnabled() {
		verifier, err = auth.NewVerifier(cfg.JWKSURL)
		if err != nil {
			logger.Error("failed to create JWT verifier", "error", err)
			os.Exit(1)
		}
		logger.Info("manual trigger auth enabled", "jwks_url", cfg.JWKSURL)
	} else {
		logger.Warn("manual trigger endpoint is unauthenticated; set JWKS_URL outside development")
	}

	creds := credential.NewClient(cfg.CredentialServiceURL)
	resolver := account.NewResolver(accounts, creds, logger)

	labelFilter := filter.New(cfg.FilterLabels)
	if labelFilter.Enabled() {
		logger.Info("label filter enabled", "labels", cfg.FilterLabels)
	}

	engine := sync.NewEngine(checkpoints, labelFilter, cfg.FetchRetries, cfg.RetryBackoff, logger)
	dispatcher := dispatch.NewDispatcher(publisher, checkpoints, deduper, cfg.TaskQueue, cfg.PublishRetries, cfg.RetryBackoff, logger)

	pipe := pipeline.New(resolver, engine, dispatcher, providerFactory, cfg.SyncTimeout, logger)

	router := httpapi.NewRouter(httpapi.Deps{
		Pipeline:    pipe,
		Verifier:    verifier,
		Logger:      logger,
		Audit:       checkpoints,
		Accounts:    accounts,
		Checkpoints: checkpoints,
		QueueUp:     publisher.Connected,
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}

// providerFactory maps an account's platform id to its provider adapter.
func providerFactory(ctx context.Context, acct *account.Account, cred *account.Credential) (sync.Provider, error) {
	switch acct.PlatformID {
	case platformGmail:
		return gmail.New(ctx, cred)
	case platformOutlook:
		return outlook.New(ctx, cred, acct.PrimaryAddress)
	default:
		return nil, fmt.Errorf("unsupported platform %q", acct.PlatformID)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
