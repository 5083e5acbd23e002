package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgerline/reconauth/internal/audit"
	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/guard"
	"github.com/ledgerline/reconauth/internal/handler"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/middleware"
	"github.com/ledgerline/reconauth/internal/repository"
	"github.com/ledgerline/reconauth/internal/router"
	"github.com/ledgerline/reconauth/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Msg("starting reconauth server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	backupCodeRepo := repository.NewBackupCodeRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	deviceRepo := repository.NewTrustedDeviceRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	signingKeyRepo := repository.NewSigningKeyRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Audit pipeline: persisted, logged, published, and counted for the monitor
	counter := audit.NewCounter()
	dispatcher := audit.NewDispatcher(audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		DropIfFull:  cfg.Audit.DropIfFull,
		EmitTimeout: 5 * time.Second,
	}, audit.MultiSink{
		audit.NewPostgresSink(auditRepo, log),
		audit.NewLogSink(log),
		audit.NewRedisSink(rdb, cfg.Audit.PublishChannel, log),
		counter,
	})
	defer func() {
		dispatcher.Close()
		if n := dispatcher.Dropped(); n > 0 {
			log.Warn().Uint64("dropped", n).Msg("audit events dropped")
		}
	}()

	// Initialize key service (must be before token service)
	ctx := context.Background()
	keySvc := service.NewKeyService(signingKeyRepo, cfg.Security.Tokens.SigningAlgorithm, log)
	if err := keySvc.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key service")
	}

	tokenSvc, err := auth.NewTokenService(cfg.Security.Tokens, keySvc, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token service")
	}

	pw := cfg.Security.Password
	hasher, err := auth.NewHasher(auth.NewParams(pw.Argon2Memory, pw.Argon2Iterations, pw.Argon2Parallelism), pw.HashWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize password hasher")
	}

	// Initialize services
	lockout := guard.New(rdb, cfg.Security.Lockout)
	sessionSvc := service.NewSessionService(sessionRepo, deviceRepo, tokenSvc, rdb, cfg.Sessions, log)
	mfaSvc := service.NewMFAService(accountRepo, backupCodeRepo, rdb, cfg.MFA, log)
	permSvc := service.NewPermissionService(roleRepo, log)
	authSvc := service.NewAuthService(accountRepo, hasher, tokenSvc, lockout, sessionSvc, mfaSvc, permSvc, dispatcher, pw, log)

	// HTTP stack
	alerts := audit.NewSubscriber(rdb.Client, cfg.Audit.PublishChannel, log)
	h := handler.New(db, rdb, log, cfg, alerts, authSvc, keySvc, mfaSvc, sessionSvc)
	mw := middleware.New(rdb, log, cfg, tokenSvc, sessionSvc)
	r := router.New(h, mw, cfg.Server.AllowedOrigins)

	// Background tasks
	bg, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	monitor := audit.NewMonitor(counter, dispatcher, cfg.Monitor.Interval, cfg.Monitor.FailureAlertThreshold, log)
	go monitor.Run(bg)

	maint := &maintenance{
		sessions: sessionSvc,
		keys:     keySvc,
		rdb:      rdb.Client,
		sink:     dispatcher,
		every:    cfg.Sessions.MaintenanceEvery,
		log:      log.WithComponent("maintenance"),
	}
	go maint.run(bg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams hold the connection open; their writes carry their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Bool("tls", cfg.Server.TLS.Enabled).Msg("HTTP server listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	stopBackground()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
