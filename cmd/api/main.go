package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/numio/server/internal/auth"
	"github.com/numio/server/internal/config"
	httpserver "github.com/numio/server/internal/http"
	"github.com/numio/server/internal/http/handlers"
	"github.com/numio/server/internal/repo"
	"github.com/numio/server/internal/store"
)

func main() {
	// Env vars override .env values.
	_ = godotenv.Load(".env")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DataFile)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.DataFile)
		os.Exit(1)
	}

	userRepo := repo.NewUserRepo(st)
	sessionRepo := repo.NewSessionRepo(st)
	otpRepo := repo.NewOtpRepo(st)
	emailTokenRepo := repo.NewEmailTokenRepo(st)

	hasher := auth.NewPBKDF2Hasher()
	tokenCodec := auth.NewTokenCodec(cfg.JWTSecret, cfg.AccessTokenTTL())
	otpEngine := auth.NewOtpEngine(otpRepo, hasher, auth.OtpConfig{
		Length:       cfg.OTPLength,
		TTL:          cfg.OTPTTL(),
		MaxAttempts:  cfg.OTPMaxAttempts,
		SendCooldown: cfg.OTPSendCooldown(),
		Window:       cfg.OTPWindow(),
		MaxPerWindow: cfg.OTPMaxPerWindow,
	}, logger)

	authService := auth.NewService(
		userRepo, sessionRepo, emailTokenRepo,
		otpEngine, hasher, tokenCodec,
		cfg.RefreshTokenTTL(), logger,
	)

	ctx := context.Background()
	if err := authService.EnsureSeedAdmin(ctx, cfg.AdminEmail, cfg.AdminPhone, cfg.AdminPassword); err != nil {
		logger.Error("failed to seed admin", "error", err)
		os.Exit(1)
	}

	authHandler := handlers.NewAuthHandler(authService, logger, cfg.DevMode)
	router := httpserver.NewRouter(authHandler, authService, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}
