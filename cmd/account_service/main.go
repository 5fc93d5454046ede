package main

import (
	"account_service/internal/auth"
	"account_service/internal/config"
	"account_service/internal/handler"
	"account_service/internal/lockout"
	"account_service/internal/models"
	"account_service/internal/service"
	"account_service/internal/storage"
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	//PARSE ARGS
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML config")

	flag.Parse()
	if configPath == "" {
		log.Fatal("failed get config path from flags")
	}

	cfg := config.MustLoadConfig(configPath)

	//INIT LOGGER
	lgr := setupLogger(cfg.Env)
	lgr.Info("starting account service", slog.String("env", cfg.Env))

	//INIT DB
	st, err := setupStorage(cfg)
	if err != nil {
		lgr.Error("failed to init storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	//INIT CORE
	clock := auth.SystemClock{}
	hasher := auth.NewBcryptHasher(cfg.Hasher.Cost)
	issuer := auth.NewIssuer(auth.NewSigner(clock), clock, tokenKinds(cfg.Tokens), []byte(cfg.Tokens.RegisterSecret))
	guard := lockout.NewGuard(st, hasher, clock, lockout.Config{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Duration:    cfg.Lockout.Duration,
		MaxRetries:  cfg.Lockout.MaxRetries,
	}, lgr)
	srvc := service.NewService(st, hasher, issuer, guard, lgr)

	//INIT SERVER
	if cfg.Env == envProd {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler.NewHandler(srvc, lgr).InitRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		lgr.Info("server started", slog.String("address", cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-done
	lgr.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		lgr.Error("server shutdown failed", slog.Any("error", err))
		return
	}

	lgr.Info("account service stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}

func setupStorage(cfg *config.Config) (storage.Storage, error) {
	if cfg.Driver == config.DriverMemory {
		return storage.NewMemoryStorage(), nil
	}

	ctx := context.Background()

	pg, err := storage.NewPostgresStorage(ctx, cfg.DbURL)
	if err != nil {
		return nil, err
	}

	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}

	return pg, nil
}

func tokenKinds(t config.Tokens) map[models.TokenKind]auth.KindConfig {
	kind := func(s config.TokenSecrets) auth.KindConfig {
		return auth.KindConfig{
			AccessSecret:  []byte(s.AccessSecret),
			AccessTTL:     s.AccessTTL,
			RefreshSecret: []byte(s.RefreshSecret),
			RefreshTTL:    s.RefreshTTL,
		}
	}

	return map[models.TokenKind]auth.KindConfig{
		models.TokenKindApp:    kind(t.App),
		models.TokenKindSocket: kind(t.Socket),
	}
}
