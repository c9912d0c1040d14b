package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"auth-service/internal/cache"
	"auth-service/internal/config"
	"auth-service/internal/issuer"
	"auth-service/internal/mail"
	"auth-service/internal/service"
	"auth-service/internal/storage"
	"auth-service/internal/storage/postgres"
	transport "auth-service/internal/transport/http"
	"auth-service/internal/verifier"
)

// Константы для определения окружения.
const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting application", "env", cfg.Env)

	// Корневой контекст по сигналам.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	// Подключение к БД c таймаутом.
	dbCtx, dbCancel := context.WithTimeout(rootCtx, 10*time.Second)
	str, err := postgres.New(dbCtx, cfg.DB.DatabaseURL)
	dbCancel()
	if err != nil {
		log.Error("postgres_connect_failed", slog.String("err", err.Error()))
		rootCancel()
		os.Exit(1)
	}
	log.Info("postgres_connected")

	// Self-check: настроенная длина префикса обязана совпадать с шириной
	// колонки token_prefix. Рассогласование — неопределённое поведение
	// поиска по префиксу, стартовать с ним нельзя.
	if err := checkPrefixWidth(rootCtx, str, cfg.Auth.TokenPrefixLength); err != nil {
		log.Error("prefix_width_check_failed", slog.String("err", err.Error()))
		rootCancel()
		str.Close()
		os.Exit(1)
	}
	log.Info("prefix_width_check_ok", slog.Int("width", cfg.Auth.TokenPrefixLength))

	// Клиент удалённого сервиса выпуска и проверка по JWKS.
	issuerClient := issuer.New(cfg.Auth.IssuerEndpoint, cfg.Auth.IssuerAPIKey, cfg.Auth.IssuerTimeout)
	tokenVerifier := verifier.New(rootCtx, cfg.Auth.JWKSURL, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)

	// Сервис.
	srvc, err := service.New(str, cfg.Auth, issuerClient, mail.LogMailer{})
	if err != nil {
		log.Error("service_init_failed", slog.String("err", err.Error()))
		rootCancel()
		str.Close()
		os.Exit(1)
	}
	log.Info("service_initialized")

	// Кэш refresh-токенов (опционально).
	if cfg.Redis.RedisURL != "" {
		rcache, err := cache.NewRedisCache(cfg.Redis.RedisURL, "")
		if err != nil {
			log.Error("redis_connect_failed", slog.String("err", err.Error()))
			rootCancel()
			str.Close()
			os.Exit(1)
		}
		defer rcache.Close()

		srvc.SetRefreshCache(rcache)
		log.Info("redis_cache_enabled")
	}

	var ready int32 // 0 — not ready; 1 — ready

	e := transport.NewRouter(transport.NewServer(srvc, tokenVerifier), log, cfg.Timeouts.Service)

	e.GET("/livez", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/healthz", func(c echo.Context) error {
		if atomic.LoadInt32(&ready) == 1 {
			return c.String(http.StatusOK, "ok")
		}
		return c.String(http.StatusServiceUnavailable, "not ready")
	})

	// Фоновая очистка просроченных токенов подтверждения.
	startVerificationJanitor(rootCtx, str, log, cfg.Auth.CleanupInterval)

	addr := cfg.HTTP.Addr()
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("http_listen_start", slog.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	atomic.StoreInt32(&ready, 1)

	// Ожидание сигнала завершения или фатальной ошибки сервера.
	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
		}
	}

	atomic.StoreInt32(&ready, 0)

	// Graceful stop с таймаутом.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_force_stop", slog.String("err", err.Error()))
	}

	// Явная очистка перед выходом.
	shutdownCancel()
	rootCancel()
	str.Close()

	log.Info("service_stopped")
}

// setupLogger настраивает slog по окружению.
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
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}

// checkPrefixWidth сверяет настроенную длину префикса со схемой БД.
func checkPrefixWidth(ctx context.Context, str storage.Storage, configured int) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	width, err := str.VerificationPrefixWidth(checkCtx)
	if err != nil {
		return err
	}

	if width != configured {
		return fmt.Errorf("token_prefix column width %d does not match configured length %d", width, configured)
	}

	return nil
}

// startVerificationJanitor запускает фоновую задачу, которая периодически
// удаляет просроченные токены подтверждения. Дополняет троттлинг внутри
// сервиса: janitor даёт предсказуемую периодичность даже без трафика.
func startVerificationJanitor(ctx context.Context, str storage.Storage, log *slog.Logger, period time.Duration) {
	if period <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := str.DeleteExpiredVerificationTokens(ctx, time.Now().UTC()); err != nil {
					log.Error("verification_janitor_failed", slog.String("err", err.Error()))
				}
			}
		}
	}()
}
