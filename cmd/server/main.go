package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/bounty-escrow/internal/app"
	"github.com/ignatzorin/bounty-escrow/internal/config"
	"github.com/ignatzorin/bounty-escrow/internal/goroutine"
	httpHandlers "github.com/ignatzorin/bounty-escrow/internal/http/handlers"
	httpRouter "github.com/ignatzorin/bounty-escrow/internal/http/router"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/metrics"
	"github.com/ignatzorin/bounty-escrow/internal/repository"
	"github.com/ignatzorin/bounty-escrow/internal/service"
	"github.com/ignatzorin/bounty-escrow/internal/ws"
)

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}
	app.InitLogger(cfg)
	metrics.Init()

	dbConn, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		logger.Log.Fatalf("main: ошибка подключения к базе: %v", err)
	}
	defer safeClose(dbConn)

	// Вебсокеты.
	hub := ws.NewHub()
	goroutine.SafeGoWithContext(ctx, hub.Run)

	store := repository.NewLedgerRepository(dbConn)
	gw := app.NewGateway(cfg.Gateway)
	dispatcher := app.NewDispatcher(cfg, hub)
	services := app.NewServices(cfg, store, gw, dispatcher)
	tokenManager := service.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL)

	// Релей можно вынести в отдельный процесс (cmd/relay).
	if cfg.Relay.Enabled {
		r := app.NewRelay(cfg, dbConn, services)
		goroutine.SafeGo(func() {
			if err := r.Run(ctx); err != nil {
				logger.Log.WithError(err).Error("main: релей остановлен с ошибкой")
			}
		})
	}

	// HTTP хэндлеры.
	healthHandler := httpHandlers.NewHealthHandler(dbConn)
	bountyHandler := httpHandlers.NewBountyHandler(services.Bounties, services.Escrow, services.Release, services.Refund)
	wsHandler := httpHandlers.NewWSHandler(hub, tokenManager, cfg.AllowedOrigins)

	engine := httpRouter.SetupRouter(cfg, tokenManager, healthHandler, bountyHandler, wsHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Log.WithError(err).Error("main: ошибка остановки http сервера")
		}
	}()

	logger.Log.WithField("port", cfg.HTTPPort).Info("main: HTTP сервер запущен")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		logger.Log.WithError(err).Error("main: ошибка закрытия базы")
	}
}
