// Команда relay обрабатывает outbox отдельно от API.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ignatzorin/bounty-escrow/internal/app"
	"github.com/ignatzorin/bounty-escrow/internal/config"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/metrics"
	"github.com/ignatzorin/bounty-escrow/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("relay: ошибка загрузки конфигурации: %v", err)
	}
	app.InitLogger(cfg)
	metrics.Init()

	dbConn, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		logger.Log.Fatalf("relay: ошибка подключения к базе: %v", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Log.WithError(err).Error("relay: ошибка закрытия базы")
		}
	}()

	// Без вебсокетов уведомления уходят только во внешний вебхук.
	services := app.NewServices(cfg, repository.NewLedgerRepository(dbConn), app.NewGateway(cfg.Gateway), app.NewDispatcher(cfg))

	if err := app.NewRelay(cfg, dbConn, services).Run(ctx); err != nil {
		logger.Log.WithError(err).Error("relay: остановлен с ошибкой")
	}
}
