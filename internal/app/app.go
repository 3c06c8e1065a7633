// Package app собирает зависимости, общие для API и релея.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/bounty-escrow/internal/config"
	"github.com/ignatzorin/bounty-escrow/internal/db"
	"github.com/ignatzorin/bounty-escrow/internal/gateway"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/notification"
	"github.com/ignatzorin/bounty-escrow/internal/relay"
	"github.com/ignatzorin/bounty-escrow/internal/repository"
	"github.com/ignatzorin/bounty-escrow/internal/retry"
	"github.com/ignatzorin/bounty-escrow/internal/service"
)

const notifyTimeout = 10 * time.Second

// Services - сервисы жизненного цикла эскроу.
type Services struct {
	Bounties *service.BountyService
	Escrow   *service.EscrowService
	Release  *service.ReleaseService
	Refund   *service.RefundService
}

// InitLogger настраивает logrus по окружению.
func InitLogger(cfg *config.Config) {
	logger.Init(cfg.LogLevel)
	if cfg.IsDevelopment() {
		logger.SetTextFormatter()
	}
}

// OpenDatabase подключается к PostgreSQL и при необходимости применяет миграции.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	conn, err := db.NewPostgres(ctx, cfg.DatabaseURL, db.DefaultPoolConfig)
	if err != nil {
		return nil, err
	}
	if cfg.MigrationsEnabled {
		if err := db.RunMigrations(ctx, conn, db.Migrations()); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("app: миграции: %w", err)
		}
	}
	return conn, nil
}

// NewGateway выбирает реализацию шлюза и оборачивает её метриками.
func NewGateway(cfg config.GatewayConfig) gateway.Gateway {
	var gw gateway.Gateway
	switch cfg.Mode {
	case config.GatewayModeHTTP:
		gw = gateway.NewHTTPGateway(gateway.HTTPConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
	default:
		logger.Log.Warn("app: используется sandbox шлюз, реальные деньги не двигаются")
		gw = gateway.NewSandbox()
	}
	return gateway.WithMetrics(gw)
}

// NewDispatcher собирает асинхронную доставку уведомлений.
// Вебхук подключается только при заданном URL.
func NewDispatcher(cfg *config.Config, targets ...notification.Dispatcher) notification.Dispatcher {
	fanout := notification.Fanout(targets)
	if cfg.NotifyWebhookURL != "" {
		fanout = append(fanout, notification.NewWebhookDispatcher(cfg.NotifyWebhookURL, nil, retry.DefaultPolicy()))
	}
	if len(fanout) == 0 {
		return notification.Nop{}
	}
	return notification.NewAsync(fanout, notifyTimeout)
}

// NewServices создаёт сервисы поверх общего хранилища.
func NewServices(cfg *config.Config, store *repository.LedgerRepository, gw gateway.Gateway, dispatcher notification.Dispatcher) *Services {
	return &Services{
		Bounties: service.NewBountyService(store, cfg.MinHoldAmount),
		Escrow:   service.NewEscrowService(store, gw, dispatcher, cfg.MinHoldAmount),
		Release:  service.NewReleaseService(store, gw, dispatcher, cfg.FeeRate, cfg.PlatformAccountID),
		Refund:   service.NewRefundService(store, gw, dispatcher, cfg.FeeRate, cfg.PlatformAccountID),
	}
}

// NewRelay создаёт релей outbox с зарегистрированными обработчиками.
func NewRelay(cfg *config.Config, conn *sqlx.DB, svc *Services) *relay.Relay {
	r := relay.New(
		repository.NewOutboxRepository(conn),
		notification.NewAlerter(cfg.AlertSlackWebhookURL),
		cfg.Relay.RelayOptions(),
	)
	service.RegisterHandlers(r, svc.Escrow, svc.Release, svc.Refund)
	return r
}
