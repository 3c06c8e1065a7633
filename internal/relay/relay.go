// Package relay - фоновый обработчик outbox. Забирает события, вызывает
// обработчик по типу события и применяет повторы с экспоненциальной задержкой.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	domainrepo "github.com/ignatzorin/bounty-escrow/internal/domain/repository"
	"github.com/ignatzorin/bounty-escrow/internal/gateway"
	"github.com/ignatzorin/bounty-escrow/internal/goroutine"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/metrics"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/retry"
)

// ErrFatal - ошибка, при которой событие нельзя повторить
// (неизвестный тип, нечитаемый payload).
var ErrFatal = errors.New("relay: fatal event error")

// Fatal помечает ошибку как фатальную для события.
func Fatal(err error) error {
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

// Handler выполняет внешнее действие события.
// Handle при успехе сам завершает событие в одной транзакции с леджером.
// Fail помечает транзакции проваленными, применяет откат и завершает событие как failed.
type Handler interface {
	Handle(ctx context.Context, ev *models.OutboxEvent) error
	Fail(ctx context.Context, ev *models.OutboxEvent, cause error) error
}

// Alerter уведомляет операторов о терминальных сбоях.
type Alerter interface {
	Alert(ctx context.Context, title string, fields map[string]any)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	LeaseTimeout time.Duration
	Retry        retry.Policy
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    50,
		Workers:      4,
		LeaseTimeout: 2 * time.Minute,
		Retry:        retry.DefaultPolicy(),
	}
}

type Relay struct {
	store    domainrepo.OutboxStore
	handlers map[string]Handler
	alerter  Alerter
	cfg      Config
	now      func() time.Time
	log      *logrus.Entry
}

func New(store domainrepo.OutboxStore, alerter Alerter, cfg Config) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Relay{
		store:    store,
		handlers: make(map[string]Handler),
		alerter:  alerter,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.Component("relay"),
	}
}

// Register связывает тип события с обработчиком.
func (r *Relay) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// SetClock подменяет источник времени.
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
}

// Run опрашивает outbox до отмены ctx.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"poll_interval": r.cfg.PollInterval.String(),
		"workers":       r.cfg.Workers,
		"batch_size":    r.cfg.BatchSize,
	}).Info("relay: запущен")

	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.WithError(err).Error("relay: ошибка цикла опроса")
		}

		select {
		case <-ctx.Done():
			r.log.Info("relay: остановлен")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce обрабатывает одну пачку событий и возвращает число забранных.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.now()

	if r.cfg.LeaseTimeout > 0 {
		n, err := r.store.RequeueStaleEvents(ctx, now.Add(-r.cfg.LeaseTimeout))
		if err != nil {
			return 0, fmt.Errorf("relay: requeue stale events: %w", err)
		}
		if n > 0 {
			metrics.RecordRequeued(n)
			r.log.WithField("count", n).Warn("relay: зависшие события возвращены в очередь")
		}
	}

	events, err := r.store.ListDueEvents(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("relay: list due events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	queue := make(chan models.OutboxEvent)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)

	workers := min(r.cfg.Workers, len(events))
	for i := 0; i < workers; i++ {
		goroutine.SafeGoGroup(&wg, func() {
			for ev := range queue {
				if r.process(ctx, ev) {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}
		})
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		queue <- ev
	}
	close(queue)
	wg.Wait()

	return claimed, ctx.Err()
}

// process забирает и обрабатывает одно событие. Возвращает false при проигранной гонке.
func (r *Relay) process(ctx context.Context, candidate models.OutboxEvent) bool {
	ev, err := r.store.ClaimEvent(ctx, candidate.ID, r.now())
	if err != nil {
		r.log.WithError(err).WithField("event_id", candidate.ID).Error("relay: не удалось забрать событие")
		return false
	}
	if ev == nil {
		metrics.RecordOutboxOutcome(candidate.EventType, metrics.LostClaim)
		return false
	}

	log := r.log.WithFields(logrus.Fields{
		"event_id":    ev.ID,
		"event_type":  ev.EventType,
		"bounty_id":   ev.BountyID,
		"retry_count": ev.RetryCount,
	})
	done := metrics.StartOutboxEventTimer(ev.EventType)

	h, ok := r.handlers[ev.EventType]
	if !ok {
		r.fatal(ctx, log, nil, ev, Fatal(fmt.Errorf("неизвестный тип события %q", ev.EventType)))
		done(metrics.Fatal)
		return true
	}

	err = h.Handle(ctx, ev)
	switch {
	case err == nil:
		log.Info("relay: событие обработано")
		done(metrics.Success)
	case errors.Is(err, ErrFatal):
		r.fatal(ctx, log, h, ev, err)
		done(metrics.Fatal)
	case gateway.IsTransient(err):
		if r.reschedule(ctx, log, h, ev, err) {
			done(metrics.Retried)
		} else {
			done(metrics.Failed)
		}
	default:
		r.terminal(ctx, log, h, ev, ev.RetryCount, err)
		done(metrics.Failed)
	}
	return true
}

// reschedule возвращает событие в pending с задержкой. false - повторы исчерпаны.
func (r *Relay) reschedule(ctx context.Context, log *logrus.Entry, h Handler, ev *models.OutboxEvent, cause error) bool {
	retryCount := ev.RetryCount + 1
	delay, ok := r.cfg.Retry.Next(retryCount)
	if !ok {
		r.terminal(ctx, log, h, ev, retryCount, fmt.Errorf("повторы исчерпаны (%d): %w", r.cfg.Retry.MaxRetries, cause))
		return false
	}

	next := r.now().Add(delay)
	if err := r.store.RescheduleEvent(ctx, ev.ID, retryCount, next, cause.Error()); err != nil {
		log.WithError(err).Error("relay: не удалось перепланировать событие")
		return true
	}
	log.WithError(cause).WithFields(logrus.Fields{
		"next_retry_count": retryCount,
		"next_attempt_at":  next,
	}).Warn("relay: временная ошибка, событие перепланировано")
	return true
}

// terminal завершает событие как failed через обработчик и поднимает алерт.
func (r *Relay) terminal(ctx context.Context, log *logrus.Entry, h Handler, ev *models.OutboxEvent, retryCount int, cause error) {
	ev.RetryCount = retryCount
	if err := h.Fail(ctx, ev, cause); err != nil {
		if errors.Is(err, ErrFatal) {
			r.failEvent(ctx, log, ev, cause)
		} else {
			// событие остаётся processing и вернётся в очередь по таймауту аренды
			log.WithError(err).Error("relay: не удалось зафиксировать провал события")
		}
	}
	log.WithError(cause).Error("relay: терминальный сбой события")
	r.alert(ctx, "Сбой платёжного события", ev, cause)
}

// fatal завершает событие без повторов.
func (r *Relay) fatal(ctx context.Context, log *logrus.Entry, h Handler, ev *models.OutboxEvent, cause error) {
	failed := false
	if h != nil {
		if err := h.Fail(ctx, ev, cause); err == nil {
			failed = true
		}
	}
	if !failed {
		r.failEvent(ctx, log, ev, cause)
	}
	log.WithError(cause).Error("relay: фатальная ошибка события")
	r.alert(ctx, "Фатальная ошибка outbox-события", ev, cause)
}

func (r *Relay) failEvent(ctx context.Context, log *logrus.Entry, ev *models.OutboxEvent, cause error) {
	if err := r.store.FailEvent(ctx, ev.ID, ev.RetryCount, cause.Error()); err != nil {
		log.WithError(err).Error("relay: не удалось пометить событие как failed")
	}
}

func (r *Relay) alert(ctx context.Context, title string, ev *models.OutboxEvent, cause error) {
	if r.alerter == nil {
		return
	}
	r.alerter.Alert(ctx, title, map[string]any{
		"event_id":    ev.ID.String(),
		"event_type":  ev.EventType,
		"bounty_id":   ev.BountyID.String(),
		"retry_count": ev.RetryCount,
		"error":       cause.Error(),
	})
}
