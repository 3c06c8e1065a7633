// Package notification доставляет пользователям события платежей и
// поднимает операторские алерты. Сбой доставки никогда не блокирует платёжный путь.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/bounty-escrow/internal/goroutine"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
)

// События для пользователей
const (
	EventEscrowHeld           = "payment.escrow_held"
	EventEscrowFailed         = "payment.escrow_failed"
	EventPayoutCompleted      = "payment.payout_completed"
	EventPayoutFailed         = "payment.payout_failed"
	EventRefundCompleted      = "payment.refund_completed"
	EventRefundFailed         = "payment.refund_failed"
	EventCancellationRequest  = "bounty.cancellation_requested"
	EventCancellationRejected = "bounty.cancellation_rejected"
)

// GenericFailureMessage - текст для пользователя при терминальном сбое.
const GenericFailureMessage = "Платёж не удалось провести, служба поддержки уведомлена"

// Dispatcher доставляет событие пользователю.
type Dispatcher interface {
	Notify(ctx context.Context, userID uuid.UUID, eventType string, payload any) error
}

// Nop ничего не доставляет.
type Nop struct{}

func (Nop) Notify(context.Context, uuid.UUID, string, any) error { return nil }

// Fanout доставляет событие во все каналы и собирает ошибки.
type Fanout []Dispatcher

func (f Fanout) Notify(ctx context.Context, userID uuid.UUID, eventType string, payload any) error {
	var errs []error
	for _, d := range f {
		if d == nil {
			continue
		}
		if err := d.Notify(ctx, userID, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async выполняет доставку в отдельной горутине с панико-защитой.
// Ошибки только логируются.
type Async struct {
	next    Dispatcher
	timeout time.Duration
}

func NewAsync(next Dispatcher, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

func (a *Async) Notify(ctx context.Context, userID uuid.UUID, eventType string, payload any) error {
	// контекст вызывающего может завершиться раньше доставки
	base := context.WithoutCancel(ctx)
	goroutine.SafeGo(func() {
		ctx, cancel := context.WithTimeout(base, a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, userID, eventType, payload); err != nil {
			logger.Log.WithFields(logrus.Fields{
				"user_id": userID,
				"event":   eventType,
			}).WithError(err).Warn("notification: не удалось доставить уведомление")
		}
	})
	return nil
}
