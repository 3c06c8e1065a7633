package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domainrepo "github.com/ignatzorin/bounty-escrow/internal/domain/repository"
	"github.com/ignatzorin/bounty-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/bounty-escrow/internal/gateway"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/notification"
	"github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"
)

// RefundService отменяет задания и возвращает замороженные средства.
type RefundService struct {
	store             domainrepo.LedgerStore
	gateway           gateway.Gateway
	notifier          notifier
	feeRate           valueobject.FeeRate
	platformAccountID uuid.UUID
	now               func() time.Time
	log               *logrus.Entry
}

func NewRefundService(
	store domainrepo.LedgerStore,
	gw gateway.Gateway,
	dispatcher notification.Dispatcher,
	feeRate valueobject.FeeRate,
	platformAccountID uuid.UUID,
) *RefundService {
	log := logger.Component("refund_service")
	return &RefundService{
		store:             store,
		gateway:           gw,
		notifier:          notifier{dispatcher: dispatcher, log: log},
		feeRate:           feeRate,
		platformAccountID: platformAccountID,
		now:               time.Now,
		log:               log,
	}
}

type CancelResult struct {
	BountyID uuid.UUID                `json:"bounty_id"`
	RefundID *uuid.UUID               `json:"refund_id,omitempty"`
	Amount   int64                    `json:"amount"`
	Status   valueobject.BountyStatus `json:"status"`
}

// CancelBounty отменяет задание. Для открытого задания возврат фиксируется
// сразу, для задания в работе ставится в очередь релея.
func (s *RefundService) CancelBounty(ctx context.Context, bountyID, cancelledBy uuid.UUID, reason string, refundPercentage *int) (*CancelResult, error) {
	if refundPercentage != nil && !valueobject.ValidRefundPercentage(*refundPercentage) {
		return nil, apperror.ErrInvalidRefundPercentage
	}

	var (
		result   *CancelResult
		queued   bool
		posterID uuid.UUID
	)
	err := s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		b, err := lockBounty(ctx, tx, bountyID)
		if err != nil {
			return err
		}
		if !b.IsParticipant(cancelledBy) {
			return apperror.ErrNotParticipant
		}
		posterID = b.PosterID

		txns, err := activeTransactions(ctx, tx, b.ID, models.TxTypeRefund, models.TxTypeRelease)
		if err != nil {
			return err
		}

		switch b.Status {
		case valueobject.BountyStatusCompleted:
			return apperror.ErrAlreadyCompleted
		case valueobject.BountyStatusArchived:
			return apperror.ErrInvalidStatusTransition
		case valueobject.BountyStatusCancelled:
			if isActive(txns, models.TxTypeRefund, models.TxStatusCompleted) {
				return apperror.ErrAlreadyRefunded
			}
			return apperror.ErrInvalidStatusTransition
		}

		if refund, ok := txns[models.TxTypeRefund]; ok {
			if refund.IsCompleted() {
				return apperror.ErrAlreadyRefunded
			}
			return apperror.ErrRefundInProgress
		}
		if release, ok := txns[models.TxTypeRelease]; ok {
			if release.IsPending() {
				return apperror.ErrReleaseInProgress
			}
			return apperror.ErrAlreadyCompleted
		}

		pct := resolveRefundPercentage(b, refundPercentage)
		result = &CancelResult{BountyID: b.ID}

		if b.IsHonorOnly {
			return s.finishCancellation(ctx, tx, b, result)
		}

		if b.Status == valueobject.BountyStatusOpen {
			// заморозки ещё нет, возврат фиксируется без обращения к шлюзу
			refund := models.NewWalletTransaction(b.ID, b.PosterID, models.TxTypeRefund, b.Amount)
			refund.Status = models.TxStatusCompleted
			if err := tx.InsertTransaction(ctx, refund); err != nil {
				return err
			}
			result.RefundID = &refund.ID
			result.Amount = refund.Amount
			return s.finishCancellation(ctx, tx, b, result)
		}

		if b.PaymentHoldRef == nil {
			return apperror.ErrNoHoldFound
		}

		refundAmount := valueobject.RefundAmount(b.Amount, pct)
		refund := models.NewWalletTransaction(b.ID, b.PosterID, models.TxTypeRefund, refundAmount)
		if err := tx.InsertTransaction(ctx, refund); err != nil {
			return err
		}

		payload := models.RefundPayload{
			BountyID:            b.ID,
			PosterID:            b.PosterID,
			WorkerID:            b.WorkerID,
			CancelledBy:         cancelledBy,
			Reason:              reason,
			HoldRef:             *b.PaymentHoldRef,
			RefundTransactionID: refund.ID,
			RefundAmount:        refundAmount,
		}

		if remainder := b.Amount - refundAmount; remainder > 0 && b.WorkerID != nil {
			payout, fee := s.feeRate.SplitFee(remainder)
			release := models.NewWalletTransaction(b.ID, *b.WorkerID, models.TxTypeRelease, payout)
			feeTxn := models.NewWalletTransaction(b.ID, s.platformAccountID, models.TxTypePlatformFee, fee)
			for _, txn := range []*models.WalletTransaction{release, feeTxn} {
				if err := tx.InsertTransaction(ctx, txn); err != nil {
					return err
				}
			}
			payload.ReleaseTransactionID = &release.ID
			payload.FeeTransactionID = &feeTxn.ID
			payload.Payout = payout
			payload.Fee = fee
		}

		ev, err := models.NewOutboxEvent(models.EventTypeRefund, b.ID, payload, s.now())
		if err != nil {
			return err
		}
		if err := tx.InsertOutboxEvent(ctx, ev); err != nil {
			return err
		}

		queued = true
		result.RefundID = &refund.ID
		result.Amount = refundAmount
		result.Status = b.Status
		return nil
	})
	if err != nil {
		if errors.Is(err, domainrepo.ErrDuplicateTransaction) {
			return nil, apperror.ErrRefundInProgress
		}
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"bounty_id":    bountyID,
		"cancelled_by": cancelledBy,
		"amount":       result.Amount,
	})
	if queued {
		log.Info("refund: возврат поставлен в очередь")
	} else {
		log.Info("refund: задание отменено")
		if result.RefundID != nil {
			s.notifier.notify(ctx, posterID, notification.EventRefundCompleted, map[string]any{
				"bounty_id": bountyID,
				"amount":    result.Amount,
			})
		}
	}
	return result, nil
}

// finishCancellation переводит задание в cancelled без участия релея.
func (s *RefundService) finishCancellation(ctx context.Context, tx domainrepo.LedgerTx, b *models.Bounty, result *CancelResult) error {
	var err error
	if b.Status, err = b.Status.Transition(valueobject.BountyStatusCancelled); err != nil {
		return err
	}
	b.WorkerID = nil
	b.ClearCancellationRequest()
	if err := tx.UpdateBounty(ctx, b); err != nil {
		return err
	}
	result.Status = b.Status
	return nil
}

// resolveRefundPercentage выбирает процент возврата: открытое задание
// возвращается полностью, принятый запрос на отмену задаёт процент по умолчанию.
func resolveRefundPercentage(b *models.Bounty, requested *int) int {
	if b.Status == valueobject.BountyStatusOpen {
		return 100
	}
	if requested != nil {
		return *requested
	}
	if b.Status == valueobject.BountyStatusCancellationRequested && b.CancellationRefundPercentage != nil {
		return *b.CancellationRefundPercentage
	}
	return 100
}

// RequestCancellation фиксирует запрос одной из сторон на отмену задания в работе.
func (s *RefundService) RequestCancellation(ctx context.Context, bountyID, requestedBy uuid.UUID, reason string, refundPercentage *int) (*models.Bounty, error) {
	pct := 100
	if refundPercentage != nil {
		pct = *refundPercentage
	}
	if !valueobject.ValidRefundPercentage(pct) {
		return nil, apperror.ErrInvalidRefundPercentage
	}

	var bounty *models.Bounty
	err := s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		b, err := lockBounty(ctx, tx, bountyID)
		if err != nil {
			return err
		}
		if !b.IsParticipant(requestedBy) {
			return apperror.ErrNotParticipant
		}
		if !b.IsHonorOnly && b.PaymentHoldRef == nil && b.Status == valueobject.BountyStatusInProgress {
			return apperror.ErrNoHoldFound
		}

		release, err := tx.FindActiveTransaction(ctx, b.ID, models.TxTypeRelease)
		if err != nil {
			return err
		}
		if release != nil && release.IsPending() {
			return apperror.ErrReleaseInProgress
		}

		if b.Status, err = b.Status.Transition(valueobject.BountyStatusCancellationRequested); err != nil {
			return err
		}
		b.CancellationRequestedBy = &requestedBy
		b.CancellationReason = &reason
		b.CancellationRefundPercentage = &pct
		if err := tx.UpdateBounty(ctx, b); err != nil {
			return err
		}
		bounty = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if counterparty, ok := counterpartyOf(bounty, requestedBy); ok {
		s.notifier.notify(ctx, counterparty, notification.EventCancellationRequest, map[string]any{
			"bounty_id":         bounty.ID,
			"reason":            reason,
			"refund_percentage": pct,
		})
	}
	return bounty, nil
}

// RejectCancellation отклоняет запрос на отмену и возвращает задание в работу.
func (s *RefundService) RejectCancellation(ctx context.Context, bountyID, actorID uuid.UUID) (*models.Bounty, error) {
	var (
		bounty      *models.Bounty
		requestedBy uuid.UUID
	)
	err := s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		b, err := lockBounty(ctx, tx, bountyID)
		if err != nil {
			return err
		}
		if !b.IsParticipant(actorID) {
			return apperror.ErrNotParticipant
		}
		if b.Status != valueobject.BountyStatusCancellationRequested || b.CancellationRequestedBy == nil {
			return apperror.ErrNoCancellationRequest
		}
		if *b.CancellationRequestedBy == actorID {
			return apperror.ErrForbidden
		}

		requestedBy = *b.CancellationRequestedBy
		if b.Status, err = b.Status.Transition(valueobject.BountyStatusInProgress); err != nil {
			return err
		}
		b.ClearCancellationRequest()
		if err := tx.UpdateBounty(ctx, b); err != nil {
			return err
		}
		bounty = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.notify(ctx, requestedBy, notification.EventCancellationRejected, map[string]any{
		"bounty_id": bounty.ID,
	})
	return bounty, nil
}

func counterpartyOf(b *models.Bounty, actorID uuid.UUID) (uuid.UUID, bool) {
	if b.PosterID == actorID {
		if b.WorkerID == nil {
			return uuid.Nil, false
		}
		return *b.WorkerID, true
	}
	return b.PosterID, true
}

// HandleRefund возвращает средства заказчику и, при частичном возврате,
// переводит остаток исполнителю.
func (s *RefundService) HandleRefund(ctx context.Context, ev *models.OutboxEvent) error {
	p, err := decodePayload[models.RefundPayload](ev)
	if err != nil {
		return err
	}

	var refundRef *string
	if p.RefundAmount > 0 {
		if refundRef, err = s.refundHold(ctx, ev, p); err != nil {
			return err
		}
	}

	var transferRef *string
	if p.HasRemainder() && p.Payout > 0 {
		key := gateway.IdempotencyKey(ev.EventType, p.BountyID, *p.ReleaseTransactionID)
		ref, err := s.gateway.Transfer(ctx, p.WorkerID.String(), p.Payout, key)
		if err != nil {
			return err
		}
		transferRef = &ref
	}

	err = s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		if err := settlePending(ctx, tx, p.RefundTransactionID, refundRef); err != nil {
			return err
		}
		if p.HasRemainder() {
			if err := settlePending(ctx, tx, *p.ReleaseTransactionID, transferRef); err != nil {
				return err
			}
			if p.FeeTransactionID != nil {
				if err := settlePending(ctx, tx, *p.FeeTransactionID, transferRef); err != nil {
					return err
				}
			}
		}

		b, err := lockBounty(ctx, tx, p.BountyID)
		if err != nil {
			return err
		}
		if b.Status != valueobject.BountyStatusCancelled {
			if b.Status, err = b.Status.Transition(valueobject.BountyStatusCancelled); err != nil {
				return err
			}
			b.WorkerID = nil
			b.ClearCancellationRequest()
			if err := tx.UpdateBounty(ctx, b); err != nil {
				return err
			}
		}
		return tx.CompleteOutboxEvent(ctx, ev.ID)
	})
	if err != nil {
		return err
	}

	notice := map[string]any{
		"bounty_id": p.BountyID,
		"amount":    p.RefundAmount,
		"payout":    p.Payout,
	}
	s.notifier.notify(ctx, p.PosterID, notification.EventRefundCompleted, notice)
	if p.WorkerID != nil {
		s.notifier.notify(ctx, *p.WorkerID, notification.EventRefundCompleted, notice)
	}
	return nil
}

// refundHold возвращает средства заказчику и сразу фиксирует возврат
// отдельной транзакцией, чтобы сбой перевода остатка не откатил
// уже проведённый возврат. При повторной обработке шлюз не вызывается.
func (s *RefundService) refundHold(ctx context.Context, ev *models.OutboxEvent, p models.RefundPayload) (*string, error) {
	var settled *models.WalletTransaction
	err := s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		txn, err := eventTransaction(ctx, tx, p.RefundTransactionID)
		if err != nil {
			return err
		}
		if txn.IsCompleted() {
			settled = txn
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if settled != nil {
		return settled.ExternalRef, nil
	}

	key := gateway.IdempotencyKey(ev.EventType, p.BountyID, p.RefundTransactionID)
	ref, err := s.gateway.Refund(ctx, p.HoldRef, p.RefundAmount, key)
	if err != nil {
		return nil, err
	}
	err = s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		return settlePending(ctx, tx, p.RefundTransactionID, &ref)
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// FailRefund помечает проваленными незавершённые строки. Уже проведённый
// возврат остаётся completed, задание сохраняет статус, а завершить его
// после этого нельзя.
func (s *RefundService) FailRefund(ctx context.Context, ev *models.OutboxEvent, cause error) error {
	p, err := decodePayload[models.RefundPayload](ev)
	if err != nil {
		return err
	}

	ids := []uuid.UUID{p.RefundTransactionID}
	if p.ReleaseTransactionID != nil {
		ids = append(ids, *p.ReleaseTransactionID)
	}
	if p.FeeTransactionID != nil {
		ids = append(ids, *p.FeeTransactionID)
	}

	err = s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		for _, id := range ids {
			if err := failPending(ctx, tx, id, cause.Error()); err != nil {
				return err
			}
		}
		return tx.FailOutboxEvent(ctx, ev.ID, ev.RetryCount, cause.Error())
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"bounty_id": p.BountyID,
		"event_id":  ev.ID,
	}).WithError(cause).Warn("refund: возврат не удался")

	s.notifier.notify(ctx, p.PosterID, notification.EventRefundFailed, failureNotice(p.BountyID))
	if p.HasRemainder() && p.WorkerID != nil {
		s.notifier.notify(ctx, *p.WorkerID, notification.EventPayoutFailed, failureNotice(p.BountyID))
	}
	return nil
}
