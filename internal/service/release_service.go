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

// ReleaseService проводит выплату исполнителю после завершения задания.
type ReleaseService struct {
	store             domainrepo.LedgerStore
	gateway           gateway.Gateway
	notifier          notifier
	feeRate           valueobject.FeeRate
	platformAccountID uuid.UUID
	now               func() time.Time
	log               *logrus.Entry
}

func NewReleaseService(
	store domainrepo.LedgerStore,
	gw gateway.Gateway,
	dispatcher notification.Dispatcher,
	feeRate valueobject.FeeRate,
	platformAccountID uuid.UUID,
) *ReleaseService {
	log := logger.Component("release_service")
	return &ReleaseService{
		store:             store,
		gateway:           gw,
		notifier:          notifier{dispatcher: dispatcher, log: log},
		feeRate:           feeRate,
		platformAccountID: platformAccountID,
		now:               time.Now,
		log:               log,
	}
}

type CompletionResult struct {
	BountyID             uuid.UUID                `json:"bounty_id"`
	Status               valueobject.BountyStatus `json:"status"`
	Payout               int64                    `json:"payout"`
	Fee                  int64                    `json:"fee"`
	ReleaseTransactionID *uuid.UUID               `json:"release_transaction_id,omitempty"`
	// Replayed - выплата уже была проведена ранее, новых записей нет.
	Replayed bool `json:"replayed"`
}

// CompleteBounty фиксирует выплату и ставит её в очередь релея.
// Повторный вызов после проведённой выплаты возвращает исходный результат.
func (s *ReleaseService) CompleteBounty(ctx context.Context, bountyID, actorID uuid.UUID) (*CompletionResult, error) {
	var result *CompletionResult
	err := s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		b, err := lockBounty(ctx, tx, bountyID)
		if err != nil {
			return err
		}
		if !b.IsWorker(actorID) {
			return apperror.ErrNotAssignedWorker
		}

		txns, err := activeTransactions(ctx, tx, b.ID,
			models.TxTypeRelease, models.TxTypePlatformFee, models.TxTypeRefund, models.TxTypeEscrow)
		if err != nil {
			return err
		}

		if release, ok := txns[models.TxTypeRelease]; ok {
			if release.IsCompleted() {
				result = replayedCompletion(b, release, txns[models.TxTypePlatformFee])
				return nil
			}
			return apperror.ErrReleaseInProgress
		}
		if refund, ok := txns[models.TxTypeRefund]; ok {
			if refund.IsPending() {
				return apperror.ErrRefundInProgress
			}
			// часть средств уже вернулась заказчику
			return apperror.ErrAlreadyRefunded
		}

		if b.Status == valueobject.BountyStatusCompleted && b.IsHonorOnly {
			result = &CompletionResult{BountyID: b.ID, Status: b.Status, Replayed: true}
			return nil
		}
		if b.Status != valueobject.BountyStatusInProgress {
			return apperror.ErrInvalidStatusTransition
		}

		if b.IsHonorOnly {
			b.Status = valueobject.BountyStatusCompleted
			if err := tx.UpdateBounty(ctx, b); err != nil {
				return err
			}
			result = &CompletionResult{BountyID: b.ID, Status: b.Status}
			return nil
		}

		if !isActive(txns, models.TxTypeEscrow, models.TxStatusCompleted) {
			return apperror.ErrNoEscrowFound
		}

		payout, fee := s.feeRate.SplitFee(b.Amount)
		release := models.NewWalletTransaction(b.ID, *b.WorkerID, models.TxTypeRelease, payout)
		feeTxn := models.NewWalletTransaction(b.ID, s.platformAccountID, models.TxTypePlatformFee, fee)
		for _, txn := range []*models.WalletTransaction{release, feeTxn} {
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return err
			}
		}

		ev, err := models.NewOutboxEvent(models.EventTypeCompletionRelease, b.ID, models.ReleasePayload{
			BountyID:             b.ID,
			PosterID:             b.PosterID,
			WorkerID:             *b.WorkerID,
			ReleaseTransactionID: release.ID,
			FeeTransactionID:     feeTxn.ID,
			Payout:               payout,
			Fee:                  fee,
		}, s.now())
		if err != nil {
			return err
		}
		if err := tx.InsertOutboxEvent(ctx, ev); err != nil {
			return err
		}

		result = &CompletionResult{
			BountyID:             b.ID,
			Status:               b.Status,
			Payout:               payout,
			Fee:                  fee,
			ReleaseTransactionID: &release.ID,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domainrepo.ErrDuplicateTransaction) {
			return nil, s.duplicateReleaseError(ctx, bountyID)
		}
		return nil, err
	}

	if !result.Replayed {
		s.log.WithFields(logrus.Fields{
			"bounty_id": bountyID,
			"payout":    result.Payout,
			"fee":       result.Fee,
		}).Info("release: выплата поставлена в очередь")
	}
	return result, nil
}

// duplicateReleaseError различает проведённую и выполняющуюся выплату
// после проигранной гонки за уникальный индекс.
func (s *ReleaseService) duplicateReleaseError(ctx context.Context, bountyID uuid.UUID) error {
	var release *models.WalletTransaction
	err := s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		var err error
		release, err = tx.FindActiveTransaction(ctx, bountyID, models.TxTypeRelease)
		return err
	})
	if err != nil {
		return err
	}
	if release != nil && release.IsCompleted() {
		return apperror.ErrReleaseAlreadyProcessed
	}
	return apperror.ErrReleaseInProgress
}

func replayedCompletion(b *models.Bounty, release, fee *models.WalletTransaction) *CompletionResult {
	r := &CompletionResult{
		BountyID:             b.ID,
		Status:               b.Status,
		Payout:               release.Amount,
		ReleaseTransactionID: &release.ID,
		Replayed:             true,
	}
	if fee != nil {
		r.Fee = fee.Amount
	}
	return r
}

// HandleRelease переводит выплату исполнителю и завершает задание.
func (s *ReleaseService) HandleRelease(ctx context.Context, ev *models.OutboxEvent) error {
	p, err := decodePayload[models.ReleasePayload](ev)
	if err != nil {
		return err
	}

	var transferRef *string
	if p.Payout > 0 {
		key := gateway.IdempotencyKey(ev.EventType, p.BountyID, p.ReleaseTransactionID)
		ref, err := s.gateway.Transfer(ctx, p.WorkerID.String(), p.Payout, key)
		if err != nil {
			return err
		}
		transferRef = &ref
	}

	err = s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		if err := settlePending(ctx, tx, p.ReleaseTransactionID, transferRef); err != nil {
			return err
		}
		if err := settlePending(ctx, tx, p.FeeTransactionID, transferRef); err != nil {
			return err
		}
		b, err := lockBounty(ctx, tx, p.BountyID)
		if err != nil {
			return err
		}
		if b.Status != valueobject.BountyStatusCompleted {
			if b.Status, err = b.Status.Transition(valueobject.BountyStatusCompleted); err != nil {
				return err
			}
			if err := tx.UpdateBounty(ctx, b); err != nil {
				return err
			}
		}
		return tx.CompleteOutboxEvent(ctx, ev.ID)
	})
	if err != nil {
		return err
	}

	notice := map[string]any{"bounty_id": p.BountyID, "payout": p.Payout, "fee": p.Fee}
	s.notifier.notify(ctx, p.WorkerID, notification.EventPayoutCompleted, notice)
	s.notifier.notify(ctx, p.PosterID, notification.EventPayoutCompleted, notice)
	return nil
}

// FailRelease помечает выплату проваленной. Задание остаётся in_progress,
// и исполнитель может повторить завершение.
func (s *ReleaseService) FailRelease(ctx context.Context, ev *models.OutboxEvent, cause error) error {
	p, err := decodePayload[models.ReleasePayload](ev)
	if err != nil {
		return err
	}

	err = s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		for _, id := range []uuid.UUID{p.ReleaseTransactionID, p.FeeTransactionID} {
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
	}).WithError(cause).Warn("release: выплата не удалась")

	s.notifier.notify(ctx, p.WorkerID, notification.EventPayoutFailed, failureNotice(p.BountyID))
	s.notifier.notify(ctx, p.PosterID, notification.EventPayoutFailed, failureNotice(p.BountyID))
	return nil
}
