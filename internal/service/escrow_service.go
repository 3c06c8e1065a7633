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

// EscrowService замораживает средства заказчика при принятии задания.
type EscrowService struct {
	store         domainrepo.LedgerStore
	gateway       gateway.Gateway
	notifier      notifier
	minHoldAmount int64
	now           func() time.Time
	log           *logrus.Entry
}

func NewEscrowService(store domainrepo.LedgerStore, gw gateway.Gateway, dispatcher notification.Dispatcher, minHoldAmount int64) *EscrowService {
	log := logger.Component("escrow_service")
	return &EscrowService{
		store:         store,
		gateway:       gw,
		notifier:      notifier{dispatcher: dispatcher, log: log},
		minHoldAmount: minHoldAmount,
		now:           time.Now,
		log:           log,
	}
}

type AcceptResult struct {
	BountyID      uuid.UUID                `json:"bounty_id"`
	Status        valueobject.BountyStatus `json:"status"`
	TransactionID *uuid.UUID               `json:"transaction_id,omitempty"`
}

// AcceptBounty назначает исполнителя и ставит в очередь заморозку средств.
// Все проверки выполняются до первой записи.
func (s *EscrowService) AcceptBounty(ctx context.Context, bountyID, workerID uuid.UUID) (*AcceptResult, error) {
	bounty, err := s.store.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if err := s.checkAcceptable(bounty, workerID); err != nil {
		return nil, err
	}

	// Запрос к шлюзу выполняется вне транзакции БД.
	if !bounty.IsHonorOnly {
		capability, err := s.gateway.GetAccountCapability(ctx, workerID.String())
		if err != nil {
			// счёт неизвестен шлюзу или отклонён
			if gateway.IsTerminal(err) {
				return nil, apperror.ErrPayoutCapability.WithCause(err)
			}
			s.log.WithError(err).WithField("worker_id", workerID).Warn("escrow: не удалось проверить счёт исполнителя")
			return nil, apperror.ErrGatewayUnavailable.WithCause(err)
		}
		if !capability.PayoutEnabled {
			return nil, apperror.ErrPayoutCapability
		}
	}

	result := &AcceptResult{BountyID: bountyID}
	err = s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		b, err := lockBounty(ctx, tx, bountyID)
		if err != nil {
			return err
		}
		// состояние могло измениться после проверки без блокировки
		if err := s.checkAcceptable(b, workerID); err != nil {
			return err
		}

		if b.Status, err = b.Status.Transition(valueobject.BountyStatusInProgress); err != nil {
			return err
		}
		b.WorkerID = &workerID
		if err := tx.UpdateBounty(ctx, b); err != nil {
			return err
		}
		result.Status = b.Status

		if b.IsHonorOnly {
			return nil
		}

		txn := models.NewWalletTransaction(b.ID, b.PosterID, models.TxTypeEscrow, b.Amount)
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		ev, err := models.NewOutboxEvent(models.EventTypeEscrowHold, b.ID, models.EscrowHoldPayload{
			BountyID:      b.ID,
			PosterID:      b.PosterID,
			WorkerID:      workerID,
			TransactionID: txn.ID,
			Amount:        b.Amount,
		}, s.now())
		if err != nil {
			return err
		}
		if err := tx.InsertOutboxEvent(ctx, ev); err != nil {
			return err
		}
		result.TransactionID = &txn.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, domainrepo.ErrDuplicateTransaction) {
			return nil, apperror.ErrAlreadyAccepted
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"bounty_id": bountyID,
		"worker_id": workerID,
		"honor":     bounty.IsHonorOnly,
	}).Info("escrow: задание принято")
	return result, nil
}

func (s *EscrowService) checkAcceptable(b *models.Bounty, workerID uuid.UUID) error {
	switch b.Status {
	case valueobject.BountyStatusOpen:
	case valueobject.BountyStatusInProgress, valueobject.BountyStatusCancellationRequested, valueobject.BountyStatusCompleted:
		return apperror.ErrAlreadyAccepted
	default:
		return apperror.ErrInvalidStatusTransition
	}
	if b.PosterID == workerID {
		return apperror.ErrSelfAcceptance
	}
	if !b.IsHonorOnly && b.Amount < s.minHoldAmount {
		return apperror.ErrInvalidAmount
	}
	return nil
}

// HandleEscrowHold создаёт заморозку в шлюзе и фиксирует её в леджере.
func (s *EscrowService) HandleEscrowHold(ctx context.Context, ev *models.OutboxEvent) error {
	p, err := decodePayload[models.EscrowHoldPayload](ev)
	if err != nil {
		return err
	}

	key := gateway.IdempotencyKey(ev.EventType, p.BountyID, p.TransactionID)
	holdRef, err := s.gateway.CreateHold(ctx, p.Amount, key)
	if err != nil {
		return err
	}

	err = s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		if err := settlePending(ctx, tx, p.TransactionID, &holdRef); err != nil {
			return err
		}
		b, err := lockBounty(ctx, tx, p.BountyID)
		if err != nil {
			return err
		}
		b.PaymentHoldRef = &holdRef
		if err := tx.UpdateBounty(ctx, b); err != nil {
			return err
		}
		return tx.CompleteOutboxEvent(ctx, ev.ID)
	})
	if err != nil {
		return err
	}

	notice := map[string]any{"bounty_id": p.BountyID, "amount": p.Amount}
	s.notifier.notify(ctx, p.PosterID, notification.EventEscrowHeld, notice)
	s.notifier.notify(ctx, p.WorkerID, notification.EventEscrowHeld, notice)
	return nil
}

// FailEscrowHold фиксирует провал заморозки и возвращает задание в open.
func (s *EscrowService) FailEscrowHold(ctx context.Context, ev *models.OutboxEvent, cause error) error {
	p, err := decodePayload[models.EscrowHoldPayload](ev)
	if err != nil {
		return err
	}

	err = s.store.WithinTx(ctx, func(tx domainrepo.LedgerTx) error {
		if err := failPending(ctx, tx, p.TransactionID, cause.Error()); err != nil {
			return err
		}
		b, err := lockBounty(ctx, tx, p.BountyID)
		if err != nil {
			return err
		}
		if b.Status == valueobject.BountyStatusInProgress && b.IsWorker(p.WorkerID) {
			b.Status = valueobject.BountyStatusOpen
			b.WorkerID = nil
			b.PaymentHoldRef = nil
			b.ClearCancellationRequest()
			if err := tx.UpdateBounty(ctx, b); err != nil {
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
	}).WithError(cause).Warn("escrow: заморозка не удалась, задание возвращено в open")

	s.notifier.notify(ctx, p.PosterID, notification.EventEscrowFailed, failureNotice(p.BountyID))
	s.notifier.notify(ctx, p.WorkerID, notification.EventEscrowFailed, failureNotice(p.BountyID))
	return nil
}
