package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domainrepo "github.com/ignatzorin/bounty-escrow/internal/domain/repository"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/notification"
	"github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/bounty-escrow/internal/relay"
)

// lockBounty блокирует строку задания и переводит отсутствие в доменную ошибку.
func lockBounty(ctx context.Context, tx domainrepo.LedgerTx, id uuid.UUID) (*models.Bounty, error) {
	b, err := tx.LockBounty(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return b, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, domainrepo.ErrBountyNotFound) {
		return apperror.ErrBountyNotFound
	}
	return err
}

// settlePending завершает pending-транзакцию. Уже завершённая строка
// означает повторную обработку и пропускается.
func settlePending(ctx context.Context, tx domainrepo.LedgerTx, id uuid.UUID, externalRef *string) error {
	txn, err := eventTransaction(ctx, tx, id)
	if err != nil {
		return err
	}
	switch txn.Status {
	case models.TxStatusPending:
		return tx.SettleTransaction(ctx, id, externalRef)
	case models.TxStatusCompleted:
		return nil
	default:
		return relay.Fatal(fmt.Errorf("транзакция %s уже в статусе %s", id, txn.Status))
	}
}

// eventTransaction читает строку, на которую ссылается событие.
// Отсутствие строки делает событие необрабатываемым.
func eventTransaction(ctx context.Context, tx domainrepo.LedgerTx, id uuid.UUID) (*models.WalletTransaction, error) {
	txn, err := tx.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, domainrepo.ErrTransactionNotFound) {
			return nil, relay.Fatal(fmt.Errorf("транзакция %s не найдена", id))
		}
		return nil, err
	}
	return txn, nil
}

// failPending помечает pending-транзакцию проваленной.
func failPending(ctx context.Context, tx domainrepo.LedgerTx, id uuid.UUID, reason string) error {
	txn, err := tx.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, domainrepo.ErrTransactionNotFound) {
			return nil
		}
		return err
	}
	if txn.Status != models.TxStatusPending {
		return nil
	}
	return tx.FailTransaction(ctx, id, reason)
}

// activeTransactions читает не проваленные строки указанных типов.
func activeTransactions(ctx context.Context, tx domainrepo.LedgerTx, bountyID uuid.UUID, types ...string) (map[string]*models.WalletTransaction, error) {
	out := make(map[string]*models.WalletTransaction, len(types))
	for _, t := range types {
		txn, err := tx.FindActiveTransaction(ctx, bountyID, t)
		if err != nil {
			return nil, err
		}
		if txn != nil {
			out[t] = txn
		}
	}
	return out, nil
}

func isActive(txns map[string]*models.WalletTransaction, txType, status string) bool {
	txn, ok := txns[txType]
	return ok && txn.Status == status
}

// notifier доставляет уведомления, не прерывая платёжный путь.
type notifier struct {
	dispatcher notification.Dispatcher
	log        *logrus.Entry
}

func (n notifier) notify(ctx context.Context, userID uuid.UUID, eventType string, payload any) {
	if n.dispatcher == nil {
		return
	}
	if err := n.dispatcher.Notify(ctx, userID, eventType, payload); err != nil {
		n.log.WithFields(logrus.Fields{
			"user_id": userID,
			"event":   eventType,
		}).WithError(err).Warn("не удалось отправить уведомление")
	}
}

// failureNotice - сообщение пользователю о терминальном сбое.
func failureNotice(bountyID uuid.UUID) map[string]any {
	return map[string]any{
		"bounty_id": bountyID,
		"message":   notification.GenericFailureMessage,
	}
}

func strPtr(s string) *string { return &s }
