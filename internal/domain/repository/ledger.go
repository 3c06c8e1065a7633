package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/bounty-escrow/internal/models"
)

var (
	ErrBountyNotFound       = errors.New("bounty not found")
	ErrTransactionNotFound  = errors.New("wallet transaction not found")
	ErrEventNotFound        = errors.New("outbox event not found")
	ErrDuplicateTransaction = errors.New("wallet transaction already exists for bounty and type")
)

// LedgerStore - единственный владелец состояния заданий, леджера и outbox.
// Все изменения выполняются внутри WithinTx.
type LedgerStore interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetBounty(ctx context.Context, id uuid.UUID) (*models.Bounty, error)
	CreateBounty(ctx context.Context, bounty *models.Bounty) error
	ListTransactionsByBounty(ctx context.Context, bountyID uuid.UUID) ([]models.WalletTransaction, error)
}

// LedgerTx - операции внутри одной транзакции БД.
type LedgerTx interface {
	// LockBounty читает задание с блокировкой строки (SELECT ... FOR UPDATE).
	LockBounty(ctx context.Context, id uuid.UUID) (*models.Bounty, error)
	UpdateBounty(ctx context.Context, bounty *models.Bounty) error

	// FindActiveTransaction возвращает не проваленную транзакцию указанного
	// типа или nil, если её нет.
	FindActiveTransaction(ctx context.Context, bountyID uuid.UUID, txType string) (*models.WalletTransaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.WalletTransaction, error)
	// InsertTransaction возвращает ErrDuplicateTransaction при нарушении
	// уникальности (bounty_id, type).
	InsertTransaction(ctx context.Context, txn *models.WalletTransaction) error
	SettleTransaction(ctx context.Context, id uuid.UUID, externalRef *string) error
	FailTransaction(ctx context.Context, id uuid.UUID, reason string) error

	InsertOutboxEvent(ctx context.Context, event *models.OutboxEvent) error
	CompleteOutboxEvent(ctx context.Context, id uuid.UUID) error
	FailOutboxEvent(ctx context.Context, id uuid.UUID, retryCount int, reason string) error
}

// OutboxStore - операции релея над очередью событий.
type OutboxStore interface {
	ListDueEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error)
	// ClaimEvent переводит событие pending -> processing. Возвращает nil без
	// ошибки, если событие уже забрал другой воркер.
	ClaimEvent(ctx context.Context, id uuid.UUID, now time.Time) (*models.OutboxEvent, error)
	RescheduleEvent(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, lastError string) error
	FailEvent(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error
	// RequeueStaleEvents возвращает в pending события, зависшие в processing.
	RequeueStaleEvents(ctx context.Context, lockedBefore time.Time) (int64, error)
}
