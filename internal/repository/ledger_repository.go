package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	domainrepo "github.com/ignatzorin/bounty-escrow/internal/domain/repository"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/repository/common"
)

const (
	bountiesTable     = "bounties"
	transactionsTable = "wallet_transactions"
	outboxTable       = "outbox_events"
)

// LedgerRepository хранит задания, леджер и outbox в PostgreSQL.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

var _ domainrepo.LedgerStore = (*LedgerRepository)(nil)

func (r *LedgerRepository) WithinTx(ctx context.Context, fn func(tx domainrepo.LedgerTx) error) error {
	return common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
}

func (r *LedgerRepository) GetBounty(ctx context.Context, id uuid.UUID) (*models.Bounty, error) {
	return common.GetByID[models.Bounty](ctx, r.db, bountiesTable, id, domainrepo.ErrBountyNotFound)
}

func (r *LedgerRepository) CreateBounty(ctx context.Context, b *models.Bounty) error {
	query := `
		INSERT INTO bounties (id, title, amount, status, poster_id, is_honor_only)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	if err := r.db.QueryRowxContext(ctx, query, b.ID, b.Title, b.Amount, b.Status, b.PosterID, b.IsHonorOnly).
		Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("ledger repository: create bounty %w", err)
	}
	return nil
}

func (r *LedgerRepository) ListTransactionsByBounty(ctx context.Context, bountyID uuid.UUID) ([]models.WalletTransaction, error) {
	var txns []models.WalletTransaction
	query := `SELECT * FROM wallet_transactions WHERE bounty_id = $1 ORDER BY created_at, type`
	if err := r.db.SelectContext(ctx, &txns, query, bountyID); err != nil {
		return nil, fmt.Errorf("ledger repository: list transactions %w", err)
	}
	return txns, nil
}

type ledgerTx struct {
	tx *sqlx.Tx
}

func (t *ledgerTx) LockBounty(ctx context.Context, id uuid.UUID) (*models.Bounty, error) {
	return common.GetByIDForUpdate[models.Bounty](ctx, t.tx, bountiesTable, id, domainrepo.ErrBountyNotFound)
}

func (t *ledgerTx) UpdateBounty(ctx context.Context, b *models.Bounty) error {
	query := `
		UPDATE bounties SET
			status = $2,
			worker_id = $3,
			payment_hold_ref = $4,
			cancellation_requested_by = $5,
			cancellation_reason = $6,
			cancellation_refund_percentage = $7,
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := t.tx.ExecContext(ctx, query,
		b.ID, b.Status, b.WorkerID, b.PaymentHoldRef,
		b.CancellationRequestedBy, b.CancellationReason, b.CancellationRefundPercentage,
	)
	if err != nil {
		return fmt.Errorf("ledger repository: update bounty %w", err)
	}
	return common.ExpectOneRow(res, domainrepo.ErrBountyNotFound)
}

func (t *ledgerTx) FindActiveTransaction(ctx context.Context, bountyID uuid.UUID, txType string) (*models.WalletTransaction, error) {
	var txns []models.WalletTransaction
	query := `
		SELECT * FROM wallet_transactions
		WHERE bounty_id = $1 AND type = $2 AND status <> 'failed'
		LIMIT 1
	`
	if err := t.tx.SelectContext(ctx, &txns, query, bountyID, txType); err != nil {
		return nil, fmt.Errorf("ledger repository: find active transaction %w", err)
	}
	if len(txns) == 0 {
		return nil, nil
	}
	return &txns[0], nil
}

func (t *ledgerTx) GetTransaction(ctx context.Context, id uuid.UUID) (*models.WalletTransaction, error) {
	return common.GetByID[models.WalletTransaction](ctx, t.tx, transactionsTable, id, domainrepo.ErrTransactionNotFound)
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	query := `
		INSERT INTO wallet_transactions (id, bounty_id, user_id, type, amount, external_ref, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRowxContext(ctx, query,
		txn.ID, txn.BountyID, txn.UserID, txn.Type, txn.Amount, txn.ExternalRef, txn.Status,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return domainrepo.ErrDuplicateTransaction
		}
		return fmt.Errorf("ledger repository: insert transaction %w", err)
	}
	return nil
}

func (t *ledgerTx) SettleTransaction(ctx context.Context, id uuid.UUID, externalRef *string) error {
	query := `
		UPDATE wallet_transactions
		SET status = 'completed', external_ref = COALESCE($2, external_ref), last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	res, err := t.tx.ExecContext(ctx, query, id, externalRef)
	if err != nil {
		return fmt.Errorf("ledger repository: settle transaction %w", err)
	}
	return common.ExpectOneRow(res, domainrepo.ErrTransactionNotFound)
}

func (t *ledgerTx) FailTransaction(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE wallet_transactions
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	res, err := t.tx.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("ledger repository: fail transaction %w", err)
	}
	return common.ExpectOneRow(res, domainrepo.ErrTransactionNotFound)
}

func (t *ledgerTx) InsertOutboxEvent(ctx context.Context, ev *models.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, event_type, bounty_id, payload, status, retry_count, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRowxContext(ctx, query,
		ev.ID, ev.EventType, ev.BountyID, []byte(ev.Payload), ev.Status, ev.RetryCount, ev.NextAttemptAt,
	).Scan(&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ledger repository: insert outbox event %w", err)
	}
	return nil
}

func (t *ledgerTx) CompleteOutboxEvent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = 'completed', last_error = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	res, err := t.tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ledger repository: complete outbox event %w", err)
	}
	return common.ExpectOneRow(res, domainrepo.ErrEventNotFound)
}

func (t *ledgerTx) FailOutboxEvent(ctx context.Context, id uuid.UUID, retryCount int, reason string) error {
	return failEvent(ctx, t.tx, id, retryCount, reason)
}

func failEvent(ctx context.Context, exec sqlx.ExecerContext, id uuid.UUID, retryCount int, reason string) error {
	query := `
		UPDATE outbox_events
		SET status = 'failed', retry_count = $2, last_error = $3, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`
	res, err := exec.ExecContext(ctx, query, id, retryCount, reason)
	if err != nil {
		return fmt.Errorf("ledger repository: fail outbox event %w", err)
	}
	return common.ExpectOneRow(res, domainrepo.ErrEventNotFound)
}
