package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	domainrepo "github.com/ignatzorin/bounty-escrow/internal/domain/repository"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/repository/common"
)

// OutboxRepository - очередь событий для релея.
type OutboxRepository struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

var _ domainrepo.OutboxStore = (*OutboxRepository)(nil)

// ListDueEvents возвращает события, готовые к обработке, в порядке создания.
func (r *OutboxRepository) ListDueEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	query := `
		SELECT * FROM outbox_events
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at
		LIMIT $2
	`
	if err := r.db.SelectContext(ctx, &events, query, now, limit); err != nil {
		return nil, fmt.Errorf("outbox repository: list due events %w", err)
	}
	return events, nil
}

// ClaimEvent атомарно забирает событие. Проигранная гонка не является ошибкой.
func (r *OutboxRepository) ClaimEvent(ctx context.Context, id uuid.UUID, now time.Time) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	query := `
		UPDATE outbox_events
		SET status = 'processing', locked_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING *
	`
	if err := r.db.GetContext(ctx, &ev, query, id, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("outbox repository: claim event %w", err)
	}
	return &ev, nil
}

func (r *OutboxRepository) RescheduleEvent(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, lastError string) error {
	query := `
		UPDATE outbox_events
		SET status = 'pending', retry_count = $2, next_attempt_at = $3, last_error = $4, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	res, err := r.db.ExecContext(ctx, query, id, retryCount, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("outbox repository: reschedule event %w", err)
	}
	return common.ExpectOneRow(res, domainrepo.ErrEventNotFound)
}

func (r *OutboxRepository) FailEvent(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	return failEvent(ctx, r.db, id, retryCount, lastError)
}

func (r *OutboxRepository) RequeueStaleEvents(ctx context.Context, lockedBefore time.Time) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = 'pending', locked_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND locked_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("outbox repository: requeue stale events %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox repository: requeue stale events %w", err)
	}
	return n, nil
}
