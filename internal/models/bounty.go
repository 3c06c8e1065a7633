package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/bounty-escrow/internal/domain/valueobject"
)

// Bounty - задание с денежным вознаграждением или без него (honor-only).
type Bounty struct {
	ID             uuid.UUID                `db:"id" json:"id"`
	Title          string                   `db:"title" json:"title"`
	Amount         int64                    `db:"amount" json:"amount"`
	Status         valueobject.BountyStatus `db:"status" json:"status"`
	PosterID       uuid.UUID                `db:"poster_id" json:"poster_id"`
	WorkerID       *uuid.UUID               `db:"worker_id" json:"worker_id,omitempty"`
	PaymentHoldRef *string                  `db:"payment_hold_ref" json:"payment_hold_ref,omitempty"`
	IsHonorOnly    bool                     `db:"is_honor_only" json:"is_honor_only"`

	CancellationRequestedBy      *uuid.UUID `db:"cancellation_requested_by" json:"cancellation_requested_by,omitempty"`
	CancellationReason           *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancellationRefundPercentage *int       `db:"cancellation_refund_percentage" json:"cancellation_refund_percentage,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsWorker сообщает, назначен ли userID исполнителем.
func (b *Bounty) IsWorker(userID uuid.UUID) bool {
	return b.WorkerID != nil && *b.WorkerID == userID
}

// IsParticipant - заказчик или назначенный исполнитель.
func (b *Bounty) IsParticipant(userID uuid.UUID) bool {
	return b.PosterID == userID || b.IsWorker(userID)
}

// ClearCancellationRequest сбрасывает сохранённый запрос на отмену.
func (b *Bounty) ClearCancellationRequest() {
	b.CancellationRequestedBy = nil
	b.CancellationReason = nil
	b.CancellationRefundPercentage = nil
}
