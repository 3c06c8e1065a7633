package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Типы событий outbox
const (
	EventTypeEscrowHold        = "ESCROW_HOLD"
	EventTypeCompletionRelease = "COMPLETION_RELEASE"
	EventTypeRefund            = "REFUND"
)

// Статусы событий outbox
const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
)

// OutboxEvent - запись о внешнем действии, которое должен выполнить релей.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	EventType     string          `db:"event_type" json:"event_type"`
	BountyID      uuid.UUID       `db:"bounty_id" json:"bounty_id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        string          `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	NextAttemptAt time.Time       `db:"next_attempt_at" json:"next_attempt_at"`
	LastError     *string         `db:"last_error" json:"last_error,omitempty"`
	LockedAt      *time.Time      `db:"locked_at" json:"locked_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// NewOutboxEvent сериализует payload и создаёт pending-событие.
func NewOutboxEvent(eventType string, bountyID uuid.UUID, payload any, now time.Time) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		BountyID:      bountyID,
		Payload:       raw,
		Status:        EventStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// EscrowHoldPayload - данные для заморозки средств заказчика.
type EscrowHoldPayload struct {
	BountyID      uuid.UUID `json:"bounty_id"`
	PosterID      uuid.UUID `json:"poster_id"`
	WorkerID      uuid.UUID `json:"worker_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        int64     `json:"amount"`
}

// ReleasePayload - данные для выплаты исполнителю.
type ReleasePayload struct {
	BountyID             uuid.UUID `json:"bounty_id"`
	PosterID             uuid.UUID `json:"poster_id"`
	WorkerID             uuid.UUID `json:"worker_id"`
	ReleaseTransactionID uuid.UUID `json:"release_transaction_id"`
	FeeTransactionID     uuid.UUID `json:"fee_transaction_id"`
	Payout               int64     `json:"payout"`
	Fee                  int64     `json:"fee"`
}

// RefundPayload - данные для возврата. При частичном возврате остаток
// выплачивается исполнителю в рамках того же события.
type RefundPayload struct {
	BountyID             uuid.UUID  `json:"bounty_id"`
	PosterID             uuid.UUID  `json:"poster_id"`
	WorkerID             *uuid.UUID `json:"worker_id,omitempty"`
	CancelledBy          uuid.UUID  `json:"cancelled_by"`
	Reason               string     `json:"reason"`
	HoldRef              string     `json:"hold_ref"`
	RefundTransactionID  uuid.UUID  `json:"refund_transaction_id"`
	RefundAmount         int64      `json:"refund_amount"`
	ReleaseTransactionID *uuid.UUID `json:"release_transaction_id,omitempty"`
	FeeTransactionID     *uuid.UUID `json:"fee_transaction_id,omitempty"`
	Payout               int64      `json:"payout,omitempty"`
	Fee                  int64      `json:"fee,omitempty"`
}

// HasRemainder сообщает, что часть суммы уходит исполнителю.
func (p RefundPayload) HasRemainder() bool {
	return p.ReleaseTransactionID != nil && p.WorkerID != nil
}
