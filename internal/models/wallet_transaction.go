package models

import (
	"time"

	"github.com/google/uuid"
)

// Типы транзакций
const (
	TxTypeEscrow      = "escrow"
	TxTypeRelease     = "release"
	TxTypePlatformFee = "platform_fee"
	TxTypeRefund      = "refund"
)

// Статусы транзакций
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// WalletTransaction - строка леджера. Для пары (bounty_id, type) не более
// одной строки вне статуса failed.
type WalletTransaction struct {
	ID          uuid.UUID `db:"id" json:"id"`
	BountyID    uuid.UUID `db:"bounty_id" json:"bounty_id"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	Type        string    `db:"type" json:"type"`
	Amount      int64     `db:"amount" json:"amount"`
	ExternalRef *string   `db:"external_ref" json:"external_ref,omitempty"`
	Status      string    `db:"status" json:"status"`
	LastError   *string   `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

func (t *WalletTransaction) IsCompleted() bool { return t.Status == TxStatusCompleted }
func (t *WalletTransaction) IsPending() bool   { return t.Status == TxStatusPending }

// NewWalletTransaction создаёт pending-строку с новым идентификатором.
func NewWalletTransaction(bountyID, userID uuid.UUID, txType string, amount int64) *WalletTransaction {
	return &WalletTransaction{
		ID:       uuid.New(),
		BountyID: bountyID,
		UserID:   userID,
		Type:     txType,
		Amount:   amount,
		Status:   TxStatusPending,
	}
}

// PaymentStatus - проекция платёжного состояния задания для клиента.
type PaymentStatus struct {
	BountyID      uuid.UUID           `json:"bounty_id"`
	BountyStatus  string              `json:"bounty_status"`
	Amount        int64               `json:"amount"`
	IsHonorOnly   bool                `json:"is_honor_only"`
	HoldConfirmed bool                `json:"hold_confirmed"`
	Transactions  []WalletTransaction `json:"transactions"`
}
