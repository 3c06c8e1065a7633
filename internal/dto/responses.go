package dto

import (
	"github.com/google/uuid"

	"github.com/ignatzorin/bounty-escrow/internal/domain/valueobject"
)

// ErrorResponse - стандартный ответ с ошибкой. Reason заполняется для
// доменных отказов (например, RELEASE_IN_PROGRESS).
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type StatusResponse struct {
	BountyID uuid.UUID                `json:"bounty_id"`
	Status   valueobject.BountyStatus `json:"status"`
}

// CancelResponse - ответ POST /api/bounties/:id/cancel.
type CancelResponse struct {
	RefundID *uuid.UUID               `json:"refundId"`
	Amount   int64                    `json:"amount"`
	Status   valueobject.BountyStatus `json:"status"`
}
