package dto

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CreateBountyRequest - тело POST /api/bounties.
type CreateBountyRequest struct {
	Title       string `json:"title"`
	Amount      int64  `json:"amount"`
	IsHonorOnly bool   `json:"is_honor_only"`
}

func (r CreateBountyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Amount, validation.Min(int64(0))),
	)
}

// CancelBountyRequest - тело POST /api/bounties/:id/cancel.
type CancelBountyRequest struct {
	Reason           string `json:"reason"`
	RefundPercentage *int   `json:"refundPercentage"`
}

func (r CancelBountyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Reason, validation.Length(0, 1000)),
		validation.Field(&r.RefundPercentage, validation.Min(0), validation.Max(100)),
	)
}

// CancellationRequest - тело POST /api/bounties/:id/cancellation-request.
type CancellationRequest struct {
	Reason           string `json:"reason"`
	RefundPercentage *int   `json:"refundPercentage"`
}

func (r CancellationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Reason, validation.Required, validation.Length(1, 1000)),
		validation.Field(&r.RefundPercentage, validation.Min(0), validation.Max(100)),
	)
}
