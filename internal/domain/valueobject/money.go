package valueobject

import (
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"
)

// DefaultFeeRate - комиссия платформы по умолчанию (5%).
var DefaultFeeRate = FeeRate{rate: decimal.RequireFromString("0.05")}

// FeeRate - доля комиссии платформы в диапазоне [0, 1).
type FeeRate struct {
	rate decimal.Decimal
}

// NewFeeRate разбирает десятичную строку вида "0.05".
func NewFeeRate(value string) (FeeRate, error) {
	rate, err := decimal.NewFromString(value)
	if err != nil {
		return FeeRate{}, apperror.Wrap(err, apperror.ErrCodeValidation, "некорректная ставка комиссии")
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return FeeRate{}, apperror.New(apperror.ErrCodeValidation, "ставка комиссии должна быть в диапазоне [0, 1)")
	}
	return FeeRate{rate: rate}, nil
}

func (f FeeRate) String() string {
	return f.rate.String()
}

// Fee считает комиссию в минимальных единицах с округлением half-up.
func (f FeeRate) Fee(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(f.rate).Round(0).IntPart()
}

// SplitFee делит сумму на выплату исполнителю и комиссию платформы.
// payout + fee всегда равно amount.
func (f FeeRate) SplitFee(amount int64) (payout, fee int64) {
	fee = f.Fee(amount)
	return amount - fee, fee
}

// ValidRefundPercentage проверяет процент возврата.
func ValidRefundPercentage(pct int) bool {
	return pct >= 0 && pct <= 100
}

// RefundAmount считает сумму возврата заказчику, округляя half-up.
// Остаток (amount - refund) причитается исполнителю.
func RefundAmount(amount int64, pct int) int64 {
	if pct >= 100 {
		return amount
	}
	if pct <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(pct))).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}
