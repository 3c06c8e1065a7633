// Package gateway - адаптер внешнего платёжного шлюза.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Gateway - узкий контракт платёжного шлюза. Все изменяющие вызовы
// принимают ключ идемпотентности: повтор с тем же ключом возвращает
// исходный результат и не создаёт новую операцию.
type Gateway interface {
	CreateHold(ctx context.Context, amount int64, idempotencyKey string) (string, error)
	Transfer(ctx context.Context, destinationAccount string, amount int64, idempotencyKey string) (string, error)
	Refund(ctx context.Context, holdRef string, amount int64, idempotencyKey string) (string, error)
	GetAccountCapability(ctx context.Context, accountID string) (Capability, error)
}

type Capability struct {
	PayoutEnabled  bool `json:"payout_enabled"`
	ChargesEnabled bool `json:"charges_enabled"`
}

type ErrorKind int

const (
	// Transient - сеть, таймаут, 5xx. Повторяется релеем.
	Transient ErrorKind = iota + 1
	// Permanent - отказ шлюза (мошенничество, закрытый счёт). Без повторов.
	Permanent
	// Validation - шлюз отверг параметры запроса. Без повторов.
	Validation
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error - типизированная ошибка шлюза.
type Error struct {
	Kind    ErrorKind
	Op      string
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(kind ErrorKind, op, code, message string) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message}
}

// KindOf классифицирует ошибку. Таймауты, сетевые сбои и любые ошибки
// без явной классификации считаются временными.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return Transient
}

func IsTransient(err error) bool { return err != nil && KindOf(err) == Transient }

// IsTerminal - ошибка, которую бессмысленно повторять.
func IsTerminal(err error) bool {
	k := KindOf(err)
	return k == Permanent || k == Validation
}
