package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrCodeUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError описывает ошибку, которую можно безопасно отдать клиенту.
// Reason содержит машиночитаемую причину (например, RELEASE_IN_PROGRESS).
type AppError struct {
	Code       ErrorCode
	Reason     string
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду и причине, чтобы обёрнутые копии
// сентинелов тоже распознавались через errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Reason == t.Reason && e.Reason != ""
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// NewReason создаёт ошибку с машиночитаемой причиной.
func NewReason(code ErrorCode, reason, message string) *AppError {
	e := New(code, message)
	e.Reason = reason
	return e
}

// WithCause возвращает копию ошибки с причиной, сохраняя код и Reason.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Cause = err
	return &c
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As извлекает AppError из цепочки ошибок.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

var (
	ErrUnauthorized = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrForbidden    = New(ErrCodeForbidden, "недостаточно прав")

	ErrBountyNotFound = NewReason(ErrCodeNotFound, "BOUNTY_NOT_FOUND", "задание не найдено")
	ErrNotParticipant = NewReason(ErrCodeForbidden, "NOT_PARTICIPANT", "действие доступно только заказчику или исполнителю")

	// Принятие задания.
	ErrAlreadyAccepted    = NewReason(ErrCodeConflict, "ALREADY_ACCEPTED", "задание уже принято другим исполнителем")
	ErrSelfAcceptance     = NewReason(ErrCodeValidation, "SELF_ACCEPTANCE", "нельзя принять собственное задание")
	ErrPayoutCapability   = NewReason(ErrCodeConflict, "PAYOUT_CAPABILITY", "у исполнителя нет подтверждённого счёта для выплат")
	ErrGatewayUnavailable = NewReason(ErrCodeUnavailable, "GATEWAY_UNAVAILABLE", "платёжный шлюз временно недоступен")
	ErrInvalidAmount      = NewReason(ErrCodeValidation, "INVALID_AMOUNT", "сумма меньше минимально допустимой")
	ErrInvalidHonorAmount = NewReason(ErrCodeValidation, "INVALID_HONOR_AMOUNT", "задание без оплаты не может иметь сумму")

	// Завершение и выплата.
	ErrNotAssignedWorker       = NewReason(ErrCodeForbidden, "NOT_ASSIGNED_WORKER", "завершить задание может только назначенный исполнитель")
	ErrInvalidStatusTransition = NewReason(ErrCodeConflict, "INVALID_STATUS_TRANSITION", "недопустимый переход статуса задания")
	ErrNoEscrowFound           = NewReason(ErrCodeConflict, "NO_ESCROW_FOUND", "средства по заданию ещё не заморожены")
	ErrReleaseAlreadyProcessed = NewReason(ErrCodeConflict, "RELEASE_ALREADY_PROCESSED", "выплата по заданию уже проведена")
	ErrReleaseInProgress       = NewReason(ErrCodeConflict, "RELEASE_IN_PROGRESS", "выплата по заданию уже выполняется")

	// Отмена и возврат.
	ErrAlreadyCompleted        = NewReason(ErrCodeConflict, "ALREADY_COMPLETED", "завершённое задание нельзя отменить")
	ErrAlreadyRefunded         = NewReason(ErrCodeConflict, "ALREADY_REFUNDED", "возврат по заданию уже проведён")
	ErrRefundInProgress        = NewReason(ErrCodeConflict, "REFUND_IN_PROGRESS", "возврат по заданию уже выполняется")
	ErrInvalidRefundPercentage = NewReason(ErrCodeValidation, "INVALID_REFUND_PERCENTAGE", "процент возврата должен быть от 0 до 100")
	ErrNoHoldFound             = NewReason(ErrCodeConflict, "NO_HOLD_FOUND", "по заданию нет подтверждённой заморозки средств")
	ErrNoCancellationRequest   = NewReason(ErrCodeConflict, "NO_CANCELLATION_REQUEST", "нет активного запроса на отмену")
)
