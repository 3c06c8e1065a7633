package valueobject

import "github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"

type BountyStatus string

const (
	BountyStatusOpen                  BountyStatus = "open"
	BountyStatusInProgress            BountyStatus = "in_progress"
	BountyStatusCancellationRequested BountyStatus = "cancellation_requested"
	BountyStatusCompleted             BountyStatus = "completed"
	BountyStatusCancelled             BountyStatus = "cancelled"
	BountyStatusArchived              BountyStatus = "archived"
)

// bountyTransitions - единственный источник допустимых переходов.
// in_progress -> open используется только при откате неудачной заморозки.
var bountyTransitions = map[BountyStatus][]BountyStatus{
	BountyStatusOpen:                  {BountyStatusInProgress, BountyStatusCancelled, BountyStatusArchived},
	BountyStatusInProgress:            {BountyStatusCompleted, BountyStatusCancelled, BountyStatusCancellationRequested, BountyStatusOpen},
	BountyStatusCancellationRequested: {BountyStatusInProgress, BountyStatusCancelled},
	BountyStatusCompleted:             {BountyStatusArchived},
	BountyStatusCancelled:             {BountyStatusArchived},
	BountyStatusArchived:              {},
}

func (s BountyStatus) IsValid() bool {
	_, ok := bountyTransitions[s]
	return ok
}

func (s BountyStatus) CanTransitionTo(newStatus BountyStatus) bool {
	for _, status := range bountyTransitions[s] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, что из статуса нельзя вернуться в рабочий цикл.
func (s BountyStatus) IsTerminal() bool {
	switch s {
	case BountyStatusCompleted, BountyStatusCancelled, BountyStatusArchived:
		return true
	}
	return false
}

// HasWorker сообщает, должен ли в этом статусе быть назначен исполнитель.
func (s BountyStatus) HasWorker() bool {
	switch s {
	case BountyStatusInProgress, BountyStatusCompleted, BountyStatusCancellationRequested:
		return true
	}
	return false
}

// Transition проверяет переход и возвращает доменную ошибку при нарушении.
func (s BountyStatus) Transition(newStatus BountyStatus) (BountyStatus, error) {
	if !s.CanTransitionTo(newStatus) {
		return s, apperror.ErrInvalidStatusTransition
	}
	return newStatus, nil
}

func NewBountyStatus(status string) (BountyStatus, error) {
	s := BountyStatus(status)
	if !s.IsValid() {
		return "", apperror.New(apperror.ErrCodeValidation, "некорректный статус задания")
	}
	return s, nil
}
