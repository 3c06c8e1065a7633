package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Sandbox - шлюз в памяти для локального запуска и тестов.
// Хранит результаты по ключам идемпотентности и позволяет внедрять сбои.
type Sandbox struct {
	mu sync.Mutex

	// DefaultCapability возвращается для неизвестных счетов.
	DefaultCapability Capability

	accounts  map[string]Capability
	results   map[string]string
	holds     map[string]int64
	failures  map[string][]error
	calls     map[string]int
	transfers map[string]int64
	seq       int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		DefaultCapability: Capability{PayoutEnabled: true, ChargesEnabled: true},
		accounts:          make(map[string]Capability),
		results:           make(map[string]string),
		holds:             make(map[string]int64),
		failures:          make(map[string][]error),
		calls:             make(map[string]int),
		transfers:         make(map[string]int64),
	}
}

var _ Gateway = (*Sandbox)(nil)

// Операции для FailNext и Calls.
const (
	OpCreateHold    = opCreateHold
	OpTransfer      = opTransfer
	OpRefund        = opRefund
	OpGetCapability = opGetCapability
)

func (s *Sandbox) SetAccount(accountID string, c Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = c
}

// FailNext ставит в очередь ошибки для следующих вызовов op.
func (s *Sandbox) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Calls - число фактически выполненных (не повторных) операций op.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TransferredTo - сумма переводов на счёт.
func (s *Sandbox) TransferredTo(accountID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers[accountID]
}

func (s *Sandbox) CreateHold(ctx context.Context, amount int64, key string) (string, error) {
	return s.execute(ctx, OpCreateHold, key, func() (string, error) {
		if amount <= 0 {
			return "", NewError(Validation, OpCreateHold, "invalid_amount", "сумма должна быть положительной")
		}
		ref := s.nextRef("hold")
		s.holds[ref] = amount
		return ref, nil
	})
}

func (s *Sandbox) Transfer(ctx context.Context, destination string, amount int64, key string) (string, error) {
	return s.execute(ctx, OpTransfer, key, func() (string, error) {
		if !s.capability(destination).PayoutEnabled {
			return "", NewError(Permanent, OpTransfer, "payouts_disabled", "выплаты на счёт отключены")
		}
		if amount <= 0 {
			return "", NewError(Validation, OpTransfer, "invalid_amount", "сумма должна быть положительной")
		}
		s.transfers[destination] += amount
		return s.nextRef("tr"), nil
	})
}

func (s *Sandbox) Refund(ctx context.Context, holdRef string, amount int64, key string) (string, error) {
	return s.execute(ctx, OpRefund, key, func() (string, error) {
		held, ok := s.holds[holdRef]
		if !ok {
			return "", NewError(Permanent, OpRefund, "unknown_hold", "заморозка не найдена")
		}
		if amount <= 0 || amount > held {
			return "", NewError(Validation, OpRefund, "invalid_amount", "сумма возврата превышает заморозку")
		}
		s.holds[holdRef] = held - amount
		return s.nextRef("re"), nil
	})
}

func (s *Sandbox) GetAccountCapability(ctx context.Context, accountID string) (Capability, error) {
	if err := ctx.Err(); err != nil {
		return Capability{}, &Error{Kind: Transient, Op: OpGetCapability, Cause: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(OpGetCapability); err != nil {
		return Capability{}, err
	}
	s.calls[OpGetCapability]++
	return s.capability(accountID), nil
}

func (s *Sandbox) execute(ctx context.Context, op, key string, fn func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Kind: Transient, Op: op, Cause: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(op); err != nil {
		return "", err
	}
	if key != "" {
		if ref, ok := s.results[op+"/"+key]; ok {
			return ref, nil
		}
	}
	ref, err := fn()
	if err != nil {
		return "", err
	}
	s.calls[op]++
	if key != "" {
		s.results[op+"/"+key] = ref
	}
	return ref, nil
}

func (s *Sandbox) popFailure(op string) error {
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	s.failures[op] = queue[1:]
	return queue[0]
}

func (s *Sandbox) capability(accountID string) Capability {
	if c, ok := s.accounts[accountID]; ok {
		return c
	}
	return s.DefaultCapability
}

func (s *Sandbox) nextRef(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_sandbox_%06d", prefix, s.seq)
}
