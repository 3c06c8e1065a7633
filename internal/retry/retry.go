// Package retry - экспоненциальные повторы для релея и внутренних вызовов.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy задаёт число повторов и базовую задержку.
// Задержка перед повтором номер n равна BaseDelay * 2^n.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay ограничивает задержку сверху, 0 - без ограничения.
	MaxDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()
	return b
}

// Delay возвращает задержку перед повтором номер retryCount.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	b := p.newBackOff()
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Next сообщает, допустим ли повтор номер retryCount, и его задержку.
func (p Policy) Next(retryCount int) (time.Duration, bool) {
	if retryCount > p.MaxRetries {
		return 0, false
	}
	return p.Delay(retryCount), true
}

// Permanent помечает ошибку как не подлежащую повтору в Do.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do выполняет op до MaxRetries повторов сверх первой попытки.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(max(p.MaxRetries, 0))), ctx)
	return backoff.Retry(op, b)
}
