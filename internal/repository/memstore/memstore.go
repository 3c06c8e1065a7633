// Package memstore - хранилище в памяти с семантикой LedgerStore и OutboxStore.
// Используется в тестах сервисов и релея. Транзакции сериализуются одним
// мьютексом и применяются целиком при успехе.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domainrepo "github.com/ignatzorin/bounty-escrow/internal/domain/repository"
	"github.com/ignatzorin/bounty-escrow/internal/models"
)

type state struct {
	bounties map[uuid.UUID]models.Bounty
	txns     map[uuid.UUID]models.WalletTransaction
	events   map[uuid.UUID]models.OutboxEvent
	writes   int
}

func (s *state) clone() *state {
	c := &state{
		bounties: make(map[uuid.UUID]models.Bounty, len(s.bounties)),
		txns:     make(map[uuid.UUID]models.WalletTransaction, len(s.txns)),
		events:   make(map[uuid.UUID]models.OutboxEvent, len(s.events)),
		writes:   s.writes,
	}
	for k, v := range s.bounties {
		c.bounties[k] = v
	}
	for k, v := range s.txns {
		c.txns[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

type Store struct {
	mu  sync.Mutex
	cur *state
	now func() time.Time
}

func New() *Store {
	return &Store{
		cur: &state{
			bounties: make(map[uuid.UUID]models.Bounty),
			txns:     make(map[uuid.UUID]models.WalletTransaction),
			events:   make(map[uuid.UUID]models.OutboxEvent),
		},
		now: time.Now,
	}
}

var (
	_ domainrepo.LedgerStore = (*Store)(nil)
	_ domainrepo.OutboxStore = (*Store)(nil)
)

// SetClock подменяет источник времени.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx domainrepo.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.cur.clone()
	if err := fn(&memTx{st: work, now: s.now}); err != nil {
		return err
	}
	s.cur = work
	return nil
}

func (s *Store) GetBounty(_ context.Context, id uuid.UUID) (*models.Bounty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.cur.bounties[id]
	if !ok {
		return nil, domainrepo.ErrBountyNotFound
	}
	return &b, nil
}

func (s *Store) CreateBounty(_ context.Context, b *models.Bounty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	b.CreatedAt, b.UpdatedAt = now, now
	s.cur.bounties[b.ID] = *b
	s.cur.writes++
	return nil
}

func (s *Store) ListTransactionsByBounty(_ context.Context, bountyID uuid.UUID) ([]models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.transactionsOf(bountyID), nil
}

func (st *state) transactionsOf(bountyID uuid.UUID) []models.WalletTransaction {
	out := make([]models.WalletTransaction, 0)
	for _, t := range st.txns {
		if t.BountyID == bountyID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Type < out[j].Type
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) ListDueEvents(_ context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboxEvent, 0)
	for _, ev := range s.cur.events {
		if ev.Status == models.EventStatusPending && !ev.NextAttemptAt.After(now) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimEvent(_ context.Context, id uuid.UUID, now time.Time) (*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.cur.events[id]
	if !ok || ev.Status != models.EventStatusPending {
		return nil, nil
	}
	ev.Status = models.EventStatusProcessing
	ev.LockedAt = &now
	ev.UpdatedAt = now
	s.cur.events[id] = ev
	s.cur.writes++
	return &ev, nil
}

func (s *Store) RescheduleEvent(_ context.Context, id uuid.UUID, retryCount int, next time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.cur.events[id]
	if !ok || ev.Status != models.EventStatusProcessing {
		return domainrepo.ErrEventNotFound
	}
	ev.Status = models.EventStatusPending
	ev.RetryCount = retryCount
	ev.NextAttemptAt = next
	ev.LastError = &lastError
	ev.LockedAt = nil
	ev.UpdatedAt = s.now()
	s.cur.events[id] = ev
	s.cur.writes++
	return nil
}

func (s *Store) FailEvent(_ context.Context, id uuid.UUID, retryCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.cur, now: s.now}).FailOutboxEvent(context.Background(), id, retryCount, lastError)
}

func (s *Store) RequeueStaleEvents(_ context.Context, lockedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ev := range s.cur.events {
		if ev.Status == models.EventStatusProcessing && ev.LockedAt != nil && ev.LockedAt.Before(lockedBefore) {
			ev.Status = models.EventStatusPending
			ev.LockedAt = nil
			ev.UpdatedAt = s.now()
			s.cur.events[id] = ev
			n++
		}
	}
	if n > 0 {
		s.cur.writes++
	}
	return n, nil
}
