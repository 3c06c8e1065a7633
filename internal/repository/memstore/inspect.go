package memstore

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ignatzorin/bounty-escrow/internal/models"
)

// Writes - число изменяющих операций, зафиксированных в хранилище.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.writes
}

// Transactions возвращает строки леджера задания, при фильтре - только указанного типа.
func (s *Store) Transactions(bountyID uuid.UUID, txType ...string) []models.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.cur.transactionsOf(bountyID)
	if len(txType) == 0 {
		return all
	}
	out := make([]models.WalletTransaction, 0, len(all))
	for _, t := range all {
		if t.Type == txType[0] {
			out = append(out, t)
		}
	}
	return out
}

// Events возвращает события задания в порядке создания.
func (s *Store) Events(bountyID uuid.UUID) []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboxEvent, 0)
	for _, ev := range s.cur.events {
		if ev.BountyID == bountyID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Event возвращает событие по идентификатору.
func (s *Store) Event(id uuid.UUID) (models.OutboxEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.cur.events[id]
	return ev, ok
}

// PutEvent записывает событие как есть, минуя транзакции.
func (s *Store) PutEvent(ev models.OutboxEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.events[ev.ID] = ev
}
