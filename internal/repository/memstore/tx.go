package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	domainrepo "github.com/ignatzorin/bounty-escrow/internal/domain/repository"
	"github.com/ignatzorin/bounty-escrow/internal/models"
)

type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) LockBounty(_ context.Context, id uuid.UUID) (*models.Bounty, error) {
	b, ok := t.st.bounties[id]
	if !ok {
		return nil, domainrepo.ErrBountyNotFound
	}
	return &b, nil
}

func (t *memTx) UpdateBounty(_ context.Context, b *models.Bounty) error {
	cur, ok := t.st.bounties[b.ID]
	if !ok {
		return domainrepo.ErrBountyNotFound
	}
	cur.Status = b.Status
	cur.WorkerID = b.WorkerID
	cur.PaymentHoldRef = b.PaymentHoldRef
	cur.CancellationRequestedBy = b.CancellationRequestedBy
	cur.CancellationReason = b.CancellationReason
	cur.CancellationRefundPercentage = b.CancellationRefundPercentage
	cur.UpdatedAt = t.now()
	t.st.bounties[b.ID] = cur
	t.st.writes++
	return nil
}

func (t *memTx) FindActiveTransaction(_ context.Context, bountyID uuid.UUID, txType string) (*models.WalletTransaction, error) {
	for _, txn := range t.st.txns {
		if txn.BountyID == bountyID && txn.Type == txType && txn.Status != models.TxStatusFailed {
			found := txn
			return &found, nil
		}
	}
	return nil, nil
}

func (t *memTx) GetTransaction(_ context.Context, id uuid.UUID) (*models.WalletTransaction, error) {
	txn, ok := t.st.txns[id]
	if !ok {
		return nil, domainrepo.ErrTransactionNotFound
	}
	return &txn, nil
}

// InsertTransaction повторяет частичный уникальный индекс
// (bounty_id, type) WHERE status <> 'failed'.
func (t *memTx) InsertTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	if txn.Status != models.TxStatusFailed {
		existing, _ := t.FindActiveTransaction(ctx, txn.BountyID, txn.Type)
		if existing != nil {
			return domainrepo.ErrDuplicateTransaction
		}
	}
	now := t.now()
	txn.CreatedAt, txn.UpdatedAt = now, now
	t.st.txns[txn.ID] = *txn
	t.st.writes++
	return nil
}

func (t *memTx) SettleTransaction(_ context.Context, id uuid.UUID, externalRef *string) error {
	txn, ok := t.st.txns[id]
	if !ok || txn.Status != models.TxStatusPending {
		return domainrepo.ErrTransactionNotFound
	}
	txn.Status = models.TxStatusCompleted
	if externalRef != nil {
		txn.ExternalRef = externalRef
	}
	txn.LastError = nil
	txn.UpdatedAt = t.now()
	t.st.txns[id] = txn
	t.st.writes++
	return nil
}

func (t *memTx) FailTransaction(_ context.Context, id uuid.UUID, reason string) error {
	txn, ok := t.st.txns[id]
	if !ok || txn.Status != models.TxStatusPending {
		return domainrepo.ErrTransactionNotFound
	}
	txn.Status = models.TxStatusFailed
	txn.LastError = &reason
	txn.UpdatedAt = t.now()
	t.st.txns[id] = txn
	t.st.writes++
	return nil
}

func (t *memTx) InsertOutboxEvent(_ context.Context, ev *models.OutboxEvent) error {
	now := t.now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.NextAttemptAt.IsZero() {
		ev.NextAttemptAt = now
	}
	ev.UpdatedAt = now
	t.st.events[ev.ID] = *ev
	t.st.writes++
	return nil
}

func (t *memTx) CompleteOutboxEvent(_ context.Context, id uuid.UUID) error {
	ev, ok := t.st.events[id]
	if !ok || ev.Status != models.EventStatusProcessing {
		return domainrepo.ErrEventNotFound
	}
	ev.Status = models.EventStatusCompleted
	ev.LastError = nil
	ev.LockedAt = nil
	ev.UpdatedAt = t.now()
	t.st.events[id] = ev
	t.st.writes++
	return nil
}

func (t *memTx) FailOutboxEvent(_ context.Context, id uuid.UUID, retryCount int, reason string) error {
	ev, ok := t.st.events[id]
	if !ok || (ev.Status != models.EventStatusPending && ev.Status != models.EventStatusProcessing) {
		return domainrepo.ErrEventNotFound
	}
	ev.Status = models.EventStatusFailed
	ev.RetryCount = retryCount
	ev.LastError = &reason
	ev.LockedAt = nil
	ev.UpdatedAt = t.now()
	t.st.events[id] = ev
	t.st.writes++
	return nil
}
