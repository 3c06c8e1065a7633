package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/bounty-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/bounty-escrow/internal/gateway"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/notification"
	"github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/bounty-escrow/internal/relay"
	"github.com/ignatzorin/bounty-escrow/internal/repository/memstore"
)

func TestEscrowService_AcceptBounty_QueuesHold(t *testing.T) {
	env := newTestEnv(t)
	b, poster := env.createBounty(t, 10000)
	worker := uuid.New()

	res, err := env.escrow.AcceptBounty(env.ctx, b.ID, worker)
	require.NoError(t, err)
	assert.Equal(t, valueobject.BountyStatusInProgress, res.Status)
	require.NotNil(t, res.TransactionID)

	escrow := env.singleTxn(t, b.ID, models.TxTypeEscrow)
	assert.Equal(t, models.TxStatusPending, escrow.Status)
	assert.Equal(t, poster, escrow.UserID)
	assert.Equal(t, int64(10000), escrow.Amount)

	events := env.store.Events(b.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeEscrowHold, events[0].EventType)
	assert.Equal(t, 0, env.gateway.Calls(gateway.OpCreateHold))

	env.drain(t)

	escrow = env.singleTxn(t, b.ID, models.TxTypeEscrow)
	assert.Equal(t, models.TxStatusCompleted, escrow.Status)
	require.NotNil(t, escrow.ExternalRef)

	bounty := env.mustBounty(t, b.ID)
	require.NotNil(t, bounty.PaymentHoldRef)
	assert.Equal(t, *escrow.ExternalRef, *bounty.PaymentHoldRef)
	assert.Equal(t, worker, *bounty.WorkerID)

	ev, _ := env.store.Event(events[0].ID)
	assert.Equal(t, models.EventStatusCompleted, ev.Status)
	assert.Len(t, env.dispatcher.For(poster, notification.EventEscrowHeld), 1)
	assert.Len(t, env.dispatcher.For(worker, notification.EventEscrowHeld), 1)
}

func TestEscrowService_AcceptBounty_Validation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("собственное задание", func(t *testing.T) {
		b, poster := env.createBounty(t, 1000)
		_, err := env.escrow.AcceptBounty(env.ctx, b.ID, poster)
		assert.ErrorIs(t, err, apperror.ErrSelfAcceptance)
	})

	t.Run("уже принято", func(t *testing.T) {
		b, _ := env.createBounty(t, 1000)
		_, err := env.escrow.AcceptBounty(env.ctx, b.ID, uuid.New())
		require.NoError(t, err)
		_, err = env.escrow.AcceptBounty(env.ctx, b.ID, uuid.New())
		assert.ErrorIs(t, err, apperror.ErrAlreadyAccepted)
	})

	t.Run("нет счёта для выплат", func(t *testing.T) {
		b, _ := env.createBounty(t, 1000)
		worker := uuid.New()
		env.gateway.SetAccount(worker.String(), gateway.Capability{PayoutEnabled: false})

		writes := env.store.Writes()
		_, err := env.escrow.AcceptBounty(env.ctx, b.ID, worker)
		assert.ErrorIs(t, err, apperror.ErrPayoutCapability)
		assert.Equal(t, writes, env.store.Writes())
	})

	t.Run("шлюз недоступен", func(t *testing.T) {
		b, _ := env.createBounty(t, 1000)
		env.gateway.FailNext(gateway.OpGetCapability, transientErr(gateway.OpGetCapability))

		_, err := env.escrow.AcceptBounty(env.ctx, b.ID, uuid.New())
		assert.ErrorIs(t, err, apperror.ErrGatewayUnavailable)
		assert.Equal(t, valueobject.BountyStatusOpen, env.mustBounty(t, b.ID).Status)
	})

	t.Run("счёт отклонён шлюзом", func(t *testing.T) {
		b, _ := env.createBounty(t, 1000)
		env.gateway.FailNext(gateway.OpGetCapability, permanentErr(gateway.OpGetCapability))

		_, err := env.escrow.AcceptBounty(env.ctx, b.ID, uuid.New())
		assert.ErrorIs(t, err, apperror.ErrPayoutCapability)
		assert.Equal(t, valueobject.BountyStatusOpen, env.mustBounty(t, b.ID).Status)
	})

	t.Run("задание не найдено", func(t *testing.T) {
		_, err := env.escrow.AcceptBounty(env.ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, apperror.ErrBountyNotFound)
	})
}

func TestEscrowService_AcceptBounty_BelowMinimum(t *testing.T) {
	store := memstore.New()
	gw := new(mockGateway)
	svc := NewEscrowService(store, gw, notification.Nop{}, 500)

	b := &models.Bounty{
		ID:       uuid.New(),
		Title:    "Старое задание",
		Amount:   100,
		Status:   valueobject.BountyStatusOpen,
		PosterID: uuid.New(),
	}
	require.NoError(t, store.CreateBounty(context.Background(), b))

	_, err := svc.AcceptBounty(context.Background(), b.ID, uuid.New())
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)
	gw.AssertNotCalled(t, "GetAccountCapability", mock.Anything, mock.Anything)
}

func TestEscrowService_AcceptBounty_HonorOnlySkipsGateway(t *testing.T) {
	store := memstore.New()
	gw := new(mockGateway)
	bounties := NewBountyService(store, testMinHold)
	svc := NewEscrowService(store, gw, notification.Nop{}, testMinHold)

	b, err := bounties.CreateBounty(context.Background(), uuid.New(), "Помощь с переводом", 0, true)
	require.NoError(t, err)

	res, err := svc.AcceptBounty(context.Background(), b.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, valueobject.BountyStatusInProgress, res.Status)
	assert.Nil(t, res.TransactionID)
	assert.Empty(t, store.Transactions(b.ID))
	assert.Empty(t, store.Events(b.ID))
	gw.AssertExpectations(t)
}

func TestEscrowService_AcceptBounty_CapabilityCheckedForWorker(t *testing.T) {
	store := memstore.New()
	gw := new(mockGateway)
	bounties := NewBountyService(store, testMinHold)
	svc := NewEscrowService(store, gw, notification.Nop{}, testMinHold)

	b, err := bounties.CreateBounty(context.Background(), uuid.New(), "Вёрстка письма", 5000, false)
	require.NoError(t, err)
	worker := uuid.New()
	gw.On("GetAccountCapability", mock.Anything, worker.String()).
		Return(gateway.Capability{PayoutEnabled: true}, nil).Once()

	_, err = svc.AcceptBounty(context.Background(), b.ID, worker)
	require.NoError(t, err)
	gw.AssertExpectations(t)
}

func TestEscrowService_PermanentHoldFailureRevertsBounty(t *testing.T) {
	env := newTestEnv(t)
	b, poster := env.createBounty(t, 10000)
	worker := uuid.New()
	env.gateway.FailNext(gateway.OpCreateHold, permanentErr(gateway.OpCreateHold))

	_, err := env.escrow.AcceptBounty(env.ctx, b.ID, worker)
	require.NoError(t, err)
	env.drain(t)

	bounty := env.mustBounty(t, b.ID)
	assert.Equal(t, valueobject.BountyStatusOpen, bounty.Status)
	assert.Nil(t, bounty.WorkerID)
	assert.Nil(t, bounty.PaymentHoldRef)

	escrow := env.singleTxn(t, b.ID, models.TxTypeEscrow)
	assert.Equal(t, models.TxStatusFailed, escrow.Status)
	require.NotNil(t, escrow.LastError)

	events := env.store.Events(b.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStatusFailed, events[0].Status)
	assert.Equal(t, 0, events[0].RetryCount)

	assert.Equal(t, 1, env.alerter.Count())
	for _, user := range []uuid.UUID{poster, worker} {
		sent := env.dispatcher.For(user, notification.EventEscrowFailed)
		require.Len(t, sent, 1)
		payload := sent[0].Payload.(map[string]any)
		assert.Equal(t, notification.GenericFailureMessage, payload["message"])
	}

	// после отката задание снова можно принять
	_, err = env.escrow.AcceptBounty(env.ctx, b.ID, uuid.New())
	require.NoError(t, err)
	assert.Len(t, env.store.Transactions(b.ID, models.TxTypeEscrow), 2)
}

func TestEscrowService_TransientHoldFailureRetried(t *testing.T) {
	env := newTestEnv(t)
	b, _ := env.createBounty(t, 10000)
	env.gateway.FailNext(gateway.OpCreateHold,
		transientErr(gateway.OpCreateHold),
		transientErr(gateway.OpCreateHold),
	)

	_, err := env.escrow.AcceptBounty(env.ctx, b.ID, uuid.New())
	require.NoError(t, err)
	eventID := env.store.Events(b.ID)[0].ID
	start := env.clock.Now()

	_, err = env.relay.RunOnce(env.ctx)
	require.NoError(t, err)
	ev, _ := env.store.Event(eventID)
	assert.Equal(t, models.EventStatusPending, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.Equal(t, start.Add(2*time.Second), ev.NextAttemptAt)

	// до срока событие не берётся
	n, err := env.relay.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(2 * time.Second)
	_, err = env.relay.RunOnce(env.ctx)
	require.NoError(t, err)
	ev, _ = env.store.Event(eventID)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, env.clock.Now().Add(4*time.Second), ev.NextAttemptAt)

	env.clock.Advance(4 * time.Second)
	_, err = env.relay.RunOnce(env.ctx)
	require.NoError(t, err)

	ev, _ = env.store.Event(eventID)
	assert.Equal(t, models.EventStatusCompleted, ev.Status)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, models.TxStatusCompleted, env.singleTxn(t, b.ID, models.TxTypeEscrow).Status)
	assert.Equal(t, 1, env.gateway.Calls(gateway.OpCreateHold))
	assert.Zero(t, env.alerter.Count())
}

func TestEscrowService_HoldReplayAfterCrash(t *testing.T) {
	env := newTestEnv(t)
	b, _ := env.createBounty(t, 10000)

	res, err := env.escrow.AcceptBounty(env.ctx, b.ID, uuid.New())
	require.NoError(t, err)
	ev := env.store.Events(b.ID)[0]

	// релей забрал событие и успел вызвать шлюз, но упал до записи в БД
	claimed, err := env.store.ClaimEvent(env.ctx, ev.ID, env.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	key := gateway.IdempotencyKey(ev.EventType, b.ID, *res.TransactionID)
	firstRef, err := env.gateway.CreateHold(env.ctx, 10000, key)
	require.NoError(t, err)

	env.clock.Advance(3 * time.Minute)
	env.drain(t)

	bounty := env.mustBounty(t, b.ID)
	require.NotNil(t, bounty.PaymentHoldRef)
	assert.Equal(t, firstRef, *bounty.PaymentHoldRef)
	assert.Equal(t, 1, env.gateway.Calls(gateway.OpCreateHold))
}

func TestEscrowService_FailEscrowHold_KeepsReassignedBounty(t *testing.T) {
	env := newTestEnv(t)
	b, _ := env.createBounty(t, 10000)
	worker := uuid.New()
	_, err := env.escrow.AcceptBounty(env.ctx, b.ID, worker)
	require.NoError(t, err)

	ev := env.store.Events(b.ID)[0]

	// payload указывает на другого исполнителя, откат не применяется
	p, err := decodePayload[models.EscrowHoldPayload](&ev)
	require.NoError(t, err)
	p.WorkerID = uuid.New()
	other, err := models.NewOutboxEvent(ev.EventType, b.ID, p, env.clock.Now())
	require.NoError(t, err)
	other.Status = models.EventStatusProcessing
	env.store.PutEvent(*other)

	require.NoError(t, env.escrow.FailEscrowHold(env.ctx, other, errors.New("card declined")))
	bounty := env.mustBounty(t, b.ID)
	assert.Equal(t, valueobject.BountyStatusInProgress, bounty.Status)
	assert.Equal(t, worker, *bounty.WorkerID)
}

func TestDecodePayload_Fatal(t *testing.T) {
	ev, err := models.NewOutboxEvent(models.EventTypeEscrowHold, uuid.New(), models.EscrowHoldPayload{BountyID: uuid.New()}, time.Now())
	require.NoError(t, err)

	_, err = decodePayload[models.EscrowHoldPayload](ev)
	assert.True(t, errors.Is(err, relay.ErrFatal))

	ev.Payload = []byte("{oops")
	_, err = decodePayload[models.EscrowHoldPayload](ev)
	assert.True(t, errors.Is(err, relay.ErrFatal))
}
