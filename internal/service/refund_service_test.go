package service

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/bounty-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/bounty-escrow/internal/gateway"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/notification"
	"github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"
)

func intPtr(v int) *int { return &v }

func TestRefundService_CancelBeforeAcceptance(t *testing.T) {
	env := newTestEnv(t)
	b, poster := env.createBounty(t, 10000)

	// процент для открытого задания игнорируется
	res, err := env.refund.CancelBounty(env.ctx, b.ID, poster, "передумал", intPtr(30))
	require.NoError(t, err)
	assert.Equal(t, valueobject.BountyStatusCancelled, res.Status)
	assert.Equal(t, int64(10000), res.Amount)
	require.NotNil(t, res.RefundID)

	refund := env.singleTxn(t, b.ID, models.TxTypeRefund)
	assert.Equal(t, models.TxStatusCompleted, refund.Status)
	assert.Equal(t, *res.RefundID, refund.ID)
	assert.Empty(t, env.store.Events(b.ID))
	assert.Zero(t, env.gateway.Calls(gateway.OpRefund))
	assert.Equal(t, valueobject.BountyStatusCancelled, env.mustBounty(t, b.ID).Status)

	_, err = env.refund.CancelBounty(env.ctx, b.ID, poster, "ещё раз", nil)
	assert.ErrorIs(t, err, apperror.ErrAlreadyRefunded)
}

func TestRefundService_FullRefund(t *testing.T) {
	env := newTestEnv(t)
	b, poster, worker := env.acceptedBounty(t, 10000)

	res, err := env.refund.CancelBounty(env.ctx, b.ID, worker, "не успеваю", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.Amount)
	assert.Equal(t, valueobject.BountyStatusInProgress, res.Status)

	_, err = env.refund.CancelBounty(env.ctx, b.ID, poster, "повтор", nil)
	assert.ErrorIs(t, err, apperror.ErrRefundInProgress)

	env.drain(t)

	bounty := env.mustBounty(t, b.ID)
	assert.Equal(t, valueobject.BountyStatusCancelled, bounty.Status)
	assert.Nil(t, bounty.WorkerID)
	assert.Equal(t, models.TxStatusCompleted, env.singleTxn(t, b.ID, models.TxTypeRefund).Status)
	assert.Empty(t, env.store.Transactions(b.ID, models.TxTypeRelease))
	assert.Equal(t, 1, env.gateway.Calls(gateway.OpRefund))
	assert.Zero(t, env.gateway.Calls(gateway.OpTransfer))
	assert.Len(t, env.dispatcher.For(poster, notification.EventRefundCompleted), 1)
	assert.Len(t, env.dispatcher.For(worker, notification.EventRefundCompleted), 1)

	_, err = env.refund.CancelBounty(env.ctx, b.ID, poster, "ещё раз", nil)
	assert.ErrorIs(t, err, apperror.ErrAlreadyRefunded)
}

func TestRefundService_PartialRefundPaysRemainder(t *testing.T) {
	env := newTestEnv(t)
	b, poster, worker := env.acceptedBounty(t, 10000)

	res, err := env.refund.CancelBounty(env.ctx, b.ID, poster, "часть работы сделана", intPtr(40))
	require.NoError(t, err)
	assert.Equal(t, int64(4000), res.Amount)

	env.drain(t)

	refund := env.singleTxn(t, b.ID, models.TxTypeRefund)
	assert.Equal(t, int64(4000), refund.Amount)
	assert.Equal(t, models.TxStatusCompleted, refund.Status)

	release := env.singleTxn(t, b.ID, models.TxTypeRelease)
	assert.Equal(t, int64(5700), release.Amount)
	assert.Equal(t, models.TxStatusCompleted, release.Status)

	fee := env.singleTxn(t, b.ID, models.TxTypePlatformFee)
	assert.Equal(t, int64(300), fee.Amount)
	assert.Equal(t, refund.Amount+release.Amount+fee.Amount, b.Amount)

	assert.Equal(t, int64(5700), env.gateway.TransferredTo(worker.String()))
	assert.Equal(t, valueobject.BountyStatusCancelled, env.mustBounty(t, b.ID).Status)
}

func TestRefundService_ZeroPercentSkipsGatewayRefund(t *testing.T) {
	env := newTestEnv(t)
	b, poster, worker := env.acceptedBounty(t, 10000)

	_, err := env.refund.CancelBounty(env.ctx, b.ID, poster, "работа принята частично", intPtr(0))
	require.NoError(t, err)
	env.drain(t)

	assert.Zero(t, env.gateway.Calls(gateway.OpRefund))
	assert.Equal(t, int64(9500), env.gateway.TransferredTo(worker.String()))
	assert.Equal(t, valueobject.BountyStatusCancelled, env.mustBounty(t, b.ID).Status)
}

func TestRefundService_CancelValidation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("посторонний", func(t *testing.T) {
		b, _ := env.createBounty(t, 1000)
		writes := env.store.Writes()
		_, err := env.refund.CancelBounty(env.ctx, b.ID, uuid.New(), "", nil)
		assert.ErrorIs(t, err, apperror.ErrNotParticipant)
		assert.Equal(t, writes, env.store.Writes())
	})

	t.Run("некорректный процент", func(t *testing.T) {
		b, poster, _ := env.acceptedBounty(t, 1000)
		_, err := env.refund.CancelBounty(env.ctx, b.ID, poster, "", intPtr(101))
		assert.ErrorIs(t, err, apperror.ErrInvalidRefundPercentage)
	})

	t.Run("завершённое задание", func(t *testing.T) {
		b, poster, worker := env.acceptedBounty(t, 1000)
		_, err := env.release.CompleteBounty(env.ctx, b.ID, worker)
		require.NoError(t, err)

		_, err = env.refund.CancelBounty(env.ctx, b.ID, poster, "", nil)
		assert.ErrorIs(t, err, apperror.ErrReleaseInProgress)

		env.drain(t)
		_, err = env.refund.CancelBounty(env.ctx, b.ID, poster, "", nil)
		assert.ErrorIs(t, err, apperror.ErrAlreadyCompleted)
	})

	t.Run("нет заморозки", func(t *testing.T) {
		b, poster := env.createBounty(t, 1000)
		_, err := env.escrow.AcceptBounty(env.ctx, b.ID, uuid.New())
		require.NoError(t, err)

		_, err = env.refund.CancelBounty(env.ctx, b.ID, poster, "", nil)
		assert.ErrorIs(t, err, apperror.ErrNoHoldFound)
		env.drain(t)
	})
}

func TestRefundService_ConcurrentCancel(t *testing.T) {
	env := newTestEnv(t)
	b, poster, worker := env.acceptedBounty(t, 10000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		actor := poster
		if i%2 == 1 {
			actor = worker
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.refund.CancelBounty(env.ctx, b.ID, actor, "гонка", nil)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperror.ErrRefundInProgress)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Len(t, env.store.Transactions(b.ID, models.TxTypeRefund), 1)

	env.drain(t)
	assert.Equal(t, 1, env.gateway.Calls(gateway.OpRefund))
}

func TestRefundService_PermanentRefundFailure(t *testing.T) {
	env := newTestEnv(t)
	b, poster, _ := env.acceptedBounty(t, 10000)
	env.gateway.FailNext(gateway.OpRefund, permanentErr(gateway.OpRefund))

	_, err := env.refund.CancelBounty(env.ctx, b.ID, poster, "", nil)
	require.NoError(t, err)
	env.drain(t)

	assert.Equal(t, valueobject.BountyStatusInProgress, env.mustBounty(t, b.ID).Status)
	assert.Equal(t, models.TxStatusFailed, env.singleTxn(t, b.ID, models.TxTypeRefund).Status)
	assert.Len(t, env.dispatcher.For(poster, notification.EventRefundFailed), 1)
	assert.Equal(t, 1, env.alerter.Count())
}

func TestRefundService_CancellationNegotiation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("принятие запроса", func(t *testing.T) {
		b, poster, worker := env.acceptedBounty(t, 10000)

		requested, err := env.refund.RequestCancellation(env.ctx, b.ID, worker, "заболел", intPtr(50))
		require.NoError(t, err)
		assert.Equal(t, valueobject.BountyStatusCancellationRequested, requested.Status)
		assert.Len(t, env.dispatcher.For(poster, notification.EventCancellationRequest), 1)

		// процент берётся из запроса
		res, err := env.refund.CancelBounty(env.ctx, b.ID, poster, "согласен", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), res.Amount)

		env.drain(t)
		bounty := env.mustBounty(t, b.ID)
		assert.Equal(t, valueobject.BountyStatusCancelled, bounty.Status)
		assert.Nil(t, bounty.CancellationRequestedBy)
		assert.Equal(t, int64(4750), env.gateway.TransferredTo(worker.String()))
	})

	t.Run("отклонение запроса", func(t *testing.T) {
		b, poster, worker := env.acceptedBounty(t, 10000)

		_, err := env.refund.RequestCancellation(env.ctx, b.ID, poster, "нашёл другого", nil)
		require.NoError(t, err)

		_, err = env.refund.RejectCancellation(env.ctx, b.ID, poster)
		assert.ErrorIs(t, err, apperror.ErrForbidden)

		rejected, err := env.refund.RejectCancellation(env.ctx, b.ID, worker)
		require.NoError(t, err)
		assert.Equal(t, valueobject.BountyStatusInProgress, rejected.Status)
		assert.Nil(t, rejected.CancellationReason)
		assert.Len(t, env.dispatcher.For(poster, notification.EventCancellationRejected), 1)

		_, err = env.refund.RejectCancellation(env.ctx, b.ID, worker)
		assert.ErrorIs(t, err, apperror.ErrNoCancellationRequest)
	})

	t.Run("запрос для открытого задания", func(t *testing.T) {
		b, poster := env.createBounty(t, 1000)
		_, err := env.refund.RequestCancellation(env.ctx, b.ID, poster, "", nil)
		assert.ErrorIs(t, err, apperror.ErrInvalidStatusTransition)
	})
}

func refundEvent(t *testing.T, env *testEnv, bountyID uuid.UUID) models.OutboxEvent {
	t.Helper()
	for _, ev := range env.store.Events(bountyID) {
		if ev.EventType == models.EventTypeRefund {
			return ev
		}
	}
	t.Fatal("событие REFUND не найдено")
	return models.OutboxEvent{}
}

func TestRefundService_RemainderTransferFailsAfterRefund(t *testing.T) {
	env := newTestEnv(t)
	b, poster, worker := env.acceptedBounty(t, 10000)
	env.gateway.FailNext(gateway.OpTransfer, permanentErr(gateway.OpTransfer))

	_, err := env.refund.CancelBounty(env.ctx, b.ID, poster, "сделана часть", intPtr(60))
	require.NoError(t, err)
	env.drain(t)

	// возврат уже ушёл заказчику и остаётся проведённым
	refund := env.singleTxn(t, b.ID, models.TxTypeRefund)
	assert.Equal(t, models.TxStatusCompleted, refund.Status)
	require.NotNil(t, refund.ExternalRef)
	assert.Equal(t, models.TxStatusFailed, env.singleTxn(t, b.ID, models.TxTypeRelease).Status)
	assert.Equal(t, models.TxStatusFailed, env.singleTxn(t, b.ID, models.TxTypePlatformFee).Status)
	assert.Equal(t, models.EventStatusFailed, refundEvent(t, env, b.ID).Status)
	assert.Equal(t, 1, env.alerter.Count())
	assert.Len(t, env.dispatcher.For(poster, notification.EventRefundFailed), 1)
	assert.Len(t, env.dispatcher.For(worker, notification.EventPayoutFailed), 1)

	// полная выплата после частичного возврата невозможна
	_, err = env.release.CompleteBounty(env.ctx, b.ID, worker)
	assert.ErrorIs(t, err, apperror.ErrAlreadyRefunded)
	env.drain(t)

	_, err = env.refund.CancelBounty(env.ctx, b.ID, poster, "повтор", nil)
	assert.ErrorIs(t, err, apperror.ErrAlreadyRefunded)

	assert.Equal(t, 1, env.gateway.Calls(gateway.OpRefund))
	assert.Zero(t, env.gateway.TransferredTo(worker.String()))
	assert.Len(t, env.store.Transactions(b.ID, models.TxTypeRelease), 1)
	assert.LessOrEqual(t, refund.Amount+env.gateway.TransferredTo(worker.String()), b.Amount)
}

func TestRefundService_RemainderTransferRetriedWithoutSecondRefund(t *testing.T) {
	env := newTestEnv(t)
	b, poster, worker := env.acceptedBounty(t, 10000)
	env.gateway.FailNext(gateway.OpTransfer,
		transientErr(gateway.OpTransfer),
		transientErr(gateway.OpTransfer),
	)

	_, err := env.refund.CancelBounty(env.ctx, b.ID, poster, "сделана часть", intPtr(60))
	require.NoError(t, err)
	eventID := refundEvent(t, env, b.ID).ID

	_, err = env.relay.RunOnce(env.ctx)
	require.NoError(t, err)
	ev, _ := env.store.Event(eventID)
	assert.Equal(t, 1, ev.RetryCount)
	refund := env.singleTxn(t, b.ID, models.TxTypeRefund)
	assert.Equal(t, models.TxStatusCompleted, refund.Status)
	require.NotNil(t, refund.ExternalRef)
	firstRef := *refund.ExternalRef

	env.clock.Advance(2 * time.Second)
	_, err = env.relay.RunOnce(env.ctx)
	require.NoError(t, err)
	ev, _ = env.store.Event(eventID)
	assert.Equal(t, 2, ev.RetryCount)

	env.clock.Advance(4 * time.Second)
	env.drain(t)

	ev, _ = env.store.Event(eventID)
	assert.Equal(t, models.EventStatusCompleted, ev.Status)
	assert.Equal(t, 1, env.gateway.Calls(gateway.OpRefund))
	assert.Equal(t, 1, env.gateway.Calls(gateway.OpTransfer))
	assert.Equal(t, int64(3800), env.gateway.TransferredTo(worker.String()))

	refund = env.singleTxn(t, b.ID, models.TxTypeRefund)
	assert.Equal(t, firstRef, *refund.ExternalRef)
	assert.Equal(t, models.TxStatusCompleted, env.singleTxn(t, b.ID, models.TxTypeRelease).Status)
	assert.Equal(t, valueobject.BountyStatusCancelled, env.mustBounty(t, b.ID).Status)
	assert.Zero(t, env.alerter.Count())
}
