package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/bounty-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/bounty-escrow/internal/gateway"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/relay"
	"github.com/ignatzorin/bounty-escrow/internal/repository/memstore"
	"github.com/ignatzorin/bounty-escrow/internal/retry"
)

func init() {
	logger.Discard()
}

const testMinHold = 50

type sentNotification struct {
	UserID  uuid.UUID
	Event   string
	Payload any
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (d *recordingDispatcher) Notify(_ context.Context, userID uuid.UUID, eventType string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentNotification{UserID: userID, Event: eventType, Payload: payload})
	return nil
}

func (d *recordingDispatcher) For(userID uuid.UUID, eventType string) []sentNotification {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sentNotification
	for _, n := range d.sent {
		if n.UserID == userID && n.Event == eventType {
			out = append(out, n)
		}
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *recordingAlerter) Alert(_ context.Context, title string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
}

func (a *recordingAlerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv собирает сервисы поверх хранилища в памяти и песочницы шлюза.
type testEnv struct {
	ctx        context.Context
	store      *memstore.Store
	gateway    *gateway.Sandbox
	dispatcher *recordingDispatcher
	alerter    *recordingAlerter
	clock      *testClock
	relay      *relay.Relay

	bounties *BountyService
	escrow   *EscrowService
	release  *ReleaseService
	refund   *RefundService

	platformID uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		ctx:        context.Background(),
		store:      memstore.New(),
		gateway:    gateway.NewSandbox(),
		dispatcher: &recordingDispatcher{},
		alerter:    &recordingAlerter{},
		clock:      &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		platformID: uuid.New(),
	}
	env.store.SetClock(env.clock.Now)

	env.bounties = NewBountyService(env.store, testMinHold)
	env.escrow = NewEscrowService(env.store, env.gateway, env.dispatcher, testMinHold)
	env.release = NewReleaseService(env.store, env.gateway, env.dispatcher, valueobject.DefaultFeeRate, env.platformID)
	env.refund = NewRefundService(env.store, env.gateway, env.dispatcher, valueobject.DefaultFeeRate, env.platformID)
	env.bounties.now = env.clock.Now
	env.escrow.now = env.clock.Now
	env.release.now = env.clock.Now
	env.refund.now = env.clock.Now

	cfg := relay.DefaultConfig()
	cfg.Retry = retry.Policy{MaxRetries: 3, BaseDelay: time.Second}
	env.relay = relay.New(env.store, env.alerter, cfg)
	env.relay.SetClock(env.clock.Now)
	RegisterHandlers(env.relay, env.escrow, env.release, env.refund)

	return env
}

// drain прогоняет релей, пока в очереди есть готовые события.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		n, err := e.relay.RunOnce(e.ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("релей не опустошил очередь")
}

func (e *testEnv) createBounty(t *testing.T, amount int64) (*models.Bounty, uuid.UUID) {
	t.Helper()
	poster := uuid.New()
	b, err := e.bounties.CreateBounty(e.ctx, poster, "Лендинг для кофейни", amount, false)
	require.NoError(t, err)
	return b, poster
}

// acceptedBounty создаёт задание и проводит заморозку через релей.
func (e *testEnv) acceptedBounty(t *testing.T, amount int64) (bounty *models.Bounty, poster, worker uuid.UUID) {
	t.Helper()
	b, poster := e.createBounty(t, amount)
	worker = uuid.New()
	_, err := e.escrow.AcceptBounty(e.ctx, b.ID, worker)
	require.NoError(t, err)
	e.drain(t)

	bounty = e.mustBounty(t, b.ID)
	require.NotNil(t, bounty.PaymentHoldRef)
	return bounty, poster, worker
}

func (e *testEnv) mustBounty(t *testing.T, id uuid.UUID) *models.Bounty {
	t.Helper()
	b, err := e.store.GetBounty(e.ctx, id)
	require.NoError(t, err)
	return b
}

func (e *testEnv) singleTxn(t *testing.T, bountyID uuid.UUID, txType string) models.WalletTransaction {
	t.Helper()
	txns := e.store.Transactions(bountyID, txType)
	require.Len(t, txns, 1, txType)
	return txns[0]
}

func transientErr(op string) error {
	return gateway.NewError(gateway.Transient, op, "timeout", "шлюз не ответил")
}

func permanentErr(op string) error {
	return gateway.NewError(gateway.Permanent, op, "card_declined", "карта отклонена")
}

// mockGateway - шлюз на testify/mock для проверки вызовов вне релея.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateHold(ctx context.Context, amount int64, key string) (string, error) {
	args := m.Called(ctx, amount, key)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) Transfer(ctx context.Context, destination string, amount int64, key string) (string, error) {
	args := m.Called(ctx, destination, amount, key)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, holdRef string, amount int64, key string) (string, error) {
	args := m.Called(ctx, holdRef, amount, key)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) GetAccountCapability(ctx context.Context, accountID string) (gateway.Capability, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(gateway.Capability), args.Error(1)
}
