package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/bounty-escrow/internal/config"
	"github.com/ignatzorin/bounty-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/bounty-escrow/internal/gateway"
	"github.com/ignatzorin/bounty-escrow/internal/http/handlers"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/notification"
	"github.com/ignatzorin/bounty-escrow/internal/relay"
	"github.com/ignatzorin/bounty-escrow/internal/repository/memstore"
	"github.com/ignatzorin/bounty-escrow/internal/service"
)

func init() {
	logger.Discard()
	gin.SetMode(gin.TestMode)
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type apiEnv struct {
	engine *gin.Engine
	tokens *service.TokenManager
	relay  *relay.Relay
	store  *memstore.Store
}

func newAPIEnv(t *testing.T, rateLimit int64) *apiEnv {
	t.Helper()
	cfg := &config.Config{Env: "test", RateLimitLimit: rateLimit, RateLimitPeriod: time.Minute}

	store := memstore.New()
	gw := gateway.NewSandbox()
	rate := valueobject.DefaultFeeRate
	platform := uuid.New()

	bounties := service.NewBountyService(store, 50)
	escrow := service.NewEscrowService(store, gw, notification.Nop{}, 50)
	release := service.NewReleaseService(store, gw, notification.Nop{}, rate, platform)
	refund := service.NewRefundService(store, gw, notification.Nop{}, rate, platform)

	r := relay.New(store, nil, relay.DefaultConfig())
	service.RegisterHandlers(r, escrow, release, refund)

	tokens := service.NewTokenManager("router-test-secret-0123456789abcdef", time.Hour)
	engine := SetupRouter(cfg, tokens,
		handlers.NewHealthHandler(pinger{}),
		handlers.NewBountyHandler(bounties, escrow, release, refund),
		nil,
	)
	return &apiEnv{engine: engine, tokens: tokens, relay: r, store: store}
}

func (e *apiEnv) do(t *testing.T, method, path string, userID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		token, err := e.tokens.IssueAccess(userID, "client")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *apiEnv) drain(t *testing.T) {
	t.Helper()
	for {
		n, err := e.relay.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func TestRouter_Health(t *testing.T) {
	env := newAPIEnv(t, 100)
	w := env.do(t, http.MethodGet, "/health", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RequiresAuth(t *testing.T) {
	env := newAPIEnv(t, 100)
	w := env.do(t, http.MethodPost, "/api/bounties", uuid.Nil, map[string]any{"title": "x", "amount": 100})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_BountyLifecycle(t *testing.T) {
	env := newAPIEnv(t, 100)
	poster, worker := uuid.New(), uuid.New()

	w := env.do(t, http.MethodPost, "/api/bounties", poster, map[string]any{"title": "Баннер", "amount": 10000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bounty := decode[models.Bounty](t, w)
	base := "/api/bounties/" + bounty.ID.String()

	w = env.do(t, http.MethodPost, base+"/accept", poster, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "SELF_ACCEPTANCE", decode[map[string]string](t, w)["reason"])

	w = env.do(t, http.MethodPost, base+"/accept", worker, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "in_progress", decode[map[string]string](t, w)["status"])

	w = env.do(t, http.MethodPost, base+"/accept", uuid.New(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	env.drain(t)

	w = env.do(t, http.MethodPost, base+"/complete", poster, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_ASSIGNED_WORKER", decode[map[string]string](t, w)["reason"])

	w = env.do(t, http.MethodPost, base+"/complete", worker, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, base+"/complete", worker, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RELEASE_IN_PROGRESS", decode[map[string]string](t, w)["reason"])

	env.drain(t)

	w = env.do(t, http.MethodGet, base+"/payment-status", poster, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[models.PaymentStatus](t, w)
	assert.Equal(t, "completed", status.BountyStatus)
	assert.Len(t, status.Transactions, 3)

	w = env.do(t, http.MethodGet, base+"/payment-status", uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, base+"/cancel", poster, map[string]any{"reason": "поздно"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_COMPLETED", decode[map[string]string](t, w)["reason"])
}

func TestRouter_CancelOpenBounty(t *testing.T) {
	env := newAPIEnv(t, 100)
	poster := uuid.New()

	w := env.do(t, http.MethodPost, "/api/bounties", poster, map[string]any{"title": "Текст", "amount": 700})
	require.Equal(t, http.StatusCreated, w.Code)
	bounty := decode[models.Bounty](t, w)

	w = env.do(t, http.MethodPost, "/api/bounties/"+bounty.ID.String()+"/cancel", poster, map[string]any{"refundPercentage": 150})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/bounties/"+bounty.ID.String()+"/cancel", poster, map[string]any{"reason": "не актуально"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[map[string]any](t, w)
	assert.Equal(t, float64(700), res["amount"])
	assert.NotEmpty(t, res["refundId"])
}

func TestRouter_InvalidInput(t *testing.T) {
	env := newAPIEnv(t, 100)
	user := uuid.New()

	w := env.do(t, http.MethodGet, "/api/bounties/not-a-uuid", user, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/bounties/"+uuid.NewString(), user, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/bounties", user, map[string]any{"title": "", "amount": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/bounties", user, map[string]any{"title": "Мало", "amount": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_AMOUNT", decode[map[string]string](t, w)["reason"])
}

func TestRouter_RateLimitOnMoneyRoutes(t *testing.T) {
	env := newAPIEnv(t, 2)
	worker := uuid.New()
	path := "/api/bounties/" + uuid.NewString() + "/complete"

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, path, worker, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	w := env.do(t, http.MethodPost, path, worker, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
