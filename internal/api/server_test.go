package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-bridge/internal/events"
	"broker-bridge/internal/execution"
	"broker-bridge/internal/gateway"
	"broker-bridge/internal/registry"
	"broker-bridge/internal/signal"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/crypto"
	"broker-bridge/pkg/db"
)

const testSecret = "test-jwt-secret"

type fakeExecutor struct {
	mu       sync.Mutex
	signals  []*signal.Signal
	users    []string
	venues   []string
	result   execution.Result
	trades   []db.Trade
	closeErr error
	filter   db.TradeFilter
}

func (f *fakeExecutor) ExecuteTrade(_ context.Context, sig *signal.Signal, userID, venue string) execution.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	f.users = append(f.users, userID)
	f.venues = append(f.venues, venue)
	return f.result
}

func (f *fakeExecutor) CloseTrade(_ context.Context, _, tradeID string, exitPrice float64) (*db.Trade, error) {
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	return &db.Trade{ID: tradeID, Status: db.TradeFilled, ExitPrice: exitPrice}, nil
}

func (f *fakeExecutor) CancelTrade(_ context.Context, _, tradeID string) (*db.Trade, error) {
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	return &db.Trade{ID: tradeID, Status: db.TradeCancelled}, nil
}

func (f *fakeExecutor) GetActiveTrades(context.Context, string) ([]db.Trade, error) {
	return f.trades, nil
}

func (f *fakeExecutor) GetTradeHistory(_ context.Context, _ string, filter db.TradeFilter) ([]db.Trade, error) {
	f.filter = filter
	return f.trades, nil
}

type stubAdapter struct {
	common.Adapter
	authErr error
}

func (s *stubAdapter) Authenticate(context.Context) (bool, error) { return s.authErr == nil, s.authErr }

type testEnv struct {
	srv   *Server
	store *db.Database
	exec  *fakeExecutor
	stub  *stubAdapter
	bus   *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	kr, err := crypto.NewKeyringFromKeys(map[int][]byte{1: make([]byte, crypto.KeySize)})
	require.NoError(t, err)
	store.SetCipher(kr)
	require.NoError(t, store.CreateUser(context.Background(), db.User{ID: "u1", Email: "u1@example.com", MaxBrokers: 2}))

	stub := &stubAdapter{}
	reg := registry.New()
	factory := gateway.NewFactory(reg, true, nil)
	factory.Constructors = map[string]gateway.Constructor{
		"kraken": func(common.Credentials, common.Options) common.Adapter { return stub },
	}
	exec := &fakeExecutor{}
	bus := events.NewBus()

	srv := NewServer(Deps{
		Executor:         exec,
		Accounts:         store,
		Catalog:          reg,
		Factory:          factory,
		Bus:              bus,
		Health:           store,
		JWTSecret:        testSecret,
		WebhookRateLimit: 100,
	})
	return &testEnv{srv: srv, store: store, exec: exec, stub: stub, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) authed(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := IssueToken("u1", testSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return e.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + token})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/trades/active", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "MISSING_TOKEN", decode(t, rec)["code"])

	rec = e.do(t, http.MethodGet, "/api/v1/trades/active", "", map[string]string{"Authorization": "Token abc"})
	assert.Equal(t, "INVALID_AUTH_HEADER", decode(t, rec)["code"])

	forged, err := IssueToken("u1", "other-secret", time.Now().Add(time.Hour))
	require.NoError(t, err)
	rec = e.do(t, http.MethodGet, "/api/v1/trades/active", "", map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, "INVALID_TOKEN", decode(t, rec)["code"])

	expired, err := IssueToken("u1", testSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	rec = e.do(t, http.MethodGet, "/api/v1/trades/active", "", map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRequiresValidSignature(t *testing.T) {
	e := newTestEnv(t)
	e.exec.result = execution.Result{Success: true, Trade: &db.Trade{ID: "t1"}, StatusCode: http.StatusCreated}
	body := `{"symbol":"BTCUSDT","action":"buy","quantity":0.1}`

	rec := e.do(t, http.MethodPost, "/api/v1/webhooks/u1/kraken", body, map[string]string{"X-Signature": "sha256=00"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no secret issued yet")

	secret, err := e.store.RotateWebhookSecret(context.Background(), "u1")
	require.NoError(t, err)

	rec = e.do(t, http.MethodPost, "/api/v1/webhooks/u1/kraken", body, map[string]string{"X-Signature": signal.Sign([]byte(body), "wrong")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decode(t, rec)["code"])
	assert.Empty(t, e.exec.signals)

	rec = e.do(t, http.MethodPost, "/api/v1/webhooks/u1/Kraken", body, map[string]string{"X-Signature": "sha256=" + signal.Sign([]byte(body), secret)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, e.exec.signals, 1)
	assert.Equal(t, "BTC/USDT", e.exec.signals[0].Symbol)
	assert.Equal(t, "u1", e.exec.users[0])
	assert.Equal(t, "kraken", e.exec.venues[0])

	rec = e.do(t, http.MethodPost, "/api/v1/webhooks/ghost/kraken", body, map[string]string{"X-Signature": signal.Sign([]byte(body), secret)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsUnparseableSignal(t *testing.T) {
	e := newTestEnv(t)
	secret, err := e.store.RotateWebhookSecret(context.Background(), "u1")
	require.NoError(t, err)
	body := `{"hello":"world"}`

	rec := e.do(t, http.MethodPost, "/api/v1/webhooks/u1/kraken", body, map[string]string{"X-Signature": signal.Sign([]byte(body), secret)})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, execution.CodeValidation, decode(t, rec)["code"])
	assert.Empty(t, e.exec.signals)
}

func TestSubmitSignalSurfacesSanitizedFailure(t *testing.T) {
	e := newTestEnv(t)
	e.exec.result = execution.Result{Error: "daily signal limit reached (10/10)", Code: execution.CodeRiskDenied, StatusCode: http.StatusForbidden}

	rec := e.authed(t, http.MethodPost, "/api/v1/signals/kraken", "BUY ETH/USDT qty 1")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, execution.CodeRiskDenied, out["code"])
	assert.Equal(t, "daily signal limit reached (10/10)", out["error"])
	require.Len(t, e.exec.signals, 1)
	assert.Equal(t, signal.SourceChat, e.exec.signals[0].Source)
}

func TestTradeRoutes(t *testing.T) {
	e := newTestEnv(t)
	e.exec.trades = []db.Trade{{ID: "t1", Status: db.TradeOpen}}

	rec := e.authed(t, http.MethodGet, "/api/v1/trades/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = e.authed(t, http.MethodGet, "/api/v1/trades?status=filled&venue=Kraken&symbol=btcusdt&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.TradeFilled, e.exec.filter.Status)
	assert.Equal(t, "kraken", e.exec.filter.Venue)
	assert.Equal(t, "BTC/USDT", e.exec.filter.Symbol)
	assert.Equal(t, 5, e.exec.filter.Limit)

	rec = e.authed(t, http.MethodGet, "/api/v1/trades?status=weird", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.authed(t, http.MethodGet, "/api/v1/trades?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.authed(t, http.MethodPost, "/api/v1/trades/t1/close", `{"exitPrice":48000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 48000, decode(t, rec)["exitPrice"])
}

func TestTradeTransitionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"missing", db.ErrNotFound, http.StatusNotFound, execution.CodeNotFound},
		{"closed", &execution.AlreadyClosedError{TradeID: "t1", Status: db.TradeFilled}, http.StatusConflict, execution.CodeAlreadyClosed},
		{"venue", common.NewAPIError("kraken", "cancelOrder", 500, assert.AnError), http.StatusBadGateway, execution.CodeBrokerAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.exec.closeErr = tt.err
			rec := e.authed(t, http.MethodPost, "/api/v1/trades/t1/cancel", "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.code, decode(t, rec)["code"])
			assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
		})
	}
}

func TestLinkBroker(t *testing.T) {
	e := newTestEnv(t)

	rec := e.authed(t, http.MethodPost, "/api/v1/brokers", `{"venue":"kraken","credentials":{"apiKey":"k"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing kraken credentials")

	rec = e.authed(t, http.MethodPost, "/api/v1/brokers", `{"venue":"kraken","sandbox":true,"credentials":{"apiKey":"k","apiSecret":"s3cret"}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, execution.CodeSandboxLocked, decode(t, rec)["code"])

	e.stub.authErr = &common.AuthenticationError{Venue: "kraken", Reason: "EAPI:Invalid key"}
	rec = e.authed(t, http.MethodPost, "/api/v1/brokers", `{"venue":"kraken","credentials":{"apiKey":"k","apiSecret":"s3cret"}}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	e.stub.authErr = nil
	rec = e.authed(t, http.MethodPost, "/api/v1/brokers", `{"venue":"Kraken","credentials":{"apiKey":"k","apiSecret":"s3cret"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.authed(t, http.MethodGet, "/api/v1/brokers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kraken"`)
	assert.NotContains(t, rec.Body.String(), "s3cret")

	st, err := e.store.LoadTradingState(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", st.BrokerConfigs["kraken"].Credentials.APISecret)

	rec = e.authed(t, http.MethodDelete, "/api/v1/brokers/kraken", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.authed(t, http.MethodDelete, "/api/v1/brokers/binance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVenueRoutes(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/venues", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"ibkr"`)

	rec = e.do(t, http.MethodGet, "/api/v1/venues?all=true", "", nil)
	assert.Contains(t, rec.Body.String(), `"ibkr"`)

	rec = e.do(t, http.MethodGet, "/api/v1/venues/KRAKEN", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kraken", decode(t, rec)["key"])

	rec = e.do(t, http.MethodGet, "/api/v1/venues/nasdaq", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/venues?compare=binance,kraken", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["venues"], 2)

	rec = e.do(t, http.MethodPost, "/api/v1/venues/recommend", `{"type":"stocks"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["venue"])
}

func TestRiskSettingsRoutes(t *testing.T) {
	e := newTestEnv(t)

	rec := e.authed(t, http.MethodPut, "/api/v1/risk", `{"maxPositionSize":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.authed(t, http.MethodPut, "/api/v1/risk",
		`{"maxPositionSize":0.2,"dailyLossLimit":500,"tradingHours":{"start":"09:30","end":"16:00","location":"Nowhere/City"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.authed(t, http.MethodPut, "/api/v1/risk", `{"maxPositionSize":0.2,"dailyLossLimit":500,"defaultQuantity":0.01}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.authed(t, http.MethodPut, "/api/v1/risk/circuit-breaker", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.authed(t, http.MethodPut, "/api/v1/risk/circuit-breaker", `{"active":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.authed(t, http.MethodGet, "/api/v1/risk", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 0.2, out["maxPositionSize"])
	assert.EqualValues(t, 500, out["dailyLossLimit"])
	assert.Equal(t, true, out["circuitBreakerActive"])
}

func TestRotateWebhookSecretRoute(t *testing.T) {
	e := newTestEnv(t)
	rec := e.authed(t, http.MethodPost, "/api/v1/webhook-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	secret := decode(t, rec)["secret"].(string)

	stored, err := e.store.WebhookSecret(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, stored, secret)
}

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(1, 2)
	assert.True(t, l.allow("1.1.1.1"))
	assert.True(t, l.allow("1.1.1.1"))
	assert.False(t, l.allow("1.1.1.1"))
	assert.True(t, l.allow("2.2.2.2"), "buckets are per IP")

	unlimited := newIPLimiter(0, 1)
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.allow("1.1.1.1"))
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Deps{JWTSecret: testSecret, CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/trades/active", bytes.NewReader(nil))
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTokenQueryParamOnlyForUpgrades(t *testing.T) {
	e := newTestEnv(t)
	token, err := IssueToken("u1", testSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/v1/trades/active?access_token="+token, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/events?access_token="+token, nil)
	c.Request.Header.Set("Upgrade", "websocket")
	got, code := bearer(c)
	assert.Empty(t, code)
	assert.Equal(t, token, got)
}

func TestEventStreamIsScopedToUser(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	token, err := IssueToken("u1", testSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until the
	// stream picks it up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				e.bus.Publish(events.EventTradeOpened, events.TradeEvent{UserID: "u2", TradeID: "theirs"})
				e.bus.Publish(events.EventTradeOpened, events.TradeEvent{UserID: "u1", TradeID: "mine"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Event string            `json:"event"`
		Data  events.TradeEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventTradeOpened), msg.Event)
	assert.Equal(t, "mine", msg.Data.TradeID)
}
