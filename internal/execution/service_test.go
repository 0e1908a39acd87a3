package execution

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-bridge/internal/events"
	"broker-bridge/internal/gateway"
	"broker-bridge/internal/registry"
	"broker-bridge/internal/risk"
	"broker-bridge/internal/signal"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/crypto"
	"broker-bridge/pkg/db"
)

type env struct {
	svc     *Service
	store   *db.Database
	adapter *fakeAdapter
	factory *fakeFactory
	bus     *events.Bus
	gate    *risk.Gate
}

func newEnv(t *testing.T, signalsPerDay int) *env {
	t.Helper()
	store, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kr, err := crypto.NewKeyringFromKeys(map[int][]byte{1: make([]byte, crypto.KeySize)})
	require.NoError(t, err)
	store.SetCipher(kr)

	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, db.User{
		ID: "u1", Email: "u1@example.com", SignalsPerDay: signalsPerDay, MaxBrokers: 2, MaxPositionSize: 0.5,
	}))
	require.NoError(t, store.SaveBrokerLink(ctx, "u1", "kraken", common.Credentials{APIKey: "k", APISecret: "s"}))

	adapter := &fakeAdapter{
		balance: common.Balance{Total: 10000},
		quote:   common.Quote{Last: 45000},
	}
	factory := &fakeFactory{adapter: adapter}
	bus := events.NewBus()
	gate := risk.NewGate(nil)
	svc := NewService(Deps{Users: store, Trades: store, Factory: factory, Gate: gate, Bus: bus})
	return &env{svc: svc, store: store, adapter: adapter, factory: factory, bus: bus, gate: gate}
}

func parse(t *testing.T, payload string) *signal.Signal {
	t.Helper()
	sig := signal.ParseWebhook([]byte(payload))
	require.NotNil(t, sig, "payload %s did not parse", payload)
	return sig
}

const buySignal = `{"symbol":"BTC/USDT","action":"buy","quantity":0.1}`

func TestExecuteTradeOpensTrade(t *testing.T) {
	e := newEnv(t, 10)
	opened, unsub := e.bus.Subscribe(events.EventTradeOpened, 1)
	defer unsub()

	res := e.svc.ExecuteTrade(context.Background(), parse(t, buySignal), "u1", "kraken")

	require.True(t, res.Success, "result: %+v", res)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	require.NotNil(t, res.Trade)
	assert.Equal(t, "o-1", res.Trade.OrderID)
	assert.Equal(t, db.TradeOpen, res.Trade.Status)
	assert.Equal(t, 45000.0, res.Trade.EntryPrice)
	assert.Equal(t, 0.1, res.Trade.Quantity)

	require.Len(t, e.adapter.creates, 1)
	req := e.adapter.creates[0]
	assert.Equal(t, common.OrderTypeMarket, req.Type)
	assert.Equal(t, common.SideBuy, req.Side)
	assert.NotEmpty(t, req.ClientOrderID)
	assert.Equal(t, req.ClientOrderID, res.Trade.ClientOrderID)
	assert.True(t, e.adapter.closed, "adapter must be released after the call")

	stored, err := e.store.GetTrade(context.Background(), "u1", res.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "o-1", stored.OrderID)

	st, err := e.store.LoadTradingState(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.SignalsUsedToday)
	assert.Equal(t, 1, st.OpenTrades)

	ev := (<-opened).(events.TradeEvent)
	assert.Equal(t, res.Trade.ID, ev.TradeID)
}

func TestVenueKeyIsCaseInsensitive(t *testing.T) {
	e := newEnv(t, 10)

	res := e.svc.ExecuteTrade(context.Background(), parse(t, buySignal), "u1", " Kraken ")

	require.True(t, res.Success, "result: %+v", res)
	assert.Equal(t, "kraken", res.Trade.Venue)
	assert.Equal(t, []string{"kraken"}, e.factory.venues)
}

func TestDuplicateSignalDeniedOnceUsageIsSpent(t *testing.T) {
	e := newEnv(t, 1)
	sig := parse(t, buySignal)

	first := e.svc.ExecuteTrade(context.Background(), sig, "u1", "kraken")
	second := e.svc.ExecuteTrade(context.Background(), sig, "u1", "kraken")

	require.True(t, first.Success)
	assert.False(t, second.Success)
	assert.Equal(t, http.StatusForbidden, second.StatusCode)
	assert.Equal(t, CodeRiskDenied, second.Code)
	assert.Contains(t, second.Error, "daily signal limit")
	assert.Equal(t, 1, e.factory.calls, "denied signal must not build an adapter")

	open, err := e.svc.GetActiveTrades(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDuplicateSignalGetsDistinctOrderIDs(t *testing.T) {
	e := newEnv(t, 10)
	sig := parse(t, buySignal)

	a := e.svc.ExecuteTrade(context.Background(), sig, "u1", "kraken")
	b := e.svc.ExecuteTrade(context.Background(), sig, "u1", "kraken")

	require.True(t, a.Success)
	require.True(t, b.Success)
	assert.NotEqual(t, a.Trade.OrderID, b.Trade.OrderID)
	assert.NotEqual(t, a.Trade.ID, b.Trade.ID)
}

func TestRiskDenialSkipsAdapter(t *testing.T) {
	e := newEnv(t, 10)
	require.NoError(t, e.store.SetCircuitBreaker(context.Background(), "u1", true))
	denied, unsub := e.bus.Subscribe(events.EventRiskDenied, 1)
	defer unsub()

	res := e.svc.ExecuteTrade(context.Background(), parse(t, buySignal), "u1", "kraken")

	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, 0, e.factory.calls)
	assert.Equal(t, int64(0), e.gate.StageCount(risk.StagePositionSize))
	ev := (<-denied).(events.RiskDeniedEvent)
	assert.Equal(t, "circuit_breaker", ev.Stage)
}

func TestPositionSizeUsesAdapterBalance(t *testing.T) {
	e := newEnv(t, 10)
	e.adapter.balance = common.Balance{Total: 1000}

	res := e.svc.ExecuteTrade(context.Background(), parse(t, buySignal), "u1", "kraken")

	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, res.Error, "exceeds")
	assert.Empty(t, e.adapter.creates)
	assert.True(t, e.adapter.closed)
}

func TestTimeoutReconciledByClientOrderID(t *testing.T) {
	e := newEnv(t, 10)
	e.adapter.onCreate = func(req common.OrderRequest, o *common.Order) error {
		e.adapter.history = append(e.adapter.history, *o)
		return &common.TimeoutError{Venue: "kraken", Operation: "createOrder"}
	}

	res := e.svc.ExecuteTrade(context.Background(), parse(t, buySignal), "u1", "kraken")

	require.True(t, res.Success, "result: %+v", res)
	assert.Equal(t, "o-1", res.Trade.OrderID)
	assert.Len(t, e.adapter.creates, 1, "timed-out order must not be resubmitted")
}

func TestTimeoutWithoutTraceIsUnknown(t *testing.T) {
	e := newEnv(t, 10)
	e.adapter.createErr = &common.TimeoutError{Venue: "kraken", Operation: "createOrder"}
	unknown, unsub := e.bus.Subscribe(events.EventOrderUnknown, 1)
	defer unsub()

	res := e.svc.ExecuteTrade(context.Background(), parse(t, buySignal), "u1", "kraken")

	assert.Equal(t, http.StatusGatewayTimeout, res.StatusCode)
	assert.Equal(t, CodeTimeout, res.Code)
	assert.Len(t, e.adapter.creates, 1)
	ev := (<-unknown).(events.OrderUnknownEvent)
	assert.Equal(t, e.adapter.creates[0].ClientOrderID, ev.ClientOrderID)

	trades, err := e.svc.GetTradeHistory(context.Background(), "u1", db.TradeFilter{})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestBrokerErrorsAreSurfacedOnce(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   int
	}{
		{"server error", http.StatusInternalServerError, http.StatusBadGateway},
		{"maintenance", http.StatusServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 10)
			e.adapter.createErr = common.NewAPIError("kraken", "createOrder", tt.status, errors.New("EGeneral:Internal error"))

			res := e.svc.ExecuteTrade(context.Background(), parse(t, buySignal), "u1", "kraken")

			assert.Equal(t, tt.want, res.StatusCode)
			assert.NotContains(t, res.Error, "EGeneral", "venue payload must not leak")
			assert.Len(t, e.adapter.creates, 1)
		})
	}
}

func TestAuthenticationFailureIs401(t *testing.T) {
	e := newEnv(t, 10)
	e.adapter.authErr = &common.AuthenticationError{Venue: "kraken", Reason: "EAPI:Invalid key"}

	res := e.svc.ExecuteTrade(context.Background(), parse(t, buySignal), "u1", "kraken")

	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, CodeAuthentication, res.Code)
	assert.True(t, e.adapter.closed)
}

func TestInvalidatedTokenIsTokenExpired(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()
	require.NoError(t, e.store.SaveBrokerLink(ctx, "u1", "schwab", common.Credentials{
		AccessToken: "at", RefreshToken: "rt", TokenExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, e.store.InvalidateToken(ctx, "u1", "schwab", "401"))

	res := e.svc.ExecuteTrade(ctx, parse(t, `{"symbol":"AAPL","action":"buy","quantity":1}`), "u1", "schwab")

	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, CodeTokenExpired, res.Code)
	assert.Equal(t, 0, e.factory.calls)
}

func TestQuantityFallsBackToDefault(t *testing.T) {
	e := newEnv(t, 10)
	sig := parse(t, `{"symbol":"BTC/USDT","action":"long"}`)

	res := e.svc.ExecuteTrade(context.Background(), sig, "u1", "kraken")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	require.NoError(t, e.store.UpdateRiskSettings(context.Background(), "u1", 0.5, 0, 0.05, nil))
	res = e.svc.ExecuteTrade(context.Background(), sig, "u1", "kraken")
	require.True(t, res.Success, "result: %+v", res)
	assert.Equal(t, 0.05, res.Trade.Quantity)
}

func TestNilSignalIsValidationError(t *testing.T) {
	e := newEnv(t, 10)
	res := e.svc.ExecuteTrade(context.Background(), nil, "u1", "kraken")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, CodeValidation, res.Code)
}

func TestProtectiveOrdersAreBestEffort(t *testing.T) {
	e := newEnv(t, 10)
	e.adapter.slErr = common.NewAPIError("kraken", "setStopLoss", 400, errors.New("bad price"))

	res := e.svc.ExecuteTrade(context.Background(),
		parse(t, `{"symbol":"BTC/USDT","action":"buy","quantity":0.1,"stopLoss":44000,"takeProfit":48000}`), "u1", "kraken")

	require.True(t, res.Success, "result: %+v", res)
	require.Len(t, e.adapter.slCalls, 1)
	assert.Equal(t, common.SideSell, e.adapter.slCalls[0].Side)
	assert.Equal(t, 44000.0, e.adapter.slCalls[0].TriggerPrice)
	require.Len(t, e.adapter.tpCalls, 1)
	assert.Equal(t, 48000.0, e.adapter.tpCalls[0].TriggerPrice)

	stored, err := e.store.GetTrade(context.Background(), "u1", res.Trade.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.StopOrderID)
	assert.Equal(t, "tp-1", stored.TakeProfitOrderID)
}

func TestCloseTradeComputesPnL(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()
	res := e.svc.ExecuteTrade(ctx, parse(t, buySignal), "u1", "kraken")
	require.True(t, res.Success)

	closed, err := e.svc.CloseTrade(ctx, "u1", res.Trade.ID, 48000)
	require.NoError(t, err)
	assert.Equal(t, db.TradeFilled, closed.Status)
	assert.InDelta(t, 300, closed.ProfitLoss, 1e-9)
	assert.InDelta(t, 6.67, closed.ProfitLossPercent, 1e-9)

	_, err = e.svc.CloseTrade(ctx, "u1", res.Trade.ID, 49000)
	var already *AlreadyClosedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, http.StatusConflict, StatusCode(err))

	_, err = e.svc.CancelTrade(ctx, "u1", res.Trade.ID)
	require.ErrorAs(t, err, &already)

	st, err := e.store.LoadTradingState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.WinningTrades)
	assert.InDelta(t, 300, st.TotalPnL, 1e-9)
}

func TestCloseTradeCancelsProtectiveLegs(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()
	res := e.svc.ExecuteTrade(ctx,
		parse(t, `{"symbol":"BTC/USDT","action":"buy","quantity":0.1,"sl":44000}`), "u1", "kraken")
	require.True(t, res.Success)

	_, err := e.svc.CloseTrade(ctx, "u1", res.Trade.ID, 46000)
	require.NoError(t, err)
	assert.Contains(t, e.adapter.cancels, "sl-1")
}

func TestCancelTrade(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()
	res := e.svc.ExecuteTrade(ctx, parse(t, buySignal), "u1", "kraken")
	require.True(t, res.Success)

	cancelled, err := e.svc.CancelTrade(ctx, "u1", res.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TradeCancelled, cancelled.Status)
	assert.Contains(t, e.adapter.cancels, "o-1")

	_, err = e.svc.CancelTrade(ctx, "u1", res.Trade.ID)
	var already *AlreadyClosedError
	require.ErrorAs(t, err, &already)

	_, err = e.svc.CloseTrade(ctx, "u1", "missing", 1)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestComputePnL(t *testing.T) {
	tests := []struct {
		name             string
		side             common.Side
		entry, exit, qty float64
		wantPnL, wantPct float64
	}{
		{"long win", common.SideBuy, 45000, 48000, 0.1, 300, 6.67},
		{"long loss", common.SideBuy, 100, 90, 2, -20, -10},
		{"short win", common.SideSell, 100, 90, 2, 20, 10},
		{"short loss", common.SideSell, 0.1, 0.3, 10, -2, -200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pnl, pct := ComputePnL(tt.side, tt.entry, tt.exit, tt.qty)
			assert.Equal(t, tt.wantPnL, pnl)
			assert.Equal(t, tt.wantPct, pct)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{common.NewValidationError("bad", "symbol"), 400},
		{&common.UnsupportedOperationError{Venue: "v", Operation: "trailing stop"}, 400},
		{&common.AuthenticationError{Venue: "v"}, 401},
		{&common.TokenExpiredError{Venue: "v"}, 401},
		{&risk.DeniedError{Stage: risk.StageUsage, Reason: "limit"}, 403},
		{gateway.ErrSandboxLocked, 403},
		{db.ErrNotFound, 404},
		{registry.ErrVenueNotFound, 404},
		{&AlreadyClosedError{TradeID: "t"}, 409},
		{common.NewAPIError("v", "op", 500, errors.New("x")), 502},
		{common.NewAPIError("v", "op", 503, errors.New("x")), 503},
		{&common.TimeoutError{Venue: "v"}, 504},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), "%T %v", tt.err, tt.err)
	}
}
