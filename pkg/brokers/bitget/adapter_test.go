package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"broker-bridge/pkg/brokers/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBitget struct {
	assetCalls atomic.Int32
	lastPlace  atomic.Value
	rejectKey  bool
}

func writeOK(w http.ResponseWriter, data string) {
	_, _ = io.WriteString(w, `{"code":"00000","msg":"success","data":`+data+`}`)
}

func (f *fakeBitget) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/spot/account/assets", func(w http.ResponseWriter, r *http.Request) {
		f.assetCalls.Add(1)
		assert.Equal(t, "key", r.Header.Get("ACCESS-KEY"))
		assert.Equal(t, "phrase", r.Header.Get("ACCESS-PASSPHRASE"))
		assert.NotEmpty(t, r.Header.Get("ACCESS-SIGN"))
		if f.rejectKey {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"code":"40012","msg":"apikey/password is incorrect"}`)
			return
		}
		writeOK(w, `[{"coin":"USDT","available":"800","frozen":"200","locked":"0"},
			{"coin":"BTC","available":"0.5","frozen":"0","locked":"0"},
			{"coin":"PEPE","available":"10","frozen":"0","locked":"0"}]`)
	})
	mux.HandleFunc("/api/v2/spot/trade/place-order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.lastPlace.Store(string(body))
		writeOK(w, `{"orderId":"1001","clientOid":"c1"}`)
	})
	mux.HandleFunc("/api/v2/spot/trade/place-plan-order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.lastPlace.Store(string(body))
		writeOK(w, `{"orderId":"2002","clientOid":""}`)
	})
	mux.HandleFunc("/api/v2/spot/trade/cancel-order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"43001","msg":"The order does not exist"}`)
	})
	mux.HandleFunc("/api/v2/spot/trade/unfilled-orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v2/spot/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		sym := r.URL.Query().Get("symbol")
		price := "50000"
		if sym == "PEPEUSDT" {
			price = "0.00001"
		}
		writeOK(w, `[{"symbol":"`+sym+`","lastPr":"`+price+`","bidPr":"`+price+`","askPr":"`+price+`","ts":"1700000000000"}]`)
	})
	mux.HandleFunc("/api/v2/spot/public/symbols", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, `[{"symbol":"BTCUSDT","status":"online"},{"symbol":"OLDUSDT","status":"offline"}]`)
	})
	return mux
}

func newTestAdapter(t *testing.T, fake *fakeBitget) *Adapter {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return New(common.Credentials{APIKey: "key", APISecret: "secret", Passphrase: "phrase"}, common.Options{BaseURL: srv.URL})
}

func TestSignerMatchesReference(t *testing.T) {
	s := newSigner("key", "secret", "phrase")
	h := s.headers("POST", "/api/v2/spot/trade/place-order", `{"a":"b"}`)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(h.Get("ACCESS-TIMESTAMP") + "POST/api/v2/spot/trade/place-order" + `{"a":"b"}`))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), h.Get("ACCESS-SIGN"))
}

func TestCloseWipesSecrets(t *testing.T) {
	a := New(common.Credentials{APIKey: "key", APISecret: "secret", Passphrase: "phrase"}, common.Options{})
	require.NoError(t, common.Close(a))
	for _, b := range a.signer.secretKey {
		assert.Zero(t, b)
	}
}

func TestAuthenticateRequiresPassphrase(t *testing.T) {
	a := New(common.Credentials{APIKey: "key", APISecret: "secret"}, common.Options{BaseURL: "http://127.0.0.1:1"})
	ok, err := a.Authenticate(context.Background())
	assert.False(t, ok)
	var authErr *common.AuthenticationError
	assert.True(t, errors.As(err, &authErr))
}

func TestAuthenticateRejectedKey(t *testing.T) {
	a := newTestAdapter(t, &fakeBitget{rejectKey: true})
	ok, err := a.Authenticate(context.Background())
	assert.False(t, ok)
	var authErr *common.AuthenticationError
	require.True(t, errors.As(err, &authErr))

	_, err = a.GetBalance(context.Background(), "USDT")
	assert.True(t, errors.As(err, &authErr), "revoked session must refuse further calls")
}

func TestBalanceAndAuthenticateOnce(t *testing.T) {
	fake := &fakeBitget{}
	a := newTestAdapter(t, fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := a.Authenticate(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), fake.assetCalls.Load())

	b, err := a.GetBalance(ctx, "usdt")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, b.Total)
	assert.Equal(t, 800.0, b.Available)

	zero, err := a.GetBalance(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, common.ZeroBalance("XYZ"), zero)
}

func TestMarketBuyIsSizedInQuote(t *testing.T) {
	fake := &fakeBitget{}
	a := newTestAdapter(t, fake)

	o, err := a.CreateOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Quantity: 0.1, ClientOrderID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", o.OrderID)
	assert.Equal(t, "BTC/USDT", o.Symbol)

	var sent map[string]string
	require.NoError(t, json.Unmarshal([]byte(fake.lastPlace.Load().(string)), &sent))
	assert.Equal(t, "buy", sent["side"])
	assert.Equal(t, "market", sent["orderType"])
	assert.Equal(t, "5000", sent["size"])
}

func TestStopLimitUsesPlanOrder(t *testing.T) {
	fake := &fakeBitget{}
	a := newTestAdapter(t, fake)

	o, err := a.SetStopLoss(context.Background(), common.ProtectiveOrder{
		Symbol: "BTC/USDT", Side: common.SideSell, Quantity: 0.1, TriggerPrice: 44000, LimitPrice: 43900,
	})
	require.NoError(t, err)
	assert.Equal(t, common.OrderTypeStopLimit, o.Type)

	var sent map[string]string
	require.NoError(t, json.Unmarshal([]byte(fake.lastPlace.Load().(string)), &sent))
	assert.Equal(t, "44000", sent["triggerPrice"])
	assert.Equal(t, "43900", sent["executePrice"])
}

func TestTrailingStopUnsupported(t *testing.T) {
	a := newTestAdapter(t, &fakeBitget{})
	_, err := a.CreateOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideSell, Type: common.OrderTypeTrailingStop, Quantity: 1, TrailPercent: 2,
	})
	var unsup *common.UnsupportedOperationError
	assert.True(t, errors.As(err, &unsup))
}

func TestCancelMissingOrderSucceeds(t *testing.T) {
	a := newTestAdapter(t, &fakeBitget{})
	ok, err := a.CancelOrder(context.Background(), "BTC/USDT", "999")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPositionsSkipStablesAndDust(t *testing.T) {
	a := newTestAdapter(t, &fakeBitget{})
	pos, err := a.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "BTC/USDT", pos[0].Symbol)
	assert.Equal(t, 25000.0, pos[0].Value)
}

func TestOrderHistoryFailureIsEmpty(t *testing.T) {
	a := newTestAdapter(t, &fakeBitget{})
	orders, err := a.GetOrderHistory(context.Background(), common.OrderFilter{Symbol: "BTC/USDT"})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.NotNil(t, orders)
}

func TestSymbolSupport(t *testing.T) {
	a := newTestAdapter(t, &fakeBitget{})
	ctx := context.Background()
	ok, err := a.IsSymbolSupported(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.IsSymbolSupported(ctx, "OLD/USDT")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, "ETH/USDT", a.DenormalizeSymbol(a.NormalizeSymbol("ETH/USDT")))
}

func TestSymbolRoundTrip(t *testing.T) {
	a := New(common.Credentials{}, common.Options{})
	for _, s := range []string{"BTCUSDT", "ETHBTC", "PEPEUSDT", "SOLUSDC"} {
		assert.Equal(t, s, a.NormalizeSymbol(a.DenormalizeSymbol(s)), s)
	}
	assert.Equal(t, "BTCUSDT", a.NormalizeSymbol("BTCPERP"))
}
