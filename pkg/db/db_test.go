package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/crypto"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	kr, err := crypto.NewKeyringFromKeys(map[int][]byte{1: key})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	database.SetCipher(kr)
	return database
}

func mustUser(t *testing.T, d *Database, u User) {
	t.Helper()
	if err := d.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

func openTrade(t *testing.T, d *Database, id, orderID string, side common.Side, entry, qty float64) {
	t.Helper()
	err := d.OpenTrade(context.Background(), &Trade{
		ID: id, UserID: "u1", Venue: "kraken", OrderID: orderID, Symbol: "BTC/USD",
		Side: side, Type: common.OrderTypeMarket, Quantity: qty, EntryPrice: entry,
		OrderStatus: common.StatusFilled,
	})
	if err != nil {
		t.Fatalf("OpenTrade(%s): %v", id, err)
	}
}

func TestQueriesRequireUserID(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if _, err := d.LoadTradingState(ctx, ""); err != ErrUserIDRequired {
		t.Errorf("LoadTradingState err=%v, expected ErrUserIDRequired", err)
	}
	if _, err := d.ListTrades(ctx, "", TradeFilter{}); err != ErrUserIDRequired {
		t.Errorf("ListTrades err=%v, expected ErrUserIDRequired", err)
	}
	if _, err := d.ListBrokerLinks(ctx, ""); err != ErrUserIDRequired {
		t.Errorf("ListBrokerLinks err=%v, expected ErrUserIDRequired", err)
	}
	if _, err := d.LoadTradingState(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadTradingState(ghost) err=%v, expected ErrNotFound", err)
	}
}

func TestOpenTradeIncrementsUsageAndStats(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	mustUser(t, d, User{ID: "u1", Email: "a@x.io", SignalsPerDay: 5})

	openTrade(t, d, "t1", "o1", common.SideBuy, 45000, 0.1)
	openTrade(t, d, "t2", "o2", common.SideBuy, 45000, 0.1)

	st, err := d.LoadTradingState(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadTradingState: %v", err)
	}
	if st.SignalsUsedToday != 2 {
		t.Fatalf("SignalsUsedToday=%d, expected 2", st.SignalsUsedToday)
	}
	if st.TotalTrades != 2 || st.OpenTrades != 2 {
		t.Fatalf("stats=%+v, expected 2 total / 2 open", st.UserStats)
	}
}

func TestOpenTradeRejectsDuplicateOrderID(t *testing.T) {
	d := newTestDB(t)
	mustUser(t, d, User{ID: "u1", Email: "a@x.io"})
	openTrade(t, d, "t1", "o1", common.SideBuy, 100, 1)

	err := d.OpenTrade(context.Background(), &Trade{
		ID: "t2", UserID: "u1", Venue: "kraken", OrderID: "o1", Symbol: "BTC/USD", Side: common.SideBuy,
	})
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("err=%v, expected ErrDuplicateOrder", err)
	}

	st, _ := d.LoadTradingState(context.Background(), "u1")
	if st.SignalsUsedToday != 1 || st.TotalTrades != 1 {
		t.Fatalf("rolled-back insert still counted: used=%d total=%d", st.SignalsUsedToday, st.TotalTrades)
	}
}

func TestUsageResetsOnNewDay(t *testing.T) {
	d := newTestDB(t)
	day1 := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return day1 })
	mustUser(t, d, User{ID: "u1", Email: "a@x.io"})
	openTrade(t, d, "t1", "o1", common.SideBuy, 100, 1)

	d.SetClock(func() time.Time { return day1.Add(2 * time.Hour) })
	st, err := d.LoadTradingState(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadTradingState: %v", err)
	}
	if st.SignalsUsedToday != 0 {
		t.Fatalf("SignalsUsedToday=%d, expected 0 after day change", st.SignalsUsedToday)
	}
	if st.TotalTrades != 1 {
		t.Fatalf("TotalTrades=%d, expected 1", st.TotalTrades)
	}
}

func TestCloseTradeUpdatesStatsAtomically(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	mustUser(t, d, User{ID: "u1", Email: "a@x.io"})
	openTrade(t, d, "win", "o1", common.SideBuy, 45000, 0.1)
	openTrade(t, d, "loss", "o2", common.SideBuy, 45000, 0.1)

	tr, err := d.CloseTrade(ctx, "u1", "win", Closing{ExitPrice: 48000, ProfitLoss: 300, ProfitLossPercent: 6.67})
	if err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}
	if tr.Status != TradeFilled || tr.ExitPrice != 48000 || tr.ClosedAt == nil {
		t.Fatalf("closed trade=%+v", tr)
	}
	if _, err := d.CloseTrade(ctx, "u1", "loss", Closing{ExitPrice: 44000, ProfitLoss: -500}); err != nil {
		t.Fatalf("CloseTrade loss: %v", err)
	}

	st, _ := d.LoadTradingState(ctx, "u1")
	if st.WinningTrades != 1 || st.LosingTrades != 1 || st.OpenTrades != 0 {
		t.Fatalf("stats=%+v", st.UserStats)
	}
	if st.TotalPnL != -200 {
		t.Fatalf("TotalPnL=%v, expected -200", st.TotalPnL)
	}
	if st.RealizedLossToday != 200 {
		t.Fatalf("RealizedLossToday=%v, expected 200", st.RealizedLossToday)
	}
}

func TestTransitionsRequireOpen(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	mustUser(t, d, User{ID: "u1", Email: "a@x.io"})
	openTrade(t, d, "t1", "o1", common.SideBuy, 100, 1)

	if _, err := d.CancelTrade(ctx, "u1", "t1"); err != nil {
		t.Fatalf("CancelTrade: %v", err)
	}
	if _, err := d.CancelTrade(ctx, "u1", "t1"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("second cancel err=%v, expected ErrNotOpen", err)
	}
	if _, err := d.CloseTrade(ctx, "u1", "t1", Closing{ExitPrice: 1}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("close after cancel err=%v, expected ErrNotOpen", err)
	}
	if _, err := d.CloseTrade(ctx, "u1", "missing", Closing{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("close missing err=%v, expected ErrNotFound", err)
	}
	if _, err := d.GetTrade(ctx, "u2", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign user read err=%v, expected ErrNotFound", err)
	}

	st, _ := d.LoadTradingState(ctx, "u1")
	if st.CancelledTrades != 1 || st.OpenTrades != 0 || st.TotalPnL != 0 {
		t.Fatalf("stats=%+v", st.UserStats)
	}
}

func TestListTradesFilters(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	mustUser(t, d, User{ID: "u1", Email: "a@x.io", SignalsPerDay: 50})
	openTrade(t, d, "t1", "o1", common.SideBuy, 100, 1)
	openTrade(t, d, "t2", "o2", common.SideSell, 100, 1)
	if _, err := d.CloseTrade(ctx, "u1", "t2", Closing{ExitPrice: 90, ProfitLoss: 10}); err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}

	open, err := d.ListTrades(ctx, "u1", TradeFilter{Status: TradeOpen})
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(open) != 1 || open[0].ID != "t1" {
		t.Fatalf("open trades=%v", open)
	}
	none, err := d.ListTrades(ctx, "u1", TradeFilter{Venue: "alpaca"})
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil list, got %v (%v)", none, err)
	}
}

func TestBrokerLinksAreSealedAndLimited(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	mustUser(t, d, User{ID: "u1", Email: "a@x.io", MaxBrokers: 1})

	creds := common.Credentials{APIKey: "key-123", APISecret: "secret-456"}
	if err := d.SaveBrokerLink(ctx, "u1", "kraken", creds); err != nil {
		t.Fatalf("SaveBrokerLink: %v", err)
	}

	var stored string
	if err := d.DB.QueryRow(`SELECT credentials FROM broker_configs WHERE user_id = 'u1'`).Scan(&stored); err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if !strings.HasPrefix(stored, "ENC[v1]:") || strings.Contains(stored, "secret-456") {
		t.Fatalf("credentials stored in clear: %s", stored)
	}

	if err := d.SaveBrokerLink(ctx, "u1", "binance", creds); !errors.Is(err, ErrBrokerLimit) {
		t.Fatalf("second venue err=%v, expected ErrBrokerLimit", err)
	}
	if err := d.SaveBrokerLink(ctx, "u1", "kraken", creds); err != nil {
		t.Fatalf("relinking same venue: %v", err)
	}

	st, err := d.LoadTradingState(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadTradingState: %v", err)
	}
	link, ok := st.BrokerConfigs["kraken"]
	if !ok || !link.IsActive || link.Credentials.APISecret != "secret-456" {
		t.Fatalf("link=%+v ok=%v", link, ok)
	}

	if err := d.DeactivateBrokerLink(ctx, "u1", "kraken"); err != nil {
		t.Fatalf("DeactivateBrokerLink: %v", err)
	}
	st, _ = d.LoadTradingState(ctx, "u1")
	if st.BrokerConfigs["kraken"].IsActive {
		t.Fatal("link still active after deactivation")
	}
}

func TestTokenStateOverlaysLink(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	mustUser(t, d, User{ID: "u1", Email: "a@x.io"})

	exp := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Millisecond)
	if err := d.SaveBrokerLink(ctx, "u1", "schwab", common.Credentials{
		AccessToken: "at-1", RefreshToken: "rt-1", TokenExpiresAt: exp,
	}); err != nil {
		t.Fatalf("SaveBrokerLink: %v", err)
	}
	if err := d.SaveTokenState(ctx, TokenState{
		UserID: "u1", Venue: "schwab", AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: exp, IsValid: true,
	}); err != nil {
		t.Fatalf("SaveTokenState: %v", err)
	}

	st, _ := d.LoadTradingState(ctx, "u1")
	if got := st.BrokerConfigs["schwab"].Credentials.AccessToken; got != "at-2" {
		t.Fatalf("AccessToken=%q, expected renewed at-2", got)
	}

	if err := d.RecordRefreshError(ctx, "u1", "schwab", "boom"); err != nil {
		t.Fatalf("RecordRefreshError: %v", err)
	}
	ts, err := d.GetTokenState(ctx, "u1", "schwab")
	if err != nil {
		t.Fatalf("GetTokenState: %v", err)
	}
	if !ts.IsValid || ts.LastRefreshError != "boom" || !ts.ExpiresAt.Equal(exp) {
		t.Fatalf("token state=%+v", ts)
	}

	if err := d.InvalidateToken(ctx, "u1", "schwab", "401"); err != nil {
		t.Fatalf("InvalidateToken: %v", err)
	}
	st, _ = d.LoadTradingState(ctx, "u1")
	if !st.BrokerConfigs["schwab"].TokenInvalid {
		t.Fatal("expected link to report an invalid token")
	}
	if err := d.InvalidateToken(ctx, "u1", "kraken", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("InvalidateToken unknown err=%v, expected ErrNotFound", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
	ok, err := columnExists(d.DB, "trades", "take_profit_order_id")
	if err != nil || !ok {
		t.Fatalf("take_profit_order_id exists=%v err=%v", ok, err)
	}
}

func TestWebhookSecretRotation(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	mustUser(t, d, User{ID: "u1", Email: "a@example.com"})

	if _, err := d.WebhookSecret(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("WebhookSecret before rotation err=%v, expected ErrNotFound", err)
	}
	first, err := d.RotateWebhookSecret(ctx, "u1")
	if err != nil {
		t.Fatalf("RotateWebhookSecret: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("secret length=%d, expected 64", len(first))
	}
	var stored string
	if err := d.DB.QueryRow(`SELECT webhook_secret FROM users WHERE id = 'u1'`).Scan(&stored); err != nil {
		t.Fatalf("read column: %v", err)
	}
	if stored == first || !crypto.IsSealed(stored) {
		t.Fatalf("secret stored in clear: %q", stored)
	}

	second, err := d.RotateWebhookSecret(ctx, "u1")
	if err != nil {
		t.Fatalf("second rotation: %v", err)
	}
	got, err := d.WebhookSecret(ctx, "u1")
	if err != nil {
		t.Fatalf("WebhookSecret: %v", err)
	}
	if got != second || got == first {
		t.Fatalf("secret=%q, expected the latest rotation", got)
	}
	if _, err := d.RotateWebhookSecret(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rotate unknown user err=%v", err)
	}
}

func TestReadResealsUnderCurrentKey(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	ctx := context.Background()

	oldKey := make([]byte, crypto.KeySize)
	newKey := make([]byte, crypto.KeySize)
	for i := range newKey {
		newKey[i] = byte(255 - i)
	}
	keyring := func(keys map[int][]byte) *crypto.Keyring {
		kr, err := crypto.NewKeyringFromKeys(keys)
		if err != nil {
			t.Fatalf("keyring: %v", err)
		}
		return kr
	}

	database.SetCipher(keyring(map[int][]byte{1: oldKey}))
	mustUser(t, database, User{ID: "u1", Email: "a@x.io"})
	if err := database.SaveBrokerLink(ctx, "u1", "schwab", common.Credentials{APIKey: "k1"}); err != nil {
		t.Fatalf("SaveBrokerLink: %v", err)
	}
	if err := database.SaveTokenState(ctx, TokenState{
		UserID: "u1", Venue: "schwab", AccessToken: "at", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(time.Hour), IsValid: true,
	}); err != nil {
		t.Fatalf("SaveTokenState: %v", err)
	}

	database.SetCipher(keyring(map[int][]byte{1: oldKey, 2: newKey}))
	if _, err := database.ListBrokerLinks(ctx, "u1"); err != nil {
		t.Fatalf("ListBrokerLinks after rotation: %v", err)
	}

	var creds, access, refresh string
	if err := database.DB.QueryRow(`SELECT credentials FROM broker_configs WHERE user_id = 'u1'`).Scan(&creds); err != nil {
		t.Fatalf("read credentials: %v", err)
	}
	if err := database.DB.QueryRow(`SELECT access_token, refresh_token FROM oauth_tokens WHERE user_id = 'u1'`).Scan(&access, &refresh); err != nil {
		t.Fatalf("read tokens: %v", err)
	}
	for name, v := range map[string]string{"credentials": creds, "access": access, "refresh": refresh} {
		if got := crypto.ParseVersion(v); got != 2 {
			t.Fatalf("%s sealed with v%d, expected v2", name, got)
		}
	}

	// The retired key is no longer needed.
	database.SetCipher(keyring(map[int][]byte{2: newKey}))
	links, err := database.ListBrokerLinks(ctx, "u1")
	if err != nil {
		t.Fatalf("ListBrokerLinks without old key: %v", err)
	}
	if len(links) != 1 || links[0].Credentials.APIKey != "k1" || links[0].Credentials.AccessToken != "at" {
		t.Fatalf("links=%+v", links)
	}
}
