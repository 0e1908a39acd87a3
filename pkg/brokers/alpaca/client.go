// Package alpaca implements the adapter contract for Alpaca equities and
// crypto. Crypto pairs trade against USD; USDT input collapses to USD.
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

const (
	Venue = "alpaca"

	liveURL  = "https://api.alpaca.markets"
	paperURL = "https://paper-api.alpaca.markets"
	dataURL  = "https://data.alpaca.markets"
)

// Crypto fee tier 1; equities trade commission-free.
var cryptoFees = common.FeeSchedule{Maker: 0.0015, Taker: 0.0025}

type Adapter struct {
	keyID  string
	secret string

	trading *common.HTTPClient
	data    *common.HTTPClient
	session *common.Session
	symbols *common.SymbolSet
	codec   common.SymbolCodec
	logger  *zap.Logger
}

// New builds an adapter. Sandbox selects the paper trading endpoint. A
// BaseURL override serves both the trading and the market data API.
func New(creds common.Credentials, opts common.Options) *Adapter {
	a := &Adapter{
		keyID:   creds.APIKey,
		secret:  creds.APISecret,
		session: common.NewSession(Venue),
		codec: common.SymbolCodec{
			Separator:     "/",
			QuoteCollapse: map[string]string{"USDT": "USD", "USDC": "USD"},
		},
		logger: opts.Log().With(zap.String("venue", Venue)),
	}
	trading := liveURL
	if opts.Sandbox || creds.Sandbox {
		trading = paperURL
	}
	// 200 requests per minute per key.
	a.trading = common.NewHTTPClient(Venue, common.Pick(opts.BaseURL, trading), 3, 5, a.session, a.logger)
	a.data = common.NewHTTPClient(Venue, common.Pick(opts.BaseURL, dataURL), 3, 5, nil, a.logger)
	opts.Apply(a.trading)
	opts.Apply(a.data)
	a.symbols = common.NewSymbolSet(a.loadSymbols)
	return a
}

// Venue implements common.Adapter.
func (a *Adapter) Venue() string { return Venue }

func (a *Adapter) authHeader() http.Header {
	h := http.Header{}
	h.Set("APCA-API-KEY-ID", a.keyID)
	h.Set("APCA-API-SECRET-KEY", a.secret)
	h.Set("Content-Type", "application/json")
	return h
}

func (a *Adapter) do(ctx context.Context, c *common.HTTPClient, op, method, path string, q url.Values, payload any, out any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, common.NewValidationError("encode request: " + err.Error())
		}
	}
	raw, err := c.Do(ctx, common.Request{Op: op, Method: method, Path: path, Query: q, Body: body, Header: a.authHeader()})
	if err != nil {
		return raw, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, common.NewAPIError(Venue, op, 0, err)
		}
	}
	return raw, nil
}

type account struct {
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	Cash           string `json:"cash"`
	Equity         string `json:"equity"`
	BuyingPower    string `json:"buying_power"`
	TradingBlocked bool   `json:"trading_blocked"`
}

func (a *Adapter) account(ctx context.Context) (account, error) {
	var acct account
	_, err := a.do(ctx, a.trading, "account", http.MethodGet, "/v2/account", nil, nil, &acct)
	return acct, err
}

func (a *Adapter) loadSymbols(ctx context.Context) ([]string, error) {
	var assets []struct {
		Symbol   string `json:"symbol"`
		Tradable bool   `json:"tradable"`
	}
	q := url.Values{"status": {"active"}}
	if _, err := a.do(ctx, a.trading, "assets", http.MethodGet, "/v2/assets", q, nil, &assets); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(assets))
	for _, as := range assets {
		if as.Tradable {
			out = append(out, as.Symbol)
		}
	}
	return out, nil
}

type alpacaOrder struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	LimitPrice     string    `json:"limit_price"`
	StopPrice      string    `json:"stop_price"`
	TimeInForce    string    `json:"time_in_force"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

func (a *Adapter) toOrder(o alpacaOrder) common.Order {
	side, _ := common.ParseSide(o.Side)
	return common.Order{
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         a.DenormalizeSymbol(o.Symbol),
		Side:           side,
		Type:           fromAlpacaType(o.Type),
		Quantity:       common.ParseFloat(o.Qty),
		FilledQuantity: common.ParseFloat(o.FilledQty),
		AvgFillPrice:   common.ParseFloat(o.FilledAvgPrice),
		LimitPrice:     common.ParseFloat(o.LimitPrice),
		StopPrice:      common.ParseFloat(o.StopPrice),
		TimeInForce:    common.TimeInForce(strings.ToUpper(o.TimeInForce)),
		Status:         mapStatus(o.Status),
		CreatedAt:      o.CreatedAt,
	}
}

func fromAlpacaType(t string) common.OrderType {
	switch t {
	case "limit":
		return common.OrderTypeLimit
	case "stop":
		return common.OrderTypeStop
	case "stop_limit":
		return common.OrderTypeStopLimit
	case "trailing_stop":
		return common.OrderTypeTrailingStop
	}
	return common.OrderTypeMarket
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held", "calculated", "replaced", "pending_replace":
		return common.StatusPending
	case "partially_filled":
		return common.StatusPartial
	case "filled", "done_for_day":
		return common.StatusFilled
	case "canceled":
		return common.StatusCancelled
	case "pending_cancel":
		return common.StatusPendingCancel
	case "expired":
		return common.StatusExpired
	case "rejected", "suspended", "stopped":
		return common.StatusRejected
	}
	return common.StatusUnknown
}

func statusCode(err error) int {
	var apiErr *common.BrokerAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// isCrypto reports whether venueSymbol is a slash pair. Share classes such as
// BRK/B have no quote currency and stay equities.
func isCrypto(venueSymbol string) bool {
	_, _, ok := common.SplitPair(venueSymbol)
	return ok && strings.Contains(venueSymbol, "/")
}
