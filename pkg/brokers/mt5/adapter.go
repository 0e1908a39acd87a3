// Package mt5 implements the adapter contract for MetaTrader 5 accounts
// through a terminal bridge that speaks JSON-RPC over a WebSocket.
//
// The connection is long-lived and owned by whoever created the adapter:
// call Disconnect (or common.Close) when done.
package mt5

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

const (
	Venue      = "mt5"
	defaultURL = "ws://127.0.0.1:8228/rpc"
)

// Trade server return codes.
const (
	retcodePlaced      = 10008
	retcodeDone        = 10009
	retcodeDonePartial = 10010
)

// Terminal error raised by a failed account authorization.
const codeAuthFailed = -6

// Order states as reported by history_orders_get.
const (
	stateStarted = iota
	statePlaced
	stateCanceled
	statePartial
	stateFilled
	stateRejected
	stateExpired
)

type Adapter struct {
	login    string
	password string
	server   string

	gw      *gateway
	session *common.Session
	symbols *common.SymbolSet
	codec   common.SymbolCodec
	logger  *zap.Logger
}

// New builds an adapter. BaseURL points at the bridge (ws:// or wss://).
// Nothing is dialled until the first call.
func New(creds common.Credentials, opts common.Options) *Adapter {
	a := &Adapter{
		login:    creds.Login,
		password: creds.Password,
		server:   creds.Server,
		session:  common.NewSession(Venue),
		codec:    common.SymbolCodec{QuoteCollapse: map[string]string{"USDT": "USD"}},
		logger:   opts.Log().With(zap.String("venue", Venue)),
	}
	a.gw = newGateway(common.Pick(opts.BaseURL, defaultURL), opts.Timeout, a.logger, a.session.Reset)
	a.symbols = common.NewSymbolSet(a.loadSymbols)
	return a
}

// Venue implements common.Adapter.
func (a *Adapter) Venue() string { return Venue }

// Disconnect closes the gateway connection. Later calls fail.
func (a *Adapter) Disconnect() error {
	a.session.Reset()
	return a.gw.close()
}

// Authenticate logs the terminal into the trade account.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	return a.session.Login(ctx, a.doLogin)
}

func (a *Adapter) doLogin(ctx context.Context) error {
	if a.login == "" || a.password == "" || a.server == "" {
		return &common.AuthenticationError{Venue: Venue, Reason: "login, password and server required"}
	}
	account, err := strconv.ParseInt(a.login, 10, 64)
	if err != nil {
		return &common.AuthenticationError{Venue: Venue, Reason: "login must be numeric"}
	}
	params := map[string]any{"login": account, "password": a.password, "server": a.server}
	if err := a.gw.call(ctx, "login", "login", params, nil); err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeAuthFailed {
			a.session.Revoke(rpcErr.Message)
			return &common.AuthenticationError{Venue: Venue, Reason: "terminal authorization failed"}
		}
		return err
	}
	return nil
}

func (a *Adapter) ensure(ctx context.Context) error {
	return a.session.Ensure(ctx, a.doLogin)
}

type accountInfo struct {
	Login      int64   `json:"login"`
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	MarginFree float64 `json:"margin_free"`
}

// GetBalance reports the account in its deposit currency; any other currency
// yields a zero balance.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (common.Balance, error) {
	if err := a.ensure(ctx); err != nil {
		return common.Balance{}, err
	}
	var info accountInfo
	if err := a.gw.call(ctx, "balance", "account_info", nil, &info); err != nil {
		return common.Balance{}, err
	}
	currency = strings.ToUpper(common.Pick(currency, info.Currency))
	if currency != strings.ToUpper(info.Currency) {
		return common.ZeroBalance(currency), nil
	}
	free := info.MarginFree
	return common.Balance{
		Currency:    currency,
		Total:       info.Balance,
		Available:   info.MarginFree,
		Equity:      info.Equity,
		BuyingPower: &free,
	}, nil
}

type tradeRequest struct {
	Action    string  `json:"action"`
	Symbol    string  `json:"symbol,omitempty"`
	Type      string  `json:"type,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	Price     float64 `json:"price,omitempty"`
	StopLimit float64 `json:"stoplimit,omitempty"`
	TypeTime  string  `json:"type_time,omitempty"`
	Comment   string  `json:"comment,omitempty"`
	Order     int64   `json:"order,omitempty"`
}

type tradeResult struct {
	Retcode int     `json:"retcode"`
	Order   int64   `json:"order"`
	Deal    int64   `json:"deal"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

type retcodeError struct {
	Retcode int
	Comment string
}

func (e *retcodeError) Error() string {
	return "trade server returned " + strconv.Itoa(e.Retcode) + ": " + e.Comment
}

// CreateOrder implements common.Adapter. Market orders execute as deals,
// everything else rests as a pending order.
func (a *Adapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	if req.Quantity <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "quantity")
	}
	side := strings.ToLower(string(req.Side))
	tr := tradeRequest{Symbol: a.NormalizeSymbol(req.Symbol), Volume: req.Quantity, Comment: req.ClientOrderID, TypeTime: typeTime(req.TimeInForce)}
	switch req.Type {
	case common.OrderTypeMarket, "":
		tr.Action, tr.Type, tr.TypeTime = "deal", side, ""
	case common.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "limitPrice")
		}
		tr.Action, tr.Type, tr.Price = "pending", side+"_limit", req.LimitPrice
	case common.OrderTypeStop:
		if req.StopPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "stopPrice")
		}
		tr.Action, tr.Type, tr.Price = "pending", side+"_stop", req.StopPrice
	case common.OrderTypeStopLimit:
		if req.StopPrice <= 0 || req.LimitPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "stopPrice", "limitPrice")
		}
		tr.Action, tr.Type, tr.Price, tr.StopLimit = "pending", side+"_stop_limit", req.StopPrice, req.LimitPrice
	case common.OrderTypeTrailingStop:
		return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "trailing stop through the terminal bridge"}
	default:
		return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "order type " + string(req.Type)}
	}
	if err := a.ensure(ctx); err != nil {
		return common.Order{}, err
	}

	var res tradeResult
	if err := a.gw.call(ctx, "createOrder", "order_send", tr, &res); err != nil {
		return common.Order{}, err
	}
	o := common.Order{
		OrderID:       strconv.FormatInt(res.Order, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        a.DenormalizeSymbol(tr.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		CreatedAt:     time.Now().UTC(),
	}
	if o.Type == "" {
		o.Type = common.OrderTypeMarket
	}
	switch res.Retcode {
	case retcodeDone:
		o.Status = common.StatusFilled
		if tr.Action == "pending" {
			o.Status = common.StatusPending
		}
		o.FilledQuantity, o.AvgFillPrice = res.Volume, res.Price
	case retcodeDonePartial:
		o.Status = common.StatusPartial
		o.FilledQuantity, o.AvgFillPrice = res.Volume, res.Price
	case retcodePlaced:
		o.Status = common.StatusPending
	default:
		return common.Order{}, common.NewAPIError(Venue, "createOrder", 0, &retcodeError{res.Retcode, res.Comment})
	}
	if tr.Action == "pending" {
		o.FilledQuantity, o.AvgFillPrice = 0, 0
	}
	return o, nil
}

func typeTime(tif common.TimeInForce) string {
	if tif == common.TIFDay {
		return "day"
	}
	return "gtc"
}

// CancelOrder removes a pending order. Tickets that are no longer pending
// (filled, cancelled or unknown) count as cancelled.
func (a *Adapter) CancelOrder(ctx context.Context, _ string, orderID string) (bool, error) {
	ticket, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, common.NewValidationError("order id must be a ticket number", "orderId")
	}
	if err := a.ensure(ctx); err != nil {
		return false, err
	}
	var pending []historyOrder
	if err := a.gw.call(ctx, "cancelOrder", "orders_get", map[string]any{"ticket": ticket}, &pending); err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return true, nil
	}
	var res tradeResult
	if err := a.gw.call(ctx, "cancelOrder", "order_send", tradeRequest{Action: "remove", Order: ticket}, &res); err != nil {
		return false, err
	}
	if res.Retcode != retcodeDone {
		return false, common.NewAPIError(Venue, "cancelOrder", 0, &retcodeError{res.Retcode, res.Comment})
	}
	return true, nil
}

type mt5Position struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         int     `json:"type"` // 0 buy, 1 sell
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	Profit       float64 `json:"profit"`
}

// GetPositions implements common.Adapter.
func (a *Adapter) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	var rows []mt5Position
	if err := a.gw.call(ctx, "positions", "positions_get", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(rows))
	for _, r := range rows {
		side := common.SideBuy
		if r.Type == 1 {
			side = common.SideSell
		}
		p := common.Position{
			Symbol:        a.DenormalizeSymbol(r.Symbol),
			Side:          side,
			Quantity:      r.Volume,
			EntryPrice:    r.PriceOpen,
			CurrentPrice:  r.PriceCurrent,
			Value:         r.Volume * r.PriceCurrent,
			UnrealizedPnL: r.Profit,
		}
		if common.IsDust(p, common.DefaultDustValue) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SetStopLoss rests a stop (or stop-limit) pending order on the closing side.
func (a *Adapter) SetStopLoss(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	req := common.OrderRequest{Symbol: p.Symbol, Side: p.Side, Type: common.OrderTypeStop, Quantity: p.Quantity, StopPrice: p.TriggerPrice, TimeInForce: common.TIFGTC}
	if p.LimitPrice > 0 {
		req.Type, req.LimitPrice = common.OrderTypeStopLimit, p.LimitPrice
	}
	return a.CreateOrder(ctx, req)
}

// SetTakeProfit rests a limit pending order at the target.
func (a *Adapter) SetTakeProfit(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	price := p.LimitPrice
	if price <= 0 {
		price = p.TriggerPrice
	}
	return a.CreateOrder(ctx, common.OrderRequest{
		Symbol: p.Symbol, Side: p.Side, Type: common.OrderTypeLimit,
		Quantity: p.Quantity, LimitPrice: price, TimeInForce: common.TIFGTC,
	})
}

type historyOrder struct {
	Ticket         int64   `json:"ticket"`
	TimeSetup      int64   `json:"time_setup"`
	Type           int     `json:"type"`
	State          int     `json:"state"`
	VolumeInitial  float64 `json:"volume_initial"`
	VolumeCurrent  float64 `json:"volume_current"`
	PriceOpen      float64 `json:"price_open"`
	PriceCurrent   float64 `json:"price_current"`
	PriceStopLimit float64 `json:"price_stoplimit"`
	Symbol         string  `json:"symbol"`
	Comment        string  `json:"comment"`
}

// ORDER_TYPE_* enumeration of the terminal.
var orderTypes = []struct {
	side common.Side
	typ  common.OrderType
}{
	{common.SideBuy, common.OrderTypeMarket},
	{common.SideSell, common.OrderTypeMarket},
	{common.SideBuy, common.OrderTypeLimit},
	{common.SideSell, common.OrderTypeLimit},
	{common.SideBuy, common.OrderTypeStop},
	{common.SideSell, common.OrderTypeStop},
	{common.SideBuy, common.OrderTypeStopLimit},
	{common.SideSell, common.OrderTypeStopLimit},
}

func (a *Adapter) toOrder(h historyOrder) common.Order {
	o := common.Order{
		OrderID:        strconv.FormatInt(h.Ticket, 10),
		ClientOrderID:  h.Comment,
		Symbol:         a.DenormalizeSymbol(h.Symbol),
		Quantity:       h.VolumeInitial,
		FilledQuantity: h.VolumeInitial - h.VolumeCurrent,
		Status:         mapState(h.State),
		CreatedAt:      time.Unix(h.TimeSetup, 0).UTC(),
	}
	if h.Type >= 0 && h.Type < len(orderTypes) {
		o.Side, o.Type = orderTypes[h.Type].side, orderTypes[h.Type].typ
	}
	switch o.Type {
	case common.OrderTypeLimit:
		o.LimitPrice = h.PriceOpen
	case common.OrderTypeStop:
		o.StopPrice = h.PriceOpen
	case common.OrderTypeStopLimit:
		o.StopPrice, o.LimitPrice = h.PriceOpen, h.PriceStopLimit
	case common.OrderTypeMarket:
		o.AvgFillPrice = h.PriceOpen
	}
	return o
}

func mapState(s int) common.OrderStatus {
	switch s {
	case stateStarted, statePlaced:
		return common.StatusPending
	case stateCanceled:
		return common.StatusCancelled
	case statePartial:
		return common.StatusPartial
	case stateFilled:
		return common.StatusFilled
	case stateRejected:
		return common.StatusRejected
	case stateExpired:
		return common.StatusExpired
	}
	return common.StatusUnknown
}

// GetOrderHistory implements common.Adapter. The terminal needs a window;
// the default covers the last 30 days. Failures yield an empty list.
func (a *Adapter) GetOrderHistory(ctx context.Context, f common.OrderFilter) ([]common.Order, error) {
	if err := a.ensure(ctx); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	to := f.To
	if to.IsZero() {
		to = time.Now()
	}
	from := f.From
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	var rows []historyOrder
	params := map[string]any{"from": from.Unix(), "to": to.Unix()}
	if err := a.gw.call(ctx, "orderHistory", "history_orders_get", params, &rows); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	orders := make([]common.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, a.toOrder(r))
	}
	return f.Apply(orders), nil
}

// GetMarketPrice implements common.Adapter.
func (a *Adapter) GetMarketPrice(ctx context.Context, symbol string) (common.Quote, error) {
	if err := a.ensure(ctx); err != nil {
		return common.Quote{}, err
	}
	sym := a.NormalizeSymbol(symbol)
	var tick struct {
		Time int64   `json:"time"`
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
		Last float64 `json:"last"`
	}
	if err := a.gw.call(ctx, "marketPrice", "symbol_info_tick", map[string]any{"symbol": sym}, &tick); err != nil {
		return common.Quote{}, err
	}
	return common.Quote{
		Symbol: a.DenormalizeSymbol(sym),
		Bid:    tick.Bid,
		Ask:    tick.Ask,
		Last:   tick.Last,
		Time:   time.Unix(tick.Time, 0).UTC(),
	}, nil
}

func (a *Adapter) loadSymbols(ctx context.Context) ([]string, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	var names []string
	if err := a.gw.call(ctx, "symbols", "symbols_get", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// IsSymbolSupported implements common.Adapter.
func (a *Adapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	return a.symbols.Contains(ctx, a.NormalizeSymbol(symbol))
}

// GetFees returns zero rates: MT5 brokers charge through the spread or a
// per-lot commission the terminal does not expose as a rate.
func (a *Adapter) GetFees(context.Context, string) (common.FeeSchedule, error) {
	return common.FeeSchedule{}, nil
}

// NormalizeSymbol maps BTC/USDT to BTCUSD and EUR/USD to EURUSD. A broker
// suffix (EURUSD.m, XAUUSD.pro) keeps its case; terminals match names exactly.
func (a *Adapter) NormalizeSymbol(raw string) string {
	core, suffix := splitSuffix(strings.TrimSpace(raw))
	return a.codec.Normalize(core) + suffix
}

// DenormalizeSymbol maps EURUSD to EUR/USD and EURUSD.m to EUR/USD.m.
func (a *Adapter) DenormalizeSymbol(s string) string {
	core, suffix := splitSuffix(strings.TrimSpace(s))
	return a.codec.Denormalize(core) + suffix
}

func splitSuffix(s string) (core, suffix string) {
	if i := strings.LastIndex(s, "."); i > 0 && i < len(s)-1 {
		return s[:i], s[i:]
	}
	return s, ""
}
