package schwab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

const historyWindow = 60 * 24 * time.Hour

// Authenticate checks the token and resolves the encrypted account hash used
// in every account-scoped path.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	if !a.tokenUsable() {
		return false, &common.TokenExpiredError{Venue: Venue}
	}
	return a.session.Login(ctx, a.login)
}

func (a *Adapter) login(ctx context.Context) error {
	var accounts []struct {
		AccountNumber string `json:"accountNumber"`
		HashValue     string `json:"hashValue"`
	}
	if err := a.call(ctx, "accountNumbers", http.MethodGet, traderPath+"/accounts/accountNumbers", nil, nil, &accounts, nil); err != nil {
		return err
	}
	for _, acct := range accounts {
		if a.accountNum == "" || acct.AccountNumber == a.accountNum {
			a.mu.Lock()
			a.accountHash = acct.HashValue
			a.mu.Unlock()
			return nil
		}
	}
	return &common.AuthenticationError{Venue: Venue, Reason: "no linked account matches the configured account id"}
}

// ensure reports a revoked session as an expired token: the only way back is
// a renewed or re-authorized token.
func (a *Adapter) ensure(ctx context.Context) error {
	if !a.tokenUsable() || a.session.Guard() != nil {
		return &common.TokenExpiredError{Venue: Venue}
	}
	return a.session.Ensure(ctx, a.login)
}

// GetBalance reports the USD cash position; other currencies are zero.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (common.Balance, error) {
	currency = strings.ToUpper(common.Pick(currency, "USD"))
	if err := a.ensure(ctx); err != nil {
		return common.Balance{}, err
	}
	if currency != "USD" {
		return common.ZeroBalance(currency), nil
	}
	acct, err := a.account(ctx, false)
	if err != nil {
		return common.Balance{}, err
	}
	b := acct.SecuritiesAccount.CurrentBalances
	bp := b.BuyingPower
	return common.Balance{
		Currency:    currency,
		Total:       b.CashBalance,
		Available:   b.AvailableFunds,
		Equity:      b.LiquidationValue,
		BuyingPower: &bp,
	}, nil
}

func duration(tif common.TimeInForce) string {
	switch tif {
	case common.TIFGTC:
		return "GOOD_TILL_CANCEL"
	case common.TIFFOK:
		return "FILL_OR_KILL"
	case common.TIFIOC:
		return "IMMEDIATE_OR_CANCEL"
	}
	return "DAY"
}

func (a *Adapter) buildOrder(req common.OrderRequest) (schwabOrder, error) {
	if req.Quantity <= 0 {
		return schwabOrder{}, common.NewValidationError("invalid order", "quantity")
	}
	o := schwabOrder{
		Session:           "NORMAL",
		Duration:          duration(req.TimeInForce),
		OrderStrategyType: "SINGLE",
		Tag:               req.ClientOrderID,
	}
	switch req.Type {
	case common.OrderTypeMarket, "":
		o.OrderType = "MARKET"
	case common.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return o, common.NewValidationError("invalid order", "limitPrice")
		}
		o.OrderType, o.Price = "LIMIT", req.LimitPrice
	case common.OrderTypeStop:
		if req.StopPrice <= 0 {
			return o, common.NewValidationError("invalid order", "stopPrice")
		}
		o.OrderType, o.StopPrice = "STOP", req.StopPrice
	case common.OrderTypeStopLimit:
		if req.StopPrice <= 0 || req.LimitPrice <= 0 {
			return o, common.NewValidationError("invalid order", "stopPrice", "limitPrice")
		}
		o.OrderType, o.StopPrice, o.Price = "STOP_LIMIT", req.StopPrice, req.LimitPrice
	case common.OrderTypeTrailingStop:
		if req.TrailPercent <= 0 {
			return o, common.NewValidationError("invalid order", "trailPercent")
		}
		o.OrderType = "TRAILING_STOP"
		o.StopPriceLinkBasis = "LAST"
		o.StopPriceLinkType = "PERCENT"
		o.StopPriceOffset = req.TrailPercent
	default:
		return o, &common.UnsupportedOperationError{Venue: Venue, Operation: "order type " + string(req.Type)}
	}
	leg := orderLeg{Instruction: string(req.Side), Quantity: req.Quantity}
	leg.Instrument.Symbol = a.NormalizeSymbol(req.Symbol)
	leg.Instrument.AssetType = "EQUITY"
	o.OrderLegCollection = []orderLeg{leg}
	return o, nil
}

type preview struct {
	OrderValidationResult struct {
		Rejects []struct {
			ActivityMessage string `json:"activityMessage"`
		} `json:"rejects"`
	} `json:"orderValidationResult"`
}

// CreateOrder previews the order and places it only when the preview carries
// no rejects. The returned id comes from the Location header of the placement.
func (a *Adapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	o, err := a.buildOrder(req)
	if err != nil {
		return common.Order{}, err
	}
	if err := a.ensure(ctx); err != nil {
		return common.Order{}, err
	}

	var pv preview
	if err := a.call(ctx, "previewOrder", http.MethodPost, a.accountPath("/previewOrder"), nil, o, &pv, nil); err != nil {
		return common.Order{}, err
	}
	if rejects := pv.OrderValidationResult.Rejects; len(rejects) > 0 {
		msgs := make([]string, 0, len(rejects))
		for _, r := range rejects {
			msgs = append(msgs, r.ActivityMessage)
		}
		return common.Order{}, common.NewAPIError(Venue, "previewOrder", http.StatusUnprocessableEntity,
			fmt.Errorf("order rejected in preview: %s", strings.Join(msgs, "; ")))
	}

	var location string
	capture := func(h http.Header) { location = h.Get("Location") }
	if err := a.call(ctx, "createOrder", http.MethodPost, a.accountPath("/orders"), nil, o, nil, capture); err != nil {
		return common.Order{}, err
	}
	id := path.Base(location)
	if location == "" || id == "." || id == "/" {
		return common.Order{}, common.NewAPIError(Venue, "createOrder", 0, errNoOrderID)
	}

	typ := req.Type
	if typ == "" {
		typ = common.OrderTypeMarket
	}
	return common.Order{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        a.DenormalizeSymbol(a.NormalizeSymbol(req.Symbol)),
		Side:          req.Side,
		Type:          typ,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		Status:        common.StatusPending,
		CreatedAt:     a.now().UTC(),
	}, nil
}

var errNoOrderID = errors.New("placement response carried no order location")

// CancelOrder implements common.Adapter. When the venue refuses, the order is
// looked up and a terminal order counts as cancelled.
func (a *Adapter) CancelOrder(ctx context.Context, _ string, orderID string) (bool, error) {
	if orderID == "" {
		return false, common.NewValidationError("cancel requires an order id", "orderId")
	}
	if err := a.ensure(ctx); err != nil {
		return false, err
	}
	p := a.accountPath("/orders/" + url.PathEscape(orderID))
	err := a.call(ctx, "cancelOrder", http.MethodDelete, p, nil, nil, nil, nil)
	if err == nil {
		return true, nil
	}
	switch statusCode(err) {
	case http.StatusNotFound:
		return true, nil
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		var o schwabOrder
		if lookupErr := a.call(ctx, "getOrder", http.MethodGet, p, nil, nil, &o, nil); lookupErr == nil && mapStatus(o.Status).IsTerminal() {
			return true, nil
		}
	}
	return false, err
}

// GetPositions implements common.Adapter.
func (a *Adapter) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	acct, err := a.account(ctx, true)
	if err != nil {
		return nil, err
	}
	rows := acct.SecuritiesAccount.Positions
	out := make([]common.Position, 0, len(rows))
	for _, r := range rows {
		p := common.Position{
			Symbol:        a.DenormalizeSymbol(r.Instrument.Symbol),
			Side:          common.SideBuy,
			Quantity:      r.LongQuantity,
			EntryPrice:    r.AveragePrice,
			Value:         r.MarketValue,
			UnrealizedPnL: r.LongOpenProfitLoss,
		}
		if r.ShortQuantity > 0 {
			p.Side, p.Quantity, p.UnrealizedPnL = common.SideSell, r.ShortQuantity, r.ShortOpenProfitLoss
		}
		if p.Quantity > 0 {
			p.CurrentPrice = abs(r.MarketValue) / p.Quantity
		}
		if common.IsDust(p, common.DefaultDustValue) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// SetStopLoss places a GTC stop (or stop-limit) order.
func (a *Adapter) SetStopLoss(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	req := common.OrderRequest{Symbol: p.Symbol, Side: p.Side, Type: common.OrderTypeStop, Quantity: p.Quantity, StopPrice: p.TriggerPrice, TimeInForce: common.TIFGTC}
	if p.LimitPrice > 0 {
		req.Type, req.LimitPrice = common.OrderTypeStopLimit, p.LimitPrice
	}
	return a.CreateOrder(ctx, req)
}

// SetTakeProfit places a GTC limit order at the target.
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

// GetOrderHistory implements common.Adapter. Schwab requires a time window;
// the default is the last 60 days. Failures yield an empty list.
func (a *Adapter) GetOrderHistory(ctx context.Context, f common.OrderFilter) ([]common.Order, error) {
	if err := a.ensure(ctx); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	to := f.To
	if to.IsZero() {
		to = a.now()
	}
	from := f.From
	if from.IsZero() {
		from = to.Add(-historyWindow)
	}
	const layout = "2006-01-02T15:04:05.000Z"
	q := url.Values{
		"fromEnteredTime": {from.UTC().Format(layout)},
		"toEnteredTime":   {to.UTC().Format(layout)},
	}
	if f.Limit > 0 {
		q.Set("maxResults", strconv.Itoa(f.Limit))
	}
	var rows []schwabOrder
	if err := a.call(ctx, "orderHistory", http.MethodGet, a.accountPath("/orders"), q, nil, &rows, nil); err != nil {
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
	var resp map[string]struct {
		Quote struct {
			BidPrice  float64 `json:"bidPrice"`
			AskPrice  float64 `json:"askPrice"`
			LastPrice float64 `json:"lastPrice"`
			QuoteTime int64   `json:"quoteTime"`
		} `json:"quote"`
	}
	q := url.Values{"symbols": {sym}, "fields": {"quote"}}
	if err := a.call(ctx, "marketPrice", http.MethodGet, marketPath+"/quotes", q, nil, &resp, nil); err != nil {
		return common.Quote{}, err
	}
	entry, ok := resp[sym]
	if !ok {
		return common.Quote{}, common.NewAPIError(Venue, "marketPrice", http.StatusNotFound, fmt.Errorf("no quote for %s", sym))
	}
	return common.Quote{
		Symbol: sym,
		Bid:    entry.Quote.BidPrice,
		Ask:    entry.Quote.AskPrice,
		Last:   entry.Quote.LastPrice,
		Time:   time.UnixMilli(entry.Quote.QuoteTime).UTC(),
	}, nil
}

// IsSymbolSupported asks the instruments endpoint and caches each answer.
func (a *Adapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	sym := a.NormalizeSymbol(symbol)
	a.mu.Lock()
	known, cached := a.known[sym]
	a.mu.Unlock()
	if cached {
		return known, nil
	}
	if err := a.ensure(ctx); err != nil {
		return false, err
	}
	var resp struct {
		Instruments []struct {
			Symbol    string `json:"symbol"`
			AssetType string `json:"assetType"`
		} `json:"instruments"`
	}
	q := url.Values{"symbol": {sym}, "projection": {"symbol-search"}}
	if err := a.call(ctx, "instruments", http.MethodGet, marketPath+"/instruments", q, nil, &resp, nil); err != nil {
		return false, err
	}
	found := false
	for _, in := range resp.Instruments {
		if strings.EqualFold(in.Symbol, sym) {
			found = true
			break
		}
	}
	a.mu.Lock()
	a.known[sym] = found
	a.mu.Unlock()
	return found, nil
}

// GetFees reports Schwab's zero online equity commission.
func (a *Adapter) GetFees(context.Context, string) (common.FeeSchedule, error) {
	return common.FeeSchedule{}, nil
}

// NormalizeSymbol uppercases equity tickers.
func (a *Adapter) NormalizeSymbol(raw string) string { return a.codec.Normalize(raw) }

// DenormalizeSymbol implements common.Adapter.
func (a *Adapter) DenormalizeSymbol(s string) string { return a.codec.Denormalize(s) }

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
