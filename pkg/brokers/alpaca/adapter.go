package alpaca

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

// Authenticate reads the account and refuses blocked or inactive accounts.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	return a.session.Login(ctx, a.login)
}

func (a *Adapter) login(ctx context.Context) error {
	if a.keyID == "" || a.secret == "" {
		return &common.AuthenticationError{Venue: Venue, Reason: "API key id/secret required"}
	}
	acct, err := a.account(ctx)
	if err != nil {
		if code := statusCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
			return &common.AuthenticationError{Venue: Venue, Reason: "API key rejected"}
		}
		return err
	}
	if acct.TradingBlocked || (acct.Status != "" && acct.Status != "ACTIVE") {
		return &common.AuthenticationError{Venue: Venue, Reason: "account is not active for trading"}
	}
	return nil
}

func (a *Adapter) ensure(ctx context.Context) error {
	return a.session.Ensure(ctx, a.login)
}

// GetBalance reports the USD account; other currencies are looked up as crypto
// holdings.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (common.Balance, error) {
	currency = strings.ToUpper(common.Pick(currency, "USD"))
	if err := a.ensure(ctx); err != nil {
		return common.Balance{}, err
	}
	if currency == "USD" {
		acct, err := a.account(ctx)
		if err != nil {
			return common.Balance{}, err
		}
		bp := common.ParseFloat(acct.BuyingPower)
		cash := common.ParseFloat(acct.Cash)
		return common.Balance{
			Currency:    currency,
			Total:       cash,
			Available:   cash,
			Equity:      common.ParseFloat(acct.Equity),
			BuyingPower: &bp,
		}, nil
	}

	positions, err := a.rawPositions(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	for _, p := range positions {
		if p.Symbol == currency+"USD" {
			qty := common.ParseFloat(p.Qty)
			return common.Balance{Currency: currency, Total: qty, Available: common.ParseFloat(p.QtyAvailable), Equity: qty}, nil
		}
	}
	return common.ZeroBalance(currency), nil
}

// CreateOrder implements common.Adapter. Every unified type maps natively.
func (a *Adapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	if req.Quantity <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "quantity")
	}
	symbol := a.NormalizeSymbol(req.Symbol)
	body := map[string]string{
		"symbol":        symbol,
		"qty":           common.FormatFloat(req.Quantity),
		"side":          strings.ToLower(string(req.Side)),
		"time_in_force": timeInForce(req.TimeInForce, isCrypto(symbol)),
	}
	switch req.Type {
	case common.OrderTypeMarket, "":
		body["type"] = "market"
	case common.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "limitPrice")
		}
		body["type"] = "limit"
		body["limit_price"] = common.FormatFloat(req.LimitPrice)
	case common.OrderTypeStop:
		if req.StopPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "stopPrice")
		}
		body["type"] = "stop"
		body["stop_price"] = common.FormatFloat(req.StopPrice)
	case common.OrderTypeStopLimit:
		if req.StopPrice <= 0 || req.LimitPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "stopPrice", "limitPrice")
		}
		body["type"] = "stop_limit"
		body["stop_price"] = common.FormatFloat(req.StopPrice)
		body["limit_price"] = common.FormatFloat(req.LimitPrice)
	case common.OrderTypeTrailingStop:
		if isCrypto(symbol) {
			return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "trailing stop on crypto"}
		}
		if req.TrailPercent <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "trailPercent")
		}
		body["type"] = "trailing_stop"
		body["trail_percent"] = common.FormatFloat(req.TrailPercent)
	default:
		return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "order type " + string(req.Type)}
	}
	if req.ClientOrderID != "" {
		body["client_order_id"] = req.ClientOrderID
	}
	if err := a.ensure(ctx); err != nil {
		return common.Order{}, err
	}

	var resp alpacaOrder
	if _, err := a.do(ctx, a.trading, "createOrder", http.MethodPost, "/v2/orders", nil, body, &resp); err != nil {
		return common.Order{}, err
	}
	return a.toOrder(resp), nil
}

func timeInForce(tif common.TimeInForce, crypto bool) string {
	switch tif {
	case common.TIFGTC:
		return "gtc"
	case common.TIFIOC:
		return "ioc"
	case common.TIFFOK:
		return "fok"
	}
	if crypto {
		return "gtc"
	}
	return "day"
}

// CancelOrder implements common.Adapter. 404 (unknown) and 422 (no longer
// cancelable) both mean there is nothing left to cancel.
func (a *Adapter) CancelOrder(ctx context.Context, _ string, orderID string) (bool, error) {
	if orderID == "" {
		return false, common.NewValidationError("cancel requires an order id", "orderId")
	}
	if err := a.ensure(ctx); err != nil {
		return false, err
	}
	_, err := a.do(ctx, a.trading, "cancelOrder", http.MethodDelete, "/v2/orders/"+url.PathEscape(orderID), nil, nil, nil)
	if err != nil {
		switch statusCode(err) {
		case http.StatusNotFound, http.StatusUnprocessableEntity:
			return true, nil
		}
		return false, err
	}
	return true, nil
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	QtyAvailable  string `json:"qty_available"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

func (a *Adapter) rawPositions(ctx context.Context) ([]alpacaPosition, error) {
	var rows []alpacaPosition
	_, err := a.do(ctx, a.trading, "positions", http.MethodGet, "/v2/positions", nil, nil, &rows)
	return rows, err
}

// GetPositions implements common.Adapter.
func (a *Adapter) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := a.rawPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(rows))
	for _, r := range rows {
		qty := common.ParseFloat(r.Qty)
		side := common.SideBuy
		if r.Side == "short" {
			side = common.SideSell
			if qty < 0 {
				qty = -qty
			}
		}
		p := common.Position{
			Symbol:        a.DenormalizeSymbol(r.Symbol),
			Side:          side,
			Quantity:      qty,
			EntryPrice:    common.ParseFloat(r.AvgEntryPrice),
			CurrentPrice:  common.ParseFloat(r.CurrentPrice),
			Value:         common.ParseFloat(r.MarketValue),
			UnrealizedPnL: common.ParseFloat(r.UnrealizedPL),
		}
		if common.IsDust(p, common.DefaultDustValue) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SetStopLoss places a stop (or stop-limit) order on the closing side.
func (a *Adapter) SetStopLoss(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	req := common.OrderRequest{Symbol: p.Symbol, Side: p.Side, Quantity: p.Quantity, StopPrice: p.TriggerPrice, TimeInForce: common.TIFGTC}
	req.Type = common.OrderTypeStop
	if p.LimitPrice > 0 {
		req.Type = common.OrderTypeStopLimit
		req.LimitPrice = p.LimitPrice
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

// GetOrderHistory implements common.Adapter. Failures yield an empty list.
func (a *Adapter) GetOrderHistory(ctx context.Context, f common.OrderFilter) ([]common.Order, error) {
	if err := a.ensure(ctx); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	q := url.Values{"status": {"all"}, "direction": {"desc"}}
	if f.Symbol != "" {
		q.Set("symbols", a.NormalizeSymbol(f.Symbol))
	}
	if !f.From.IsZero() {
		q.Set("after", f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("until", f.To.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var rows []alpacaOrder
	if _, err := a.do(ctx, a.trading, "orderHistory", http.MethodGet, "/v2/orders", q, nil, &rows); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	orders := make([]common.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, a.toOrder(r))
	}
	return f.Apply(orders), nil
}

type latestQuote struct {
	Ask  float64   `json:"ap"`
	Bid  float64   `json:"bp"`
	Time time.Time `json:"t"`
}

// GetMarketPrice reads the latest NBBO (equities) or crypto quote.
func (a *Adapter) GetMarketPrice(ctx context.Context, symbol string) (common.Quote, error) {
	venueSymbol := a.NormalizeSymbol(symbol)
	var lq latestQuote
	if isCrypto(venueSymbol) {
		var resp struct {
			Quotes map[string]latestQuote `json:"quotes"`
		}
		q := url.Values{"symbols": {venueSymbol}}
		if _, err := a.do(ctx, a.data, "marketPrice", http.MethodGet, "/v1beta3/crypto/us/latest/quotes", q, nil, &resp); err != nil {
			return common.Quote{}, err
		}
		lq = resp.Quotes[venueSymbol]
	} else {
		var resp struct {
			Quote latestQuote `json:"quote"`
		}
		path := "/v2/stocks/" + url.PathEscape(venueSymbol) + "/quotes/latest"
		if _, err := a.do(ctx, a.data, "marketPrice", http.MethodGet, path, nil, nil, &resp); err != nil {
			return common.Quote{}, err
		}
		lq = resp.Quote
	}
	return common.Quote{Symbol: a.DenormalizeSymbol(venueSymbol), Bid: lq.Bid, Ask: lq.Ask, Time: lq.Time}, nil
}

// IsSymbolSupported implements common.Adapter.
func (a *Adapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	return a.symbols.Contains(ctx, a.NormalizeSymbol(symbol))
}

// GetFees returns the static schedule: zero for equities, tier-1 for crypto.
func (a *Adapter) GetFees(_ context.Context, symbol string) (common.FeeSchedule, error) {
	if isCrypto(a.NormalizeSymbol(symbol)) {
		return cryptoFees, nil
	}
	return common.FeeSchedule{}, nil
}

// NormalizeSymbol maps BTC/USDT to BTC/USD and leaves equity tickers as is.
func (a *Adapter) NormalizeSymbol(raw string) string { return a.codec.Normalize(raw) }

// DenormalizeSymbol maps BTCUSD or BTC/USD to BTC/USD.
func (a *Adapter) DenormalizeSymbol(s string) string { return a.codec.Denormalize(s) }
