package bitget

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

var stableCoins = map[string]bool{"USDT": true, "USDC": true}

// Authenticate verifies key, secret and passphrase by reading the asset list.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	return a.session.Login(ctx, a.login)
}

func (a *Adapter) login(ctx context.Context) error {
	if a.signer.empty() {
		return &common.AuthenticationError{Venue: Venue, Reason: "API key, secret and passphrase required"}
	}
	if _, err := a.assets(ctx, "USDT"); err != nil {
		if isAuthFailure(err) {
			return &common.AuthenticationError{Venue: Venue, Reason: "API key or passphrase rejected"}
		}
		return err
	}
	return nil
}

func (a *Adapter) ensure(ctx context.Context) error {
	return a.session.Ensure(ctx, a.login)
}

// GetBalance implements common.Adapter.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (common.Balance, error) {
	currency = strings.ToUpper(common.Pick(currency, "USDT"))
	if err := a.ensure(ctx); err != nil {
		return common.Balance{}, err
	}
	rows, err := a.assets(ctx, currency)
	if err != nil {
		return common.Balance{}, err
	}
	for _, r := range rows {
		if !strings.EqualFold(r.Coin, currency) {
			continue
		}
		free := common.ParseFloat(r.Available)
		total := free + common.ParseFloat(r.Frozen) + common.ParseFloat(r.Locked)
		return common.Balance{Currency: currency, Total: total, Available: free, Equity: total}, nil
	}
	return common.ZeroBalance(currency), nil
}

// CreateOrder implements common.Adapter. STOP and STOP_LIMIT go through the
// plan-order endpoint; trailing stops are not offered on Bitget spot.
func (a *Adapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	switch req.Type {
	case common.OrderTypeMarket, "", common.OrderTypeLimit:
		return a.place(ctx, req)
	case common.OrderTypeStop, common.OrderTypeStopLimit:
		return a.plan(ctx, common.ProtectiveOrder{
			Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity,
			TriggerPrice: req.StopPrice, LimitPrice: req.LimitPrice,
		}, req.ClientOrderID)
	case common.OrderTypeTrailingStop:
		return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "trailing stop on spot"}
	default:
		return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "order type " + string(req.Type)}
	}
}

type placeResponse struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

func (a *Adapter) place(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	if req.Quantity <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "quantity")
	}
	limit := req.Type == common.OrderTypeLimit
	if limit && req.LimitPrice <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "limitPrice")
	}
	if err := a.ensure(ctx); err != nil {
		return common.Order{}, err
	}

	symbol := a.NormalizeSymbol(req.Symbol)
	body := map[string]string{
		"symbol":    symbol,
		"side":      strings.ToLower(string(req.Side)),
		"orderType": "market",
		"force":     force(req.TimeInForce),
		"size":      common.FormatFloat(req.Quantity),
	}
	if limit {
		body["orderType"] = "limit"
		body["price"] = common.FormatFloat(req.LimitPrice)
	} else if req.Side == common.SideBuy {
		// Market buys are sized in quote currency.
		q, err := a.GetMarketPrice(ctx, req.Symbol)
		if err != nil {
			return common.Order{}, err
		}
		if q.Mid() <= 0 {
			return common.Order{}, common.NewAPIError(Venue, "createOrder", 0, errNoPrice)
		}
		body["size"] = common.FormatFloat(req.Quantity * q.Mid())
	}
	if req.ClientOrderID != "" {
		body["clientOid"] = req.ClientOrderID
	}

	var resp placeResponse
	if err := a.call(ctx, "createOrder", http.MethodPost, "/api/v2/spot/trade/place-order", nil, body, true, &resp); err != nil {
		return common.Order{}, err
	}
	typ := common.OrderTypeMarket
	if limit {
		typ = common.OrderTypeLimit
	}
	return common.Order{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOid,
		Symbol:        a.DenormalizeSymbol(symbol),
		Side:          req.Side,
		Type:          typ,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		TimeInForce:   req.TimeInForce,
		Status:        common.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// plan places a trigger order. A limit price turns it into a stop-limit leg.
func (a *Adapter) plan(ctx context.Context, p common.ProtectiveOrder, clientOid string) (common.Order, error) {
	if p.Quantity <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "quantity")
	}
	if p.TriggerPrice <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "stopPrice")
	}
	if err := a.ensure(ctx); err != nil {
		return common.Order{}, err
	}
	symbol := a.NormalizeSymbol(p.Symbol)
	body := map[string]string{
		"symbol":       symbol,
		"side":         strings.ToLower(string(p.Side)),
		"triggerPrice": common.FormatFloat(p.TriggerPrice),
		"triggerType":  "fill_price",
		"orderType":    "market",
		"planType":     "amount",
		"size":         common.FormatFloat(p.Quantity),
	}
	typ := common.OrderTypeStop
	if p.LimitPrice > 0 {
		body["orderType"] = "limit"
		body["executePrice"] = common.FormatFloat(p.LimitPrice)
		typ = common.OrderTypeStopLimit
	}
	if clientOid != "" {
		body["clientOid"] = clientOid
	}

	var resp placeResponse
	if err := a.call(ctx, "planOrder", http.MethodPost, "/api/v2/spot/trade/place-plan-order", nil, body, true, &resp); err != nil {
		return common.Order{}, err
	}
	return common.Order{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOid,
		Symbol:        a.DenormalizeSymbol(symbol),
		Side:          p.Side,
		Type:          typ,
		Quantity:      p.Quantity,
		StopPrice:     p.TriggerPrice,
		LimitPrice:    p.LimitPrice,
		Status:        common.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func force(tif common.TimeInForce) string {
	switch tif {
	case common.TIFIOC:
		return "ioc"
	case common.TIFFOK:
		return "fok"
	}
	return "gtc"
}

// CancelOrder implements common.Adapter. Bitget needs the symbol.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	if symbol == "" || orderID == "" {
		return false, common.NewValidationError("cancel requires symbol and order id", "symbol", "orderId")
	}
	if err := a.ensure(ctx); err != nil {
		return false, err
	}
	body := map[string]string{"symbol": a.NormalizeSymbol(symbol), "orderId": orderID}
	if err := a.call(ctx, "cancelOrder", http.MethodPost, "/api/v2/spot/trade/cancel-order", nil, body, true, nil); err != nil {
		if isGone(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// GetPositions reports non-stablecoin holdings valued in USDT.
func (a *Adapter) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := a.assets(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []common.Position
	for _, r := range rows {
		coin := strings.ToUpper(r.Coin)
		qty := common.ParseFloat(r.Available) + common.ParseFloat(r.Frozen) + common.ParseFloat(r.Locked)
		if qty == 0 || stableCoins[coin] {
			continue
		}
		p := common.Position{Symbol: coin + "/USDT", Side: common.SideBuy, Quantity: qty}
		if q, err := a.GetMarketPrice(ctx, p.Symbol); err == nil {
			p.CurrentPrice = q.Mid()
			p.Value = qty * p.CurrentPrice
		}
		if common.IsDust(p, common.DefaultDustValue) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SetStopLoss places a plan order that triggers at p.TriggerPrice.
func (a *Adapter) SetStopLoss(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	return a.plan(ctx, p, "")
}

// SetTakeProfit uses the same plan-order primitive; the side decides direction.
func (a *Adapter) SetTakeProfit(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	return a.plan(ctx, p, "")
}

// GetOrderHistory implements common.Adapter. Failures yield an empty list.
func (a *Adapter) GetOrderHistory(ctx context.Context, f common.OrderFilter) ([]common.Order, error) {
	if err := a.ensure(ctx); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	q := url.Values{}
	if f.Symbol != "" {
		q.Set("symbol", a.NormalizeSymbol(f.Symbol))
	}
	if !f.From.IsZero() {
		q.Set("startTime", strconv.FormatInt(f.From.UnixMilli(), 10))
	}
	if !f.To.IsZero() {
		q.Set("endTime", strconv.FormatInt(f.To.UnixMilli(), 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	var orders []common.Order
	for _, path := range []string{"/api/v2/spot/trade/unfilled-orders", "/api/v2/spot/trade/history-orders"} {
		var rows []bitgetOrder
		if err := a.call(ctx, "orderHistory", http.MethodGet, path, q, nil, true, &rows); err != nil {
			a.logger.Warn("order history unavailable", zap.String("path", path), zap.Error(err))
			return []common.Order{}, nil
		}
		for _, r := range rows {
			orders = append(orders, a.toOrder(r))
		}
	}
	return f.Apply(orders), nil
}

// GetMarketPrice implements common.Adapter.
func (a *Adapter) GetMarketPrice(ctx context.Context, symbol string) (common.Quote, error) {
	var rows []struct {
		Symbol string `json:"symbol"`
		LastPr string `json:"lastPr"`
		BidPr  string `json:"bidPr"`
		AskPr  string `json:"askPr"`
		Ts     string `json:"ts"`
	}
	q := url.Values{"symbol": {a.NormalizeSymbol(symbol)}}
	if err := a.call(ctx, "marketPrice", http.MethodGet, "/api/v2/spot/market/tickers", q, nil, false, &rows); err != nil {
		return common.Quote{}, err
	}
	if len(rows) == 0 {
		return common.Quote{}, common.NewAPIError(Venue, "marketPrice", 0, errNoPrice)
	}
	ms, _ := strconv.ParseInt(rows[0].Ts, 10, 64)
	return common.Quote{
		Symbol: a.DenormalizeSymbol(rows[0].Symbol),
		Bid:    common.ParseFloat(rows[0].BidPr),
		Ask:    common.ParseFloat(rows[0].AskPr),
		Last:   common.ParseFloat(rows[0].LastPr),
		Time:   time.UnixMilli(ms).UTC(),
	}, nil
}

// IsSymbolSupported implements common.Adapter.
func (a *Adapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	return a.symbols.Contains(ctx, a.NormalizeSymbol(symbol))
}

// GetFees implements common.Adapter.
func (a *Adapter) GetFees(ctx context.Context, symbol string) (common.FeeSchedule, error) {
	if err := a.ensure(ctx); err != nil {
		return common.FeeSchedule{}, err
	}
	var rate struct {
		MakerFeeRate string `json:"makerFeeRate"`
		TakerFeeRate string `json:"takerFeeRate"`
	}
	q := url.Values{"symbol": {a.NormalizeSymbol(symbol)}, "businessType": {"spot"}}
	if err := a.call(ctx, "fees", http.MethodGet, "/api/v2/common/trade-rate", q, nil, true, &rate); err != nil {
		return common.FeeSchedule{}, err
	}
	return common.FeeSchedule{
		Maker: common.ParseFloat(rate.MakerFeeRate),
		Taker: common.ParseFloat(rate.TakerFeeRate),
	}, nil
}

// NormalizeSymbol maps BTC/USDT to BTCUSDT.
func (a *Adapter) NormalizeSymbol(raw string) string { return a.codec.Normalize(raw) }

// DenormalizeSymbol maps BTCUSDT to BTC/USDT.
func (a *Adapter) DenormalizeSymbol(s string) string { return a.codec.Denormalize(s) }
