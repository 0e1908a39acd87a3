package binance

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

// quoteAssets are held as cash rather than reported as positions.
var quoteAssets = map[string]bool{"USDT": true, "USDC": true, "FDUSD": true, "BUSD": true, "TUSD": true}

// Authenticate syncs the venue clock and verifies the key can trade.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	return a.session.Login(ctx, a.login)
}

func (a *Adapter) login(ctx context.Context) error {
	if a.apiKey == "" || a.apiSecret == "" {
		return &common.AuthenticationError{Venue: Venue, Reason: "API key/secret required"}
	}
	if err := a.timeSync.Sync(ctx); err != nil {
		a.logger.Warn("clock sync failed, using local time", zap.Error(err))
	}
	info, err := a.account(ctx)
	if err != nil {
		if isAuthFailure(err) {
			return &common.AuthenticationError{Venue: Venue, Reason: "API key rejected"}
		}
		return err
	}
	if !info.CanTrade {
		return &common.AuthenticationError{Venue: Venue, Reason: "API key lacks trading permission"}
	}
	return nil
}

func (a *Adapter) ensure(ctx context.Context) error {
	return a.session.Ensure(ctx, a.login)
}

// GetBalance implements common.Adapter.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (common.Balance, error) {
	if currency == "" {
		currency = "USDT"
	}
	currency = strings.ToUpper(currency)
	if err := a.ensure(ctx); err != nil {
		return common.Balance{}, err
	}
	info, err := a.account(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	for _, b := range info.Balances {
		if b.Asset != currency {
			continue
		}
		free := common.ParseFloat(b.Free)
		total := free + common.ParseFloat(b.Locked)
		return common.Balance{Currency: currency, Total: total, Available: free, Equity: total}, nil
	}
	return common.ZeroBalance(currency), nil
}

// CreateOrder implements common.Adapter.
func (a *Adapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	var venueType string
	switch req.Type {
	case common.OrderTypeMarket, "":
		venueType = "MARKET"
	case common.OrderTypeLimit:
		venueType = "LIMIT"
	case common.OrderTypeStop:
		venueType = "STOP_LOSS"
	case common.OrderTypeStopLimit:
		venueType = "STOP_LOSS_LIMIT"
	case common.OrderTypeTrailingStop:
		return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "trailing stop on spot"}
	default:
		return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "order type " + string(req.Type)}
	}
	return a.submit(ctx, req, venueType)
}

func (a *Adapter) submit(ctx context.Context, req common.OrderRequest, venueType string) (common.Order, error) {
	if req.Quantity <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "quantity")
	}
	if err := a.ensure(ctx); err != nil {
		return common.Order{}, err
	}

	params := url.Values{}
	params.Set("symbol", a.NormalizeSymbol(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", venueType)
	params.Set("quantity", common.FormatFloat(req.Quantity))
	params.Set("newOrderRespType", "FULL")

	switch venueType {
	case "LIMIT", "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		if req.LimitPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "limitPrice")
		}
		params.Set("price", common.FormatFloat(req.LimitPrice))
		tif := req.TimeInForce
		if tif == "" || tif == common.TIFDay {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	switch venueType {
	case "STOP_LOSS", "STOP_LOSS_LIMIT", "TAKE_PROFIT", "TAKE_PROFIT_LIMIT":
		if req.StopPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "stopPrice")
		}
		params.Set("stopPrice", common.FormatFloat(req.StopPrice))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var resp orderResponse
	if err := a.signedJSON(ctx, "createOrder", http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return common.Order{}, err
	}
	return a.toOrder(resp), nil
}

// CancelOrder implements common.Adapter. Binance scopes order ids per symbol.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	if symbol == "" || orderID == "" {
		return false, common.NewValidationError("cancel requires symbol and order id", "symbol", "orderId")
	}
	if err := a.ensure(ctx); err != nil {
		return false, err
	}
	params := url.Values{}
	params.Set("symbol", a.NormalizeSymbol(symbol))
	params.Set("orderId", orderID)
	body, err := a.signed(ctx, "cancelOrder", http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		var apiErr *common.BrokerAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			if code := venueCode(body); code == codeUnknownOrder || code == codeNoSuchOrder {
				return true, nil
			}
		}
		return false, err
	}
	return true, nil
}

// GetPositions reports non-quote spot holdings valued in USDT.
func (a *Adapter) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	info, err := a.account(ctx)
	if err != nil {
		return nil, err
	}
	// Each holding costs a ticker request. Near the weight limit the holdings
	// are returned unpriced so orders keep their budget.
	throttled := a.http.Weights.Exhausted()
	if throttled {
		used, limit, _ := a.http.Weights.Usage()
		a.logger.Warn("request weight nearly spent, positions left unpriced",
			zap.Int("used", used), zap.Int("limit", limit))
	}
	var out []common.Position
	for _, b := range info.Balances {
		qty := common.ParseFloat(b.Free) + common.ParseFloat(b.Locked)
		if qty == 0 || quoteAssets[b.Asset] {
			continue
		}
		p := common.Position{Symbol: b.Asset + "/USDT", Side: common.SideBuy, Quantity: qty}
		if throttled {
			out = append(out, p)
			continue
		}
		if q, err := a.GetMarketPrice(ctx, p.Symbol); err == nil {
			p.CurrentPrice = q.Mid()
			p.Value = qty * p.CurrentPrice
		} else {
			a.logger.Debug("no quote for holding", zap.String("asset", b.Asset), zap.Error(err))
		}
		if common.IsDust(p, common.DefaultDustValue) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SetStopLoss places a STOP_LOSS (or STOP_LOSS_LIMIT) order.
func (a *Adapter) SetStopLoss(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	req := common.OrderRequest{Symbol: p.Symbol, Side: p.Side, Quantity: p.Quantity, StopPrice: p.TriggerPrice, LimitPrice: p.LimitPrice}
	if p.LimitPrice > 0 {
		return a.submit(ctx, req, "STOP_LOSS_LIMIT")
	}
	return a.submit(ctx, req, "STOP_LOSS")
}

// SetTakeProfit places a TAKE_PROFIT (or TAKE_PROFIT_LIMIT) order.
func (a *Adapter) SetTakeProfit(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	req := common.OrderRequest{Symbol: p.Symbol, Side: p.Side, Quantity: p.Quantity, StopPrice: p.TriggerPrice, LimitPrice: p.LimitPrice}
	if p.LimitPrice > 0 {
		return a.submit(ctx, req, "TAKE_PROFIT_LIMIT")
	}
	return a.submit(ctx, req, "TAKE_PROFIT")
}

// GetOrderHistory returns orders for f.Symbol, or open orders of every symbol
// when no symbol is given. Failures yield an empty list.
func (a *Adapter) GetOrderHistory(ctx context.Context, f common.OrderFilter) ([]common.Order, error) {
	if err := a.ensure(ctx); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	params := url.Values{}
	path := "/api/v3/openOrders"
	if f.Symbol != "" {
		path = "/api/v3/allOrders"
		params.Set("symbol", a.NormalizeSymbol(f.Symbol))
		if !f.From.IsZero() {
			params.Set("startTime", strconv.FormatInt(f.From.UnixMilli(), 10))
		}
		if !f.To.IsZero() {
			params.Set("endTime", strconv.FormatInt(f.To.UnixMilli(), 10))
		}
	}
	var raw []orderResponse
	if err := a.signedJSON(ctx, "orderHistory", http.MethodGet, path, params, &raw); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	orders := make([]common.Order, 0, len(raw))
	for _, r := range raw {
		orders = append(orders, a.toOrder(r))
	}
	return f.Apply(orders), nil
}

// GetMarketPrice implements common.Adapter.
func (a *Adapter) GetMarketPrice(ctx context.Context, symbol string) (common.Quote, error) {
	var t struct {
		Symbol    string `json:"symbol"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		LastPrice string `json:"lastPrice"`
		CloseTime int64  `json:"closeTime"`
	}
	params := url.Values{"symbol": {a.NormalizeSymbol(symbol)}}
	if err := a.public(ctx, "marketPrice", "/api/v3/ticker/24hr", params, &t); err != nil {
		return common.Quote{}, err
	}
	return common.Quote{
		Symbol: a.DenormalizeSymbol(t.Symbol),
		Bid:    common.ParseFloat(t.BidPrice),
		Ask:    common.ParseFloat(t.AskPrice),
		Last:   common.ParseFloat(t.LastPrice),
		Time:   timeFromMillis(t.CloseTime),
	}, nil
}

// IsSymbolSupported implements common.Adapter.
func (a *Adapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	return a.symbols.Contains(ctx, a.NormalizeSymbol(symbol))
}

// GetFees returns the account's commission rates for symbol.
func (a *Adapter) GetFees(ctx context.Context, symbol string) (common.FeeSchedule, error) {
	if err := a.ensure(ctx); err != nil {
		return common.FeeSchedule{}, err
	}
	var rows []struct {
		Symbol          string `json:"symbol"`
		MakerCommission string `json:"makerCommission"`
		TakerCommission string `json:"takerCommission"`
	}
	params := url.Values{"symbol": {a.NormalizeSymbol(symbol)}}
	if err := a.signedJSON(ctx, "fees", http.MethodGet, "/sapi/v1/asset/tradeFee", params, &rows); err != nil {
		return common.FeeSchedule{}, err
	}
	if len(rows) == 0 {
		return common.FeeSchedule{Maker: 0.001, Taker: 0.001}, nil
	}
	return common.FeeSchedule{
		Maker: common.ParseFloat(rows[0].MakerCommission),
		Taker: common.ParseFloat(rows[0].TakerCommission),
	}, nil
}

// NormalizeSymbol maps BTC/USDT to BTCUSDT.
func (a *Adapter) NormalizeSymbol(raw string) string { return a.codec.Normalize(raw) }

// DenormalizeSymbol maps BTCUSDT to BTC/USDT.
func (a *Adapter) DenormalizeSymbol(s string) string { return a.codec.Denormalize(s) }
