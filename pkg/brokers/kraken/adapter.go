package kraken

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

// Authenticate verifies the key by reading balances once.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	return a.session.Login(ctx, a.login)
}

func (a *Adapter) login(ctx context.Context) error {
	if a.apiKey == "" || a.apiSecret == "" {
		return &common.AuthenticationError{Venue: Venue, Reason: "API key/secret required"}
	}
	if _, err := a.balances(ctx); err != nil {
		if isAuthFailure(err) {
			return &common.AuthenticationError{Venue: Venue, Reason: "API key rejected"}
		}
		return err
	}
	return nil
}

func (a *Adapter) ensure(ctx context.Context) error {
	return a.session.Ensure(ctx, a.login)
}

func (a *Adapter) balances(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	if err := a.private(ctx, "balance", "Balance", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBalance tries the prefixed and plain asset codes and reports the result
// under the requested currency.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (common.Balance, error) {
	if currency == "" {
		currency = "USD"
	}
	currency = strings.ToUpper(currency)
	if err := a.ensure(ctx); err != nil {
		return common.Balance{}, err
	}
	all, err := a.balances(ctx)
	if err != nil {
		return common.Balance{}, err
	}
	for _, key := range currencyCandidates(currency) {
		if v, ok := all[key]; ok {
			total := common.ParseFloat(v)
			return common.Balance{Currency: currency, Total: total, Available: total, Equity: total}, nil
		}
	}
	return common.ZeroBalance(currency), nil
}

// CreateOrder implements common.Adapter. Kraken supports every unified type,
// including trailing stops expressed as a percentage offset.
func (a *Adapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	params := url.Values{}
	switch req.Type {
	case common.OrderTypeMarket, "":
		params.Set("ordertype", "market")
	case common.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "limitPrice")
		}
		params.Set("ordertype", "limit")
		params.Set("price", formatDecimal(req.LimitPrice))
	case common.OrderTypeStop:
		if req.StopPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "stopPrice")
		}
		params.Set("ordertype", "stop-loss")
		params.Set("price", formatDecimal(req.StopPrice))
	case common.OrderTypeStopLimit:
		if req.StopPrice <= 0 || req.LimitPrice <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "stopPrice", "limitPrice")
		}
		params.Set("ordertype", "stop-loss-limit")
		params.Set("price", formatDecimal(req.StopPrice))
		params.Set("price2", formatDecimal(req.LimitPrice))
	case common.OrderTypeTrailingStop:
		if req.TrailPercent <= 0 {
			return common.Order{}, common.NewValidationError("invalid order", "trailPercent")
		}
		params.Set("ordertype", "trailing-stop")
		params.Set("price", "+"+formatDecimal(req.TrailPercent)+"%")
	default:
		return common.Order{}, &common.UnsupportedOperationError{Venue: Venue, Operation: "order type " + string(req.Type)}
	}
	return a.add(ctx, req, params)
}

func (a *Adapter) add(ctx context.Context, req common.OrderRequest, params url.Values) (common.Order, error) {
	if req.Quantity <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "quantity")
	}
	if err := a.ensure(ctx); err != nil {
		return common.Order{}, err
	}
	params.Set("pair", a.NormalizeSymbol(req.Symbol))
	params.Set("type", strings.ToLower(string(req.Side)))
	params.Set("volume", formatDecimal(req.Quantity))
	if req.ClientOrderID != "" {
		params.Set("cl_ord_id", req.ClientOrderID)
	}

	var res struct {
		TxID []string `json:"txid"`
	}
	if err := a.private(ctx, "createOrder", "AddOrder", params, &res); err != nil {
		return common.Order{}, err
	}
	if len(res.TxID) == 0 {
		return common.Order{}, common.NewAPIError(Venue, "createOrder", 0, errEmptyTxID)
	}
	return common.Order{
		OrderID:       res.TxID[0],
		ClientOrderID: req.ClientOrderID,
		Symbol:        common.Canonicalize(req.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		Status:        common.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// CancelOrder implements common.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, _ string, orderID string) (bool, error) {
	if orderID == "" {
		return false, common.NewValidationError("cancel requires order id", "orderId")
	}
	if err := a.ensure(ctx); err != nil {
		return false, err
	}
	var res struct {
		Count int `json:"count"`
	}
	err := a.private(ctx, "cancelOrder", "CancelOrder", url.Values{"txid": {orderID}}, &res)
	if err != nil {
		if isUnknownOrder(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// GetPositions reports non-fiat holdings valued in USD.
func (a *Adapter) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	all, err := a.balances(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []common.Position
	for _, k := range keys {
		asset := canonicalAsset(k)
		qty := common.ParseFloat(all[k])
		if qty == 0 || isFiat(asset) {
			continue
		}
		p := common.Position{Symbol: asset + "/USD", Side: common.SideBuy, Quantity: qty}
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

func isFiat(asset string) bool {
	switch asset {
	case "USD", "EUR", "GBP", "CAD", "JPY", "CHF", "AUD", "USDT", "USDC":
		return true
	}
	return false
}

// SetStopLoss places a stop-loss (or stop-loss-limit) order.
func (a *Adapter) SetStopLoss(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	req := common.OrderRequest{Symbol: p.Symbol, Side: p.Side, Type: common.OrderTypeStop, Quantity: p.Quantity, StopPrice: p.TriggerPrice}
	if p.LimitPrice > 0 {
		req.Type = common.OrderTypeStopLimit
		req.LimitPrice = p.LimitPrice
	}
	return a.CreateOrder(ctx, req)
}

// SetTakeProfit places Kraken's native take-profit order.
func (a *Adapter) SetTakeProfit(ctx context.Context, p common.ProtectiveOrder) (common.Order, error) {
	if p.TriggerPrice <= 0 {
		return common.Order{}, common.NewValidationError("invalid order", "triggerPrice")
	}
	params := url.Values{"ordertype": {"take-profit"}, "price": {formatDecimal(p.TriggerPrice)}}
	if p.LimitPrice > 0 {
		params.Set("ordertype", "take-profit-limit")
		params.Set("price2", formatDecimal(p.LimitPrice))
	}
	req := common.OrderRequest{
		Symbol: p.Symbol, Side: p.Side, Type: common.OrderTypeLimit,
		Quantity: p.Quantity, LimitPrice: p.TriggerPrice,
	}
	if p.LimitPrice > 0 {
		req.LimitPrice = p.LimitPrice
		req.StopPrice = p.TriggerPrice
	}
	return a.add(ctx, req, params)
}

type krakenOrder struct {
	ClID   string  `json:"cl_ord_id"`
	Status string  `json:"status"`
	OpenTm float64 `json:"opentm"`
	Vol    string  `json:"vol"`
	VolExe string  `json:"vol_exec"`
	Price  string  `json:"price"`
	Descr  struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
		Price2    string `json:"price2"`
	} `json:"descr"`
}

// GetOrderHistory merges open and closed orders. Failures yield an empty list.
func (a *Adapter) GetOrderHistory(ctx context.Context, f common.OrderFilter) ([]common.Order, error) {
	if err := a.ensure(ctx); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	var open struct {
		Open map[string]krakenOrder `json:"open"`
	}
	if err := a.private(ctx, "orderHistory", "OpenOrders", nil, &open); err != nil {
		a.logger.Warn("order history unavailable", zap.Error(err))
		return []common.Order{}, nil
	}
	closedParams := url.Values{}
	if !f.From.IsZero() {
		closedParams.Set("start", strconv.FormatInt(f.From.Unix(), 10))
	}
	if !f.To.IsZero() {
		closedParams.Set("end", strconv.FormatInt(f.To.Unix(), 10))
	}
	var closed struct {
		Closed map[string]krakenOrder `json:"closed"`
	}
	if err := a.private(ctx, "orderHistory", "ClosedOrders", closedParams, &closed); err != nil {
		a.logger.Warn("closed orders unavailable", zap.Error(err))
	}

	orders := make([]common.Order, 0, len(open.Open)+len(closed.Closed))
	for id, o := range open.Open {
		orders = append(orders, a.toOrder(id, o))
	}
	for id, o := range closed.Closed {
		orders = append(orders, a.toOrder(id, o))
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return f.Apply(orders), nil
}

func (a *Adapter) toOrder(id string, o krakenOrder) common.Order {
	side, _ := common.ParseSide(o.Descr.Type)
	sec := int64(o.OpenTm)
	ord := common.Order{
		OrderID:        id,
		ClientOrderID:  o.ClID,
		Symbol:         a.DenormalizeSymbol(o.Descr.Pair),
		Side:           side,
		Quantity:       common.ParseFloat(o.Vol),
		FilledQuantity: common.ParseFloat(o.VolExe),
		AvgFillPrice:   common.ParseFloat(o.Price),
		Status:         mapStatus(o.Status, common.ParseFloat(o.VolExe)),
		CreatedAt:      time.Unix(sec, 0).UTC(),
	}
	switch o.Descr.OrderType {
	case "limit":
		ord.Type = common.OrderTypeLimit
		ord.LimitPrice = common.ParseFloat(o.Descr.Price)
	case "take-profit":
		ord.Type = common.OrderTypeLimit
		ord.LimitPrice = common.ParseFloat(o.Descr.Price)
	case "take-profit-limit":
		ord.Type = common.OrderTypeLimit
		ord.StopPrice = common.ParseFloat(o.Descr.Price)
		ord.LimitPrice = common.ParseFloat(o.Descr.Price2)
	case "stop-loss":
		ord.Type = common.OrderTypeStop
		ord.StopPrice = common.ParseFloat(o.Descr.Price)
	case "stop-loss-limit":
		ord.Type = common.OrderTypeStopLimit
		ord.StopPrice = common.ParseFloat(o.Descr.Price)
		ord.LimitPrice = common.ParseFloat(o.Descr.Price2)
	case "trailing-stop", "trailing-stop-limit":
		ord.Type = common.OrderTypeTrailingStop
	default:
		ord.Type = common.OrderTypeMarket
	}
	return ord
}

func mapStatus(s string, executed float64) common.OrderStatus {
	switch s {
	case "pending":
		return common.StatusPending
	case "open":
		if executed > 0 {
			return common.StatusPartial
		}
		return common.StatusPending
	case "closed":
		return common.StatusFilled
	case "canceled":
		return common.StatusCancelled
	case "expired":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// GetMarketPrice implements common.Adapter.
func (a *Adapter) GetMarketPrice(ctx context.Context, symbol string) (common.Quote, error) {
	var res map[string]struct {
		A []string `json:"a"`
		B []string `json:"b"`
		C []string `json:"c"`
	}
	if err := a.public(ctx, "marketPrice", "Ticker", url.Values{"pair": {a.NormalizeSymbol(symbol)}}, &res); err != nil {
		return common.Quote{}, err
	}
	for _, t := range res {
		return common.Quote{
			Symbol: common.Canonicalize(symbol),
			Ask:    first(t.A),
			Bid:    first(t.B),
			Last:   first(t.C),
			Time:   time.Now().UTC(),
		}, nil
	}
	return common.Quote{}, common.NewAPIError(Venue, "marketPrice", 0, errNoTicker)
}

func first(v []string) float64 {
	if len(v) == 0 {
		return 0
	}
	return common.ParseFloat(v[0])
}

// IsSymbolSupported checks the cached AssetPairs altname set.
func (a *Adapter) IsSymbolSupported(ctx context.Context, symbol string) (bool, error) {
	return a.symbols.Contains(ctx, a.NormalizeSymbol(symbol))
}

// GetFees reads the account's volume-tiered fees; Kraken reports percentages.
func (a *Adapter) GetFees(ctx context.Context, symbol string) (common.FeeSchedule, error) {
	if err := a.ensure(ctx); err != nil {
		return common.FeeSchedule{}, err
	}
	pair := a.NormalizeSymbol(symbol)
	var res struct {
		Fees map[string]struct {
			Fee string `json:"fee"`
		} `json:"fees"`
		FeesMaker map[string]struct {
			Fee string `json:"fee"`
		} `json:"fees_maker"`
	}
	if err := a.private(ctx, "fees", "TradeVolume", url.Values{"pair": {pair}}, &res); err != nil {
		return common.FeeSchedule{}, err
	}
	fs := common.FeeSchedule{Maker: 0.0025, Taker: 0.004}
	for _, v := range res.Fees {
		fs.Taker = common.ParseFloat(v.Fee) / 100
	}
	for _, v := range res.FeesMaker {
		fs.Maker = common.ParseFloat(v.Fee) / 100
	}
	return fs, nil
}

// NormalizeSymbol maps BTC/USD to XBTUSD.
func (a *Adapter) NormalizeSymbol(raw string) string { return a.codec.Normalize(raw) }

// DenormalizeSymbol maps XBTUSD (or the legacy XXBTZUSD) to BTC/USD.
func (a *Adapter) DenormalizeSymbol(s string) string {
	u := strings.ToUpper(s)
	if len(u) == 8 {
		base, okBase := legacyAssets[u[:4]]
		quote, okQuote := legacyAssets[u[4:]]
		if okBase && okQuote {
			return base + "/" + quote
		}
	}
	return a.codec.Denormalize(u)
}
