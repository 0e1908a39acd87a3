package common

import (
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide accepts BUY/SELL in any case.
func ParseSide(v string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	}
	return "", false
}

// OrderType is the unified order-type vocabulary every adapter maps from.
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStop         OrderType = "STOP"
	OrderTypeStopLimit    OrderType = "STOP_LIMIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFDay TimeInForce = "DAY"
)

// OrderStatus normalizes venue status into a closed set.
type OrderStatus string

const (
	StatusPending       OrderStatus = "PENDING"
	StatusPartial       OrderStatus = "PARTIAL"
	StatusFilled        OrderStatus = "FILLED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusPendingCancel OrderStatus = "PENDING_CANCEL"
	StatusExpired       OrderStatus = "EXPIRED"
	StatusRejected      OrderStatus = "REJECTED"
	StatusUnknown       OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether no further transition can happen.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// OrderRequest captures an order intent in canonical form.
type OrderRequest struct {
	Symbol        string // canonical BASE/QUOTE or equity ticker
	Side          Side
	Type          OrderType
	Quantity      float64
	LimitPrice    float64 // LIMIT, STOP_LIMIT
	StopPrice     float64 // STOP, STOP_LIMIT
	TrailPercent  float64 // TRAILING_STOP
	TimeInForce   TimeInForce
	ClientOrderID string
}

// Order is the venue-submitted order in unified form.
type Order struct {
	OrderID        string      `json:"orderId"`
	ClientOrderID  string      `json:"clientOrderId,omitempty"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filledQuantity"`
	AvgFillPrice   float64     `json:"avgFillPrice,omitempty"`
	LimitPrice     float64     `json:"limitPrice,omitempty"`
	StopPrice      float64     `json:"stopPrice,omitempty"`
	TimeInForce    TimeInForce `json:"timeInForce,omitempty"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Balance reports funds for one currency.
type Balance struct {
	Currency    string   `json:"currency"`
	Total       float64  `json:"total"`
	Available   float64  `json:"available"`
	Equity      float64  `json:"equity"`
	BuyingPower *float64 `json:"buyingPower,omitempty"`
}

// ZeroBalance is returned for unknown or empty currencies.
func ZeroBalance(currency string) Balance {
	return Balance{Currency: currency}
}

// Value returns the figure used as portfolio value: equity when reported, else total.
func (b Balance) Value() float64 {
	if b.Equity > 0 {
		return b.Equity
	}
	return b.Total
}

// Position is an open holding at the venue.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entryPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	Value         float64 `json:"value"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Mid returns last, falling back to the bid/ask midpoint.
func (q Quote) Mid() float64 {
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Bid + q.Ask
}

// FeeSchedule holds fractional fee rates (0.001 = 10 bps).
type FeeSchedule struct {
	Maker      float64 `json:"maker"`
	Taker      float64 `json:"taker"`
	Withdrawal float64 `json:"withdrawal"`
}

// OrderFilter narrows GetOrderHistory. Zero values mean "any".
type OrderFilter struct {
	Symbol string
	Status OrderStatus
	From   time.Time
	To     time.Time
	Limit  int
}

// Match reports whether o passes the filter.
func (f OrderFilter) Match(o Order) bool {
	if f.Symbol != "" && !strings.EqualFold(f.Symbol, o.Symbol) {
		return false
	}
	if f.Status != "" && f.Status != o.Status {
		return false
	}
	if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && o.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Apply filters orders and enforces the limit.
func (f OrderFilter) Apply(orders []Order) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if !f.Match(o) {
			continue
		}
		out = append(out, o)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// ProtectiveOrder describes a stop-loss or take-profit leg. Side is the
// closing side, which is the opposite of the position's side.
type ProtectiveOrder struct {
	Symbol       string
	Side         Side
	Quantity     float64
	TriggerPrice float64
	LimitPrice   float64 // optional; makes a stop-limit leg
}
