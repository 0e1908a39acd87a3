package events

import "time"

// Event enumerates the topics the execution core publishes.
type Event string

const (
	EventTradeOpened        Event = "trade.opened"
	EventTradeClosed        Event = "trade.closed"
	EventTradeCancelled     Event = "trade.cancelled"
	EventRiskDenied         Event = "risk.denied"
	EventOrderUnknown       Event = "order.unknown"
	EventTokenRefreshFailed Event = "token.refresh_failed"
)

// TradeEvent is the payload of the trade.* topics.
type TradeEvent struct {
	UserID     string    `json:"userId"`
	TradeID    string    `json:"tradeId"`
	Venue      string    `json:"venue"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	ProfitLoss float64   `json:"profitLoss,omitempty"`
	At         time.Time `json:"at"`
}

// RiskDeniedEvent carries the denying stage.
type RiskDeniedEvent struct {
	UserID string    `json:"userId"`
	Venue  string    `json:"venue"`
	Symbol string    `json:"symbol"`
	Stage  string    `json:"stage"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// OrderUnknownEvent flags a submission whose outcome could not be
// reconciled and needs manual review.
type OrderUnknownEvent struct {
	UserID        string    `json:"userId"`
	Venue         string    `json:"venue"`
	Symbol        string    `json:"symbol"`
	ClientOrderID string    `json:"clientOrderId"`
	At            time.Time `json:"at"`
}

// TokenRefreshFailedEvent reports a failed OAuth renewal.
type TokenRefreshFailedEvent struct {
	UserID string    `json:"userId"`
	Venue  string    `json:"venue"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// UserOf returns the user an event payload belongs to ("" if unknown).
func UserOf(payload any) string {
	switch p := payload.(type) {
	case TradeEvent:
		return p.UserID
	case RiskDeniedEvent:
		return p.UserID
	case OrderUnknownEvent:
		return p.UserID
	case TokenRefreshFailedEvent:
		return p.UserID
	}
	return ""
}
