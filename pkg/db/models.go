package db

import (
	"time"

	"broker-bridge/pkg/brokers/common"
)

// TradeStatus is the ledger state of a trade.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "OPEN"
	TradeFilled    TradeStatus = "FILLED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// TradingHours is a daily window in a named location. Start and End use
// "15:04"; a window with End before Start wraps past midnight. An empty
// Weekdays list means every day.
type TradingHours struct {
	Start    string         `json:"start"`
	End      string         `json:"end"`
	Location string         `json:"location,omitempty"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// User is the account row with its limits and risk settings.
type User struct {
	ID                   string        `json:"id"`
	Email                string        `json:"email"`
	Tier                 string        `json:"tier"`
	SignalsPerDay        int           `json:"signalsPerDay"`
	MaxBrokers           int           `json:"maxBrokers"`
	MaxPositionSize      float64       `json:"maxPositionSize"`
	DailyLossLimit       float64       `json:"dailyLossLimit"`
	DefaultQuantity      float64       `json:"defaultQuantity"`
	CircuitBreakerActive bool          `json:"circuitBreakerActive"`
	TradingHours         *TradingHours `json:"tradingHours,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
}

// UserStats are the aggregates every trade transition updates.
type UserStats struct {
	TotalTrades     int     `json:"totalTrades"`
	OpenTrades      int     `json:"openTrades"`
	WinningTrades   int     `json:"winningTrades"`
	LosingTrades    int     `json:"losingTrades"`
	CancelledTrades int     `json:"cancelledTrades"`
	TotalPnL        float64 `json:"totalPnl"`
}

// BrokerLink is one venue a user has connected. Credentials stay out of
// JSON.
type BrokerLink struct {
	Venue        string             `json:"venue"`
	Credentials  common.Credentials `json:"-"`
	IsActive     bool               `json:"isActive"`
	Sandbox      bool               `json:"sandbox"`
	TokenInvalid bool               `json:"tokenInvalid,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// UserTradingState is the snapshot the risk gate evaluates. It is read
// once per execution and never refreshed mid-pipeline.
type UserTradingState struct {
	UserID               string
	Tier                 string
	SignalsPerDay        int
	MaxBrokers           int
	SignalsUsedToday     int
	MaxPositionSize      float64
	DailyLossLimit       float64
	RealizedLossToday    float64
	TradingHours         *TradingHours
	CircuitBreakerActive bool
	DefaultQuantity      float64
	BrokerConfigs        map[string]BrokerLink
	UserStats
	LoadedAt time.Time
}

// Trade is the ledger record of an executed order.
type Trade struct {
	ID                string             `json:"id"`
	UserID            string             `json:"userId"`
	Venue             string             `json:"venue"`
	OrderID           string             `json:"orderId"`
	ClientOrderID     string             `json:"clientOrderId,omitempty"`
	Symbol            string             `json:"symbol"`
	Side              common.Side        `json:"side"`
	Type              common.OrderType   `json:"type"`
	Quantity          float64            `json:"quantity"`
	FilledQuantity    float64            `json:"filledQuantity"`
	EntryPrice        float64            `json:"entryPrice"`
	ExitPrice         float64            `json:"exitPrice,omitempty"`
	LimitPrice        float64            `json:"limitPrice,omitempty"`
	StopPrice         float64            `json:"stopPrice,omitempty"`
	TimeInForce       common.TimeInForce `json:"timeInForce,omitempty"`
	OrderStatus       common.OrderStatus `json:"orderStatus"`
	Status            TradeStatus        `json:"status"`
	ProfitLoss        float64            `json:"profitLoss"`
	ProfitLossPercent float64            `json:"profitLossPercent"`
	SignalID          string             `json:"signalId,omitempty"`
	SignalSource      string             `json:"signalSource,omitempty"`
	StopOrderID       string             `json:"stopOrderId,omitempty"`
	TakeProfitOrderID string             `json:"takeProfitOrderId,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	ClosedAt          *time.Time         `json:"closedAt,omitempty"`
}

// Closing carries the computed outcome of a close.
type Closing struct {
	ExitPrice         float64
	ProfitLoss        float64
	ProfitLossPercent float64
	ClosedAt          time.Time
}

// TradeFilter narrows ListTrades. Zero values mean "any".
type TradeFilter struct {
	Status TradeStatus
	Venue  string
	Symbol string
	From   time.Time
	To     time.Time
	Limit  int
}

// TokenState is the OAuth token pair for one (user, venue).
type TokenState struct {
	UserID           string
	Venue            string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	IsValid          bool
	LastRefreshError string
	UpdatedAt        time.Time
}
