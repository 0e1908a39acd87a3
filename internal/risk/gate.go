// Package risk implements the pre-trade gate: an ordered list of checks
// run against one user snapshot, stopping at the first denial.
package risk

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/db"
)

// Stage identifies one check. The numeric order is the evaluation order.
type Stage int

const (
	StageUsage Stage = iota + 1
	StageTradingHours
	StageDailyLoss
	StageBrokerLink
	StageCircuitBreaker
	StagePositionSize
)

const numStages = int(StagePositionSize)

func (s Stage) String() string {
	switch s {
	case StageUsage:
		return "usage"
	case StageTradingHours:
		return "trading_hours"
	case StageDailyLoss:
		return "daily_loss"
	case StageBrokerLink:
		return "broker_link"
	case StageCircuitBreaker:
		return "circuit_breaker"
	case StagePositionSize:
		return "position_size"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Order is what the gate needs to know about the intended order.
type Order struct {
	Venue    string
	Symbol   string
	Side     common.Side
	Quantity float64
	Price    float64 // 0 asks the Valuer for a quote
}

// Valuer prices an order against the live account. Production values come
// from the venue adapter, never from a configured constant.
type Valuer interface {
	PortfolioValue(ctx context.Context) (float64, error)
	Price(ctx context.Context, symbol string) (float64, error)
}

// Decision is the gate's verdict. Stage is the denying stage, or the last
// stage evaluated when allowed.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Stage   Stage  `json:"stage"`
	Reason  string `json:"reason,omitempty"`
}

// Err converts a denial into a *DeniedError (nil when allowed).
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Stage: d.Stage, Reason: d.Reason}
}

// DeniedError reports which stage refused the order.
type DeniedError struct {
	Stage  Stage
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("risk denied at %s: %s", e.Stage, e.Reason)
}

// Gate evaluates the stages. It holds no per-user state, so one Gate serves
// every request.
type Gate struct {
	// Now is the clock used by the trading-hours stage.
	Now    func() time.Time
	logger *zap.Logger
	counts [numStages + 1]atomic.Int64
}

// NewGate builds a gate on the wall clock.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{Now: time.Now, logger: logger}
}

// Evaluate runs all six stages.
func (g *Gate) Evaluate(ctx context.Context, st *db.UserTradingState, o Order, v Valuer) Decision {
	return g.run(ctx, st, o, v, StageUsage, StagePositionSize)
}

// Precheck runs stages one through five. They need only the snapshot, so
// callers run them before paying for an adapter.
func (g *Gate) Precheck(ctx context.Context, st *db.UserTradingState, o Order) Decision {
	return g.run(ctx, st, o, nil, StageUsage, StageCircuitBreaker)
}

// CheckPositionSize runs the last stage on its own.
func (g *Gate) CheckPositionSize(ctx context.Context, st *db.UserTradingState, o Order, v Valuer) Decision {
	return g.run(ctx, st, o, v, StagePositionSize, StagePositionSize)
}

// StageCount returns how many times a stage has been evaluated.
func (g *Gate) StageCount(s Stage) int64 {
	if s < StageUsage || s > StagePositionSize {
		return 0
	}
	return g.counts[s].Load()
}

func (g *Gate) run(ctx context.Context, st *db.UserTradingState, o Order, v Valuer, from, to Stage) Decision {
	if st == nil {
		return Decision{Stage: from, Reason: "user state unavailable"}
	}
	for s := from; s <= to; s++ {
		g.counts[s].Add(1)
		if reason := g.check(ctx, s, st, o, v); reason != "" {
			g.logger.Debug("risk stage denied",
				zap.String("user_id", st.UserID),
				zap.String("venue", o.Venue),
				zap.String("symbol", o.Symbol),
				zap.Stringer("stage", s),
				zap.String("reason", reason))
			return Decision{Stage: s, Reason: reason}
		}
	}
	return Decision{Allowed: true, Stage: to}
}

// check returns "" when the stage passes, else the denial reason.
func (g *Gate) check(ctx context.Context, s Stage, st *db.UserTradingState, o Order, v Valuer) string {
	switch s {
	case StageUsage:
		return checkUsage(st)
	case StageTradingHours:
		return checkHours(st.TradingHours, g.Now())
	case StageDailyLoss:
		return checkDailyLoss(st)
	case StageBrokerLink:
		return checkBrokerLink(st, o.Venue)
	case StageCircuitBreaker:
		if st.CircuitBreakerActive {
			return "circuit breaker is active"
		}
		return ""
	case StagePositionSize:
		return checkPositionSize(ctx, st, o, v)
	}
	return "unknown stage"
}

func checkUsage(st *db.UserTradingState) string {
	if st.SignalsPerDay < 0 {
		return ""
	}
	if st.SignalsUsedToday >= st.SignalsPerDay {
		return fmt.Sprintf("daily signal limit reached (%d/%d)", st.SignalsUsedToday, st.SignalsPerDay)
	}
	return ""
}

func checkDailyLoss(st *db.UserTradingState) string {
	if st.DailyLossLimit <= 0 {
		return ""
	}
	if st.RealizedLossToday >= st.DailyLossLimit {
		return fmt.Sprintf("daily loss limit reached (%.2f of %.2f)", st.RealizedLossToday, st.DailyLossLimit)
	}
	return ""
}

func checkBrokerLink(st *db.UserTradingState, venue string) string {
	link, ok := st.BrokerConfigs[strings.ToLower(venue)]
	if !ok {
		return fmt.Sprintf("broker %s is not configured", venue)
	}
	if !link.IsActive {
		return fmt.Sprintf("broker %s is not active", venue)
	}
	return ""
}

func checkPositionSize(ctx context.Context, st *db.UserTradingState, o Order, v Valuer) string {
	if o.Quantity <= 0 {
		return "order quantity must be positive"
	}
	if v == nil {
		return "portfolio value unavailable"
	}
	price := o.Price
	if price <= 0 {
		p, err := v.Price(ctx, o.Symbol)
		if err != nil || p <= 0 {
			return fmt.Sprintf("unable to price %s", o.Symbol)
		}
		price = p
	}
	portfolio, err := v.PortfolioValue(ctx)
	if err != nil || portfolio <= 0 {
		return "portfolio value unavailable"
	}

	limit := st.MaxPositionSize
	if limit <= 0 || limit > 1 {
		limit = 1
	}
	notional := o.Quantity * price
	allowed := limit * portfolio
	if notional > allowed {
		return fmt.Sprintf("position size %.2f exceeds %.0f%% of portfolio (%.2f)", notional, limit*100, allowed)
	}
	return ""
}
