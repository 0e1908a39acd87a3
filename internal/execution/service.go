// Package execution turns normalized signals into venue orders and tracks
// the resulting trades through OPEN -> {FILLED, CANCELLED}.
package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"broker-bridge/internal/events"
	"broker-bridge/internal/gateway"
	"broker-bridge/internal/risk"
	"broker-bridge/internal/signal"
	"broker-bridge/internal/token"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/db"
)

const reconcileTimeout = 15 * time.Second

// UserStore loads the per-user snapshot the gate evaluates.
type UserStore interface {
	LoadTradingState(ctx context.Context, userID string) (*db.UserTradingState, error)
}

// TradeStore persists trades. Transitions are conditional on OPEN and carry
// the stats update in the same transaction.
type TradeStore interface {
	OpenTrade(ctx context.Context, t *db.Trade) error
	CloseTrade(ctx context.Context, userID, tradeID string, c db.Closing) (*db.Trade, error)
	CancelTrade(ctx context.Context, userID, tradeID string) (*db.Trade, error)
	GetTrade(ctx context.Context, userID, tradeID string) (*db.Trade, error)
	ListTrades(ctx context.Context, userID string, f db.TradeFilter) ([]db.Trade, error)
	SetProtectiveOrders(ctx context.Context, userID, tradeID, stopOrderID, takeProfitOrderID string) error
}

// AdapterFactory builds a fresh adapter per call.
type AdapterFactory interface {
	CreateBroker(venue string, creds common.Credentials, opts gateway.Options) (common.Adapter, error)
}

// TokenChecker is the request-scoped OAuth renewal hook.
type TokenChecker interface {
	Check(ctx context.Context, userID string) []token.Outcome
	Hook(userID, venue string) func()
}

// Publisher receives execution events.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Users   UserStore
	Trades  TradeStore
	Factory AdapterFactory
	Gate    *risk.Gate
	Tokens  TokenChecker // optional
	Bus     Publisher    // optional
	Logger  *zap.Logger

	// AllowSandbox overrides the factory's production lock.
	AllowSandbox bool
}

// Service orchestrates trade execution.
type Service struct {
	users        UserStore
	trades       TradeStore
	factory      AdapterFactory
	gate         *risk.Gate
	tokens       TokenChecker
	bus          Publisher
	logger       *zap.Logger
	allowSandbox bool

	now   func() time.Time
	newID func() string
}

// NewService wires a Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := d.Gate
	if gate == nil {
		gate = risk.NewGate(logger)
	}
	return &Service{
		users:        d.Users,
		trades:       d.Trades,
		factory:      d.Factory,
		gate:         gate,
		tokens:       d.Tokens,
		bus:          d.Bus,
		logger:       logger,
		allowSandbox: d.AllowSandbox,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Result is the outcome of ExecuteTrade.
type Result struct {
	Success    bool      `json:"success"`
	Trade      *db.Trade `json:"trade,omitempty"`
	Error      string    `json:"error,omitempty"`
	Code       string    `json:"code,omitempty"`
	StatusCode int       `json:"-"`
}

// ExecuteTrade runs one signal through token check, risk gate, adapter
// submission and persistence. The order is submitted at most once; a
// timeout is reconciled read-only and never resubmitted.
func (s *Service) ExecuteTrade(ctx context.Context, sig *signal.Signal, userID, venue string) Result {
	venue = strings.ToLower(strings.TrimSpace(venue))
	log := s.logger.With(zap.String("user_id", userID), zap.String("venue", venue))
	if sig == nil {
		return s.fail(log, common.NewValidationError("invalid signal", "symbol", "action"))
	}
	log = log.With(zap.String("symbol", sig.Symbol), zap.String("signal_id", sig.ID))

	if s.tokens != nil {
		s.tokens.Check(ctx, userID)
	}

	st, err := s.users.LoadTradingState(ctx, userID)
	if err != nil {
		return s.fail(log, fmt.Errorf("load trading state: %w", err))
	}

	qty := st.DefaultQuantity
	if sig.Quantity != nil {
		qty = *sig.Quantity
	}
	if qty <= 0 {
		return s.fail(log, common.NewValidationError("signal has no quantity and no default is configured", "quantity"))
	}
	intent := risk.Order{Venue: venue, Symbol: sig.Symbol, Side: sig.Side(), Quantity: qty}
	if sig.Price != nil {
		intent.Price = *sig.Price
	}

	if d := s.gate.Precheck(ctx, st, intent); !d.Allowed {
		return s.deny(log, st.UserID, intent, d)
	}

	adapter, err := s.adapterFor(ctx, st, venue)
	if err != nil {
		return s.fail(log, err)
	}
	defer s.release(log, adapter)

	valuer := newAdapterValuer(adapter, sig.Symbol)
	if d := s.gate.CheckPositionSize(ctx, st, intent, valuer); !d.Allowed {
		return s.deny(log, st.UserID, intent, d)
	}

	req := common.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          intent.Side,
		Type:          common.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: s.newID(),
	}
	submittedAt := s.now()
	order, err := adapter.CreateOrder(ctx, req)
	if err != nil {
		if !common.IsTimeout(err) {
			return s.fail(log, err)
		}
		found, ok := s.reconcile(ctx, log, adapter, req, submittedAt)
		if !ok {
			s.publish(events.EventOrderUnknown, events.OrderUnknownEvent{
				UserID: userID, Venue: venue, Symbol: sig.Symbol, ClientOrderID: req.ClientOrderID, At: s.now(),
			})
			return s.fail(log, err)
		}
		order = found
	}
	if order.Status == common.StatusRejected {
		return s.fail(log, common.NewAPIError(venue, "createOrder", http.StatusUnprocessableEntity, errors.New("order rejected by venue")))
	}

	trade := &db.Trade{
		ID:             s.newID(),
		UserID:         userID,
		Venue:          venue,
		OrderID:        order.OrderID,
		ClientOrderID:  req.ClientOrderID,
		Symbol:         sig.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       qty,
		FilledQuantity: order.FilledQuantity,
		EntryPrice:     entryPrice(order, intent.Price, valuer.lastPrice),
		TimeInForce:    order.TimeInForce,
		OrderStatus:    order.Status,
		SignalID:       sig.ID,
		SignalSource:   sig.Source,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.trades.OpenTrade(ctx, trade); err != nil {
		log.Error("order accepted by venue but not recorded",
			zap.String("order_id", order.OrderID), zap.String("client_order_id", req.ClientOrderID), zap.Error(err))
		return s.fail(log, err)
	}

	s.attachProtection(ctx, log, adapter, trade, sig)

	log.Info("trade opened",
		zap.String("trade_id", trade.ID), zap.String("order_id", trade.OrderID),
		zap.Float64("quantity", qty), zap.Float64("entry_price", trade.EntryPrice))
	s.publish(events.EventTradeOpened, events.TradeEvent{
		UserID: userID, TradeID: trade.ID, Venue: venue, Symbol: trade.Symbol, Side: string(trade.Side),
		Quantity: qty, Price: trade.EntryPrice, At: trade.CreatedAt,
	})
	return Result{Success: true, Trade: trade, StatusCode: http.StatusCreated}
}

// adapterFor builds and authenticates an adapter for a linked venue.
func (s *Service) adapterFor(ctx context.Context, st *db.UserTradingState, venue string) (common.Adapter, error) {
	link, ok := st.BrokerConfigs[venue]
	if !ok || !link.IsActive {
		return nil, common.NewValidationError(fmt.Sprintf("broker %s is not linked", venue), "venue")
	}
	if link.TokenInvalid {
		return nil, &common.TokenExpiredError{Venue: venue}
	}
	opts := gateway.Options{Sandbox: link.Sandbox, AllowSandbox: s.allowSandbox}
	if s.tokens != nil {
		opts.OnAuthFailure = s.tokens.Hook(st.UserID, venue)
	}
	adapter, err := s.factory.CreateBroker(venue, link.Credentials, opts)
	if err != nil {
		return nil, err
	}
	if _, err := adapter.Authenticate(ctx); err != nil {
		_ = common.Close(adapter)
		return nil, err
	}
	return adapter, nil
}

func (s *Service) release(log *zap.Logger, a common.Adapter) {
	if err := common.Close(a); err != nil {
		log.Warn("adapter teardown", zap.Error(err))
	}
}

// reconcile looks the order up by client order id after a timed-out
// submission. It only reads; the order is never sent again.
func (s *Service) reconcile(ctx context.Context, log *zap.Logger, a common.Adapter, req common.OrderRequest, submittedAt time.Time) (common.Order, bool) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	symbol := a.DenormalizeSymbol(a.NormalizeSymbol(req.Symbol))
	history, err := a.GetOrderHistory(rctx, common.OrderFilter{Symbol: symbol, From: submittedAt.Add(-time.Minute)})
	if err != nil {
		log.Warn("reconciliation lookup failed", zap.String("client_order_id", req.ClientOrderID), zap.Error(err))
		return common.Order{}, false
	}
	for _, o := range history {
		if o.ClientOrderID == req.ClientOrderID {
			log.Info("timed-out order found by reconciliation",
				zap.String("client_order_id", req.ClientOrderID), zap.String("order_id", o.OrderID))
			return o, true
		}
	}
	log.Error("order state unknown after timeout", zap.String("client_order_id", req.ClientOrderID))
	return common.Order{}, false
}

// attachProtection places SL/TP legs from the signal. Failures are logged;
// the trade stays open without them.
func (s *Service) attachProtection(ctx context.Context, log *zap.Logger, a common.Adapter, t *db.Trade, sig *signal.Signal) {
	if sig.StopLoss == nil && sig.TakeProfit == nil {
		return
	}
	leg := common.ProtectiveOrder{Symbol: t.Symbol, Side: t.Side.Opposite(), Quantity: t.Quantity}
	if sig.StopLoss != nil {
		leg.TriggerPrice = *sig.StopLoss
		if o, err := a.SetStopLoss(ctx, leg); err != nil {
			log.Warn("stop loss not placed", zap.String("trade_id", t.ID), zap.Error(err))
		} else {
			t.StopOrderID = o.OrderID
		}
	}
	if sig.TakeProfit != nil {
		leg.TriggerPrice = *sig.TakeProfit
		if o, err := a.SetTakeProfit(ctx, leg); err != nil {
			log.Warn("take profit not placed", zap.String("trade_id", t.ID), zap.Error(err))
		} else {
			t.TakeProfitOrderID = o.OrderID
		}
	}
	if t.StopOrderID == "" && t.TakeProfitOrderID == "" {
		return
	}
	if err := s.trades.SetProtectiveOrders(ctx, t.UserID, t.ID, t.StopOrderID, t.TakeProfitOrderID); err != nil {
		log.Error("protective order ids not recorded", zap.String("trade_id", t.ID), zap.Error(err))
	}
}

func (s *Service) deny(log *zap.Logger, userID string, o risk.Order, d risk.Decision) Result {
	s.publish(events.EventRiskDenied, events.RiskDeniedEvent{
		UserID: userID, Venue: o.Venue, Symbol: o.Symbol, Stage: d.Stage.String(), Reason: d.Reason, At: s.now(),
	})
	return s.fail(log.With(zap.Stringer("stage", d.Stage)), d.Err())
}

// fail logs the full error and returns only the sanitized problem.
func (s *Service) fail(log *zap.Logger, err error) Result {
	p := Classify(err)
	if p.Status >= http.StatusInternalServerError {
		log.Error("trade execution failed", zap.String("code", p.Code), zap.Error(err))
	} else {
		log.Info("trade execution refused", zap.String("code", p.Code), zap.Error(err))
	}
	return Result{Error: p.Message, Code: p.Code, StatusCode: p.Status}
}

func (s *Service) publish(e events.Event, payload any) {
	if s.bus != nil {
		s.bus.Publish(e, payload)
	}
}

// entryPrice prefers the venue fill, then the signal price, then the quote
// used by the position-size check.
func entryPrice(o common.Order, signalPrice, quoted float64) float64 {
	switch {
	case o.AvgFillPrice > 0:
		return o.AvgFillPrice
	case signalPrice > 0:
		return signalPrice
	case o.LimitPrice > 0:
		return o.LimitPrice
	}
	return quoted
}
