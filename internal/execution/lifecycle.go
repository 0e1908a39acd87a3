package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker-bridge/internal/events"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/db"
)

// ComputePnL returns (exit - entry) * quantity * direction and the move as
// a percentage of entry, in exact decimal arithmetic. The percentage is
// rounded to two places.
func ComputePnL(side common.Side, entry, exit, quantity float64) (pnl, pct float64) {
	dir := decimal.NewFromInt(1)
	if side == common.SideSell {
		dir = decimal.NewFromInt(-1)
	}
	e := decimal.NewFromFloat(entry)
	move := decimal.NewFromFloat(exit).Sub(e).Mul(dir)

	pnl, _ = move.Mul(decimal.NewFromFloat(quantity)).Round(8).Float64()
	if e.IsZero() {
		return pnl, 0
	}
	pct, _ = move.Div(e).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return pnl, pct
}

// CloseTrade records the exit of an OPEN trade at exitPrice. Protective
// legs still resting at the venue are cancelled best effort.
func (s *Service) CloseTrade(ctx context.Context, userID, tradeID string, exitPrice float64) (*db.Trade, error) {
	if exitPrice <= 0 {
		return nil, common.NewValidationError("exit price must be positive", "exitPrice")
	}
	t, err := s.openTrade(ctx, userID, tradeID)
	if err != nil {
		return nil, err
	}

	pnl, pct := ComputePnL(t.Side, t.EntryPrice, exitPrice, t.Quantity)
	closed, err := s.trades.CloseTrade(ctx, userID, tradeID, db.Closing{
		ExitPrice:         exitPrice,
		ProfitLoss:        pnl,
		ProfitLossPercent: pct,
		ClosedAt:          s.now().UTC(),
	})
	if err != nil {
		return nil, s.transitionError(tradeID, err)
	}

	log := s.logger.With(zap.String("user_id", userID), zap.String("venue", t.Venue),
		zap.String("symbol", t.Symbol), zap.String("trade_id", tradeID))
	log.Info("trade closed", zap.Float64("exit_price", exitPrice), zap.Float64("pnl", pnl))
	s.cancelProtection(ctx, log, closed)
	s.publish(events.EventTradeClosed, events.TradeEvent{
		UserID: userID, TradeID: tradeID, Venue: closed.Venue, Symbol: closed.Symbol, Side: string(closed.Side),
		Quantity: closed.Quantity, Price: exitPrice, ProfitLoss: pnl, At: s.now(),
	})
	return closed, nil
}

// CancelTrade cancels the venue order of an OPEN trade and marks it
// CANCELLED. Venue cancellation is idempotent, so an order that already
// filled or vanished still lets the ledger move on.
func (s *Service) CancelTrade(ctx context.Context, userID, tradeID string) (*db.Trade, error) {
	t, err := s.openTrade(ctx, userID, tradeID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("user_id", userID), zap.String("venue", t.Venue),
		zap.String("symbol", t.Symbol), zap.String("trade_id", tradeID))

	st, err := s.users.LoadTradingState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load trading state: %w", err)
	}
	adapter, err := s.adapterFor(ctx, st, t.Venue)
	if err != nil {
		return nil, err
	}
	defer s.release(log, adapter)

	ok, err := adapter.CancelOrder(ctx, t.Symbol, t.OrderID)
	if err != nil {
		log.Warn("venue cancel failed", zap.String("order_id", t.OrderID), zap.Error(err))
		return nil, err
	}
	if !ok {
		return nil, common.NewAPIError(t.Venue, "cancelOrder", 0, errors.New("venue refused cancellation"))
	}
	s.cancelLegs(ctx, log, adapter, t)

	cancelled, err := s.trades.CancelTrade(ctx, userID, tradeID)
	if err != nil {
		return nil, s.transitionError(tradeID, err)
	}
	log.Info("trade cancelled", zap.String("order_id", t.OrderID))
	s.publish(events.EventTradeCancelled, events.TradeEvent{
		UserID: userID, TradeID: tradeID, Venue: t.Venue, Symbol: t.Symbol, Side: string(t.Side),
		Quantity: t.Quantity, Price: t.EntryPrice, At: s.now(),
	})
	return cancelled, nil
}

// GetActiveTrades lists the user's OPEN trades.
func (s *Service) GetActiveTrades(ctx context.Context, userID string) ([]db.Trade, error) {
	return s.trades.ListTrades(ctx, userID, db.TradeFilter{Status: db.TradeOpen, Limit: 1000})
}

// GetTradeHistory lists the user's trades matching f, newest first.
func (s *Service) GetTradeHistory(ctx context.Context, userID string, f db.TradeFilter) ([]db.Trade, error) {
	return s.trades.ListTrades(ctx, userID, f)
}

func (s *Service) openTrade(ctx context.Context, userID, tradeID string) (*db.Trade, error) {
	t, err := s.trades.GetTrade(ctx, userID, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != db.TradeOpen {
		return nil, &AlreadyClosedError{TradeID: tradeID, Status: t.Status}
	}
	return t, nil
}

// transitionError turns a lost race on the conditional update into
// AlreadyClosedError.
func (s *Service) transitionError(tradeID string, err error) error {
	if errors.Is(err, db.ErrNotOpen) {
		return &AlreadyClosedError{TradeID: tradeID}
	}
	return err
}

// cancelProtection removes resting SL/TP legs of a closed trade.
func (s *Service) cancelProtection(ctx context.Context, log *zap.Logger, t *db.Trade) {
	if t.StopOrderID == "" && t.TakeProfitOrderID == "" {
		return
	}
	st, err := s.users.LoadTradingState(ctx, t.UserID)
	if err != nil {
		log.Warn("protective legs left open", zap.Error(err))
		return
	}
	adapter, err := s.adapterFor(ctx, st, t.Venue)
	if err != nil {
		log.Warn("protective legs left open", zap.Error(err))
		return
	}
	defer s.release(log, adapter)
	s.cancelLegs(ctx, log, adapter, t)
}

func (s *Service) cancelLegs(ctx context.Context, log *zap.Logger, a common.Adapter, t *db.Trade) {
	for _, id := range []string{t.StopOrderID, t.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := a.CancelOrder(cctx, t.Symbol, id); err != nil {
			log.Warn("protective leg not cancelled", zap.String("order_id", id), zap.Error(err))
		}
		cancel()
	}
}
