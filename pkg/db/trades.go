package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"
)

const tradeColumns = `id, user_id, venue, order_id, client_order_id, symbol, side, order_type,
	quantity, filled_quantity, entry_price, exit_price, limit_price, stop_price, time_in_force,
	order_status, status, profit_loss, profit_loss_percent, signal_id, signal_source,
	stop_order_id, take_profit_order_id, created_at, closed_at`

// OpenTrade records an accepted order as an OPEN trade and, in the same
// transaction, counts it against today's usage and the user's stats.
func (d *Database) OpenTrade(ctx context.Context, t *Trade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	if t.ID == "" || t.Venue == "" || t.OrderID == "" {
		return errors.New("trade id, venue and order id are required")
	}
	now := d.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
	t.Status = TradeOpen
	today := d.today()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trades (`+tradeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, t.ID, t.UserID, t.Venue, t.OrderID, t.ClientOrderID, t.Symbol, string(t.Side), string(t.Type),
			t.Quantity, t.FilledQuantity, t.EntryPrice, t.ExitPrice, t.LimitPrice, t.StopPrice, string(t.TimeInForce),
			string(t.OrderStatus), string(t.Status), t.ProfitLoss, t.ProfitLossPercent, t.SignalID, t.SignalSource,
			t.StopOrderID, t.TakeProfitOrderID, millis(t.CreatedAt))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrDuplicateOrder
			}
			return fmt.Errorf("insert trade: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE users SET
				signals_used_today = CASE WHEN usage_date = ? THEN signals_used_today + 1 ELSE 1 END,
				usage_date = ?,
				total_trades = total_trades + 1,
				open_trades = open_trades + 1,
				updated_at = ?
			WHERE id = ?
		`, today, today, millis(now), t.UserID)
		if err != nil {
			return fmt.Errorf("increment usage: %w", err)
		}
		return expectRow(res)
	})
}

// CloseTrade moves an OPEN trade to FILLED with its outcome and folds the
// result into the user's stats atomically. A trade that is no longer OPEN
// yields ErrNotOpen.
func (d *Database) CloseTrade(ctx context.Context, userID, tradeID string, c Closing) (*Trade, error) {
	if c.ClosedAt.IsZero() {
		c.ClosedAt = d.now()
	}
	var out *Trade
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE trades SET status = 'FILLED', exit_price = ?, profit_loss = ?,
			                  profit_loss_percent = ?, closed_at = ?
			WHERE id = ? AND user_id = ? AND status = 'OPEN'
		`, c.ExitPrice, c.ProfitLoss, c.ProfitLossPercent, millis(c.ClosedAt), tradeID, userID)
		if err != nil {
			return fmt.Errorf("close trade: %w", err)
		}
		if err := d.transitioned(ctx, tx, res, userID, tradeID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET
				open_trades = MAX(open_trades - 1, 0),
				winning_trades = winning_trades + CASE WHEN ? > 0 THEN 1 ELSE 0 END,
				losing_trades = losing_trades + CASE WHEN ? < 0 THEN 1 ELSE 0 END,
				total_pnl = total_pnl + ?,
				updated_at = ?
			WHERE id = ?
		`, c.ProfitLoss, c.ProfitLoss, c.ProfitLoss, millis(d.now()), userID); err != nil {
			return fmt.Errorf("record trade result: %w", err)
		}
		out, err = getTrade(ctx, tx, userID, tradeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelTrade moves an OPEN trade to CANCELLED and updates the stats in the
// same transaction.
func (d *Database) CancelTrade(ctx context.Context, userID, tradeID string) (*Trade, error) {
	now := d.now()
	var out *Trade
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE trades SET status = 'CANCELLED', order_status = 'CANCELLED', closed_at = ?
			WHERE id = ? AND user_id = ? AND status = 'OPEN'
		`, millis(now), tradeID, userID)
		if err != nil {
			return fmt.Errorf("cancel trade: %w", err)
		}
		if err := d.transitioned(ctx, tx, res, userID, tradeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET open_trades = MAX(open_trades - 1, 0),
			                 cancelled_trades = cancelled_trades + 1,
			                 updated_at = ?
			WHERE id = ?
		`, millis(now), userID); err != nil {
			return fmt.Errorf("record cancellation: %w", err)
		}
		out, err = getTrade(ctx, tx, userID, tradeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transitioned distinguishes "no such trade" from "not OPEN" when a
// conditional update touched nothing.
func (d *Database) transitioned(ctx context.Context, tx *sql.Tx, res sql.Result, userID, tradeID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM trades WHERE id = ? AND user_id = ?`, tradeID, userID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query trade status: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrNotOpen, status)
}

// SetProtectiveOrders stores the venue ids of the SL/TP legs.
func (d *Database) SetProtectiveOrders(ctx context.Context, userID, tradeID, stopOrderID, takeProfitOrderID string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET stop_order_id = ?, take_profit_order_id = ?
		WHERE id = ? AND user_id = ?
	`, stopOrderID, takeProfitOrderID, tradeID, userID)
	if err != nil {
		return fmt.Errorf("update protective orders: %w", err)
	}
	return expectRow(res)
}

// GetTrade returns one of the user's trades.
func (d *Database) GetTrade(ctx context.Context, userID, tradeID string) (*Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return getTrade(ctx, d.DB, userID, tradeID)
}

func getTrade(ctx context.Context, q querier, userID, tradeID string) (*Trade, error) {
	row := q.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ? AND user_id = ?`, tradeID, userID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trade: %w", err)
	}
	return t, nil
}

// ListTrades returns the user's trades, newest first. The result is never
// nil.
func (d *Database) ListTrades(ctx context.Context, userID string, f TradeFilter) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var (
		where = []string{"user_id = ?"}
		args  = []any{userID}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Venue != "" {
		where = append(where, "venue = ?")
		args = append(args, f.Venue)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, millis(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, millis(f.To))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (*Trade, error) {
	var (
		t                                   Trade
		side, typ, tif, orderStatus, status string
		created                             int64
		closed                              sql.NullInt64
	)
	err := s.Scan(&t.ID, &t.UserID, &t.Venue, &t.OrderID, &t.ClientOrderID, &t.Symbol, &side, &typ,
		&t.Quantity, &t.FilledQuantity, &t.EntryPrice, &t.ExitPrice, &t.LimitPrice, &t.StopPrice, &tif,
		&orderStatus, &status, &t.ProfitLoss, &t.ProfitLossPercent, &t.SignalID, &t.SignalSource,
		&t.StopOrderID, &t.TakeProfitOrderID, &created, &closed)
	if err != nil {
		return nil, err
	}
	t.Side = common.Side(side)
	t.Type = common.OrderType(typ)
	t.TimeInForce = common.TimeInForce(tif)
	t.OrderStatus = common.OrderStatus(orderStatus)
	t.Status = TradeStatus(status)
	t.CreatedAt = fromMillis(created)
	if closed.Valid {
		at := time.UnixMilli(closed.Int64).UTC()
		t.ClosedAt = &at
	}
	return &t, nil
}
