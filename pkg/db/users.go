package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateUser inserts a user row. Zero limits fall back to the column
// defaults of the free tier.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrUserIDRequired
	}
	if u.Tier == "" {
		u.Tier = "free"
	}
	if u.SignalsPerDay == 0 {
		u.SignalsPerDay = 10
	}
	if u.MaxBrokers == 0 {
		u.MaxBrokers = 1
	}
	if u.MaxPositionSize == 0 {
		u.MaxPositionSize = 0.1
	}
	hours, err := encodeHours(u.TradingHours)
	if err != nil {
		return err
	}
	now := millis(d.now())
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, tier, signals_per_day, max_brokers, usage_date,
		                   max_position_size, daily_loss_limit, default_quantity,
		                   circuit_breaker, trading_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Tier, u.SignalsPerDay, u.MaxBrokers, d.today(),
		u.MaxPositionSize, u.DailyLossLimit, u.DefaultQuantity,
		u.CircuitBreakerActive, hours, now, now)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by id.
func (d *Database) GetUser(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var (
		u       User
		hours   string
		created int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, tier, signals_per_day, max_brokers, max_position_size,
		       daily_loss_limit, default_quantity, circuit_breaker, trading_hours, created_at
		FROM users WHERE id = ?
	`, userID).Scan(&u.ID, &u.Email, &u.Tier, &u.SignalsPerDay, &u.MaxBrokers, &u.MaxPositionSize,
		&u.DailyLossLimit, &u.DefaultQuantity, &u.CircuitBreakerActive, &hours, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if u.TradingHours, err = decodeHours(hours); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// UpdateRiskSettings replaces the user's risk settings and trading window.
func (d *Database) UpdateRiskSettings(ctx context.Context, userID string, maxPositionSize, dailyLossLimit, defaultQuantity float64, hours *TradingHours) error {
	encoded, err := encodeHours(hours)
	if err != nil {
		return err
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE users SET max_position_size = ?, daily_loss_limit = ?, default_quantity = ?,
		                 trading_hours = ?, updated_at = ?
		WHERE id = ?
	`, maxPositionSize, dailyLossLimit, defaultQuantity, encoded, millis(d.now()), userID)
	if err != nil {
		return fmt.Errorf("update risk settings: %w", err)
	}
	return expectRow(res)
}

// SetLimits applies a tier change from the billing side.
func (d *Database) SetLimits(ctx context.Context, userID, tier string, signalsPerDay, maxBrokers int) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE users SET tier = ?, signals_per_day = ?, max_brokers = ?, updated_at = ?
		WHERE id = ?
	`, tier, signalsPerDay, maxBrokers, millis(d.now()), userID)
	if err != nil {
		return fmt.Errorf("update limits: %w", err)
	}
	return expectRow(res)
}

// SetCircuitBreaker toggles the manual trading halt.
func (d *Database) SetCircuitBreaker(ctx context.Context, userID string, active bool) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE users SET circuit_breaker = ?, updated_at = ? WHERE id = ?
	`, active, millis(d.now()), userID)
	if err != nil {
		return fmt.Errorf("update circuit breaker: %w", err)
	}
	return expectRow(res)
}

// LoadTradingState reads one consistent snapshot of everything the risk
// gate needs. A stale usage_date resets the daily counter first.
func (d *Database) LoadTradingState(ctx context.Context, userID string) (*UserTradingState, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	now := d.now().UTC()
	today := now.Format(time.DateOnly)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	st := &UserTradingState{
		UserID:        userID,
		BrokerConfigs: make(map[string]BrokerLink),
		LoadedAt:      now,
	}
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET signals_used_today = 0, usage_date = ?
			WHERE id = ? AND usage_date <> ?
		`, today, userID, today); err != nil {
			return fmt.Errorf("reset usage: %w", err)
		}

		var hours string
		err := tx.QueryRowContext(ctx, `
			SELECT tier, signals_per_day, max_brokers, signals_used_today, max_position_size,
			       daily_loss_limit, default_quantity, circuit_breaker, trading_hours,
			       total_trades, open_trades, winning_trades, losing_trades, cancelled_trades, total_pnl
			FROM users WHERE id = ?
		`, userID).Scan(&st.Tier, &st.SignalsPerDay, &st.MaxBrokers, &st.SignalsUsedToday, &st.MaxPositionSize,
			&st.DailyLossLimit, &st.DefaultQuantity, &st.CircuitBreakerActive, &hours,
			&st.TotalTrades, &st.OpenTrades, &st.WinningTrades, &st.LosingTrades, &st.CancelledTrades, &st.TotalPnL)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query user state: %w", err)
		}
		if st.TradingHours, err = decodeHours(hours); err != nil {
			return err
		}

		var net sql.NullFloat64
		if err := tx.QueryRowContext(ctx, `
			SELECT SUM(profit_loss) FROM trades
			WHERE user_id = ? AND status = 'FILLED' AND closed_at >= ?
		`, userID, dayStart.UnixMilli()).Scan(&net); err != nil {
			return fmt.Errorf("sum realized pnl: %w", err)
		}
		if net.Valid && net.Float64 < 0 {
			st.RealizedLossToday = -net.Float64
		}

		links, err := d.brokerLinks(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, l := range links {
			st.BrokerConfigs[l.Venue] = l
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func encodeHours(h *TradingHours) (string, error) {
	if h == nil {
		return "", nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode trading hours: %w", err)
	}
	return string(raw), nil
}

func decodeHours(s string) (*TradingHours, error) {
	if s == "" {
		return nil, nil
	}
	var h TradingHours
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("decode trading hours: %w", err)
	}
	return &h, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
