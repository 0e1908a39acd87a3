package db

import (
	"context"
	"fmt"
)

// SaveTokenState upserts the token pair for (user, venue). Both tokens are
// sealed.
func (d *Database) SaveTokenState(ctx context.Context, ts TokenState) error {
	if ts.UserID == "" {
		return ErrUserIDRequired
	}
	return d.saveToken(ctx, d.DB, ts)
}

func (d *Database) saveToken(ctx context.Context, q querier, ts TokenState) error {
	access, err := d.seal(ts.AccessToken, ownerAAD(ts.UserID, ts.Venue, "access"))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := d.seal(ts.RefreshToken, ownerAAD(ts.UserID, ts.Venue, "refresh"))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO oauth_tokens (user_id, venue, access_token, refresh_token, expires_at,
		                          is_valid, last_refresh_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, venue) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			is_valid = excluded.is_valid,
			last_refresh_error = excluded.last_refresh_error,
			updated_at = excluded.updated_at
	`, ts.UserID, ts.Venue, access, refresh, millis(ts.ExpiresAt), ts.IsValid, ts.LastRefreshError, millis(d.now()))
	if err != nil {
		return fmt.Errorf("upsert token state: %w", err)
	}
	return nil
}

// ListTokenStates returns the decrypted token states of a user.
func (d *Database) ListTokenStates(ctx context.Context, userID string) ([]TokenState, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return d.tokenStates(ctx, d.DB, userID)
}

// GetTokenState returns one token state.
func (d *Database) GetTokenState(ctx context.Context, userID, venue string) (*TokenState, error) {
	states, err := d.ListTokenStates(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range states {
		if states[i].Venue == venue {
			return &states[i], nil
		}
	}
	return nil, ErrNotFound
}

func (d *Database) tokenStates(ctx context.Context, q querier, userID string) ([]TokenState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT venue, access_token, refresh_token, expires_at, is_valid, last_refresh_error, updated_at
		FROM oauth_tokens WHERE user_id = ?
		ORDER BY venue
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query token states: %w", err)
	}

	type rewrite struct{ venue, column, value string }
	var (
		out      []TokenState
		rewrites []rewrite
	)
	for rows.Next() {
		var (
			ts               TokenState
			access, refresh  string
			expires, updated int64
		)
		if err := rows.Scan(&ts.Venue, &access, &refresh, &expires, &ts.IsValid, &ts.LastRefreshError, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan token state: %w", err)
		}
		ts.UserID = userID
		ts.ExpiresAt = fromMillis(expires)
		ts.UpdatedAt = fromMillis(updated)
		for _, f := range []struct {
			column, field, sealed string
			dst                   *string
		}{
			{"access_token", "access", access, &ts.AccessToken},
			{"refresh_token", "refresh", refresh, &ts.RefreshToken},
		} {
			aad := ownerAAD(userID, ts.Venue, f.field)
			if *f.dst, err = d.open(f.sealed, aad); err != nil {
				rows.Close()
				return nil, fmt.Errorf("open %s token for %s: %w", f.field, ts.Venue, err)
			}
			fresh, ok, err := d.reseal(f.sealed, aad)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("reseal %s token for %s: %w", f.field, ts.Venue, err)
			}
			if ok {
				rewrites = append(rewrites, rewrite{ts.Venue, f.column, fresh})
			}
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	// Rows are drained first: the store runs on a single connection.
	for _, rw := range rewrites {
		if _, err := q.ExecContext(ctx,
			`UPDATE oauth_tokens SET `+rw.column+` = ? WHERE user_id = ? AND venue = ?`,
			rw.value, userID, rw.venue); err != nil {
			return nil, fmt.Errorf("rewrite %s for %s: %w", rw.column, rw.venue, err)
		}
	}
	return out, nil
}

// RecordRefreshError notes a failed renewal and leaves is_valid untouched.
func (d *Database) RecordRefreshError(ctx context.Context, userID, venue, message string) error {
	return d.updateToken(ctx, `
		UPDATE oauth_tokens SET last_refresh_error = ?, updated_at = ?
		WHERE user_id = ? AND venue = ?
	`, message, millis(d.now()), userID, venue)
}

// InvalidateToken marks a token unusable until the user re-authorizes.
func (d *Database) InvalidateToken(ctx context.Context, userID, venue, reason string) error {
	return d.updateToken(ctx, `
		UPDATE oauth_tokens SET is_valid = 0, last_refresh_error = ?, updated_at = ?
		WHERE user_id = ? AND venue = ?
	`, reason, millis(d.now()), userID, venue)
}

func (d *Database) updateToken(ctx context.Context, query string, args ...any) error {
	res, err := d.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update token state: %w", err)
	}
	return expectRow(res)
}
