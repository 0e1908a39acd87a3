package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"broker-bridge/pkg/brokers/common"
)

// SaveBrokerLink stores (or replaces) a user's credentials for a venue and
// activates the link. Linking a new venue beyond max_brokers fails with
// ErrBrokerLimit. OAuth bundles also seed the token state row.
func (d *Database) SaveBrokerLink(ctx context.Context, userID, venue string, creds common.Credentials) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	sealed, err := d.seal(string(raw), ownerAAD(userID, venue, "credentials"))
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	now := d.now()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		var maxBrokers, active, existing int
		err := tx.QueryRowContext(ctx, `
			SELECT u.max_brokers,
			       (SELECT COUNT(*) FROM broker_configs b WHERE b.user_id = u.id AND b.is_active = 1),
			       (SELECT COUNT(*) FROM broker_configs b WHERE b.user_id = u.id AND b.venue = ? AND b.is_active = 1)
			FROM users u WHERE u.id = ?
		`, venue, userID).Scan(&maxBrokers, &active, &existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("count broker links: %w", err)
		}
		if existing == 0 && active >= maxBrokers {
			return ErrBrokerLimit
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO broker_configs (user_id, venue, credentials, sandbox, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(user_id, venue) DO UPDATE SET
				credentials = excluded.credentials,
				sandbox = excluded.sandbox,
				is_active = 1,
				updated_at = excluded.updated_at
		`, userID, venue, sealed, creds.Sandbox, millis(now), millis(now)); err != nil {
			return fmt.Errorf("upsert broker link: %w", err)
		}

		if creds.AccessToken == "" {
			return nil
		}
		return d.saveToken(ctx, tx, TokenState{
			UserID:       userID,
			Venue:        venue,
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			ExpiresAt:    creds.TokenExpiresAt,
			IsValid:      true,
		})
	})
}

// DeactivateBrokerLink disconnects a venue. The row is kept so the link can
// be re-authorized later.
func (d *Database) DeactivateBrokerLink(ctx context.Context, userID, venue string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE broker_configs SET is_active = 0, updated_at = ?
			WHERE user_id = ? AND venue = ?
		`, millis(d.now()), userID, venue)
		if err != nil {
			return fmt.Errorf("deactivate broker link: %w", err)
		}
		if err := expectRow(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE oauth_tokens SET is_valid = 0, last_refresh_error = 'disconnected', updated_at = ?
			WHERE user_id = ? AND venue = ?
		`, millis(d.now()), userID, venue)
		return err
	})
}

// ListBrokerLinks returns every link of a user, active or not.
func (d *Database) ListBrokerLinks(ctx context.Context, userID string) ([]BrokerLink, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return d.brokerLinks(ctx, d.DB, userID)
}

// brokerLinks decrypts each link and overlays the current OAuth token
// state, so an adapter built from a link always sees the renewed token.
func (d *Database) brokerLinks(ctx context.Context, q querier, userID string) ([]BrokerLink, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT venue, credentials, sandbox, is_active, created_at
		FROM broker_configs WHERE user_id = ?
		ORDER BY venue
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query broker links: %w", err)
	}
	type rawLink struct {
		link   BrokerLink
		sealed string
	}
	var raws []rawLink
	for rows.Next() {
		var (
			r       rawLink
			created int64
		)
		if err := rows.Scan(&r.link.Venue, &r.sealed, &r.link.Sandbox, &r.link.IsActive, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan broker link: %w", err)
		}
		r.link.CreatedAt = fromMillis(created)
		raws = append(raws, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	tokens, err := d.tokenStates(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	byVenue := make(map[string]TokenState, len(tokens))
	for _, t := range tokens {
		byVenue[t.Venue] = t
	}

	links := make([]BrokerLink, 0, len(raws))
	for _, r := range raws {
		aad := ownerAAD(userID, r.link.Venue, "credentials")
		plain, err := d.open(r.sealed, aad)
		if err != nil {
			return nil, fmt.Errorf("open credentials for %s: %w", r.link.Venue, err)
		}
		if fresh, ok, err := d.reseal(r.sealed, aad); err != nil {
			return nil, fmt.Errorf("reseal credentials for %s: %w", r.link.Venue, err)
		} else if ok {
			if _, err := q.ExecContext(ctx, `
				UPDATE broker_configs SET credentials = ? WHERE user_id = ? AND venue = ?
			`, fresh, userID, r.link.Venue); err != nil {
				return nil, fmt.Errorf("rewrite credentials for %s: %w", r.link.Venue, err)
			}
		}
		if plain != "" {
			if err := json.Unmarshal([]byte(plain), &r.link.Credentials); err != nil {
				return nil, fmt.Errorf("decode credentials for %s: %w", r.link.Venue, err)
			}
		}
		r.link.Credentials.Sandbox = r.link.Sandbox
		if tok, ok := byVenue[r.link.Venue]; ok {
			r.link.Credentials.AccessToken = tok.AccessToken
			r.link.Credentials.RefreshToken = tok.RefreshToken
			r.link.Credentials.TokenExpiresAt = tok.ExpiresAt
			r.link.TokenInvalid = !tok.IsValid
		}
		links = append(links, r.link)
	}
	return links, nil
}
