package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

func webhookAAD(userID string) string { return ownerAAD(userID, "webhook", "secret") }

// RotateWebhookSecret issues a new signing secret for the user's webhooks
// and returns it. The previous secret stops verifying immediately.
func (d *Database) RotateWebhookSecret(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrUserIDRequired
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	sealed, err := d.seal(secret, webhookAAD(userID))
	if err != nil {
		return "", fmt.Errorf("seal webhook secret: %w", err)
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE users SET webhook_secret = ?, updated_at = ? WHERE id = ?
	`, sealed, millis(d.now()), userID)
	if err != nil {
		return "", fmt.Errorf("update webhook secret: %w", err)
	}
	if err := expectRow(res); err != nil {
		return "", err
	}
	return secret, nil
}

// WebhookSecret returns the user's current signing secret. A user that
// never issued one gets ErrNotFound.
func (d *Database) WebhookSecret(ctx context.Context, userID string) (string, error) {
	var sealed string
	err := d.DB.QueryRowContext(ctx, `SELECT webhook_secret FROM users WHERE id = ?`, userID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && sealed == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query webhook secret: %w", err)
	}
	secret, err := d.open(sealed, webhookAAD(userID))
	if err != nil {
		return "", fmt.Errorf("open webhook secret: %w", err)
	}
	return secret, nil
}
