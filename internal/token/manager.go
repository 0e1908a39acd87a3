// Package token keeps OAuth-linked venues usable. Renewal is request
// scoped: callers run Check at the start of an authenticated operation and
// the result never blocks that operation.
package token

import (
	"context"
	"time"

	"go.uber.org/zap"

	"broker-bridge/internal/events"
	"broker-bridge/pkg/db"
)

const (
	// DefaultThreshold is how close to expiry a token must be to renew.
	DefaultThreshold = 5 * time.Minute
	renewTimeout     = 10 * time.Second
)

// Store is the token persistence the manager needs.
type Store interface {
	ListTokenStates(ctx context.Context, userID string) ([]db.TokenState, error)
	SaveTokenState(ctx context.Context, ts db.TokenState) error
	RecordRefreshError(ctx context.Context, userID, venue, message string) error
	InvalidateToken(ctx context.Context, userID, venue, reason string) error
}

// Renewer exchanges a refresh token for a new pair.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (Pair, error)
}

// Pair is a renewed token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Publisher receives token.refresh_failed events.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Outcome describes what Check did for one venue.
type Outcome struct {
	Venue   string
	Renewed bool
	Err     string
}

// Manager renews tokens that are about to expire.
type Manager struct {
	store    Store
	renewers map[string]Renewer
	bus      Publisher
	logger   *zap.Logger

	Threshold time.Duration
	Now       func() time.Time
}

// NewManager returns a manager with the default threshold.
func NewManager(store Store, renewers map[string]Renewer, bus Publisher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		renewers:  renewers,
		bus:       bus,
		logger:    logger,
		Threshold: DefaultThreshold,
		Now:       time.Now,
	}
}

// Check renews every valid token of the user whose remaining lifetime is
// inside (0, Threshold). Failures are logged and recorded on the token
// state; they never propagate.
func (m *Manager) Check(ctx context.Context, userID string) []Outcome {
	states, err := m.store.ListTokenStates(ctx, userID)
	if err != nil {
		m.logger.Warn("token check skipped", zap.String("user_id", userID), zap.Error(err))
		return nil
	}

	var out []Outcome
	now := m.Now()
	for _, ts := range states {
		if !ts.IsValid || ts.RefreshToken == "" {
			continue
		}
		ttl := ts.ExpiresAt.Sub(now)
		if ttl <= 0 || ttl >= m.Threshold {
			continue
		}
		renewer, ok := m.renewers[ts.Venue]
		if !ok {
			continue
		}
		out = append(out, m.renew(ctx, renewer, ts))
	}
	return out
}

func (m *Manager) renew(ctx context.Context, r Renewer, ts db.TokenState) Outcome {
	log := m.logger.With(zap.String("user_id", ts.UserID), zap.String("venue", ts.Venue))
	rctx, cancel := context.WithTimeout(ctx, renewTimeout)
	defer cancel()

	pair, err := r.Renew(rctx, ts.RefreshToken)
	if err == nil && pair.AccessToken == "" {
		err = errEmptyToken
	}
	if err != nil {
		log.Warn("token renewal failed", zap.Error(err))
		if recErr := m.store.RecordRefreshError(ctx, ts.UserID, ts.Venue, err.Error()); recErr != nil {
			log.Error("record refresh error", zap.Error(recErr))
		}
		if m.bus != nil {
			m.bus.Publish(events.EventTokenRefreshFailed, events.TokenRefreshFailedEvent{
				UserID: ts.UserID, Venue: ts.Venue, Error: err.Error(), At: m.Now(),
			})
		}
		return Outcome{Venue: ts.Venue, Err: err.Error()}
	}

	if pair.RefreshToken == "" {
		pair.RefreshToken = ts.RefreshToken
	}
	err = m.store.SaveTokenState(ctx, db.TokenState{
		UserID:       ts.UserID,
		Venue:        ts.Venue,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		IsValid:      true,
	})
	if err != nil {
		log.Error("save renewed token", zap.Error(err))
		return Outcome{Venue: ts.Venue, Err: err.Error()}
	}
	log.Info("token renewed", zap.Time("expires_at", pair.ExpiresAt))
	return Outcome{Venue: ts.Venue, Renewed: true}
}

// Invalidate marks a venue's token unusable after the venue rejected it.
func (m *Manager) Invalidate(ctx context.Context, userID, venue string) {
	if err := m.store.InvalidateToken(ctx, userID, venue, "rejected by venue"); err != nil {
		m.logger.Warn("invalidate token", zap.String("user_id", userID), zap.String("venue", venue), zap.Error(err))
		return
	}
	m.logger.Info("token invalidated", zap.String("user_id", userID), zap.String("venue", venue))
}

// Hook returns an adapter auth-failure callback bound to (user, venue).
func (m *Manager) Hook(userID, venue string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
		defer cancel()
		m.Invalidate(ctx, userID, venue)
	}
}
