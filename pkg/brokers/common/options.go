package common

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Options configures adapter construction. Zero values select defaults.
type Options struct {
	Sandbox    bool
	BaseURL    string // overrides the venue endpoint (tests, proxies)
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger

	// OnAuthFailure is invoked when an OAuth venue detects an invalid token.
	OnAuthFailure func()
}

// Apply copies transport overrides onto c.
func (o Options) Apply(c *HTTPClient) {
	if o.Timeout > 0 {
		c.Timeout = o.Timeout
	}
	if o.HTTPClient != nil {
		c.HTTP = o.HTTPClient
	}
}

// Log returns the configured logger or a no-op.
func (o Options) Log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Pick returns override when set, else def.
func Pick(override, def string) string {
	if override != "" {
		return override
	}
	return def
}

// DefaultDustValue is the quote-currency value below which a position is dust.
const DefaultDustValue = 1.0

// IsDust reports whether a position is immaterial.
func IsDust(p Position, minValue float64) bool {
	if p.Quantity == 0 {
		return true
	}
	v := p.Value
	if v == 0 && p.CurrentPrice > 0 {
		v = p.Quantity * p.CurrentPrice
	}
	if v < 0 {
		v = -v
	}
	return v > 0 && v < minValue
}
