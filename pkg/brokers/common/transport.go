package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds every outbound venue call.
	DefaultTimeout = 15 * time.Second
	MinTimeout     = 10 * time.Second
	MaxTimeout     = 30 * time.Second

	maxErrorBody = 512
)

// ClampTimeout keeps d inside [MinTimeout, MaxTimeout]; zero selects DefaultTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// Request is one outbound REST call.
type Request struct {
	Op     string // operation name used in errors
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Header http.Header

	// OnResponse, when set, receives the response headers of a 2xx reply.
	OnResponse func(http.Header)
}

// HTTPClient performs bounded, throttled REST calls and maps failures onto the
// shared error taxonomy. It never retries.
type HTTPClient struct {
	Venue   string
	BaseURL string
	Timeout time.Duration

	HTTP    *http.Client
	Limiter *rate.Limiter
	Session *Session
	Logger  *zap.Logger

	// Weights tracks venue-reported request weight from WeightHeader, if set.
	Weights      *RateLimiter
	WeightHeader string
}

// NewHTTPClient returns a client with a per-instance token bucket.
func NewHTTPClient(venue, baseURL string, rps float64, burst int, session *Session, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		Venue:   venue,
		BaseURL: baseURL,
		Timeout: DefaultTimeout,
		HTTP:    &http.Client{},
		Limiter: rate.NewLimiter(rate.Limit(rps), burst),
		Session: session,
		Logger:  logger,
	}
}

// Do executes r and returns the response body. Non-2xx responses come back as
// *BrokerAPIError together with the body so adapters can inspect venue codes.
func (c *HTTPClient) Do(ctx context.Context, r Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, ClampTimeout(c.Timeout))
	defer cancel()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, c.classify(ctx, r.Op, err)
		}
	}

	target := c.BaseURL + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, NewAPIError(c.Venue, r.Op, 0, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, c.classify(ctx, r.Op, err)
	}
	defer res.Body.Close()

	if c.Weights != nil && c.WeightHeader != "" {
		c.Weights.UpdateFromHeader(res.Header.Get(c.WeightHeader))
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, c.classify(ctx, r.Op, err)
	}

	if res.StatusCode == http.StatusUnauthorized {
		if c.Session != nil {
			c.Session.Revoke("venue returned 401")
		}
		c.Logger.Warn("venue rejected credentials",
			zap.String("venue", c.Venue), zap.String("op", r.Op))
	}
	if res.StatusCode >= 300 {
		return data, NewAPIError(c.Venue, r.Op, res.StatusCode, errors.New(truncate(data)))
	}
	if r.OnResponse != nil {
		r.OnResponse(res.Header)
	}
	return data, nil
}

// DoJSON executes r and decodes a successful body into out.
func (c *HTTPClient) DoJSON(ctx context.Context, r Request, out any) error {
	data, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewAPIError(c.Venue, r.Op, 0, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *HTTPClient) classify(ctx context.Context, op string, err error) error {
	if IsTimeoutCause(ctx, err) {
		return &TimeoutError{Venue: c.Venue, Operation: op, Cause: err}
	}
	return NewAPIError(c.Venue, op, 0, err)
}

// IsTimeoutCause reports whether err stems from a deadline rather than a
// cancellation or a hard transport failure.
func IsTimeoutCause(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
