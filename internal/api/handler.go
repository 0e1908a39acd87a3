package api

import (
	"context"
	"net/http"

	"broker-bridge/internal/events"
	"broker-bridge/internal/execution"
	"broker-bridge/internal/registry"
	"broker-bridge/internal/signal"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Executor is the trade execution surface the routes drive.
type Executor interface {
	ExecuteTrade(ctx context.Context, sig *signal.Signal, userID, venue string) execution.Result
	CloseTrade(ctx context.Context, userID, tradeID string, exitPrice float64) (*db.Trade, error)
	CancelTrade(ctx context.Context, userID, tradeID string) (*db.Trade, error)
	GetActiveTrades(ctx context.Context, userID string) ([]db.Trade, error)
	GetTradeHistory(ctx context.Context, userID string, f db.TradeFilter) ([]db.Trade, error)
}

// WebhookSecrets resolves the per-user secret that signs webhook bodies.
type WebhookSecrets interface {
	WebhookSecret(ctx context.Context, userID string) (string, error)
}

// AccountStore holds the user-owned settings the routes edit.
type AccountStore interface {
	WebhookSecrets
	RotateWebhookSecret(ctx context.Context, userID string) (string, error)
	SaveBrokerLink(ctx context.Context, userID, venue string, creds common.Credentials) error
	DeactivateBrokerLink(ctx context.Context, userID, venue string) error
	ListBrokerLinks(ctx context.Context, userID string) ([]db.BrokerLink, error)
	LoadTradingState(ctx context.Context, userID string) (*db.UserTradingState, error)
	UpdateRiskSettings(ctx context.Context, userID string, maxPositionSize, dailyLossLimit, defaultQuantity float64, hours *db.TradingHours) error
	SetCircuitBreaker(ctx context.Context, userID string, active bool) error
}

// Catalog is the venue discovery surface.
type Catalog interface {
	ListVenues(includePlanned bool) []registry.VenueInfo
	GetVenueInfo(key string) (registry.VenueInfo, error)
	CompareVenues(keys ...string) (registry.Comparison, error)
	RecommendVenue(q registry.Query) (registry.Recommendation, error)
}

// Pinger reports store liveness for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups what the HTTP surface needs.
type Deps struct {
	Executor  Executor
	Accounts  AccountStore
	Catalog   Catalog
	Factory   execution.AdapterFactory
	Bus       *events.Bus
	Health    Pinger
	Logger    *zap.Logger
	JWTSecret string

	AllowSandbox     bool
	CORSOrigins      []string
	WebhookRateLimit float64
}

// Server wires HTTP endpoints around the execution service.
type Server struct {
	Router *gin.Engine

	exec         Executor
	accounts     AccountStore
	catalog      Catalog
	factory      execution.AdapterFactory
	bus          *events.Bus
	health       Pinger
	logger       *zap.Logger
	jwtSecret    string
	allowSandbox bool
	cors         *cors.Cors
	limiter      *ipLimiter
	webhookLimit *ipLimiter
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()

	s := &Server{
		Router:       r,
		exec:         d.Executor,
		accounts:     d.Accounts,
		catalog:      d.Catalog,
		factory:      d.Factory,
		bus:          d.Bus,
		health:       d.Health,
		logger:       logger,
		jwtSecret:    d.JWTSecret,
		allowSandbox: d.AllowSandbox,
		limiter:      newIPLimiter(20, 50),
		webhookLimit: newIPLimiter(d.WebhookRateLimit, 10),
	}
	s.cors = cors.New(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.getHealth)

	v1 := s.Router.Group("/api/v1")
	{
		// Signed by the per-user webhook secret instead of a bearer token.
		v1.POST("/webhooks/:userID/:venue", RateLimitMiddleware(s.webhookLimit, s.logger), s.receiveWebhook)

		v1.GET("/venues", s.listVenues)
		v1.GET("/venues/:venue", s.getVenue)
		v1.POST("/venues/recommend", s.recommendVenue)

		protected := v1.Group("")
		protected.Use(RateLimitMiddleware(s.limiter, s.logger))
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.POST("/signals/:venue", s.submitSignal)
			protected.GET("/trades", s.getTradeHistory)
			protected.GET("/trades/active", s.getActiveTrades)
			protected.POST("/trades/:id/close", s.closeTrade)
			protected.POST("/trades/:id/cancel", s.cancelTrade)

			protected.GET("/brokers", s.listBrokers)
			protected.POST("/brokers", s.linkBroker)
			protected.DELETE("/brokers/:venue", s.unlinkBroker)

			protected.GET("/risk", s.getRiskSettings)
			protected.PUT("/risk", s.updateRiskSettings)
			protected.PUT("/risk/circuit-breaker", s.setCircuitBreaker)
			protected.POST("/webhook-secret", s.rotateWebhookSecret)

			protected.GET("/events", s.streamEvents)
		}
	}
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.Router)
}

func (s *Server) getHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondProblem writes the sanitized view of err; the full error is logged.
func (s *Server) respondProblem(c *gin.Context, err error) {
	p := execution.Classify(err)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	respondError(c, p.Status, p.Code, p.Message)
}
