package api

import (
	"net/http"

	"broker-bridge/internal/execution"
	"broker-bridge/internal/risk"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/db"

	"github.com/gin-gonic/gin"
)

type riskSettings struct {
	MaxPositionSize float64          `json:"maxPositionSize"`
	DailyLossLimit  float64          `json:"dailyLossLimit"`
	DefaultQuantity float64          `json:"defaultQuantity"`
	TradingHours    *db.TradingHours `json:"tradingHours,omitempty"`
}

func (r riskSettings) validate() error {
	if r.MaxPositionSize <= 0 || r.MaxPositionSize > 1 {
		return common.NewValidationError("maxPositionSize must be in (0, 1]", "maxPositionSize")
	}
	if r.DailyLossLimit < 0 {
		return common.NewValidationError("dailyLossLimit must not be negative", "dailyLossLimit")
	}
	if r.DefaultQuantity < 0 {
		return common.NewValidationError("defaultQuantity must not be negative", "defaultQuantity")
	}
	if err := risk.ValidateHours(r.TradingHours); err != nil {
		return common.NewValidationError("invalid tradingHours: "+err.Error(), "tradingHours")
	}
	return nil
}

// getRiskSettings returns the snapshot the risk gate evaluates, minus
// credentials.
func (s *Server) getRiskSettings(c *gin.Context) {
	st, err := s.accounts.LoadTradingState(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tier":                 st.Tier,
		"signalsPerDay":        st.SignalsPerDay,
		"signalsUsedToday":     st.SignalsUsedToday,
		"maxBrokers":           st.MaxBrokers,
		"maxPositionSize":      st.MaxPositionSize,
		"dailyLossLimit":       st.DailyLossLimit,
		"realizedLossToday":    st.RealizedLossToday,
		"defaultQuantity":      st.DefaultQuantity,
		"tradingHours":         st.TradingHours,
		"circuitBreakerActive": st.CircuitBreakerActive,
		"stats":                st.UserStats,
	})
}

func (s *Server) updateRiskSettings(c *gin.Context) {
	var req riskSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, execution.CodeValidation, "invalid request payload")
		return
	}
	if err := req.validate(); err != nil {
		s.respondProblem(c, err)
		return
	}
	err := s.accounts.UpdateRiskSettings(c.Request.Context(), CurrentUserID(c),
		req.MaxPositionSize, req.DailyLossLimit, req.DefaultQuantity, req.TradingHours)
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) setCircuitBreaker(c *gin.Context) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		respondError(c, http.StatusBadRequest, execution.CodeValidation, "active is required")
		return
	}
	if err := s.accounts.SetCircuitBreaker(c.Request.Context(), CurrentUserID(c), *req.Active); err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"circuitBreakerActive": *req.Active})
}
