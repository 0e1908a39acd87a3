package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"broker-bridge/internal/execution"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/db"

	"github.com/gin-gonic/gin"
)

type tradeHistoryQuery struct {
	Status string `form:"status"`
	Venue  string `form:"venue"`
	Symbol string `form:"symbol"`
	From   string `form:"from"`
	To     string `form:"to"`
	Limit  int    `form:"limit"`
}

func (q tradeHistoryQuery) filter() (db.TradeFilter, error) {
	f := db.TradeFilter{
		Status: db.TradeStatus(strings.ToUpper(q.Status)),
		Venue:  strings.ToLower(q.Venue),
		Symbol: q.Symbol,
		Limit:  q.Limit,
	}
	switch f.Status {
	case "", db.TradeOpen, db.TradeFilled, db.TradeCancelled:
	default:
		return f, common.NewValidationError("status must be OPEN, FILLED or CANCELLED", "status")
	}
	if q.Symbol != "" {
		f.Symbol = common.Canonicalize(q.Symbol)
	}
	for _, p := range []struct {
		raw string
		dst *time.Time
		key string
	}{{q.From, &f.From, "from"}, {q.To, &f.To, "to"}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p.raw)
		if err != nil {
			return f, common.NewValidationError(p.key+" must be RFC3339", p.key)
		}
		*p.dst = t
	}
	return f, nil
}

func (s *Server) getTradeHistory(c *gin.Context) {
	var q tradeHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, execution.CodeValidation, "invalid query")
		return
	}
	f, err := q.filter()
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	trades, err := s.exec.GetTradeHistory(c.Request.Context(), CurrentUserID(c), f)
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) getActiveTrades(c *gin.Context) {
	trades, err := s.exec.GetActiveTrades(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) closeTrade(c *gin.Context) {
	var req struct {
		ExitPrice float64 `json:"exitPrice"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, execution.CodeValidation, "invalid request payload")
		return
	}
	t, err := s.exec.CloseTrade(c.Request.Context(), CurrentUserID(c), c.Param("id"), req.ExitPrice)
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) cancelTrade(c *gin.Context) {
	t, err := s.exec.CancelTrade(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
