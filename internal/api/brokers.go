package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"broker-bridge/internal/execution"
	"broker-bridge/internal/gateway"
	"broker-bridge/pkg/brokers/common"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const linkVerifyTimeout = 20 * time.Second

type linkBrokerRequest struct {
	Venue       string             `json:"venue"`
	Sandbox     bool               `json:"sandbox"`
	Credentials common.Credentials `json:"credentials"`
}

func (s *Server) listBrokers(c *gin.Context) {
	links, err := s.accounts.ListBrokerLinks(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"brokers": links})
}

// linkBroker verifies the credentials against the venue before storing
// them encrypted.
func (s *Server) linkBroker(c *gin.Context) {
	var req linkBrokerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, execution.CodeValidation, "invalid request payload")
		return
	}
	userID := CurrentUserID(c)
	venue := strings.ToLower(strings.TrimSpace(req.Venue))
	if venue == "" {
		s.respondProblem(c, common.NewValidationError("venue is required", "venue"))
		return
	}
	creds := req.Credentials
	creds.Sandbox = creds.Sandbox || req.Sandbox

	adapter, err := s.factory.CreateBroker(venue, creds, gateway.Options{Sandbox: creds.Sandbox, AllowSandbox: s.allowSandbox})
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	defer func() {
		if err := common.Close(adapter); err != nil {
			s.logger.Warn("adapter teardown", zap.String("venue", venue), zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(c.Request.Context(), linkVerifyTimeout)
	defer cancel()
	if _, err := adapter.Authenticate(ctx); err != nil {
		s.logger.Info("broker link rejected", zap.String("user_id", userID), zap.String("venue", venue), zap.Error(err))
		s.respondProblem(c, err)
		return
	}

	if err := s.accounts.SaveBrokerLink(c.Request.Context(), userID, venue, creds); err != nil {
		s.respondProblem(c, err)
		return
	}
	s.logger.Info("broker linked", zap.String("user_id", userID), zap.String("venue", venue), zap.Bool("sandbox", creds.Sandbox))
	c.JSON(http.StatusCreated, gin.H{"venue": venue, "sandbox": creds.Sandbox, "isActive": true})
}

func (s *Server) unlinkBroker(c *gin.Context) {
	venue := strings.ToLower(c.Param("venue"))
	if err := s.accounts.DeactivateBrokerLink(c.Request.Context(), CurrentUserID(c), venue); err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
