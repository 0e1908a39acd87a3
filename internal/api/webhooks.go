package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"broker-bridge/internal/execution"
	"broker-bridge/internal/signal"
	"broker-bridge/pkg/db"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxSignalBody = 64 << 10

// receiveWebhook executes a signal posted by an external alerting system.
// The body must carry an X-Signature HMAC made with the user's webhook
// secret.
func (s *Server) receiveWebhook(c *gin.Context) {
	userID := c.Param("userID")
	venue := strings.ToLower(c.Param("venue"))

	body, ok := readBody(c)
	if !ok {
		return
	}
	secret, err := s.accounts.WebhookSecret(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.respondProblem(c, err)
		return
	}
	// Unknown users and bad signatures look the same to the caller.
	if err != nil || !signal.VerifyWebhookSignature(body, c.GetHeader("X-Signature"), secret) {
		s.logger.Info("webhook signature rejected", zap.String("user_id", userID), zap.String("venue", venue))
		respondError(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "invalid webhook signature")
		return
	}
	s.execute(c, body, userID, venue)
}

// submitSignal executes a signal for the authenticated user.
func (s *Server) submitSignal(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	s.execute(c, body, CurrentUserID(c), strings.ToLower(c.Param("venue")))
}

func (s *Server) execute(c *gin.Context, body []byte, userID, venue string) {
	sig := signal.ParseWebhook(body)
	if sig == nil {
		respondError(c, http.StatusBadRequest, execution.CodeValidation, "payload is not a recognizable trade signal")
		return
	}
	res := s.exec.ExecuteTrade(c.Request.Context(), sig, userID, venue)
	if !res.Success {
		respondError(c, res.StatusCode, res.Code, res.Error)
		return
	}
	c.JSON(res.StatusCode, res)
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignalBody+1))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "unreadable request body")
		return nil, false
	}
	if len(body) > maxSignalBody {
		respondError(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "signal payload too large")
		return nil, false
	}
	return body, true
}

func (s *Server) rotateWebhookSecret(c *gin.Context) {
	secret, err := s.accounts.RotateWebhookSecret(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": secret})
}
