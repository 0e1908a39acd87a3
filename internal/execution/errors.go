package execution

import (
	"errors"
	"fmt"
	"net/http"

	"broker-bridge/internal/gateway"
	"broker-bridge/internal/registry"
	"broker-bridge/internal/risk"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/db"
)

// AlreadyClosedError rejects a transition on a trade that is no longer OPEN.
type AlreadyClosedError struct {
	TradeID string
	Status  db.TradeStatus
}

func (e *AlreadyClosedError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("trade %s is already closed", e.TradeID)
	}
	return fmt.Sprintf("trade %s is already %s", e.TradeID, e.Status)
}

// Error codes returned to API callers.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeUnsupported    = "UNSUPPORTED_OPERATION"
	CodeAuthentication = "AUTHENTICATION_FAILED"
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeRiskDenied     = "RISK_DENIED"
	CodeSandboxLocked  = "SANDBOX_LOCKED"
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyClosed  = "ALREADY_CLOSED"
	CodeDuplicateOrder = "DUPLICATE_ORDER"
	CodeBrokerAPI      = "BROKER_API_ERROR"
	CodeBrokerDown     = "BROKER_UNAVAILABLE"
	CodeTimeout        = "BROKER_TIMEOUT"
	CodeInternal       = "INTERNAL_ERROR"
)

// Problem is the sanitized view of an error that is safe to return to a
// caller. Venue payloads and credentials never appear in Message.
type Problem struct {
	Status  int
	Code    string
	Message string
}

// Classify maps an error onto its HTTP status, code and public message.
func Classify(err error) Problem {
	var (
		validation  *common.ValidationError
		unsupported *common.UnsupportedOperationError
		auth        *common.AuthenticationError
		expired     *common.TokenExpiredError
		denied      *risk.DeniedError
		closed      *AlreadyClosedError
		api         *common.BrokerAPIError
		timeout     *common.TimeoutError
	)
	switch {
	case err == nil:
		return Problem{Status: http.StatusOK}
	case errors.As(err, &validation):
		return Problem{http.StatusBadRequest, CodeValidation, validation.Error()}
	case errors.As(err, &unsupported):
		return Problem{http.StatusBadRequest, CodeUnsupported, unsupported.Error()}
	case errors.Is(err, gateway.ErrVenueUnavailable), errors.Is(err, gateway.ErrNoConstructor):
		return Problem{http.StatusBadRequest, CodeUnsupported, "venue is not available"}
	case errors.As(err, &expired):
		return Problem{http.StatusUnauthorized, CodeTokenExpired, "broker authorization expired, re-link the account"}
	case errors.As(err, &auth):
		return Problem{http.StatusUnauthorized, CodeAuthentication, "broker authentication failed"}
	case errors.As(err, &denied):
		return Problem{http.StatusForbidden, CodeRiskDenied, denied.Reason}
	case errors.Is(err, gateway.ErrSandboxLocked):
		return Problem{http.StatusForbidden, CodeSandboxLocked, "sandbox trading is disabled"}
	case errors.Is(err, db.ErrBrokerLimit):
		return Problem{http.StatusForbidden, CodeRiskDenied, "broker link limit reached for this plan"}
	case errors.Is(err, db.ErrNotFound), errors.Is(err, registry.ErrVenueNotFound), errors.Is(err, registry.ErrNoCandidate):
		return Problem{http.StatusNotFound, CodeNotFound, "not found"}
	case errors.As(err, &closed):
		return Problem{http.StatusConflict, CodeAlreadyClosed, closed.Error()}
	case errors.Is(err, db.ErrDuplicateOrder):
		return Problem{http.StatusConflict, CodeDuplicateOrder, "order already recorded"}
	case errors.As(err, &timeout):
		return Problem{http.StatusGatewayTimeout, CodeTimeout, "broker did not respond in time, order state unknown"}
	case errors.As(err, &api):
		if api.StatusCode == http.StatusServiceUnavailable {
			return Problem{http.StatusServiceUnavailable, CodeBrokerDown, "broker is unavailable"}
		}
		return Problem{http.StatusBadGateway, CodeBrokerAPI, "broker request failed"}
	}
	return Problem{http.StatusInternalServerError, CodeInternal, "internal error"}
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	return Classify(err).Status
}
