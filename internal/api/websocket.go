package api

import (
	"net/http"
	"time"

	"broker-bridge/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader applies the same origin policy as the CORS layer. Clients that
// send no Origin header are not browsers and pass through.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return r.Header.Get("Origin") == "" || s.cors.OriginAllowed(r)
		},
	}
}

// streamedEvents are forwarded to the websocket of the user they concern.
var streamedEvents = []events.Event{
	events.EventTradeOpened,
	events.EventTradeClosed,
	events.EventTradeCancelled,
	events.EventRiskDenied,
	events.EventOrderUnknown,
	events.EventTokenRefreshFailed,
}

type streamMessage struct {
	Event events.Event `json:"event"`
	Data  any          `json:"data"`
}

// streamEvents upgrades to a websocket and pushes the caller's execution
// events until either side goes away.
func (s *Server) streamEvents(c *gin.Context) {
	if s.bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "event stream not ready")
		return
	}
	userID := CurrentUserID(c)
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	out := make(chan streamMessage, 64)
	for _, e := range streamedEvents {
		ch, unsub := s.bus.Subscribe(e, 16)
		defer unsub()
		go func(e events.Event, ch <-chan any) {
			for payload := range ch {
				if events.UserOf(payload) != userID {
					continue
				}
				select {
				case out <- streamMessage{Event: e, Data: payload}:
				default:
				}
			}
		}(e, ch)
	}

	// The read loop only notices the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("ws write error", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
