package mt5

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"broker-bridge/pkg/brokers/common"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20
)

var errDisconnected = errors.New("gateway connection closed")

type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("mt5 gateway error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// gateway multiplexes JSON-RPC calls over one WebSocket to the terminal
// bridge. Responses are matched to callers by request id.
type gateway struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	logger  *zap.Logger
	onDrop  func()

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan rpcResponse
	closed  bool
}

func newGateway(url string, timeout time.Duration, logger *zap.Logger, onDrop func()) *gateway {
	return &gateway{
		url:     url,
		timeout: common.ClampTimeout(timeout),
		dialer:  &websocket.Dialer{HandshakeTimeout: common.ClampTimeout(timeout)},
		logger:  logger,
		onDrop:  onDrop,
		pending: make(map[uint64]chan rpcResponse),
	}
}

func (g *gateway) connect(ctx context.Context) (*websocket.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errDisconnected
	}
	if g.conn != nil {
		return g.conn, nil
	}
	conn, _, err := g.dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	g.conn = conn
	go g.readLoop(conn)
	g.logger.Info("mt5 gateway connected", zap.String("url", g.url))
	return conn, nil
}

func (g *gateway) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.drop(conn, err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			g.logger.Warn("mt5 gateway sent malformed frame", zap.Error(err))
			continue
		}
		g.mu.Lock()
		ch, ok := g.pending[resp.ID]
		delete(g.pending, resp.ID)
		g.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// drop fails every pending call; the next call redials and logs in again.
func (g *gateway) drop(conn *websocket.Conn, cause error) {
	g.mu.Lock()
	if g.conn != conn {
		g.mu.Unlock()
		return
	}
	g.conn = nil
	pending := g.pending
	g.pending = make(map[uint64]chan rpcResponse)
	closed := g.closed
	g.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		ch <- rpcResponse{Error: &rpcError{Code: -1, Message: errDisconnected.Error()}}
	}
	if !closed {
		g.logger.Warn("mt5 gateway connection lost", zap.Error(cause))
		if g.onDrop != nil {
			g.onDrop()
		}
	}
}

// call sends method and decodes the result into out.
func (g *gateway) call(ctx context.Context, op, method string, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	conn, err := g.connect(ctx)
	if err != nil {
		return g.classify(ctx, op, err)
	}

	id := g.nextID.Add(1)
	ch := make(chan rpcResponse, 1)
	g.mu.Lock()
	g.pending[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	frame, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return common.NewValidationError("encode request: " + err.Error())
	}
	g.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	g.writeMu.Unlock()
	if err != nil {
		return g.classify(ctx, op, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return common.NewAPIError(Venue, op, 0, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return common.NewAPIError(Venue, op, 0, fmt.Errorf("decode result: %w", err))
			}
		}
		return nil
	case <-ctx.Done():
		return g.classify(ctx, op, ctx.Err())
	}
}

func (g *gateway) classify(ctx context.Context, op string, err error) error {
	if common.IsTimeoutCause(ctx, err) {
		return &common.TimeoutError{Venue: Venue, Operation: op, Cause: err}
	}
	return common.NewAPIError(Venue, op, 0, err)
}

func (g *gateway) close() error {
	g.mu.Lock()
	g.closed = true
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return nil
	}
	g.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	g.writeMu.Unlock()
	g.drop(conn, errDisconnected)
	return nil
}
