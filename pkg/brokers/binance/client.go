// Package binance implements the adapter contract for Binance spot.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

const (
	Venue = "binance"

	mainnetURL = "https://api.binance.com"
	testnetURL = "https://testnet.binance.vision"

	// Binance error codes treated as "nothing left to cancel".
	codeUnknownOrder = -2011
	codeNoSuchOrder  = -2013
)

// Adapter is a Binance spot adapter. One instance serves one caller.
type Adapter struct {
	apiKey     string
	apiSecret  string
	recvWindow int64

	http     *common.HTTPClient
	session  *common.Session
	timeSync *common.TimeSync
	symbols  *common.SymbolSet
	codec    common.SymbolCodec
	logger   *zap.Logger
}

// New builds an adapter from validated credentials.
func New(creds common.Credentials, opts common.Options) *Adapter {
	base := mainnetURL
	if opts.Sandbox || creds.Sandbox {
		base = testnetURL
	}
	base = common.Pick(opts.BaseURL, base)

	a := &Adapter{
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		recvWindow: 5000,
		session:    common.NewSession(Venue),
		codec:      common.SymbolCodec{},
		logger:     opts.Log().With(zap.String("venue", Venue)),
	}
	a.http = common.NewHTTPClient(Venue, base, 10, 20, a.session, a.logger)
	a.http.Weights = common.NewRateLimiter(Venue, 6000, time.Minute, a.logger)
	a.http.WeightHeader = "X-MBX-USED-WEIGHT-1M"
	opts.Apply(a.http)

	a.timeSync = common.NewTimeSync(a.serverTime)
	a.symbols = common.NewSymbolSet(a.loadSymbols)
	return a
}

// Venue implements common.Adapter.
func (a *Adapter) Venue() string { return Venue }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// venueCode extracts Binance's numeric error code from a failed response body.
func venueCode(body []byte) int {
	var e apiError
	if json.Unmarshal(body, &e) != nil {
		return 0
	}
	return e.Code
}

func (a *Adapter) public(ctx context.Context, op, path string, params url.Values, out any) error {
	return a.http.DoJSON(ctx, common.Request{Op: op, Method: http.MethodGet, Path: path, Query: params}, out)
}

// signed signs params and performs the request. GET/DELETE carry the signed
// query string, POST sends it as a form body.
func (a *Adapter) signed(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	ts := time.Now().UnixMilli()
	if a.timeSync.Synced() {
		ts = a.timeSync.Now()
	}
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	params.Set("recvWindow", strconv.FormatInt(a.recvWindow, 10))
	encoded := params.Encode()
	signature := sign(encoded, a.apiSecret)

	req := common.Request{
		Op:     op,
		Method: method,
		Path:   path,
		Header: http.Header{"X-MBX-APIKEY": []string{a.apiKey}},
	}
	switch method {
	case http.MethodGet, http.MethodDelete:
		params.Set("signature", signature)
		req.Query = params
	default:
		req.Body = []byte(encoded + "&signature=" + signature)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return a.http.Do(ctx, req)
}

func (a *Adapter) signedJSON(ctx context.Context, op, method, path string, params url.Values, out any) error {
	body, err := a.signed(ctx, op, method, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return common.NewAPIError(Venue, op, 0, err)
	}
	return nil
}

func (a *Adapter) serverTime(ctx context.Context) (int64, error) {
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := a.public(ctx, "serverTime", "/api/v3/time", nil, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (a *Adapter) loadSymbols(ctx context.Context) ([]string, error) {
	var info struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := a.public(ctx, "exchangeInfo", "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

type accountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (a *Adapter) account(ctx context.Context) (*accountInfo, error) {
	var info accountInfo
	if err := a.signedJSON(ctx, "account", http.MethodGet, "/api/v3/account", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	StopPrice           string `json:"stopPrice"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	TransactTime        int64  `json:"transactTime"`
}

func (a *Adapter) toOrder(r orderResponse) common.Order {
	executed := common.ParseFloat(r.ExecutedQty)
	var avg float64
	if executed > 0 {
		avg = common.ParseFloat(r.CummulativeQuoteQty) / executed
	}
	created := r.TransactTime
	if created == 0 {
		created = r.Time
	}
	side, _ := common.ParseSide(r.Side)
	return common.Order{
		OrderID:        strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:  r.ClientOrderID,
		Symbol:         a.DenormalizeSymbol(r.Symbol),
		Side:           side,
		Type:           fromBinanceType(r.Type),
		Quantity:       common.ParseFloat(r.OrigQty),
		FilledQuantity: executed,
		AvgFillPrice:   avg,
		LimitPrice:     common.ParseFloat(r.Price),
		StopPrice:      common.ParseFloat(r.StopPrice),
		TimeInForce:    common.TimeInForce(r.TimeInForce),
		Status:         mapStatus(r.Status),
		CreatedAt:      time.UnixMilli(created).UTC(),
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING_NEW":
		return common.StatusPending
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCancelled
	case "PENDING_CANCEL":
		return common.StatusPendingCancel
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func fromBinanceType(t string) common.OrderType {
	switch t {
	case "LIMIT", "LIMIT_MAKER":
		return common.OrderTypeLimit
	case "STOP_LOSS", "TAKE_PROFIT":
		return common.OrderTypeStop
	case "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		return common.OrderTypeStopLimit
	default:
		return common.OrderTypeMarket
	}
}

func isAuthFailure(err error) bool {
	var apiErr *common.BrokerAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
