// Package bitget implements the adapter contract for Bitget spot (V2 API).
package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

const (
	Venue      = "bitget"
	defaultURL = "https://api.bitget.com"

	codeOK = "00000"
)

// Bitget reports auth problems as HTTP 400 with these codes.
var authCodes = map[string]bool{
	"40006": true, // invalid ACCESS_KEY
	"40009": true, // sign signature error
	"40012": true, // apikey/password incorrect
	"40037": true, // apikey does not exist
}

// Order-gone codes that make cancellation a no-op.
var goneCodes = map[string]bool{
	"43001": true, // order does not exist
	"43004": true, // order already cancelled or filled
}

// Adapter is a Bitget spot adapter. One instance serves one caller.
type Adapter struct {
	signer  *signer
	sandbox bool

	http    *common.HTTPClient
	session *common.Session
	symbols *common.SymbolSet
	codec   common.SymbolCodec
	logger  *zap.Logger
}

// New builds an adapter. Sandbox selects Bitget demo trading, which shares the
// production host and is switched by the paptrading header.
func New(creds common.Credentials, opts common.Options) *Adapter {
	a := &Adapter{
		signer:  newSigner(creds.APIKey, creds.APISecret, creds.Passphrase),
		sandbox: opts.Sandbox || creds.Sandbox,
		session: common.NewSession(Venue),
		codec:   common.SymbolCodec{},
		logger:  opts.Log().With(zap.String("venue", Venue)),
	}
	a.http = common.NewHTTPClient(Venue, common.Pick(opts.BaseURL, defaultURL), 10, 10, a.session, a.logger)
	opts.Apply(a.http)
	a.symbols = common.NewSymbolSet(a.loadSymbols)
	return a
}

// Venue implements common.Adapter.
func (a *Adapter) Venue() string { return Venue }

// Close wipes the in-memory API secrets.
func (a *Adapter) Close() error {
	a.signer.wipe()
	return nil
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type codeError struct {
	Code string
	Msg  string
}

func (e *codeError) Error() string { return fmt.Sprintf("bitget code %s: %s", e.Code, e.Msg) }

func (a *Adapter) call(ctx context.Context, op, method, path string, query url.Values, payload any, signed bool, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return common.NewValidationError("encode request: " + err.Error())
		}
	}
	req := common.Request{Op: op, Method: method, Path: path, Query: query, Body: body}
	if signed {
		pathWithQuery := path
		if len(query) > 0 {
			pathWithQuery += "?" + query.Encode()
		}
		req.Header = a.signer.headers(method, pathWithQuery, string(body))
		if a.sandbox {
			req.Header.Set("paptrading", "1")
		}
	}

	raw, err := a.http.Do(ctx, req)
	var env envelope
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &env)
	}
	if err != nil {
		if authCodes[env.Code] {
			a.session.Revoke(env.Msg)
			return common.NewAPIError(Venue, op, http.StatusUnauthorized, &codeError{env.Code, env.Msg})
		}
		if env.Code != "" {
			var apiErr *common.BrokerAPIError
			if errors.As(err, &apiErr) {
				apiErr.Cause = &codeError{env.Code, env.Msg}
			}
		}
		return err
	}
	if env.Code != codeOK {
		return common.NewAPIError(Venue, op, 0, &codeError{env.Code, env.Msg})
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return common.NewAPIError(Venue, op, 0, fmt.Errorf("decode data: %w", err))
		}
	}
	return nil
}

func (a *Adapter) loadSymbols(ctx context.Context) ([]string, error) {
	var rows []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	}
	if err := a.call(ctx, "symbols", http.MethodGet, "/api/v2/spot/public/symbols", nil, nil, false, &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Status == "online" {
			out = append(out, r.Symbol)
		}
	}
	return out, nil
}

type asset struct {
	Coin      string `json:"coin"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Locked    string `json:"locked"`
}

func (a *Adapter) assets(ctx context.Context, coin string) ([]asset, error) {
	q := url.Values{}
	if coin != "" {
		q.Set("coin", coin)
	}
	var rows []asset
	if err := a.call(ctx, "assets", http.MethodGet, "/api/v2/spot/account/assets", q, nil, true, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type bitgetOrder struct {
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	BaseVolume string `json:"baseVolume"`
	PriceAvg   string `json:"priceAvg"`
	Status     string `json:"status"`
	CTime      string `json:"cTime"`
}

func (a *Adapter) toOrder(o bitgetOrder) common.Order {
	side, _ := common.ParseSide(o.Side)
	ms, _ := strconv.ParseInt(o.CTime, 10, 64)
	typ := common.OrderTypeMarket
	if o.OrderType == "limit" {
		typ = common.OrderTypeLimit
	}
	return common.Order{
		OrderID:        o.OrderID,
		ClientOrderID:  o.ClientOid,
		Symbol:         a.DenormalizeSymbol(o.Symbol),
		Side:           side,
		Type:           typ,
		Quantity:       common.ParseFloat(o.Size),
		FilledQuantity: common.ParseFloat(o.BaseVolume),
		AvgFillPrice:   common.ParseFloat(o.PriceAvg),
		LimitPrice:     common.ParseFloat(o.Price),
		Status:         mapStatus(o.Status),
		CreatedAt:      time.UnixMilli(ms).UTC(),
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToLower(s) {
	case "init", "new", "live":
		return common.StatusPending
	case "partially_filled", "partial_fill":
		return common.StatusPartial
	case "filled", "full_fill":
		return common.StatusFilled
	case "cancelled", "canceled":
		return common.StatusCancelled
	default:
		return common.StatusUnknown
	}
}

var errNoPrice = errors.New("no ticker for symbol")

func isAuthFailure(err error) bool {
	var apiErr *common.BrokerAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func isGone(err error) bool {
	var ce *codeError
	return errors.As(err, &ce) && goneCodes[ce.Code]
}
