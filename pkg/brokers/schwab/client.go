// Package schwab implements the adapter contract for Charles Schwab equities
// over the Trader API with an OAuth2 bearer token.
package schwab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"broker-bridge/pkg/brokers/common"

	"go.uber.org/zap"
)

const (
	Venue = "schwab"

	defaultURL = "https://api.schwabapi.com"
	traderPath = "/trader/v1"
	marketPath = "/marketdata/v1"
)

// Adapter is not safe to share across users; it holds one user's token.
type Adapter struct {
	accessToken string
	expiresAt   time.Time
	accountNum  string

	http          *common.HTTPClient
	session       *common.Session
	codec         common.SymbolCodec
	logger        *zap.Logger
	onAuthFailure func()
	now           func() time.Time

	mu          sync.Mutex
	accountHash string
	known       map[string]bool
}

// New builds an adapter from an access token. Schwab has no separate sandbox
// host; Sandbox is accepted and ignored.
func New(creds common.Credentials, opts common.Options) *Adapter {
	a := &Adapter{
		accessToken:   creds.AccessToken,
		expiresAt:     creds.TokenExpiresAt,
		accountNum:    creds.AccountID,
		session:       common.NewSession(Venue),
		logger:        opts.Log().With(zap.String("venue", Venue)),
		onAuthFailure: opts.OnAuthFailure,
		now:           time.Now,
		known:         map[string]bool{},
	}
	// Trader API allows 120 requests per minute.
	a.http = common.NewHTTPClient(Venue, common.Pick(opts.BaseURL, defaultURL), 2, 4, a.session, a.logger)
	opts.Apply(a.http)
	return a
}

// Venue implements common.Adapter.
func (a *Adapter) Venue() string { return Venue }

func (a *Adapter) tokenUsable() bool {
	if a.accessToken == "" {
		return false
	}
	return a.expiresAt.IsZero() || a.now().Before(a.expiresAt)
}

// call performs a bearer-authenticated request. A 401 means the token was
// revoked or expired early; the failure hook lets the owner invalidate it.
func (a *Adapter) call(ctx context.Context, op, method, path string, q url.Values, payload any, out any, onResp func(http.Header)) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return common.NewValidationError("encode request: " + err.Error())
		}
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.accessToken)
	h.Set("Accept", "application/json")
	if body != nil {
		h.Set("Content-Type", "application/json")
	}
	raw, err := a.http.Do(ctx, common.Request{Op: op, Method: method, Path: path, Query: q, Body: body, Header: h, OnResponse: onResp})
	if err != nil {
		if statusCode(err) == http.StatusUnauthorized {
			if a.onAuthFailure != nil {
				a.onAuthFailure()
			}
			return &common.TokenExpiredError{Venue: Venue}
		}
		return err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return common.NewAPIError(Venue, op, 0, err)
		}
	}
	return nil
}

func (a *Adapter) hash() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountHash
}

func (a *Adapter) accountPath(suffix string) string {
	return traderPath + "/accounts/" + url.PathEscape(a.hash()) + suffix
}

type balances struct {
	CashBalance      float64 `json:"cashBalance"`
	AvailableFunds   float64 `json:"availableFunds"`
	BuyingPower      float64 `json:"buyingPower"`
	LiquidationValue float64 `json:"liquidationValue"`
}

type schwabPosition struct {
	LongQuantity        float64 `json:"longQuantity"`
	ShortQuantity       float64 `json:"shortQuantity"`
	AveragePrice        float64 `json:"averagePrice"`
	MarketValue         float64 `json:"marketValue"`
	LongOpenProfitLoss  float64 `json:"longOpenProfitLoss"`
	ShortOpenProfitLoss float64 `json:"shortOpenProfitLoss"`
	Instrument          struct {
		Symbol    string `json:"symbol"`
		AssetType string `json:"assetType"`
	} `json:"instrument"`
}

type securitiesAccount struct {
	SecuritiesAccount struct {
		AccountNumber   string           `json:"accountNumber"`
		CurrentBalances balances         `json:"currentBalances"`
		Positions       []schwabPosition `json:"positions"`
	} `json:"securitiesAccount"`
}

func (a *Adapter) account(ctx context.Context, withPositions bool) (securitiesAccount, error) {
	var q url.Values
	if withPositions {
		q = url.Values{"fields": {"positions"}}
	}
	var acct securitiesAccount
	err := a.call(ctx, "account", http.MethodGet, a.accountPath(""), q, nil, &acct, nil)
	return acct, err
}

type orderLeg struct {
	Instruction string  `json:"instruction"`
	Quantity    float64 `json:"quantity"`
	Instrument  struct {
		Symbol    string `json:"symbol"`
		AssetType string `json:"assetType"`
	} `json:"instrument"`
}

type schwabOrder struct {
	OrderID            int64      `json:"orderId,omitempty"`
	Session            string     `json:"session"`
	Duration           string     `json:"duration"`
	OrderType          string     `json:"orderType"`
	OrderStrategyType  string     `json:"orderStrategyType"`
	Price              float64    `json:"price,omitempty"`
	StopPrice          float64    `json:"stopPrice,omitempty"`
	StopPriceLinkBasis string     `json:"stopPriceLinkBasis,omitempty"`
	StopPriceLinkType  string     `json:"stopPriceLinkType,omitempty"`
	StopPriceOffset    float64    `json:"stopPriceOffset,omitempty"`
	Quantity           float64    `json:"quantity,omitempty"`
	FilledQuantity     float64    `json:"filledQuantity,omitempty"`
	Status             string     `json:"status,omitempty"`
	EnteredTime        string     `json:"enteredTime,omitempty"`
	Tag                string     `json:"tag,omitempty"`
	OrderLegCollection []orderLeg `json:"orderLegCollection"`
}

func (a *Adapter) toOrder(o schwabOrder) common.Order {
	out := common.Order{
		OrderID:        formatID(o.OrderID),
		ClientOrderID:  o.Tag,
		Type:           fromSchwabType(o.OrderType),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		LimitPrice:     o.Price,
		StopPrice:      o.StopPrice,
		Status:         mapStatus(o.Status),
	}
	if len(o.OrderLegCollection) > 0 {
		leg := o.OrderLegCollection[0]
		out.Symbol = a.DenormalizeSymbol(leg.Instrument.Symbol)
		out.Side, _ = common.ParseSide(leg.Instruction)
		if strings.HasPrefix(leg.Instruction, "SELL") {
			out.Side = common.SideSell
		}
		if out.Quantity == 0 {
			out.Quantity = leg.Quantity
		}
	}
	if t, err := time.Parse("2006-01-02T15:04:05-0700", o.EnteredTime); err == nil {
		out.CreatedAt = t.UTC()
	}
	return out
}

func fromSchwabType(t string) common.OrderType {
	switch t {
	case "LIMIT":
		return common.OrderTypeLimit
	case "STOP":
		return common.OrderTypeStop
	case "STOP_LIMIT":
		return common.OrderTypeStopLimit
	case "TRAILING_STOP":
		return common.OrderTypeTrailingStop
	}
	return common.OrderTypeMarket
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "AWAITING_PARENT_ORDER", "AWAITING_CONDITION", "AWAITING_STOP_CONDITION", "AWAITING_MANUAL_REVIEW",
		"ACCEPTED", "AWAITING_UR_OUT", "PENDING_ACTIVATION", "QUEUED", "WORKING", "NEW", "AWAITING_RELEASE_TIME",
		"PENDING_REPLACE", "PENDING_ACKNOWLEDGEMENT", "PENDING_RECALL":
		return common.StatusPending
	case "PENDING_CANCEL":
		return common.StatusPendingCancel
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "REPLACED":
		return common.StatusCancelled
	case "EXPIRED":
		return common.StatusExpired
	case "REJECTED":
		return common.StatusRejected
	}
	return common.StatusUnknown
}

func statusCode(err error) int {
	var apiErr *common.BrokerAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
