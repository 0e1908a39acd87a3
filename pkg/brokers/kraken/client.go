// Package kraken implements the adapter contract for Kraken spot.
//
// Kraken prefixes legacy asset codes (XXBT, XETH, ZUSD, ZEUR) and reports
// errors inside an HTTP 200 envelope, both of which are absorbed here.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"broker-bridge/pkg/brokers/common"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	Venue      = "kraken"
	defaultURL = "https://api.kraken.com"
)

// assetAliases maps canonical codes to Kraken's base codes.
var assetAliases = map[string]string{"BTC": "XBT", "DOGE": "XDG"}

// Adapter is a Kraken spot adapter. One instance serves one caller.
type Adapter struct {
	apiKey    string
	apiSecret string

	http    *common.HTTPClient
	session *common.Session
	symbols *common.SymbolSet
	codec   common.SymbolCodec
	logger  *zap.Logger

	nonceMu   sync.Mutex
	lastNonce int64
}

// New builds an adapter from validated credentials. Kraken has no public
// sandbox for spot, so Options.Sandbox only affects the base URL override.
func New(creds common.Credentials, opts common.Options) *Adapter {
	a := &Adapter{
		apiKey:    creds.APIKey,
		apiSecret: creds.APISecret,
		session:   common.NewSession(Venue),
		codec:     common.SymbolCodec{BaseAliases: assetAliases},
		logger:    opts.Log().With(zap.String("venue", Venue)),
	}
	a.http = common.NewHTTPClient(Venue, common.Pick(opts.BaseURL, defaultURL), 1, 15, a.session, a.logger)
	opts.Apply(a.http)
	a.symbols = common.NewSymbolSet(a.loadSymbols)
	return a
}

// Venue implements common.Adapter.
func (a *Adapter) Venue() string { return Venue }

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// venueError carries Kraken's error strings (e.g. "EOrder:Unknown order").
type venueError struct {
	messages []string
}

func (e *venueError) Error() string { return strings.Join(e.messages, "; ") }

func (e *venueError) has(prefix string) bool {
	for _, m := range e.messages {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func (a *Adapter) unwrap(op string, body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return common.NewAPIError(Venue, op, 0, fmt.Errorf("decode envelope: %w", err))
	}
	if len(env.Error) > 0 {
		ve := &venueError{messages: env.Error}
		if ve.has("EAPI:Invalid key") || ve.has("EAPI:Invalid signature") || ve.has("EGeneral:Permission denied") {
			a.session.Revoke(ve.Error())
			return common.NewAPIError(Venue, op, http.StatusUnauthorized, ve)
		}
		return common.NewAPIError(Venue, op, 0, ve)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return common.NewAPIError(Venue, op, 0, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func (a *Adapter) public(ctx context.Context, op, method string, params url.Values, out any) error {
	body, err := a.http.Do(ctx, common.Request{Op: op, Method: http.MethodGet, Path: "/0/public/" + method, Query: params})
	if err != nil {
		return err
	}
	return a.unwrap(op, body, out)
}

// private signs a POST per Kraken's scheme:
// API-Sign = b64(HMAC-SHA512(b64d(secret), path + SHA256(nonce + postdata))).
func (a *Adapter) private(ctx context.Context, op, method string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	nonce := strconv.FormatInt(a.nextNonce(), 10)
	params.Set("nonce", nonce)
	encoded := params.Encode()
	path := "/0/private/" + method

	signature, err := sign(path, nonce, encoded, a.apiSecret)
	if err != nil {
		return &common.AuthenticationError{Venue: Venue, Reason: "API secret is not valid base64"}
	}
	body, err := a.http.Do(ctx, common.Request{
		Op:     op,
		Method: http.MethodPost,
		Path:   path,
		Body:   []byte(encoded),
		Header: http.Header{
			"API-Key":      []string{a.apiKey},
			"API-Sign":     []string{signature},
			"Content-Type": []string{"application/x-www-form-urlencoded; charset=utf-8"},
		},
	})
	if err != nil {
		return err
	}
	return a.unwrap(op, body, out)
}

func (a *Adapter) nextNonce() int64 {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= a.lastNonce {
		n = a.lastNonce + 1
	}
	a.lastNonce = n
	return n
}

func sign(path, nonce, postData, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", err
	}
	sha := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (a *Adapter) loadSymbols(ctx context.Context) ([]string, error) {
	var pairs map[string]struct {
		Altname string `json:"altname"`
		Status  string `json:"status"`
	}
	if err := a.public(ctx, "assetPairs", "AssetPairs", nil, &pairs); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.Status == "" || p.Status == "online" {
			out = append(out, p.Altname)
		}
	}
	return out, nil
}

// currencyCandidates lists the asset keys Kraken may use for a currency:
// BTC -> XBT, XXBT, BTC; USD -> USD, ZUSD.
func currencyCandidates(currency string) []string {
	raw := strings.ToUpper(currency)
	code := raw
	if alias, ok := assetAliases[code]; ok {
		code = alias
	}
	canonical := canonicalAsset(raw)
	seen := map[string]bool{}
	var out []string
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	add(code)
	for legacy, c := range legacyAssets {
		if c == canonical {
			add(legacy)
		}
	}
	add(raw)
	return out
}

// legacyAssets lists the prefixed codes Kraken still reports for the assets
// it listed first. Newer assets such as ZETA or XTZ carry no prefix.
var legacyAssets = map[string]string{
	"XXBT": "BTC", "XETH": "ETH", "XXRP": "XRP", "XLTC": "LTC", "XXLM": "XLM",
	"XXMR": "XMR", "XZEC": "ZEC", "XETC": "ETC", "XMLN": "MLN", "XXDG": "DOGE",
	"ZUSD": "USD", "ZEUR": "EUR", "ZGBP": "GBP", "ZCAD": "CAD", "ZJPY": "JPY",
	"ZAUD": "AUD", "ZCHF": "CHF",
}

// canonicalAsset maps Kraken asset codes to canonical ones: XXBT -> BTC,
// ZUSD -> USD, XBT -> BTC. Anything else is returned uppercased.
func canonicalAsset(asset string) string {
	a := strings.ToUpper(asset)
	if c, ok := legacyAssets[a]; ok {
		return c
	}
	for canonical, venue := range assetAliases {
		if a == venue {
			return canonical
		}
	}
	return a
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}

func isUnknownOrder(err error) bool {
	var ve *venueError
	return errors.As(err, &ve) && ve.has("EOrder:Unknown order")
}

func isAuthFailure(err error) bool {
	var apiErr *common.BrokerAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

var (
	errEmptyTxID = errors.New("order accepted without txid")
	errNoTicker  = errors.New("ticker returned no pairs")
)
