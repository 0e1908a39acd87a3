// Package signal turns inbound webhook payloads into normalized trade intents.
// Malformed input is expected and frequent: parsing returns nil, never an error.
package signal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"broker-bridge/pkg/brokers/common"
)

const (
	ActionBuy  = "buy"
	ActionSell = "sell"

	SourceWebhook = "webhook"
	SourceChat    = "chat"
)

// Signal is an immutable, normalized trade intent.
type Signal struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"` // canonical BASE/QUOTE or equity ticker
	Action     string    `json:"action"`
	Price      *float64  `json:"price,omitempty"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
	Quantity   *float64  `json:"quantity,omitempty"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// Side maps the action onto the order side.
func (s *Signal) Side() common.Side {
	if s.Action == ActionSell {
		return common.SideSell
	}
	return common.SideBuy
}

var directions = map[string]string{
	"buy": ActionBuy, "long": ActionBuy, "bull": ActionBuy, "bullish": ActionBuy, "up": ActionBuy,
	"enter_long": ActionBuy, "entry_long": ActionBuy, "open_long": ActionBuy, "close_short": ActionBuy,
	"sell": ActionSell, "short": ActionSell, "bear": ActionSell, "bearish": ActionSell, "down": ActionSell,
	"enter_short": ActionSell, "entry_short": ActionSell, "open_short": ActionSell, "close_long": ActionSell,
}

// NormalizeAction maps a direction synonym to buy or sell ("" when unknown).
func NormalizeAction(v string) string {
	key := strings.ToLower(strings.TrimSpace(v))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	return directions[key]
}

var (
	symbolKeys     = []string{"symbol", "ticker", "pair", "instrument", "market"}
	actionKeys     = []string{"action", "side", "direction", "signal", "order_action"}
	priceKeys      = []string{"price", "entry", "entry_price", "entryPrice", "close"}
	stopLossKeys   = []string{"stop_loss", "stopLoss", "sl", "stop"}
	takeProfitKeys = []string{"take_profit", "takeProfit", "tp", "target"}
	quantityKeys   = []string{"quantity", "qty", "size", "amount", "contracts"}
	timestampKeys  = []string{"timestamp", "time"}
)

// ParseWebhook accepts []byte, string, json.RawMessage or map[string]any.
// JSON objects are read by field name; anything else is parsed as a chat
// message such as "BUY BTC/USDT @ 45000 SL 44000 TP 48000 qty 0.1".
func ParseWebhook(payload any) *Signal {
	switch v := payload.(type) {
	case map[string]any:
		return fromMap(v)
	case json.RawMessage:
		return parseBytes(v)
	case []byte:
		return parseBytes(v)
	case string:
		return parseBytes([]byte(v))
	}
	return nil
}

func parseBytes(b []byte) *Signal {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if b[0] == '{' {
		var m map[string]any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil
		}
		return fromMap(m)
	}
	return parseText(string(b))
}

func fromMap(m map[string]any) *Signal {
	rawSymbol, ok := lookupString(m, symbolKeys)
	if !ok {
		return nil
	}
	rawAction, ok := lookupString(m, actionKeys)
	if !ok {
		return nil
	}
	s := &Signal{
		Symbol: common.Canonicalize(rawSymbol),
		Action: NormalizeAction(rawAction),
		Source: SourceWebhook,
	}
	if s.Symbol == "" || s.Action == "" {
		return nil
	}
	if src, ok := lookupString(m, []string{"source", "strategy"}); ok {
		s.Source = src
	}

	for _, f := range []struct {
		keys []string
		dst  **float64
	}{
		{priceKeys, &s.Price},
		{stopLossKeys, &s.StopLoss},
		{takeProfitKeys, &s.TakeProfit},
		{quantityKeys, &s.Quantity},
	} {
		v, present, valid := lookupPositive(m, f.keys)
		if present && !valid {
			return nil
		}
		if present {
			*f.dst = &v
		}
	}

	if raw, ok := lookup(m, timestampKeys); ok {
		s.Timestamp = parseTime(raw)
	}
	return finish(s)
}

// finish stamps the content id. A missing timestamp is filled after hashing so
// that the id depends on payload content only.
func finish(s *Signal) *Signal {
	s.ID = contentID(s)
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	return s
}

func contentID(s *Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s", s.Symbol, s.Action, s.Source)
	for _, p := range []*float64{s.Price, s.StopLoss, s.TakeProfit, s.Quantity} {
		b.WriteByte('|')
		if p != nil {
			b.WriteString(strconv.FormatFloat(*p, 'f', -1, 64))
		}
	}
	if !s.Timestamp.IsZero() {
		fmt.Fprintf(&b, "|%d", s.Timestamp.UnixMilli())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:24]
}

func lookup(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(m map[string]any, keys []string) (string, bool) {
	v, ok := lookup(m, keys)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

// lookupPositive reports whether a field is present and, if so, whether it
// holds a finite number greater than zero.
func lookupPositive(m map[string]any, keys []string) (value float64, present, valid bool) {
	v, ok := lookup(m, keys)
	if !ok {
		return 0, false, false
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, true, false
	}
	return f, true, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// parseTime accepts RFC3339 strings and unix seconds or milliseconds.
func parseTime(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}
	}
	n := int64(f)
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
