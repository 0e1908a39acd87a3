package signal

import (
	"strconv"
	"strings"

	"broker-bridge/pkg/brokers/common"
)

// Keywords that introduce a number in chat messages.
var textFields = map[string]string{
	"@": "price", "at": "price", "price": "price", "entry": "price",
	"sl": "sl", "stop": "sl", "stoploss": "sl", "stop_loss": "sl",
	"tp": "tp", "target": "tp", "takeprofit": "tp", "take_profit": "tp",
	"qty": "qty", "quantity": "qty", "size": "qty", "amount": "qty",
}

// Words that never name an instrument.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "to": true, "of": true,
	"in": true, "on": true, "for": true, "with": true, "this": true, "now": true,
	"please": true, "some": true, "my": true, "me": true, "i": true, "we": true,
	"market": true, "mkt": true, "limit": true, "order": true, "position": true,
	"stock": true, "stocks": true, "share": true, "shares": true, "signal": true, "alert": true,
}

// marketWords after a price keyword mean "no price": BUY AAPL at market.
var marketWords = map[string]bool{"market": true, "mkt": true, "now": true}

// parseText reads free-form chat messages. The first direction word is the
// action and the symbol is picked from the words after it. Keyword/number
// pairs fill the optional fields; "SL:44000" and "tp=48000" work as well.
func parseText(msg string) *Signal {
	tokens := tokenize(msg)
	s := &Signal{Source: SourceChat}
	values := map[string]float64{}
	var candidates []string

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		lower := strings.ToLower(tok)

		if field, ok := textFields[lower]; ok && i+1 < len(tokens) {
			next := tokens[i+1]
			if f, err := strconv.ParseFloat(next, 64); err == nil {
				if f <= 0 {
					return nil
				}
				values[field] = f
				i++
				continue
			}
			if field == "price" && marketWords[strings.ToLower(next)] {
				i++
				continue
			}
		}
		if _, keyword := textFields[lower]; keyword {
			continue
		}
		if a := NormalizeAction(lower); a != "" {
			if s.Action == "" {
				s.Action = a
			}
			continue
		}
		if s.Action != "" && !stopWords[lower] && isSymbolToken(tok) {
			candidates = append(candidates, tok)
		}
	}
	s.Symbol = pickSymbol(candidates)
	if s.Action == "" || s.Symbol == "" {
		return nil
	}
	for field, dst := range map[string]**float64{"price": &s.Price, "sl": &s.StopLoss, "tp": &s.TakeProfit, "qty": &s.Quantity} {
		if v, ok := values[field]; ok {
			v := v
			*dst = &v
		}
	}
	return finish(s)
}

// tokenize splits on whitespace and on key:value / key=value separators.
func tokenize(msg string) []string {
	fields := strings.Fields(strings.NewReplacer(",", " ", "|", " ").Replace(msg))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if i := strings.IndexAny(f, ":="); i > 0 && i < len(f)-1 {
			if _, known := textFields[strings.ToLower(f[:i])]; known {
				out = append(out, f[:i], f[i+1:])
				continue
			}
		}
		if len(f) > 1 && f[0] == '@' {
			out = append(out, "@", f[1:])
			continue
		}
		out = append(out, f)
	}
	return out
}

// pickSymbol ranks pairs first, then $-tagged tickers, then all-caps words.
// A single lowercase word is accepted when it is the only candidate.
func pickSymbol(candidates []string) string {
	for _, c := range candidates {
		if _, _, ok := common.SplitPair(common.Canonicalize(c)); ok {
			return common.Canonicalize(c)
		}
	}
	for _, c := range candidates {
		if strings.HasPrefix(c, "$") {
			return common.Canonicalize(strings.Trim(c, "$#"))
		}
	}
	for _, c := range candidates {
		if isUpper(c) {
			return common.Canonicalize(strings.Trim(c, "$#"))
		}
	}
	if len(candidates) == 1 {
		return common.Canonicalize(strings.Trim(candidates[0], "$#"))
	}
	return ""
}

func isUpper(tok string) bool {
	letters := false
	for _, r := range tok {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= 'A' && r <= 'Z' {
			letters = true
		}
	}
	return letters
}

func isSymbolToken(tok string) bool {
	if strings.HasSuffix(tok, ":") {
		return false
	}
	if _, err := strconv.ParseFloat(tok, 64); err == nil {
		return false
	}
	t := strings.Trim(tok, "$#")
	if len(t) < 1 {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '/' || r == '-' || r == '_' || r == ':' || r == '.':
		default:
			return false
		}
	}
	return true
}
