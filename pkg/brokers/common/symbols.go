package common

import (
	"strings"
)

// knownQuotes is matched longest first when splitting concatenated pairs.
var knownQuotes = []string{
	"FDUSD",
	"USDT", "USDC", "BUSD", "TUSD",
	"USD", "EUR", "GBP", "JPY", "AUD", "CAD", "CHF", "TRY", "BRL", "DAI",
	"BTC", "ETH", "BNB",
}

// baseAliases maps venue-specific base codes to canonical codes.
var baseAliases = map[string]string{
	"XBT":  "BTC",
	"XDG":  "DOGE",
	"XXBT": "BTC",
	"XETH": "ETH",
}

const (
	minBaseLen = 2
	maxBaseLen = 10
)

// DefaultPerpQuote completes perpetual tickers that name only the base
// (BTCPERP, BTC-PERP).
const DefaultPerpQuote = "USDT"

var perpSuffixes = []string{".P", "-PERP", "PERP"}

// IsQuote reports whether code is a quote currency pairs are split on.
func IsQuote(code string) bool {
	code = strings.ToUpper(code)
	for _, q := range knownQuotes {
		if q == code {
			return true
		}
	}
	return false
}

// SplitPair splits a pair in separated (BTC/USDT, BTC-USDT, BTC_USDT) or
// concatenated (BTCUSDT) form. Bases of 3-6 characters are the common case;
// up to 10 are accepted for long tickers. A separated symbol whose right side
// is not a quote currency (BRK-B, BRK/B) is a share class, not a pair.
func SplitPair(s string) (base, quote string, ok bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", "", false
	}
	for _, sep := range []string{"/", "-", "_", ":"} {
		if i := strings.Index(s, sep); i > 0 && i < len(s)-1 {
			if !IsQuote(s[i+1:]) {
				return "", "", false
			}
			return s[:i], s[i+1:], true
		}
	}
	for _, q := range knownQuotes {
		if !strings.HasSuffix(s, q) {
			continue
		}
		b := s[:len(s)-len(q)]
		if len(b) >= minBaseLen && len(b) <= maxBaseLen {
			return b, q, true
		}
	}
	return "", "", false
}

// Canonicalize rewrites raw into canonical BASE/QUOTE form. Exchange prefixes
// (BINANCE:BTCUSDT), perpetual suffixes (.P, PERP) and base aliases (XBT) are
// handled; a perpetual without a quote gets DefaultPerpQuote. Symbols that are
// not pairs (equity tickers, share classes) come back uppercased.
func Canonicalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.Index(s, ":"); i > 0 && i < len(s)-1 && !strings.Contains(s[i+1:], ":") {
		// "BINANCE:BTCUSDT" carries a venue prefix, "BTC:USDT" does not.
		if _, _, ok := SplitPair(s[i+1:]); ok || len(s[:i]) > 5 {
			s = s[i+1:]
		}
	}
	perp := false
	for _, suffix := range perpSuffixes {
		if len(s) > len(suffix) && strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			perp = true
			break
		}
	}

	base, quote, ok := SplitPair(s)
	if !ok && perp && len(s) >= minBaseLen && !strings.ContainsAny(s, "/-_:") {
		base, quote, ok = s, DefaultPerpQuote, true
	}
	if !ok {
		return s
	}
	if alias, ok := baseAliases[base]; ok {
		base = alias
	}
	return base + "/" + quote
}

// SymbolCodec maps canonical BASE/QUOTE symbols to one venue's native form.
//
// BaseAliases is a bijection (BTC<->XBT) and is applied in both directions.
// QuoteCollapse is one-way (USDT->USD on a USD-only venue) so that
// Normalize(Denormalize(s)) == s holds for every venue-native s.
type SymbolCodec struct {
	Separator     string // "" for concatenated venue symbols
	Lowercase     bool
	BaseAliases   map[string]string // canonical -> venue
	QuoteCollapse map[string]string // canonical -> venue
}

// Normalize maps canonical (or loosely formatted) input to the venue form.
func (c SymbolCodec) Normalize(raw string) string {
	canonical := Canonicalize(raw)
	base, quote, ok := SplitPair(canonical)
	if !ok {
		return c.finish(canonical)
	}
	if v, ok := c.BaseAliases[base]; ok {
		base = v
	}
	if v, ok := c.QuoteCollapse[quote]; ok {
		quote = v
	}
	return c.finish(base + c.Separator + quote)
}

// Denormalize maps a venue symbol back to canonical BASE/QUOTE form.
func (c SymbolCodec) Denormalize(venueSymbol string) string {
	s := strings.ToUpper(strings.TrimSpace(venueSymbol))
	var (
		base, quote string
		ok          bool
	)
	if c.Separator != "" {
		if i := strings.Index(s, strings.ToUpper(c.Separator)); i > 0 {
			base, quote, ok = s[:i], s[i+len(c.Separator):], true
		}
	}
	if !ok {
		base, quote, ok = c.splitVenue(s)
	}
	if !ok {
		return s
	}
	for canonical, venue := range c.BaseAliases {
		if venue == base {
			base = canonical
			break
		}
	}
	return base + "/" + quote
}

// splitVenue tries venue base aliases first so XBTUSD splits as XBT/USD.
func (c SymbolCodec) splitVenue(s string) (string, string, bool) {
	for _, venue := range c.BaseAliases {
		if strings.HasPrefix(s, venue) && len(s) > len(venue) {
			rest := s[len(venue):]
			for _, q := range knownQuotes {
				if rest == q {
					return venue, q, true
				}
			}
		}
	}
	return SplitPair(s)
}

func (c SymbolCodec) finish(s string) string {
	if c.Lowercase {
		return strings.ToLower(s)
	}
	return s
}
