package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTC/USDT"},
		{"btc/usdt", "BTC/USDT"},
		{"BTC-USD", "BTC/USD"},
		{"XBTUSD", "BTC/USD"},
		{"BINANCE:ETHUSDT", "ETH/USDT"},
		{"BTCUSDT.P", "BTC/USDT"},
		{"SHIBUSDT", "SHIB/USDT"},
		{"PEOPLEUSDT", "PEOPLE/USDT"},
		{"ETHBTC", "ETH/BTC"},
		{"AAPL", "AAPL"},
		{" tsla ", "TSLA"},
		{"BRK-B", "BRK-B"},
		{"brk/b", "BRK/B"},
		{"BRK.B", "BRK.B"},
		{"BTCPERP", "BTC/USDT"},
		{"BTC-PERP", "BTC/USDT"},
		{"XBTPERP", "BTC/USDT"},
		{"ETHUSDPERP", "ETH/USD"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Canonicalize(tt.in), tt.in)
	}
}

func TestSplitPairNeedsQuote(t *testing.T) {
	base, quote, ok := SplitPair("sol-usdc")
	assert.True(t, ok)
	assert.Equal(t, "SOL", base)
	assert.Equal(t, "USDC", quote)

	for _, s := range []string{"BRK-B", "BF/A", "BTC-USDT-SWAP", "AAPL", ""} {
		_, _, ok := SplitPair(s)
		assert.False(t, ok, s)
	}
}

func TestSymbolCodecRoundTrip(t *testing.T) {
	codecs := map[string]struct {
		codec  SymbolCodec
		native []string
	}{
		"concatenated": {
			codec:  SymbolCodec{},
			native: []string{"BTCUSDT", "ETHBTC", "SHIBUSDT", "PEOPLEUSDT", "SOLFDUSD"},
		},
		"aliased": {
			codec:  SymbolCodec{BaseAliases: map[string]string{"BTC": "XBT"}},
			native: []string{"XBTUSD", "ETHUSD", "XBTEUR", "DOTUSD"},
		},
		"slash with collapse": {
			codec:  SymbolCodec{Separator: "/", QuoteCollapse: map[string]string{"USDT": "USD"}},
			native: []string{"BTC/USD", "ETH/USD", "AAPL"},
		},
	}
	for name, tc := range codecs {
		t.Run(name, func(t *testing.T) {
			for _, s := range tc.native {
				assert.Equal(t, s, tc.codec.Normalize(tc.codec.Denormalize(s)), s)
			}
		})
	}
}

func TestSymbolCodecAliasing(t *testing.T) {
	kraken := SymbolCodec{BaseAliases: map[string]string{"BTC": "XBT"}}
	assert.Equal(t, "XBTUSD", kraken.Normalize("BTC/USD"))
	assert.Equal(t, "BTC/USD", kraken.Denormalize("XBTUSD"))

	usdOnly := SymbolCodec{Separator: "/", QuoteCollapse: map[string]string{"USDT": "USD"}}
	assert.Equal(t, "BTC/USD", usdOnly.Normalize("BTC/USDT"))
	assert.Equal(t, "BTC/USD", usdOnly.Denormalize("BTC/USD"))
}

func TestIsDust(t *testing.T) {
	assert.True(t, IsDust(Position{Quantity: 0.00001, CurrentPrice: 100}, DefaultDustValue))
	assert.False(t, IsDust(Position{Quantity: 0.1, CurrentPrice: 45000}, DefaultDustValue))
	assert.True(t, IsDust(Position{}, DefaultDustValue))
}
