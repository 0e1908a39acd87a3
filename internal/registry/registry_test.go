package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListVenuesExcludesPlanned(t *testing.T) {
	r := New()
	available := r.ListVenues(false)
	all := r.ListVenues(true)
	assert.Len(t, available, 6)
	assert.Greater(t, len(all), len(available))
	for _, v := range available {
		assert.True(t, v.Available(), v.Key)
	}
	assert.Equal(t, "alpaca", available[0].Key)
}

func TestGetVenueInfo(t *testing.T) {
	r := New()
	v, err := r.GetVenueInfo("bitget")
	require.NoError(t, err)
	assert.Contains(t, v.RequiredFields, "passphrase")

	_, err = r.GetVenueInfo("nope")
	assert.True(t, errors.Is(err, ErrVenueNotFound))
}

func TestCatalogIsCopiedOut(t *testing.T) {
	r := New()
	v, _ := r.GetVenueInfo("binance")
	v.Features[0] = "mutated"
	again, _ := r.GetVenueInfo("binance")
	assert.NotEqual(t, "mutated", again.Features[0])
}

func TestCompareVenues(t *testing.T) {
	r := New()
	c, err := r.CompareVenues("kraken", "binance", "bitget")
	require.NoError(t, err)
	assert.Equal(t, "binance", c.CheapestTaker, "tie on taker fee goes to the smaller key")
	assert.Equal(t, []string{"crypto"}, c.CommonMarkets)
	assert.Contains(t, c.CommonFeatures, FeatureStopLoss)

	_, err = r.CompareVenues("binance", "missing")
	assert.True(t, errors.Is(err, ErrVenueNotFound))
}

func TestRecommendVenue(t *testing.T) {
	r := New()
	tests := []struct {
		name  string
		query Query
		want  string
		score int
	}{
		{"stocks with trailing stop", Query{Type: TypeStocks, Features: []string{FeatureTrailingStop}, Markets: []string{"stocks"}}, "schwab", 55},
		{"crypto trailing stop", Query{Type: TypeCrypto, Features: []string{FeatureTrailingStop}, Markets: []string{"crypto"}}, "kraken", 55},
		{"forex only", Query{Markets: []string{"forex"}}, "mt5", 15},
		{"empty query ties on fee", Query{}, "alpaca", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := r.RecommendVenue(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Venue.Key)
			assert.Equal(t, tt.score, rec.Score)
		})
	}
}

func TestRecommendNeverPicksPlanned(t *testing.T) {
	r := New()
	rec, err := r.RecommendVenue(Query{Features: []string{FeatureFutures, FeatureOptions}, Markets: []string{"futures"}})
	require.NoError(t, err)
	assert.NotEqual(t, "ibkr", rec.Venue.Key)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "venues.yaml")
	require.NoError(t, os.WriteFile(path, []byte("venues:\n  binance:\n    taker_fee: 0.00075\n    min_trade_size: 5\n"), 0o600))

	r := New()
	require.NoError(t, r.LoadOverrides(path))
	v, _ := r.GetVenueInfo("binance")
	assert.Equal(t, 0.00075, v.TakerFee)
	assert.Equal(t, 0.001, v.MakerFee)
	assert.Equal(t, 5.0, v.MinTradeSize)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("venues:\n  binance:\n    taker_fee: 0.5\n  ghost:\n    taker_fee: 0\n"), 0o600))
	err := r.LoadOverrides(bad)
	assert.True(t, errors.Is(err, ErrVenueNotFound))
	v, _ = r.GetVenueInfo("binance")
	assert.Equal(t, 0.00075, v.TakerFee, "failed load applies nothing")
}
