package execution

import (
	"context"

	"broker-bridge/pkg/brokers/common"
)

// adapterValuer prices orders with the live venue. Portfolio value is the
// balance of the pair's quote currency as the venue spells it (USDT
// collapses to USD on USD-only venues), or the account currency for
// equities. Equity is preferred when the venue reports it.
type adapterValuer struct {
	adapter   common.Adapter
	currency  string
	lastPrice float64
}

func newAdapterValuer(a common.Adapter, symbol string) *adapterValuer {
	currency := ""
	venueForm := a.DenormalizeSymbol(a.NormalizeSymbol(symbol))
	if _, quote, ok := common.SplitPair(venueForm); ok {
		currency = quote
	}
	return &adapterValuer{adapter: a, currency: currency}
}

func (v *adapterValuer) PortfolioValue(ctx context.Context) (float64, error) {
	b, err := v.adapter.GetBalance(ctx, v.currency)
	if err != nil {
		return 0, err
	}
	return b.Value(), nil
}

func (v *adapterValuer) Price(ctx context.Context, symbol string) (float64, error) {
	q, err := v.adapter.GetMarketPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	v.lastPrice = q.Mid()
	return v.lastPrice, nil
}
