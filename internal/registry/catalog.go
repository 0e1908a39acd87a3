package registry

import "broker-bridge/pkg/brokers/common"

// Venue types.
const (
	TypeCrypto = "crypto"
	TypeStocks = "stocks"
	TypeForex  = "forex"
	TypeMulti  = "multi"
)

const (
	StatusAvailable = "available"
	StatusPlanned   = "planned"
)

// Feature names shared by catalog entries and recommendation queries.
const (
	FeatureSpot         = "spot"
	FeatureMargin       = "margin"
	FeatureFutures      = "futures"
	FeatureStopLoss     = "stop_loss"
	FeatureTakeProfit   = "take_profit"
	FeatureTrailingStop = "trailing_stop"
	FeatureFractional   = "fractional"
	FeatureOptions      = "options"
	FeatureSandbox      = "sandbox"
)

func builtin() []VenueInfo {
	return []VenueInfo{
		{
			Key: "binance", Name: "Binance", Type: TypeCrypto, Status: StatusAvailable,
			Markets:  []string{"crypto"},
			Features: []string{FeatureSpot, FeatureStopLoss, FeatureTakeProfit, FeatureSandbox},
			MakerFee: 0.001, TakerFee: 0.001, MinTradeSize: 10,
			RequiredFields: []string{common.FieldAPIKey, common.FieldAPISecret},
			AuthScheme:     "hmac-sha256", SupportsSandbox: true,
		},
		{
			Key: "kraken", Name: "Kraken", Type: TypeCrypto, Status: StatusAvailable,
			Markets:  []string{"crypto", "forex"},
			Features: []string{FeatureSpot, FeatureMargin, FeatureStopLoss, FeatureTakeProfit, FeatureTrailingStop},
			MakerFee: 0.0025, TakerFee: 0.004, MinTradeSize: 5,
			RequiredFields: []string{common.FieldAPIKey, common.FieldAPISecret},
			AuthScheme:     "hmac-sha512",
		},
		{
			Key: "bitget", Name: "Bitget", Type: TypeCrypto, Status: StatusAvailable,
			Markets:  []string{"crypto"},
			Features: []string{FeatureSpot, FeatureStopLoss, FeatureTakeProfit, FeatureSandbox},
			MakerFee: 0.001, TakerFee: 0.001, MinTradeSize: 1,
			RequiredFields: []string{common.FieldAPIKey, common.FieldAPISecret, common.FieldPassphrase},
			AuthScheme:     "hmac-sha256-passphrase", SupportsSandbox: true,
		},
		{
			Key: "alpaca", Name: "Alpaca", Type: TypeMulti, Status: StatusAvailable,
			Markets:  []string{"stocks", "crypto"},
			Features: []string{FeatureSpot, FeatureStopLoss, FeatureTakeProfit, FeatureTrailingStop, FeatureFractional, FeatureSandbox},
			MakerFee: 0, TakerFee: 0, MinTradeSize: 1,
			RequiredFields: []string{common.FieldAPIKey, common.FieldAPISecret},
			AuthScheme:     "api-key", SupportsSandbox: true,
		},
		{
			Key: "schwab", Name: "Charles Schwab", Type: TypeStocks, Status: StatusAvailable,
			Markets:  []string{"stocks", "options"},
			Features: []string{FeatureSpot, FeatureStopLoss, FeatureTakeProfit, FeatureTrailingStop, FeatureOptions},
			MakerFee: 0, TakerFee: 0, MinTradeSize: 1,
			RequiredFields: []string{common.FieldAccessToken, common.FieldRefreshToken},
			AuthScheme:     "oauth2",
		},
		{
			Key: "mt5", Name: "MetaTrader 5", Type: TypeForex, Status: StatusAvailable,
			Markets:  []string{"forex", "cfd", "crypto"},
			Features: []string{FeatureMargin, FeatureStopLoss, FeatureTakeProfit, FeatureSandbox},
			MakerFee: 0, TakerFee: 0.0001, MinTradeSize: 0.01,
			RequiredFields: []string{common.FieldLogin, common.FieldPassword, common.FieldServer},
			AuthScheme:     "terminal-login", SupportsSandbox: true,
		},
		{
			Key: "ibkr", Name: "Interactive Brokers", Type: TypeMulti, Status: StatusPlanned,
			Markets:  []string{"stocks", "options", "futures", "forex"},
			Features: []string{FeatureSpot, FeatureMargin, FeatureFutures, FeatureOptions, FeatureStopLoss, FeatureTakeProfit, FeatureTrailingStop},
			MakerFee: 0.0005, TakerFee: 0.0005, MinTradeSize: 1,
			RequiredFields: []string{common.FieldAccountID},
			AuthScheme:     "gateway-session",
		},
		{
			Key: "coinbase", Name: "Coinbase Advanced", Type: TypeCrypto, Status: StatusPlanned,
			Markets:  []string{"crypto"},
			Features: []string{FeatureSpot, FeatureStopLoss},
			MakerFee: 0.004, TakerFee: 0.006, MinTradeSize: 1,
			RequiredFields: []string{common.FieldAPIKey, common.FieldAPISecret},
			AuthScheme:     "jwt-es256",
		},
	}
}
