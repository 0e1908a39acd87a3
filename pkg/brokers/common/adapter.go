// Package common defines the venue-agnostic adapter contract shared by every
// broker and exchange integration, plus the transport plumbing they reuse.
package common

import (
	"context"
	"io"
)

// Adapter abstracts a trading venue. Implementations are not shared between
// unrelated requests; each caller owns the instance it created.
type Adapter interface {
	// Venue returns the registry key of the venue.
	Venue() string

	// Authenticate establishes or validates the session. It is idempotent:
	// once authenticated it returns true without touching the network.
	Authenticate(ctx context.Context) (bool, error)

	// GetBalance reports funds for currency ("" selects the account currency).
	// Unknown or empty currencies yield a zero Balance, never an error.
	GetBalance(ctx context.Context, currency string) (Balance, error)

	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)

	// CancelOrder returns true also when the order is already terminal or unknown.
	// symbol is a routing hint for venues that scope order ids per market.
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)

	GetPositions(ctx context.Context) ([]Position, error)
	SetStopLoss(ctx context.Context, p ProtectiveOrder) (Order, error)
	SetTakeProfit(ctx context.Context, p ProtectiveOrder) (Order, error)

	// GetOrderHistory is advisory: on venue failure it returns an empty list.
	GetOrderHistory(ctx context.Context, f OrderFilter) ([]Order, error)

	GetMarketPrice(ctx context.Context, symbol string) (Quote, error)
	IsSymbolSupported(ctx context.Context, symbol string) (bool, error)
	GetFees(ctx context.Context, symbol string) (FeeSchedule, error)

	// NormalizeSymbol maps canonical BASE/QUOTE to the venue form.
	NormalizeSymbol(raw string) string
	// DenormalizeSymbol maps a venue symbol back to canonical form.
	DenormalizeSymbol(venueSymbol string) string
}

// Disconnector is implemented by adapters holding a persistent connection.
// The caller that created the adapter must call Disconnect when done.
type Disconnector interface {
	Disconnect() error
}

// Close releases whatever a holds: a persistent connection (Disconnector) or
// in-memory secrets (io.Closer).
func Close(a Adapter) error {
	switch v := a.(type) {
	case Disconnector:
		return v.Disconnect()
	case io.Closer:
		return v.Close()
	}
	return nil
}
