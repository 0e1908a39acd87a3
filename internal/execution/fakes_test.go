package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"broker-bridge/internal/gateway"
	"broker-bridge/pkg/brokers/common"
)

type fakeAdapter struct {
	mu sync.Mutex

	balance   common.Balance
	quote     common.Quote
	authErr   error
	createErr error
	slErr     error
	history   []common.Order
	onCreate  func(req common.OrderRequest, o *common.Order) error

	creates []common.OrderRequest
	cancels []string
	slCalls []common.ProtectiveOrder
	tpCalls []common.ProtectiveOrder
	nextID  int
	closed  bool
}

func (f *fakeAdapter) Venue() string { return "kraken" }

func (f *fakeAdapter) Authenticate(context.Context) (bool, error) {
	if f.authErr != nil {
		return false, f.authErr
	}
	return true, nil
}

func (f *fakeAdapter) GetBalance(_ context.Context, currency string) (common.Balance, error) {
	b := f.balance
	b.Currency = currency
	return b, nil
}

func (f *fakeAdapter) CreateOrder(_ context.Context, req common.OrderRequest) (common.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	f.nextID++
	o := common.Order{
		OrderID:        fmt.Sprintf("o-%d", f.nextID),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		FilledQuantity: req.Quantity,
		AvgFillPrice:   f.quote.Mid(),
		Status:         common.StatusFilled,
		CreatedAt:      time.Now(),
	}
	if f.onCreate != nil {
		if err := f.onCreate(req, &o); err != nil {
			return common.Order{}, err
		}
	}
	if f.createErr != nil {
		return common.Order{}, f.createErr
	}
	return o, nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return true, nil
}

func (f *fakeAdapter) GetPositions(context.Context) ([]common.Position, error) {
	return []common.Position{}, nil
}

func (f *fakeAdapter) SetStopLoss(_ context.Context, p common.ProtectiveOrder) (common.Order, error) {
	f.slCalls = append(f.slCalls, p)
	if f.slErr != nil {
		return common.Order{}, f.slErr
	}
	return common.Order{OrderID: "sl-1", Status: common.StatusPending}, nil
}

func (f *fakeAdapter) SetTakeProfit(_ context.Context, p common.ProtectiveOrder) (common.Order, error) {
	f.tpCalls = append(f.tpCalls, p)
	return common.Order{OrderID: "tp-1", Status: common.StatusPending}, nil
}

func (f *fakeAdapter) GetOrderHistory(_ context.Context, filter common.OrderFilter) ([]common.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filter.Apply(f.history), nil
}

func (f *fakeAdapter) GetMarketPrice(_ context.Context, symbol string) (common.Quote, error) {
	q := f.quote
	q.Symbol = symbol
	return q, nil
}

func (f *fakeAdapter) IsSymbolSupported(context.Context, string) (bool, error) { return true, nil }

func (f *fakeAdapter) GetFees(context.Context, string) (common.FeeSchedule, error) {
	return common.FeeSchedule{}, nil
}

func (f *fakeAdapter) NormalizeSymbol(raw string) string { return raw }
func (f *fakeAdapter) DenormalizeSymbol(v string) string { return v }

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeFactory struct {
	adapter *fakeAdapter
	calls   int
	venues  []string
	opts    []gateway.Options
}

func (f *fakeFactory) CreateBroker(venue string, _ common.Credentials, opts gateway.Options) (common.Adapter, error) {
	f.calls++
	f.venues = append(f.venues, venue)
	f.opts = append(f.opts, opts)
	return f.adapter, nil
}
