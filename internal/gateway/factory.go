// Package gateway builds venue adapters. Every call returns a fresh instance
// owned by the caller; nothing is pooled or cached.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"broker-bridge/internal/registry"
	"broker-bridge/pkg/brokers/alpaca"
	"broker-bridge/pkg/brokers/binance"
	"broker-bridge/pkg/brokers/bitget"
	"broker-bridge/pkg/brokers/common"
	"broker-bridge/pkg/brokers/kraken"
	"broker-bridge/pkg/brokers/mt5"
	"broker-bridge/pkg/brokers/schwab"

	"go.uber.org/zap"
)

var (
	ErrSandboxLocked    = errors.New("sandbox adapters are disabled by the production lock")
	ErrVenueUnavailable = errors.New("venue is not available yet")
	ErrNoConstructor    = errors.New("no adapter registered for venue")
)

// Constructor builds an adapter. It must not perform network I/O.
type Constructor func(common.Credentials, common.Options) common.Adapter

// Catalog is the part of the registry the factory needs.
type Catalog interface {
	GetVenueInfo(key string) (registry.VenueInfo, error)
}

// DefaultConstructors maps every available venue to its adapter.
func DefaultConstructors() map[string]Constructor {
	return map[string]Constructor{
		binance.Venue: func(c common.Credentials, o common.Options) common.Adapter { return binance.New(c, o) },
		kraken.Venue:  func(c common.Credentials, o common.Options) common.Adapter { return kraken.New(c, o) },
		bitget.Venue:  func(c common.Credentials, o common.Options) common.Adapter { return bitget.New(c, o) },
		alpaca.Venue:  func(c common.Credentials, o common.Options) common.Adapter { return alpaca.New(c, o) },
		schwab.Venue:  func(c common.Credentials, o common.Options) common.Adapter { return schwab.New(c, o) },
		mt5.Venue:     func(c common.Credentials, o common.Options) common.Adapter { return mt5.New(c, o) },
	}
}

// Options are per-call construction options.
type Options struct {
	Sandbox      bool
	AllowSandbox bool // explicit override of the production lock
	BaseURL      string
	HTTPClient   *http.Client

	// OnAuthFailure is forwarded to OAuth adapters.
	OnAuthFailure func()
}

// Factory creates adapters after validating credentials against the catalog.
type Factory struct {
	Catalog      Catalog
	Constructors map[string]Constructor

	// ProductionLock refuses sandbox adapters unless Options.AllowSandbox is set.
	ProductionLock bool
	Timeout        time.Duration
	BaseURLs       map[string]string // per-venue endpoint overrides from config
	Logger         *zap.Logger
}

// NewFactory returns a factory wired to the default constructors.
func NewFactory(catalog Catalog, productionLock bool, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		Catalog:        catalog,
		Constructors:   DefaultConstructors(),
		ProductionLock: productionLock,
		Timeout:        common.DefaultTimeout,
		BaseURLs:       map[string]string{},
		Logger:         logger,
	}
}

// ValidateCredentials checks creds against the venue's required fields and
// enumerates every missing one.
func (f *Factory) ValidateCredentials(venueKey string, creds common.Credentials) error {
	info, err := f.Catalog.GetVenueInfo(venueKey)
	if err != nil {
		return err
	}
	if missing := creds.Missing(info.RequiredFields); len(missing) > 0 {
		return &common.ValidationError{
			Fields:  missing,
			Message: fmt.Sprintf("missing %s credentials", venueKey),
		}
	}
	return nil
}

// CreateBroker validates first and only then constructs, so invalid input
// never reaches an adapter.
func (f *Factory) CreateBroker(venueKey string, creds common.Credentials, opts Options) (common.Adapter, error) {
	info, err := f.Catalog.GetVenueInfo(venueKey)
	if err != nil {
		return nil, err
	}
	if !info.Available() {
		return nil, fmt.Errorf("%w: %s", ErrVenueUnavailable, venueKey)
	}
	if err := f.ValidateCredentials(venueKey, creds); err != nil {
		return nil, err
	}

	sandbox := opts.Sandbox || creds.Sandbox
	if sandbox {
		if f.ProductionLock && !opts.AllowSandbox {
			f.Logger.Warn("sandbox adapter refused", zap.String("venue", venueKey))
			return nil, ErrSandboxLocked
		}
		if !info.SupportsSandbox {
			return nil, &common.UnsupportedOperationError{Venue: venueKey, Operation: "sandbox"}
		}
	}

	ctor, ok := f.Constructors[venueKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConstructor, venueKey)
	}
	creds.Sandbox = sandbox
	return ctor(creds, common.Options{
		Sandbox:       sandbox,
		BaseURL:       common.Pick(opts.BaseURL, f.BaseURLs[venueKey]),
		Timeout:       f.Timeout,
		HTTPClient:    opts.HTTPClient,
		Logger:        f.Logger,
		OnAuthFailure: opts.OnAuthFailure,
	}), nil
}
