package gateway

import (
	"errors"
	"testing"

	"broker-bridge/internal/registry"
	"broker-bridge/pkg/brokers/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFactory records constructor calls so tests can prove validation
// happens before construction.
func countingFactory(lock bool) (*Factory, *int) {
	calls := 0
	f := NewFactory(registry.New(), lock, nil)
	for venue, ctor := range f.Constructors {
		ctor := ctor
		f.Constructors[venue] = func(c common.Credentials, o common.Options) common.Adapter {
			calls++
			return ctor(c, o)
		}
	}
	return f, &calls
}

func TestMissingFieldsFailBeforeConstruction(t *testing.T) {
	tests := []struct {
		venue   string
		creds   common.Credentials
		missing []string
	}{
		{"binance", common.Credentials{}, []string{"apiKey", "apiSecret"}},
		{"bitget", common.Credentials{APIKey: "k", APISecret: "s"}, []string{"passphrase"}},
		{"mt5", common.Credentials{Login: "1"}, []string{"password", "server"}},
		{"schwab", common.Credentials{AccessToken: "a"}, []string{"refreshToken"}},
	}
	for _, tt := range tests {
		t.Run(tt.venue, func(t *testing.T) {
			f, calls := countingFactory(false)
			a, err := f.CreateBroker(tt.venue, tt.creds, Options{})
			assert.Nil(t, a)
			var vErr *common.ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.missing, vErr.Fields)
			assert.Zero(t, *calls)
		})
	}
}

func TestCreateBrokerReturnsFreshInstances(t *testing.T) {
	f, calls := countingFactory(false)
	creds := common.Credentials{APIKey: "k", APISecret: "s"}
	a1, err := f.CreateBroker("binance", creds, Options{})
	require.NoError(t, err)
	a2, err := f.CreateBroker("binance", creds, Options{})
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, "binance", a1.Venue())
}

func TestProductionLock(t *testing.T) {
	creds := common.Credentials{APIKey: "k", APISecret: "s"}

	f, calls := countingFactory(true)
	_, err := f.CreateBroker("binance", creds, Options{Sandbox: true})
	assert.ErrorIs(t, err, ErrSandboxLocked)
	assert.Zero(t, *calls)

	creds.Sandbox = true
	_, err = f.CreateBroker("binance", creds, Options{})
	assert.ErrorIs(t, err, ErrSandboxLocked, "sandbox flag on the credential counts too")

	_, err = f.CreateBroker("binance", creds, Options{AllowSandbox: true})
	assert.NoError(t, err)

	unlocked, _ := countingFactory(false)
	_, err = unlocked.CreateBroker("binance", creds, Options{})
	assert.NoError(t, err)
}

func TestSandboxUnsupportedVenue(t *testing.T) {
	f, _ := countingFactory(false)
	_, err := f.CreateBroker("kraken", common.Credentials{APIKey: "k", APISecret: "s"}, Options{Sandbox: true})
	var unsup *common.UnsupportedOperationError
	assert.True(t, errors.As(err, &unsup))
}

func TestUnknownAndPlannedVenues(t *testing.T) {
	f, _ := countingFactory(false)
	_, err := f.CreateBroker("nowhere", common.Credentials{}, Options{})
	assert.ErrorIs(t, err, registry.ErrVenueNotFound)

	_, err = f.CreateBroker("coinbase", common.Credentials{APIKey: "k", APISecret: "s"}, Options{})
	assert.ErrorIs(t, err, ErrVenueUnavailable)
}

func TestEveryAvailableVenueHasConstructor(t *testing.T) {
	ctors := DefaultConstructors()
	for _, v := range registry.New().ListVenues(false) {
		_, ok := ctors[v.Key]
		assert.True(t, ok, v.Key)
	}
}
