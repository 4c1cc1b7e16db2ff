package trader

import (
	"context"
	"time"

	"delta-copy-trader/internal/delta"

	"github.com/stretchr/testify/mock"
)

// MockRestClient is a mock implementation of the RestClientInterface.
type MockRestClient struct {
	mock.Mock
}

var _ delta.RestClientInterface = (*MockRestClient)(nil)

func (m *MockRestClient) GetServerTime(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRestClient) GetBalances(ctx context.Context) (map[string]float64, error) {
	args := m.Called(ctx)
	balances, _ := args.Get(0).(map[string]float64)
	return balances, args.Error(1)
}

func (m *MockRestClient) GetPositions(ctx context.Context) ([]delta.Position, error) {
	args := m.Called(ctx)
	positions, _ := args.Get(0).([]delta.Position)
	return positions, args.Error(1)
}

func (m *MockRestClient) GetPosition(ctx context.Context, productID int64) (delta.Position, error) {
	args := m.Called(ctx, productID)
	return args.Get(0).(delta.Position), args.Error(1)
}

func (m *MockRestClient) GetRecentFills(ctx context.Context, window time.Duration) ([]delta.Fill, error) {
	args := m.Called(ctx, window)
	fills, _ := args.Get(0).([]delta.Fill)
	return fills, args.Error(1)
}

func (m *MockRestClient) GetRecentOrders(ctx context.Context, window time.Duration) ([]delta.Order, error) {
	args := m.Called(ctx, window)
	orders, _ := args.Get(0).([]delta.Order)
	return orders, args.Error(1)
}

func (m *MockRestClient) PlaceOrder(ctx context.Context, req delta.OrderRequest) (*delta.OrderResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*delta.OrderResult)
	return res, args.Error(1)
}

func (m *MockRestClient) CancelOrder(ctx context.Context, productID, orderID int64) error {
	args := m.Called(ctx, productID, orderID)
	return args.Error(0)
}

type fakeBrokers map[string]delta.RestClientInterface

func (b fakeBrokers) Client(creds delta.Credentials) delta.RestClientInterface {
	return b[creds.APIKey]
}

type fakeInstruments map[string]delta.Product

func (f fakeInstruments) Resolve(ctx context.Context, symbol string) (delta.Product, error) {
	p, ok := f[symbol]
	if !ok {
		return delta.Product{}, &delta.Error{Kind: delta.KindUnknownSymbol, Message: symbol}
	}
	return p, nil
}

// flakyInstruments fails the first failures lookups with a network error.
type flakyInstruments struct {
	inner    Instruments
	failures int
	calls    int
}

func (f *flakyInstruments) Resolve(ctx context.Context, symbol string) (delta.Product, error) {
	f.calls++
	if f.calls <= f.failures {
		return delta.Product{}, &delta.Error{Kind: delta.KindNetwork, Message: "products unavailable"}
	}
	return f.inner.Resolve(ctx, symbol)
}

type fakeLease struct{ held bool }

func (l fakeLease) TryAcquire(context.Context, string) (bool, error) { return l.held, nil }
func (l fakeLease) Release(context.Context, string) error            { return nil }
