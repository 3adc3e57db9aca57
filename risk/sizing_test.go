package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/types"
)

type fakeMarket struct {
	tradable bool
	price    decimal.Decimal
	priceErr error
	balance  decimal.Decimal
}

func (m *fakeMarket) Symbol(token, quote string) string { return token + quote }

func (m *fakeMarket) Tradable(context.Context, string) (bool, error) { return m.tradable, nil }

func (m *fakeMarket) Price(context.Context, string) (decimal.Decimal, error) {
	return m.price, m.priceErr
}

func (m *fakeMarket) Balance(context.Context, string) (decimal.Decimal, error) {
	return m.balance, nil
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestSizer() *Sizer {
	return NewSizer("USDT", d(10), d(10), decimal.NewFromFloat(0.90), decimal.NewFromFloat(0.02))
}

func signalAt(entry *decimal.Decimal) *types.Signal {
	return &types.Signal{Token: "BTC", Side: types.SideLong, EntryPrice: entry, Leverage: 5, Outcome: types.OutcomeSignal}
}

func TestSizeHappyPath(t *testing.T) {
	entry := d(65000)
	m := &fakeMarket{tradable: true, price: d(65000), balance: d(1000)}

	order, err := newTestSizer().Size(context.Background(), signalAt(&entry), m)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", order.Symbol)
	assert.True(t, order.Notional.Equal(d(10)))
	assert.True(t, order.Quantity.Equal(d(10).Div(d(65000))))
	assert.True(t, order.Deviation.IsZero())
}

func TestSizeSmallBalanceRejected(t *testing.T) {
	m := &fakeMarket{tradable: true, price: d(100), balance: d(5)}

	_, err := newTestSizer().Size(context.Background(), signalAt(nil), m)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetTooSmall)
	assert.True(t, IsRejection(err))
	assert.Contains(t, err.Error(), "budget below minimum threshold")
}

func TestSizeDeviation(t *testing.T) {
	entry := d(100)

	_, err := newTestSizer().Size(context.Background(), signalAt(&entry), &fakeMarket{tradable: true, price: d(103), balance: d(1000)})
	assert.ErrorIs(t, err, ErrPriceDeviation)

	order, err := newTestSizer().Size(context.Background(), signalAt(&entry), &fakeMarket{tradable: true, price: d(101), balance: d(1000)})
	require.NoError(t, err)
	assert.True(t, order.Deviation.Equal(decimal.NewFromFloat(0.01)))

	// exactly at the limit is accepted
	_, err = newTestSizer().Size(context.Background(), signalAt(&entry), &fakeMarket{tradable: true, price: d(98), balance: d(1000)})
	assert.NoError(t, err)
}

func TestSizeCheckOrder(t *testing.T) {
	entry := d(100)

	// unsupported wins over everything else
	_, err := newTestSizer().Size(context.Background(), signalAt(&entry), &fakeMarket{tradable: false, price: d(0), balance: d(1)})
	assert.ErrorIs(t, err, ErrUnsupportedSymbol)

	// then price
	_, err = newTestSizer().Size(context.Background(), signalAt(&entry), &fakeMarket{tradable: true, price: d(0), balance: d(1)})
	assert.ErrorIs(t, err, ErrNoValidPrice)

	// then budget, even though the price also deviates
	_, err = newTestSizer().Size(context.Background(), signalAt(&entry), &fakeMarket{tradable: true, price: d(200), balance: d(1)})
	assert.ErrorIs(t, err, ErrBudgetTooSmall)
}

func TestSizeCapsByBalanceFraction(t *testing.T) {
	s := NewSizer("USDT", d(100), d(10), decimal.NewFromFloat(0.90), decimal.NewFromFloat(0.02))
	order, err := s.Size(context.Background(), signalAt(nil), &fakeMarket{tradable: true, price: d(50), balance: d(20)})
	require.NoError(t, err)
	assert.True(t, order.Notional.Equal(d(18)))
	assert.True(t, order.Quantity.Equal(decimal.NewFromFloat(0.36)))
}

func TestSizePriceErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	_, err := newTestSizer().Size(context.Background(), signalAt(nil), &fakeMarket{tradable: true, priceErr: cause, balance: d(1000)})
	assert.ErrorIs(t, err, ErrNoValidPrice)
	assert.ErrorIs(t, err, cause)
}
