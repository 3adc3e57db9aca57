package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER SIZING - Fixed notional capped by free balance
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula: target = min(notional, balance_fraction * free_balance)
//          qty    = target / market_price
//
// Checks, in order:
// - symbol must be tradable on the exchange
// - a positive market price must be available
// - target must reach the minimum notional
// - market price must be within max deviation of the signal's entry
//
// ═══════════════════════════════════════════════════════════════════════════════

// Rejection reasons. Sizing rejections are terminal for the unit.
var (
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	ErrNoValidPrice      = errors.New("no valid market price")
	ErrBudgetTooSmall    = errors.New("budget below minimum threshold")
	ErrPriceDeviation    = errors.New("price deviated from signal")
)

// IsRejection reports whether err is one of the sizing rejections
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnsupportedSymbol) ||
		errors.Is(err, ErrNoValidPrice) ||
		errors.Is(err, ErrBudgetTooSmall) ||
		errors.Is(err, ErrPriceDeviation)
}

// Market is the read side of an exchange the sizer needs
type Market interface {
	Symbol(token, quote string) string
	Tradable(ctx context.Context, symbol string) (bool, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	Balance(ctx context.Context, quote string) (decimal.Decimal, error)
}

// Sizer turns a signal into a concrete order quantity
type Sizer struct {
	quote        string
	notional     decimal.Decimal
	minNotional  decimal.Decimal
	fraction     decimal.Decimal
	maxDeviation decimal.Decimal
}

// NewSizer creates a new order sizer
func NewSizer(quote string, notional, minNotional, fraction, maxDeviation decimal.Decimal) *Sizer {
	return &Sizer{
		quote:        quote,
		notional:     notional,
		minNotional:  minNotional,
		fraction:     fraction,
		maxDeviation: maxDeviation,
	}
}

// Quote returns the settlement currency orders are sized in
func (s *Sizer) Quote() string {
	return s.quote
}

// Size computes the order for a signal. Rejections wrap one of the Err* reasons; any other
// error comes from the exchange and may be transient.
func (s *Sizer) Size(ctx context.Context, sig *types.Signal, m Market) (*types.SizedOrder, error) {
	symbol := m.Symbol(sig.Token, s.quote)

	ok, err := m.Tradable(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", symbol, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}

	price, err := m.Price(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoValidPrice, symbol, err)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s at %s", ErrNoValidPrice, symbol, price)
	}

	balance, err := m.Balance(ctx, s.quote)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", s.quote, err)
	}

	target := decimal.Min(s.notional, balance.Mul(s.fraction))
	if target.LessThan(s.minNotional) || !target.IsPositive() {
		log.Warn().
			Str("symbol", symbol).
			Str("balance", balance.String()).
			Str("target", target.StringFixed(2)).
			Msg("⚠️ Budget below minimum")
		return nil, fmt.Errorf("%w: %s %s < %s", ErrBudgetTooSmall, target.StringFixed(2), s.quote, s.minNotional)
	}

	deviation := decimal.Zero
	if sig.EntryPrice != nil && sig.EntryPrice.IsPositive() {
		deviation = price.Sub(*sig.EntryPrice).Abs().Div(*sig.EntryPrice)
		if deviation.GreaterThan(s.maxDeviation) {
			return nil, fmt.Errorf("%w: market %s vs entry %s (%s%%)", ErrPriceDeviation,
				price, sig.EntryPrice, deviation.Mul(decimal.NewFromInt(100)).StringFixed(2))
		}
	}

	order := &types.SizedOrder{
		Signal:    sig,
		Quote:     s.quote,
		Symbol:    symbol,
		Price:     price,
		Quantity:  target.Div(price),
		Notional:  target,
		Deviation: deviation,
	}

	log.Debug().
		Str("symbol", symbol).
		Str("price", price.String()).
		Str("notional", target.StringFixed(2)).
		Str("qty", order.Quantity.String()).
		Msg("📐 Order sized")

	return order, nil
}
