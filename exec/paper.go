package exec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER EXCHANGE - In-memory venue for dry runs and tests
// ═══════════════════════════════════════════════════════════════════════════════

// PriceSource supplies live market data to the paper venue
type PriceSource interface {
	Tradable(ctx context.Context, symbol string) (bool, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PaperOrder is an order the paper venue accepted
type PaperOrder struct {
	OrderRequest
	OrderID string
}

// Paper implements Exchange and OrderVerifier without touching a real venue
type Paper struct {
	mu      sync.Mutex
	source  PriceSource
	prices  map[string]decimal.Decimal
	balance decimal.Decimal
	orders  []PaperOrder
	byCID   map[string]PaperOrder
	failing []error

	nextID     atomic.Int64
	placeCalls atomic.Int64
	priceCalls atomic.Int64
}

// NewPaper creates a new paper venue holding balance in the quote coin
func NewPaper(balance decimal.Decimal) *Paper {
	return &Paper{
		prices:  make(map[string]decimal.Decimal),
		balance: balance,
		byCID:   make(map[string]PaperOrder),
	}
}

// WithPriceSource answers Tradable/Price from a live venue for symbols without a fixed price
func (p *Paper) WithPriceSource(src PriceSource) *Paper {
	p.source = src
	return p
}

// SetPrice fixes the price of a symbol, which also makes it tradable
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// FailNext makes the next placements return errs in order
func (p *Paper) FailNext(errs ...error) {
	p.mu.Lock()
	p.failing = append(p.failing, errs...)
	p.mu.Unlock()
}

// Orders returns the accepted orders
func (p *Paper) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperOrder, len(p.orders))
	copy(out, p.orders)
	return out
}

// PlaceCalls counts PlaceLeveragedOrder invocations, including failed ones
func (p *Paper) PlaceCalls() int { return int(p.placeCalls.Load()) }

// PriceCalls counts Price invocations
func (p *Paper) PriceCalls() int { return int(p.priceCalls.Load()) }

// Name returns the venue name
func (p *Paper) Name() string { return "paper" }

// Symbol returns the concatenated symbol, e.g. BTCUSDT
func (p *Paper) Symbol(token, quote string) string { return concat(token, quote) }

// Tradable reports whether a price is known for the symbol
func (p *Paper) Tradable(ctx context.Context, symbol string) (bool, error) {
	p.mu.Lock()
	_, ok := p.prices[symbol]
	p.mu.Unlock()
	if ok || p.source == nil {
		return ok, nil
	}
	return p.source.Tradable(ctx, symbol)
}

// Price returns the fixed or live price
func (p *Paper) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.priceCalls.Add(1)
	p.mu.Lock()
	price, ok := p.prices[symbol]
	p.mu.Unlock()
	if ok {
		return price, nil
	}
	if p.source != nil {
		return p.source.Price(ctx, symbol)
	}
	return decimal.Zero, &Error{Exchange: "paper", Kind: KindInvalidSymbol, Message: "no price for " + symbol}
}

// Balance returns the paper balance
func (p *Paper) Balance(context.Context, string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// PlaceLeveragedOrder records the order and reserves its margin
func (p *Paper) PlaceLeveragedOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	p.placeCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failing) > 0 {
		err := p.failing[0]
		p.failing = p.failing[1:]
		return nil, err
	}
	if _, dup := p.byCID[req.ClientOrderID]; dup && req.ClientOrderID != "" {
		return nil, &Error{Exchange: "paper", Kind: KindDuplicateOrder, Message: "client order id already used: " + req.ClientOrderID}
	}

	order := PaperOrder{OrderRequest: req, OrderID: fmt.Sprintf("paper-%d", p.nextID.Add(1))}
	p.orders = append(p.orders, order)
	if req.ClientOrderID != "" {
		p.byCID[req.ClientOrderID] = order
	}

	price := req.Price
	if req.IsLimit() {
		price = req.LimitPrice
	}
	if req.Leverage > 0 {
		margin := req.Quantity.Mul(price).Div(decimal.NewFromInt(int64(req.Leverage)))
		p.balance = p.balance.Sub(margin)
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side.OrderSide()).
		Str("qty", req.Quantity.String()).
		Int("leverage", req.Leverage).
		Str("order_id", order.OrderID).
		Msg("📝 Paper order filled")

	return &OrderResult{OrderID: order.OrderID, Status: "filled"}, nil
}

// FindOrder looks an accepted order up by client order id
func (p *Paper) FindOrder(_ context.Context, _ string, clientOrderID string) (*OrderResult, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byCID[clientOrderID]
	if !ok {
		return nil, false, nil
	}
	return &OrderResult{OrderID: o.OrderID, Status: "filled"}, true, nil
}
