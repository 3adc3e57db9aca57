package exec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE ABSTRACTION - One adapter per venue, typed errors
// ═══════════════════════════════════════════════════════════════════════════════

// ErrorKind classifies an exchange failure
type ErrorKind string

const (
	// retryable
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"

	// terminal
	KindInvalidSymbol      ErrorKind = "invalid_symbol"
	KindInsufficientMargin ErrorKind = "insufficient_margin"
	KindDuplicateOrder     ErrorKind = "duplicate_order"
	KindInvalidOrder       ErrorKind = "invalid_order"
	KindAuth               ErrorKind = "auth"
	KindRejected           ErrorKind = "rejected"
)

// Error is returned by every adapter for venue-side failures
type Error struct {
	Exchange string
	Kind     ErrorKind
	Code     string
	Message  string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s (code %s): %s", e.Exchange, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Exchange, e.Kind, e.Message)
}

// Retryable reports whether the same request may succeed later
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindUnavailable:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable *Error
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// KindOf returns the error kind, or "" when err is not an *Error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// OrderType selects how the entry order is priced
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderRequest is an order opening a leveraged position
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          OrderType       // "" is market
	Quantity      decimal.Decimal // base units
	Price         decimal.Decimal // reference price used for sizing
	LimitPrice    decimal.Decimal // set for limit orders
	Leverage      int
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	ClientOrderID string
}

// OrderResult is what the venue acknowledged
type OrderResult struct {
	OrderID      string
	Status       string
	ProtectIDs   []string // follow-up stop-loss / take-profit orders, if the venue needs them
	ProtectError string   // follow-up order failure; the position itself is open
}

// OrderIDs returns the entry order id followed by any protective order ids
func (r *OrderResult) OrderIDs() []string {
	ids := []string{}
	if r.OrderID != "" {
		ids = append(ids, r.OrderID)
	}
	return append(ids, r.ProtectIDs...)
}

// Exchange is the capability set the coordinator needs from a venue
type Exchange interface {
	Name() string
	Symbol(token, quote string) string
	Tradable(ctx context.Context, symbol string) (bool, error)
	Balance(ctx context.Context, quote string) (decimal.Decimal, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceLeveragedOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// OrderVerifier finds an order by client order id, used to recover after a crash mid-submit
type OrderVerifier interface {
	FindOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, bool, error)
}

// IsLimit reports whether the request rests at LimitPrice
func (r OrderRequest) IsLimit() bool {
	return r.Type == OrderLimit && r.LimitPrice.IsPositive()
}

// ProtectionKeeper is implemented by venues that place stop-loss / take-profit
// as separate orders. EnsureProtection places whichever legs of an already open
// entry are missing, recording ids and failures on result.
type ProtectionKeeper interface {
	EnsureProtection(ctx context.Context, req OrderRequest, result *OrderResult)
}

// ClientOrderID derives the deterministic client order id for a submission key
func ClientOrderID(key types.SubmissionKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return "sb" + hex.EncodeToString(sum[:])[:30]
}

// FirstOrNil returns the first price of a list, or nil
func FirstOrNil(prices []decimal.Decimal) *decimal.Decimal {
	if len(prices) == 0 {
		return nil
	}
	p := prices[0]
	return &p
}

// concat joins a normalized token with a quote, e.g. BTC + USDT = BTCUSDT
func concat(token, quote string) string {
	base := types.NormalizeToken(token)
	quote = types.NormalizeToken(quote)
	if quote != "" && len(base) > len(quote) && base[len(base)-len(quote):] == quote {
		return base
	}
	return base + quote
}
