package exec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BITUNIX FUTURES ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Symbols are concatenated (BTCUSDT). Private calls carry api-key, nonce,
// timestamp and a double SHA-256 signature:
//   digest = sha256(nonce + timestamp + apiKey + sortedQuery + body)
//   sign   = sha256(digest + secret)
// SL/TP ride on the entry order as native tp/sl fields.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	BitunixBaseURL = "https://fapi.bitunix.com"
	pairsTTL       = 10 * time.Minute
	tickerMaxAge   = 10 * time.Second
)

// BitunixConfig configures the Bitunix adapter
type BitunixConfig struct {
	APIKey     string
	Secret     string
	BaseURL    string
	Language   string
	MarginMode string // ISOLATION or CROSS
	RateLimit  float64
}

type bitunixPair struct {
	Symbol         string     `json:"symbol"`
	BasePrecision  int        `json:"basePrecision"`
	MinTradeVolume flexString `json:"minTradeVolume"`
	MaxLeverage    int        `json:"maxLeverage"`
	SymbolStatus   string     `json:"symbolStatus"`
}

// Bitunix implements Exchange and OrderVerifier
type Bitunix struct {
	rest       *restClient
	apiKey     string
	secret     string
	language   string
	marginMode string
	ticker     *BitunixTicker
	nonce      func() string

	mu      sync.Mutex
	pairs   map[string]bitunixPair
	pairsAt time.Time
}

// NewBitunix creates a new Bitunix adapter
func NewBitunix(cfg BitunixConfig) *Bitunix {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = BitunixBaseURL
	}
	lang := cfg.Language
	if lang == "" {
		lang = "en-US"
	}
	mode := strings.ToUpper(cfg.MarginMode)
	if mode == "" {
		mode = "ISOLATION"
	}
	return &Bitunix{
		rest:       newRESTClient("bitunix", base, cfg.RateLimit),
		apiKey:     cfg.APIKey,
		secret:     cfg.Secret,
		language:   lang,
		marginMode: mode,
		nonce:      func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// UseTicker lets Price answer from a websocket cache when it is fresh
func (b *Bitunix) UseTicker(t *BitunixTicker) {
	b.ticker = t
}

// Name returns the venue name
func (b *Bitunix) Name() string { return "bitunix" }

// Symbol returns the concatenated perp symbol, e.g. BTCUSDT
func (b *Bitunix) Symbol(token, quote string) string {
	return concat(token, quote)
}

// Tradable reports whether the symbol is listed and open for trading
func (b *Bitunix) Tradable(ctx context.Context, symbol string) (bool, error) {
	pair, ok, err := b.pair(ctx, symbol)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return pair.SymbolStatus == "" || strings.EqualFold(pair.SymbolStatus, "OPEN"), nil
}

// Price returns the last traded price
func (b *Bitunix) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if b.ticker != nil {
		if p, ok := b.ticker.Last(symbol, tickerMaxAge); ok {
			return p, nil
		}
		b.ticker.Watch(symbol)
	}

	data, err := b.call(ctx, "GET", "/api/v1/futures/market/tickers", url.Values{"symbols": {symbol}}, nil, false)
	if err != nil {
		return decimal.Zero, err
	}

	var tickers []struct {
		Symbol    string     `json:"symbol"`
		LastPrice flexString `json:"lastPrice"`
		Last      flexString `json:"last"`
		MarkPrice flexString `json:"markPrice"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return decimal.Zero, b.rest.errorf(KindUnavailable, "", "decode tickers: %v", err)
	}
	for _, t := range tickers {
		if t.Symbol != symbol {
			continue
		}
		for _, raw := range []flexString{t.LastPrice, t.Last, t.MarkPrice} {
			if p := raw.Decimal(); p.IsPositive() {
				return p, nil
			}
		}
	}
	return decimal.Zero, b.rest.errorf(KindInvalidSymbol, "", "no ticker for %s", symbol)
}

// Balance returns the available margin in the quote coin
func (b *Bitunix) Balance(ctx context.Context, quote string) (decimal.Decimal, error) {
	data, err := b.call(ctx, "GET", "/api/v1/futures/account", url.Values{"marginCoin": {quote}}, nil, true)
	if err != nil {
		return decimal.Zero, err
	}

	type account struct {
		MarginCoin string     `json:"marginCoin"`
		Available  flexString `json:"available"`
	}
	var list []account
	if err := json.Unmarshal(data, &list); err != nil {
		var one account
		if err := json.Unmarshal(data, &one); err != nil {
			return decimal.Zero, b.rest.errorf(KindUnavailable, "", "decode account: %v", err)
		}
		list = []account{one}
	}
	if len(list) == 0 {
		return decimal.Zero, nil
	}
	return list[0].Available.Decimal(), nil
}

// PlaceLeveragedOrder sets leverage and opens a market position with native tp/sl
func (b *Bitunix) PlaceLeveragedOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	pair, ok, err := b.pair(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, b.rest.errorf(KindInvalidSymbol, "", "%s is not listed", req.Symbol)
	}

	qty := req.Quantity.RoundFloor(int32(pair.BasePrecision))
	if minQty := pair.MinTradeVolume.Decimal(); qty.LessThan(minQty) {
		return nil, b.rest.errorf(KindInvalidOrder, "", "quantity %s below minimum %s", qty, minQty)
	}
	if !qty.IsPositive() {
		return nil, b.rest.errorf(KindInvalidOrder, "", "quantity rounds to zero at precision %d", pair.BasePrecision)
	}

	lev := req.Leverage
	if pair.MaxLeverage > 0 && lev > pair.MaxLeverage {
		lev = pair.MaxLeverage
	}
	if err := b.prepare(ctx, req.Symbol, lev); err != nil {
		return nil, err
	}

	body := map[string]any{
		"symbol":     req.Symbol,
		"side":       req.Side.OrderSide(),
		"qty":        qty.String(),
		"orderType":  "MARKET",
		"tradeSide":  "OPEN",
		"reduceOnly": false,
		"clientId":   req.ClientOrderID,
	}
	if req.IsLimit() {
		body["orderType"] = "LIMIT"
		body["price"] = req.LimitPrice.String()
		body["effect"] = "GTC"
	}
	if req.TakeProfit != nil {
		body["tpPrice"] = req.TakeProfit.String()
		body["tpStopType"] = "MARK_PRICE"
		body["tpOrderType"] = "MARKET"
	}
	if req.StopLoss != nil {
		body["slPrice"] = req.StopLoss.String()
		body["slStopType"] = "MARK_PRICE"
		body["slOrderType"] = "MARKET"
	}

	payload, _ := json.Marshal(body)
	log.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side.OrderSide()).
		Str("qty", qty.String()).
		Int("leverage", lev).
		Str("client_id", req.ClientOrderID).
		Msg("📤 Bitunix: placing order")

	data, err := b.call(ctx, "POST", "/api/v1/futures/trade/place_order", nil, payload, true)
	if err != nil {
		return nil, err
	}

	var out struct {
		OrderID  flexString `json:"orderId"`
		ClientID string     `json:"clientId"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.OrderID == "" {
		return nil, b.rest.errorf(KindUnavailable, "", "order accepted without id: %s", snippet(data))
	}
	return &OrderResult{OrderID: out.OrderID.String(), Status: "submitted"}, nil
}

// FindOrder looks an order up by client id
func (b *Bitunix) FindOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, bool, error) {
	data, err := b.call(ctx, "GET", "/api/v1/futures/trade/get_order_detail", url.Values{"clientId": {clientOrderID}}, nil, true)
	if err != nil {
		if k := KindOf(err); k == KindRejected || k == KindInvalidOrder {
			return nil, false, nil
		}
		return nil, false, err
	}

	var out struct {
		OrderID flexString `json:"orderId"`
		Status  string     `json:"status"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.OrderID == "" {
		return nil, false, nil
	}
	return &OrderResult{OrderID: out.OrderID.String(), Status: strings.ToLower(out.Status)}, true, nil
}

// prepare applies margin mode and leverage for the symbol
func (b *Bitunix) prepare(ctx context.Context, symbol string, leverage int) error {
	mode, _ := json.Marshal(map[string]any{"symbol": symbol, "marginMode": b.marginMode, "marginCoin": quoteOf(symbol)})
	if _, err := b.call(ctx, "POST", "/api/v1/futures/account/change_margin_mode", nil, mode, true); err != nil {
		if IsRetryable(err) {
			return err
		}
		// fails while a position is open; the existing mode stays
		log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Bitunix: margin mode unchanged")
	}

	lev, _ := json.Marshal(map[string]any{"symbol": symbol, "leverage": leverage, "marginCoin": quoteOf(symbol)})
	if _, err := b.call(ctx, "POST", "/api/v1/futures/account/change_leverage", nil, lev, true); err != nil {
		return err
	}
	return nil
}

// pair returns trading-pair metadata, refreshing the cache when stale
func (b *Bitunix) pair(ctx context.Context, symbol string) (bitunixPair, bool, error) {
	b.mu.Lock()
	fresh := b.pairs != nil && time.Since(b.pairsAt) < pairsTTL
	if fresh {
		p, ok := b.pairs[symbol]
		b.mu.Unlock()
		return p, ok, nil
	}
	b.mu.Unlock()

	data, err := b.call(ctx, "GET", "/api/v1/futures/market/trading_pairs", nil, nil, false)
	if err != nil {
		return bitunixPair{}, false, err
	}
	var list []bitunixPair
	if err := json.Unmarshal(data, &list); err != nil {
		return bitunixPair{}, false, b.rest.errorf(KindUnavailable, "", "decode trading pairs: %v", err)
	}

	pairs := make(map[string]bitunixPair, len(list))
	for _, p := range list {
		pairs[p.Symbol] = p
	}

	b.mu.Lock()
	b.pairs = pairs
	b.pairsAt = time.Now()
	b.mu.Unlock()

	p, ok := pairs[symbol]
	return p, ok, nil
}

// call performs a request and unwraps the {code, msg, data} envelope
func (b *Bitunix) call(ctx context.Context, method, path string, query url.Values, body []byte, auth bool) (json.RawMessage, error) {
	headers := map[string]string{"language": b.language}
	if auth {
		if b.apiKey == "" || b.secret == "" {
			return nil, b.rest.errorf(KindAuth, "", "BITUNIX_API_KEY and BITUNIX_SECRET are required")
		}
		nonce := b.nonce()
		ts := millis()
		headers["api-key"] = b.apiKey
		headers["nonce"] = nonce
		headers["timestamp"] = ts
		headers["sign"] = bitunixSign(nonce, ts, b.apiKey, queryConcat(query), string(body), b.secret)
	}

	raw, err := b.rest.do(ctx, method, path, query, body, headers)
	if err != nil {
		return nil, err
	}

	var env struct {
		Code json.Number     `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, b.rest.errorf(KindUnavailable, "", "decode envelope: %v", err)
	}
	if env.Code.String() != "0" {
		return nil, b.classify(env.Code.String(), env.Msg)
	}
	return env.Data, nil
}

// classify maps a non-zero Bitunix code onto an error kind
func (b *Bitunix) classify(code, msg string) *Error {
	kind := KindRejected
	lower := strings.ToLower(msg)
	switch {
	case code == "10005" || code == "10006" || strings.Contains(lower, "too many") || strings.Contains(lower, "frequent"):
		kind = KindRateLimited
	case code == "10003" || code == "10004" || code == "10007" || strings.Contains(lower, "sign") || strings.Contains(lower, "api-key"):
		kind = KindAuth
	case code == "10001" || strings.Contains(lower, "network") || strings.Contains(lower, "system busy"):
		kind = KindUnavailable
	case strings.Contains(lower, "balance") || strings.Contains(lower, "margin is insufficient") || strings.Contains(lower, "insufficient"):
		kind = KindInsufficientMargin
	case strings.Contains(lower, "duplicate") || (strings.Contains(lower, "clientid") && strings.Contains(lower, "exist")):
		kind = KindDuplicateOrder
	case strings.Contains(lower, "symbol") || strings.Contains(lower, "pair"):
		kind = KindInvalidSymbol
	case strings.Contains(lower, "qty") || strings.Contains(lower, "quantity") || strings.Contains(lower, "leverage") || strings.Contains(lower, "parameter"):
		kind = KindInvalidOrder
	}
	return b.rest.errorf(kind, code, "%s", msg)
}

// bitunixSign computes sha256(sha256(nonce+ts+apiKey+query+body) + secret) in hex
func bitunixSign(nonce, timestamp, apiKey, query, body, secret string) string {
	digest := sha256.Sum256([]byte(nonce + timestamp + apiKey + query + body))
	sign := sha256.Sum256([]byte(hex.EncodeToString(digest[:]) + secret))
	return hex.EncodeToString(sign[:])
}

// queryConcat sorts query keys and concatenates key+value without separators
func queryConcat(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(q.Get(k))
	}
	return sb.String()
}

// quoteOf guesses the settlement coin of a concatenated symbol
func quoteOf(symbol string) string {
	for _, q := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, q) {
			return q
		}
	}
	return "USDT"
}
