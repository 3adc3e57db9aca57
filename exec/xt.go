package exec

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// XT FUTURES ADAPTER (USDT-M perpetuals)
// ═══════════════════════════════════════════════════════════════════════════════
//
// Symbols are displayed as BASE/QUOTE:QUOTE and sent lower-cased as base_quote.
// Quantities go out in whole contracts of contractSize base units.
// Signature: hmac_sha256(secret, "validate-appkey=K&validate-timestamp=T" +
// "#METHOD#path[#query][#body]").
//
// ═══════════════════════════════════════════════════════════════════════════════

const XTBaseURL = "https://fapi.xt.com"

// XTConfig configures the XT adapter
type XTConfig struct {
	APIKey     string
	Secret     string
	BaseURL    string
	MarginMode string // ISOLATION or CROSS
	RateLimit  float64
}

type xtContract struct {
	Symbol            string     `json:"symbol"`
	ContractSize      flexString `json:"contractSize"`
	QuantityPrecision int        `json:"quantityPrecision"`
	MinQty            flexString `json:"minQty"`
	MaxLeverage       flexString `json:"maxLeverage"`
	State             int        `json:"state"`
	TradeSwitch       *bool      `json:"tradeSwitch"`
}

// XT implements Exchange and OrderVerifier
type XT struct {
	rest         *restClient
	apiKey       string
	secret       string
	positionType string

	mu          sync.Mutex
	contracts   map[string]xtContract
	contractsAt time.Time
}

// NewXT creates a new XT adapter
func NewXT(cfg XTConfig) *XT {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = XTBaseURL
	}
	positionType := "ISOLATED"
	if strings.EqualFold(cfg.MarginMode, "CROSS") {
		positionType = "CROSSED"
	}
	return &XT{
		rest:         newRESTClient("xt", base, cfg.RateLimit),
		apiKey:       cfg.APIKey,
		secret:       cfg.Secret,
		positionType: positionType,
		contracts:    make(map[string]xtContract),
	}
}

// Name returns the venue name
func (x *XT) Name() string { return "xt" }

// Symbol returns the swap symbol, e.g. BTC/USDT:USDT
func (x *XT) Symbol(token, quote string) string {
	base := types.NormalizeToken(token)
	quote = types.NormalizeToken(quote)
	return fmt.Sprintf("%s/%s:%s", base, quote, quote)
}

// wireSymbol converts BTC/USDT:USDT to btc_usdt
func wireSymbol(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ToLower(strings.ReplaceAll(symbol, "/", "_"))
}

// Tradable reports whether the contract exists and accepts orders
func (x *XT) Tradable(ctx context.Context, symbol string) (bool, error) {
	c, ok, err := x.contract(ctx, symbol)
	if err != nil || !ok {
		return false, err
	}
	return c.State == 0 && (c.TradeSwitch == nil || *c.TradeSwitch), nil
}

// Price returns the last traded price
func (x *XT) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := x.call(ctx, "GET", "/future/market/v1/public/q/ticker", url.Values{"symbol": {wireSymbol(symbol)}}, nil, false)
	if err != nil {
		return decimal.Zero, err
	}
	var t struct {
		Close flexString `json:"c"`
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return decimal.Zero, x.rest.errorf(KindUnavailable, "", "decode ticker: %v", err)
	}
	return t.Close.Decimal(), nil
}

// Balance returns the available balance of the quote coin
func (x *XT) Balance(ctx context.Context, quote string) (decimal.Decimal, error) {
	data, err := x.call(ctx, "GET", "/future/user/v1/balance/detail", url.Values{"coin": {strings.ToLower(quote)}}, nil, true)
	if err != nil {
		return decimal.Zero, err
	}
	var b struct {
		AvailableBalance flexString `json:"availableBalance"`
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return decimal.Zero, x.rest.errorf(KindUnavailable, "", "decode balance: %v", err)
	}
	return b.AvailableBalance.Decimal(), nil
}

// PlaceLeveragedOrder adjusts leverage and opens a market or limit position with trigger tp/sl
func (x *XT) PlaceLeveragedOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	c, ok, err := x.contract(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, x.rest.errorf(KindInvalidSymbol, "", "%s is not listed", req.Symbol)
	}

	contracts := req.Quantity
	if size := c.ContractSize.Decimal(); size.IsPositive() {
		contracts = req.Quantity.Div(size)
	}
	contracts = contracts.RoundFloor(int32(c.QuantityPrecision))
	if !contracts.IsPositive() || contracts.LessThan(c.MinQty.Decimal()) {
		return nil, x.rest.errorf(KindInvalidOrder, "", "%s base units is below one contract of %s", req.Quantity, c.ContractSize)
	}

	positionSide := "LONG"
	if req.Side == types.SideShort {
		positionSide = "SHORT"
	}

	lev := req.Leverage
	if maxLev := c.MaxLeverage.Decimal(); maxLev.IsPositive() && int64(lev) > maxLev.IntPart() {
		lev = int(maxLev.IntPart())
	}
	levQuery := url.Values{
		"symbol":       {wireSymbol(req.Symbol)},
		"positionSide": {positionSide},
		"leverage":     {fmt.Sprint(lev)},
	}
	if _, err := x.call(ctx, "POST", "/future/user/v1/position/adjust-leverage", levQuery, nil, true); err != nil {
		return nil, err
	}

	body := map[string]any{
		"symbol":        wireSymbol(req.Symbol),
		"orderSide":     req.Side.OrderSide(),
		"orderType":     "MARKET",
		"origQty":       contracts.String(),
		"positionSide":  positionSide,
		"positionType":  x.positionType,
		"clientOrderId": req.ClientOrderID,
	}
	if req.IsLimit() {
		body["orderType"] = "LIMIT"
		body["price"] = req.LimitPrice.String()
		body["timeInForce"] = "GTC"
	}
	if req.TakeProfit != nil {
		body["triggerProfitPrice"] = req.TakeProfit.String()
	}
	if req.StopLoss != nil {
		body["triggerStopPrice"] = req.StopLoss.String()
	}
	payload, _ := json.Marshal(body)

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side.OrderSide()).
		Str("contracts", contracts.String()).
		Int("leverage", lev).
		Str("client_id", req.ClientOrderID).
		Msg("📤 XT: placing order")

	data, err := x.call(ctx, "POST", "/future/trade/v1/order/create", nil, payload, true)
	if err != nil {
		return nil, err
	}
	var orderID flexString
	if err := json.Unmarshal(data, &orderID); err != nil || orderID == "" {
		return nil, x.rest.errorf(KindUnavailable, "", "order accepted without id: %s", snippet(data))
	}
	return &OrderResult{OrderID: orderID.String(), Status: "submitted"}, nil
}

// FindOrder looks an order up by client order id
func (x *XT) FindOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, bool, error) {
	q := url.Values{"symbol": {wireSymbol(symbol)}, "clientOrderId": {clientOrderID}}
	data, err := x.call(ctx, "GET", "/future/trade/v1/order/list-history", q, nil, true)
	if err != nil {
		return nil, false, err
	}
	var page struct {
		Items []struct {
			OrderID       flexString `json:"orderId"`
			ClientOrderID string     `json:"clientOrderId"`
			State         string     `json:"state"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, false, x.rest.errorf(KindUnavailable, "", "decode orders: %v", err)
	}
	for _, o := range page.Items {
		if o.ClientOrderID == clientOrderID && o.OrderID != "" {
			return &OrderResult{OrderID: o.OrderID.String(), Status: strings.ToLower(o.State)}, true, nil
		}
	}
	return nil, false, nil
}

// contract returns contract metadata, cached for pairsTTL
func (x *XT) contract(ctx context.Context, symbol string) (xtContract, bool, error) {
	wire := wireSymbol(symbol)

	x.mu.Lock()
	if c, ok := x.contracts[wire]; ok && time.Since(x.contractsAt) < pairsTTL {
		x.mu.Unlock()
		return c, true, nil
	}
	x.mu.Unlock()

	data, err := x.call(ctx, "GET", "/future/market/v1/public/symbol/detail", url.Values{"symbol": {wire}}, nil, false)
	if err != nil {
		if KindOf(err) == KindInvalidSymbol {
			return xtContract{}, false, nil
		}
		return xtContract{}, false, err
	}
	if len(data) == 0 || string(data) == "null" {
		return xtContract{}, false, nil
	}
	var c xtContract
	if err := json.Unmarshal(data, &c); err != nil {
		return xtContract{}, false, x.rest.errorf(KindUnavailable, "", "decode contract: %v", err)
	}

	x.mu.Lock()
	x.contracts[wire] = c
	x.contractsAt = time.Now()
	x.mu.Unlock()
	return c, true, nil
}

// call performs a request and unwraps the {returnCode, msgInfo, error, result} envelope
func (x *XT) call(ctx context.Context, method, path string, query url.Values, body []byte, auth bool) (json.RawMessage, error) {
	headers := map[string]string{}
	if auth {
		if x.apiKey == "" || x.secret == "" {
			return nil, x.rest.errorf(KindAuth, "", "XT_API_KEY and XT_SECRET are required")
		}
		ts := millis()
		headers["validate-appkey"] = x.apiKey
		headers["validate-timestamp"] = ts
		headers["validate-algorithms"] = "HmacSHA256"
		headers["validate-recvwindow"] = "5000"
		headers["validate-signature"] = xtSign(x.apiKey, x.secret, ts, method, path, query.Encode(), string(body))
	}

	raw, err := x.rest.do(ctx, method, path, query, body, headers)
	if err != nil {
		return nil, err
	}

	var env struct {
		ReturnCode int    `json:"returnCode"`
		MsgInfo    string `json:"msgInfo"`
		Error      *struct {
			Code string `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, x.rest.errorf(KindUnavailable, "", "decode envelope: %v", err)
	}
	if env.ReturnCode != 0 {
		code, msg := "", env.MsgInfo
		if env.Error != nil {
			code = env.Error.Code
			msg = env.Error.Code + " " + env.Error.Msg
		}
		return nil, x.rest.errorf(kindFromMessage(msg), code, "%s", strings.TrimSpace(msg))
	}
	return env.Result, nil
}

// xtSign builds the validate-signature header value
func xtSign(apiKey, secret, timestamp, method, path, query, body string) string {
	var y strings.Builder
	y.WriteString("#" + method + "#" + path)
	if query != "" {
		y.WriteString("#" + query)
	}
	if body != "" {
		y.WriteString("#" + body)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("validate-appkey=" + apiKey + "&validate-timestamp=" + timestamp + y.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
