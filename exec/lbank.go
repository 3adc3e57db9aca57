package exec

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LBANK PERPETUALS ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Private requests are signed by sorting all parameters, md5-hashing the
// k=v&k=v string (upper-case hex) and HMAC-SHA256ing that digest with the
// secret. LBank has no native tp/sl on market orders, so protection is placed
// as follow-up reduce-only trigger orders once the entry is accepted.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	LBankBaseURL      = "https://lbkperp.lbank.com"
	lbankProductGroup = "SwapU"
)

// LBankConfig configures the LBank adapter
type LBankConfig struct {
	APIKey    string
	Secret    string
	Password  string
	BaseURL   string
	RateLimit float64
}

type lbankInstrument struct {
	Symbol         string     `json:"symbol"`
	VolumeTick     flexString `json:"volumeTick"`
	MinOrderVolume flexString `json:"minOrderVolume"`
	MaxLeverage    flexString `json:"maxLeverage"`
}

// LBank implements Exchange, OrderVerifier and ProtectionKeeper
type LBank struct {
	rest     *restClient
	apiKey   string
	secret   string
	password string
	echostr  func() string

	mu            sync.Mutex
	instruments   map[string]lbankInstrument
	instrumentsAt time.Time
}

// NewLBank creates a new LBank adapter
func NewLBank(cfg LBankConfig) *LBank {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = LBankBaseURL
	}
	return &LBank{
		rest:     newRESTClient("lbank", base, cfg.RateLimit),
		apiKey:   cfg.APIKey,
		secret:   cfg.Secret,
		password: cfg.Password,
		echostr:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// Name returns the venue name
func (l *LBank) Name() string { return "lbank" }

// Symbol returns the concatenated perp symbol, e.g. BTCUSDT
func (l *LBank) Symbol(token, quote string) string {
	return concat(token, quote)
}

// Tradable reports whether the instrument is listed
func (l *LBank) Tradable(ctx context.Context, symbol string) (bool, error) {
	_, ok, err := l.instrument(ctx, symbol)
	return ok, err
}

// Price returns the last traded price
func (l *LBank) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := l.public(ctx, "/cfd/openApi/v1/pub/marketData", url.Values{"productGroup": {lbankProductGroup}})
	if err != nil {
		return decimal.Zero, err
	}
	var list []struct {
		Symbol    string     `json:"symbol"`
		LastPrice flexString `json:"lastPrice"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return decimal.Zero, l.rest.errorf(KindUnavailable, "", "decode market data: %v", err)
	}
	for _, m := range list {
		if m.Symbol == symbol {
			return m.LastPrice.Decimal(), nil
		}
	}
	return decimal.Zero, l.rest.errorf(KindInvalidSymbol, "", "no market data for %s", symbol)
}

// Balance returns the available balance of the quote asset
func (l *LBank) Balance(ctx context.Context, quote string) (decimal.Decimal, error) {
	data, err := l.private(ctx, "/cfd/openApi/v1/prv/account", map[string]string{
		"productGroup": lbankProductGroup,
		"asset":        strings.ToUpper(quote),
	})
	if err != nil {
		return decimal.Zero, err
	}
	var acct struct {
		Available flexString `json:"available"`
	}
	if err := json.Unmarshal(data, &acct); err != nil {
		return decimal.Zero, l.rest.errorf(KindUnavailable, "", "decode account: %v", err)
	}
	return acct.Available.Decimal(), nil
}

// PlaceLeveragedOrder opens a position, then places reduce-only sl/tp triggers
func (l *LBank) PlaceLeveragedOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	inst, qty, err := l.volume(ctx, req)
	if err != nil {
		return nil, err
	}

	lev := req.Leverage
	if maxLev := inst.MaxLeverage.Decimal(); maxLev.IsPositive() && int64(lev) > maxLev.IntPart() {
		lev = int(maxLev.IntPart())
	}
	if _, err := l.private(ctx, "/cfd/openApi/v1/prv/changeLeverage", map[string]string{
		"productGroup": lbankProductGroup,
		"symbol":       req.Symbol,
		"leverage":     fmt.Sprint(lev),
	}); err != nil {
		return nil, err
	}

	params := map[string]string{
		"productGroup":  lbankProductGroup,
		"symbol":        req.Symbol,
		"side":          strings.ToUpper(req.Side.OrderSide()),
		"type":          "MARKET",
		"offsetFlag":    "OPEN",
		"volume":        qty.String(),
		"clientOrderId": req.ClientOrderID,
	}
	if req.IsLimit() {
		params["type"] = "LIMIT"
		params["price"] = req.LimitPrice.String()
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side.OrderSide()).
		Str("type", params["type"]).
		Str("qty", qty.String()).
		Int("leverage", lev).
		Str("client_id", req.ClientOrderID).
		Msg("📤 LBank: placing order")

	data, err := l.private(ctx, "/cfd/openApi/v1/prv/order", params)
	if err != nil {
		return nil, err
	}
	var out struct {
		OrderID flexString `json:"orderId"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.OrderID == "" {
		return nil, l.rest.errorf(KindUnavailable, "", "order accepted without id: %s", snippet(data))
	}

	result := &OrderResult{OrderID: out.OrderID.String(), Status: "submitted"}
	var failures []string
	for _, leg := range protectionLegs(req) {
		id, err := l.placeLeg(ctx, req, qty, leg)
		if err != nil {
			failures = append(failures, leg.name+": "+err.Error())
			continue
		}
		result.ProtectIDs = append(result.ProtectIDs, id)
	}
	result.ProtectError = strings.Join(failures, "; ")
	return result, nil
}

// EnsureProtection looks up each sl/tp trigger of an entry found on the
// exchange and places the ones an interrupted submit never sent
func (l *LBank) EnsureProtection(ctx context.Context, req OrderRequest, result *OrderResult) {
	legs := protectionLegs(req)
	if len(legs) == 0 {
		return
	}

	var failures []string
	var qty decimal.Decimal
	for _, leg := range legs {
		found, ok, err := l.FindOrder(ctx, req.Symbol, req.ClientOrderID+leg.name)
		if err != nil {
			failures = append(failures, leg.name+": lookup: "+err.Error())
			continue
		}
		if ok {
			result.ProtectIDs = append(result.ProtectIDs, found.OrderID)
			continue
		}

		if qty.IsZero() {
			if _, qty, err = l.volume(ctx, req); err != nil {
				failures = append(failures, leg.name+": "+err.Error())
				continue
			}
		}
		log.Warn().Str("symbol", req.Symbol).Str("leg", leg.name).Msg("⚠️ LBank: protective order missing, placing it")
		id, err := l.placeLeg(ctx, req, qty, leg)
		if err != nil {
			failures = append(failures, leg.name+": "+err.Error())
			continue
		}
		result.ProtectIDs = append(result.ProtectIDs, id)
	}
	result.ProtectError = strings.Join(failures, "; ")
}

type protectionLeg struct {
	name  string
	price decimal.Decimal
}

func protectionLegs(req OrderRequest) []protectionLeg {
	var legs []protectionLeg
	if req.StopLoss != nil {
		legs = append(legs, protectionLeg{"sl", *req.StopLoss})
	}
	if req.TakeProfit != nil {
		legs = append(legs, protectionLeg{"tp", *req.TakeProfit})
	}
	return legs
}

// volume floors the requested quantity to the instrument's volume tick
func (l *LBank) volume(ctx context.Context, req OrderRequest) (lbankInstrument, decimal.Decimal, error) {
	inst, ok, err := l.instrument(ctx, req.Symbol)
	if err != nil {
		return inst, decimal.Zero, err
	}
	if !ok {
		return inst, decimal.Zero, l.rest.errorf(KindInvalidSymbol, "", "%s is not listed", req.Symbol)
	}

	qty := req.Quantity
	if tick := inst.VolumeTick.Decimal(); tick.IsPositive() {
		qty = qty.Div(tick).Floor().Mul(tick)
	}
	if !qty.IsPositive() || qty.LessThan(inst.MinOrderVolume.Decimal()) {
		return inst, decimal.Zero, l.rest.errorf(KindInvalidOrder, "", "quantity %s below minimum %s", qty, inst.MinOrderVolume)
	}
	return inst, qty, nil
}

// placeLeg places one reduce-only trigger order closing qty at leg.price
func (l *LBank) placeLeg(ctx context.Context, req OrderRequest, qty decimal.Decimal, leg protectionLeg) (string, error) {
	closeSide := "SELL"
	if req.Side == types.SideShort {
		closeSide = "BUY"
	}

	data, err := l.private(ctx, "/cfd/openApi/v1/prv/conditionOrder", map[string]string{
		"productGroup":  lbankProductGroup,
		"symbol":        req.Symbol,
		"side":          closeSide,
		"type":          "MARKET",
		"offsetFlag":    "CLOSE",
		"volume":        qty.String(),
		"triggerPrice":  leg.price.String(),
		"clientOrderId": req.ClientOrderID + leg.name,
	})
	if err == nil {
		var out struct {
			OrderID flexString `json:"orderId"`
		}
		if json.Unmarshal(data, &out) == nil && out.OrderID != "" {
			return out.OrderID.String(), nil
		}
		err = l.rest.errorf(KindUnavailable, "", "no order id in %s", snippet(data))
	}
	log.Error().Err(err).Str("symbol", req.Symbol).Str("leg", leg.name).Msg("❌ LBank: protective order failed")
	return "", err
}

// FindOrder looks an order up by client order id
func (l *LBank) FindOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, bool, error) {
	data, err := l.private(ctx, "/cfd/openApi/v1/prv/orderInfo", map[string]string{
		"productGroup":  lbankProductGroup,
		"symbol":        symbol,
		"clientOrderId": clientOrderID,
	})
	if err != nil {
		if k := KindOf(err); k == KindRejected || k == KindInvalidOrder {
			return nil, false, nil
		}
		return nil, false, err
	}
	var out struct {
		OrderID flexString `json:"orderId"`
		Status  string     `json:"orderStatus"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.OrderID == "" {
		return nil, false, nil
	}
	return &OrderResult{OrderID: out.OrderID.String(), Status: strings.ToLower(out.Status)}, true, nil
}

// instrument returns instrument metadata, refreshing the cache when stale
func (l *LBank) instrument(ctx context.Context, symbol string) (lbankInstrument, bool, error) {
	l.mu.Lock()
	if l.instruments != nil && time.Since(l.instrumentsAt) < pairsTTL {
		inst, ok := l.instruments[symbol]
		l.mu.Unlock()
		return inst, ok, nil
	}
	l.mu.Unlock()

	data, err := l.public(ctx, "/cfd/openApi/v1/pub/instrument", url.Values{"productGroup": {lbankProductGroup}})
	if err != nil {
		return lbankInstrument{}, false, err
	}
	var list []lbankInstrument
	if err := json.Unmarshal(data, &list); err != nil {
		return lbankInstrument{}, false, l.rest.errorf(KindUnavailable, "", "decode instruments: %v", err)
	}
	all := make(map[string]lbankInstrument, len(list))
	for _, inst := range list {
		all[inst.Symbol] = inst
	}

	l.mu.Lock()
	l.instruments = all
	l.instrumentsAt = time.Now()
	l.mu.Unlock()

	inst, ok := all[symbol]
	return inst, ok, nil
}

func (l *LBank) public(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	raw, err := l.rest.do(ctx, "GET", path, query, nil, nil)
	if err != nil {
		return nil, err
	}
	return l.unwrap(raw)
}

// private signs params and posts them as a JSON body
func (l *LBank) private(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	if l.apiKey == "" || l.secret == "" {
		return nil, l.rest.errorf(KindAuth, "", "LBANK_API_KEY and LBANK_SECRET are required")
	}

	ts := millis()
	echostr := l.echostr()
	signed := map[string]string{
		"api_key":          l.apiKey,
		"timestamp":        ts,
		"signature_method": "HmacSHA256",
		"echostr":          echostr,
	}
	for k, v := range params {
		signed[k] = v
	}
	if l.password != "" {
		signed["password"] = l.password
	}
	signed["sign"] = lbankSign(signed, l.secret)

	body, _ := json.Marshal(signed)
	headers := map[string]string{
		"timestamp":        ts,
		"signature_method": "HmacSHA256",
		"echostr":          echostr,
	}
	raw, err := l.rest.do(ctx, "POST", path, nil, body, headers)
	if err != nil {
		return nil, err
	}
	return l.unwrap(raw)
}

// unwrap reads the {result, error_code, msg, data} envelope
func (l *LBank) unwrap(raw []byte) (json.RawMessage, error) {
	var env struct {
		Result    any             `json:"result"`
		ErrorCode int             `json:"error_code"`
		Msg       string          `json:"msg"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, l.rest.errorf(KindUnavailable, "", "decode envelope: %v", err)
	}
	if env.ErrorCode != 0 {
		return nil, l.rest.errorf(kindFromMessage(env.Msg), fmt.Sprint(env.ErrorCode), "%s", env.Msg)
	}
	return env.Data, nil
}

// lbankSign computes hex(hmac_sha256(secret, upper(hex(md5(sorted k=v&...)))))
func lbankSign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	digest := md5.Sum([]byte(strings.Join(pairs, "&")))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToUpper(hex.EncodeToString(digest[:]))))
	return hex.EncodeToString(mac.Sum(nil))
}
