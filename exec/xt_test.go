package exec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/types"
)

func xtEnvelope(result string) string {
	return `{"returnCode":0,"msgInfo":"success","error":null,"result":` + result + `}`
}

func TestXTSign(t *testing.T) {
	got := xtSign("key", "secret", "1700000000000", "GET", "/future/user/v1/balance/detail", "coin=usdt", "")
	assert.Equal(t, "d1b1ff86dc89d3cd06a4f95eec758392d6a0f16afaba8c79d6b79b399cb3ef2d", got)
}

func TestXTSymbols(t *testing.T) {
	x := NewXT(XTConfig{})
	assert.Equal(t, "BTC/USDT:USDT", x.Symbol("btc", "usdt"))
	assert.Equal(t, "PAXG/USDT:USDT", x.Symbol("XAU", "USDT"))
	assert.Equal(t, "btc_usdt", wireSymbol("BTC/USDT:USDT"))
}

func TestXTPlaceLeveragedOrder(t *testing.T) {
	var mu sync.Mutex
	var order map[string]any
	var leverage string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/future/market/v1/public/symbol/detail":
			assert.Equal(t, "btc_usdt", r.URL.Query().Get("symbol"))
			w.Write([]byte(xtEnvelope(`{"symbol":"btc_usdt","contractSize":"0.0001","quantityPrecision":0,"minQty":"1","maxLeverage":"125","state":0,"tradeSwitch":true}`)))
		case "/future/user/v1/position/adjust-leverage":
			mu.Lock()
			leverage = r.URL.Query().Get("leverage")
			mu.Unlock()
			w.Write([]byte(xtEnvelope(`null`)))
		case "/future/trade/v1/order/create":
			want := xtSign("key", "secret", r.Header.Get("validate-timestamp"), "POST", r.URL.Path, "", string(body))
			assert.Equal(t, want, r.Header.Get("validate-signature"))
			assert.Equal(t, "key", r.Header.Get("validate-appkey"))

			mu.Lock()
			json.Unmarshal(body, &order)
			mu.Unlock()
			w.Write([]byte(xtEnvelope(`"987654"`)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	x := NewXT(XTConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})
	tp := decimal.NewFromInt(70000)
	res, err := x.PlaceLeveragedOrder(context.Background(), OrderRequest{
		Symbol:        "BTC/USDT:USDT",
		Side:          types.SideLong,
		Quantity:      decimal.RequireFromString("0.00155"),
		Leverage:      10,
		TakeProfit:    &tp,
		ClientOrderID: "sbx",
	})
	require.NoError(t, err)
	assert.Equal(t, "987654", res.OrderID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "10", leverage)
	assert.Equal(t, "15", order["origQty"])
	assert.Equal(t, "LONG", order["positionSide"])
	assert.Equal(t, "ISOLATED", order["positionType"])
	assert.Equal(t, "MARKET", order["orderType"])
	assert.Equal(t, "70000", order["triggerProfitPrice"])
	assert.Equal(t, "sbx", order["clientOrderId"])
}

func TestXTUnknownSymbolNotTradable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"returnCode":1,"msgInfo":"failure","error":{"code":"invalid_symbol","msg":"symbol not found"},"result":null}`))
	}))
	defer srv.Close()

	x := NewXT(XTConfig{BaseURL: srv.URL, RateLimit: 1000})
	ok, err := x.Tradable(context.Background(), "NOPE/USDT:USDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestXTPriceAndBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/future/market/v1/public/q/ticker":
			w.Write([]byte(xtEnvelope(`{"s":"eth_usdt","c":"3000.5"}`)))
		case "/future/user/v1/balance/detail":
			assert.Equal(t, "usdt", r.URL.Query().Get("coin"))
			w.Write([]byte(xtEnvelope(`{"coin":"usdt","availableBalance":"42.1"}`)))
		}
	}))
	defer srv.Close()

	x := NewXT(XTConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})

	p, err := x.Price(context.Background(), "ETH/USDT:USDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("3000.5")))

	b, err := x.Balance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, b.Equal(decimal.RequireFromString("42.1")))
}

func TestXTLimitOrder(t *testing.T) {
	var mu sync.Mutex
	var order map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/future/market/v1/public/symbol/detail":
			w.Write([]byte(xtEnvelope(`{"symbol":"btc_usdt","contractSize":"0.0001","quantityPrecision":0,"minQty":"1","maxLeverage":"125","state":0,"tradeSwitch":true}`)))
		case "/future/user/v1/position/adjust-leverage":
			w.Write([]byte(xtEnvelope(`null`)))
		case "/future/trade/v1/order/create":
			mu.Lock()
			json.Unmarshal(body, &order)
			mu.Unlock()
			w.Write([]byte(xtEnvelope(`"42"`)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	x := NewXT(XTConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})
	_, err := x.PlaceLeveragedOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.SideShort,
		Type:          OrderLimit,
		Quantity:      decimal.RequireFromString("0.002"),
		LimitPrice:    decimal.NewFromInt(66000),
		Leverage:      5,
		ClientOrderID: "sbx",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "LIMIT", order["orderType"])
	assert.Equal(t, "66000", order["price"])
	assert.Equal(t, "SHORT", order["positionSide"])
}
