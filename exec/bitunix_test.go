package exec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/types"
)

func bitunixEnvelope(data string) string {
	return `{"code":0,"msg":"success","data":` + data + `}`
}

func TestBitunixSign(t *testing.T) {
	got := bitunixSign("abc", "1700000000000", "key", "symbolBTCUSDT", "", "secret")
	assert.Equal(t, "e60eada0ff1439a4253a1da936cde273b2618a193a70d72dcc2a7124ae1f7753", got)
}

func TestQueryConcat(t *testing.T) {
	assert.Equal(t, "", queryConcat(nil))
	assert.Equal(t, "amarginCoinUSDTsymbolBTCUSDT", queryConcat(url.Values{
		"symbol":     {"BTCUSDT"},
		"marginCoin": {"USDT"},
		"a":          {""},
	}))
}

func TestBitunixPlaceLeveragedOrder(t *testing.T) {
	var mu sync.Mutex
	var leverageBody, orderBody map[string]any
	var calls []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		calls = append(calls, r.URL.Path)
		mu.Unlock()

		switch r.URL.Path {
		case "/api/v1/futures/market/trading_pairs":
			w.Write([]byte(bitunixEnvelope(`[{"symbol":"BTCUSDT","basePrecision":4,"minTradeVolume":"0.0001","maxLeverage":20,"symbolStatus":"OPEN"}]`)))
		case "/api/v1/futures/account/change_margin_mode":
			w.Write([]byte(bitunixEnvelope(`{}`)))
		case "/api/v1/futures/account/change_leverage":
			mu.Lock()
			json.Unmarshal(body, &leverageBody)
			mu.Unlock()
			w.Write([]byte(bitunixEnvelope(`{}`)))
		case "/api/v1/futures/trade/place_order":
			assert.Equal(t, "key", r.Header.Get("api-key"))
			assert.Equal(t, "fixednonce", r.Header.Get("nonce"))
			want := bitunixSign("fixednonce", r.Header.Get("timestamp"), "key", "", string(body), "secret")
			assert.Equal(t, want, r.Header.Get("sign"))

			mu.Lock()
			json.Unmarshal(body, &orderBody)
			mu.Unlock()
			w.Write([]byte(bitunixEnvelope(`{"orderId":123456789,"clientId":"sbx"}`)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewBitunix(BitunixConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})
	b.nonce = func() string { return "fixednonce" }

	sl := decimal.NewFromInt(60000)
	res, err := b.PlaceLeveragedOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.SideLong,
		Quantity:      decimal.NewFromInt(10).Div(decimal.NewFromInt(65000)),
		Price:         decimal.NewFromInt(65000),
		Leverage:      50,
		StopLoss:      &sl,
		ClientOrderID: "sbx",
	})
	require.NoError(t, err)
	assert.Equal(t, "123456789", res.OrderID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/api/v1/futures/market/trading_pairs",
		"/api/v1/futures/account/change_margin_mode",
		"/api/v1/futures/account/change_leverage",
		"/api/v1/futures/trade/place_order",
	}, calls)
	assert.EqualValues(t, 20, leverageBody["leverage"])
	assert.Equal(t, "0.0001", orderBody["qty"])
	assert.Equal(t, "BUY", orderBody["side"])
	assert.Equal(t, "MARKET", orderBody["orderType"])
	assert.Equal(t, "OPEN", orderBody["tradeSide"])
	assert.Equal(t, "sbx", orderBody["clientId"])
	assert.Equal(t, "60000", orderBody["slPrice"])
	assert.NotContains(t, orderBody, "tpPrice")
}

func TestBitunixQuantityBelowMinimum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/futures/market/trading_pairs" {
			w.Write([]byte(bitunixEnvelope(`[{"symbol":"BTCUSDT","basePrecision":3,"minTradeVolume":"0.001","maxLeverage":100}]`)))
			return
		}
		t.Errorf("unexpected call to %s", r.URL.Path)
	}))
	defer srv.Close()

	b := NewBitunix(BitunixConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})
	_, err := b.PlaceLeveragedOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     types.SideShort,
		Quantity: decimal.RequireFromString("0.0005"),
		Leverage: 5,
	})
	require.Error(t, err)
	assert.Equal(t, KindInvalidOrder, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestBitunixEnvelopeErrors(t *testing.T) {
	tests := []struct {
		code, msg string
		kind      ErrorKind
	}{
		{"10006", "Too many requests", KindRateLimited},
		{"10007", "Signature error", KindAuth},
		{"20003", "Insufficient balance", KindInsufficientMargin},
		{"30001", "Symbol not supported", KindInvalidSymbol},
		{"30042", "Client id duplicate", KindDuplicateOrder},
		{"1", "weird", KindRejected},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":` + tt.code + `,"msg":"` + tt.msg + `","data":null}`))
		}))
		b := NewBitunix(BitunixConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})
		_, err := b.Balance(context.Background(), "USDT")
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tt.kind, KindOf(err), tt.msg)
	}
}

func TestBitunixBalanceAndTradable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/futures/account":
			assert.Equal(t, "USDT", r.URL.Query().Get("marginCoin"))
			w.Write([]byte(bitunixEnvelope(`[{"marginCoin":"USDT","available":"123.45"}]`)))
		case "/api/v1/futures/market/trading_pairs":
			w.Write([]byte(bitunixEnvelope(`[{"symbol":"BTCUSDT","symbolStatus":"OPEN"},{"symbol":"OLDUSDT","symbolStatus":"CLOSE"}]`)))
		}
	}))
	defer srv.Close()

	b := NewBitunix(BitunixConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})

	bal, err := b.Balance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("123.45")))

	ok, err := b.Tradable(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Tradable(context.Background(), "OLDUSDT")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Tradable(context.Background(), "NOPEUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBitunixCredentialsRequired(t *testing.T) {
	b := NewBitunix(BitunixConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := b.Balance(context.Background(), "USDT")
	assert.Equal(t, KindAuth, KindOf(err))
}

func TestBitunixFindOrderNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":2,"msg":"Order not exist","data":null}`))
	}))
	defer srv.Close()

	b := NewBitunix(BitunixConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})
	res, found, err := b.FindOrder(context.Background(), "BTCUSDT", "sbx")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, res)
}

func TestBitunixPriceUsesFreshTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("REST should not be called, got %s", r.URL.Path)
	}))
	defer srv.Close()

	ticker := NewBitunixTicker("")
	ticker.handle([]byte(`{"ch":"ticker","symbol":"BTCUSDT","data":{"la":"65000.5"}}`))

	b := NewBitunix(BitunixConfig{BaseURL: srv.URL, RateLimit: 1000})
	b.UseTicker(ticker)

	p, err := b.Price(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("65000.5")))
}

func TestBitunixPriceFallsBackToREST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbols"))
		w.Write([]byte(bitunixEnvelope(`[{"symbol":"ETHUSDT","lastPrice":"3000.1","markPrice":"3000"}]`)))
	}))
	defer srv.Close()

	ticker := NewBitunixTicker("")
	ticker.mu.Lock()
	ticker.prices["ETHUSDT"] = tickerQuote{price: decimal.NewFromInt(1), at: time.Now().Add(-time.Hour)}
	ticker.mu.Unlock()

	b := NewBitunix(BitunixConfig{BaseURL: srv.URL, RateLimit: 1000})
	b.UseTicker(ticker)

	p, err := b.Price(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("3000.1")))

	ticker.mu.RLock()
	assert.True(t, ticker.watched["ETHUSDT"])
	ticker.mu.RUnlock()
}

func TestBitunixTickerIgnoresNoise(t *testing.T) {
	ticker := NewBitunixTicker("")
	ticker.handle([]byte(`{"op":"pong"}`))
	ticker.handle([]byte(`not json`))
	ticker.handle([]byte(`{"ch":"ticker","symbol":"BTCUSDT","data":{"la":"0"}}`))

	_, ok := ticker.Last("BTCUSDT", time.Minute)
	assert.False(t, ok)
}

func TestBitunixTickerWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.Contains(t, string(msg), `"subscribe"`)
		assert.Contains(t, string(msg), `BTCUSDT`)

		conn.WriteMessage(websocket.TextMessage, []byte(`{"ch":"ticker","symbol":"BTCUSDT","data":{"la":"64999"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ticker := NewBitunixTicker("ws" + strings.TrimPrefix(srv.URL, "http"))
	ticker.Watch("BTCUSDT")
	ticker.Start()
	defer ticker.Stop()

	assert.Eventually(t, func() bool {
		p, ok := ticker.Last("BTCUSDT", time.Minute)
		return ok && p.Equal(decimal.NewFromInt(64999))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBitunixLimitOrder(t *testing.T) {
	var mu sync.Mutex
	var orderBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/api/v1/futures/market/trading_pairs":
			w.Write([]byte(bitunixEnvelope(`[{"symbol":"BTCUSDT","basePrecision":4,"minTradeVolume":"0.0001","maxLeverage":20,"symbolStatus":"OPEN"}]`)))
		case "/api/v1/futures/account/change_margin_mode", "/api/v1/futures/account/change_leverage":
			w.Write([]byte(bitunixEnvelope(`{}`)))
		case "/api/v1/futures/trade/place_order":
			mu.Lock()
			json.Unmarshal(body, &orderBody)
			mu.Unlock()
			w.Write([]byte(bitunixEnvelope(`{"orderId":"7","clientId":"sbx"}`)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewBitunix(BitunixConfig{APIKey: "key", Secret: "secret", BaseURL: srv.URL, RateLimit: 1000})
	_, err := b.PlaceLeveragedOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.SideLong,
		Type:          OrderLimit,
		Quantity:      decimal.RequireFromString("0.001"),
		LimitPrice:    decimal.NewFromInt(64000),
		Leverage:      5,
		ClientOrderID: "sbx",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "LIMIT", orderBody["orderType"])
	assert.Equal(t, "64000", orderBody["price"])
	assert.Equal(t, "GTC", orderBody["effect"])
}
