package exec

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/retry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BITUNIX TICKER - Websocket last-price cache
// ═══════════════════════════════════════════════════════════════════════════════
//
// Symbols are subscribed lazily the first time the adapter asks for them;
// later price lookups hit the cache while it is fresh. A lost connection is
// re-dialed with exponential backoff and all watched symbols are re-subscribed.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	BitunixWSURL    = "wss://fapi.bitunix.com/public/"
	wsPingInterval  = 20 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsWriteDeadline = 5 * time.Second
)

type tickerQuote struct {
	price decimal.Decimal
	at    time.Time
}

// BitunixTicker keeps the latest price per watched symbol
type BitunixTicker struct {
	mu sync.RWMutex

	wsURL   string
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	backoff retry.Policy

	watched map[string]bool
	prices  map[string]tickerQuote
}

// NewBitunixTicker creates a new ticker feed
func NewBitunixTicker(wsURL string) *BitunixTicker {
	if wsURL == "" {
		wsURL = BitunixWSURL
	}
	return &BitunixTicker{
		wsURL:   wsURL,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		backoff: retry.Policy{Base: time.Second, Max: time.Minute, Jitter: time.Second},
		watched: make(map[string]bool),
		prices:  make(map[string]tickerQuote),
	}
}

// Start connects and begins processing
func (t *BitunixTicker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.connectionLoop()
	log.Info().Str("url", t.wsURL).Msg("📡 Bitunix ticker started")
}

// Stop closes the connection and waits for the loop to exit
func (t *BitunixTicker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()

	<-t.done
	log.Info().Msg("Bitunix ticker stopped")
}

// Watch subscribes a symbol; safe to call repeatedly
func (t *BitunixTicker) Watch(symbol string) {
	t.mu.Lock()
	if t.watched[symbol] {
		t.mu.Unlock()
		return
	}
	t.watched[symbol] = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		if err := t.subscribe(conn, []string{symbol}); err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Ticker subscribe deferred to reconnect")
		}
	}
}

// Last returns the cached price if it is younger than maxAge
func (t *BitunixTicker) Last(symbol string, maxAge time.Duration) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.prices[symbol]
	if !ok || time.Since(q.at) > maxAge || !q.price.IsPositive() {
		return decimal.Zero, false
	}
	return q.price, true
}

// connectionLoop maintains the websocket connection
func (t *BitunixTicker) connectionLoop() {
	defer close(t.done)

	failures := 0
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		if err := t.connect(); err != nil {
			wait := t.backoff.Backoff(failures)
			failures++
			log.Warn().Err(err).Dur("retry_in", wait).Msg("Bitunix ticker connection failed")
			select {
			case <-t.stopCh:
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		t.readLoop()
	}
}

// connect dials and re-subscribes every watched symbol
func (t *BitunixTicker) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(t.wsURL, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	symbols := make([]string, 0, len(t.watched))
	for s := range t.watched {
		symbols = append(symbols, s)
	}
	t.mu.Unlock()

	if len(symbols) > 0 {
		if err := t.subscribe(conn, symbols); err != nil {
			conn.Close()
			return err
		}
	}

	go t.pingLoop(conn)
	log.Info().Int("symbols", len(symbols)).Msg("🔌 Bitunix ticker connected")
	return nil
}

func (t *BitunixTicker) subscribe(conn *websocket.Conn, symbols []string) error {
	args := make([]map[string]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, map[string]string{"symbol": s, "ch": "ticker"})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return conn.WriteJSON(map[string]any{"op": "subscribe", "args": args})
}

// pingLoop sends application-level pings until the connection is replaced
func (t *BitunixTicker) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			current := t.conn == conn
			var err error
			if current {
				conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				err = conn.WriteJSON(map[string]any{"op": "ping", "ping": time.Now().Unix()})
			}
			t.mu.Unlock()
			if !current || err != nil {
				return
			}
		}
	}
}

// readLoop reads messages until the connection drops
func (t *BitunixTicker) readLoop() {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopCh:
			default:
				log.Warn().Err(err).Msg("Bitunix ticker read error")
			}
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.handle(message)
	}
}

type tickerMessage struct {
	Ch     string `json:"ch"`
	Symbol string `json:"symbol"`
	Data   struct {
		Last      flexString `json:"la"`
		LastPrice flexString `json:"lastPrice"`
	} `json:"data"`
}

// handle caches prices from ticker pushes; everything else is ignored
func (t *BitunixTicker) handle(data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Ch != "ticker" || msg.Symbol == "" {
		return
	}
	price := msg.Data.Last.Decimal()
	if !price.IsPositive() {
		price = msg.Data.LastPrice.Decimal()
	}
	if !price.IsPositive() {
		return
	}

	t.mu.Lock()
	t.prices[msg.Symbol] = tickerQuote{price: price, at: time.Now()}
	t.mu.Unlock()
}
