package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REST CLIENT - Shared HTTP plumbing for exchange adapters
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every adapter goes through one rate limiter and one error classifier:
//   - transport failures → network / timeout (retryable)
//   - 429                → rate_limited (retryable)
//   - 5xx                → unavailable (retryable)
//   - 401 / 403          → auth
//   - other 4xx          → rejected
//
// ═══════════════════════════════════════════════════════════════════════════════

type restClient struct {
	exchange   string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// newRESTClient creates a client allowing rps requests per second
func newRESTClient(exchange, baseURL string, rps float64) *restClient {
	if rps <= 0 {
		rps = 5
	}
	return &restClient{
		exchange:   exchange,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// do sends a request and returns the body of a 2xx response
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body []byte, headers map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// the deadline would pass before a token frees up
		return nil, c.errorf(KindTimeout, "", "rate limiter: %v", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.errorf(KindNetwork, "", "read body: %v", err)
	}

	log.Debug().
		Str("exchange", c.exchange).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("🌐 Exchange request")

	code := strconv.Itoa(resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.errorf(KindRateLimited, code, "%s", snippet(respBody))
	case resp.StatusCode >= 500:
		return nil, c.errorf(KindUnavailable, code, "%s", snippet(respBody))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, c.errorf(KindAuth, code, "%s", snippet(respBody))
	case resp.StatusCode >= 400:
		return nil, c.errorf(KindRejected, code, "%s", snippet(respBody))
	}
	return respBody, nil
}

func (c *restClient) transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return c.errorf(KindTimeout, "", "%v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.errorf(KindTimeout, "", "%v", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return c.errorf(KindNetwork, "", "%v", err)
}

func (c *restClient) errorf(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Exchange: c.exchange, Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// kindFromMessage classifies a venue error by its text
func kindFromMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("too many", "frequent", "rate limit", "throttl"):
		return KindRateLimited
	case has("signature", "api key", "apikey", "api_key", "unauthorized", "permission", "timestamp"):
		return KindAuth
	case has("busy", "maintenance", "unavailable", "timeout", "internal error"):
		return KindUnavailable
	case has("balance", "insufficient", "margin not enough"):
		return KindInsufficientMargin
	case has("duplicate", "repeat", "already exist"):
		return KindDuplicateOrder
	case has("symbol", "pair", "instrument"):
		return KindInvalidSymbol
	case has("qty", "quantity", "volume", "leverage", "param", "precision", "amount"):
		return KindInvalidOrder
	}
	return KindRejected
}

func snippet(b []byte) string {
	const limit = 400
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func millis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// flexString decodes a JSON string or number into its textual form
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

func (f flexString) String() string { return string(f) }

// Decimal parses the value, zero when empty or invalid
func (f flexString) Decimal() decimal.Decimal {
	d, err := decimal.NewFromString(string(f))
	if err != nil {
		return decimal.Zero
	}
	return d
}
