package signals

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// Token length bounds after normalisation; anything outside is treated as noise
const (
	minTokenLen = 2
	maxTokenLen = 15
)

// rawSignal mirrors the schema in SchemaInstructions with loose field types
type rawSignal struct {
	Token        *string         `json:"token"`
	PositionType *string         `json:"position_type"`
	EntryPrice   json.RawMessage `json:"entry_price"`
	Leverage     json.RawMessage `json:"leverage"`
	StopLosses   json.RawMessage `json:"stop_losses"`
	TakeProfits  json.RawMessage `json:"take_profits"`
}

// parseOutput classifies a model answer and fills sig accordingly.
// It never returns an error; malformed output becomes OutcomeMalformed.
func parseOutput(raw string, sig *types.Signal) {
	sig.RawOutput = raw

	body, ok := extractObject(raw)
	if !ok {
		sig.Outcome = types.OutcomeMalformed
		sig.Reason = "no JSON object in model output"
		return
	}

	var r rawSignal
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		sig.Outcome = types.OutcomeMalformed
		sig.Reason = fmt.Sprintf("invalid JSON: %v", err)
		return
	}

	token := ""
	if r.Token != nil {
		token = types.NormalizeToken(*r.Token)
	}
	if token == "" {
		sig.Outcome = types.OutcomeNoSignal
		sig.Reason = "no token"
		return
	}
	sig.Token = token

	side := ""
	if r.PositionType != nil {
		side = *r.PositionType
	}
	parsed, ok := types.ParseSide(side)
	if !ok {
		sig.Outcome = types.OutcomeRejected
		sig.Reason = fmt.Sprintf("unparseable side %q", side)
		return
	}
	sig.Side = parsed

	if len(token) < minTokenLen || len(token) > maxTokenLen {
		sig.Outcome = types.OutcomeRejected
		sig.Reason = fmt.Sprintf("anomalous token %q", token)
		return
	}

	if p, ok := parseNumber(r.EntryPrice); ok && p.IsPositive() {
		sig.EntryPrice = &p
	}
	sig.Leverage = parseLeverage(r.Leverage)
	sig.StopLosses = parseNumberList(r.StopLosses)
	sig.TakeProfits = parseNumberList(r.TakeProfits)
	sig.Outcome = types.OutcomeSignal
	sig.Reason = ""
}

// extractObject strips code fences and chatter around the first JSON object
func extractObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// parseNumber accepts 65000, 65000.5, "65000", "65,000", "$65000"
func parseNumber(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero, false
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Zero, false
	}
	return parseNumericString(s)
}

func parseNumericString(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	return d, err == nil
}

// parseLeverage accepts 5, "5", "5x", "x5", "5.0"; anything else means the default
func parseLeverage(raw json.RawMessage) int {
	d, ok := parseNumber(raw)
	if !ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), "x")
			d, ok = parseNumericString(s)
		}
	}
	if !ok {
		return types.DefaultLeverage
	}
	f, _ := d.Float64()
	lev := int(math.Round(f))
	if lev < 1 {
		return types.DefaultLeverage
	}
	return lev
}

// parseNumberList accepts an array of numbers or numeric strings, or a single scalar.
// Order is preserved; unparseable or non-positive entries are dropped.
func parseNumberList(raw json.RawMessage) []decimal.Decimal {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		items = []json.RawMessage{raw}
	}

	var out []decimal.Decimal
	for _, item := range items {
		if d, ok := parseNumber(item); ok && d.IsPositive() {
			out = append(out, d)
		}
	}
	return out
}
