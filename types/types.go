package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Policy decides how a channel's messages are grouped before extraction
type Policy string

const (
	PolicySingleMessage    Policy = "single_message"
	PolicyWindowedMessages Policy = "windowed_messages"
)

// Trigger decides when a windowed channel hands its buffer to the extractor
type Trigger string

const (
	TriggerEveryMessage Trigger = "every_message" // re-evaluate on every message, partial windows included
	TriggerFullWindow   Trigger = "full_window"   // only once the buffer holds window_size messages
)

// DefaultWindowSize is used when a windowed channel does not set one
const DefaultWindowSize = 5

// ChannelConfig is the per-channel extraction policy. Never mutated once loaded.
type ChannelConfig struct {
	ChannelID  string  `json:"channel_id" yaml:"channel_id" validate:"required"`
	Title      string  `json:"channel_title" yaml:"channel_title"`
	Policy     Policy  `json:"policy" yaml:"policy" validate:"required,oneof=single_message windowed_messages"`
	WindowSize int     `json:"window_size" yaml:"window_size" validate:"gte=0"`
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Prompt     string  `json:"channel_prompt,omitempty" yaml:"channel_prompt,omitempty"`
	Trigger    Trigger `json:"trigger,omitempty" yaml:"trigger,omitempty" validate:"omitempty,oneof=every_message full_window"`
}

// EffectiveWindow returns the number of messages a unit may hold for this channel
func (c ChannelConfig) EffectiveWindow() int {
	if c.Policy != PolicyWindowedMessages {
		return 1
	}
	if c.WindowSize < 1 {
		return DefaultWindowSize
	}
	return c.WindowSize
}

// MediaRef points at a locally stored attachment
type MediaRef struct {
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	LocalPath string `json:"local_path"`
}

// IsImage reports whether the attachment can be sent to a vision model
func (m MediaRef) IsImage() bool {
	if strings.HasPrefix(m.MimeType, "image/") {
		return true
	}
	name := strings.ToLower(m.FileName)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".webp"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// IngestedMessage is one inbound channel message. Append-only.
type IngestedMessage struct {
	ChannelID string
	MessageID int64
	Timestamp time.Time
	EditedAt  *time.Time
	ReplyToID int64
	Text      string
	Media     []MediaRef
	Raw       string // JSON payload as received from the transport
}

// AggregationUnit is what the extractor sees for one evaluation. Ephemeral.
type AggregationUnit struct {
	ChannelID string
	Messages  []IngestedMessage // oldest first
}

// MessageIDs returns the ordered message ids in the unit
func (u AggregationUnit) MessageIDs() []int64 {
	ids := make([]int64, len(u.Messages))
	for i, m := range u.Messages {
		ids[i] = m.MessageID
	}
	return ids
}

// Key returns the canonical message-id set, e.g. "101,102,103"
func (u AggregationUnit) Key() string {
	return JoinMessageIDs(u.MessageIDs())
}

// Last returns the message that triggered the unit
func (u AggregationUnit) Last() IngestedMessage {
	if len(u.Messages) == 0 {
		return IngestedMessage{}
	}
	return u.Messages[len(u.Messages)-1]
}

// Media returns every attachment in the unit, in message order
func (u AggregationUnit) Media() []MediaRef {
	var out []MediaRef
	for _, m := range u.Messages {
		out = append(out, m.Media...)
	}
	return out
}

// JoinMessageIDs renders an ordered id set as a stable key
func JoinMessageIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// SplitMessageIDs parses a key produced by JoinMessageIDs
func SplitMessageIDs(key string) []int64 {
	if key == "" {
		return nil
	}
	parts := strings.Split(key, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════

// Side of a leveraged position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts the spellings models and channels actually use
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy", "bull", "bullish":
		return SideLong, true
	case "short", "sell", "bear", "bearish":
		return SideShort, true
	}
	return "", false
}

// OrderSide maps a position side onto the opening order side
func (s Side) OrderSide() string {
	if s == SideShort {
		return "SELL"
	}
	return "BUY"
}

// Outcome of one extraction
type Outcome string

const (
	OutcomeSignal    Outcome = "signal"
	OutcomeNoSignal  Outcome = "no_signal"
	OutcomeMalformed Outcome = "malformed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// DefaultLeverage applies when a signal does not state one
const DefaultLeverage = 2

// Signal is a normalized trading instruction extracted from one unit
type Signal struct {
	ChannelID   string
	MessageIDs  []int64
	Token       string
	Side        Side
	EntryPrice  *decimal.Decimal
	Leverage    int
	StopLosses  []decimal.Decimal // order as provided
	TakeProfits []decimal.Decimal // order as provided
	Outcome     Outcome
	Reason      string
	RawOutput   string
	Model       string
	CreatedAt   time.Time
}

// UnitKey is the message-id set the signal came from
func (s *Signal) UnitKey() string {
	return JoinMessageIDs(s.MessageIDs)
}

// Actionable reports whether the signal may be promoted to sizing
func (s *Signal) Actionable() bool {
	return s != nil && s.Outcome == OutcomeSignal && s.Token != "" && (s.Side == SideLong || s.Side == SideShort)
}

var goldAliases = map[string]bool{
	"GOLD":    true,
	"XAU":     true,
	"XAUUSD":  true,
	"XAUUSDT": true,
}

// NormalizeToken canonicalizes a symbol: alphanumerics only, uppercased, gold mapped to PAXG.
// NormalizeToken(NormalizeToken(x)) == NormalizeToken(x).
func NormalizeToken(token string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(token) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	base := b.String()
	if goldAliases[base] {
		return "PAXG"
	}
	return base
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

// SizedOrder is a signal turned into an exchange quantity. Folded into the submission record.
type SizedOrder struct {
	Signal    *Signal
	Quote     string
	Symbol    string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Notional  decimal.Decimal
	Deviation decimal.Decimal // |price-entry|/entry, zero without an entry price
}

// SubmissionStatus is the lifecycle state of a position submission
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"
	StatusSubmitted SubmissionStatus = "submitted"
	StatusRejected  SubmissionStatus = "rejected"
	StatusFailed    SubmissionStatus = "failed"
	StatusRecorded  SubmissionStatus = "recorded" // auto-execution off: recorded, not submitted
)

// Terminal reports whether no further attempt may be made
func (s SubmissionStatus) Terminal() bool {
	return s == StatusSubmitted || s == StatusRejected
}

// SubmissionKey identifies one real-world trading action
type SubmissionKey struct {
	ChannelID  string
	MessageIDs string // JoinMessageIDs form
	Exchange   string
	Token      string
}

// String renders the key for logs and client order ids
func (k SubmissionKey) String() string {
	return k.ChannelID + "|" + k.MessageIDs + "|" + k.Exchange + "|" + k.Token
}

// PositionSubmission is the single source of truth against duplicate orders
type PositionSubmission struct {
	Key           SubmissionKey
	Side          Side
	Symbol        string
	Quantity      decimal.Decimal
	Notional      decimal.Decimal
	Price         decimal.Decimal
	Leverage      int
	ClientOrderID string
	OrderIDs      []string
	Status        SubmissionStatus
	Attempts      int
	Error         string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
