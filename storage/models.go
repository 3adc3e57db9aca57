package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

// Models

type MessageRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ChannelID string `gorm:"uniqueIndex:idx_message_channel_id;not null"`
	MessageID int64  `gorm:"uniqueIndex:idx_message_channel_id;not null"`
	Timestamp time.Time
	EditedAt  *time.Time
	ReplyToID int64
	Text      string
	Raw       string
	CreatedAt time.Time
}

func (MessageRecord) TableName() string { return "messages" }

type MediaFile struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ChannelID string `gorm:"index:idx_media_message"`
	MessageID int64  `gorm:"index:idx_media_message"`
	FileName  string
	MimeType  string
	FileSize  int64
	LocalPath string
	CreatedAt time.Time
}

func (MediaFile) TableName() string { return "media_files" }

type SignalRecord struct {
	ID          uint             `gorm:"primaryKey;autoIncrement"`
	ChannelID   string           `gorm:"uniqueIndex:idx_signal_unit;not null"`
	MessageIDs  string           `gorm:"uniqueIndex:idx_signal_unit;not null"` // "101,102,103"
	Token       string           `gorm:"index"`
	Side        string
	EntryPrice  *decimal.Decimal `gorm:"type:decimal(36,18)"`
	Leverage    int
	StopLosses  string // JSON array, order preserved
	TakeProfits string // JSON array, order preserved
	Outcome     string `gorm:"index"`
	Reason      string
	RawOutput   string
	Model       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SignalRecord) TableName() string { return "signals" }

type SubmissionRecord struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	ChannelID     string          `gorm:"uniqueIndex:idx_submission_key;not null"`
	MessageIDs    string          `gorm:"uniqueIndex:idx_submission_key;not null"`
	Exchange      string          `gorm:"uniqueIndex:idx_submission_key;not null"`
	Token         string          `gorm:"uniqueIndex:idx_submission_key;not null"`
	Side          string
	Symbol        string
	Quantity      decimal.Decimal `gorm:"type:decimal(36,18)"`
	Notional      decimal.Decimal `gorm:"type:decimal(36,18)"`
	Price         decimal.Decimal `gorm:"type:decimal(36,18)"`
	Leverage      int
	ClientOrderID string `gorm:"index"`
	OrderIDs      string // JSON array
	Status        string `gorm:"index"`
	Attempts      int
	Error         string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (SubmissionRecord) TableName() string { return "position_submissions" }

// Conversions

func encodeList[T any](v []T) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList[T any](s string) []T {
	var out []T
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func messageFromRecord(r MessageRecord, media []MediaFile) types.IngestedMessage {
	msg := types.IngestedMessage{
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		Timestamp: r.Timestamp,
		EditedAt:  r.EditedAt,
		ReplyToID: r.ReplyToID,
		Text:      r.Text,
		Raw:       r.Raw,
	}
	for _, m := range media {
		msg.Media = append(msg.Media, types.MediaRef{
			FileName:  m.FileName,
			MimeType:  m.MimeType,
			FileSize:  m.FileSize,
			LocalPath: m.LocalPath,
		})
	}
	return msg
}

func signalToRecord(s *types.Signal) SignalRecord {
	return SignalRecord{
		ChannelID:   s.ChannelID,
		MessageIDs:  s.UnitKey(),
		Token:       s.Token,
		Side:        string(s.Side),
		EntryPrice:  s.EntryPrice,
		Leverage:    s.Leverage,
		StopLosses:  encodeList(s.StopLosses),
		TakeProfits: encodeList(s.TakeProfits),
		Outcome:     string(s.Outcome),
		Reason:      s.Reason,
		RawOutput:   s.RawOutput,
		Model:       s.Model,
	}
}

func signalFromRecord(r SignalRecord) *types.Signal {
	return &types.Signal{
		ChannelID:   r.ChannelID,
		MessageIDs:  types.SplitMessageIDs(r.MessageIDs),
		Token:       r.Token,
		Side:        types.Side(r.Side),
		EntryPrice:  r.EntryPrice,
		Leverage:    r.Leverage,
		StopLosses:  decodeList[decimal.Decimal](r.StopLosses),
		TakeProfits: decodeList[decimal.Decimal](r.TakeProfits),
		Outcome:     types.Outcome(r.Outcome),
		Reason:      r.Reason,
		RawOutput:   r.RawOutput,
		Model:       r.Model,
		CreatedAt:   r.CreatedAt,
	}
}

func submissionToRecord(s *types.PositionSubmission) SubmissionRecord {
	return SubmissionRecord{
		ChannelID:     s.Key.ChannelID,
		MessageIDs:    s.Key.MessageIDs,
		Exchange:      s.Key.Exchange,
		Token:         s.Key.Token,
		Side:          string(s.Side),
		Symbol:        s.Symbol,
		Quantity:      s.Quantity,
		Notional:      s.Notional,
		Price:         s.Price,
		Leverage:      s.Leverage,
		ClientOrderID: s.ClientOrderID,
		OrderIDs:      encodeList(s.OrderIDs),
		Status:        string(s.Status),
		Attempts:      s.Attempts,
		Error:         s.Error,
		Version:       s.Version,
	}
}

func submissionFromRecord(r SubmissionRecord) *types.PositionSubmission {
	return &types.PositionSubmission{
		Key: types.SubmissionKey{
			ChannelID:  r.ChannelID,
			MessageIDs: r.MessageIDs,
			Exchange:   r.Exchange,
			Token:      r.Token,
		},
		Side:          types.Side(r.Side),
		Symbol:        r.Symbol,
		Quantity:      r.Quantity,
		Notional:      r.Notional,
		Price:         r.Price,
		Leverage:      r.Leverage,
		ClientOrderID: r.ClientOrderID,
		OrderIDs:      decodeList[string](r.OrderIDs),
		Status:        types.SubmissionStatus(r.Status),
		Attempts:      r.Attempts,
		Error:         r.Error,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
