package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/types"
)

type signalView struct {
	ChannelID   string            `json:"channel_id"`
	MessageIDs  []int64           `json:"message_ids"`
	Outcome     types.Outcome     `json:"outcome"`
	Token       string            `json:"token,omitempty"`
	Side        types.Side        `json:"side,omitempty"`
	EntryPrice  *decimal.Decimal  `json:"entry_price,omitempty"`
	Leverage    int               `json:"leverage,omitempty"`
	StopLosses  []decimal.Decimal `json:"stop_losses,omitempty"`
	TakeProfits []decimal.Decimal `json:"take_profits,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Model       string            `json:"model,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func newSignalView(s *types.Signal) signalView {
	return signalView{
		ChannelID:   s.ChannelID,
		MessageIDs:  s.MessageIDs,
		Outcome:     s.Outcome,
		Token:       s.Token,
		Side:        s.Side,
		EntryPrice:  s.EntryPrice,
		Leverage:    s.Leverage,
		StopLosses:  s.StopLosses,
		TakeProfits: s.TakeProfits,
		Reason:      s.Reason,
		Model:       s.Model,
		CreatedAt:   s.CreatedAt,
	}
}

type submissionView struct {
	ChannelID     string                 `json:"channel_id"`
	MessageIDs    string                 `json:"message_ids"`
	Exchange      string                 `json:"exchange"`
	Token         string                 `json:"token"`
	Side          types.Side             `json:"side"`
	Symbol        string                 `json:"symbol,omitempty"`
	Quantity      decimal.Decimal        `json:"quantity"`
	Notional      decimal.Decimal        `json:"notional"`
	Price         decimal.Decimal        `json:"price"`
	Leverage      int                    `json:"leverage"`
	ClientOrderID string                 `json:"client_order_id"`
	OrderIDs      []string               `json:"order_ids,omitempty"`
	Status        types.SubmissionStatus `json:"status"`
	Attempts      int                    `json:"attempts"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func newSubmissionView(s *types.PositionSubmission) submissionView {
	return submissionView{
		ChannelID:     s.Key.ChannelID,
		MessageIDs:    s.Key.MessageIDs,
		Exchange:      s.Key.Exchange,
		Token:         s.Key.Token,
		Side:          s.Side,
		Symbol:        s.Symbol,
		Quantity:      s.Quantity,
		Notional:      s.Notional,
		Price:         s.Price,
		Leverage:      s.Leverage,
		ClientOrderID: s.ClientOrderID,
		OrderIDs:      s.OrderIDs,
		Status:        s.Status,
		Attempts:      s.Attempts,
		Error:         s.Error,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
