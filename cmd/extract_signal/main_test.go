package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/signalbot/types"
)

func TestRenderSignal(t *testing.T) {
	entry := decimal.RequireFromString("0.5321")
	out := render(&types.Signal{
		ChannelID:   "-100",
		MessageIDs:  []int64{7, 8},
		Token:       "ARB",
		Side:        types.SideShort,
		EntryPrice:  &entry,
		Leverage:    10,
		StopLosses:  []decimal.Decimal{decimal.RequireFromString("0.56")},
		TakeProfits: []decimal.Decimal{decimal.RequireFromString("0.51"), decimal.RequireFromString("0.49")},
		Outcome:     types.OutcomeSignal,
	})

	assert.Equal(t, "ARB", *out.Token)
	assert.Equal(t, "short", *out.Side)
	assert.Equal(t, "0.5321", *out.EntryPrice)
	assert.Equal(t, []string{"0.51", "0.49"}, out.TakeProfits)
}

func TestRenderNoSignal(t *testing.T) {
	out := render(&types.Signal{ChannelID: "-100", MessageIDs: []int64{1}, Outcome: types.OutcomeNoSignal})

	assert.Nil(t, out.Token)
	assert.Nil(t, out.Side)
	assert.Nil(t, out.EntryPrice)
	assert.NotNil(t, out.StopLosses)
	assert.Empty(t, out.StopLosses)
}
