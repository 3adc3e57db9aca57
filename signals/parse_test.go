package signals

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseOutputOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		outcome types.Outcome
		token   string
	}{
		{"full signal", `{"token":"btc","position_type":"long","entry_price":65000,"leverage":5,"stop_losses":[64000],"take_profits":[66000,67000]}`, types.OutcomeSignal, "BTC"},
		{"fenced", "```json\n{\"token\":\"ETH\",\"position_type\":\"short\"}\n```", types.OutcomeSignal, "ETH"},
		{"null token", `{"token":null,"position_type":null}`, types.OutcomeNoSignal, ""},
		{"empty token", `{"token":"  ","position_type":"long"}`, types.OutcomeNoSignal, ""},
		{"missing side", `{"token":"SOL","position_type":null}`, types.OutcomeRejected, "SOL"},
		{"bad side", `{"token":"SOL","position_type":"sideways"}`, types.OutcomeRejected, "SOL"},
		{"one letter token", `{"token":"X","position_type":"long"}`, types.OutcomeRejected, "X"},
		{"long token", `{"token":"ABCDEFGHIJKLMNOPQ","position_type":"long"}`, types.OutcomeRejected, "ABCDEFGHIJKLMNOPQ"},
		{"not json", `sorry, I cannot help`, types.OutcomeMalformed, ""},
		{"truncated", `{"token":"BTC","position_type":"lo`, types.OutcomeMalformed, ""},
		{"wrong types", `{"token":42}`, types.OutcomeMalformed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := &types.Signal{}
			parseOutput(tt.raw, sig)
			assert.Equal(t, tt.outcome, sig.Outcome, sig.Reason)
			assert.Equal(t, tt.token, sig.Token)
			assert.Equal(t, tt.raw, sig.RawOutput)
			if tt.outcome != types.OutcomeSignal {
				assert.False(t, sig.Actionable())
				assert.NotEmpty(t, sig.Reason)
			}
		})
	}
}

func TestParseOutputFields(t *testing.T) {
	sig := &types.Signal{}
	parseOutput(`{"token":"XAUUSD","position_type":"Buy","entry_price":"2,350.5","leverage":"10x","stop_losses":["2300", null, "abc", 2290],"take_profits":[2400,2380]}`, sig)

	require.Equal(t, types.OutcomeSignal, sig.Outcome)
	assert.Equal(t, "PAXG", sig.Token)
	assert.Equal(t, types.SideLong, sig.Side)
	require.NotNil(t, sig.EntryPrice)
	assert.True(t, sig.EntryPrice.Equal(dec("2350.5")))
	assert.Equal(t, 10, sig.Leverage)

	require.Len(t, sig.StopLosses, 2)
	assert.True(t, sig.StopLosses[0].Equal(dec("2300")))
	assert.True(t, sig.StopLosses[1].Equal(dec("2290")))

	// order as provided, not sorted
	require.Len(t, sig.TakeProfits, 2)
	assert.True(t, sig.TakeProfits[0].Equal(dec("2400")))
	assert.True(t, sig.TakeProfits[1].Equal(dec("2380")))
}

func TestParseLeverage(t *testing.T) {
	tests := map[string]int{
		``:       types.DefaultLeverage,
		`null`:   types.DefaultLeverage,
		`5`:      5,
		`"5"`:    5,
		`"5x"`:   5,
		`"x20"`:  20,
		`"12.6"`: 13,
		`0`:      types.DefaultLeverage,
		`"high"`: types.DefaultLeverage,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLeverage([]byte(in)), "in=%s", in)
	}
}

func TestParseNumberListScalar(t *testing.T) {
	out := parseNumberList([]byte(`"64000"`))
	require.Len(t, out, 1)
	assert.True(t, out[0].Equal(dec("64000")))

	assert.Nil(t, parseNumberList([]byte(`null`)))
}

func TestMissingEntryPriceIsAllowed(t *testing.T) {
	sig := &types.Signal{}
	parseOutput(`{"token":"BTC","position_type":"short","entry_price":null,"leverage":null}`, sig)

	require.Equal(t, types.OutcomeSignal, sig.Outcome)
	assert.Nil(t, sig.EntryPrice)
	assert.Equal(t, types.DefaultLeverage, sig.Leverage)
	assert.Empty(t, sig.StopLosses)
}
