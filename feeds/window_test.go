package feeds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/types"
)

func msg(id int64) types.IngestedMessage {
	return types.IngestedMessage{
		ChannelID: "-100",
		MessageID: id,
		Timestamp: time.Unix(1700000000+id, 0).UTC(),
		Text:      "m",
	}
}

func windowed(size int, trigger types.Trigger) types.ChannelConfig {
	return types.ChannelConfig{
		ChannelID:  "-100",
		Policy:     types.PolicyWindowedMessages,
		WindowSize: size,
		Enabled:    true,
		Trigger:    trigger,
	}
}

func TestSingleMessagePolicy(t *testing.T) {
	w := NewWindow(types.ChannelConfig{ChannelID: "-100", Policy: types.PolicySingleMessage, Enabled: true})

	for id := int64(1); id <= 3; id++ {
		unit, ok := w.Push(msg(id))
		require.True(t, ok)
		assert.Equal(t, []int64{id}, unit.MessageIDs())
	}
	assert.Equal(t, 0, w.Len())
}

func TestWindowHoldsMostRecent(t *testing.T) {
	const n = 5
	w := NewWindow(windowed(n, types.TriggerEveryMessage))

	var last types.AggregationUnit
	for id := int64(1); id <= 12; id++ {
		unit, ok := w.Push(msg(id))
		require.True(t, ok)
		last = unit
	}

	assert.Equal(t, []int64{8, 9, 10, 11, 12}, last.MessageIDs())
	assert.Equal(t, "8,9,10,11,12", last.Key())
	assert.Equal(t, n, w.Len())
}

func TestEveryMessageEmitsPartialWindows(t *testing.T) {
	w := NewWindow(windowed(3, types.TriggerEveryMessage))

	unit, ok := w.Push(msg(1))
	require.True(t, ok)
	assert.Equal(t, []int64{1}, unit.MessageIDs())

	unit, ok = w.Push(msg(2))
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, unit.MessageIDs())

	_, ok = w.Flush()
	assert.False(t, ok, "nothing held back")
}

func TestFullWindowWaitsAndFlushes(t *testing.T) {
	w := NewWindow(windowed(3, types.TriggerFullWindow))

	_, ok := w.Push(msg(1))
	assert.False(t, ok)
	_, ok = w.Push(msg(2))
	assert.False(t, ok)

	unit, ok := w.Flush()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, unit.MessageIDs())

	_, ok = w.Flush()
	assert.False(t, ok, "flush is one-shot")

	unit, ok = w.Push(msg(3))
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, unit.MessageIDs())

	unit, ok = w.Push(msg(4))
	require.True(t, ok)
	assert.Equal(t, []int64{2, 3, 4}, unit.MessageIDs())
}

func TestEmittedUnitIsACopy(t *testing.T) {
	w := NewWindow(windowed(2, types.TriggerEveryMessage))
	w.Push(msg(1))
	unit, _ := w.Push(msg(2))
	w.Push(msg(3))

	assert.Equal(t, []int64{1, 2}, unit.MessageIDs())
}

func TestResetStartsEmpty(t *testing.T) {
	w := NewWindow(windowed(3, types.TriggerEveryMessage))
	w.Push(msg(1))
	w.Push(msg(2))
	w.Reset()

	unit, ok := w.Push(msg(7))
	require.True(t, ok)
	assert.Equal(t, []int64{7}, unit.MessageIDs())
}

func TestReconfigureShrinksKeepingNewest(t *testing.T) {
	w := NewWindow(windowed(5, types.TriggerEveryMessage))
	for id := int64(1); id <= 5; id++ {
		w.Push(msg(id))
	}

	w.Reconfigure(windowed(2, types.TriggerEveryMessage))
	assert.Equal(t, 2, w.Len())

	unit, ok := w.Push(msg(6))
	require.True(t, ok)
	assert.Equal(t, []int64{5, 6}, unit.MessageIDs())
}

func TestReconfigureToSingleClears(t *testing.T) {
	w := NewWindow(windowed(5, types.TriggerEveryMessage))
	w.Push(msg(1))

	w.Reconfigure(types.ChannelConfig{ChannelID: "-100", Policy: types.PolicySingleMessage})
	assert.Equal(t, 0, w.Len())

	unit, ok := w.Push(msg(2))
	require.True(t, ok)
	assert.Equal(t, []int64{2}, unit.MessageIDs())
}

func TestDefaultWindowSize(t *testing.T) {
	w := NewWindow(windowed(0, ""))
	for id := int64(1); id <= 9; id++ {
		w.Push(msg(id))
	}
	assert.Equal(t, types.DefaultWindowSize, w.Len())
}
