package feeds

import (
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOW AGGREGATOR - Turns a channel's message stream into extraction units
// ═══════════════════════════════════════════════════════════════════════════════
//
// single_message:     every message is its own unit
// windowed_messages:  ring of the last N messages
//   - every_message:  each push yields the buffer, partial windows included
//   - full_window:    only once N messages are buffered; Flush yields the rest
//
// A Window belongs to exactly one channel worker and is not safe for concurrent use.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Window buffers messages for one channel
type Window struct {
	cfg     types.ChannelConfig
	buf     []types.IngestedMessage
	pending bool // pushed since the last emitted unit
}

// NewWindow creates a window for a channel policy
func NewWindow(cfg types.ChannelConfig) *Window {
	return &Window{cfg: cfg}
}

// Push appends a message and returns the unit it triggers, if any
func (w *Window) Push(msg types.IngestedMessage) (types.AggregationUnit, bool) {
	if w.cfg.Policy != types.PolicyWindowedMessages {
		w.pending = false
		return types.AggregationUnit{
			ChannelID: w.cfg.ChannelID,
			Messages:  []types.IngestedMessage{msg},
		}, true
	}

	size := w.cfg.EffectiveWindow()
	w.buf = append(w.buf, msg)
	if len(w.buf) > size {
		w.buf = w.buf[len(w.buf)-size:]
	}
	w.pending = true

	if w.cfg.Trigger == types.TriggerFullWindow && len(w.buf) < size {
		return types.AggregationUnit{}, false
	}
	return w.emit(), true
}

// Flush yields a partial window held back by the full_window trigger.
// Called at the end of a backfill run.
func (w *Window) Flush() (types.AggregationUnit, bool) {
	if !w.pending || len(w.buf) == 0 {
		return types.AggregationUnit{}, false
	}
	return w.emit(), true
}

// Reset empties the buffer, used when a channel is seen disabled
func (w *Window) Reset() {
	w.buf = nil
	w.pending = false
}

// Reconfigure applies a reloaded policy, keeping the newest messages that still fit
func (w *Window) Reconfigure(cfg types.ChannelConfig) {
	if cfg.Policy != types.PolicyWindowedMessages {
		w.cfg = cfg
		w.Reset()
		return
	}
	w.cfg = cfg
	if size := cfg.EffectiveWindow(); len(w.buf) > size {
		w.buf = append([]types.IngestedMessage(nil), w.buf[len(w.buf)-size:]...)
	}
}

// Config returns the policy the window currently applies
func (w *Window) Config() types.ChannelConfig {
	return w.cfg
}

// Len returns the number of buffered messages
func (w *Window) Len() int {
	return len(w.buf)
}

func (w *Window) emit() types.AggregationUnit {
	w.pending = false
	msgs := make([]types.IngestedMessage, len(w.buf))
	copy(msgs, w.buf)
	return types.AggregationUnit{ChannelID: w.cfg.ChannelID, Messages: msgs}
}
