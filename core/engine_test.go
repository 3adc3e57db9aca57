package core

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/exec"
	"github.com/web3guy0/signalbot/execution"
	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/retry"
	"github.com/web3guy0/signalbot/risk"
	"github.com/web3guy0/signalbot/signals"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/types"
)

const channelID = "-100"

// fakeBackend answers every request through answer
type fakeBackend struct {
	mu     sync.Mutex
	texts  []string
	answer func(text string) (string, error)
}

func (b *fakeBackend) Complete(_ context.Context, req signals.Request) (string, error) {
	b.mu.Lock()
	b.texts = append(b.texts, req.UserText)
	answer := b.answer
	b.mu.Unlock()
	return answer(req.UserText)
}

func (b *fakeBackend) Model() string { return "fake" }

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.texts)
}

func (b *fakeBackend) setAnswer(f func(string) (string, error)) {
	b.mu.Lock()
	b.answer = f
	b.mu.Unlock()
}

type failureRecorder struct {
	mu    sync.Mutex
	units []string
}

func (f *failureRecorder) NotifyExtractionFailed(sig *types.Signal) {
	f.mu.Lock()
	f.units = append(f.units, sig.UnitKey())
	f.mu.Unlock()
}

func (f *failureRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.units)
}

func noSignal(string) (string, error) { return `{"token": null}`, nil }

type pipeline struct {
	engine  *Engine
	db      *storage.Database
	paper   *exec.Paper
	backend *fakeBackend
	store   *config.Store
}

func newPipeline(t *testing.T, answer func(string) (string, error), channels ...types.ChannelConfig) *pipeline {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "pipeline.db"), storage.Options{BusyRetries: 5, BusySleep: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	paper := exec.NewPaper(decimal.NewFromInt(1000))
	paper.SetPrice("BTCUSDT", decimal.NewFromInt(65000))

	store := config.NewStore("", config.NewSnapshot(channels, true))
	sizer := risk.NewSizer("USDT", decimal.NewFromInt(10), decimal.NewFromInt(10), decimal.NewFromFloat(0.90), decimal.NewFromFloat(0.02))
	coord := execution.NewCoordinator(paper, sizer, db, execution.CoordinatorConfig{
		Retry:         retry.Policy{Attempts: 1},
		StaleAfter:    time.Minute,
		AutoExecution: func() bool { return store.Current().AutoExecution() },
	})

	backend := &fakeBackend{answer: answer}
	extractor := signals.NewExtractor(backend, retry.Policy{Attempts: 1})

	engine := NewEngine(store, db, extractor, coord, 16)
	t.Cleanup(engine.Stop)

	return &pipeline{engine: engine, db: db, paper: paper, backend: backend, store: store}
}

func message(id int64, text string) types.IngestedMessage {
	return types.IngestedMessage{
		ChannelID: channelID,
		MessageID: id,
		Timestamp: time.Date(2026, 3, 1, 9, 0, int(id), 0, time.UTC),
		Text:      text,
		Raw:       "{}",
	}
}

func single() types.ChannelConfig {
	return types.ChannelConfig{ChannelID: channelID, Policy: types.PolicySingleMessage, Enabled: true}
}

func windowed(size int, trigger types.Trigger) types.ChannelConfig {
	return types.ChannelConfig{ChannelID: channelID, Policy: types.PolicyWindowedMessages, WindowSize: size, Enabled: true, Trigger: trigger}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestBTCSignalSubmittedOnce(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, func(string) (string, error) {
		return `{"token":"BTC","position_type":"LONG","entry_price":65000,"leverage":"5x","stop_losses":[63000],"take_profits":[67000,69000]}`, nil
	}, single())

	require.NoError(t, p.engine.Ingest(ctx, message(101, "BTC LONG 65000 5x SL 63000 TP 67000 69000")))

	key := types.SubmissionKey{ChannelID: channelID, MessageIDs: "101", Exchange: "paper", Token: "BTC"}
	var sub *types.PositionSubmission
	eventually(t, func() bool {
		var err error
		sub, err = p.db.GetSubmission(ctx, key)
		return err == nil && sub != nil && sub.Status == types.StatusSubmitted
	})
	assert.True(t, sub.Quantity.Equal(decimal.NewFromInt(10).Div(decimal.NewFromInt(65000))))
	assert.Equal(t, 5, sub.Leverage)

	// duplicate delivery and a backfill replay neither re-extract nor re-submit
	require.NoError(t, p.engine.Ingest(ctx, message(101, "BTC LONG 65000 5x SL 63000 TP 67000 69000")))
	n, err := p.engine.Backfill(ctx, channelID, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, p.backend.calls())
	assert.Equal(t, 1, p.paper.PlaceCalls())
	assert.Len(t, p.paper.Orders(), 1)

	stats := p.engine.GetStats()
	assert.Equal(t, 1, stats.Extractions[types.OutcomeSignal])
}

func TestWindowedEveryMessage(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, noSignal, windowed(3, types.TriggerEveryMessage))

	for id := int64(1); id <= 4; id++ {
		require.NoError(t, p.engine.Ingest(ctx, message(id, "chatter")))
	}
	// a backfill queues behind the live messages, so it doubles as a barrier
	n, err := p.engine.Backfill(ctx, channelID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, p.backend.calls())

	for _, key := range []string{"1", "1,2", "1,2,3", "2,3,4"} {
		sig, err := p.db.GetSignal(ctx, channelID, key)
		require.NoError(t, err)
		require.NotNil(t, sig, key)
		assert.Equal(t, types.OutcomeNoSignal, sig.Outcome)
	}

	// the unit text carries every message of the window, oldest first
	p.backend.mu.Lock()
	last := p.backend.texts[3]
	p.backend.mu.Unlock()
	assert.True(t, strings.Index(last, "[#2 ") < strings.Index(last, "[#4 "))
	assert.NotContains(t, last, "[#1 ")
}

func TestFullWindowFlushedOnBackfill(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, noSignal, windowed(3, types.TriggerFullWindow))

	require.NoError(t, p.engine.Ingest(ctx, message(1, "a")))
	require.NoError(t, p.engine.Ingest(ctx, message(2, "b")))

	n, err := p.engine.Backfill(ctx, channelID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.backend.calls())

	sig, err := p.db.GetSignal(ctx, channelID, "1,2")
	require.NoError(t, err)
	require.NotNil(t, sig)
}

func TestFailedExtractionRetriedOnBackfill(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, func(string) (string, error) { return "", signals.ErrBackendUnavailable }, single())
	failures := &failureRecorder{}
	p.engine.SetNotifier(failures)

	require.NoError(t, p.engine.Ingest(ctx, message(7, "ETH?")))
	eventually(t, func() bool { return failures.count() == 1 })

	sig, err := p.db.GetSignal(ctx, channelID, "7")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, types.OutcomeFailed, sig.Outcome)

	p.backend.setAnswer(noSignal)
	_, err = p.engine.Backfill(ctx, channelID, 1)
	require.NoError(t, err)

	sig, err = p.db.GetSignal(ctx, channelID, "7")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoSignal, sig.Outcome)
	assert.Equal(t, 2, p.backend.calls())
}

func TestMalformedOutputNeverSized(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, func(string) (string, error) { return `{"token": "BTC", "position_type": `, nil }, single())

	require.NoError(t, p.engine.Ingest(ctx, message(1, "BTC")))
	_, err := p.engine.Backfill(ctx, channelID, 1)
	require.NoError(t, err)

	sig, err := p.db.GetSignal(ctx, channelID, "1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, types.OutcomeMalformed, sig.Outcome)
	assert.Zero(t, p.paper.PriceCalls())
	assert.Zero(t, p.paper.PlaceCalls())
}

func TestDisabledAndUnknownChannels(t *testing.T) {
	ctx := context.Background()
	cfg := single()
	cfg.Enabled = false
	p := newPipeline(t, noSignal, cfg)

	require.NoError(t, p.engine.Ingest(ctx, message(1, "x")))
	other := message(2, "y")
	other.ChannelID = "-200"
	require.NoError(t, p.engine.Ingest(ctx, other))

	stored, err := p.db.GetMessage(ctx, channelID, 1)
	require.NoError(t, err)
	assert.NotNil(t, stored, "disabled channels are still recorded")

	stored, err = p.db.GetMessage(ctx, "-200", 2)
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, err = p.engine.Backfill(ctx, channelID, 5)
	assert.Error(t, err)
	assert.Zero(t, p.backend.calls())
}

func TestReloadReenablesWithEmptyWindow(t *testing.T) {
	ctx := context.Background()
	cfg := windowed(3, types.TriggerEveryMessage)
	p := newPipeline(t, noSignal, cfg)

	require.NoError(t, p.engine.Ingest(ctx, message(1, "a")))
	eventually(t, func() bool { return p.backend.calls() == 1 })

	cfg.Enabled = false
	p.store.Swap(config.NewSnapshot([]types.ChannelConfig{cfg}, true))
	require.NoError(t, p.engine.Ingest(ctx, message(2, "b")))

	cfg.Enabled = true
	p.store.Swap(config.NewSnapshot([]types.ChannelConfig{cfg}, true))
	require.NoError(t, p.engine.Ingest(ctx, message(3, "c")))
	eventually(t, func() bool { return p.backend.calls() == 2 })

	sig, err := p.db.GetSignal(ctx, channelID, "3")
	require.NoError(t, err)
	assert.NotNil(t, sig, "window restarted empty after the channel was disabled")
}

func TestWorkerSurvivesPanic(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, func(text string) (string, error) {
		if strings.Contains(text, "boom") {
			panic("backend exploded")
		}
		return `{"token": null}`, nil
	}, single())

	require.NoError(t, p.engine.Ingest(ctx, message(1, "boom")))
	require.NoError(t, p.engine.Ingest(ctx, message(2, "fine")))
	eventually(t, func() bool { return p.backend.calls() == 2 })

	eventually(t, func() bool {
		sig, err := p.db.GetSignal(ctx, channelID, "2")
		return err == nil && sig != nil
	})
}

func TestIngestAfterStop(t *testing.T) {
	p := newPipeline(t, noSignal, single())
	p.engine.Stop()

	err := p.engine.Ingest(context.Background(), message(1, "late"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStalledChannelDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	other := types.ChannelConfig{ChannelID: "-200", Policy: types.PolicySingleMessage, Enabled: true}
	p := newPipeline(t, func(text string) (string, error) {
		if strings.Contains(text, "stall") {
			<-release
		}
		return noSignal(text)
	}, single(), other)

	require.NoError(t, p.engine.Ingest(ctx, message(1, "stall")))
	eventually(t, func() bool { return p.backend.calls() == 1 })

	// the stalled worker's queue holds 16; live intake never waits on it
	for id := int64(2); id <= 20; id++ {
		require.NoError(t, p.engine.Ingest(ctx, message(id, "chatter")))
	}
	assert.Equal(t, 3, p.engine.GetStats().Dropped)
	assert.Equal(t, 16, p.engine.QueueDepth()[channelID])

	msg := message(7, "elsewhere")
	msg.ChannelID = "-200"
	require.NoError(t, p.engine.Ingest(ctx, msg))
	eventually(t, func() bool {
		sig, err := p.db.GetSignal(ctx, "-200", "7")
		return err == nil && sig != nil
	})

	// dropped messages were stored; a backfill evaluates them
	unblock()
	_, err := p.engine.Backfill(ctx, channelID, 25)
	require.NoError(t, err)
	for _, id := range []string{"18", "19", "20"} {
		sig, err := p.db.GetSignal(ctx, channelID, id)
		require.NoError(t, err)
		assert.NotNil(t, sig, "message %s", id)
	}
	assert.Equal(t, 21, p.backend.calls())
}
