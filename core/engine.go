package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/feeds"
	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/signals"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Transport → Store → Window → Extractor → Store → Coordinator → Exchange
//
// Backfill replays the last N stored messages of a channel through the same path.
//
// ═══════════════════════════════════════════════════════════════════════════════

const writeTimeout = 10 * time.Second

// Store is the persistence the pipeline needs
type Store interface {
	AppendMessage(ctx context.Context, msg types.IngestedMessage) (bool, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]types.IngestedMessage, error)
	GetSignal(ctx context.Context, channelID, unitKey string) (*types.Signal, error)
	UpsertSignal(ctx context.Context, sig *types.Signal) error
}

// Extractor evaluates one aggregation unit
type Extractor interface {
	Extract(ctx context.Context, unit types.AggregationUnit, channelPrompt string) signals.Result
}

// Submitter hands actionable signals to execution
type Submitter interface {
	Submit(ctx context.Context, sig *types.Signal) (*types.PositionSubmission, error)
}

// ExtractionNotifier hears about units whose extraction failed for good
type ExtractionNotifier interface {
	NotifyExtractionFailed(sig *types.Signal)
}

// Stats are in-memory pipeline counters since start
type Stats struct {
	Messages    int
	Units       int
	Extractions map[types.Outcome]int
	Submissions int
	Dropped     int // live messages stored but not queued
	Started     time.Time
}

type Engine struct {
	mu sync.RWMutex

	// Components
	channels  *config.Store
	db        Store
	extractor Extractor
	submitter Submitter
	router    *Router
	notifier  ExtractionNotifier

	// Stats
	stats Stats
}

// NewEngine creates a new pipeline engine
func NewEngine(channels *config.Store, db Store, extractor Extractor, submitter Submitter, queueSize int) *Engine {
	e := &Engine{
		channels:  channels,
		db:        db,
		extractor: extractor,
		submitter: submitter,
		stats: Stats{
			Extractions: make(map[types.Outcome]int),
			Started:     time.Now(),
		},
	}
	e.router = NewRouter(queueSize, e.handle)
	return e
}

// SetNotifier registers the operator notifier for failed extractions
func (e *Engine) SetNotifier(n ExtractionNotifier) {
	e.mu.Lock()
	e.notifier = n
	e.mu.Unlock()
}

// Stop stops intake and waits for the channel workers
func (e *Engine) Stop() {
	e.router.Stop()
	log.Info().Msg("Engine stopped")
}

// Ingest stores a message and queues it on its channel worker.
// Messages already stored are not evaluated again.
func (e *Engine) Ingest(ctx context.Context, msg types.IngestedMessage) error {
	cfg, ok := e.channels.Current().Lookup(msg.ChannelID)
	if !ok {
		log.Debug().Str("channel", msg.ChannelID).Msg("Message from unmonitored channel ignored")
		return nil
	}

	inserted, err := e.db.AppendMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("store message %s/%d: %w", msg.ChannelID, msg.MessageID, err)
	}

	e.mu.Lock()
	e.stats.Messages++
	e.mu.Unlock()

	if !cfg.Enabled {
		// the worker clears its buffer so re-enabling starts from empty
		return e.route(ctx, msg.ChannelID, task{reset: true})
	}
	if !inserted {
		log.Debug().Str("channel", msg.ChannelID).Int64("message", msg.MessageID).Msg("Duplicate delivery ignored")
		return nil
	}

	log.Debug().
		Str("channel", msg.ChannelID).
		Int64("message", msg.MessageID).
		Int("media", len(msg.Media)).
		Msg("📨 Message ingested")

	return e.route(ctx, msg.ChannelID, task{msg: &msg})
}

// route queues a live task; a full queue is counted, not returned
func (e *Engine) route(ctx context.Context, channelID string, t task) error {
	err := e.router.Route(ctx, channelID, t)
	if errors.Is(err, ErrQueueFull) {
		e.mu.Lock()
		e.stats.Dropped++
		e.mu.Unlock()
		return nil
	}
	return err
}

// Backfill replays the last limit stored messages of a channel and waits until they
// were evaluated. It returns the number of units evaluated.
func (e *Engine) Backfill(ctx context.Context, channelID string, limit int) (int, error) {
	cfg, ok := e.channels.Current().Lookup(channelID)
	if !ok {
		return 0, fmt.Errorf("channel %s is not configured", channelID)
	}
	if !cfg.Enabled {
		return 0, fmt.Errorf("channel %s is disabled", channelID)
	}
	if limit <= 0 {
		return 0, nil
	}

	msgs, err := e.db.RecentMessages(ctx, channelID, limit)
	if err != nil {
		return 0, fmt.Errorf("load messages for %s: %w", channelID, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	done := make(chan int, 1)
	if err := e.router.Route(ctx, channelID, task{backfill: msgs, done: done}); err != nil {
		return 0, err
	}

	select {
	case n := <-done:
		log.Info().
			Str("channel", channelID).
			Int("messages", len(msgs)).
			Int("units", n).
			Msg("⏪ Backfill complete")
		return n, nil
	case <-e.router.stopCh:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// BackfillAll backfills every enabled channel in parallel
func (e *Engine) BackfillAll(ctx context.Context, limit int) error {
	channels := e.channels.Current().Enabled()
	if limit <= 0 || len(channels) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(channelID string) {
			defer wg.Done()
			if _, err := e.Backfill(ctx, channelID, limit); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(ch.ChannelID)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// GetStats returns a copy of the pipeline counters
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := e.stats
	out.Extractions = make(map[types.Outcome]int, len(e.stats.Extractions))
	for k, v := range e.stats.Extractions {
		out.Extractions[k] = v
	}
	return out
}

// QueueDepth returns the queued tasks per channel worker
func (e *Engine) QueueDepth() map[string]int {
	return e.router.QueueDepth()
}

// ═══════════════════════════════════════════════════════════════════════════════
// WORKER SIDE - runs on the channel's own goroutine
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) handle(ctx context.Context, channelID string, w *feeds.Window, t task) int {
	cfg, ok := e.channels.Current().Lookup(channelID)
	if !ok || !cfg.Enabled || t.reset {
		if w.Len() > 0 {
			log.Debug().Str("channel", channelID).Msg("Window cleared")
		}
		w.Reset()
		return 0
	}
	if w.Config() != cfg {
		w.Reconfigure(cfg)
	}

	if t.msg != nil {
		unit, ok := w.Push(*t.msg)
		if !ok {
			return 0
		}
		e.process(ctx, cfg, unit)
		return 1
	}

	// backfill: rebuild the window from stored history
	w.Reset()
	n := 0
	for _, msg := range t.backfill {
		if ctx.Err() != nil {
			return n
		}
		if unit, ok := w.Push(msg); ok {
			e.process(ctx, cfg, unit)
			n++
		}
	}
	if unit, ok := w.Flush(); ok && ctx.Err() == nil {
		e.process(ctx, cfg, unit)
		n++
	}
	return n
}

// process evaluates one unit at most once and forwards actionable signals
func (e *Engine) process(ctx context.Context, cfg types.ChannelConfig, unit types.AggregationUnit) {
	key := unit.Key()

	e.mu.Lock()
	e.stats.Units++
	e.mu.Unlock()

	stored, err := e.db.GetSignal(ctx, unit.ChannelID, key)
	if err != nil {
		log.Error().Err(err).Str("channel", unit.ChannelID).Str("messages", key).Msg("❌ Signal lookup failed")
		return
	}
	if stored != nil && stored.Outcome != types.OutcomeFailed {
		log.Debug().
			Str("channel", unit.ChannelID).
			Str("messages", key).
			Str("outcome", string(stored.Outcome)).
			Msg("Unit already evaluated")
		if stored.Actionable() {
			e.submit(ctx, stored)
		}
		return
	}

	res := e.extractor.Extract(ctx, unit, cfg.Prompt)
	if ctx.Err() != nil {
		// shutting down: leave the unit for the next replay
		return
	}

	e.mu.Lock()
	e.stats.Extractions[res.Kind]++
	e.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	err = e.db.UpsertSignal(wctx, res.Signal)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("channel", unit.ChannelID).Str("messages", key).Msg("❌ Failed to record extraction")
		return
	}

	ev := log.Info()
	if res.Kind != signals.KindSignal {
		ev = log.Debug()
	}
	ev.Str("channel", unit.ChannelID).
		Str("messages", key).
		Str("outcome", string(res.Kind)).
		Str("token", res.Signal.Token).
		Str("side", string(res.Signal.Side)).
		Str("reason", res.Signal.Reason).
		Msg("🔎 Unit evaluated")

	switch res.Kind {
	case signals.KindFailed:
		e.mu.RLock()
		n := e.notifier
		e.mu.RUnlock()
		if n != nil {
			n.NotifyExtractionFailed(res.Signal)
		}
	case signals.KindSignal:
		e.submit(ctx, res.Signal)
	}
}

func (e *Engine) submit(ctx context.Context, sig *types.Signal) {
	if !sig.Actionable() {
		return
	}
	sub, err := e.submitter.Submit(ctx, sig)
	if err != nil {
		log.Error().Err(err).Str("channel", sig.ChannelID).Str("messages", sig.UnitKey()).Msg("❌ Submission failed")
		return
	}

	e.mu.Lock()
	e.stats.Submissions++
	e.mu.Unlock()

	log.Debug().
		Str("key", sub.Key.String()).
		Str("status", string(sub.Status)).
		Msg("Submission resolved")
}
