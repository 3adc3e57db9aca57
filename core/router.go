package core

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/feeds"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Routes messages to one worker goroutine per channel
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each channel gets a buffered FIFO queue and a worker that owns the channel's
// Window. Channels run in parallel; messages of one channel never do.
//
// Live tasks never wait for a full queue: the message is already stored, so it
// is dropped here and a later backfill evaluates it. Backfill tasks wait.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrStopped is returned once the router no longer accepts work
	ErrStopped = errors.New("router stopped")
	// ErrQueueFull is returned when a live task found its channel queue full
	ErrQueueFull = errors.New("channel queue full")
)

// task is one unit of work for a channel worker: a live message, a reset,
// or a backfill batch whose evaluated-unit count is sent on done
type task struct {
	msg      *types.IngestedMessage
	reset    bool
	backfill []types.IngestedMessage
	done     chan int
}

// handlerFunc processes a task with the worker's own window
type handlerFunc func(ctx context.Context, channelID string, w *feeds.Window, t task) int

type worker struct {
	queue  chan task
	window *feeds.Window
}

type Router struct {
	mu        sync.Mutex
	workers   map[string]*worker
	queueSize int
	handle    handlerFunc

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewRouter creates a new channel router
func NewRouter(queueSize int, handle handlerFunc) *Router {
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		workers:   make(map[string]*worker),
		queueSize: queueSize,
		handle:    handle,
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
}

// Route queues a task for its channel, starting the channel worker on first use.
// Backfill tasks block while the channel queue is full; live tasks are dropped.
func (r *Router) Route(ctx context.Context, channelID string, t task) error {
	w, err := r.worker(channelID)
	if err != nil {
		return err
	}

	if t.backfill == nil {
		select {
		case w.queue <- t:
			return nil
		case <-r.stopCh:
			return ErrStopped
		default:
			ev := log.Warn().Str("channel", channelID).Int("queued", len(w.queue))
			if t.msg != nil {
				ev = ev.Int64("message", t.msg.MessageID)
			}
			ev.Msg("⚠️ Channel queue full, message left for backfill")
			return ErrQueueFull
		}
	}

	select {
	case w.queue <- t:
		return nil
	case <-r.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of queued tasks per channel
func (r *Router) QueueDepth() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.workers))
	for id, w := range r.workers {
		out[id] = len(w.queue)
	}
	return out
}

// Stop stops intake, cancels in-flight work and waits for the workers to exit.
// Tasks still queued are dropped; their messages are already stored.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stopCh)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Router) worker(channelID string) (*worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrStopped
	}
	if w, ok := r.workers[channelID]; ok {
		return w, nil
	}

	w := &worker{
		queue:  make(chan task, r.queueSize),
		window: feeds.NewWindow(types.ChannelConfig{ChannelID: channelID}),
	}
	r.workers[channelID] = w

	r.wg.Add(1)
	go r.run(channelID, w)

	log.Debug().Str("channel", channelID).Msg("👷 Channel worker started")
	return w, nil
}

func (r *Router) run(channelID string, w *worker) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case t := <-w.queue:
			n := r.safeHandle(channelID, w, t)
			if t.done != nil {
				t.done <- n
			}
		}
	}
}

// safeHandle keeps a panicking unit from taking the channel worker down
func (r *Router) safeHandle(channelID string, w *worker, t task) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("channel", channelID).
				Msg("💥 Channel worker recovered from panic")
			n = 0
		}
	}()
	return r.handle(r.ctx, channelID, w.window, t)
}
