package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/exec"
	"github.com/web3guy0/signalbot/internal/retry"
	"github.com/web3guy0/signalbot/risk"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION COORDINATOR - Idempotent signal → order state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
//   lookup(key) ── terminal / recorded / fresh pending ──→ skip
//       │
//       ├─ stale pending / failed ─→ overlap acted on ─→ rejected
//       │            │
//       │            └─→ FindOrder(client id) ─ found ─→ ensure sl/tp ─→ submitted
//       │                         │ not found
//       ▼                         ▼
//   create pending ──→ size ──→ place (retry, verify before each re-place)
//                                   │
//                     submitted / rejected / failed
//
// Every status write is optimistic on the row version.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	ReasonAutoExecutionOff = "auto-execution disabled"
	ReasonOverlap          = "duplicate of overlapping window submission"

	writeTimeout = 10 * time.Second
)

// ErrNotActionable is returned for signals that must never reach sizing
var ErrNotActionable = errors.New("signal is not actionable")

// Store is the slice of storage the coordinator needs
type Store interface {
	GetSubmission(ctx context.Context, key types.SubmissionKey) (*types.PositionSubmission, error)
	CreateSubmission(ctx context.Context, sub *types.PositionSubmission) (bool, error)
	TransitionSubmission(ctx context.Context, sub *types.PositionSubmission) error
	FindOverlapping(ctx context.Context, key types.SubmissionKey, side types.Side, ids []int64, statuses ...types.SubmissionStatus) (*types.PositionSubmission, error)
}

// Notifier hears about every submission that reached a resting state
type Notifier interface {
	NotifySubmission(sig *types.Signal, sub *types.PositionSubmission)
}

// CoordinatorConfig holds coordinator settings
type CoordinatorConfig struct {
	Retry         retry.Policy
	StaleAfter    time.Duration
	AutoExecution func() bool // read on every submission
	Breaker       *risk.CircuitBreaker
	OrderType     exec.OrderType // limit rests at the signal's entry price when it has one
}

// Coordinator turns actionable signals into at most one order per submission key
type Coordinator struct {
	exchange exec.Exchange
	sizer    *risk.Sizer
	store    Store
	config   CoordinatorConfig
	notifier Notifier
	now      func() time.Time
}

// NewCoordinator creates a new execution coordinator
func NewCoordinator(ex exec.Exchange, sizer *risk.Sizer, store Store, cfg CoordinatorConfig) *Coordinator {
	if cfg.AutoExecution == nil {
		cfg.AutoExecution = func() bool { return true }
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &Coordinator{
		exchange: ex,
		sizer:    sizer,
		store:    store,
		config:   cfg,
		now:      time.Now,
	}
}

// SetNotifier registers the operator notifier
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// Exchange returns the venue orders are routed to
func (c *Coordinator) Exchange() exec.Exchange {
	return c.exchange
}

// KeyFor derives the submission key of a signal on this coordinator's venue
func (c *Coordinator) KeyFor(sig *types.Signal) types.SubmissionKey {
	return types.SubmissionKey{
		ChannelID:  sig.ChannelID,
		MessageIDs: sig.UnitKey(),
		Exchange:   c.exchange.Name(),
		Token:      types.NormalizeToken(sig.Token),
	}
}

// Submit drives one signal through the state machine and returns the stored submission.
// Errors are storage failures; venue and sizing outcomes live in the returned record.
func (c *Coordinator) Submit(ctx context.Context, sig *types.Signal) (*types.PositionSubmission, error) {
	if !sig.Actionable() {
		return nil, ErrNotActionable
	}
	key := c.KeyFor(sig)

	existing, err := c.store.GetSubmission(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup submission %s: %w", key, err)
	}

	if existing != nil {
		return c.resume(ctx, sig, existing)
	}

	overlap, err := c.store.FindOverlapping(ctx, key, sig.Side, sig.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("overlap check %s: %w", key, err)
	}
	if overlap != nil {
		log.Info().
			Str("key", key.String()).
			Str("overlaps", overlap.Key.MessageIDs).
			Msg("🔁 Overlapping window already acted on")
		return c.createResting(ctx, sig, key, types.StatusRejected, ReasonOverlap)
	}

	if !c.config.AutoExecution() {
		return c.createResting(ctx, sig, key, types.StatusRecorded, ReasonAutoExecutionOff)
	}

	sub := c.newSubmission(sig, key, types.StatusPending, "")
	created, err := c.store.CreateSubmission(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("create submission %s: %w", key, err)
	}
	if !created {
		// another worker won the insert
		return c.store.GetSubmission(ctx, key)
	}

	return c.execute(ctx, sig, sub), nil
}

// resume decides what to do with a key that already has a record
func (c *Coordinator) resume(ctx context.Context, sig *types.Signal, sub *types.PositionSubmission) (*types.PositionSubmission, error) {
	switch {
	case sub.Status.Terminal(), sub.Status == types.StatusRecorded:
		log.Debug().Str("key", sub.Key.String()).Str("status", string(sub.Status)).Msg("Submission already resolved")
		return sub, nil

	case sub.Status == types.StatusPending && c.now().Sub(sub.UpdatedAt) < c.config.StaleAfter:
		log.Debug().Str("key", sub.Key.String()).Msg("Submission in flight")
		return sub, nil
	}

	if !c.config.AutoExecution() {
		log.Info().Str("key", sub.Key.String()).Str("status", string(sub.Status)).Msg("⏸️ Auto-execution off, leaving submission for later")
		return sub, nil
	}

	// a wider window may have traded these messages while this row sat failed
	overlap, err := c.store.FindOverlapping(ctx, sub.Key, sub.Side, sig.MessageIDs, types.StatusPending, types.StatusSubmitted)
	if err != nil {
		return nil, fmt.Errorf("overlap check %s: %w", sub.Key, err)
	}
	if overlap != nil {
		log.Info().
			Str("key", sub.Key.String()).
			Str("overlaps", overlap.Key.MessageIDs).
			Msg("🔁 Overlapping window already acted on, retiring submission")
		sub.Status = types.StatusRejected
		sub.Error = ReasonOverlap
		if err := c.store.TransitionSubmission(ctx, sub); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				return c.store.GetSubmission(ctx, sub.Key)
			}
			return nil, fmt.Errorf("retire submission %s: %w", sub.Key, err)
		}
		c.notify(sig, sub)
		return sub, nil
	}

	// claim the row; a concurrent claimer makes this fail
	prevStatus := sub.Status
	sub.Status = types.StatusPending
	if err := c.store.TransitionSubmission(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return c.store.GetSubmission(ctx, sub.Key)
		}
		return nil, fmt.Errorf("claim submission %s: %w", sub.Key, err)
	}

	log.Info().
		Str("key", sub.Key.String()).
		Str("was", string(prevStatus)).
		Int("attempts", sub.Attempts).
		Msg("♻️ Resuming submission")

	if done := c.verify(ctx, sig, sub); done {
		c.notify(sig, sub)
		return sub, nil
	}
	return c.execute(ctx, sig, sub), nil
}

// verify asks the venue whether an earlier attempt already landed. It reports
// true when sub reached a resting state and must not be placed again.
func (c *Coordinator) verify(ctx context.Context, sig *types.Signal, sub *types.PositionSubmission) bool {
	v, ok := c.exchange.(exec.OrderVerifier)
	if !ok || sub.Symbol == "" {
		return false
	}

	res, found, err := v.FindOrder(ctx, sub.Symbol, sub.ClientOrderID)
	if err != nil {
		log.Warn().Err(err).Str("key", sub.Key.String()).Msg("⚠️ Could not verify earlier attempt")
		sub.Status = types.StatusFailed
		sub.Error = "verification failed: " + err.Error()
		c.persist(ctx, sub)
		return true
	}
	if !found {
		return false
	}

	log.Info().Str("key", sub.Key.String()).Str("order_id", res.OrderID).Msg("✅ Earlier attempt found on exchange")
	c.ensureProtection(ctx, c.orderRequest(sig, sub), res)
	sub.Status = types.StatusSubmitted
	sub.OrderIDs = res.OrderIDs()
	sub.Error = res.ProtectError
	c.persist(ctx, sub)
	return true
}

// ensureProtection completes the sl/tp legs of an entry found on the exchange
// rather than placed by this attempt
func (c *Coordinator) ensureProtection(ctx context.Context, req exec.OrderRequest, res *exec.OrderResult) {
	if k, ok := c.exchange.(exec.ProtectionKeeper); ok {
		k.EnsureProtection(ctx, req, res)
	}
}

// orderRequest builds the entry order for a sized submission
func (c *Coordinator) orderRequest(sig *types.Signal, sub *types.PositionSubmission) exec.OrderRequest {
	req := exec.OrderRequest{
		Symbol:        sub.Symbol,
		Side:          sub.Side,
		Type:          exec.OrderMarket,
		Quantity:      sub.Quantity,
		Price:         sub.Price,
		Leverage:      sub.Leverage,
		ClientOrderID: sub.ClientOrderID,
	}
	if sig == nil {
		return req
	}
	req.StopLoss = exec.FirstOrNil(sig.StopLosses)
	req.TakeProfit = exec.FirstOrNil(sig.TakeProfits)
	if c.config.OrderType == exec.OrderLimit && sig.EntryPrice != nil && sig.EntryPrice.IsPositive() {
		req.Type = exec.OrderLimit
		req.LimitPrice = *sig.EntryPrice
	}
	return req
}

// execute sizes and places the order for a claimed pending submission
func (c *Coordinator) execute(ctx context.Context, sig *types.Signal, sub *types.PositionSubmission) *types.PositionSubmission {
	defer c.notify(sig, sub)

	if err := c.config.Breaker.Allow(); err != nil {
		c.fail(ctx, sub, err)
		return sub
	}

	var sized *types.SizedOrder
	err := retry.Do(ctx, c.config.Retry, exec.IsRetryable, func(int) error {
		var err error
		sized, err = c.sizer.Size(ctx, sig, c.exchange)
		return err
	}, c.logRetry(sub, "size"))
	if err != nil {
		c.fail(ctx, sub, err)
		return sub
	}

	sub.Symbol = sized.Symbol
	sub.Quantity = sized.Quantity
	sub.Notional = sized.Notional
	sub.Price = sized.Price
	if !c.persist(ctx, sub) {
		return sub
	}

	req := c.orderRequest(sig, sub)

	log.Info().
		Str("key", sub.Key.String()).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("qty", req.Quantity.String()).
		Str("notional", sized.Notional.StringFixed(2)).
		Int("leverage", req.Leverage).
		Msg("🚀 Submitting order")

	var result *exec.OrderResult
	err = retry.Do(ctx, c.config.Retry, exec.IsRetryable, func(attempt int) error {
		sub.Attempts++
		if attempt > 1 {
			if v, ok := c.exchange.(exec.OrderVerifier); ok {
				if res, found, verr := v.FindOrder(ctx, req.Symbol, req.ClientOrderID); verr == nil && found {
					log.Info().Str("key", sub.Key.String()).Str("order_id", res.OrderID).Msg("✅ Earlier attempt found on exchange")
					c.ensureProtection(ctx, req, res)
					result = res
					return nil
				}
			}
		}
		res, err := c.exchange.PlaceLeveragedOrder(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, c.logRetry(sub, "place"))
	if err != nil {
		c.fail(ctx, sub, err)
		return sub
	}
	c.config.Breaker.RecordSuccess()

	sub.Status = types.StatusSubmitted
	sub.OrderIDs = result.OrderIDs()
	sub.Error = result.ProtectError
	c.persist(ctx, sub)

	log.Info().
		Str("key", sub.Key.String()).
		Strs("order_ids", sub.OrderIDs).
		Msg("✅ Order submitted")
	return sub
}

// fail records a sizing or placement error as rejected or failed
func (c *Coordinator) fail(ctx context.Context, sub *types.PositionSubmission, err error) {
	if exec.IsRetryable(err) {
		c.config.Breaker.RecordFailure(err)
	}
	sub.Status = classify(err)
	sub.Error = err.Error()
	c.persist(ctx, sub)

	ev := log.Warn()
	if sub.Status == types.StatusFailed {
		ev = log.Error()
	}
	ev.Err(err).Str("key", sub.Key.String()).Str("status", string(sub.Status)).Msg("❌ Submission not placed")
}

// classify maps an error onto a resting status: exhausted transient errors
// stay retry-eligible, everything the venue or sizer refused is final
func classify(err error) types.SubmissionStatus {
	switch {
	case exec.IsRetryable(err):
		return types.StatusFailed
	case risk.IsRejection(err):
		return types.StatusRejected
	case exec.KindOf(err) != "":
		return types.StatusRejected
	}
	return types.StatusFailed
}

// persist writes sub even if ctx was cancelled mid-flight
func (c *Coordinator) persist(ctx context.Context, sub *types.PositionSubmission) bool {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := c.store.TransitionSubmission(wctx, sub); err != nil {
		log.Error().Err(err).Str("key", sub.Key.String()).Str("status", string(sub.Status)).Msg("❌ Failed to record submission state")
		return false
	}
	return true
}

func (c *Coordinator) createResting(ctx context.Context, sig *types.Signal, key types.SubmissionKey, status types.SubmissionStatus, reason string) (*types.PositionSubmission, error) {
	sub := c.newSubmission(sig, key, status, reason)
	created, err := c.store.CreateSubmission(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("create submission %s: %w", key, err)
	}
	if !created {
		return c.store.GetSubmission(ctx, key)
	}

	log.Info().Str("key", key.String()).Str("status", string(status)).Str("reason", reason).Msg("📝 Submission recorded without order")
	c.notify(sig, sub)
	return sub, nil
}

func (c *Coordinator) newSubmission(sig *types.Signal, key types.SubmissionKey, status types.SubmissionStatus, reason string) *types.PositionSubmission {
	lev := sig.Leverage
	if lev < 1 {
		lev = types.DefaultLeverage
	}
	return &types.PositionSubmission{
		Key:           key,
		Side:          sig.Side,
		Leverage:      lev,
		ClientOrderID: exec.ClientOrderID(key),
		Status:        status,
		Error:         reason,
	}
}

func (c *Coordinator) notify(sig *types.Signal, sub *types.PositionSubmission) {
	if c.notifier != nil {
		c.notifier.NotifySubmission(sig, sub)
	}
}

func (c *Coordinator) logRetry(sub *types.PositionSubmission, stage string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("key", sub.Key.String()).
			Str("stage", stage).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("🔁 Transient exchange error, retrying")
	}
}
