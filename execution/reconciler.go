package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/exec"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Startup submission recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// A crash between "pending" and the venue's answer leaves a row nobody owns.
// On startup, before new traffic is accepted:
// 1. Load pending submissions older than the stale threshold
// 2. Ask the exchange for each one by its client order id
// 3. Found → complete missing sl/tp legs, submitted; otherwise → failed,
//    which the next replay retries
//
// ═══════════════════════════════════════════════════════════════════════════════

// PendingStore lists submissions left pending and the signals behind them
type PendingStore interface {
	StalePending(ctx context.Context, before time.Time) ([]*types.PositionSubmission, error)
	GetSignal(ctx context.Context, channelID, unitKey string) (*types.Signal, error)
}

// Reconciler handles startup submission recovery
type Reconciler struct {
	coordinator *Coordinator
	db          PendingStore
}

// NewReconciler creates a submission reconciler
func NewReconciler(coordinator *Coordinator, db PendingStore) *Reconciler {
	return &Reconciler{
		coordinator: coordinator,
		db:          db,
	}
}

// RecoverPending resolves stale pending submissions and returns how many were touched
func (r *Reconciler) RecoverPending(ctx context.Context) (int, error) {
	before := r.coordinator.now().Add(-r.coordinator.config.StaleAfter)
	pending, err := r.db.StalePending(ctx, before)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load pending submissions")
		return 0, err
	}

	if len(pending) == 0 {
		log.Info().Msg("📦 No pending submissions to recover")
		return 0, nil
	}

	log.Warn().
		Int("count", len(pending)).
		Msg("⚠️ Found pending submissions from previous session")

	recovered := 0
	for _, sub := range pending {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		sig, err := r.db.GetSignal(ctx, sub.Key.ChannelID, sub.Key.MessageIDs)
		if err != nil {
			// still recoverable, only the protective legs cannot be checked
			log.Warn().Err(err).Str("key", sub.Key.String()).Msg("⚠️ Could not load signal for pending submission")
		}
		if r.coordinator.reconcile(ctx, sig, sub) {
			recovered++
		}
	}

	log.Info().
		Int("recovered", recovered).
		Msg("✅ Submission recovery complete")

	return recovered, nil
}

// reconcile settles one orphaned pending submission. sig may be nil.
// It reports whether the row was written.
func (c *Coordinator) reconcile(ctx context.Context, sig *types.Signal, sub *types.PositionSubmission) bool {
	v, canVerify := c.exchange.(exec.OrderVerifier)

	switch {
	case sub.Key.Exchange != c.exchange.Name():
		log.Warn().Str("key", sub.Key.String()).Msg("Pending submission belongs to another exchange, skipped")
		return false

	case sub.Symbol == "":
		// crashed before sizing, nothing reached the venue
		sub.Status = types.StatusFailed
		sub.Error = "interrupted before sizing"

	case !canVerify:
		sub.Status = types.StatusFailed
		sub.Error = "interrupted, exchange cannot verify orders"

	default:
		res, found, err := v.FindOrder(ctx, sub.Symbol, sub.ClientOrderID)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("key", sub.Key.String()).Msg("⚠️ Could not verify pending submission, left pending")
			return false
		case found:
			c.ensureProtection(ctx, c.orderRequest(sig, sub), res)
			sub.Status = types.StatusSubmitted
			sub.OrderIDs = res.OrderIDs()
			sub.Error = res.ProtectError
		default:
			sub.Status = types.StatusFailed
			sub.Error = "interrupted, order not found on exchange"
		}
	}

	if err := c.store.TransitionSubmission(ctx, sub); err != nil {
		if !errors.Is(err, storage.ErrVersionConflict) {
			log.Error().Err(err).Str("key", sub.Key.String()).Msg("❌ Failed to record recovered submission")
		}
		return false
	}

	log.Warn().
		Str("key", sub.Key.String()).
		Str("status", string(sub.Status)).
		Strs("order_ids", sub.OrderIDs).
		Msg("📥 Recovered submission")
	return true
}
