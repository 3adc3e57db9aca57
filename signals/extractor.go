package signals

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/retry"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL EXTRACTOR - Aggregation unit in, tagged result out
// ═══════════════════════════════════════════════════════════════════════════════

// Kind tags an extraction result
type Kind = types.Outcome

const (
	KindSignal    = types.OutcomeSignal
	KindNoSignal  = types.OutcomeNoSignal
	KindMalformed = types.OutcomeMalformed
	KindRejected  = types.OutcomeRejected
	KindFailed    = types.OutcomeFailed
)

// Result of one extraction. Signal is always set and is the record to persist;
// only KindSignal results may be promoted to sizing.
type Result struct {
	Kind   Kind
	Signal *types.Signal
	Err    error // backend error behind KindFailed / KindMalformed
}

// Extractor runs the backend with retries and normalizes its answer
type Extractor struct {
	backend Backend
	policy  retry.Policy
}

// NewExtractor creates a new extractor
func NewExtractor(backend Backend, policy retry.Policy) *Extractor {
	return &Extractor{backend: backend, policy: policy}
}

// Extract evaluates one unit. It never panics on bad model output and never returns KindSignal
// without a token and side.
func (e *Extractor) Extract(ctx context.Context, unit types.AggregationUnit, channelPrompt string) Result {
	sig := &types.Signal{
		ChannelID:  unit.ChannelID,
		MessageIDs: unit.MessageIDs(),
		Model:      e.backend.Model(),
		CreatedAt:  time.Now().UTC(),
	}

	req := Request{
		SystemPrompt: SystemPrompt(channelPrompt),
		UserText:     BuildUserText(unit),
		ImagePaths:   imagePaths(unit),
	}

	var raw string
	err := retry.Do(ctx, e.policy, IsTransient,
		func(int) error {
			out, err := e.backend.Complete(ctx, req)
			if err != nil {
				return err
			}
			raw = out
			return nil
		},
		func(attempt int, err error, wait time.Duration) {
			log.Warn().
				Err(err).
				Str("channel", unit.ChannelID).
				Str("messages", unit.Key()).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("🔁 Extraction retry")
		})

	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			sig.Outcome = types.OutcomeMalformed
		} else {
			sig.Outcome = types.OutcomeFailed
		}
		sig.Reason = err.Error()
		return Result{Kind: sig.Outcome, Signal: sig, Err: err}
	}

	parseOutput(raw, sig)
	return Result{Kind: sig.Outcome, Signal: sig}
}

// BuildUserText joins the unit's messages oldest first, each headed by id and time
func BuildUserText(unit types.AggregationUnit) string {
	parts := make([]string, 0, len(unit.Messages))
	for _, m := range unit.Messages {
		header := fmt.Sprintf("[#%d %s]", m.MessageID, m.Timestamp.UTC().Format(time.RFC3339))
		text := strings.TrimSpace(m.Text)
		if text == "" && len(m.Media) > 0 {
			text = "(image)"
		}
		parts = append(parts, header+"\n"+text)
	}
	return strings.Join(parts, "\n---\n")
}

// imagePaths lists attached images that are present on disk
func imagePaths(unit types.AggregationUnit) []string {
	var paths []string
	for _, m := range unit.Media() {
		if !m.IsImage() || m.LocalPath == "" {
			continue
		}
		if _, err := os.Stat(m.LocalPath); err != nil {
			continue
		}
		paths = append(paths, m.LocalPath)
	}
	return paths
}
