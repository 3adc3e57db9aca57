package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/core"
	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🎯 Submission alerts (submitted / rejected / failed / recorded)
//   ⚠️ Extraction failures
//   🎛️ Commands: /status /pause /resume /reload /backfill /recent /ping
//
// Only the configured operator chat is answered.
//
// ═══════════════════════════════════════════════════════════════════════════════

const backfillTimeout = 10 * time.Minute

// Sender is the part of the Bot API used for replies
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Pipeline is the engine surface the bot controls
type Pipeline interface {
	Backfill(ctx context.Context, channelID string, limit int) (int, error)
	GetStats() core.Stats
	QueueDepth() map[string]int
}

// StatsProvider reads persisted pipeline history
type StatsProvider interface {
	GetStats(ctx context.Context) (*storage.Stats, error)
	ListSubmissions(ctx context.Context, status types.SubmissionStatus, limit int) ([]*types.PositionSubmission, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu       sync.RWMutex
	api      Sender
	chatID   int64
	exchange string

	// Controls
	channels *config.Store
	pipeline Pipeline
	stats    StatsProvider
	backfill int

	wg sync.WaitGroup
}

// NewTelegramBot creates a new Telegram bot replying to chatID
func NewTelegramBot(api Sender, chatID int64, exchange string) *TelegramBot {
	return &TelegramBot{
		api:      api,
		chatID:   chatID,
		exchange: exchange,
	}
}

// SetControls wires the components the commands act on
func (b *TelegramBot) SetControls(channels *config.Store, pipeline Pipeline, stats StatsProvider, backfill int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = channels
	b.pipeline = pipeline
	b.stats = stats
	b.backfill = backfill
}

// Wait blocks until background command work (backfills) has finished
func (b *TelegramBot) Wait() {
	b.wg.Wait()
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifySubmission reports a submission that reached a resting state
func (b *TelegramBot) NotifySubmission(sig *types.Signal, sub *types.PositionSubmission) {
	var emoji, title string
	switch sub.Status {
	case types.StatusSubmitted:
		emoji, title = "✅", "ORDER SUBMITTED"
	case types.StatusRecorded:
		emoji, title = "📝", "SIGNAL RECORDED"
	case types.StatusRejected:
		emoji, title = "🚫", "SIGNAL REJECTED"
	case types.StatusFailed:
		emoji, title = "❌", "ORDER FAILED"
	default:
		return
	}

	side := "🟢 LONG"
	if sub.Side == types.SideShort {
		side = "🔴 SHORT"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s*\n\n", emoji, title)
	fmt.Fprintf(&sb, "📊 *%s* %s\n", esc(sub.Key.Token), side)
	fmt.Fprintf(&sb, "━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&sb, "📡 Channel: `%s`\n", sub.Key.ChannelID)
	fmt.Fprintf(&sb, "✉️ Messages: `%s`\n", sub.Key.MessageIDs)
	fmt.Fprintf(&sb, "🏦 Exchange: *%s*\n", esc(sub.Key.Exchange))

	if sub.Symbol != "" && sub.Quantity.IsPositive() {
		fmt.Fprintf(&sb, "📦 Qty: *%s* %s @ %s\n", sub.Quantity.String(), esc(sub.Symbol), sub.Price.String())
		fmt.Fprintf(&sb, "💵 Notional: *%s*\n", sub.Notional.StringFixed(2))
	}
	fmt.Fprintf(&sb, "⚙️ Leverage: *%dx*\n", sub.Leverage)
	if sig != nil {
		if len(sig.StopLosses) > 0 {
			fmt.Fprintf(&sb, "🛑 SL: %s\n", sig.StopLosses[0].String())
		}
		if len(sig.TakeProfits) > 0 {
			fmt.Fprintf(&sb, "🎯 TP: %s\n", sig.TakeProfits[0].String())
		}
	}
	if len(sub.OrderIDs) > 0 {
		fmt.Fprintf(&sb, "🧾 Orders: `%s`\n", strings.Join(sub.OrderIDs, ", "))
	}
	if sub.Error != "" {
		fmt.Fprintf(&sb, "━━━━━━━━━━━━━━━━\n📝 %s", esc(sub.Error))
	}

	b.sendMarkdown(sb.String())
}

// NotifyExtractionFailed reports a unit whose extraction exhausted its retries
func (b *TelegramBot) NotifyExtractionFailed(sig *types.Signal) {
	msg := fmt.Sprintf("⚠️ *EXTRACTION FAILED*\n\n📡 Channel: `%s`\n✉️ Messages: `%s`\n📝 %s\n\nRetried on the next backfill.",
		sig.ChannelID, sig.UnitKey(), esc(sig.Reason))
	b.sendMarkdown(msg)
}

// NotifyError sends an error alert
func (b *TelegramBot) NotifyError(err error) {
	msg := fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error())
	b.sendMarkdown(msg)
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(recovered int) {
	b.mu.RLock()
	channels := b.channels
	b.mu.RUnlock()

	enabled, auto := 0, false
	if channels != nil {
		snap := channels.Current()
		enabled = len(snap.Enabled())
		auto = snap.AutoExecution()
	}

	msg := fmt.Sprintf(`🚀 *SIGNALBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

🏦 Exchange: *%s*
⚡ Auto-execution: *%s*
📡 Channels: *%d enabled*
♻️ Recovered submissions: *%d*

Use /help for commands`, esc(b.exchange), onOff(auto), enabled, recovered)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

// HandleCommand answers an operator command
func (b *TelegramBot) HandleCommand(msg *tgbotapi.Message) {
	// Only respond to authorized chat
	if msg.Chat == nil || msg.Chat.ID != b.chatID {
		return
	}

	cmd := strings.ToLower(msg.Command())
	args := strings.Fields(msg.CommandArguments())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "reload":
		b.cmdReload()
	case "backfill":
		b.cmdBackfill(args)
	case "recent":
		b.cmdRecent()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *SIGNALBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Pipeline status
⏸️ /pause — Stop sending orders (signals are recorded)
▶️ /resume — Resume auto-execution
🔄 /reload — Reload the channels file
⏪ /backfill <channel> [n] — Replay stored messages
📜 /recent — Last 10 submissions
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	b.mu.RLock()
	channels, pipeline, stats := b.channels, b.pipeline, b.stats
	b.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("📊 *BOT STATUS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(&sb, "🏦 Exchange: *%s*\n", esc(b.exchange))

	if channels != nil {
		snap := channels.Current()
		fmt.Fprintf(&sb, "⚡ Auto-execution: *%s*\n", onOff(snap.AutoExecution()))
		fmt.Fprintf(&sb, "📡 Channels: *%d/%d enabled*\n", len(snap.Enabled()), len(snap.Channels()))
	}

	if pipeline != nil {
		s := pipeline.GetStats()
		fmt.Fprintf(&sb, "⏱️ Uptime: *%s*\n", time.Since(s.Started).Round(time.Second))
		fmt.Fprintf(&sb, "✉️ Messages: *%d* | Units: *%d*\n", s.Messages, s.Units)
		fmt.Fprintf(&sb, "🎯 Signals: *%d* | Failed: *%d*\n", s.Extractions[types.OutcomeSignal], s.Extractions[types.OutcomeFailed])

		depth := pipeline.QueueDepth()
		queued := 0
		for _, n := range depth {
			queued += n
		}
		fmt.Fprintf(&sb, "📥 Queued: *%d* across %d workers\n", queued, len(depth))
		if s.Dropped > 0 {
			fmt.Fprintf(&sb, "⚠️ Dropped: *%d* (run /backfill)\n", s.Dropped)
		}
	}

	if stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if st, err := stats.GetStats(ctx); err == nil {
			sb.WriteString("\n━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(&sb, "🗄️ Stored messages: *%d*\n", st.Messages)
			sb.WriteString("🧾 Submissions: " + formatCounts(st.Submissions) + "\n")
		}
	}

	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdPause() {
	b.mu.RLock()
	channels := b.channels
	b.mu.RUnlock()

	if channels == nil {
		b.send("❌ Controls not available")
		return
	}
	channels.SetAutoExecution(false)
	b.send("⏸️ Auto-execution paused, signals will be recorded only")
	log.Info().Msg("Auto-execution paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.mu.RLock()
	channels := b.channels
	b.mu.RUnlock()

	if channels == nil {
		b.send("❌ Controls not available")
		return
	}
	channels.SetAutoExecution(true)
	b.send("▶️ Auto-execution resumed")
	log.Info().Msg("Auto-execution resumed via Telegram")
}

func (b *TelegramBot) cmdReload() {
	b.mu.RLock()
	channels := b.channels
	b.mu.RUnlock()

	if channels == nil {
		b.send("❌ Controls not available")
		return
	}
	snap, err := channels.Reload()
	if err != nil {
		log.Error().Err(err).Msg("Channel reload failed")
		b.send("❌ Reload failed, previous channels kept: " + err.Error())
		return
	}
	b.send(fmt.Sprintf("🔄 Reloaded %d channels (%d enabled)", len(snap.Channels()), len(snap.Enabled())))
	log.Info().Int("channels", len(snap.Channels())).Msg("Channels reloaded via Telegram")
}

func (b *TelegramBot) cmdBackfill(args []string) {
	b.mu.RLock()
	pipeline, limit := b.pipeline, b.backfill
	b.mu.RUnlock()

	if pipeline == nil {
		b.send("❌ Backfill not available")
		return
	}
	if len(args) == 0 {
		b.send("Usage: /backfill <channel> [n]")
		return
	}
	channelID := args[0]
	if len(args) > 1 {
		var n int
		if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil || n < 1 {
			b.send("❌ n must be a positive number")
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}

	b.send(fmt.Sprintf("⏪ Backfilling %d messages of %s…", limit, channelID))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()

		n, err := pipeline.Backfill(ctx, channelID, limit)
		if err != nil {
			b.send("❌ Backfill failed: " + err.Error())
			return
		}
		b.send(fmt.Sprintf("✅ Backfill of %s done, %d units evaluated", channelID, n))
	}()
}

func (b *TelegramBot) cmdRecent() {
	b.mu.RLock()
	stats := b.stats
	b.mu.RUnlock()

	if stats == nil {
		b.send("❌ History not available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	subs, err := stats.ListSubmissions(ctx, "", 10)
	if err != nil {
		b.send("❌ Failed to fetch submissions")
		return
	}
	if len(subs) == 0 {
		b.send("📭 No submissions yet")
		return
	}

	var sb strings.Builder
	sb.WriteString("📜 *LAST SUBMISSIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, s := range subs {
		fmt.Fprintf(&sb, "%s *%s* %s `%s`\n   _%s_\n",
			statusEmoji(s.Status), esc(s.Key.Token), strings.ToUpper(string(s.Side)),
			s.Status, s.UpdatedAt.Format("Jan 2 15:04"))
	}
	b.sendMarkdown(sb.String())
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func esc(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func statusEmoji(s types.SubmissionStatus) string {
	switch s {
	case types.StatusSubmitted:
		return "✅"
	case types.StatusRecorded:
		return "📝"
	case types.StatusRejected:
		return "🚫"
	case types.StatusFailed:
		return "❌"
	}
	return "⏳"
}

func formatCounts(m map[string]int64) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, m[k])
	}
	return strings.Join(parts, " | ")
}
