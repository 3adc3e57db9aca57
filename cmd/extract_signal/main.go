// extract_signal re-runs extraction for a stored message and prints the result.
// Nothing is persisted and no order is placed.
//
//	extract_signal -channel -1001234567890 -message 4512
//	extract_signal -channel -1001234567890 -message 4512 -window 3
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/logging"
	"github.com/web3guy0/signalbot/signals"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/types"
)

type output struct {
	ChannelID   string    `json:"channel_id"`
	MessageIDs  []int64   `json:"message_ids"`
	Outcome     string    `json:"outcome"`
	Token       *string   `json:"token"`
	Side        *string   `json:"position_type"`
	EntryPrice  *string   `json:"entry_price"`
	Leverage    int       `json:"leverage"`
	StopLosses  []string  `json:"stop_losses"`
	TakeProfits []string  `json:"take_profits"`
	Reason      string    `json:"reason,omitempty"`
	Model       string    `json:"model"`
	Raw         string    `json:"raw_output,omitempty"`
	At          time.Time `json:"at"`
}

func main() {
	_ = godotenv.Load()

	var (
		channel = flag.String("channel", "", "channel id")
		message = flag.Int64("message", 0, "message id")
		window  = flag.Int("window", 0, "messages ending at -message to evaluate together (default: channel policy)")
		raw     = flag.Bool("raw", false, "include the raw model answer")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	closer := logging.Setup(logging.Options{Debug: cfg.Debug, Level: cfg.LogLevel})
	defer closer.Close()

	if *channel == "" || *message == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := cfg.RequireExtraction(); err != nil {
		log.Fatal().Err(err).Msg("Incomplete configuration")
	}

	channels, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load channels")
	}
	ch, ok := config.NewSnapshot(channels, false).Lookup(*channel)
	if !ok {
		ch = types.ChannelConfig{ChannelID: *channel, Policy: types.PolicySingleMessage}
		log.Warn().Str("channel", *channel).Msg("⚠️ Channel not configured, using the default prompt")
	}

	size := *window
	if size <= 0 {
		size = ch.EffectiveWindow()
	}

	db, err := storage.New(cfg.DatabasePath, storage.Options{
		BusyRetries: cfg.SQLBusyRetries,
		BusySleep:   cfg.SQLBusySleep,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	target, err := db.GetMessage(ctx, *channel, *message)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load message")
	}
	if target == nil {
		log.Fatal().Int64("message", *message).Msg("Message not stored, run the bot first")
	}

	msgs := []types.IngestedMessage{*target}
	if size > 1 {
		if msgs, err = db.MessagesUpTo(ctx, *channel, *message, size); err != nil {
			log.Fatal().Err(err).Msg("Failed to load window")
		}
	}

	backend := signals.NewOpenAIBackend(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.OpenAITimeout)
	res := signals.NewExtractor(backend, cfg.ExtractRetry).
		Extract(ctx, types.AggregationUnit{ChannelID: *channel, Messages: msgs}, ch.Prompt)
	if res.Err != nil {
		log.Warn().Err(res.Err).Str("outcome", string(res.Kind)).Msg("Extraction did not succeed")
	}

	out := render(res.Signal)
	if !*raw {
		out.Raw = ""
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func render(sig *types.Signal) output {
	out := output{
		ChannelID:   sig.ChannelID,
		MessageIDs:  sig.MessageIDs,
		Outcome:     string(sig.Outcome),
		Leverage:    sig.Leverage,
		StopLosses:  make([]string, 0, len(sig.StopLosses)),
		TakeProfits: make([]string, 0, len(sig.TakeProfits)),
		Reason:      sig.Reason,
		Model:       sig.Model,
		Raw:         sig.RawOutput,
		At:          sig.CreatedAt,
	}
	if sig.Token != "" {
		out.Token = &sig.Token
	}
	if sig.Side != "" {
		side := string(sig.Side)
		out.Side = &side
	}
	if sig.EntryPrice != nil {
		p := sig.EntryPrice.String()
		out.EntryPrice = &p
	}
	for _, d := range sig.StopLosses {
		out.StopLosses = append(out.StopLosses, d.String())
	}
	for _, d := range sig.TakeProfits {
		out.TakeProfits = append(out.TakeProfits, d.String())
	}
	return out
}
