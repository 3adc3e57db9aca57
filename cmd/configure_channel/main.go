// configure_channel adds or replaces one entry in the channels file.
//
//	configure_channel -id -1001234567890 -title "Calls" -policy windowed_messages -window 3
//
// A running bot picks the change up on /reload.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/types"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	_ = godotenv.Load()

	defaultFile := os.Getenv("CHANNELS_FILE")
	if defaultFile == "" {
		defaultFile = "channels.json"
	}

	var (
		file    = flag.String("file", defaultFile, "channels file (.json, .yaml)")
		id      = flag.String("id", "", "channel id, e.g. -1001234567890 or @username")
		title   = flag.String("title", "", "human readable title")
		policy  = flag.String("policy", string(types.PolicySingleMessage), "single_message or windowed_messages")
		window  = flag.Int("window", 0, "window size for windowed_messages")
		trigger = flag.String("trigger", "", "every_message or full_window")
		prompt  = flag.String("prompt", "", "channel specific extraction prompt")
		enabled = flag.Bool("enabled", true, "process this channel")
	)
	flag.Parse()

	if *id == "" {
		flag.Usage()
		os.Exit(2)
	}

	ch := types.ChannelConfig{
		ChannelID:  *id,
		Title:      *title,
		Policy:     types.Policy(*policy),
		WindowSize: *window,
		Enabled:    *enabled,
		Prompt:     *prompt,
		Trigger:    types.Trigger(*trigger),
	}
	if err := config.NormalizeChannel(&ch); err != nil {
		log.Fatal().Err(err).Msg("Invalid channel")
	}

	channels, err := config.LoadChannels(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load channels")
	}

	channels, replaced := upsert(channels, ch)
	if err := config.SaveChannels(*file, channels); err != nil {
		log.Fatal().Err(err).Msg("Failed to save channels")
	}

	action := "added"
	if replaced {
		action = "updated"
	}
	fmt.Printf("✅ Channel %s %s in %s (%d configured)\n", ch.ChannelID, action, *file, len(channels))
}

func upsert(channels []types.ChannelConfig, ch types.ChannelConfig) ([]types.ChannelConfig, bool) {
	for i := range channels {
		if channels[i].ChannelID == ch.ChannelID {
			channels[i] = ch
			return channels, true
		}
	}
	return append(channels, ch), false
}
