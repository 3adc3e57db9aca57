package signals

import "strings"

// SchemaInstructions pins the answer format; it is appended to every channel prompt
const SchemaInstructions = `Return ONLY a strict JSON object matching this schema: ` +
	`{"token": string|null, "position_type": "long"|"short"|null, "entry_price": number|null, ` +
	`"leverage": number|null, "stop_losses": number[] (may be empty), "take_profits": number[] (may be empty)}. ` +
	`Keep stop_losses and take_profits in the order the signal lists them. ` +
	`If there is no trade call, set token to null. ` +
	`If information is missing or not visible, use null for scalars and [] for arrays. Do not include any extra fields or text.`

// DefaultPrompt is used for channels without their own prompt
const DefaultPrompt = `You analyze crypto futures trading signals from channel messages and screenshots. ` +
	`Messages are given oldest first, each headed by [#message_id time]. ` +
	`Extract at most one trade call, preferring the most recent complete one. ` + SchemaInstructions

// SystemPrompt builds the system prompt for a channel
func SystemPrompt(channelPrompt string) string {
	channelPrompt = strings.TrimSpace(channelPrompt)
	if channelPrompt == "" {
		return DefaultPrompt
	}
	return channelPrompt + "\n\n" + SchemaInstructions
}
