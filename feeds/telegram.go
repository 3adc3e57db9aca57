package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM FEED - Channel posts in, ingested messages out
// ═══════════════════════════════════════════════════════════════════════════════
//
// The bot must be an admin of every monitored channel to receive its posts.
// One getUpdates consumer per token: operator commands arriving on the same
// stream are handed to the command handler. Posts are converted and ingested
// on one lane per channel, in arrival order, so a slow media download only
// holds up its own channel.
//
// ═══════════════════════════════════════════════════════════════════════════════

const maxMediaBytes = 20 << 20

// Ingester receives converted channel posts
type Ingester interface {
	Ingest(ctx context.Context, msg types.IngestedMessage) error
}

// CommandHandler receives operator commands from private chats
type CommandHandler interface {
	HandleCommand(msg *tgbotapi.Message)
}

// ChannelResolver maps a chat onto its configured channel
type ChannelResolver interface {
	Resolve(chatID, username string) (types.ChannelConfig, bool)
}

// FileLinker resolves a Telegram file id to a download URL
type FileLinker interface {
	GetFileDirectURL(fileID string) (string, error)
}

// TelegramFeed streams channel posts into the pipeline
type TelegramFeed struct {
	mu       sync.RWMutex
	api      *tgbotapi.BotAPI
	files    FileLinker
	client   *http.Client
	mediaDir string
	channels func() ChannelResolver
	ingester Ingester
	commands CommandHandler
	running  bool
	stopped  bool
	stopCh   chan struct{}
	done     chan struct{}

	lanes   map[string]*lane
	lanesWG sync.WaitGroup
}

// lane holds the posts of one channel waiting to be ingested
type lane struct {
	mu      sync.Mutex
	pending []*tgbotapi.Message
	wake    chan struct{}
}

// NewTelegramFeed creates a new channel-post feed. channels is consulted per post so
// reloads take effect immediately.
func NewTelegramFeed(api *tgbotapi.BotAPI, mediaDir string, channels func() ChannelResolver, ingester Ingester) *TelegramFeed {
	f := &TelegramFeed{
		api:      api,
		client:   &http.Client{Timeout: 60 * time.Second},
		mediaDir: mediaDir,
		channels: channels,
		ingester: ingester,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		lanes:    make(map[string]*lane),
	}
	if api != nil {
		f.files = api
	}
	return f
}

// SetCommandHandler routes operator commands to h
func (f *TelegramFeed) SetCommandHandler(h CommandHandler) {
	f.mu.Lock()
	f.commands = h
	f.mu.Unlock()
}

// Start begins long polling
func (f *TelegramFeed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"channel_post", "edited_channel_post", "message"}
	updates := f.api.GetUpdatesChan(u)

	go f.loop(ctx, updates)
	log.Info().Str("bot", f.api.Self.UserName).Msg("📡 Telegram feed started")
}

// Stop stops polling and waits for the posts being handled
func (f *TelegramFeed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	polling := f.running
	f.running = false
	close(f.stopCh)
	f.mu.Unlock()

	if polling {
		f.api.StopReceivingUpdates()
		<-f.done
	}
	f.lanesWG.Wait()
	log.Info().Msg("Telegram feed stopped")
}

func (f *TelegramFeed) loop(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(f.done)
	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			f.handleUpdate(ctx, update)
		}
	}
}

func (f *TelegramFeed) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.ChannelPost != nil:
		f.handlePost(ctx, update.ChannelPost)

	case update.EditedChannelPost != nil:
		// history is append-only; the first version is what was acted on
		log.Debug().
			Int64("chat", update.EditedChannelPost.Chat.ID).
			Int("message", update.EditedChannelPost.MessageID).
			Msg("Edited channel post ignored")

	case update.Message != nil && update.Message.IsCommand():
		f.mu.RLock()
		h := f.commands
		f.mu.RUnlock()
		if h != nil {
			h.HandleCommand(update.Message)
		}
	}
}

func (f *TelegramFeed) handlePost(ctx context.Context, post *tgbotapi.Message) {
	if post.Chat == nil {
		return
	}
	cfg, ok := f.channels().Resolve(strconv.FormatInt(post.Chat.ID, 10), post.Chat.UserName)
	if !ok {
		log.Debug().Int64("chat", post.Chat.ID).Str("title", post.Chat.Title).Msg("Post from unconfigured channel")
		return
	}

	f.enqueue(ctx, cfg.ChannelID, post)
}

// enqueue appends post to its channel lane, starting the lane on first use
func (f *TelegramFeed) enqueue(ctx context.Context, channelID string, post *tgbotapi.Message) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	l, ok := f.lanes[channelID]
	if !ok {
		l = &lane{wake: make(chan struct{}, 1)}
		f.lanes[channelID] = l
		f.lanesWG.Add(1)
		go f.drain(ctx, channelID, l)
	}
	f.mu.Unlock()

	l.mu.Lock()
	l.pending = append(l.pending, post)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// drain ingests one channel's posts in order until the feed stops
func (f *TelegramFeed) drain(ctx context.Context, channelID string, l *lane) {
	defer f.lanesWG.Done()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.pending) == 0 {
				l.mu.Unlock()
				break
			}
			post := l.pending[0]
			l.pending[0] = nil
			l.pending = l.pending[1:]
			l.mu.Unlock()

			f.ingest(ctx, channelID, post)
		}
	}
}

func (f *TelegramFeed) ingest(ctx context.Context, channelID string, post *tgbotapi.Message) {
	msg, err := f.Convert(ctx, channelID, post)
	if err != nil {
		log.Error().Err(err).Str("channel", channelID).Int("message", post.MessageID).Msg("❌ Failed to convert channel post")
		return
	}
	if err := f.ingester.Ingest(ctx, msg); err != nil {
		log.Error().Err(err).Str("channel", channelID).Int("message", post.MessageID).Msg("❌ Failed to ingest channel post")
	}
}

// Convert turns a channel post into an ingested message, downloading its photo.
// A failed download keeps the text and drops the attachment.
func (f *TelegramFeed) Convert(ctx context.Context, channelID string, post *tgbotapi.Message) (types.IngestedMessage, error) {
	raw, err := json.Marshal(post)
	if err != nil {
		return types.IngestedMessage{}, fmt.Errorf("encode post: %w", err)
	}

	msg := types.IngestedMessage{
		ChannelID: channelID,
		MessageID: int64(post.MessageID),
		Timestamp: time.Unix(int64(post.Date), 0).UTC(),
		Text:      post.Text,
		Raw:       string(raw),
	}
	if msg.Text == "" {
		msg.Text = post.Caption
	}
	if post.EditDate != 0 {
		edited := time.Unix(int64(post.EditDate), 0).UTC()
		msg.EditedAt = &edited
	}
	if post.ReplyToMessage != nil {
		msg.ReplyToID = int64(post.ReplyToMessage.MessageID)
	}

	if ref, ok := f.attachment(ctx, channelID, post); ok {
		msg.Media = append(msg.Media, ref)
	}
	return msg, nil
}

// attachment downloads the largest photo size, or an image document
func (f *TelegramFeed) attachment(ctx context.Context, channelID string, post *tgbotapi.Message) (types.MediaRef, bool) {
	var fileID, name, mime string
	var size int64

	switch {
	case len(post.Photo) > 0:
		best := post.Photo[len(post.Photo)-1]
		fileID = best.FileID
		size = int64(best.FileSize)
		name = fmt.Sprintf("%s_%d.jpg", safeName(channelID), post.MessageID)
		mime = "image/jpeg"
	case post.Document != nil && strings.HasPrefix(post.Document.MimeType, "image/"):
		fileID = post.Document.FileID
		size = int64(post.Document.FileSize)
		name = fmt.Sprintf("%s_%d_%s", safeName(channelID), post.MessageID, safeName(post.Document.FileName))
		mime = post.Document.MimeType
	default:
		return types.MediaRef{}, false
	}

	path, err := f.download(ctx, fileID, name)
	if err != nil {
		log.Warn().Err(err).Str("channel", channelID).Int("message", post.MessageID).Msg("⚠️ Media download failed")
		return types.MediaRef{}, false
	}
	return types.MediaRef{FileName: name, MimeType: mime, FileSize: size, LocalPath: path}, true
}

func (f *TelegramFeed) download(ctx context.Context, fileID, name string) (string, error) {
	if f.files == nil || f.mediaDir == "" {
		return "", fmt.Errorf("media download not configured")
	}

	url, err := f.files.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file %s: %w", fileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", fileID, resp.StatusCode)
	}

	if err := os.MkdirAll(f.mediaDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(f.mediaDir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxMediaBytes)); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	return path, out.Close()
}

func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
