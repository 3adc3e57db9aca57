package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHANNEL POLICY STORE - Immutable snapshots, swapped atomically on reload
// ═══════════════════════════════════════════════════════════════════════════════

var validate = validator.New()

// LoadChannels reads and validates a channels file (.json, .yaml or .yml).
// A missing file yields no channels; a malformed one is an error.
func LoadChannels(path string) ([]types.ChannelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read channels file: %w", err)
	}

	var channels []types.ChannelConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &channels)
	default:
		err = json.Unmarshal(data, &channels)
	}
	if err != nil {
		return nil, fmt.Errorf("parse channels file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(channels))
	for i := range channels {
		ch := &channels[i]
		if err := NormalizeChannel(ch); err != nil {
			return nil, fmt.Errorf("channel #%d (%s): %w", i, ch.Title, err)
		}
		if seen[ch.ChannelID] {
			return nil, fmt.Errorf("channel %s configured twice", ch.ChannelID)
		}
		seen[ch.ChannelID] = true
	}
	return channels, nil
}

// NormalizeChannel fills defaults and validates a single entry
func NormalizeChannel(ch *types.ChannelConfig) error {
	ch.ChannelID = strings.TrimSpace(ch.ChannelID)
	if ch.Policy == "" {
		ch.Policy = types.PolicySingleMessage
	}
	if ch.Policy == types.PolicyWindowedMessages && ch.WindowSize == 0 {
		ch.WindowSize = types.DefaultWindowSize
	}
	if ch.Trigger == "" {
		ch.Trigger = types.TriggerEveryMessage
	}
	return validate.Struct(ch)
}

// SaveChannels writes channels back in the format implied by the file extension
func SaveChannels(path string, channels []types.ChannelConfig) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(channels)
	default:
		data, err = json.MarshalIndent(channels, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Snapshot is a read-only view of the channel policies plus the execution gate.
// A snapshot is never mutated; changes produce a new one.
type Snapshot struct {
	channels      map[string]types.ChannelConfig
	order         []string
	autoExecution bool
}

// NewSnapshot builds a snapshot from a channel list
func NewSnapshot(channels []types.ChannelConfig, autoExecution bool) *Snapshot {
	s := &Snapshot{
		channels:      make(map[string]types.ChannelConfig, len(channels)),
		autoExecution: autoExecution,
	}
	for _, ch := range channels {
		if _, dup := s.channels[ch.ChannelID]; !dup {
			s.order = append(s.order, ch.ChannelID)
		}
		s.channels[ch.ChannelID] = ch
	}
	return s
}

// Lookup returns the policy for a channel id
func (s *Snapshot) Lookup(channelID string) (types.ChannelConfig, bool) {
	ch, ok := s.channels[channelID]
	return ch, ok
}

// Resolve finds a channel by numeric chat id or by @username, the two ways a channel can be configured
func (s *Snapshot) Resolve(chatID, username string) (types.ChannelConfig, bool) {
	if chatID != "" {
		if ch, ok := s.channels[chatID]; ok {
			return ch, true
		}
	}
	if username != "" {
		u := strings.TrimPrefix(username, "@")
		if ch, ok := s.channels["@"+u]; ok {
			return ch, true
		}
		if ch, ok := s.channels[u]; ok {
			return ch, true
		}
	}
	return types.ChannelConfig{}, false
}

// Channels returns every configured channel in file order
func (s *Snapshot) Channels() []types.ChannelConfig {
	out := make([]types.ChannelConfig, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.channels[id])
	}
	return out
}

// Enabled returns the enabled channels in file order
func (s *Snapshot) Enabled() []types.ChannelConfig {
	var out []types.ChannelConfig
	for _, ch := range s.Channels() {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// AutoExecution reports whether sized signals may be sent to the exchange
func (s *Snapshot) AutoExecution() bool {
	return s.autoExecution
}

// WithAutoExecution returns a copy of the snapshot with the gate set
func (s *Snapshot) WithAutoExecution(on bool) *Snapshot {
	return &Snapshot{channels: s.channels, order: s.order, autoExecution: on}
}

// Store hands out the current snapshot; readers never block writers
type Store struct {
	path    string
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store holding an initial snapshot. path is the channels file used by Reload.
func NewStore(path string, initial *Snapshot) *Store {
	s := &Store{path: path}
	if initial == nil {
		initial = NewSnapshot(nil, false)
	}
	s.current.Store(initial)
	return s
}

// Current returns the snapshot in effect
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Swap installs a new snapshot
func (s *Store) Swap(next *Snapshot) {
	s.current.Store(next)
}

// Reload re-reads the channels file, keeping the current execution gate.
// On error the current snapshot stays in effect.
func (s *Store) Reload() (*Snapshot, error) {
	channels, err := LoadChannels(s.path)
	if err != nil {
		return s.Current(), err
	}
	for {
		cur := s.current.Load()
		next := NewSnapshot(channels, cur.AutoExecution())
		if s.current.CompareAndSwap(cur, next) {
			return next, nil
		}
	}
}

// SetAutoExecution flips the execution gate without touching channel policies
func (s *Store) SetAutoExecution(on bool) *Snapshot {
	for {
		cur := s.current.Load()
		next := cur.WithAutoExecution(on)
		if s.current.CompareAndSwap(cur, next) {
			return next
		}
	}
}
