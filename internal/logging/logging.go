package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the global logger
type Options struct {
	Debug      bool
	Level      string // overrides Debug when set: debug, info, warn, error
	File       string // JSON log file, rotated; empty disables
	MaxSizeMB  int
	MaxBackups int
}

// Setup installs the global zerolog logger: console on stderr, plus a rotated JSON file when configured.
// The returned closer flushes the file writer.
func Setup(opts Options) io.Closer {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	if opts.Level != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(opts.Level)); err == nil {
			level = l
		}
	}
	zerolog.SetGlobalLevel(level)

	if opts.File == "" {
		log.Logger = log.Output(console)
		return nopCloser{}
	}

	if dir := filepath.Dir(opts.File); dir != "" {
		_ = os.MkdirAll(dir, 0755)
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	backups := opts.MaxBackups
	if backups <= 0 {
		backups = 5
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: backups,
		Compress:   true,
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
	return file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
