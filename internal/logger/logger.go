package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes the daemon log destination. When Path is empty, logs go to
// stderr with the colored text handler; otherwise to a rotated file.
type Config struct {
	Path       string `mapstructure:"path"`
	Level      string `mapstructure:"level"` // debug|info|warn|error, default info
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (c Config) level() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Writer returns the log destination for the configured path.
func (c Config) Writer() io.Writer {
	if c.Path == "" {
		return os.Stderr
	}
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds a slog.Logger for the daemon. File output uses the plain text
// handler; terminal output gets level colors.
func New(c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.level()}
	if c.Path == "" {
		return slog.New(NewColorTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(c.Writer(), opts))
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
