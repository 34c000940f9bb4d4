// Package logging builds the process logger from the log section of the
// configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Isaquewa/estoqueapp-sub000/internal/config"
)

// Logger is a configured logger together with the resources it holds.
type Logger struct {
	zerolog.Logger

	filter *levelFilter
	file   *lumberjack.Logger
}

// New builds a logger writing to stderr and, when cfg.File is set, to a
// size-rotated file. The file always receives JSON.
func New(cfg config.LogConfig) (*Logger, error) {
	return newLogger(cfg, os.Stderr, isTerminal(os.Stderr))
}

func newLogger(cfg config.LogConfig, stderr io.Writer, tty bool) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var console io.Writer = stderr
	switch cfg.Format {
	case "console":
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen, NoColor: !tty}
	case "auto", "":
		if tty {
			console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}
		}
	case "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	l := &Logger{}
	writers := []io.Writer{console}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, l.file)
	}

	l.filter = &levelFilter{out: zerolog.MultiLevelWriter(writers...)}
	l.filter.min.Store(int32(level))
	l.Logger = zerolog.New(l.filter).With().Timestamp().Logger()
	return l, nil
}

// SetLevel changes the level of this logger and of every logger derived
// from it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.filter.min.Store(int32(lvl))
	return nil
}

// CurrentLevel returns the level set by New or SetLevel.
func (l *Logger) CurrentLevel() zerolog.Level {
	return zerolog.Level(l.filter.min.Load())
}

// levelFilter drops events below min.
type levelFilter struct {
	out zerolog.LevelWriter
	min atomic.Int32
}

func (f *levelFilter) Write(p []byte) (int, error) {
	return f.out.Write(p)
}

func (f *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.Level(f.min.Load()) {
		return len(p), nil
	}
	return f.out.WriteLevel(level, p)
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel accepts zerolog level names; "" means info.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
