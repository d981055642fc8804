// Package rrdplog is a small package-level slog wrapper, grounded on
// dittofs's internal/logger: one process-wide handler reconfigured by
// Init, a level gate checked before formatting arguments, and a With
// helper for attaching fields such as session id for the lifetime of
// one sync.
package rrdplog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Config configures the process-wide logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	currentLevel atomic.Int32

	mu      sync.RWMutex
	output  io.Writer = os.Stderr
	slogger *slog.Logger
)

func init() {
	currentLevel.Store(int32(slog.LevelInfo))
	reconfigure("text")
}

func reconfigure(format string) {
	mu.Lock()
	defer mu.Unlock()

	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.Level(currentLevel.Load()))
	opts := &slog.HandlerOptions{Level: levelVar}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	slogger = slog.New(h)
}

// Init applies cfg to the process-wide logger. Call once at startup,
// before the Scheduler runs.
func Init(cfg Config) error {
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "text"
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		mu.Lock()
		output = os.Stderr
		mu.Unlock()
	case "stdout":
		mu.Lock()
		output = os.Stdout
		mu.Unlock()
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("rrdplog: open log file %q: %w", cfg.Output, err)
		}
		mu.Lock()
		output = f
		mu.Unlock()
	}

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	reconfigure(format)
	return nil
}

// SetLevel changes the minimum logged level at runtime.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(slog.LevelDebug))
	case "INFO":
		currentLevel.Store(int32(slog.LevelInfo))
	case "WARN":
		currentLevel.Store(int32(slog.LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(slog.LevelError))
	}
	format := "text"
	if _, ok := getLogger().Handler().(*slog.JSONHandler); ok {
		format = "json"
	}
	reconfigure(format)
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }

// With returns a logger carrying the given fields for every subsequent
// call, e.g. rrdplog.With("session_id", id).Info("fetch started").
func With(args ...any) *slog.Logger { return getLogger().With(args...) }
