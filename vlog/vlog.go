// Package vlog provides structured logging for the engine: a package-level
// JSON slog.Logger with a runtime-adjustable level, plus small With-style
// helpers that attach channel/component identity the way the teacher's
// log.Printf("[TAG] ...") call sites tagged every line, but as queryable
// fields instead of a string prefix.
package vlog

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const envLevel = "VISION_LOG_LEVEL"

type dynamicLevel struct{ v int64 }

func (d *dynamicLevel) Level() slog.Level { return slog.Level(atomic.LoadInt64(&d.v)) }
func (d *dynamicLevel) set(l slog.Level)  { atomic.StoreInt64(&d.v, int64(l)) }

var (
	level    = &dynamicLevel{v: int64(slog.LevelInfo)}
	global   *slog.Logger
	initOnce sync.Once
)

// Init sets up the global logger. Safe to call multiple times; only the
// first call creates the handler, subsequent calls are no-ops (use SetLevel
// / UseWriter to mutate state afterward).
func Init() {
	initOnce.Do(func() {
		level.set(detectLevel())
		global = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	})
}

func detectLevel() slog.Level {
	if lvl, ok := parseLevel(os.Getenv(envLevel)); ok {
		return lvl
	}
	return slog.LevelInfo
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "err":
		return slog.LevelError, true
	}
	return 0, false
}

// SetLevel changes the runtime log level ("debug", "info", "warn", "error").
func SetLevel(s string) bool {
	Init()
	lvl, ok := parseLevel(s)
	if !ok {
		return false
	}
	level.set(lvl)
	return true
}

// UseWriter swaps the output writer; intended for tests.
func UseWriter(w io.Writer) {
	Init()
	global = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// L returns the global logger, initializing it on first use.
func L() *slog.Logger {
	Init()
	return global
}

// WithChannel attaches a channel id field, the queryable analogue of the
// teacher's "[CV] ... pub=%s track=%s" tag.
func WithChannel(l *slog.Logger, channelID int) *slog.Logger {
	return l.With("channel", channelID)
}

// WithComponent attaches a component tag ("ingest", "decoderpool",
// "render", …) matching the teacher's bracketed "[SFU]"/"[CV]" prefixes.
func WithComponent(l *slog.Logger, component string) *slog.Logger {
	return l.With("component", component)
}
