// Package logging provides per-module slog loggers with runtime-adjustable
// levels, an in-memory ring buffer of recent entries, and optional systemd
// journal output.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

const defaultBufferSize = 1000

// Config holds the logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mu            sync.RWMutex
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevels  = make(map[string]*slog.LevelVar)
	globalLevel   = &slog.LevelVar{}
	globalConfig  Config
	initialized   bool
	buffer        *RingBuffer
	callback      EntryCallback
)

// Initialize configures the logging system. Loggers handed out before
// Initialize are recreated so they pick up the buffer handler.
func Initialize(config Config) {
	mu.Lock()
	defer mu.Unlock()

	globalConfig = config
	initialized = true
	buffer = NewRingBuffer(defaultBufferSize)

	globalLevel.Set(parseLevel(config.Level))

	for module, levelVar := range moduleLevels {
		levelVar.Set(moduleLevel(module))
		moduleLoggers[module] = slog.New(buildHandler(config.Format, levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(buildHandler(config.Format, globalLevel)))
}

// GetLogger returns the logger for a module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mu.RLock()
	if logger, ok := moduleLoggers[module]; ok {
		mu.RUnlock()
		return logger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if logger, ok := moduleLoggers[module]; ok {
		return logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(moduleLevel(module))

	format := "text"
	if initialized {
		format = globalConfig.Format
	}

	logger := slog.New(buildHandler(format, levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevels[module] = levelVar
	return logger
}

// GetBuffer returns the ring buffer of recent log entries. Nil before Initialize.
func GetBuffer() *RingBuffer {
	mu.RLock()
	defer mu.RUnlock()
	return buffer
}

// SetEntryCallback registers a callback invoked for every buffered entry.
// Used to forward log entries to SSE subscribers without an import cycle.
func SetEntryCallback(cb EntryCallback) {
	mu.Lock()
	defer mu.Unlock()
	callback = cb
}

// moduleLevel resolves the effective level for a module (mu must be held).
func moduleLevel(module string) slog.Level {
	if !initialized {
		return slog.LevelInfo
	}
	if levelStr, ok := globalConfig.Modules[module]; ok {
		return parseLevel(levelStr)
	}
	return parseLevel(globalConfig.Level)
}

// buildHandler assembles the handler chain: stdout, journal when running
// under systemd, and the ring buffer.
func buildHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if format == "json" {
		handlers = append(handlers, slog.NewJSONHandler(os.Stdout, opts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, opts))
	}

	if journalAvailable() {
		handlers = append(handlers, newJournalHandler(level))
	}

	handlers = append(handlers, newBufferHandler(level))

	if len(handlers) == 1 {
		return handlers[0]
	}
	return multiHandler(handlers)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
