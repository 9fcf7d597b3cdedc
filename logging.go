package mdns

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// logger is the package-wide structured logger, matching the teacher's
// package-level logger var. Override with SetLogger, or raise verbosity with
// SetDebug, before constructing a Zeroconf.
var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

// SetLogger replaces the package logger. Intended for embedding
// applications that want mdns's logs folded into their own structured log
// stream.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// SetDebug toggles verbose (Debug-level) logging, mirroring the teacher's
// SetDebug(bool) helper.
func SetDebug(on bool) {
	level := slog.LevelWarn
	if on {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DiscardLogging silences all output; useful in tests.
func DiscardLogging() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nowMillis is the single clock read used throughout the engine, so that
// TTL/expiry math is internally consistent within one tick.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
