package debug

import (
	"context"
	"fmt"
	"log/slog"
)

var logger = slog.New(noOp{})

// RegisterLogger configures the library's debug logger with the
// input slog.Handler h.
//
// By default, the debug logger uses a no-op handler and doesn't
// produce any log events.
func RegisterLogger(h slog.Handler) {
	logger = slog.New(h)
}

// Log writes the formatted string to the configured log handler.
// Level indicates the verbosity of the message. The greater the
// value, the more verbose the message.
func Log(level int, format string, v ...any) {
	logger.Log(context.Background(), slogLevel(level), fmt.Sprintf(format, v...))
}

// Assert registers an error-level log message if the specified
// condition is false.
func Assert(condition bool, format string, v ...any) {
	if !condition {
		logger.Log(context.Background(), slog.LevelError, "assertion failed: "+fmt.Sprintf(format, v...))
	}
}

// verbosity 1 is noteworthy, 2 is per-frame traffic, 3+ is per-frame
// detail
func slogLevel(level int) slog.Level {
	switch level {
	case 1:
		return slog.LevelInfo
	case 2:
		return slog.LevelDebug
	default:
		return slog.LevelDebug - slog.Level(level-2)
	}
}
