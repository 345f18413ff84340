// Package logging builds the structured logger shared by every CORE
// subsystem and a panic-recovery helper for the many worker goroutines
// (Context loops, Pumps, Sessions) that must never take the process down.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger from a level/format pair, matching the
// teacher's monitoring.NewLogger: JSON by default, pretty console output on
// request, RFC3339 timestamps, and a fixed "component" field for filtering.
func New(level, format, component string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zl, err := zerolog.ParseLevel(level)
	if err != nil {
		zl = zerolog.InfoLevel
	}

	return zerolog.New(output).
		Level(zl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// RecoverPanic logs and swallows a panic recovered in a goroutine's defer,
// so one misbehaving Node callback or Session reader cannot crash the
// Domain. It only logs: the recovering goroutine then exits, and no
// subscriber removal or OnStop callback follows from the panic.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
