// Package monitoring provides the engine's structured logging and Prometheus
// metrics surface.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects the level and output format for NewLogger.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// NewLogger builds the engine-wide structured logger.
//
//	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
//	logger.Info().Str("instance_id", id).Msg("instance connected")
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "wa-engine").
		Logger()
}

// LogError logs a recoverable error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic recovers a panic inside a long-running goroutine, logs it with
// a stack trace, and lets the goroutine's caller decide what to do next — it
// never exits the process. Every supervisor loop, processor loop, heartbeat,
// and background worker defers this first.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "broadcast-processor", map[string]any{"instance_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack)
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}

// LogPanic logs a recovered panic at fatal severity. Reserved for panics
// occurring on the root goroutine before any supervisors are up, where there
// is nothing left to keep running.
func LogPanic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	stack := string(debug.Stack())
	event := logger.Fatal().
		Interface("panic_value", panicValue).
		Str("stack_trace", stack)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
