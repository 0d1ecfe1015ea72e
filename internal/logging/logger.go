// Package logging provides structured logging for the download engine.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with the console-writer defaults used across the engine.
type Logger struct {
	zlog zerolog.Logger
}

// New creates a logger writing to w in the engine's console format.
func New(w io.Writer) *Logger {
	zlog := zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()

	return &Logger{zlog: zlog}
}

// NewDefault creates a logger writing to stderr.
func NewDefault() *Logger {
	return New(os.Stderr)
}

// Info returns an info-level event.
func (l *Logger) Info() *zerolog.Event { return l.zlog.Info() }

// Warn returns a warn-level event.
func (l *Logger) Warn() *zerolog.Event { return l.zlog.Warn() }

// Error returns an error-level event.
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

// Debug returns a debug-level event.
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }

// Fatal returns a fatal-level event; per zerolog's convention, sending this
// event (calling .Msg/.Msgf on it) calls os.Exit(1) after logging.
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// With starts a child-logger context, used to attach transfert_id/datanode fields.
func (l *Logger) With() zerolog.Context { return l.zlog.With() }

// WithLogger wraps an already-built zerolog.Logger (e.g. produced via With()...Logger()).
func WithLogger(zlog zerolog.Logger) *Logger { return &Logger{zlog: zlog} }

// SetGlobalLevel sets the process-wide minimum log level.
func SetGlobalLevel(level zerolog.Level) { zerolog.SetGlobalLevel(level) }

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
