package middleware

import (
	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface for
// production use.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger wraps the given zerolog logger.
func NewZerologLogger(log zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: log}
}

// Info logs at info level.
func (z *ZerologLogger) Info(msg string, fields ...Field) {
	z.emit(z.log.Info(), msg, fields)
}

// Error logs at error level.
func (z *ZerologLogger) Error(msg string, fields ...Field) {
	z.emit(z.log.Error(), msg, fields)
}

// Debug logs at debug level.
func (z *ZerologLogger) Debug(msg string, fields ...Field) {
	z.emit(z.log.Debug(), msg, fields)
}

// Warn logs at warn level.
func (z *ZerologLogger) Warn(msg string, fields ...Field) {
	z.emit(z.log.Warn(), msg, fields)
}

func (z *ZerologLogger) emit(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	ev.Msg(msg)
}
