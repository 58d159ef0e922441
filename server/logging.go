package server

import (
	"github.com/glyphlabs/glyph-go/protocol"
)

// Log emits a notifications/message entry to the peer when the level
// passes the session's minimum, set via logging/setLevel.
func (s *Session) Log(level protocol.LogLevel, loggerName string, data any) {
	s.mu.Lock()
	minLevel := s.logLevel
	s.mu.Unlock()

	if !protocol.ShouldLog(level, minLevel) {
		return
	}

	_ = s.notify(protocol.NotificationMessage, protocol.LoggingMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	})
}

// LogDebug emits a debug-level log message.
func (s *Session) LogDebug(loggerName string, data any) {
	s.Log(protocol.LogLevelDebug, loggerName, data)
}

// LogInfo emits an info-level log message.
func (s *Session) LogInfo(loggerName string, data any) {
	s.Log(protocol.LogLevelInfo, loggerName, data)
}

// LogWarning emits a warning-level log message.
func (s *Session) LogWarning(loggerName string, data any) {
	s.Log(protocol.LogLevelWarning, loggerName, data)
}

// LogError emits an error-level log message.
func (s *Session) LogError(loggerName string, data any) {
	s.Log(protocol.LogLevelError, loggerName, data)
}

// LogLevel returns the session's minimum log level.
func (s *Session) LogLevel() protocol.LogLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}
