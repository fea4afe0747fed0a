package hnsw

import (
	"fmt"
	"log/slog"
)

// Logger is the logging interface used throughout this module. It follows
// the same shape the rest of the host application uses for its own
// subsystem loggers, so callers can pass in whatever they already have
// without this package depending on a specific logging framework.
type Logger interface {
	ErrorPrintf(format string, args ...any)
	WarnPrintf(format string, args ...any)
	InfoPrintf(format string, args ...any)
	DebugPrintf(format string, args ...any)
}

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger adapts a *slog.Logger to Logger. A nil logger falls back
// to slog.Default().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

func (s *slogLogger) ErrorPrintf(format string, args ...any) {
	s.l.Error("hnsw: " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) WarnPrintf(format string, args ...any) {
	s.l.Warn("hnsw: " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) InfoPrintf(format string, args ...any) {
	s.l.Info("hnsw: " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) DebugPrintf(format string, args ...any) {
	s.l.Debug("hnsw: " + fmt.Sprintf(format, args...))
}

// noopLogger discards everything. A nil Config.Logger defaults to the
// slog-backed logger, not to this one.
type noopLogger struct{}

func (noopLogger) ErrorPrintf(string, ...any) {}
func (noopLogger) WarnPrintf(string, ...any)  {}
func (noopLogger) InfoPrintf(string, ...any)  {}
func (noopLogger) DebugPrintf(string, ...any) {}

func defaultLogger() Logger { return NewSlogLogger(nil) }
