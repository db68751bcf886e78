package netsession

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// serviceLogger prefixes every record with the service name and address.
type serviceLogger struct {
	Logger
	attrs []any
}

func withService(l Logger, name, addr string) Logger {
	return serviceLogger{Logger: l, attrs: []any{"service", name, "addr", addr}}
}

func (l serviceLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, l.with(args)...) }
func (l serviceLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, l.with(args)...) }
func (l serviceLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, l.with(args)...) }
func (l serviceLogger) Error(msg string, args ...any) { l.Logger.Error(msg, l.with(args)...) }

func (l serviceLogger) with(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	out = append(out, l.attrs...)
	return append(out, args...)
}
