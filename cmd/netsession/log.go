package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Zereker/netsession"
)

// newLogrusLogger logs to stderr. Without an explicit level the
// DEBUG_NETSESSION variable picks one, and warnings and errors only are
// shown when it is unset.
func newLogrusLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)

	if level == "" {
		level = os.Getenv("DEBUG_NETSESSION")
	}
	switch strings.ToLower(level) {
	case "":
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "info":
		l.SetLevel(logrus.InfoLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// sessionLogger adapts logrus to netsession.Logger. Key-value pairs
// become fields.
type sessionLogger struct {
	entry *logrus.Entry
}

var _ netsession.Logger = sessionLogger{}

func newSessionLogger(l *logrus.Logger) sessionLogger {
	return sessionLogger{entry: logrus.NewEntry(l)}
}

func (l sessionLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l sessionLogger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l sessionLogger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l sessionLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }

func (l sessionLogger) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	return l.entry.WithFields(toFields(args))
}

func toFields(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 == len(args) {
			fields["!BADKEY"] = key
			break
		}
		val := args[i+1]
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		fields[key] = val
	}
	return fields
}

// consoleNotifier prints user-facing notifications.
type consoleNotifier struct {
	out io.Writer
}

func (n consoleNotifier) Warn(title, message string, err error) {
	n.print("warning", title, message, err)
}

func (n consoleNotifier) Error(title, message string, err error) {
	n.print("error", title, message, err)
}

func (n consoleNotifier) PermissionDenied(service, permission string, msg netsession.Message) {
	fmt.Fprintf(n.out, "permission denied: %s service refused %q, missing permission %q\n", service, msg.Type, permission)
}

func (n consoleNotifier) print(level, title, message string, err error) {
	if err != nil {
		fmt.Fprintf(n.out, "%s: %s: %s (%v)\n", level, title, message, err)
		return
	}
	fmt.Fprintf(n.out, "%s: %s: %s\n", level, title, message)
}
