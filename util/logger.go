// Package util provides low-level helpers shared by all other packages.
package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages to stderr through logrus.  The
// printf-style methods keep call sites short; WithFields exposes the
// structured side for callers that carry context such as a session id.
type Logger struct {
	level LogLevel
	log   *logrus.Logger
	text  *logrus.TextFormatter
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	text := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(text)
	l.SetLevel(logrusLevel(LogLevel(verbosity)))
	return &Logger{level: LogLevel(verbosity), log: l, text: text}
}

// logrusLevel maps verbosity onto logrus levels.  Verbose lines go out
// at debug and Debug lines at trace.
func logrusLevel(v LogLevel) logrus.Level {
	switch {
	case v <= LogQuiet:
		return logrus.ErrorLevel
	case v == LogNormal:
		return logrus.InfoLevel
	case v == LogVerbose:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// SetTimestamps enables or disables timestamps in text output.
func (l *Logger) SetTimestamps(on bool) {
	l.text.DisableTimestamp = !on
	l.text.FullTimestamp = on
}

// SetJSON switches the output format between text and JSON lines.
func (l *Logger) SetJSON(on bool) {
	if on {
		l.log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		return
	}
	l.log.SetFormatter(l.text)
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) { l.log.SetOutput(w) }

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Logrus returns the underlying logrus logger.
func (l *Logger) Logrus() *logrus.Logger { return l.log }

// WithFields returns a structured entry carrying fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.log.WithFields(fields)
}

// Info prints when verbosity ≥ 1.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

// Warn prints when verbosity ≥ 1.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

// Verbose prints when verbosity ≥ 2.
func (l *Logger) Verbose(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

// Debug prints when verbosity ≥ 3.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log.Tracef(format, args...)
}

// Error always prints regardless of verbosity.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}
