// Package log provides the structured logging facade used across the
// consumer core. It wraps logrus the way the upstream client does, so
// call sites read as `log.WithField(...).Error(...)` instead of reaching
// for logrus types directly.
package log

import (
	"github.com/sirupsen/logrus"
)

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// Logger is the logging interface consumed by the rest of the package.
// Production code gets one from NewLogger; tests can swap in a no-op.
type Logger interface {
	SubLogger(fields Fields) Logger
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogger builds the default Logger backed by a logrus instance
// writing structured (JSON) output, matching the convention the broader
// pulsar-client-go ecosystem uses for its log.Logger collaborator.
func NewLogger() Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) SubLogger(fields Fields) Logger {
	return l.WithFields(fields)
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{entry: l.entry.WithError(err)}
}

func (l *logrusLogger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// noopLogger discards everything; used by tests that don't care about
// log output and don't want to pay for formatting.
type noopLogger struct{}

// NewNoopLogger returns a Logger that drops every line.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) SubLogger(Fields) Logger              { return noopLogger{} }
func (noopLogger) WithField(string, interface{}) Logger { return noopLogger{} }
func (noopLogger) WithFields(Fields) Logger              { return noopLogger{} }
func (noopLogger) WithError(error) Logger                { return noopLogger{} }
func (noopLogger) Debug(...interface{})                  {}
func (noopLogger) Debugf(string, ...interface{})         {}
func (noopLogger) Info(...interface{})                   {}
func (noopLogger) Infof(string, ...interface{})          {}
func (noopLogger) Warn(...interface{})                   {}
func (noopLogger) Warnf(string, ...interface{})          {}
func (noopLogger) Error(...interface{})                  {}
func (noopLogger) Errorf(string, ...interface{})         {}
