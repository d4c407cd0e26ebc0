package client

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the interface the client forwarder logs through. Callers
// of Agent may supply their own implementation; LoggerFromEnv and
// NewLogrusLogger cover the common cases.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// LogLevelFromEnv returns a logrus.Level based on the DUCT_LOG
// environment variable. Valid values: "debug", "info", "warn",
// "error", "none". Default: info.
func LogLevelFromEnv() logrus.Level {
	switch strings.ToLower(os.Getenv("DUCT_LOG")) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "none", "off", "disabled":
		return logrus.PanicLevel // effectively silent for our four levels
	default:
		return logrus.InfoLevel
	}
}

// LoggerFromEnv builds a logrus-backed Logger at the level named by
// DUCT_LOG.
func LoggerFromEnv() Logger {
	return NewLogrusLogger(LogLevelFromEnv())
}

// NewLogrusLogger wraps a fresh *logrus.Logger at level as a Logger.
func NewLogrusLogger(level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// WrapLogrus adapts an existing logrus.FieldLogger (e.g. one shared
// with the rest of a process) to the Logger interface.
func WrapLogrus(fl logrus.FieldLogger) Logger {
	return &logrusLogger{entry: fl}
}

type logrusLogger struct {
	entry logrus.FieldLogger
}

func (l *logrusLogger) Debug(msg string, kv ...interface{}) { l.withFields(kv).Debug(msg) }
func (l *logrusLogger) Info(msg string, kv ...interface{})  { l.withFields(kv).Info(msg) }
func (l *logrusLogger) Warn(msg string, kv ...interface{})  { l.withFields(kv).Warn(msg) }
func (l *logrusLogger) Error(msg string, kv ...interface{}) { l.withFields(kv).Error(msg) }

func (l *logrusLogger) withFields(kv []interface{}) logrus.FieldLogger {
	if len(kv) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}
