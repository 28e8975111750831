// Package logx provides structured logging for the parkzend daemon
package logx

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key-value logging on top of logrus
type Logger struct {
	log *logrus.Logger
}

// New creates a new structured logger at the given level
func New(levelStr string) *Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	log.SetLevel(parseLevel(levelStr))
	return &Logger{log: log}
}

// parseLevel converts string to a logrus level
func parseLevel(levelStr string) logrus.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fields converts alternating key-value pairs to logrus fields
func fields(keysAndValues ...interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		f[key] = keysAndValues[i+1]
	}
	return f
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues...)).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues...)).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues...)).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues...)).Error(msg)
}

// LogStateChange logs a component state transition with a consistent shape
func (l *Logger) LogStateChange(component, from, to, reason string, keysAndValues ...interface{}) {
	f := fields(keysAndValues...)
	f["component"] = component
	f["from"] = from
	f["to"] = to
	f["reason"] = reason
	l.log.WithFields(f).Info("state_change")
}
