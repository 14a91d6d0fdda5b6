// Package logx provides the daemon's structured logger.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry with key/value style helpers.
type Logger struct {
	entry     *logrus.Entry
	component string
}

// NewLogger creates a logger for a component at the given level.
// Unknown levels fall back to info.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	base.SetLevel(parseLevel(level))

	return &Logger{
		entry:     base.WithField("component", component),
		component: component,
	}
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger {
	l := NewLogger("debug", "test")
	l.entry.Logger.SetOutput(io.Discard)
	return l
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the level of the underlying logger.
func (l *Logger) SetLevel(level string) {
	l.entry.Logger.SetLevel(parseLevel(level))
}

// SetFormat selects "json" or "text" output.
func (l *Logger) SetFormat(format string) {
	if strings.EqualFold(format, "json") {
		l.entry.Logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	l.entry.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetOutput redirects log output.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(toFields(kv)), component: l.component}
}

// Component returns the component name the logger was created with.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) Trace(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Trace(msg)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Debug(msg)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Info(msg)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Warn(msg)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.entry.WithFields(toFields(kv)).Error(msg)
}

// LogStateChange records a state transition of a component.
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	f := logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range fields {
		f[k] = v
	}
	l.entry.WithFields(f).Info("state_change")
}

// LogDebugVerbose logs a named debug record with a field map.
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	if !l.entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	l.entry.WithFields(logrus.Fields(fields)).Debug(event)
}

// toFields accepts alternating key/value pairs or a single field map.
func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			fields[key] = "(missing)"
			break
		}
		val := kv[i+1]
		if err, ok := val.(error); ok && err != nil {
			val = err.Error()
		}
		fields[key] = val
	}
	return fields
}
