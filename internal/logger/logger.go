// Package logger provides the process-wide structured logger.
//
// It wraps logrus rather than exposing it directly so call sites stay
// terse (logger.Info("hash=%s", h)) while still getting leveled,
// field-ready output underneath.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel sets the minimum level that will be emitted. Unrecognized
// values are ignored, leaving the previous level in place.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return
	}
	base.SetLevel(lvl)
}

// SetJSON switches the output formatter between text and JSON. Services
// default to text; the logging.json config key switches them to JSON.
func SetJSON(enabled bool) {
	if enabled {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// WithFields returns an entry pre-populated with structured context,
// for call sites that want more than a formatted message.
func WithFields(fields map[string]any) *logrus.Entry {
	return base.WithFields(logrus.Fields(fields))
}

func Debug(format string, v ...any) {
	base.Debugf(format, v...)
}

func Info(format string, v ...any) {
	base.Infof(format, v...)
}

func Warn(format string, v ...any) {
	base.Warnf(format, v...)
}

func Error(format string, v ...any) {
	base.Errorf(format, v...)
}
