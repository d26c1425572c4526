// Package logging configures the process logger and bridges the whatsmeow
// logger onto it.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// New builds the root logger from a level name and a format ("text" or "json").
func New(level, format string) (*logrus.Logger, error) {
	return NewWithOutput(os.Stdout, level, format)
}

// NewWithOutput is New writing to out.
func NewWithOutput(out io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return log, nil
}

// waLogger adapts a logrus entry to whatsmeow's logger interface.
type waLogger struct {
	entry *logrus.Entry
	min   logrus.Level
}

// WhatsApp returns a whatsmeow logger writing through log. minLevel is a
// whatsmeow level name (DEBUG, INFO, WARN, ERROR); messages below it are dropped.
func WhatsApp(log logrus.FieldLogger, module, minLevel string) waLog.Logger {
	lvl, err := logrus.ParseLevel(strings.ToLower(minLevel))
	if err != nil {
		lvl = logrus.WarnLevel
	}
	return &waLogger{entry: log.WithField("module", module), min: lvl}
}

func (l *waLogger) logf(level logrus.Level, msg string, args ...interface{}) {
	if level > l.min {
		return
	}
	l.entry.Logf(level, msg, args...)
}

func (l *waLogger) Errorf(msg string, args ...interface{}) { l.logf(logrus.ErrorLevel, msg, args...) }
func (l *waLogger) Warnf(msg string, args ...interface{})  { l.logf(logrus.WarnLevel, msg, args...) }
func (l *waLogger) Infof(msg string, args ...interface{})  { l.logf(logrus.InfoLevel, msg, args...) }
func (l *waLogger) Debugf(msg string, args ...interface{}) { l.logf(logrus.DebugLevel, msg, args...) }

func (l *waLogger) Sub(module string) waLog.Logger {
	parent, _ := l.entry.Data["module"].(string)
	if parent != "" {
		module = parent + "/" + module
	}
	return &waLogger{entry: l.entry.WithField("module", module), min: l.min}
}
