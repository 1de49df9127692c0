// Package logger provides the structured logging facility shared by every
// component. It wraps logrus so call sites stay decoupled from the backend.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls the level, format and destination of a Logger.
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text (default) or json
	Output     string // stdout (default), stderr, or a file path
	FilePrefix string // optional prefix prepended to file outputs
}

// Logger is a named structured logger. The zero value is not usable; construct
// one with New or NewDefault.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger from the provided configuration. Unrecognised values
// fall back to info-level text logging on stdout rather than failing.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(strings.ToLower(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	base.SetOutput(resolveOutput(cfg))

	return &Logger{entry: logrus.NewEntry(base)}
}

// NewDefault returns an info-level text logger tagged with the component name.
func NewDefault(name string) *Logger {
	log := New(LoggingConfig{})
	if name = strings.TrimSpace(name); name != "" {
		log.entry = log.entry.WithField("component", name)
	}
	return log
}

func resolveOutput(cfg LoggingConfig) io.Writer {
	switch strings.TrimSpace(strings.ToLower(cfg.Output)) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}

	path := cfg.Output
	if cfg.FilePrefix != "" {
		path = filepath.Join(filepath.Dir(path), cfg.FilePrefix+filepath.Base(path))
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return os.Stdout
	}
	return file
}

// SetOutput redirects the logger's destination. Tests use it to silence
// output.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// WithField returns an entry carrying the provided key/value pair.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry.WithField(key, value)
}

// WithFields returns an entry carrying the provided fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry.WithFields(logrus.Fields(fields))
}

// WithError returns an entry carrying the error under the standard key.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry.WithError(err)
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
