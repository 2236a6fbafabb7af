// Package klog provides the kernel's structured logging, a thin wrapper
// over logrus so every subsystem (scheduler, scheme registry, proc:,
// debug:) logs through one shared, leveled sink with a subsystem field
// instead of ad-hoc fmt.Printf calls.
package klog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	base *logrus.Logger
)

func root() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetLevel(logrus.InfoLevel)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return base
}

// SetLevel adjusts the global log level, e.g. from kconfig.
func SetLevel(level logrus.Level) {
	root().SetLevel(level)
}

// Logger is a subsystem-scoped logger.
type Logger struct {
	entry *logrus.Entry
}

// ForSubsystem returns a Logger tagged with the given subsystem name,
// e.g. klog.ForSubsystem("scheduler").
func ForSubsystem(name string) *Logger {
	return &Logger{entry: root().WithField("subsystem", name)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.entry.Warningf(format, args...)
}
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// WithField returns a derived Logger carrying an additional structured
// field, e.g. l.WithField("pid", pid).Debugf("stopped").
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}
