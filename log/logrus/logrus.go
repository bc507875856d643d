// Package logrus adapts a logrus logger to the profsync.Logger interface.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/profsync"
)

type Logger struct {
	l logrus.FieldLogger
}

var _ profsync.Logger = (*Logger)(nil)

func New(l logrus.FieldLogger) *Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logger{l: l}
}

func (a *Logger) Debug(msg string, fields profsync.Fields) {
	a.l.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (a *Logger) Info(msg string, fields profsync.Fields) {
	a.l.WithFields(logrus.Fields(fields)).Info(msg)
}

func (a *Logger) Warn(msg string, fields profsync.Fields) {
	a.l.WithFields(logrus.Fields(fields)).Warn(msg)
}

func (a *Logger) Error(msg string, fields profsync.Fields) {
	a.l.WithFields(logrus.Fields(fields)).Error(msg)
}
