// Package zap adapts a zap.Logger to the profsync.Logger interface.
package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/profsync"
)

type Logger struct {
	l *zap.Logger
}

var _ profsync.Logger = (*Logger)(nil)

func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{l: l}
}

func (z *Logger) Debug(msg string, fields profsync.Fields) { z.l.Debug(msg, toZap(fields)...) }
func (z *Logger) Info(msg string, fields profsync.Fields)  { z.l.Info(msg, toZap(fields)...) }
func (z *Logger) Warn(msg string, fields profsync.Fields)  { z.l.Warn(msg, toZap(fields)...) }
func (z *Logger) Error(msg string, fields profsync.Fields) { z.l.Error(msg, toZap(fields)...) }

func toZap(fields profsync.Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
