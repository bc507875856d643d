// Package slog adapts a standard library slog.Logger to the profsync.Logger
// interface.
package slog

import (
	"log/slog"

	"github.com/unkn0wn-root/profsync"
)

type Logger struct {
	l *slog.Logger
}

var _ profsync.Logger = (*Logger)(nil)

func New(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l: l}
}

func (a *Logger) Debug(msg string, fields profsync.Fields) { a.l.Debug(msg, toArgs(fields)...) }
func (a *Logger) Info(msg string, fields profsync.Fields)  { a.l.Info(msg, toArgs(fields)...) }
func (a *Logger) Warn(msg string, fields profsync.Fields)  { a.l.Warn(msg, toArgs(fields)...) }
func (a *Logger) Error(msg string, fields profsync.Fields) { a.l.Error(msg, toArgs(fields)...) }

func toArgs(fields profsync.Fields) []any {
	if len(fields) == 0 {
		return nil
	}
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
