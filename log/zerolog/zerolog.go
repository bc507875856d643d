// Package zerolog adapts a zerolog.Logger to the profsync.Logger interface.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/profsync"
)

type Logger struct {
	l zerolog.Logger
}

var _ profsync.Logger = (*Logger)(nil)

func New(l zerolog.Logger) *Logger {
	return &Logger{l: l}
}

func (a *Logger) Debug(msg string, fields profsync.Fields) { emit(a.l.Debug(), msg, fields) }
func (a *Logger) Info(msg string, fields profsync.Fields)  { emit(a.l.Info(), msg, fields) }
func (a *Logger) Warn(msg string, fields profsync.Fields)  { emit(a.l.Warn(), msg, fields) }
func (a *Logger) Error(msg string, fields profsync.Fields) { emit(a.l.Error(), msg, fields) }

func emit(e *zerolog.Event, msg string, fields profsync.Fields) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
