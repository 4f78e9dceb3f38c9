package logger

import (
	"fmt"
	"time"

	phlog "github.com/oarkflow/log"
)

// Log writes through the package-level oarkflow/log logger
type Log struct {
	fields []any
}

// NewLog returns a Log that prefixes every entry with fields
func NewLog(fields ...any) *Log {
	return &Log{fields: fields}
}

func (l *Log) Debug(msg string, keyvals ...any) { l.emit(phlog.Debug(), msg, keyvals) }
func (l *Log) Info(msg string, keyvals ...any)  { l.emit(phlog.Info(), msg, keyvals) }
func (l *Log) Warn(msg string, keyvals ...any)  { l.emit(phlog.Warn(), msg, keyvals) }
func (l *Log) Error(msg string, keyvals ...any) { l.emit(phlog.Error(), msg, keyvals) }

func (l *Log) emit(b *phlog.Entry, msg string, keyvals []any) {
	// disabled levels yield a nil entry
	if b == nil {
		return
	}
	b = appendFields(b, l.fields)
	appendFields(b, keyvals).Msg(msg)
}

func appendFields(b *phlog.Entry, keyvals []any) *phlog.Entry {
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case time.Duration:
			b = b.Str(ks, vv.String())
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	return b
}
