package logger

// Logger is the structured logging interface used by the engine. Arguments
// after msg are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation id for a decision. It must be safe for
// concurrent calls.
type TraceIDFunc func() string
