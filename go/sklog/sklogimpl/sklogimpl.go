// Package sklogimpl defines the interface for the logging implementations
// used by sklog.
package sklogimpl

import "sync/atomic"

// Severity identifies one logging level.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// Logger is implemented by logging backends.
type Logger interface {
	// Log emits the given message. If format is the empty string the args are
	// formatted with fmt.Sprint, otherwise with fmt.Sprintf. depth is the
	// number of stack frames to skip when reporting the call site.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush writes any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger changes the logging implementation. Must be called before any
// logging happens.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log passes the message to the configured Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	(*logger.Load().(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush flushes the configured Logger.
func Flush() {
	(*logger.Load().(*Logger)).Flush()
}
