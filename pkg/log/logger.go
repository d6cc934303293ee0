// Package log provides a logger interface for logger libraries so that
// the core does not depend on any of them directly.
package log

// Logger serves as an adapter interface for logger libraries so that
// callers depend on this interface rather than a concrete logging library.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithField returns a Logger that annotates every subsequent entry with
	// the given structured field. Used to scope a logger to an actor
	// instance name or a request id without threading extra parameters
	// through every call site.
	WithField(key string, value interface{}) Logger
}
