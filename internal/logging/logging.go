package logging

import "log"

// Logger is the leveled logging interface shared by every component. Binaries
// provide an implementation; library code defaults to Nop so packages stay
// quiet under test.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdLogger writes through the standard library logger with a fixed prefix,
// typically the node id.
type StdLogger struct {
	prefix string
	debug  bool
}

// New creates a StdLogger. Debug lines are suppressed unless debug is set.
func New(prefix string, debug bool) *StdLogger {
	return &StdLogger{prefix: prefix, debug: debug}
}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	log.Printf("[%s] DEBUG: "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *StdLogger) Infof(format string, args ...interface{}) {
	log.Printf("[%s] INFO: "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *StdLogger) Warnf(format string, args ...interface{}) {
	log.Printf("[%s] WARN: "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *StdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[%s] ERROR: "+format, append([]interface{}{l.prefix}, args...)...)
}

type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }
