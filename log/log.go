// Package log provides the structured logging interface used across the
// signing core: a small set of leveled methods plus an audit channel for
// events that must survive in the security audit trail (binding
// mutations, probe state transitions, identity adoption).
package log

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Logger is the interface every core component depends on. Nothing in this
// module ever writes to stdout/stderr directly or uses the global `log`
// package; everything goes through a Logger supplied at construction.
type Logger interface {
	Debugf(format string, a ...interface{})
	Infof(format string, a ...interface{})
	Warningf(format string, a ...interface{})
	Errf(format string, a ...interface{})

	// AuditErr and AuditErrf record events that must reach the audit
	// trail even when the ambient log level would otherwise drop them.
	AuditErr(msg string)
	AuditErrf(format string, a ...interface{})
	// AuditObject logs a structured event object, tagged with msg, to the
	// audit trail. Used for binding-store mutations and probe outcomes.
	AuditObject(msg string, obj interface{})
}

// stdLogger is the production Logger, writing to the standard library
// logger. It does not attempt log rotation, shipping, or sampling --
// those are the job of whatever process supervisor wraps this one.
type stdLogger struct {
	prefix string
	out    *log.Logger
}

// New returns a Logger that writes to stderr with the given component
// prefix, e.g. "signer[kryptus]".
func New(prefix string) Logger {
	return &stdLogger{
		prefix: prefix,
		out:    log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *stdLogger) logf(level, format string, a ...interface{}) {
	l.out.Printf("%s %s: %s", level, l.prefix, fmt.Sprintf(format, a...))
}

func (l *stdLogger) Debugf(format string, a ...interface{})   { l.logf("DEBUG", format, a...) }
func (l *stdLogger) Infof(format string, a ...interface{})    { l.logf("INFO", format, a...) }
func (l *stdLogger) Warningf(format string, a ...interface{}) { l.logf("WARNING", format, a...) }
func (l *stdLogger) Errf(format string, a ...interface{})     { l.logf("ERR", format, a...) }

func (l *stdLogger) AuditErr(msg string) {
	l.out.Printf("AUDIT[ERR] %s: %s", l.prefix, msg)
}

func (l *stdLogger) AuditErrf(format string, a ...interface{}) {
	l.AuditErr(fmt.Sprintf(format, a...))
}

func (l *stdLogger) AuditObject(msg string, obj interface{}) {
	l.out.Printf("AUDIT[OBJ] %s: %s JSON=%+v", l.prefix, msg, obj)
}

// Mock is a Logger that retains every line it was given, for assertions in
// tests.
type Mock struct {
	mu    sync.Mutex
	lines []string
}

// NewMock returns a fresh Mock logger.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) append(level, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, level+": "+line)
}

func (m *Mock) Debugf(format string, a ...interface{})   { m.append("DEBUG", fmt.Sprintf(format, a...)) }
func (m *Mock) Infof(format string, a ...interface{})    { m.append("INFO", fmt.Sprintf(format, a...)) }
func (m *Mock) Warningf(format string, a ...interface{}) { m.append("WARNING", fmt.Sprintf(format, a...)) }
func (m *Mock) Errf(format string, a ...interface{})     { m.append("ERR", fmt.Sprintf(format, a...)) }
func (m *Mock) AuditErr(msg string)                      { m.append("AUDIT-ERR", msg) }
func (m *Mock) AuditErrf(format string, a ...interface{}) {
	m.append("AUDIT-ERR", fmt.Sprintf(format, a...))
}
func (m *Mock) AuditObject(msg string, obj interface{}) {
	m.append("AUDIT-OBJ", fmt.Sprintf("%s %+v", msg, obj))
}

// GetAll returns every line logged so far, for test assertions.
func (m *Mock) GetAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lines))
	copy(out, m.lines)
	return out
}
