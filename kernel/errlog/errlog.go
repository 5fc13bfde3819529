// Package errlog models the kernel's error-log sink: a collaborator
// interface the core subsystems call into but do not own (spec.md §1
// lists it among the boundaries the core consumes rather than
// implements). A default console sink is provided for tests and the
// cmd/kernelsim harness.
package errlog

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

/// Level classifies a log line the way the Visopsys original's
/// kernelError() severity argument does: informational, recoverable
/// device/driver error, or fatal kernel error.
type Level int

const (
	Info Level = iota
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "?"
	}
}

/// Sink is the narrow surface the rest of the kernel depends on. It is
/// deliberately tiny: subsystems should not need to know how or where
/// log lines end up.
type Sink interface {
	Logf(level Level, component string, format string, args ...any)
}

/// consoleSink writes formatted lines to an io.Writer, tagging every
/// line with the sink's boot-session id so interleaved output from
/// repeated test-harness boots can be told apart.
type consoleSink struct {
	mu      sync.Mutex
	w       io.Writer
	session uuid.UUID
}

/// NewConsoleSink returns a Sink that writes to w, stamping every line
/// with a fresh session id.
func NewConsoleSink(w io.Writer) Sink {
	return &consoleSink{w: w, session: uuid.New()}
}

func (c *consoleSink) Logf(level Level, component string, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(c.w, "[%s] %-5s %-8s %s\n", c.session.String()[:8], level, component, msg)
}

/// Discard is a Sink that drops everything; useful in unit tests that
/// only want to assert on return values, not log output.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Logf(Level, string, string, ...any) {}
