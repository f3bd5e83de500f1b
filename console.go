package conduit

import (
	"fmt"
	"io"
	"sync"
)

// Console receives human-readable progress output. Implementations must be
// safe for concurrent use: batch workers report from multiple goroutines.
type Console interface {
	// Line prints one message at the given verbosity level.
	Line(v Verbosity, format string, args ...any)
	// Progress reports a batch progress snapshot.
	Progress(p BatchProgress)
}

// WriterConsole renders to an io.Writer, suppressing output below its
// verbosity floor.
type WriterConsole struct {
	mu  sync.Mutex
	w   io.Writer
	min Verbosity
}

// NewWriterConsole creates a console that prints messages at or above min.
// VerbositySilent suppresses everything.
func NewWriterConsole(w io.Writer, min Verbosity) *WriterConsole {
	return &WriterConsole{w: w, min: min}
}

func (c *WriterConsole) Line(v Verbosity, format string, args ...any) {
	if c.min == VerbositySilent || v < c.min {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *WriterConsole) Progress(p BatchProgress) {
	if c.min == VerbositySilent {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\r%d/%d done (%d running, %d failed, %d cached) %.1fs",
		p.Completed+p.Failed, p.Total, p.Running, p.Failed, p.CacheHits,
		float64(p.ElapsedMS)/1000)
	if p.Completed+p.Failed == p.Total {
		fmt.Fprintln(c.w)
	}
}

var _ Console = (*WriterConsole)(nil)
