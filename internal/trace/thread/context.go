package thread

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/kolkov/instrace/internal/trace/buffer"
	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/tls"
)

// Context is the capture state of one live thread.
//
// Layout:
//   - ID: host-assigned thread identity
//   - Slot: the thread-local slot the Context is published in
//   - Buffer: the thread's capture buffer (owned, never shared)
//   - RawBase: address of the buffer's backing memory
//
// All fields are set before the Context is published and never change
// afterwards; the buffer contents change, the pointer does not.
type Context struct {
	ID      record.ThreadID
	Slot    tls.Handle
	Buffer  *buffer.Buffer
	RawBase uintptr

	// OSThread is the kernel thread id that started monitoring, for
	// diagnostics only. Zero where the platform has no such notion.
	OSThread int

	// pending counts intercepted calls that entered but have not exited.
	pending atomic.Int64
}

// CallEntered records that an intercepted call started on this thread.
func (c *Context) CallEntered() {
	c.pending.Add(1)
}

// CallExited records that an intercepted call returned on this thread.
func (c *Context) CallExited() {
	c.pending.Add(-1)
}

// PendingCalls returns the number of intercepted calls that entered and have
// not exited yet.
func (c *Context) PendingCalls() int64 {
	return c.pending.Load()
}

// ErrUnknownThread is returned for a thread id that is not live.
var ErrUnknownThread = errors.New("thread: unknown thread")

// ErrThreadExists is returned by Start for an id that is already live.
var ErrThreadExists = errors.New("thread: already started")

// FatalInitError reports that a thread could not be set up for monitoring.
//
// Resource names what was unavailable: "tls slot" or "buffer".
type FatalInitError struct {
	Thread   record.ThreadID
	Resource string
	Err      error
}

// Error implements the error interface.
func (e *FatalInitError) Error() string {
	return fmt.Sprintf("thread: cannot monitor thread %d: %s unavailable: %v", e.Thread, e.Resource, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FatalInitError) Unwrap() error {
	return e.Err
}
