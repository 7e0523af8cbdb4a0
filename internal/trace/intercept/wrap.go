package intercept

import (
	"log/slog"
	"runtime"

	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/tls"
)

// Func is an allocator-shaped function: machine-word arguments, one
// machine-word result.
type Func func(args ...uint64) uint64

// Hooks is the entry and exit pair Wrap calls around a function.
// *Interceptor implements it; so does the tracer, which also keeps the
// calling thread's state.
type Hooks interface {
	Enter(tid record.ThreadID, t *Target, callSite uint64, args ...uint64) (*Call, error)
	Exit(c *Call, ret uint64) error
}

// Wrap returns fn with the entry and exit hooks of h around every call to
// target t. It is the in-process form of the host's call interception: the
// thread identity is the calling goroutine and the call site is the
// caller's pc.
//
// Each call resolves the goroutine ID through tls.GoroutineID, which parses
// runtime.Stack (about 1.5µs). Use WrapThread when the thread is known
// up front.
//
// Hook errors never change what fn returns; a rejected entry is logged to
// logger and fn runs unhooked.
//
// Example:
//
//	malloc := intercept.Wrap(ic, target, func(args ...uint64) uint64 {
//	    return heap.alloc(args[0])
//	}, logger)
//	p := malloc(64)  // a <tid> 0x<pc> 64, then r <tid> 0x<p> 64
func Wrap(h Hooks, t *Target, fn Func, logger *slog.Logger) Func {
	return func(args ...uint64) uint64 {
		var pcs [1]uintptr
		runtime.Callers(2, pcs[:])
		return call(h, record.ThreadID(tls.GoroutineID()), t, uint64(pcs[0]), fn, args, logger)
	}
}

// WrapThread is Wrap for a function only ever called on thread tid.
func WrapThread(h Hooks, tid record.ThreadID, t *Target, fn Func, logger *slog.Logger) Func {
	return func(args ...uint64) uint64 {
		var pcs [1]uintptr
		runtime.Callers(2, pcs[:])
		return call(h, tid, t, uint64(pcs[0]), fn, args, logger)
	}
}

func call(h Hooks, tid record.ThreadID, t *Target, pc uint64, fn Func, args []uint64, logger *slog.Logger) uint64 {
	c, err := h.Enter(tid, t, pc, args...)
	if c == nil {
		if logger != nil {
			logger.Warn("entry hook rejected call", "target", t, "error", err)
		}
		return fn(args...)
	}
	ret := fn(args...)
	_ = h.Exit(c, ret)
	return ret
}
