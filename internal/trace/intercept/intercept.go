// Copyright 2025 The instrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package intercept records allocator calls through entry and exit hooks.
//
// The host guarantees that the entry hook runs once before the wrapped
// function body and the exit hook once after a normal return. The entry
// hook snapshots the arguments into a Call and hands it to the host; the
// host passes the same Call back to the exit hook. The Call is the only
// state shared between the two hooks, so concurrent calls on different
// threads, and nested calls on the same thread, can never see each other's
// arguments.
//
// Records written by the hooks go straight to the sink through a Writer;
// they do not pass through the per-thread buffer.
//
//	malloc(64)   entry:  a <tid> 0x<callsite> 64
//	             exit:   r <tid> 0x<ptr> 64
//	calloc(4,16) entry:  a <tid> 0x<callsite> 64
//	realloc(p,n) entry:  a <tid> 0x<callsite> n
//	             exit:   r <tid> 0x<new> n, then f <tid> 0x<p> if p was released
//	free(p)      entry:  f <tid> 0x<p>
package intercept

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/stats"
)

var (
	// ErrOrphanExit is returned by Exit for a call without a matching entry
	// (nil, or already consumed). The exit event is dropped.
	ErrOrphanExit = errors.New("intercept: exit without matching entry")

	// ErrMissingArgs is returned by Enter when fewer arguments than the
	// target needs are supplied.
	ErrMissingArgs = errors.New("intercept: missing call arguments")

	// ErrUnknownTarget is returned for a nil or unregistered target.
	ErrUnknownTarget = errors.New("intercept: unknown target")
)

// Writer delivers records directly to the sink. *flush.Flusher implements
// it.
type Writer interface {
	Write(tid record.ThreadID, recs ...record.Record) error
}

// Call is the state of one intercepted call, from entry to exit.
type Call struct {
	target   *Target
	thread   record.ThreadID
	callSite uint64
	args     [2]uint64
	size     uint64
	consumed atomic.Bool
}

// Target returns the intercepted function.
func (c *Call) Target() *Target { return c.target }

// Thread returns the thread that made the call.
func (c *Call) Thread() record.ThreadID { return c.thread }

// CallSite returns the address the call was made from.
func (c *Call) CallSite() uint64 { return c.callSite }

// Size returns the requested size captured on entry.
func (c *Call) Size() uint64 { return c.size }

// Consumed reports whether the exit hook already ran.
func (c *Call) Consumed() bool { return c.consumed.Load() }

// Interceptor holds the configured targets and runs the hooks.
type Interceptor struct {
	writer Writer
	names  []string
	stats  *stats.Counters
	logger *slog.Logger

	mu      sync.RWMutex
	targets map[uint64]*Target
}

// New returns an interceptor for the named entry points. An empty names
// selects DefaultTargets.
func New(w Writer, names []string, st *stats.Counters, logger *slog.Logger) (*Interceptor, error) {
	if len(names) == 0 {
		names = DefaultTargets
	}
	seen := make(map[string]bool, len(names))
	var uniq []string
	for _, n := range names {
		if _, ok := ParseKind(n); !ok {
			return nil, fmt.Errorf("intercept: unsupported target %q", n)
		}
		if !seen[n] {
			seen[n] = true
			uniq = append(uniq, n)
		}
	}
	if st == nil {
		st = &stats.Counters{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		writer:  w,
		names:   uniq,
		stats:   st,
		logger:  logger,
		targets: make(map[uint64]*Target),
	}, nil
}

// Names returns the configured target names.
func (i *Interceptor) Names() []string {
	return append([]string(nil), i.names...)
}

// Register installs hooks for name at addr. Registering an address twice
// returns the existing target.
func (i *Interceptor) Register(name string, addr uint64) (*Target, error) {
	return i.register(name, addr, "")
}

func (i *Interceptor) register(name string, addr uint64, module string) (*Target, error) {
	kind, ok := ParseKind(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.targets[addr]; ok {
		return t, nil
	}
	t := &Target{Name: name, Kind: kind, Addr: addr, Module: module}
	i.targets[addr] = t
	i.logger.Debug("intercept target registered", "target", t.String())
	return t, nil
}

// Module is a loaded module that can resolve symbol names.
// *module.Module implements it.
type Module interface {
	Name() string
	Lookup(symbol string) (uint64, bool)
}

// OnModuleLoad resolves every configured target in mod and registers the
// ones found. It returns the targets resolved in this module.
func (i *Interceptor) OnModuleLoad(mod Module) []*Target {
	var out []*Target
	for _, name := range i.names {
		addr, ok := mod.Lookup(name)
		if !ok {
			continue
		}
		t, err := i.register(name, addr, mod.Name())
		if err != nil {
			// names were validated in New.
			continue
		}
		out = append(out, t)
	}
	if len(out) > 0 {
		i.logger.Info("intercept targets resolved", "module", mod.Name(), "count", len(out))
	}
	return out
}

// Hooks returns the target registered at addr.
func (i *Interceptor) Hooks(addr uint64) (*Target, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.targets[addr]
	return t, ok
}

// Targets returns the registered targets ordered by address.
func (i *Interceptor) Targets() []*Target {
	i.mu.RLock()
	out := make([]*Target, 0, len(i.targets))
	for _, t := range i.targets {
		out = append(out, t)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Addr < out[b].Addr })
	return out
}

// Enter is the entry hook. It snapshots the arguments, writes the entry
// record and returns the Call the host must pass to Exit.
//
// Arguments by target:
//
//	malloc(size)  calloc(n, size)  realloc(ptr, size)  free(ptr)
//
// The Call is returned even if writing the record failed, so the exit hook
// still correlates; the write error is returned alongside.
func (i *Interceptor) Enter(tid record.ThreadID, t *Target, callSite uint64, args ...uint64) (*Call, error) {
	if t == nil {
		return nil, ErrUnknownTarget
	}
	if len(args) < t.Kind.Args() {
		return nil, fmt.Errorf("%w: %s wants %d, got %d", ErrMissingArgs, t.Name, t.Kind.Args(), len(args))
	}

	c := &Call{target: t, thread: tid, callSite: callSite}
	copy(c.args[:], args)

	var rec record.Record
	switch t.Kind {
	case Malloc:
		c.size = args[0]
		rec = record.NewAllocRequest(callSite, c.size)
	case Calloc:
		c.size = mulSaturating(args[0], args[1])
		rec = record.NewAllocRequest(callSite, c.size)
	case Realloc:
		c.size = args[1]
		rec = record.NewAllocRequest(callSite, c.size)
	case Free:
		rec = record.NewFree(args[0])
	}

	i.stats.CallsEntered.Add(1)
	return c, i.writer.Write(tid, rec)
}

// Exit is the exit hook. It consumes c, writes the correlated exit records
// and discards the state.
//
// A nil or already consumed Call is an orphan exit: it is logged, counted
// and dropped, and ErrOrphanExit is returned. It never panics.
func (i *Interceptor) Exit(c *Call, ret uint64) error {
	if c == nil || !c.consumed.CompareAndSwap(false, true) {
		i.stats.OrphanExits.Add(1)
		if c == nil {
			i.logger.Warn("orphan exit dropped", "reason", "no entry state")
		} else {
			i.logger.Warn("orphan exit dropped", "reason", "already consumed",
				"thread", c.thread, "target", c.target.Name)
		}
		return ErrOrphanExit
	}
	i.stats.CallsExited.Add(1)

	switch c.target.Kind {
	case Malloc, Calloc:
		return i.writer.Write(c.thread, record.NewAllocResult(ret, c.size))
	case Realloc:
		recs := []record.Record{record.NewAllocResult(ret, c.size)}
		// realloc releases the old block when it moves it, and when it is
		// called with size 0.
		if old := c.args[0]; old != 0 && (ret != 0 || c.size == 0) && ret != old {
			recs = append(recs, record.NewFree(old))
		}
		return i.writer.Write(c.thread, recs...)
	}
	// free returns nothing.
	return nil
}

// mulSaturating returns a*b, or MaxUint64 if the product overflows.
func mulSaturating(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}
