// Package hostsim is a deterministic in-process stand-in for the
// code-instrumenting host.
//
// It plays the host's part of the protocol against a real Tracer: it maps
// modules, discovers blocks on first execution and installs them, runs
// threads through blocks and performs intercepted allocator calls against a
// toy heap. Tests and examples use it to drive the tracer end to end
// without a binary rewriter.
package hostsim

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kolkov/instrace/internal/trace/intercept"
	"github.com/kolkov/instrace/internal/trace/module"
	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/site"
	"github.com/kolkov/instrace/internal/trace/tls"
	"github.com/kolkov/instrace/internal/trace/tracer"
)

var (
	// ErrUnknownBlock is returned for a block tag the program does not define.
	ErrUnknownBlock = errors.New("hostsim: unknown block")

	// ErrNoTarget is returned for a call to a function no loaded module
	// provides.
	ErrNoTarget = errors.New("hostsim: function not resolved")

	// ErrExited is returned for operations on an exited thread.
	ErrExited = errors.New("hostsim: thread exited")
)

// HeapBase is the first address the toy heap hands out.
const HeapBase = 0x10000000

// Host drives one tracer.
type Host struct {
	tr *tracer.Tracer

	mu      sync.Mutex
	program map[site.Tag][]uint64
	targets map[string]*intercept.Target

	nextTID atomic.Uint64
	heap    atomic.Uint64
}

// New returns a host driving tr.
func New(tr *tracer.Tracer) *Host {
	h := &Host{
		tr:      tr,
		program: make(map[site.Tag][]uint64),
		targets: make(map[string]*intercept.Target),
	}
	h.heap.Store(HeapBase)
	return h
}

// Tracer returns the driven tracer.
func (h *Host) Tracer() *tracer.Tracer {
	return h.tr
}

// LoadModule maps mod and resolves the tracer's intercept targets in it.
func (h *Host) LoadModule(mod *module.Module) []*intercept.Target {
	found := h.tr.ModuleLoad(mod)
	h.mu.Lock()
	for _, t := range found {
		h.targets[t.Name] = t
	}
	h.mu.Unlock()
	return found
}

// Define adds a block to the simulated program: tag starts a block whose
// instructions are at addrs. Defining a known tag again models code
// modification; the next execution re-translates the block.
func (h *Host) Define(tag site.Tag, addrs ...uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, known := h.program[tag]
	h.program[tag] = append([]uint64(nil), addrs...)
	if known && !slices.Equal(prev, addrs) {
		h.tr.RemoveBlock(tag)
	}
}

// Spawn starts a new thread with the next thread id.
func (h *Host) Spawn() (*Thread, error) {
	id := record.ThreadID(h.nextTID.Add(1))
	slot, err := h.tr.ThreadStart(id)
	if err != nil {
		return nil, err
	}
	return &Thread{host: h, id: id, slot: slot}, nil
}

// block returns the installed block for tag, installing it on first use
// the way a host translates a block the first time it runs.
func (h *Host) block(tag site.Tag) (*site.Block, error) {
	if b, ok := h.tr.Block(tag); ok {
		return b, nil
	}
	h.mu.Lock()
	addrs, ok := h.program[tag]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownBlock, uint64(tag))
	}
	return h.tr.InstallBlock(tag, addrs)
}

func (h *Host) target(name string) (*intercept.Target, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTarget, name)
	}
	return t, nil
}

// alloc carves size bytes (16-byte aligned, at least 16) off the toy heap.
func (h *Host) alloc(size uint64) uint64 {
	n := (size + 15) &^ 15
	if n == 0 {
		n = 16
	}
	return h.heap.Add(n) - n
}

// Thread is one simulated application thread. Its methods must be called
// from a single goroutine.
type Thread struct {
	host   *Host
	id     record.ThreadID
	slot   tls.Handle
	exited bool
}

// ID returns the thread id.
func (t *Thread) ID() record.ThreadID {
	return t.id
}

// Slot returns the thread's slot handle.
func (t *Thread) Slot() tls.Handle {
	return t.slot
}

// Run executes the blocks tags in order.
func (t *Thread) Run(tags ...site.Tag) error {
	if t.exited {
		return ErrExited
	}
	for _, tag := range tags {
		b, err := t.host.block(tag)
		if err != nil {
			return err
		}
		if err := b.Execute(t.slot); err != nil {
			return err
		}
	}
	return nil
}

// Call performs an intercepted call to the allocator function name from
// callSite and returns its result. The toy heap never fails and never
// reuses memory; realloc always moves a live block.
func (t *Thread) Call(name string, callSite uint64, args ...uint64) (uint64, error) {
	if t.exited {
		return 0, ErrExited
	}
	target, err := t.host.target(name)
	if err != nil {
		return 0, err
	}

	c, err := t.host.tr.Enter(t.id, target, callSite, args...)
	if c == nil {
		return 0, err
	}
	ret := t.host.execute(target.Kind, c.Size(), args)
	if xerr := t.host.tr.Exit(c, ret); err == nil {
		err = xerr
	}
	return ret, err
}

func (h *Host) execute(k intercept.Kind, size uint64, args []uint64) uint64 {
	switch k {
	case intercept.Malloc, intercept.Calloc:
		return h.alloc(size)
	case intercept.Realloc:
		if args[0] != 0 && size == 0 {
			return 0
		}
		return h.alloc(size)
	}
	return 0
}

// Malloc calls malloc(size).
func (t *Thread) Malloc(callSite, size uint64) (uint64, error) {
	return t.Call("malloc", callSite, size)
}

// Free calls free(ptr).
func (t *Thread) Free(callSite, ptr uint64) error {
	_, err := t.Call("free", callSite, ptr)
	return err
}

// Exit ends the thread.
func (t *Thread) Exit() error {
	if t.exited {
		return ErrExited
	}
	t.exited = true
	return t.host.tr.ThreadExit(t.id)
}
