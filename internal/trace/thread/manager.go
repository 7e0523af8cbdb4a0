package thread

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/kolkov/instrace/internal/trace/buffer"
	"github.com/kolkov/instrace/internal/trace/flush"
	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/stats"
	"github.com/kolkov/instrace/internal/trace/tls"
)

// AllocFunc allocates the capture buffer for a thread.
type AllocFunc func(owner record.ThreadID, capacity int) (*buffer.Buffer, error)

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity sets the per-thread buffer capacity in records.
func WithCapacity(n int) Option {
	return func(m *Manager) {
		m.capacity = n
	}
}

// WithFlushOnExit controls the final flush at thread exit. It is on by
// default; with it off, records still in the buffer at exit are discarded
// and counted as lost.
func WithFlushOnExit(on bool) Option {
	return func(m *Manager) {
		m.flushOnExit = on
	}
}

// WithAllocator replaces the buffer allocator.
func WithAllocator(fn AllocFunc) Option {
	return func(m *Manager) {
		m.alloc = fn
	}
}

// Manager owns the Context of every live thread.
type Manager struct {
	table       *tls.Table[Context]
	flusher     *flush.Flusher
	stats       *stats.Counters
	logger      *slog.Logger
	capacity    int
	flushOnExit bool
	alloc       AllocFunc

	// live maps record.ThreadID to *Context. Written at thread start/exit
	// only; the capture path goes through the slot table instead.
	live sync.Map
}

// NewManager returns a manager publishing contexts in table and flushing
// through flusher.
func NewManager(table *tls.Table[Context], flusher *flush.Flusher, st *stats.Counters, logger *slog.Logger, opts ...Option) *Manager {
	if st == nil {
		st = &stats.Counters{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		table:       table,
		flusher:     flusher,
		stats:       st,
		logger:      logger,
		capacity:    buffer.DefaultCapacity,
		flushOnExit: true,
		alloc:       buffer.New,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capacity returns the per-thread buffer capacity.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Start sets up monitoring for thread id.
//
// Flow:
//  1. Claim the id (an id that is already live is rejected)
//  2. Reserve a thread-local slot
//  3. Allocate the buffer with a zeroed cursor
//  4. Publish the Context in the slot
//
// Any failure in 2 or 3 undoes the earlier steps and returns
// *FatalInitError.
func (m *Manager) Start(id record.ThreadID) (*Context, error) {
	ctx := &Context{ID: id, OSThread: osThreadID()}
	if _, loaded := m.live.LoadOrStore(id, ctx); loaded {
		return nil, fmt.Errorf("%w: thread %d", ErrThreadExists, id)
	}

	slot, err := m.table.Reserve()
	if err != nil {
		m.live.Delete(id)
		return nil, m.initFailed(id, "tls slot", err)
	}

	buf, err := m.alloc(id, m.capacity)
	if err != nil {
		_ = m.table.Release(slot)
		m.live.Delete(id)
		return nil, m.initFailed(id, "buffer", err)
	}

	ctx.Slot = slot
	ctx.Buffer = buf
	ctx.RawBase = buf.Base()
	if err := m.table.Set(slot, ctx); err != nil {
		_, _ = buf.Release()
		_ = m.table.Release(slot)
		m.live.Delete(id)
		return nil, m.initFailed(id, "tls slot", err)
	}

	m.stats.ThreadsStarted.Add(1)
	m.logger.Debug("thread started",
		"thread", id, "slot", slot, "os_tid", ctx.OSThread,
		"capacity", m.capacity, "raw_base", fmt.Sprintf("%#x", ctx.RawBase))
	return ctx, nil
}

func (m *Manager) initFailed(id record.ThreadID, resource string, err error) error {
	ferr := &FatalInitError{Thread: id, Resource: resource, Err: err}
	m.logger.Error("thread cannot be monitored", "thread", id, "resource", resource, "error", err)
	return ferr
}

// Exit tears down monitoring for thread id.
//
// Flow:
//  1. Unpublish the id (later lookups fail)
//  2. Final flush, if enabled
//  3. Clear and free the slot
//  4. Release the buffer; records still in it are counted as lost
//
// Must be called on the exiting thread (the final flush drains its buffer),
// or after the thread is quiesced.
func (m *Manager) Exit(id record.ThreadID) error {
	v, ok := m.live.LoadAndDelete(id)
	if !ok {
		m.logger.Warn("exit for unknown thread", "thread", id)
		return fmt.Errorf("%w: thread %d", ErrUnknownThread, id)
	}
	ctx := v.(*Context)

	var result *multierror.Error
	if m.flushOnExit {
		if err := m.flusher.Flush(ctx.Buffer); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if n := ctx.PendingCalls(); n > 0 {
		m.logger.Warn("thread exited with intercepted calls still pending", "thread", id, "pending", n)
	}

	if err := m.table.Release(ctx.Slot); err != nil {
		result = multierror.Append(result, fmt.Errorf("releasing slot %d: %w", ctx.Slot, err))
	}

	discarded, err := ctx.Buffer.Release()
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("releasing buffer: %w", err))
	}
	if discarded > 0 {
		m.stats.RecordsLost.Add(uint64(discarded))
		m.logger.Warn("records discarded at thread exit", "thread", id, "records", discarded)
	}

	m.stats.ThreadsExited.Add(1)
	m.logger.Debug("thread exited", "thread", id, "slot", ctx.Slot)
	return result.ErrorOrNil()
}

// Lookup returns the Context of a live thread.
func (m *Manager) Lookup(id record.ThreadID) (*Context, bool) {
	v, ok := m.live.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Context), true
}

// Get resolves a slot handle to its Context, or nil for an empty slot.
// This is the lock-free path used by the capture stubs.
func (m *Manager) Get(h tls.Handle) *Context {
	return m.table.Get(h)
}

// Live returns the contexts of all live threads, ordered by thread id.
func (m *Manager) Live() []*Context {
	var out []*Context
	m.live.Range(func(_, v any) bool {
		out = append(out, v.(*Context))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown exits every live thread and returns the combined errors.
// Monitored threads must be quiesced.
func (m *Manager) Shutdown() error {
	var result *multierror.Error
	for _, ctx := range m.Live() {
		if err := m.Exit(ctx.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
