// Copyright 2025 The instrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tracer assembles the tracer core and exposes the callbacks a
// code-instrumenting host drives.
//
// A Tracer owns every component: the slot table, the thread manager, the
// flusher, the block installer, the call interceptor, the sink and the
// statistics. There is no package-level state; a process may run several
// tracers side by side (tests do).
//
// Host protocol:
//
//	tr, _ := tracer.New(cfg)
//	tr.ModuleLoad(mod)                      // per mapped module
//	h, _ := tr.ThreadStart(tid)             // on the new thread
//	b, _ := tr.InstallBlock(tag, addrs)     // per discovered block
//	b.Execute(h)                            // per executed block
//	c, _ := tr.Enter(tid, target, pc, arg)  // at an intercepted call
//	tr.Exit(c, ret)                         // at its return
//	tr.ThreadExit(tid)                      // on the exiting thread
//	tr.Close()                              // at unload
package tracer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/instrace/internal/config"
	"github.com/kolkov/instrace/internal/trace/flush"
	"github.com/kolkov/instrace/internal/trace/intercept"
	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/sink"
	"github.com/kolkov/instrace/internal/trace/site"
	"github.com/kolkov/instrace/internal/trace/stats"
	"github.com/kolkov/instrace/internal/trace/thread"
	"github.com/kolkov/instrace/internal/trace/tls"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "instrace"

var (
	// ErrClosed is returned by host callbacks after Close.
	ErrClosed = errors.New("tracer: closed")

	// ErrInterceptDisabled is returned by the call hooks when interception
	// is turned off in the configuration.
	ErrInterceptDisabled = errors.New("tracer: call interception disabled")
)

// Option configures a Tracer.
type Option func(*options)

type options struct {
	sink   sink.Sink
	logger *slog.Logger
	fatal  func(error)
	alloc  thread.AllocFunc
}

// WithSink makes the tracer write to s instead of opening the configured
// target. The tracer flushes s on Close but does not close it.
func WithSink(s sink.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithFatalHandler replaces the process exit used by the abort policy.
func WithFatalHandler(fn func(error)) Option {
	return func(o *options) {
		o.fatal = fn
	}
}

// WithAllocator replaces the per-thread buffer allocator.
func WithAllocator(fn thread.AllocFunc) Option {
	return func(o *options) {
		o.alloc = fn
	}
}

// Tracer is one tracing session.
//
// Thread Safety: every method is safe for concurrent use, with the
// per-thread restrictions of the host protocol: a thread's block
// executions, call hooks and exit run on that thread.
type Tracer struct {
	cfg      *config.Config
	logger   *slog.Logger
	stats    *stats.Counters
	sink     sink.Sink
	ownsSink bool

	table       *tls.Table[thread.Context]
	threads     *thread.Manager
	flusher     *flush.Flusher
	installer   *site.Installer
	interceptor *intercept.Interceptor // nil when interception is disabled
	collector   *stats.Collector

	started   time.Time
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds a tracer. A nil cfg means config.Default().
//
// Flow:
//  1. Open the sink (unless WithSink was given)
//  2. Build the slot table sized for threads.max
//  3. Wire flusher, thread manager, installer and interceptor
func New(cfg *config.Config, opts ...Option) (*Tracer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	filter, err := cfg.Filter()
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	t := &Tracer{
		cfg:     cfg,
		logger:  o.logger,
		stats:   &stats.Counters{},
		sink:    o.sink,
		started: time.Now(),
	}
	if t.sink == nil {
		ws, err := sink.Open(cfg.Sink.Target, cfg.Format(), cfg.SinkOptions()...)
		if err != nil {
			return nil, fmt.Errorf("tracer: opening sink: %w", err)
		}
		t.sink = ws
		t.ownsSink = true
	}

	t.table, err = tls.NewTable[thread.Context](cfg.Threads.Max)
	if err != nil {
		t.closeOwnedSink()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	var flushOpts []flush.Option
	if o.fatal != nil {
		flushOpts = append(flushOpts, flush.WithFatalHandler(o.fatal))
	}
	t.flusher = flush.New(t.sink, cfg.Policy(), t.stats, t.logger, flushOpts...)

	threadOpts := []thread.Option{
		thread.WithCapacity(cfg.Buffer.Capacity),
		thread.WithFlushOnExit(cfg.Threads.FlushOnExit),
	}
	if o.alloc != nil {
		threadOpts = append(threadOpts, thread.WithAllocator(o.alloc))
	}
	t.threads = thread.NewManager(t.table, t.flusher, t.stats, t.logger, threadOpts...)
	t.installer = site.NewInstaller(t.threads, t.flusher, filter, cfg.Buffer.Capacity, t.stats, t.logger)

	if cfg.Intercept.Enabled {
		t.interceptor, err = intercept.New(t.flusher, cfg.Intercept.Targets, t.stats, t.logger)
		if err != nil {
			t.closeOwnedSink()
			return nil, fmt.Errorf("tracer: %w", err)
		}
	}
	t.collector = stats.NewCollector(t.stats, MetricsNamespace)

	t.logger.Debug("tracer initialized",
		"sink", cfg.Sink.Target, "format", cfg.Sink.Format, "on_error", cfg.Sink.OnError,
		"capacity", cfg.Buffer.Capacity, "max_threads", cfg.Threads.Max,
		"instructions", filter.Mode, "intercept", cfg.Intercept.Enabled)
	return t, nil
}

// Config returns the configuration the tracer runs with.
func (t *Tracer) Config() *config.Config {
	return t.cfg
}

// ThreadStart sets up monitoring for thread id and returns the slot handle
// its injected code uses.
func (t *Tracer) ThreadStart(id record.ThreadID) (tls.Handle, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	ctx, err := t.threads.Start(id)
	if err != nil {
		return 0, err
	}
	return ctx.Slot, nil
}

// ThreadExit tears down monitoring for thread id. It must run on the
// exiting thread.
func (t *Tracer) ThreadExit(id record.ThreadID) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.threads.Exit(id)
}

// Thread returns the context of a live thread.
func (t *Tracer) Thread(id record.ThreadID) (*thread.Context, bool) {
	return t.threads.Lookup(id)
}

// LiveThreads returns the number of monitored threads.
func (t *Tracer) LiveThreads() int {
	return t.table.Len()
}

// InstallBlock installs the capture sites of a host block.
func (t *Tracer) InstallBlock(tag site.Tag, addrs []uint64) (*site.Block, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.installer.InstallBlock(tag, addrs)
}

// Block returns an installed block.
func (t *Tracer) Block(tag site.Tag) (*site.Block, bool) {
	return t.installer.Block(tag)
}

// RemoveBlock forgets an installed block.
func (t *Tracer) RemoveBlock(tag site.Tag) bool {
	return t.installer.Remove(tag)
}

// ModuleLoad resolves the intercept targets in a newly mapped module and
// returns the ones found. It returns nil when interception is disabled.
func (t *Tracer) ModuleLoad(mod intercept.Module) []*intercept.Target {
	if t.interceptor == nil {
		return nil
	}
	found := t.interceptor.OnModuleLoad(mod)
	t.logger.Debug("module loaded", "module", mod.Name(), "targets", len(found))
	return found
}

// RegisterTarget registers an intercept target at a known address.
func (t *Tracer) RegisterTarget(name string, addr uint64) (*intercept.Target, error) {
	if t.interceptor == nil {
		return nil, ErrInterceptDisabled
	}
	return t.interceptor.Register(name, addr)
}

// Hooks returns the target registered at addr, telling the host whether a
// call to addr must be wrapped.
func (t *Tracer) Hooks(addr uint64) (*intercept.Target, bool) {
	if t.interceptor == nil {
		return nil, false
	}
	return t.interceptor.Hooks(addr)
}

// Enter is the entry hook for an intercepted call on thread id.
//
// Records the thread captured before the call are flushed first, so the
// allocation records follow the instructions that led to the call. A
// failing flush is returned alongside the Call; the Call is still valid.
func (t *Tracer) Enter(id record.ThreadID, target *intercept.Target, callSite uint64, args ...uint64) (*intercept.Call, error) {
	if t.interceptor == nil {
		return nil, ErrInterceptDisabled
	}

	var result *multierror.Error
	ctx, live := t.threads.Lookup(id)
	if live {
		if err := t.flusher.Flush(ctx.Buffer); err != nil {
			result = multierror.Append(result, err)
		}
	}

	c, err := t.interceptor.Enter(id, target, callSite, args...)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if c != nil && live {
		ctx.CallEntered()
	}
	return c, result.ErrorOrNil()
}

// Exit is the exit hook for the call c returned by Enter.
//
// Like Enter, it flushes the thread's buffer first, so records captured
// inside the callee precede the exit records.
func (t *Tracer) Exit(c *intercept.Call, ret uint64) error {
	if t.interceptor == nil {
		return ErrInterceptDisabled
	}

	var result *multierror.Error
	var ctx *thread.Context
	live := false
	if c != nil && !c.Consumed() {
		ctx, live = t.threads.Lookup(c.Thread())
	}
	if live {
		if err := t.flusher.Flush(ctx.Buffer); err != nil {
			result = multierror.Append(result, err)
		}
	}

	err := t.interceptor.Exit(c, ret)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if live && !errors.Is(err, intercept.ErrOrphanExit) {
		ctx.CallExited()
	}
	return result.ErrorOrNil()
}

// Wrap returns fn with the tracer's call hooks around it. The calling
// goroutine is the thread; it must have been started with ThreadStart
// under tls.GoroutineID for its calls to count as pending.
//
// Resolving the goroutine costs a runtime.Stack parse (about 1.5µs) per
// call. Hosts that know the thread use WrapThread.
func (t *Tracer) Wrap(target *intercept.Target, fn intercept.Func) intercept.Func {
	return intercept.Wrap(t, target, fn, t.logger)
}

// WrapThread is Wrap for a function only ever called on thread id.
func (t *Tracer) WrapThread(id record.ThreadID, target *intercept.Target, fn intercept.Func) intercept.Func {
	return intercept.WrapThread(t, id, target, fn, t.logger)
}

// Stats returns a snapshot of the counters.
func (t *Tracer) Stats() stats.Snapshot {
	return t.stats.Snapshot()
}

// Collector returns the Prometheus collector for the tracer's counters.
func (t *Tracer) Collector() prometheus.Collector {
	return t.collector
}

// Close tears the tracer down: every live thread gets its exit processing,
// the sink is flushed (and closed, if the tracer opened it) and a summary
// is logged. Monitored threads must be quiesced. Close is idempotent.
func (t *Tracer) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)

		var result *multierror.Error
		if n := t.table.Len(); n > 0 {
			t.logger.Debug("tearing down live threads", "threads", n)
		}
		if err := t.threads.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := t.flusher.Finish(t.ownsSink); err != nil {
			result = multierror.Append(result, fmt.Errorf("finishing sink: %w", err))
		}

		t.closeErr = result.ErrorOrNil()
		t.summary(t.closeErr)
	})
	return t.closeErr
}

func (t *Tracer) closeOwnedSink() {
	if t.ownsSink {
		_ = t.sink.Close()
	}
}

// summary logs the end-of-session report. Loss and a teardown error are
// warnings: in normal operation neither happens.
func (t *Tracer) summary(err error) {
	s := t.stats.Snapshot()
	attrs := []any{
		"records", s.Records(),
		"flushes", s.Flushes,
		"lost", s.RecordsLost,
		"flush_failures", s.FlushFailures,
		"calls", s.CallsEntered,
		"orphan_exits", s.OrphanExits,
		"threads", s.ThreadsStarted,
		"blocks", s.BlocksInstalled,
		"elapsed", time.Since(t.started).Round(time.Millisecond),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if s.RecordsLost > 0 || s.OrphanExits > 0 || err != nil {
		t.logger.Warn("trace incomplete", attrs...)
		return
	}
	t.logger.Info("trace complete", attrs...)
}
