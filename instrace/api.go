package instrace

import (
	"io"
	"log/slog"

	"github.com/kolkov/instrace/internal/config"
	"github.com/kolkov/instrace/internal/log"
	"github.com/kolkov/instrace/internal/trace/format"
	"github.com/kolkov/instrace/internal/trace/intercept"
	"github.com/kolkov/instrace/internal/trace/module"
	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/sink"
	"github.com/kolkov/instrace/internal/trace/site"
	"github.com/kolkov/instrace/internal/trace/stats"
	"github.com/kolkov/instrace/internal/trace/tls"
	"github.com/kolkov/instrace/internal/trace/tracer"
)

// Core types.
type (
	// Tracer is one tracing session. See [New].
	Tracer = tracer.Tracer
	// Option configures a Tracer.
	Option = tracer.Option
	// Config is the tracer configuration (instrace.yaml).
	Config = config.Config
	// Stats is a snapshot of the tracer's counters.
	Stats = stats.Snapshot
)

// Host-facing types.
type (
	// ThreadID identifies an application thread.
	ThreadID = record.ThreadID
	// Handle is the thread-local slot a thread's injected code reads.
	Handle = tls.Handle
	// Tag identifies a block, typically its start address.
	Tag = site.Tag
	// Block is an installed block.
	Block = site.Block
	// Module is a mapped executable or library.
	Module = module.Module
	// Target is a resolved allocator function.
	Target = intercept.Target
	// Call is the state of one intercepted call between entry and exit.
	Call = intercept.Call
	// Func is an allocator-shaped function for [Tracer.Wrap].
	Func = intercept.Func
)

// Trace types.
type (
	// Record is one trace event.
	Record = record.Record
	// Format is a trace encoding.
	Format = format.Format
	// Entry is a decoded trace line.
	Entry = format.Entry
	// Sink receives flushed record batches.
	Sink = sink.Sink
	// MemorySink keeps every batch in memory.
	MemorySink = sink.Memory
)

// Trace formats.
const (
	Text  = format.Text
	JSONL = format.JSONL
)

// SchemaVersion is the configuration schema this build reads.
const SchemaVersion = config.SchemaVersion

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads path (if not empty), applies INSTRACE_* environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// New returns a tracer for cfg. A nil cfg means [DefaultConfig].
//
// Example:
//
//	tr, err := instrace.New(nil, instrace.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer tr.Close()
func New(cfg *Config, opts ...Option) (*Tracer, error) {
	return tracer.New(cfg, opts...)
}

// WithSink makes the tracer write to s instead of the configured target.
func WithSink(s Sink) Option {
	return tracer.WithSink(s)
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return tracer.WithLogger(l)
}

// WithFatalHandler replaces the process exit of the abort failure policy.
func WithFatalHandler(fn func(error)) Option {
	return tracer.WithFatalHandler(fn)
}

// NewLogger builds the diagnostics logger described by cfg's log section.
// Close the returned closer at exit to release the debug log file.
func NewLogger(cfg *Config) (*slog.Logger, io.Closer, error) {
	return log.New(cfg.LogOptions())
}

// NewWriterSink returns a sink encoding batches in format f onto w.
func NewWriterSink(w io.Writer, f Format) (Sink, error) {
	s, err := sink.NewWriterSink(w, f)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return sink.NewMemory()
}

// NewModule describes a mapped module whose function symbols, relative to
// base, are given.
func NewModule(name string, base uint64, symbols map[string]uint64) *Module {
	return module.New(name, base, symbols)
}

// OpenModule reads the function symbols of the ELF file at path, mapped at
// base.
func OpenModule(path string, base uint64) (*Module, error) {
	return module.OpenELF(path, base)
}

// Decode reads a whole trace in format f.
func Decode(r io.Reader, f Format) ([]Entry, error) {
	return format.DecodeAll(r, f)
}
