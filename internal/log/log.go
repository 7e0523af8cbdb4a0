// Package log is the tracer's diagnostic side channel.
//
// Diagnostics never go to the trace sink: tooling that consumes the trace
// must not see operational messages. Output fans out to stderr (text or
// JSON) and, optionally, a daily-rotated JSONL file.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

var (
	mu         sync.Mutex
	logger     *slog.Logger
	fileWriter *FileWriter
)

// Format selects the stderr encoding.
type Format string

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = "auto"
	// FormatText is slog's key=value text format.
	FormatText Format = "text"
	// FormatJSON is one JSON object per line.
	FormatJSON Format = "json"
)

// Options configures the logger.
type Options struct {
	// Verbose enables debug/info output to stderr.
	Verbose bool
	// Format is the stderr encoding. Empty means FormatAuto.
	Format Format
	// DebugDir is the directory for debug log files. If empty, file logging is disabled.
	DebugDir string
	// RetentionDays is how many days to keep log files (0 = no cleanup)
	RetentionDays int
	// Stderr is the writer for stderr output (defaults to os.Stderr)
	Stderr io.Writer
}

// New builds a logger from opts without installing it globally. The returned
// closer releases the debug file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var handlers []slog.Handler

	// Stderr handler: Warn+Error by default, all levels if verbose
	stderrLevel := slog.LevelWarn
	if opts.Verbose {
		stderrLevel = slog.LevelDebug
	}
	stderrOpts := &slog.HandlerOptions{Level: stderrLevel}

	if useJSON(opts.Format, stderr) {
		handlers = append(handlers, slog.NewJSONHandler(stderr, stderrOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, stderrOpts))
	}

	var closer io.Closer = nopCloser{}

	// File handler: always all levels, always JSON
	if opts.DebugDir != "" {
		if opts.RetentionDays > 0 {
			Cleanup(opts.DebugDir, opts.RetentionDays)
		}

		fw, err := NewFileWriter(opts.DebugDir)
		if err != nil {
			return nil, nil, err
		}
		closer = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(&multiHandler{handlers: handlers}), closer, nil
}

// Init initializes the package logger with the given options and installs it
// as the slog default.
func Init(opts Options) error {
	l, closer, err := New(opts)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		fileWriter.Close()
	}
	fileWriter, _ = closer.(*FileWriter)
	logger = l
	slog.SetDefault(logger)
	return nil
}

// Close closes the file writer if one was created.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

// useJSON resolves the stderr format. Auto means text for a terminal and
// JSON when stderr is piped into another tool.
func useJSON(f Format, w io.Writer) bool {
	switch f {
	case FormatJSON:
		return true
	case FormatText:
		return false
	}
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// Logger returns the package logger.
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Discard returns a logger that drops everything. Components use it when
// constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func init() {
	// Default logger until Init is called
	logger = slog.Default()
}
