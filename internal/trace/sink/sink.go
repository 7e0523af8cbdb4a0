// Package sink implements the trace output sink.
//
// The sink is the only resource shared across monitored threads. Each
// WriteBatch call is serialized under one mutex and a batch's bytes stay
// contiguous in the output, so one thread's flush is never interleaved with
// another's. Within a batch, records keep their capture order.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kolkov/instrace/internal/trace/format"
	"github.com/kolkov/instrace/internal/trace/record"
)

// ErrClosed is returned by writes to a closed sink.
var ErrClosed = errors.New("sink: closed")

// Sink accepts serialized trace batches.
type Sink interface {
	// WriteBatch writes recs, captured by thread tid, as one contiguous
	// unit. On error, only the prefix reported by Delivered was kept.
	WriteBatch(tid record.ThreadID, recs []record.Record) error
	// Flush pushes buffered output to the destination.
	Flush() error
	// Close flushes and releases the destination.
	Close() error
}

// WriteError reports a write to the destination that failed.
//
// Delivered counts the leading records of the rejected batch that the sink
// kept: they reached the destination, or their encoding was cut short and
// the sink holds the rest of it. A caller retrying the batch must skip them.
// Unwritten counts records from earlier accepted batches that are still
// waiting in the output buffer. After Close they are gone.
type WriteError struct {
	Delivered int
	Unwritten int
	Err       error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("sink: write failed (%d delivered, %d unwritten): %v", e.Delivered, e.Unwritten, e.Err)
}

// Unwrap returns the destination error.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// Delivered returns how many leading records of a failed batch the sink
// kept. It is 0 for errors that are not a *WriteError.
func Delivered(err error) int {
	var werr *WriteError
	if errors.As(err, &werr) {
		return werr.Delivered
	}
	return 0
}

// Unwritten returns how many previously accepted records a failed Flush or
// Close left behind. It is 0 for errors that are not a *WriteError.
func Unwritten(err error) int {
	var werr *WriteError
	if errors.As(err, &werr) {
		return werr.Unwritten
	}
	return 0
}

// Option configures a WriterSink.
type Option func(*WriterSink)

// WithBufferSize sets the size of the output buffer. Zero disables
// buffering: every batch is written through immediately.
func WithBufferSize(n int) Option {
	return func(s *WriterSink) {
		s.bufSize = n
	}
}

// WithAutoFlush makes every WriteBatch write its batch out before
// returning. Useful when the trace is consumed live through a pipe.
func WithAutoFlush(on bool) Option {
	return func(s *WriterSink) {
		s.autoFlush = on
	}
}

// WriterSink writes encoded records to an io.Writer.
//
// Accepted output that has not reached the writer yet lives in out, with
// the end offset of each record in ends. A failed or short write leaves the
// unwritten bytes there, so the next write resumes where the writer
// stopped.
type WriterSink struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	encode    format.AppendFunc
	scratch   []byte
	marks     []int
	out       []byte
	ends      []int
	bufSize   int
	autoFlush bool
	closed    bool
}

// DefaultBufferSize is the output buffer size used when none is configured.
const DefaultBufferSize = 64 << 10

// NewWriterSink returns a sink encoding records with f into w. If w is also
// an io.Closer, Close closes it.
func NewWriterSink(w io.Writer, f format.Format, opts ...Option) (*WriterSink, error) {
	encode, err := format.Appender(f)
	if err != nil {
		return nil, err
	}
	s := &WriterSink{
		w:       w,
		encode:  encode,
		bufSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bufSize < 0 {
		s.bufSize = 0
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// Open returns a sink for target: "stderr", "stdout" or a file path.
// The standard streams are never closed by the sink.
func Open(target string, f format.Format, opts ...Option) (*WriterSink, error) {
	switch target {
	case "", "stderr":
		return NewWriterSink(noClose{os.Stderr}, f, opts...)
	case "stdout":
		return NewWriterSink(noClose{os.Stdout}, f, opts...)
	}
	return OpenFile(target, f, opts...)
}

// OpenFile creates (or truncates) path and returns a sink writing to it.
func OpenFile(path string, f format.Format, opts ...Option) (*WriterSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: opening trace file: %w", err)
	}
	s, err := NewWriterSink(file, f, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

// WriteBatch implements Sink.
//
// The batch is encoded under the lock. It is queued whole in the output
// buffer if it fits; otherwise the queue is written out first and the batch
// goes to the writer in one call. An empty batch writes nothing.
//
// A failure returns *WriteError. When the writer took only part of the
// batch, Delivered tells the caller which prefix not to send again.
func (s *WriterSink) WriteBatch(tid record.ThreadID, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	buf, marks := s.scratch[:0], s.marks[:0]
	for _, r := range recs {
		buf = s.encode(buf, tid, r)
		marks = append(marks, len(buf))
	}
	s.scratch, s.marks = buf, marks

	queue := !s.autoFlush && len(s.out)+len(buf) <= s.bufSize
	if len(s.out) > 0 && !queue {
		if err := s.drain(); err != nil {
			return &WriteError{Unwritten: len(s.ends), Err: err}
		}
		queue = !s.autoFlush && len(buf) <= s.bufSize
	}
	if queue {
		s.push(buf, marks)
		return nil
	}

	n, err := s.w.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	if err == nil {
		return nil
	}

	done := 0
	for done < len(marks) && marks[done] <= n {
		done++
	}
	start := 0
	if done > 0 {
		start = marks[done-1]
	}
	if done < len(marks) && n > start {
		// The writer stopped inside a record; finish it before anything else.
		end := marks[done]
		s.push(buf[n:end], []int{end - n})
		done++
	}
	return &WriteError{Delivered: done, Unwritten: len(s.ends), Err: err}
}

// push appends encoded records to the output queue. marks holds the end
// offset of each record within buf.
func (s *WriterSink) push(buf []byte, marks []int) {
	base := len(s.out)
	s.out = append(s.out, buf...)
	for _, m := range marks {
		s.ends = append(s.ends, base+m)
	}
}

// drain writes the output queue. On failure the bytes the writer did not
// take stay queued.
func (s *WriterSink) drain() error {
	if len(s.out) == 0 {
		return nil
	}
	n, err := s.w.Write(s.out)
	if err == nil && n < len(s.out) {
		err = io.ErrShortWrite
	}
	s.advance(n)
	return err
}

// advance drops the first n bytes of the output queue.
func (s *WriterSink) advance(n int) {
	if n <= 0 {
		return
	}
	if n >= len(s.out) {
		s.out, s.ends = s.out[:0], s.ends[:0]
		return
	}
	k := 0
	for k < len(s.ends) && s.ends[k] <= n {
		k++
	}
	kept := copy(s.ends, s.ends[k:])
	s.ends = s.ends[:kept]
	for i := range s.ends {
		s.ends[i] -= n
	}
	s.out = s.out[:copy(s.out, s.out[n:])]
}

// Buffered returns the number of accepted records not yet written.
func (s *WriterSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ends)
}

// Flush implements Sink. A failure returns *WriteError; the records it
// counts stay queued for the next attempt.
func (s *WriterSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.drain(); err != nil {
		return &WriteError{Unwritten: len(s.ends), Err: err}
	}
	return nil
}

// Close implements Sink. Records that cannot be written are discarded and
// counted in the returned *WriteError. Closing twice returns ErrClosed.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	var err error
	if derr := s.drain(); derr != nil {
		err = &WriteError{Unwritten: len(s.ends), Err: derr}
	}
	s.out, s.ends = nil, nil
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// noClose shields a standard stream from Close.
type noClose struct {
	io.Writer
}
