// Package flush drains per-thread buffers into the trace sink.
//
// A flush is always run by the thread that owns the buffer, so it needs no
// synchronization of its own; the sink serializes concurrent batches. A
// record leaves the buffer only once the sink has kept it, including the
// prefix of a batch the sink kept before failing, so each live record is
// delivered at most once and in capture order.
//
// What happens when the sink fails is decided by the Policy:
//
//	abort   log, then call the fatal handler (default: exit the process)
//	retain  keep the records; the next flush retries them in order
//	drop    discard the records and account for them as lost
package flush

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kolkov/instrace/internal/trace/buffer"
	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/sink"
	"github.com/kolkov/instrace/internal/trace/stats"
)

// Policy selects the behavior on sink write failure.
type Policy string

const (
	// Abort treats a sink failure as unrecoverable.
	Abort Policy = "abort"
	// Retain surfaces the error and keeps the records for retry.
	Retain Policy = "retain"
	// Drop surfaces the error and discards the records with loss accounting.
	Drop Policy = "drop"
)

// ParsePolicy validates a policy name. The empty string selects Abort.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", Abort:
		return Abort, nil
	case Retain:
		return Retain, nil
	case Drop:
		return Drop, nil
	}
	return "", fmt.Errorf("flush: unknown failure policy %q (want abort, retain or drop)", s)
}

// SinkWriteError reports a batch the sink did not fully accept.
type SinkWriteError struct {
	Thread    record.ThreadID
	Records   int  // records of the batch the sink did not keep
	Delivered int  // leading records the sink kept before failing
	Dropped   bool // true if the records were discarded
	Err       error
}

// Error implements the error interface.
func (e *SinkWriteError) Error() string {
	fate := "retained for retry"
	if e.Dropped {
		fate = "dropped"
	}
	if e.Delivered > 0 {
		return fmt.Sprintf("flush: sink rejected %d records from thread %d after %d (%s): %v",
			e.Records, e.Thread, e.Delivered, fate, e.Err)
	}
	return fmt.Sprintf("flush: sink rejected %d records from thread %d (%s): %v",
		e.Records, e.Thread, fate, e.Err)
}

// Unwrap returns the sink error.
func (e *SinkWriteError) Unwrap() error {
	return e.Err
}

// Option configures a Flusher.
type Option func(*Flusher)

// WithFatalHandler replaces the handler called under the Abort policy. The
// default logs and exits with status 2.
func WithFatalHandler(fn func(error)) Option {
	return func(f *Flusher) {
		f.fatal = fn
	}
}

// Flusher moves records from buffers to a sink.
type Flusher struct {
	sink   sink.Sink
	policy Policy
	stats  *stats.Counters
	logger *slog.Logger
	fatal  func(error)
}

// New returns a flusher writing to s.
func New(s sink.Sink, policy Policy, st *stats.Counters, logger *slog.Logger, opts ...Option) *Flusher {
	if st == nil {
		st = &stats.Counters{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Flusher{
		sink:   s,
		policy: policy,
		stats:  st,
		logger: logger,
	}
	f.fatal = func(err error) {
		f.logger.Error("trace sink failed, aborting", "error", err)
		os.Exit(2)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Policy returns the configured failure policy.
func (f *Flusher) Policy() Policy {
	return f.policy
}

// Flush drains buf into the sink.
//
// Flow:
//  1. Empty buffer: return immediately, nothing is written.
//  2. Hand Live() to the sink as one batch.
//  3. On success, reset the cursor and account for the records.
//  4. On failure, account for the prefix the sink kept, remove it from
//     the buffer and apply the policy to the rest.
//
// Must be called from the thread that owns buf.
//
// Returns nil on success, or *SinkWriteError under the Retain and Drop
// policies. Under Abort the fatal handler runs first; if it returns (tests
// install one that does), the records are retained and the error returned.
func (f *Flusher) Flush(buf *buffer.Buffer) error {
	live := buf.Live()
	if len(live) == 0 {
		return nil
	}
	tid := buf.Owner()

	if err := f.sink.WriteBatch(tid, live); err != nil {
		kept := min(sink.Delivered(err), len(live))
		if kept > 0 {
			f.stats.RecordsFlushed.Add(uint64(kept))
			buf.Discard(kept)
		}
		return f.fail(buf, tid, kept, err)
	}

	f.stats.RecordsFlushed.Add(uint64(len(live)))
	f.stats.Flushes.Add(1)
	buf.Reset()
	return nil
}

func (f *Flusher) fail(buf *buffer.Buffer, tid record.ThreadID, kept int, err error) error {
	f.stats.FlushFailures.Add(1)
	n := buf.Len()
	werr := &SinkWriteError{Thread: tid, Records: n, Delivered: kept, Err: err}

	switch f.policy {
	case Drop:
		werr.Dropped = true
		buf.Reset()
		f.stats.RecordsLost.Add(uint64(n))
		f.logger.Warn("trace records dropped", "thread", tid, "records", n, "error", err)
	case Retain:
		f.logger.Warn("flush failed, records retained", "thread", tid, "records", n, "error", err)
	default:
		f.fatal(werr)
	}
	return werr
}

// Write delivers recs straight to the sink, bypassing any buffer. It is used
// by call interception, whose records do not go through the per-thread
// buffer. Retain degrades to Drop here since there is no buffer to keep the
// records in.
func (f *Flusher) Write(tid record.ThreadID, recs ...record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := f.sink.WriteBatch(tid, recs)
	if err == nil {
		f.stats.RecordsDirect.Add(uint64(len(recs)))
		return nil
	}

	kept := min(sink.Delivered(err), len(recs))
	n := len(recs) - kept
	f.stats.RecordsDirect.Add(uint64(kept))
	f.stats.FlushFailures.Add(1)
	f.stats.RecordsLost.Add(uint64(n))
	werr := &SinkWriteError{Thread: tid, Records: n, Delivered: kept, Err: err, Dropped: true}
	if f.policy == Abort {
		f.fatal(werr)
		return werr
	}
	f.logger.Warn("direct trace records dropped", "thread", tid, "records", n, "error", err)
	return werr
}

// Finish pushes the sink's buffered output at shutdown, closing the sink
// when closeSink is set. Records the sink had accepted but could not write
// are counted in RecordsLost and SinkDiscarded.
func (f *Flusher) Finish(closeSink bool) error {
	var err error
	if closeSink {
		err = f.sink.Close()
	} else {
		err = f.sink.Flush()
	}
	if n := sink.Unwritten(err); n > 0 {
		f.stats.SinkDiscarded.Add(uint64(n))
		f.stats.RecordsLost.Add(uint64(n))
		f.logger.Warn("buffered trace records not written", "records", n, "error", err)
	}
	return err
}
