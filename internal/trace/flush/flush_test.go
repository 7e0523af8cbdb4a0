package flush

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/instrace/internal/trace/buffer"
	"github.com/kolkov/instrace/internal/trace/format"
	"github.com/kolkov/instrace/internal/trace/record"
	"github.com/kolkov/instrace/internal/trace/sink"
	"github.com/kolkov/instrace/internal/trace/stats"
)

var errDiskFull = errors.New("disk full")

func newBuffer(t *testing.T, tid record.ThreadID, addrs ...uint64) *buffer.Buffer {
	t.Helper()
	b, err := buffer.New(tid, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = b.Release() })
	for _, a := range addrs {
		b.Append(record.NewInstruction(a))
	}
	return b
}

func newFlusher(t *testing.T, s sink.Sink, p Policy, opts ...Option) (*Flusher, *stats.Counters, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	st := &stats.Counters{}
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(s, p, st, logger, opts...), st, &logs
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Abort, false},
		{"abort", Abort, false},
		{"retain", Retain, false},
		{"drop", Drop, false},
		{"ignore", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

// TestFlushDeliversInOrder checks that a flush hands every live record to
// the sink in capture order and leaves the buffer empty.
func TestFlushDeliversInOrder(t *testing.T) {
	mem := sink.NewMemory()
	f, st, _ := newFlusher(t, mem, Abort)
	b := newBuffer(t, 1, 0xA1, 0xA2, 0xA3)

	require.NoError(t, f.Flush(b))

	assert.Zero(t, b.Len())
	batches := mem.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, record.ThreadID(1), batches[0].Thread)
	assert.Equal(t, []uint64{0xA1, 0xA2, 0xA3}, addrs(batches[0].Records))
	assert.Equal(t, uint64(3), st.RecordsFlushed.Load())
	assert.Equal(t, uint64(1), st.Flushes.Load())
}

func TestFlushEmptyIsNoop(t *testing.T) {
	mem := sink.NewMemory()
	f, st, _ := newFlusher(t, mem, Abort)

	require.NoError(t, f.Flush(newBuffer(t, 1)))
	assert.Empty(t, mem.Batches())
	assert.Zero(t, st.Flushes.Load())
}

// TestNoLossNoDuplication runs several flush rounds and checks the sink
// holds exactly the captured records, once each.
func TestNoLossNoDuplication(t *testing.T) {
	mem := sink.NewMemory()
	f, _, _ := newFlusher(t, mem, Abort)
	b := newBuffer(t, 3)

	var want []uint64
	next := uint64(0x1000)
	for round := 0; round < 10; round++ {
		for i := 0; i <= round; i++ {
			b.Append(record.NewInstruction(next))
			want = append(want, next)
			next += 4
		}
		before := append([]record.Record(nil), b.Live()...)
		require.NoError(t, f.Flush(b))
		require.Zero(t, b.Len())
		batches := mem.Batches()
		assert.Equal(t, before, batches[len(batches)-1].Records)
	}
	assert.Equal(t, want, addrs(mem.Records(3)))
}

func TestRetainPolicy(t *testing.T) {
	mem := sink.NewMemory()
	f, st, logs := newFlusher(t, mem, Retain)
	b := newBuffer(t, 2, 0x10, 0x14)

	mem.FailWith(errDiskFull)
	err := f.Flush(b)

	var werr *SinkWriteError
	require.ErrorAs(t, err, &werr)
	assert.ErrorIs(t, err, errDiskFull)
	assert.False(t, werr.Dropped)
	assert.Equal(t, 2, werr.Records)
	assert.Equal(t, 2, b.Len(), "retained records must stay in the buffer")
	assert.Contains(t, logs.String(), "records retained")

	// The retry delivers the retained records first, then the new one.
	mem.FailWith(nil)
	b.Append(record.NewInstruction(0x18))
	require.NoError(t, f.Flush(b))
	assert.Equal(t, []uint64{0x10, 0x14, 0x18}, addrs(mem.Records(2)))
	assert.Zero(t, st.RecordsLost.Load())
	assert.Equal(t, uint64(1), st.FlushFailures.Load())
}

func TestDropPolicy(t *testing.T) {
	mem := sink.NewMemory()
	f, st, logs := newFlusher(t, mem, Drop)
	b := newBuffer(t, 2, 0x10, 0x14)

	mem.FailWith(errDiskFull)
	err := f.Flush(b)

	var werr *SinkWriteError
	require.ErrorAs(t, err, &werr)
	assert.True(t, werr.Dropped)
	assert.Contains(t, werr.Error(), "dropped")
	assert.Zero(t, b.Len())
	assert.Equal(t, uint64(2), st.RecordsLost.Load())
	assert.Contains(t, logs.String(), "trace records dropped")
}

func TestAbortPolicy(t *testing.T) {
	mem := sink.NewMemory()
	var fatal error
	f, _, _ := newFlusher(t, mem, Abort, WithFatalHandler(func(err error) { fatal = err }))
	b := newBuffer(t, 5, 0x10)

	mem.FailWith(errDiskFull)
	err := f.Flush(b)

	require.Error(t, err)
	require.Error(t, fatal, "abort policy must reach the fatal handler")
	assert.ErrorIs(t, fatal, errDiskFull)
	assert.Equal(t, 1, b.Len())
}

func TestWrite(t *testing.T) {
	mem := sink.NewMemory()
	f, st, _ := newFlusher(t, mem, Retain)

	require.NoError(t, f.Write(4, record.NewAllocRequest(0x400, 64)))
	require.NoError(t, f.Write(4))
	assert.Equal(t, uint64(1), st.RecordsDirect.Load())
	assert.Equal(t, 1, mem.Len())

	mem.FailWith(errDiskFull)
	err := f.Write(4, record.NewFree(0x1))
	var werr *SinkWriteError
	require.ErrorAs(t, err, &werr)
	assert.True(t, werr.Dropped)
	assert.Equal(t, uint64(1), st.RecordsLost.Load())
}

func TestWriteAbort(t *testing.T) {
	mem := sink.NewMemory()
	called := false
	f, _, _ := newFlusher(t, mem, Abort, WithFatalHandler(func(error) { called = true }))

	mem.FailWith(errDiskFull)
	require.Error(t, f.Write(1, record.NewFree(0x1)))
	assert.True(t, called)
}

// flakyWriter takes at most cut bytes of its first Write and fails it;
// later writes succeed.
type flakyWriter struct {
	bytes.Buffer
	cut     int
	tripped bool
}

var errAgain = errors.New("resource temporarily unavailable")

func (w *flakyWriter) Write(p []byte) (int, error) {
	if !w.tripped {
		w.tripped = true
		n := min(w.cut, len(p))
		w.Buffer.Write(p[:n])
		return n, errAgain
	}
	return w.Buffer.Write(p)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errDiskFull }

// TestRetainAfterPartialWrite: the writer takes the first record of a batch
// and fails. The retry must send only the rest, and the trace recovers.
func TestRetainAfterPartialWrite(t *testing.T) {
	tests := []struct {
		name string
		opts []sink.Option
	}{
		{"unbuffered", []sink.Option{sink.WithBufferSize(0)}},
		{"autoflush", []sink.Option{sink.WithAutoFlush(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &flakyWriter{cut: len("i 1 0x1\n")}
			ws, err := sink.NewWriterSink(w, format.Text, tt.opts...)
			require.NoError(t, err)
			f, st, _ := newFlusher(t, ws, Retain)
			b := newBuffer(t, 1, 0x1, 0x2)

			err = f.Flush(b)
			var werr *SinkWriteError
			require.ErrorAs(t, err, &werr)
			assert.ErrorIs(t, err, errAgain)
			assert.Equal(t, 1, werr.Delivered)
			assert.Equal(t, 1, werr.Records)
			assert.Equal(t, []uint64{0x2}, addrs(b.Live()))

			require.NoError(t, f.Flush(b))
			assert.Equal(t, "i 1 0x1\ni 1 0x2\n", w.String())
			assert.Equal(t, uint64(2), st.RecordsFlushed.Load())
			assert.Zero(t, st.RecordsLost.Load())
			assert.Zero(t, b.Len())
		})
	}
}

func TestDropAfterPartialWrite(t *testing.T) {
	w := &flakyWriter{cut: len("i 1 0x1\n")}
	ws, err := sink.NewWriterSink(w, format.Text, sink.WithBufferSize(0))
	require.NoError(t, err)
	f, st, _ := newFlusher(t, ws, Drop)
	b := newBuffer(t, 1, 0x1, 0x2, 0x3)

	require.Error(t, f.Flush(b))
	assert.Equal(t, uint64(1), st.RecordsFlushed.Load())
	assert.Equal(t, uint64(2), st.RecordsLost.Load())
	assert.Zero(t, b.Len())
}

func TestWritePartial(t *testing.T) {
	w := &flakyWriter{cut: 4}
	ws, err := sink.NewWriterSink(w, format.Text, sink.WithBufferSize(0))
	require.NoError(t, err)
	f, st, _ := newFlusher(t, ws, Drop)

	err = f.Write(3, record.NewAllocResult(0x10, 8), record.NewFree(0x20))
	var werr *SinkWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 1, werr.Delivered, "a torn record is kept by the sink")
	assert.Equal(t, uint64(1), st.RecordsDirect.Load())
	assert.Equal(t, uint64(1), st.RecordsLost.Load())
}

// TestFinishCountsUnwritten: the sink accepts every batch into its buffer
// but the writer never takes a byte. Closing must account for all of them.
func TestFinishCountsUnwritten(t *testing.T) {
	ws, err := sink.NewWriterSink(failingWriter{}, format.Text)
	require.NoError(t, err)
	f, st, logs := newFlusher(t, ws, Drop)
	b := newBuffer(t, 1)
	for i := 0; i < 3; i++ {
		for _, a := range []uint64{0x10, 0x14, 0x18} {
			b.Append(record.NewInstruction(a))
		}
		require.NoError(t, f.Flush(b))
	}
	assert.Equal(t, uint64(9), st.RecordsFlushed.Load())

	err = f.Finish(true)
	require.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, uint64(9), st.RecordsLost.Load())
	assert.Equal(t, uint64(9), st.SinkDiscarded.Load())
	assert.Zero(t, st.Snapshot().Records())
	assert.Contains(t, logs.String(), "buffered trace records not written")
}

func TestFinishFlushOnly(t *testing.T) {
	mem := sink.NewMemory()
	f, st, _ := newFlusher(t, mem, Abort)
	require.NoError(t, f.Finish(false))
	require.NoError(t, f.Finish(true))
	assert.ErrorIs(t, f.Finish(true), sink.ErrClosed)
	assert.Zero(t, st.RecordsLost.Load())
}

func addrs(recs []record.Record) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Addr
	}
	return out
}

func BenchmarkFlush(b *testing.B) {
	mem := sink.NewMemory()
	f := New(mem, Abort, nil, nil)
	buf, err := buffer.New(1, 64)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Release()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 16; j++ {
			buf.Append(record.NewInstruction(uint64(j)))
		}
		if err := f.Flush(buf); err != nil {
			b.Fatal(err)
		}
		if i%1024 == 0 {
			mem = sink.NewMemory()
			f = New(mem, Abort, nil, nil)
		}
	}
}
