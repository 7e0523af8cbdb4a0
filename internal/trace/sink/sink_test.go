package sink

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/instrace/internal/trace/format"
	"github.com/kolkov/instrace/internal/trace/record"
)

// writeLog records every Write call separately.
type writeLog struct {
	mu     sync.Mutex
	writes [][]byte
	fail   error
	closed bool
}

func (w *writeLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *writeLog) Close() error {
	w.closed = true
	return nil
}

func (w *writeLog) all() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Join(w.writes, nil)
}

func instructions(addrs ...uint64) []record.Record {
	out := make([]record.Record, len(addrs))
	for i, a := range addrs {
		out[i] = record.NewInstruction(a)
	}
	return out
}

func TestWriteBatchUnbuffered(t *testing.T) {
	w := &writeLog{}
	s, err := NewWriterSink(w, format.Text, WithBufferSize(0))
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(1, instructions(0xA1, 0xA2, 0xA3)))
	require.NoError(t, s.WriteBatch(1, nil))

	require.Len(t, w.writes, 1, "one batch must reach the writer as one Write")
	assert.Equal(t, "i 1 0xa1\ni 1 0xa2\ni 1 0xa3\n", string(w.writes[0]))
}

func TestWriteBatchBuffered(t *testing.T) {
	w := &writeLog{}
	s, err := NewWriterSink(w, format.Text)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(2, instructions(0x10)))
	assert.Empty(t, w.writes, "buffered output must wait for Flush")

	require.NoError(t, s.Flush())
	assert.Equal(t, "i 2 0x10\n", string(w.all()))
}

func TestWriteBatchAutoFlush(t *testing.T) {
	w := &writeLog{}
	s, err := NewWriterSink(w, format.JSONL, WithAutoFlush(true))
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(2, []record.Record{record.NewAllocRequest(0x40, 64)}))
	assert.Equal(t, `{"tid":2,"kind":"alloc-request","addr":64,"size":64}`+"\n", string(w.all()))
}

// TestLargeBatchNotSplit checks that a batch bigger than the free space in
// the output buffer still reaches the writer contiguously.
func TestLargeBatchNotSplit(t *testing.T) {
	w := &writeLog{}
	s, err := NewWriterSink(w, format.Text, WithBufferSize(32))
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(1, instructions(0x1)))
	require.NoError(t, s.WriteBatch(2, instructions(0x100, 0x104, 0x108, 0x10c)))
	require.NoError(t, s.Flush())

	entries, err := format.DecodeAll(bytes.NewReader(w.all()), format.Text)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, e := range entries[1:] {
		assert.Equal(t, record.ThreadID(2), e.Thread)
	}
}

func TestWriteBatchError(t *testing.T) {
	boom := errors.New("disk full")
	w := &writeLog{fail: boom}
	s, err := NewWriterSink(w, format.Text, WithBufferSize(0))
	require.NoError(t, err)

	err = s.WriteBatch(1, instructions(1))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, Delivered(err))
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

func TestPartialWriteReportsDelivered(t *testing.T) {
	tests := []struct {
		name      string
		cut       int
		delivered int
	}{
		{"nothing written", 0, 0},
		{"record boundary", 8, 1},
		{"inside a record", 12, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &flakyWriter{cut: tt.cut}
			s, err := NewWriterSink(w, format.Text, WithBufferSize(0))
			require.NoError(t, err)

			err = s.WriteBatch(1, instructions(0x1, 0x2, 0x3))
			require.ErrorIs(t, err, errAgain)
			assert.Equal(t, tt.delivered, Delivered(err))

			// Resend what the sink did not keep, as the flusher does.
			require.NoError(t, s.WriteBatch(1, instructions(0x1, 0x2, 0x3)[tt.delivered:]))
			assert.Equal(t, "i 1 0x1\ni 1 0x2\ni 1 0x3\n", w.String())
			assert.Zero(t, s.Buffered())
		})
	}
}

func TestBufferedWriteRecovers(t *testing.T) {
	w := &flakyWriter{cut: 8}
	s, err := NewWriterSink(w, format.Text, WithAutoFlush(true))
	require.NoError(t, err)

	err = s.WriteBatch(1, instructions(0x1, 0x2))
	require.ErrorIs(t, err, errAgain)
	require.Equal(t, 1, Delivered(err))

	require.NoError(t, s.WriteBatch(1, instructions(0x2)))
	require.NoError(t, s.WriteBatch(1, instructions(0x3)))
	assert.Equal(t, "i 1 0x1\ni 1 0x2\ni 1 0x3\n", w.String())
}

func TestFlushFailureKeepsQueue(t *testing.T) {
	w := &flakyWriter{cut: 4}
	s, err := NewWriterSink(w, format.Text)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(1, instructions(0x1, 0x2)))
	require.NoError(t, s.WriteBatch(2, instructions(0x3)))
	assert.Equal(t, 3, s.Buffered())

	err = s.Flush()
	require.ErrorIs(t, err, errAgain)
	assert.Equal(t, 3, Unwritten(err), "a torn record is still unwritten")

	require.NoError(t, s.Flush())
	assert.Equal(t, "i 1 0x1\ni 1 0x2\ni 2 0x3\n", w.String())
	assert.Zero(t, s.Buffered())
}

func TestCloseCountsUnwritten(t *testing.T) {
	boom := errors.New("disk full")
	w := &writeLog{fail: boom}
	s, err := NewWriterSink(w, format.Text)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.WriteBatch(1, instructions(0x10, 0x14, 0x18)))
	}
	err = s.Close()
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 9, Unwritten(err))
	assert.True(t, w.closed)
	assert.Zero(t, s.Buffered())
}

func TestDeliveredIgnoresOtherErrors(t *testing.T) {
	assert.Zero(t, Delivered(errors.New("x")))
	assert.Zero(t, Unwritten(nil))
}

func TestClose(t *testing.T) {
	w := &writeLog{}
	s, err := NewWriterSink(w, format.Text)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(1, instructions(0x5)))
	require.NoError(t, s.Close())

	assert.True(t, w.closed)
	assert.Equal(t, "i 1 0x5\n", string(w.all()), "Close must flush pending output")

	assert.ErrorIs(t, s.Close(), ErrClosed)
	assert.ErrorIs(t, s.Flush(), ErrClosed)
	assert.ErrorIs(t, s.WriteBatch(1, instructions(0x6)), ErrClosed)
}

func TestNewWriterSinkUnknownFormat(t *testing.T) {
	_, err := NewWriterSink(&writeLog{}, format.Format("xml"))
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.txt")
	s, err := Open(path, format.Text)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(4, []record.Record{record.NewFree(0xbeef)}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "f 4 0xbeef\n", string(data))
}

func TestOpenStandardStreams(t *testing.T) {
	for _, target := range []string{"", "stderr", "stdout"} {
		s, err := Open(target, format.Text)
		require.NoError(t, err)
		assert.Nil(t, s.closer, "standard streams must not be closed by the sink")
		require.NoError(t, s.Close())
	}
}

func TestOpenFileBadPath(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing", "trace.txt"), format.Text)
	assert.Error(t, err)
}

// TestConcurrentBatchesDoNotInterleave checks that batches from concurrent
// writers reach the output as contiguous runs, and per-thread order holds.
func TestConcurrentBatchesDoNotInterleave(t *testing.T) {
	const (
		threads   = 8
		batches   = 50
		batchSize = 16
	)
	var out bytes.Buffer
	s, err := NewWriterSink(&out, format.Text, WithBufferSize(256))
	require.NoError(t, err)

	var g errgroup.Group
	for tid := 1; tid <= threads; tid++ {
		g.Go(func() error {
			for b := 0; b < batches; b++ {
				recs := make([]record.Record, batchSize)
				for i := range recs {
					recs[i] = record.NewInstruction(uint64(b*batchSize + i))
				}
				if err := s.WriteBatch(record.ThreadID(tid), recs); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, s.Close())

	entries, err := format.DecodeAll(&out, format.Text)
	require.NoError(t, err)
	require.Len(t, entries, threads*batches*batchSize)

	// Every batch starts at an index multiple of batchSize and is homogeneous.
	for start := 0; start < len(entries); start += batchSize {
		tid := entries[start].Thread
		for i := start; i < start+batchSize; i++ {
			require.Equal(t, tid, entries[i].Thread, "batch at %d interleaved", start)
		}
	}

	for tid, recs := range format.ByThread(entries) {
		for i, r := range recs {
			require.Equal(t, uint64(i), r.Addr, "thread %d out of order at %d", tid, i)
		}
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.WriteBatch(1, instructions(1, 2)))
	require.NoError(t, m.WriteBatch(2, instructions(9)))
	require.NoError(t, m.WriteBatch(1, instructions(3)))
	require.NoError(t, m.WriteBatch(1, nil))

	assert.Len(t, m.Batches(), 3)
	assert.Equal(t, instructions(1, 2, 3), m.Records(1))
	assert.Equal(t, 4, m.Len())

	boom := errors.New("boom")
	m.FailWith(boom)
	assert.ErrorIs(t, m.WriteBatch(1, instructions(4)), boom)
	m.FailWith(nil)
	require.NoError(t, m.WriteBatch(1, instructions(4)))

	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.WriteBatch(1, instructions(5)), ErrClosed)
	assert.ErrorIs(t, m.Close(), ErrClosed)
}

// TestMemoryCopiesRecords checks that the caller may reuse its slice.
func TestMemoryCopiesRecords(t *testing.T) {
	m := NewMemory()
	recs := instructions(1)
	require.NoError(t, m.WriteBatch(1, recs))
	recs[0].Addr = 99
	assert.Equal(t, uint64(1), m.Records(1)[0].Addr)
}

func BenchmarkWriteBatch(b *testing.B) {
	var out bytes.Buffer
	s, err := NewWriterSink(&out, format.Text)
	if err != nil {
		b.Fatal(err)
	}
	recs := make([]record.Record, 64)
	for i := range recs {
		recs[i] = record.NewInstruction(0x401000 + uint64(i)*4)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.WriteBatch(1, recs); err != nil {
			b.Fatal(err)
		}
		if out.Len() > 1<<20 {
			out.Reset()
		}
	}
}
