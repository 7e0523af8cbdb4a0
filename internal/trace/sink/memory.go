package sink

import (
	"sync"

	"github.com/kolkov/instrace/internal/trace/record"
)

// Batch is one WriteBatch call recorded by Memory.
type Batch struct {
	Thread  record.ThreadID
	Records []record.Record
}

// Memory is an in-process sink that keeps every batch. It is used by the
// simulated host and by tests.
type Memory struct {
	mu      sync.Mutex
	batches []Batch
	failing error
	closed  bool
}

// NewMemory returns an empty memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// FailWith makes subsequent writes fail with err. A nil err restores normal
// operation.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failing = err
	m.mu.Unlock()
}

// WriteBatch implements Sink. The records are copied.
func (m *Memory) WriteBatch(tid record.ThreadID, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failing != nil {
		return m.failing
	}
	m.batches = append(m.batches, Batch{
		Thread:  tid,
		Records: append([]record.Record(nil), recs...),
	})
	return nil
}

// Flush implements Sink.
func (m *Memory) Flush() error {
	return nil
}

// Close implements Sink.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return nil
}

// Batches returns a copy of the recorded batches in arrival order.
func (m *Memory) Batches() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Batch(nil), m.batches...)
}

// Records returns every record written by thread tid, in order.
func (m *Memory) Records(tid record.ThreadID) []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record.Record
	for _, b := range m.batches {
		if b.Thread == tid {
			out = append(out, b.Records...)
		}
	}
	return out
}

// Len returns the total number of records received.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b.Records)
	}
	return n
}
