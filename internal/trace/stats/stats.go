// Package stats holds the tracer's accounting counters.
//
// Every counter is an atomic.Uint64 so capture threads update them without
// locks. Loss accounting lives here: a record that is neither flushed nor
// counted in RecordsLost is a bug.
package stats

import (
	"fmt"
	"sync/atomic"
)

// Counters is the set of tracer statistics. The zero value is ready to use.
type Counters struct {
	RecordsFlushed    atomic.Uint64 // records accepted by the sink from buffers
	RecordsDirect     atomic.Uint64 // records written directly by the interceptor
	Flushes           atomic.Uint64 // successful non-empty flushes
	FlushFailures     atomic.Uint64 // flushes the sink rejected
	RecordsLost       atomic.Uint64 // records dropped by policy or discarded at teardown
	SinkDiscarded     atomic.Uint64 // accepted records the sink never wrote; also in RecordsLost
	CallsEntered      atomic.Uint64
	CallsExited       atomic.Uint64
	OrphanExits       atomic.Uint64 // exits without a matching entry
	ThreadsStarted    atomic.Uint64
	ThreadsExited     atomic.Uint64
	BlocksInstalled   atomic.Uint64
	BlocksReinstalled atomic.Uint64 // installs of an already-known tag
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	RecordsFlushed    uint64
	RecordsDirect     uint64
	Flushes           uint64
	FlushFailures     uint64
	RecordsLost       uint64
	SinkDiscarded     uint64
	CallsEntered      uint64
	CallsExited       uint64
	OrphanExits       uint64
	ThreadsStarted    uint64
	ThreadsExited     uint64
	BlocksInstalled   uint64
	BlocksReinstalled uint64
}

// Snapshot reads every counter. Counters are read one by one, so a snapshot
// taken while threads are running is not a consistent cut.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		RecordsFlushed:    c.RecordsFlushed.Load(),
		RecordsDirect:     c.RecordsDirect.Load(),
		Flushes:           c.Flushes.Load(),
		FlushFailures:     c.FlushFailures.Load(),
		RecordsLost:       c.RecordsLost.Load(),
		SinkDiscarded:     c.SinkDiscarded.Load(),
		CallsEntered:      c.CallsEntered.Load(),
		CallsExited:       c.CallsExited.Load(),
		OrphanExits:       c.OrphanExits.Load(),
		ThreadsStarted:    c.ThreadsStarted.Load(),
		ThreadsExited:     c.ThreadsExited.Load(),
		BlocksInstalled:   c.BlocksInstalled.Load(),
		BlocksReinstalled: c.BlocksReinstalled.Load(),
	}
}

// Records returns the total number of records delivered to the sink.
// Records the sink accepted and later discarded are not delivered.
func (s Snapshot) Records() uint64 {
	accepted := s.RecordsFlushed + s.RecordsDirect
	if s.SinkDiscarded > accepted {
		return 0
	}
	return accepted - s.SinkDiscarded
}

// String renders the snapshot on one line for diagnostics.
func (s Snapshot) String() string {
	return fmt.Sprintf("records=%d flushes=%d lost=%d failures=%d calls=%d/%d orphans=%d threads=%d/%d blocks=%d",
		s.Records(), s.Flushes, s.RecordsLost, s.FlushFailures,
		s.CallsEntered, s.CallsExited, s.OrphanExits,
		s.ThreadsStarted, s.ThreadsExited, s.BlocksInstalled)
}
