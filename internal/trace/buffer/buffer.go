// Copyright 2025 The instrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package buffer implements the per-thread capture buffer.
//
// A Buffer is a fixed-capacity, append-only array of records plus a write
// cursor. Exactly one thread owns a buffer for its whole lifetime: the
// capture stubs running on that thread append to it and the same thread
// drains it at every flush point. There is no locking anywhere in this
// package.
//
// Invariant: 0 <= cursor <= capacity. Appending at cursor == capacity means
// the flush cadence was broken (a block appended more records than the
// buffer holds). That is a logic fault, not a runtime condition, so Append
// panics with *OverflowError before touching memory.
//
// Layout:
//
//	region (raw memory, page aligned)
//	+--------+--------+-----+--------+--------------+
//	| rec[0] | rec[1] | ... | rec[n] | unused ...   |
//	+--------+--------+-----+--------+--------------+
//	                             ^ cursor
package buffer

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/kolkov/instrace/internal/trace/rawmem"
	"github.com/kolkov/instrace/internal/trace/record"
)

// DefaultCapacity is the number of records a buffer holds when no capacity
// is configured. It is a safety margin well above the largest block the
// host emits, not a tight bound.
const DefaultCapacity = 8192

// ErrReleased is the panic value for use of a buffer after Release.
var ErrReleased = errors.New("buffer: use after release")

// OverflowError reports an append to a full buffer.
type OverflowError struct {
	Thread   record.ThreadID
	Capacity int
}

// Error implements the error interface.
func (e *OverflowError) Error() string {
	return fmt.Sprintf("buffer: capture overflow on thread %d: capacity %d records exhausted between flush points",
		e.Thread, e.Capacity)
}

// Buffer is the per-thread capture buffer.
type Buffer struct {
	storage []record.Record
	cursor  int
	owner   record.ThreadID
	region  *rawmem.Region
}

// New allocates a buffer of capacity records for the given owner thread.
//
// The backing memory comes from rawmem. An allocation failure is returned
// as-is; the caller decides how fatal it is.
func New(owner record.ThreadID, capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer: invalid capacity %d", capacity)
	}
	region, err := rawmem.Alloc(capacity * record.Bytes)
	if err != nil {
		return nil, err
	}
	mem := region.Bytes()
	//nolint:gosec // G103: record.Record has no pointers; the region outlives the slice.
	storage := unsafe.Slice((*record.Record)(unsafe.Pointer(&mem[0])), capacity)
	return &Buffer{
		storage: storage,
		owner:   owner,
		region:  region,
	}, nil
}

// Append writes r at the cursor and advances it.
//
// This is the hot path executed for every monitored instruction: one bounds
// check, one 24-byte store, one increment.
//
// Panics with *OverflowError if the buffer is full and with ErrReleased if
// the buffer was released.
func (b *Buffer) Append(r record.Record) {
	if b.cursor >= len(b.storage) {
		if b.storage == nil {
			panic(ErrReleased)
		}
		panic(&OverflowError{Thread: b.owner, Capacity: len(b.storage)})
	}
	b.storage[b.cursor] = r
	b.cursor++
}

// Live returns the records written since the last reset, in write order.
//
// The returned slice aliases the buffer; it is valid until the next Append
// or Reset on the owning thread.
func (b *Buffer) Live() []record.Record {
	return b.storage[:b.cursor]
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.cursor = 0
}

// Discard drops the n oldest live records and moves the rest to the front.
// It is used after a sink kept only part of a batch.
func (b *Buffer) Discard(n int) {
	if n >= b.cursor {
		b.cursor = 0
		return
	}
	if n <= 0 {
		return
	}
	b.cursor = copy(b.storage, b.storage[n:b.cursor])
}

// Drain returns a copy of the live records and resets the buffer.
func (b *Buffer) Drain() []record.Record {
	out := make([]record.Record, b.cursor)
	copy(out, b.storage[:b.cursor])
	b.cursor = 0
	return out
}

// Len returns the number of live records.
func (b *Buffer) Len() int {
	return b.cursor
}

// Cap returns the buffer capacity in records. It is 0 after Release.
func (b *Buffer) Cap() int {
	return len(b.storage)
}

// Remaining returns how many more records fit before the buffer overflows.
func (b *Buffer) Remaining() int {
	return len(b.storage) - b.cursor
}

// Owner returns the thread that owns the buffer.
func (b *Buffer) Owner() record.ThreadID {
	return b.owner
}

// Base returns the address of the buffer's backing memory, or 0 after
// Release.
func (b *Buffer) Base() uintptr {
	if b.region == nil {
		return 0
	}
	return b.region.Base()
}

// Release returns the backing memory. Live records that were not flushed are
// discarded; Release reports how many.
func (b *Buffer) Release() (discarded int, err error) {
	if b.region == nil {
		return 0, ErrReleased
	}
	discarded = b.cursor
	b.storage = nil
	b.cursor = 0
	region := b.region
	b.region = nil
	return discarded, region.Release()
}
