// Package tls models the host's thread-local storage capability.
//
// The host reserves one slot per monitored thread and hands the injected
// capture code an opaque Handle. Resolving a handle is the hot path executed
// at every monitored instruction, so Get is one bounds check and one atomic
// load: no lock, no allocation, no system call.
//
// Reserving and releasing slots happen at thread start and exit only. They
// take a mutex around a FIFO free list, so a released slot is reused last
// and stale handles keep resolving to nil for as long as possible.
package tls

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle identifies a reserved slot. The zero Handle is never valid.
type Handle uint32

// ErrExhausted is returned by Reserve when every slot is taken.
var ErrExhausted = errors.New("tls: no free slot")

// ErrInvalidHandle is returned for a handle that was never reserved or was
// already released.
var ErrInvalidHandle = errors.New("tls: invalid handle")

// Table is a fixed-size table of per-thread slots, each holding a *T.
type Table[T any] struct {
	slots []atomic.Pointer[T]

	// mu protects free and reserved. The hot path never takes it.
	mu       sync.Mutex
	free     []Handle
	reserved []bool
}

// NewTable returns a table with n slots.
func NewTable[T any](n int) (*Table[T], error) {
	if n <= 0 {
		return nil, fmt.Errorf("tls: invalid slot count %d", n)
	}
	t := &Table[T]{
		// Index 0 backs the invalid handle and stays empty forever.
		slots:    make([]atomic.Pointer[T], n+1),
		free:     make([]Handle, n),
		reserved: make([]bool, n+1),
	}
	for i := range t.free {
		t.free[i] = Handle(i + 1) // [1, 2, ..., n]
	}
	return t, nil
}

// Reserve takes a free slot. Slots come out in FIFO order.
func (t *Table[T]) Reserve() (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return 0, ErrExhausted
	}
	h := t.free[0]
	t.free = t.free[1:]
	t.reserved[h] = true
	return h, nil
}

// Release clears the slot and returns it to the free list.
func (t *Table[T]) Release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.valid(h) {
		return ErrInvalidHandle
	}
	t.slots[h].Store(nil)
	t.reserved[h] = false
	//nolint:makezero // free list is a queue, appending is intended
	t.free = append(t.free, h)
	return nil
}

// Set publishes v in the slot. Set on an unreserved handle fails.
func (t *Table[T]) Set(h Handle, v *T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.valid(h) {
		return ErrInvalidHandle
	}
	t.slots[h].Store(v)
	return nil
}

// Get returns the value published in slot h, or nil if the slot is empty
// or h is out of range.
//
// This is the hot path:
//
//	buf := table.Get(h).Buffer  // one bounds check + one atomic load
func (t *Table[T]) Get(h Handle) *T {
	if int(h) >= len(t.slots) {
		return nil
	}
	return t.slots[h].Load()
}

// Len returns the number of reserved slots.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - 1 - len(t.free)
}

// Cap returns the total number of slots.
func (t *Table[T]) Cap() int {
	return len(t.slots) - 1
}

func (t *Table[T]) valid(h Handle) bool {
	return h != 0 && int(h) < len(t.slots) && t.reserved[h]
}
